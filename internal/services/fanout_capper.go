package services

import (
	"math"
	"sort"

	"github.com/irfndi/polycorr/internal/models"
)

// BuildAdjacency indexes candidate links by endpoint. Each market ID maps to
// the positions of its incident links in the given slice.
func BuildAdjacency(links []models.CorrelationLink) map[string][]int {
	adjacency := make(map[string][]int)
	for i, link := range links {
		adjacency[link.SourceID] = append(adjacency[link.SourceID], i)
		adjacency[link.TargetID] = append(adjacency[link.TargetID], i)
	}
	return adjacency
}

// CapFanOut keeps, for every node, its k strongest incident links by absolute
// correlation. A link is retained when either endpoint keeps it. Duplicate
// links for the same unordered pair collapse to the strongest one. The input
// is not modified.
func CapFanOut(links []models.CorrelationLink, k int) []models.CorrelationLink {
	out := dedupeLinks(links)
	if k <= 0 {
		return out
	}

	for _, incident := range BuildAdjacency(out) {
		ranked := make([]int, len(incident))
		copy(ranked, incident)
		sort.SliceStable(ranked, func(i, j int) bool {
			return strongerLink(out[ranked[i]], out[ranked[j]])
		})
		if len(ranked) > k {
			ranked = ranked[:k]
		}
		for _, idx := range ranked {
			out[idx].Retained = true
		}
	}
	return out
}

// RetainedLinks returns the published subset of capped links.
func RetainedLinks(links []models.CorrelationLink) []models.CorrelationLink {
	published := make([]models.CorrelationLink, 0, len(links))
	for _, link := range links {
		if link.Retained {
			published = append(published, link)
		}
	}
	return published
}

func strongerLink(a, b models.CorrelationLink) bool {
	absA, absB := math.Abs(a.Correlation), math.Abs(b.Correlation)
	if absA != absB {
		return absA > absB
	}
	return a.PairKey() < b.PairKey()
}

func dedupeLinks(links []models.CorrelationLink) []models.CorrelationLink {
	out := make([]models.CorrelationLink, 0, len(links))
	seen := make(map[string]int, len(links))
	for _, link := range links {
		if link.SourceID == link.TargetID {
			continue
		}
		link.Retained = false
		key := link.PairKey()
		if idx, ok := seen[key]; ok {
			if strongerLink(link, out[idx]) {
				out[idx] = link
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, link)
	}
	return out
}
