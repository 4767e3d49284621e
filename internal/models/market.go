package models

import (
	"sort"
	"time"
)

// PricePoint is a single probability sample from the CLOB price history
type PricePoint struct {
	Timestamp int64   `json:"t" db:"ts"`
	Price     float64 `json:"p" db:"price"`
}

// PriceHistory is ordered ascending by timestamp with no duplicate timestamps
type PriceHistory []PricePoint

// Market represents a prediction market and its sampled price history
type Market struct {
	ID          string       `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	Slug        string       `json:"slug" db:"slug"`
	Category    string       `json:"category" db:"category"`
	Volume      float64      `json:"volume" db:"volume"`
	Probability float64      `json:"probability" db:"probability"`
	ClobTokenID string       `json:"clob_token_id" db:"clob_token_id"`
	StartDate   *time.Time   `json:"start_date,omitempty" db:"start_date"`
	EndDate     *time.Time   `json:"end_date,omitempty" db:"end_date"`
	Closed      bool         `json:"closed" db:"closed"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
	History     PriceHistory `json:"history,omitempty"`
}

// ResolvedMarket is a closed market with a decided outcome, used as a backtest leader
type ResolvedMarket struct {
	Market
	Outcome Outcome `json:"resolved_outcome"`
}

// Outcome is the side a binary market resolved to
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Normalize returns the history sorted by timestamp with duplicate timestamps
// collapsed to the last observed price.
func (h PriceHistory) Normalize() PriceHistory {
	if len(h) == 0 {
		return PriceHistory{}
	}
	out := make(PriceHistory, len(h))
	copy(out, h)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	deduped := out[:1]
	for _, p := range out[1:] {
		last := &deduped[len(deduped)-1]
		if p.Timestamp == last.Timestamp {
			last.Price = p.Price
			continue
		}
		deduped = append(deduped, p)
	}
	return deduped
}

// PriceAt returns the last known price at or before ts.
func (h PriceHistory) PriceAt(ts int64) (float64, bool) {
	i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp > ts })
	if i == 0 {
		return 0, false
	}
	return h[i-1].Price, true
}

// First returns the earliest point, if any.
func (h PriceHistory) First() (PricePoint, bool) {
	if len(h) == 0 {
		return PricePoint{}, false
	}
	return h[0], true
}

// Last returns the latest point, if any.
func (h PriceHistory) Last() (PricePoint, bool) {
	if len(h) == 0 {
		return PricePoint{}, false
	}
	return h[len(h)-1], true
}

// MarketRequest represents request parameters for market listings
type MarketRequest struct {
	MinVolume float64 `json:"min_volume" form:"min_volume"`
	Category  string  `json:"category" form:"category"`
	Limit     int     `json:"limit" form:"limit"`
}
