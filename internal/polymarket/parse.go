package polymarket

import (
	"time"

	"github.com/irfndi/polycorr/internal/models"
	"github.com/tidwall/gjson"
)

// resolvedPrice is the settlement price above which an outcome counts as won.
const resolvedPrice = 0.95

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// parseMarket converts a Gamma market object. Gamma encodes outcomePrices and
// clobTokenIds as JSON strings holding arrays, older payloads as plain arrays.
func parseMarket(r gjson.Result) (models.Market, []float64, bool) {
	id := r.Get("id").String()
	if id == "" {
		return models.Market{}, nil, false
	}

	var prices []float64
	for _, p := range arrayField(r.Get("outcomePrices")) {
		prices = append(prices, p.Float())
	}
	probability := 0.5
	if len(prices) > 0 {
		probability = normalizeProbability(prices[0])
	}

	var token string
	if tokens := arrayField(r.Get("clobTokenIds")); len(tokens) > 0 {
		token = tokens[0].String()
	}

	volume := r.Get("volume").Float()
	if volume == 0 {
		volume = r.Get("volumeNum").Float()
	}

	m := models.Market{
		ID:          id,
		Name:        r.Get("question").String(),
		Slug:        r.Get("slug").String(),
		Category:    r.Get("category").String(),
		Volume:      volume,
		Probability: probability,
		ClobTokenID: token,
		StartDate:   parseDate(r.Get("startDate").String()),
		EndDate:     parseDate(r.Get("endDate").String()),
		Closed:      r.Get("closed").Bool(),
		UpdatedAt:   time.Now().UTC(),
	}
	return m, prices, true
}

func arrayField(r gjson.Result) []gjson.Result {
	if r.Type == gjson.String {
		return gjson.Parse(r.String()).Array()
	}
	return r.Array()
}

// normalizeProbability maps percentage quotes onto [0,1].
func normalizeProbability(p float64) float64 {
	if p > 1 {
		p /= 100
	}
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func decidedOutcome(prices []float64) (models.Outcome, bool) {
	if len(prices) < 2 {
		return "", false
	}
	switch {
	case prices[0] > resolvedPrice:
		return models.OutcomeYes, true
	case prices[1] > resolvedPrice:
		return models.OutcomeNo, true
	}
	return "", false
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func parseHistory(body []byte) models.PriceHistory {
	points := gjson.GetBytes(body, "history").Array()
	history := make(models.PriceHistory, 0, len(points))
	for _, p := range points {
		t := p.Get("t")
		price := p.Get("p")
		if !t.Exists() || !price.Exists() {
			continue
		}
		history = append(history, models.PricePoint{Timestamp: t.Int(), Price: price.Float()})
	}
	return history.Normalize()
}
