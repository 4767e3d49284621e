package models

import "time"

// Inefficiency classifies whether a correlated pair is priced inconsistently
type Inefficiency string

const (
	InefficiencyLow  Inefficiency = "low"
	InefficiencyHigh Inefficiency = "high"
)

// CorrelationLink is a candidate or published relationship between two markets
type CorrelationLink struct {
	SourceID     string       `json:"source" db:"market_a"`
	TargetID     string       `json:"target" db:"market_b"`
	Correlation  float64      `json:"correlation" db:"correlation"`
	IsInverse    bool         `json:"is_inverse" db:"is_inverse"`
	Inefficiency Inefficiency `json:"inefficiency" db:"inefficiency"`
	Retained     bool         `json:"-"`
}

// PairKey identifies the unordered pair a link belongs to.
func (l CorrelationLink) PairKey() string {
	if l.SourceID < l.TargetID {
		return l.SourceID + "|" + l.TargetID
	}
	return l.TargetID + "|" + l.SourceID
}

// Other returns the endpoint opposite to id.
func (l CorrelationLink) Other(id string) string {
	if l.SourceID == id {
		return l.TargetID
	}
	return l.SourceID
}

// GraphNode is a market as presented in the published graph
type GraphNode struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Slug        string  `json:"slug"`
	Category    string  `json:"category"`
	Volume      float64 `json:"volume"`
	Probability float64 `json:"probability"`
}

// Graph is the published correlation graph
type Graph struct {
	Nodes       []GraphNode       `json:"nodes"`
	Links       []CorrelationLink `json:"links"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// RefreshStatus mirrors the metadata written by the refresh job
type RefreshStatus struct {
	LastRefresh       *time.Time `json:"last_refresh"`
	TotalMarkets      int        `json:"total_markets"`
	TotalCorrelations int        `json:"total_correlations"`
	Status            string     `json:"status"`
}

const (
	StatusReady        = "ready"
	StatusNeedsRefresh = "needs_refresh"
)

// Metadata keys written by the refresh job.
const (
	MetaLastRefresh       = "last_refresh"
	MetaTotalMarkets      = "total_markets"
	MetaTotalCorrelations = "total_correlations"
)
