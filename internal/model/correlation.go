package model

import (
	"fmt"
	"time"
)

// CorrelationEntry is the Pearson coefficient between two instruments over a
// shared window of mid closes. Pair1 < Pair2 lexicographically; the store
// rejects rows that violate the canonical ordering.
type CorrelationEntry struct {
	Pair1       string    `json:"pair1"`
	Pair2       string    `json:"pair2"`
	Time        time.Time `json:"time"`
	Correlation float64   `json:"correlation"`
	WindowSize  int       `json:"window_size"`
}

// Canonical reports whether the pair ordering invariant holds.
func (e *CorrelationEntry) Canonical() bool {
	return e.Pair1 < e.Pair2
}

// CanonicalPair orders two instrument names lexicographically.
func CanonicalPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// PairCategory buckets a correlation value for the best-pairs ranking.
type PairCategory string

const (
	CategoryHedging         PairCategory = "hedging"
	CategoryNegative        PairCategory = "negatively_correlated"
	CategoryUncorrelated    PairCategory = "uncorrelated"
	CategoryModerate        PairCategory = "moderate"
	CategoryHighCorrelation PairCategory = "high_correlation"
)

// BestPairEntry is one ranked row of a best-pairs snapshot. Snapshots are
// append-only: every daily run writes a fresh set tagged by Time.
type BestPairEntry struct {
	Time        time.Time    `json:"time"`
	Pair1       string       `json:"pair1"`
	Pair2       string       `json:"pair2"`
	Correlation float64      `json:"correlation"`
	Category    PairCategory `json:"category"`
	Rank        int          `json:"rank"`
	Reason      string       `json:"reason"`
}

// String renders the pair for logs, e.g. "EUR_USD/GBP_USD".
func (e *BestPairEntry) String() string {
	return fmt.Sprintf("%s/%s", e.Pair1, e.Pair2)
}
