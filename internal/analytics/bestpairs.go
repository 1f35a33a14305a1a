package analytics

import (
	"fmt"
	"math"
	"sort"

	"fxpipeline/internal/model"
)

// Classification boundaries on the correlation coefficient.
const (
	HedgingBound  = -0.7
	NegativeBound = -0.4
	ModerateBound = 0.4
	HighBound     = 0.7
)

// Classify buckets a coefficient. Strongly negative pairs are hedging
// candidates; the hedging bucket takes precedence over the generic
// high-magnitude bucket.
func Classify(rho float64) model.PairCategory {
	switch {
	case rho <= HedgingBound:
		return model.CategoryHedging
	case rho < NegativeBound:
		return model.CategoryNegative
	case math.Abs(rho) < ModerateBound:
		return model.CategoryUncorrelated
	case math.Abs(rho) < HighBound:
		return model.CategoryModerate
	default:
		return model.CategoryHighCorrelation
	}
}

func reason(rho float64, cat model.PairCategory) string {
	switch cat {
	case model.CategoryHedging:
		return fmt.Sprintf("strong inverse relationship (%.4f), suitable for hedging", rho)
	case model.CategoryNegative:
		return fmt.Sprintf("negative relationship (%.4f)", rho)
	case model.CategoryUncorrelated:
		return fmt.Sprintf("weak relationship (%.4f), moves independently", rho)
	case model.CategoryModerate:
		return fmt.Sprintf("moderate relationship (%.4f)", rho)
	default:
		return fmt.Sprintf("strong co-movement (%.4f)", rho)
	}
}

// RankBestPairs converts a correlation snapshot into a ranked best-pairs set:
// descending absolute coefficient, ties broken by (pair1, pair2) ascending so
// reruns over identical inputs produce identical rankings. Rank restarts at 1
// within each category.
func RankBestPairs(entries []model.CorrelationEntry) []model.BestPairEntry {
	out := make([]model.BestPairEntry, 0, len(entries))
	for _, e := range entries {
		cat := Classify(e.Correlation)
		out = append(out, model.BestPairEntry{
			Time:        e.Time,
			Pair1:       e.Pair1,
			Pair2:       e.Pair2,
			Correlation: e.Correlation,
			Category:    cat,
			Reason:      reason(e.Correlation, cat),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Correlation), math.Abs(out[j].Correlation)
		if ai != aj {
			return ai > aj
		}
		if out[i].Pair1 != out[j].Pair1 {
			return out[i].Pair1 < out[j].Pair1
		}
		return out[i].Pair2 < out[j].Pair2
	})
	seen := make(map[model.PairCategory]int, 5)
	for i := range out {
		seen[out[i].Category]++
		out[i].Rank = seen[out[i].Category]
	}
	return out
}
