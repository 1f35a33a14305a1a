package analytics

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"fxpipeline/internal/model"
)

// ErrMissingCoverage is returned when two series share too few timestamps or
// the coefficient is undefined over their overlap.
var ErrMissingCoverage = errors.New("insufficient shared coverage between series")

// AlignSeries inner-joins two oldest-first close series on timestamp. Samples
// present on only one side are dropped; no interpolation.
func AlignSeries(a, b []model.Close) (x, y []float64) {
	byTime := make(map[int64]float64, len(b))
	for _, s := range b {
		byTime[s.Time.Unix()] = s.Price.InexactFloat64()
	}
	for _, s := range a {
		if v, ok := byTime[s.Time.Unix()]; ok {
			x = append(x, s.Price.InexactFloat64())
			y = append(y, v)
		}
	}
	return x, y
}

// Correlate computes the Pearson coefficient for a canonical pair over the
// aligned overlap of the two series. The overlap must cover at least window
// samples; shorter overlaps and zero-variance series (where the coefficient
// is undefined) return ErrMissingCoverage.
func Correlate(pair1, pair2 string, s1, s2 []model.Close, window int, asOf time.Time) (model.CorrelationEntry, error) {
	p1, p2 := model.CanonicalPair(pair1, pair2)
	if p1 != pair1 {
		s1, s2 = s2, s1
	}
	x, y := AlignSeries(s1, s2)
	if len(x) < window {
		return model.CorrelationEntry{}, fmt.Errorf("%w: %s/%s aligned %d points, need %d",
			ErrMissingCoverage, p1, p2, len(x), window)
	}
	rho := stat.Correlation(x, y, nil)
	if math.IsNaN(rho) {
		return model.CorrelationEntry{}, fmt.Errorf("%w: %s/%s has a zero-variance series",
			ErrMissingCoverage, p1, p2)
	}
	return model.CorrelationEntry{
		Pair1:       p1,
		Pair2:       p2,
		Time:        asOf,
		Correlation: rho,
		WindowSize:  len(x),
	}, nil
}

// Matrix computes coefficients for every unordered pair of instruments with
// sufficient shared coverage. Pairs below the coverage floor are skipped and
// counted, not errored.
func Matrix(series map[string][]model.Close, names []string, window int, asOf time.Time) (entries []model.CorrelationEntry, skipped int) {
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			entry, err := Correlate(names[i], names[j], series[names[i]], series[names[j]], window, asOf)
			if err != nil {
				skipped++
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, skipped
}
