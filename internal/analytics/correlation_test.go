package analytics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxpipeline/internal/model"
)

func mkSeries(start time.Time, step time.Duration, prices []float64) []model.Close {
	out := make([]model.Close, len(prices))
	for i, p := range prices {
		out[i] = model.Close{
			Time:  start.Add(time.Duration(i) * step),
			Price: decimal.NewFromFloat(p),
		}
	}
	return out
}

func linear(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func TestCorrelatePerfectPositive(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	asOf := start.Add(100 * time.Hour)
	a := mkSeries(start, time.Hour, linear(50, func(i int) float64 { return 1.0 + 0.01*float64(i) }))
	b := mkSeries(start, time.Hour, linear(50, func(i int) float64 { return 5.0 + 0.02*float64(i) }))

	entry, err := Correlate("EUR_USD", "GBP_USD", a, b, 50, asOf)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, entry.Correlation, 1e-9)
	assert.Equal(t, 50, entry.WindowSize)
	assert.Equal(t, asOf, entry.Time)
}

func TestCorrelatePerfectNegative(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := mkSeries(start, time.Hour, linear(40, func(i int) float64 { return 1.0 + 0.01*float64(i) }))
	b := mkSeries(start, time.Hour, linear(40, func(i int) float64 { return 2.0 - 0.01*float64(i) }))

	entry, err := Correlate("EUR_USD", "USD_CHF", a, b, 40, start)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, entry.Correlation, 1e-9)
}

func TestCorrelateCanonicalizesPairOrder(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := mkSeries(start, time.Hour, linear(40, func(i int) float64 { return 1.0 + 0.01*float64(i) }))
	b := mkSeries(start, time.Hour, linear(40, func(i int) float64 { return 2.0 + 0.03*float64(i) }))

	// Arguments arrive in reverse lexicographic order.
	entry, err := Correlate("GBP_USD", "EUR_USD", a, b, 40, start)
	require.NoError(t, err)
	assert.Equal(t, "EUR_USD", entry.Pair1)
	assert.Equal(t, "GBP_USD", entry.Pair2)
	assert.True(t, entry.Canonical())

	// Same inputs either way round give the same coefficient.
	flipped, err := Correlate("EUR_USD", "GBP_USD", b, a, 40, start)
	require.NoError(t, err)
	assert.InDelta(t, entry.Correlation, flipped.Correlation, 1e-12)
}

func TestAlignSeriesInnerJoin(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := mkSeries(start, time.Hour, []float64{1, 2, 3, 4})
	// b misses hour 1 and has an extra sample at hour 9.
	b := []model.Close{
		{Time: start, Price: decimal.NewFromInt(10)},
		{Time: start.Add(2 * time.Hour), Price: decimal.NewFromInt(30)},
		{Time: start.Add(3 * time.Hour), Price: decimal.NewFromInt(40)},
		{Time: start.Add(9 * time.Hour), Price: decimal.NewFromInt(99)},
	}
	x, y := AlignSeries(a, b)
	assert.Equal(t, []float64{1, 3, 4}, x)
	assert.Equal(t, []float64{10, 30, 40}, y)
}

func TestCorrelateRejectsOverlapBelowWindow(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := mkSeries(start, time.Hour, linear(99, func(i int) float64 { return 1.0 + 0.01*float64(i) }))
	b := mkSeries(start, time.Hour, linear(99, func(i int) float64 { return 2.0 + 0.02*float64(i) }))

	// 99 aligned samples against a requested window of 100.
	_, err := Correlate("EUR_USD", "GBP_USD", a, b, 100, start)
	assert.ErrorIs(t, err, ErrMissingCoverage)

	entry, err := Correlate("EUR_USD", "GBP_USD", a, b, 99, start)
	require.NoError(t, err)
	assert.Equal(t, 99, entry.WindowSize)
}

func TestCorrelateRejectsZeroVarianceSeries(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	flat := mkSeries(start, time.Hour, linear(100, func(int) float64 { return 0.7123 }))
	moving := mkSeries(start, time.Hour, linear(100, func(i int) float64 { return 1.0 + 0.01*float64(i) }))

	// A constant close series makes the coefficient undefined.
	_, err := Correlate("USD_HKD", "EUR_USD", flat, moving, 100, start)
	assert.ErrorIs(t, err, ErrMissingCoverage)

	// Both sides flat is just as undefined.
	_, err = Correlate("USD_HKD", "USD_CNH", flat, flat, 100, start)
	assert.ErrorIs(t, err, ErrMissingCoverage)
}

func TestMatrixSkipsThinAndFlatPairsAndKeepsTheRest(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	series := map[string][]model.Close{
		"EUR_USD": mkSeries(start, time.Hour, linear(60, func(i int) float64 { return 1.0 + 0.01*float64(i) })),
		"GBP_USD": mkSeries(start, time.Hour, linear(60, func(i int) float64 { return 1.2 + 0.005*float64(i) })),
		"USD_HKD": mkSeries(start, time.Hour, linear(60, func(int) float64 { return 7.85 })),
		"USD_JPY": mkSeries(start, time.Hour, linear(5, func(i int) float64 { return 150 + float64(i) })),
	}
	entries, skipped := Matrix(series, []string{"EUR_USD", "GBP_USD", "USD_HKD", "USD_JPY"}, 30, start)
	require.Len(t, entries, 1)
	// USD_JPY is too short against everyone; USD_HKD is pegged flat.
	assert.Equal(t, 5, skipped)
	assert.Equal(t, "EUR_USD", entries[0].Pair1)
	assert.Equal(t, "GBP_USD", entries[0].Pair2)
}
