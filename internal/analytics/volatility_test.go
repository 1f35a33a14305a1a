package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxpipeline/internal/model"
)

func TestLogReturns(t *testing.T) {
	returns, err := LogReturns([]float64{1.0, math.E, math.E * math.E})
	require.NoError(t, err)
	require.Len(t, returns, 2)
	assert.InDelta(t, 1.0, returns[0], 1e-12)
	assert.InDelta(t, 1.0, returns[1], 1e-12)

	_, err = LogReturns([]float64{1.0})
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = LogReturns([]float64{1.0, -0.5, 1.0})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestHistoricalVolatilityConstantSeriesIsZero(t *testing.T) {
	closes := make([]float64, HVShortWindow+1)
	for i := range closes {
		closes[i] = 1.2345
	}
	hv, err := HistoricalVolatility(closes, HVShortWindow)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, hv, 1e-12)
}

func TestHistoricalVolatilityScaleInvariant(t *testing.T) {
	// HV runs on log returns, so a proportionally scaled series has the
	// same volatility.
	base := make([]float64, HVShortWindow+1)
	scaled := make([]float64, HVShortWindow+1)
	for i := range base {
		base[i] = 1.10 + 0.01*math.Sin(float64(i))
		scaled[i] = base[i] * 1000
	}
	hv1, err := HistoricalVolatility(base, HVShortWindow)
	require.NoError(t, err)
	hv2, err := HistoricalVolatility(scaled, HVShortWindow)
	require.NoError(t, err)
	assert.InDelta(t, hv1, hv2, 1e-9)
	assert.Greater(t, hv1, 0.0)
}

func TestHistoricalVolatilityNeedsWindowPlusOne(t *testing.T) {
	closes := make([]float64, HVShortWindow) // one short
	for i := range closes {
		closes[i] = 1.1 + float64(i)*0.001
	}
	_, err := HistoricalVolatility(closes, HVShortWindow)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestSMA(t *testing.T) {
	v, err := SMA([]float64{9, 9, 1, 2, 3}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 1e-12)

	_, err = SMA([]float64{1, 2}, 3)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestBollingerBandsBracketTheMean(t *testing.T) {
	closes := make([]float64, BBWindow)
	for i := range closes {
		closes[i] = 1.08 + 0.002*math.Sin(float64(i))
	}
	up, mid, lo, err := Bollinger(closes, BBWindow, BBMultiplier)
	require.NoError(t, err)
	assert.Greater(t, up, mid)
	assert.Less(t, lo, mid)
	assert.InDelta(t, up-mid, mid-lo, 1e-12)
}

func TestATR(t *testing.T) {
	// Flat series: every true range is high-low.
	n := ATRWindow + 1
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := range highs {
		highs[i] = 1.10
		lows[i] = 1.08
		closes[i] = 1.09
	}
	atr, err := ATR(highs, lows, closes, ATRWindow)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, atr, 1e-12)

	_, err = ATR(highs[:ATRWindow], lows[:ATRWindow], closes[:ATRWindow], ATRWindow)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestATRGapUsesPreviousClose(t *testing.T) {
	// A gap up makes |high - prevClose| the true range.
	highs := []float64{1.10, 1.20}
	lows := []float64{1.08, 1.19}
	closes := []float64{1.09, 1.195}
	atr, err := ATR(highs, lows, closes, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.11, atr, 1e-12)
}

func mkCandles(n int, price func(i int) float64) []model.Candle {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		p := decimal.NewFromFloat(price(i))
		out[i] = model.Candle{
			Instrument:  "EUR_USD",
			Time:        start.Add(time.Duration(i) * time.Hour),
			Granularity: model.H1,
			Mid:         &model.OHLC{Open: p, High: p, Low: p, Close: p},
			Complete:    true,
		}
	}
	return out
}

func TestDeriveMetricsFullHistory(t *testing.T) {
	inst := model.Instrument{Name: "EUR_USD", Class: model.ClassFX}
	candles := mkCandles(300, func(i int) float64 {
		return 1.08 + 0.001*math.Sin(float64(i)/5)
	})
	metric := DeriveMetrics(inst, candles)

	assert.Equal(t, "EUR_USD", metric.Instrument)
	assert.Equal(t, model.ClassFX, metric.AssetClass)
	assert.Equal(t, candles[299].Time, metric.Time)
	assert.False(t, metric.Empty())
	assert.True(t, metric.HV20.Valid)
	assert.True(t, metric.HV50.Valid)
	assert.True(t, metric.SMA15.Valid)
	assert.True(t, metric.SMA30.Valid)
	assert.True(t, metric.SMA50.Valid)
	assert.True(t, metric.BBUpper.Valid)
	assert.True(t, metric.ATR.Valid)

	// Persisted precision: prices at 5 places, volatility at 6.
	assert.LessOrEqual(t, int32(-metric.SMA15.Decimal.Exponent()), int32(PricePrecision))
	assert.LessOrEqual(t, int32(-metric.HV20.Decimal.Exponent()), int32(HVPrecision))
}

func TestDeriveMetricsPartialHistory(t *testing.T) {
	inst := model.Instrument{Name: "EUR_USD", Class: model.ClassFX}
	// 25 candles: SMA15 and HV20 computable, SMA50/HV50 not.
	metric := DeriveMetrics(inst, mkCandles(25, func(i int) float64 {
		return 1.08 + 0.0005*float64(i%7)
	}))
	assert.True(t, metric.SMA15.Valid)
	assert.True(t, metric.HV20.Valid)
	assert.False(t, metric.SMA50.Valid)
	assert.False(t, metric.HV50.Valid)
}

func TestDeriveMetricsSkipsIncompleteCandles(t *testing.T) {
	inst := model.Instrument{Name: "EUR_USD", Class: model.ClassFX}
	candles := mkCandles(10, func(i int) float64 { return 1.08 })
	for i := range candles {
		candles[i].Complete = false
	}
	metric := DeriveMetrics(inst, candles)
	assert.True(t, metric.Empty())
	assert.True(t, metric.Time.IsZero())
}

func TestRoundBankHalfToEven(t *testing.T) {
	// Exact binary halves round to the even neighbor.
	assert.Equal(t, "0", roundBank(0.5, 0).Decimal.String())
	assert.Equal(t, "2", roundBank(1.5, 0).Decimal.String())
	assert.Equal(t, "2", roundBank(2.5, 0).Decimal.String())
	assert.False(t, roundBank(math.NaN(), 5).Valid)
	assert.False(t, roundBank(math.Inf(1), 5).Valid)
}
