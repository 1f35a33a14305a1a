// Package analytics derives volatility metrics, correlation matrices, and
// best-pairs rankings from candle history. Inputs arrive as decimals; the
// numeric core runs on float64 and results are rounded back to decimals at
// fixed precision (banker's rounding) before anything persists them.
package analytics

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"fxpipeline/internal/model"
)

// Window sizes, in candles. Hourly metrics run over H1 history.
const (
	HVShortWindow = 20
	HVLongWindow  = 50
	SMAShort      = 15
	SMAMid        = 30
	SMALong       = 50
	BBWindow      = 20
	BBMultiplier  = 2.0
	ATRWindow     = 14

	// TradingDaysPerYear annualizes per-period volatility.
	TradingDaysPerYear = 252

	// Persisted precision: price-level values and volatility percentages.
	PricePrecision = 5
	HVPrecision    = 6
)

// ErrInsufficientData is returned by series primitives when the window is not
// fully covered. DeriveMetrics swallows it per field and leaves the field null.
var ErrInsufficientData = errors.New("insufficient data for window")

// LogReturns computes ln(p[i]/p[i-1]) over an oldest-first close series.
// Non-positive prices yield ErrInsufficientData since the log is undefined.
func LogReturns(closes []float64) ([]float64, error) {
	if len(closes) < 2 {
		return nil, ErrInsufficientData
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return nil, ErrInsufficientData
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out, nil
}

// HistoricalVolatility is the annualized sample standard deviation of the last
// window log returns, as a percentage. Needs window+1 closes.
func HistoricalVolatility(closes []float64, window int) (float64, error) {
	returns, err := LogReturns(closes)
	if err != nil {
		return 0, err
	}
	if len(returns) < window {
		return 0, ErrInsufficientData
	}
	tail := returns[len(returns)-window:]
	sd := stat.StdDev(tail, nil)
	return sd * math.Sqrt(TradingDaysPerYear) * 100, nil
}

// SMA is the arithmetic mean of the last window closes.
func SMA(closes []float64, window int) (float64, error) {
	if len(closes) < window {
		return 0, ErrInsufficientData
	}
	return stat.Mean(closes[len(closes)-window:], nil), nil
}

// Bollinger returns the upper, middle, and lower bands over the last window
// closes: middle is the SMA, the others sit mult sample standard deviations
// away.
func Bollinger(closes []float64, window int, mult float64) (upper, middle, lower float64, err error) {
	if len(closes) < window {
		return 0, 0, 0, ErrInsufficientData
	}
	tail := closes[len(closes)-window:]
	middle = stat.Mean(tail, nil)
	sd := stat.StdDev(tail, nil)
	return middle + mult*sd, middle, middle - mult*sd, nil
}

// ATR is the mean true range over the last window candles. True range uses
// the previous close, so window+1 candles are required.
func ATR(highs, lows, closes []float64, window int) (float64, error) {
	n := len(closes)
	if n != len(highs) || n != len(lows) {
		return 0, ErrInsufficientData
	}
	if n < window+1 {
		return 0, ErrInsufficientData
	}
	trs := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		tr := highs[i] - lows[i]
		if d := math.Abs(highs[i] - closes[i-1]); d > tr {
			tr = d
		}
		if d := math.Abs(lows[i] - closes[i-1]); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}
	return stat.Mean(trs, nil), nil
}

// DeriveMetrics computes the full metric set for one instrument from
// oldest-first candle history. Only complete candles with a mid side
// contribute. Fields whose window is not covered stay null; the caller
// checks Empty() before persisting.
func DeriveMetrics(inst model.Instrument, candles []model.Candle) model.VolatilityMetric {
	metric := model.VolatilityMetric{
		Instrument: inst.Name,
		AssetClass: inst.Class,
	}

	var closes, highs, lows []float64
	for i := range candles {
		c := &candles[i]
		if !c.Complete || c.Mid == nil {
			continue
		}
		closes = append(closes, c.Mid.Close.InexactFloat64())
		highs = append(highs, c.Mid.High.InexactFloat64())
		lows = append(lows, c.Mid.Low.InexactFloat64())
		metric.Time = c.Time
	}
	if len(closes) == 0 {
		return metric
	}

	if hv, err := HistoricalVolatility(closes, HVShortWindow); err == nil {
		metric.HV20 = roundBank(hv, HVPrecision)
	}
	if hv, err := HistoricalVolatility(closes, HVLongWindow); err == nil {
		metric.HV50 = roundBank(hv, HVPrecision)
	}
	if v, err := SMA(closes, SMAShort); err == nil {
		metric.SMA15 = roundBank(v, PricePrecision)
	}
	if v, err := SMA(closes, SMAMid); err == nil {
		metric.SMA30 = roundBank(v, PricePrecision)
	}
	if v, err := SMA(closes, SMALong); err == nil {
		metric.SMA50 = roundBank(v, PricePrecision)
	}
	if up, mid, lo, err := Bollinger(closes, BBWindow, BBMultiplier); err == nil {
		metric.BBUpper = roundBank(up, PricePrecision)
		metric.BBMiddle = roundBank(mid, PricePrecision)
		metric.BBLower = roundBank(lo, PricePrecision)
	}
	if v, err := ATR(highs, lows, closes, ATRWindow); err == nil {
		metric.ATR = roundBank(v, PricePrecision)
	}
	return metric
}

func roundBank(v float64, places int32) decimal.NullDecimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{
		Decimal: decimal.NewFromFloat(v).RoundBank(places),
		Valid:   true,
	}
}
