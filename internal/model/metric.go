package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// VolatilityMetric is the derived per-instrument metric set for the window
// ending at Time. Fields whose input window was not fully covered are left
// null rather than zero.
type VolatilityMetric struct {
	Instrument string              `json:"instrument"`
	AssetClass AssetClass          `json:"asset_class"`
	Time       time.Time           `json:"time"` // time of the newest candle in the window
	HV20       decimal.NullDecimal `json:"hv20"`
	HV50       decimal.NullDecimal `json:"hv50"`
	SMA15      decimal.NullDecimal `json:"sma15"`
	SMA30      decimal.NullDecimal `json:"sma30"`
	SMA50      decimal.NullDecimal `json:"sma50"`
	BBUpper    decimal.NullDecimal `json:"bb_upper"`
	BBMiddle   decimal.NullDecimal `json:"bb_middle"`
	BBLower    decimal.NullDecimal `json:"bb_lower"`
	ATR        decimal.NullDecimal `json:"atr"`
}

// Empty reports whether no metric at all could be derived.
func (m *VolatilityMetric) Empty() bool {
	return !m.HV20.Valid && !m.HV50.Valid && !m.SMA15.Valid && !m.SMA30.Valid &&
		!m.SMA50.Valid && !m.BBUpper.Valid && !m.BBMiddle.Valid && !m.BBLower.Valid &&
		!m.ATR.Valid
}
