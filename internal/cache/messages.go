package cache

import (
	"time"

	"github.com/shopspring/decimal"

	"fxpipeline/internal/analytics"
	"fxpipeline/internal/model"
)

// Bus channels. Publishers fire and forget; zero subscribers is not an error.
const (
	ChannelPriceUpdates      = "price_updates"
	ChannelVolatilityAlerts  = "volatility_alerts"
	ChannelCorrelationAlerts = "correlation_alerts"
	ChannelDataReady         = "data_ready"
)

// data_ready data_type values.
const (
	DataTypePrices       = "prices"
	DataTypeMetrics      = "metrics"
	DataTypeCorrelations = "correlations"
	DataTypeCandles      = "candles"
)

// PricePoint is the quote embedded in a PriceUpdate. Bid and ask are null
// when the candle carried only the mid side.
type PricePoint struct {
	Bid  decimal.NullDecimal `json:"bid"`
	Ask  decimal.NullDecimal `json:"ask"`
	Mid  decimal.Decimal     `json:"mid"`
	Time time.Time           `json:"time"`
}

// PriceUpdate is the per-instrument payload published after each ingest and
// cached under PriceKey.
type PriceUpdate struct {
	Instrument string     `json:"instrument"`
	Price      PricePoint `json:"price"`
	Timestamp  time.Time  `json:"timestamp"`
}

// VolatilityAlert fires when an instrument's short-window volatility crosses
// the configured threshold.
type VolatilityAlert struct {
	Instrument string             `json:"instrument"`
	Volatility decimal.Decimal    `json:"volatility"`
	Threshold  float64            `json:"threshold"`
	Severity   analytics.Severity `json:"severity"`
	Message    string             `json:"message"`
	Timestamp  time.Time          `json:"timestamp"`
}

// CorrelationAlert fires for pairs whose coefficient magnitude crosses the
// configured threshold.
type CorrelationAlert struct {
	Pair1       string             `json:"pair1"`
	Pair2       string             `json:"pair2"`
	Correlation float64            `json:"correlation"`
	Threshold   float64            `json:"threshold"`
	Severity    analytics.Severity `json:"severity"`
	Message     string             `json:"message"`
	Timestamp   time.Time          `json:"timestamp"`
}

// DataReady announces a completed batch so consumers can refresh.
type DataReady struct {
	DataType  string    `json:"data_type"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// CorrelationMatrix is the cached daily snapshot.
type CorrelationMatrix struct {
	Time    time.Time                `json:"time"`
	Entries []model.CorrelationEntry `json:"entries"`
}

// BestPairs is the cached daily ranking, whole or per category.
type BestPairs struct {
	Time    time.Time             `json:"time"`
	Entries []model.BestPairEntry `json:"entries"`
}
