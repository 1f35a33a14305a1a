package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OHLC holds the four quotes of one candle side. Values are arbitrary
// precision decimals; broker payloads carry them as strings and parsing
// through float64 would drift at the fifth decimal place.
type OHLC struct {
	Open  decimal.Decimal `json:"o"`
	High  decimal.Decimal `json:"h"`
	Low   decimal.Decimal `json:"l"`
	Close decimal.Decimal `json:"c"`
}

// Validate checks low <= min(open, close) <= max(open, close) <= high.
func (p OHLC) Validate() error {
	lo, hi := p.Open, p.Open
	if p.Close.LessThan(lo) {
		lo = p.Close
	}
	if p.Close.GreaterThan(hi) {
		hi = p.Close
	}
	if p.Low.GreaterThan(lo) || p.High.LessThan(hi) {
		return fmt.Errorf("ohlc out of order: o=%s h=%s l=%s c=%s", p.Open, p.High, p.Low, p.Close)
	}
	return nil
}

// Candle is one time-bucketed price row for an (instrument, time, granularity)
// triple. Bid/Ask/Mid sides are optional depending on the requested price
// components; Mid is derived from bid/ask when the broker omits it.
type Candle struct {
	Instrument  string      `json:"instrument"`
	Time        time.Time   `json:"time"` // bucket start, UTC
	Granularity Granularity `json:"granularity"`
	Bid         *OHLC       `json:"bid,omitempty"`
	Ask         *OHLC       `json:"ask,omitempty"`
	Mid         *OHLC       `json:"mid,omitempty"`
	Volume      int64       `json:"volume"`
	Complete    bool        `json:"complete"`
	CreatedAt   time.Time   `json:"created_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at,omitempty"`
}

// Key returns the upsert identity "instrument|granularity|unix".
func (c *Candle) Key() string {
	return fmt.Sprintf("%s|%s|%d", c.Instrument, c.Granularity, c.Time.Unix())
}

// FillMid derives the mid side as (bid+ask)/2 when it is absent and both
// bid and ask are present.
func (c *Candle) FillMid() {
	if c.Mid != nil || c.Bid == nil || c.Ask == nil {
		return
	}
	two := decimal.NewFromInt(2)
	c.Mid = &OHLC{
		Open:  c.Bid.Open.Add(c.Ask.Open).Div(two),
		High:  c.Bid.High.Add(c.Ask.High).Div(two),
		Low:   c.Bid.Low.Add(c.Ask.Low).Div(two),
		Close: c.Bid.Close.Add(c.Ask.Close).Div(two),
	}
}

// Validate checks the per-side OHLC ordering, the bid<=ask relation where
// both sides exist, and a non-negative volume.
func (c *Candle) Validate() error {
	if c.Instrument == "" {
		return fmt.Errorf("candle missing instrument")
	}
	if !c.Granularity.Valid() {
		return fmt.Errorf("candle %s: invalid granularity %q", c.Instrument, c.Granularity)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s: negative volume %d", c.Key(), c.Volume)
	}
	for side, p := range map[string]*OHLC{"bid": c.Bid, "ask": c.Ask, "mid": c.Mid} {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("candle %s side %s: %w", c.Key(), side, err)
		}
	}
	if c.Bid != nil && c.Ask != nil {
		if c.Bid.Open.GreaterThan(c.Ask.Open) || c.Bid.High.GreaterThan(c.Ask.High) ||
			c.Bid.Low.GreaterThan(c.Ask.Low) || c.Bid.Close.GreaterThan(c.Ask.Close) {
			return fmt.Errorf("candle %s: bid above ask", c.Key())
		}
	}
	return nil
}

// Close is one (time, mid-close) sample used by the correlation pipeline.
// Series are oldest-first.
type Close struct {
	Time  time.Time
	Price decimal.Decimal
}
