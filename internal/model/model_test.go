package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyInstrument(t *testing.T) {
	cases := []struct {
		name string
		want AssetClass
	}{
		{"EUR_USD", ClassFX},
		{"GBP_JPY", ClassFX},
		{"USD_CNH", ClassFX},
		{"XAU_USD", ClassMetal},
		{"XAG_EUR", ClassMetal},
		{"EUR_XAU", ClassMetal},
		{"SPX500_USD", ClassCFD},
		{"WTICO_USD", ClassCFD},
		{"DE30_EUR", ClassCFD},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyInstrument(tc.name), tc.name)
	}
}

func TestCorrelatable(t *testing.T) {
	assert.True(t, Instrument{Name: "EUR_USD", Class: ClassFX}.Correlatable())
	assert.True(t, Instrument{Name: "XAU_USD", Class: ClassMetal}.Correlatable())
	assert.False(t, Instrument{Name: "SPX500_USD", Class: ClassCFD}.Correlatable())
}

func TestGranularityValid(t *testing.T) {
	assert.True(t, H1.Valid())
	assert.True(t, D.Valid())
	assert.False(t, Granularity("H7").Valid())
	assert.False(t, Granularity("").Valid())
}

func mustDec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func side(o, h, l, c string) *OHLC {
	return &OHLC{Open: mustDec(o), High: mustDec(h), Low: mustDec(l), Close: mustDec(c)}
}

func TestOHLCValidate(t *testing.T) {
	assert.NoError(t, side("1.0820", "1.0840", "1.0815", "1.0838").Validate())
	assert.NoError(t, side("1.0820", "1.0820", "1.0820", "1.0820").Validate())
	assert.Error(t, side("1.0820", "1.0810", "1.0815", "1.0838").Validate()) // high below open
	assert.Error(t, side("1.0820", "1.0840", "1.0825", "1.0838").Validate()) // low above open
}

func TestCandleValidate(t *testing.T) {
	ts := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	good := Candle{
		Instrument:  "EUR_USD",
		Time:        ts,
		Granularity: H1,
		Bid:         side("1.0820", "1.0840", "1.0815", "1.0838"),
		Ask:         side("1.0822", "1.0842", "1.0817", "1.0840"),
		Volume:      100,
	}
	require.NoError(t, good.Validate())

	crossed := good
	crossed.Bid = side("1.0850", "1.0860", "1.0845", "1.0855")
	assert.Error(t, crossed.Validate())

	negVol := good
	negVol.Volume = -1
	assert.Error(t, negVol.Validate())

	badGran := good
	badGran.Granularity = "H7"
	assert.Error(t, badGran.Validate())
}

func TestFillMid(t *testing.T) {
	c := Candle{
		Instrument:  "EUR_USD",
		Granularity: H1,
		Bid:         side("1.0820", "1.0840", "1.0815", "1.0838"),
		Ask:         side("1.0822", "1.0842", "1.0817", "1.0840"),
	}
	c.FillMid()
	require.NotNil(t, c.Mid)
	assert.Equal(t, "1.0821", c.Mid.Open.String())
	assert.Equal(t, "1.0839", c.Mid.Close.String())

	// An existing mid side is never overwritten.
	pre := Candle{Mid: side("1", "2", "0.5", "1.5"), Bid: c.Bid, Ask: c.Ask}
	pre.FillMid()
	assert.Equal(t, "1", pre.Mid.Open.String())
}

func TestCandleKey(t *testing.T) {
	ts := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	c := Candle{Instrument: "EUR_USD", Granularity: H1, Time: ts}
	assert.Equal(t, "EUR_USD|H1|1748869200", c.Key())
}

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair("GBP_USD", "EUR_USD")
	assert.Equal(t, "EUR_USD", a)
	assert.Equal(t, "GBP_USD", b)

	a, b = CanonicalPair("AUD_USD", "NZD_USD")
	assert.Equal(t, "AUD_USD", a)

	e := CorrelationEntry{Pair1: "EUR_USD", Pair2: "GBP_USD"}
	assert.True(t, e.Canonical())
	e = CorrelationEntry{Pair1: "GBP_USD", Pair2: "EUR_USD"}
	assert.False(t, e.Canonical())
}
