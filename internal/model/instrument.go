package model

import "strings"

// AssetClass tags an instrument with its market segment. Only FX and METAL
// instruments participate in correlation analysis.
type AssetClass string

const (
	ClassFX    AssetClass = "FX"
	ClassMetal AssetClass = "METAL"
	ClassCFD   AssetClass = "CFD"
)

// Instrument is one entry of the tracked universe, e.g. "EUR_USD" or "XAU_USD".
type Instrument struct {
	Name  string
	Class AssetClass
}

// Correlatable reports whether this instrument enters the correlation matrix.
func (i Instrument) Correlatable() bool {
	return i.Class == ClassFX || i.Class == ClassMetal
}

// ClassifyInstrument derives the asset class from the instrument identifier.
// Gold and silver crosses are METAL, three-letter currency crosses are FX,
// everything else (indices, commodities) is CFD.
func ClassifyInstrument(name string) AssetClass {
	if strings.HasPrefix(name, "XAU_") || strings.HasPrefix(name, "XAG_") ||
		strings.HasSuffix(name, "_XAU") || strings.HasSuffix(name, "_XAG") {
		return ClassMetal
	}
	parts := strings.Split(name, "_")
	if len(parts) == 2 && len(parts[0]) == 3 && len(parts[1]) == 3 {
		return ClassFX
	}
	return ClassCFD
}

// Granularity is the candle bucket size. The pipeline ingests H1 as primary.
type Granularity string

const (
	M1  Granularity = "M1"
	M5  Granularity = "M5"
	M15 Granularity = "M15"
	M30 Granularity = "M30"
	H1  Granularity = "H1"
	H4  Granularity = "H4"
	D   Granularity = "D"
	W   Granularity = "W"
	Mo  Granularity = "M"
)

// Valid reports whether g is a recognized granularity.
func (g Granularity) Valid() bool {
	switch g {
	case M1, M5, M15, M30, H1, H4, D, W, Mo:
		return true
	}
	return false
}
