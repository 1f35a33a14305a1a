package analytics

import "math"

// Severity grades an alert for downstream consumers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// VolatilitySeverity grades a threshold breach by how far the volatility
// exceeds the configured threshold: under 1.25x is informational, under 1.5x
// a warning, beyond that critical.
func VolatilitySeverity(hv, threshold float64) Severity {
	ratio := hv / threshold
	switch {
	case ratio >= 1.5:
		return SeverityCritical
	case ratio >= 1.25:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// CorrelationSeverity grades a high-correlation breach by coefficient
// magnitude.
func CorrelationSeverity(rho float64) Severity {
	if math.Abs(rho) >= 0.85 {
		return SeverityCritical
	}
	return SeverityWarning
}
