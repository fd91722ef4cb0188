package model

// RiskLevel is the closed classification set produced by the analyzer.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskError    RiskLevel = "error"
	RiskWarning  RiskLevel = "warning"
	RiskInfo     RiskLevel = "info"
	RiskSafe     RiskLevel = "safe"
	RiskUnknown  RiskLevel = "unknown"
)

// ParseRiskLevel coerces an arbitrary string into the enum. Anything outside
// the closed set (including empty and legacy values) becomes RiskUnknown.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(s) {
	case RiskCritical, RiskError, RiskWarning, RiskInfo, RiskSafe, RiskUnknown:
		return RiskLevel(s)
	}
	return RiskUnknown
}

// ValidAnalyzerRiskLevel reports whether s is acceptable coming from the
// analyzer. The analyzer is never allowed to emit "unknown" itself, that
// value is reserved for local degradation.
func ValidAnalyzerRiskLevel(s string) bool {
	switch RiskLevel(s) {
	case RiskCritical, RiskError, RiskWarning, RiskInfo, RiskSafe:
		return true
	}
	return false
}

func (r RiskLevel) String() string { return string(r) }

// RiskCounts tallies items per risk level.
type RiskCounts struct {
	Critical int `json:"critical"`
	Error    int `json:"error"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
	Safe     int `json:"safe"`
	Unknown  int `json:"unknown"`
}

// Add increments the counter matching level.
func (c *RiskCounts) Add(level RiskLevel) {
	switch level {
	case RiskCritical:
		c.Critical++
	case RiskError:
		c.Error++
	case RiskWarning:
		c.Warning++
	case RiskInfo:
		c.Info++
	case RiskSafe:
		c.Safe++
	default:
		c.Unknown++
	}
}

// Total returns the sum over all levels.
func (c RiskCounts) Total() int {
	return c.Critical + c.Error + c.Warning + c.Info + c.Safe + c.Unknown
}
