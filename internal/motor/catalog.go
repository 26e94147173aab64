package motor

import "math"

// UnknownCode is reported for error values that are not finite numbers.
const UnknownCode = -1

// UnknownErrorText is the label for any code missing from the catalog.
const UnknownErrorText = "unknown error"

var errorText = map[int]string{
	0: "no error",
	1: "motor over-temperature",
	2: "motor over-current",
	3: "motor under-voltage",
	4: "motor encoder fault",
	6: "motor brake over-voltage",
	7: "DRV driver fault",
}

// ErrorText returns the human-readable label for a motor error code.
func ErrorText(code int) string {
	if text, ok := errorText[code]; ok {
		return text
	}
	return UnknownErrorText
}

// ErrorCode rounds a raw error field to its integer code. NaN and infinities
// map to UnknownCode.
func ErrorCode(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt32 {
		return UnknownCode
	}
	return int(math.Round(v))
}

// Severity is the colour hint handed to status displays.
type Severity string

const (
	SeverityNormal Severity = "normal"
	SeverityAlert  Severity = "alert"
)

// SeverityOf returns SeverityAlert for any non-zero code.
func SeverityOf(code int) Severity {
	if code != 0 {
		return SeverityAlert
	}
	return SeverityNormal
}
