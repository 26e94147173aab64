package motor

import (
	"math"
	"testing"
)

func TestErrorText(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "no error"},
		{1, "motor over-temperature"},
		{2, "motor over-current"},
		{3, "motor under-voltage"},
		{4, "motor encoder fault"},
		{5, UnknownErrorText},
		{6, "motor brake over-voltage"},
		{7, "DRV driver fault"},
		{99, UnknownErrorText},
		{-1, UnknownErrorText},
	}
	for _, tt := range tests {
		if got := ErrorText(tt.code); got != tt.want {
			t.Errorf("ErrorText(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{2, 2},
		{1.9999999, 2},
		{-0.0, 0},
		{math.NaN(), UnknownCode},
		{math.Inf(1), UnknownCode},
		{1e20, UnknownCode},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.in); got != tt.want {
			t.Errorf("ErrorCode(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSeverityOf(t *testing.T) {
	if SeverityOf(0) != SeverityNormal {
		t.Errorf("Expected normal severity for code 0")
	}
	if SeverityOf(99) != SeverityAlert {
		t.Errorf("Expected alert severity for unknown code")
	}
}
