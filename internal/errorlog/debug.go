package errorlog

import "github.com/banshee-data/motor.monitor/internal/monitoring"

var logs = monitoring.NewStreams("[errorlog] ")

// SetLogWriters configures the errorlog package's ops/diag/trace streams.
func SetLogWriters(w monitoring.LogWriters) {
	logs.Set(w)
}

func opsf(format string, args ...interface{})  { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
