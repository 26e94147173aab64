package network

import "github.com/banshee-data/motor.monitor/internal/monitoring"

var logs = monitoring.NewStreams("[network] ")

// SetLogWriters configures the network package's ops/diag/trace streams.
func SetLogWriters(w monitoring.LogWriters) {
	logs.Set(w)
}

func opsf(format string, args ...interface{})   { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{})  { logs.Diagf(format, args...) }
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
