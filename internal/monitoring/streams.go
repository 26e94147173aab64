package monitoring

import (
	"io"
	"log"
	"sync"
)

// LogWriters holds the io.Writers for each logging stream. A nil writer
// disables its stream.
type LogWriters struct {
	Ops   io.Writer // actionable warnings, errors, lifecycle events
	Diag  io.Writer // day-to-day diagnostics
	Trace io.Writer // per-datagram and per-tick telemetry
}

// Streams is a prefixed set of ops/diag/trace loggers owned by one package.
type Streams struct {
	prefix string

	mu    sync.RWMutex
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

// NewStreams returns streams that are disabled until Set is called.
func NewStreams(prefix string) *Streams {
	return &Streams{prefix: prefix}
}

// Set configures all three streams at once.
func (s *Streams) Set(w LogWriters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = newLogger(s.prefix, w.Ops)
	s.diag = newLogger(s.prefix, w.Diag)
	s.trace = newLogger(s.prefix, w.Trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func (s *Streams) Opsf(format string, args ...interface{}) {
	s.printf(func() *log.Logger { return s.ops }, format, args...)
}

func (s *Streams) Diagf(format string, args ...interface{}) {
	s.printf(func() *log.Logger { return s.diag }, format, args...)
}

func (s *Streams) Tracef(format string, args ...interface{}) {
	s.printf(func() *log.Logger { return s.trace }, format, args...)
}

func (s *Streams) printf(pick func() *log.Logger, format string, args ...interface{}) {
	s.mu.RLock()
	l := pick()
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
