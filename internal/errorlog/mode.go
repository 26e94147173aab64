// Package errorlog persists raw motor frames to append-only text files,
// either around error episodes or continuously.
package errorlog

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// LogMode selects which frames are written to disk.
type LogMode int32

const (
	// ErrorTriggered logs only frames around a motor error.
	ErrorTriggered LogMode = iota
	// Continuous logs every accepted frame.
	Continuous
)

func (m LogMode) String() string {
	switch m {
	case ErrorTriggered:
		return "error_triggered"
	case Continuous:
		return "continuous"
	default:
		return fmt.Sprintf("LogMode(%d)", int32(m))
	}
}

// Prefix returns the log file name prefix for the mode.
func (m LogMode) Prefix() string {
	if m == Continuous {
		return "full_log"
	}
	return "motor_error_log"
}

// ParseLogMode accepts the String form plus a few operator-friendly aliases.
func ParseLogMode(s string) (LogMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error_triggered", "error-triggered", "errortriggered", "error", "errors":
		return ErrorTriggered, nil
	case "continuous", "full", "all":
		return Continuous, nil
	}
	return ErrorTriggered, fmt.Errorf("unknown log mode %q", s)
}

func (m LogMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *LogMode) UnmarshalText(b []byte) error {
	v, err := ParseLogMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ModeCell is the process-wide, runtime-settable log mode. The ingestion
// goroutine reads it once per accepted frame; any goroutine may store.
type ModeCell struct {
	v atomic.Int32
}

// NewModeCell returns a cell holding m.
func NewModeCell(m LogMode) *ModeCell {
	c := &ModeCell{}
	c.Store(m)
	return c
}

func (c *ModeCell) Load() LogMode {
	return LogMode(c.v.Load())
}

func (c *ModeCell) Store(m LogMode) {
	c.v.Store(int32(m))
}
