package telemetry

import (
	"sync"
	"time"

	"github.com/banshee-data/motor.monitor/internal/motor"
)

// ErrorState is the last observed error code for one motor. Set is false
// until the first observation.
type ErrorState struct {
	Motor int    `json:"motor"`
	Code  int    `json:"code"`
	Text  string `json:"text"`
	Set   bool   `json:"set"`
}

// StatusUpdate is emitted when a motor's error code changes.
type StatusUpdate struct {
	Motor    int            `json:"motor"`
	Code     int            `json:"code"`
	Text     string         `json:"text"`
	Severity motor.Severity `json:"color_hint"`
	IsError  bool           `json:"is_error"`
	Time     time.Time      `json:"time"`
}

// NewStatusUpdate builds the update for motor m reporting code.
func NewStatusUpdate(m, code int, at time.Time) StatusUpdate {
	return StatusUpdate{
		Motor:    m,
		Code:     code,
		Text:     motor.ErrorText(code),
		Severity: motor.SeverityOf(code),
		IsError:  code != 0,
		Time:     at,
	}
}

// ErrorTracker caches per-motor error codes and reports only changes.
type ErrorTracker struct {
	mu     sync.Mutex
	states []ErrorState
}

// NewErrorTracker creates a tracker with every motor unset.
func NewErrorTracker(motors int) *ErrorTracker {
	states := make([]ErrorState, motors)
	for m := range states {
		states[m].Motor = m
	}
	return &ErrorTracker{states: states}
}

// Observe records code for motor m and returns an update when it differs from
// the cached value. A first observation of 0 only fills the cache, since the
// display already starts out normal.
func (t *ErrorTracker) Observe(m, code int, at time.Time) (StatusUpdate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m < 0 || m >= len(t.states) {
		return StatusUpdate{}, false
	}
	st := &t.states[m]
	if st.Set && st.Code == code {
		return StatusUpdate{}, false
	}
	first := !st.Set
	st.Code = code
	st.Text = motor.ErrorText(code)
	st.Set = true
	if first && code == 0 {
		return StatusUpdate{}, false
	}
	return NewStatusUpdate(m, code, at), true
}

// States returns a copy of every motor's cached state.
func (t *ErrorTracker) States() []ErrorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ErrorState(nil), t.states...)
}
