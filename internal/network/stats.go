package network

import (
	"fmt"
	"sync"
	"time"
)

// Stats tracks datagram counters. Interval counters feed the periodic log
// line; totals are kept for the status API.
type Stats struct {
	mu       sync.Mutex
	interval Counters
	total    Counters
	started  time.Time
	reset    time.Time
}

// Counters is a set of datagram counts.
type Counters struct {
	Packets        int64 `json:"packets"`
	Bytes          int64 `json:"bytes"`
	Accepted       int64 `json:"accepted"`
	Dropped        int64 `json:"dropped"`         // wrong size
	Rejected       int64 `json:"rejected"`        // frame buffer refused the grid
	FlushFailures  int64 `json:"flush_failures"`  // log writes that failed
	ForwardDropped int64 `json:"forward_dropped"` // forward queue full or send failed
}

// Snapshot is a point-in-time copy of the cumulative counters.
type Snapshot struct {
	Counters
	Started time.Time     `json:"started"`
	Uptime  time.Duration `json:"uptime_ns"`
}

// NewStats creates a Stats starting now.
func NewStats() *Stats {
	now := time.Now()
	return &Stats{started: now, reset: now}
}

func (s *Stats) add(f func(c *Counters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.interval)
	f(&s.total)
}

func (s *Stats) AddPacket(bytes int) {
	s.add(func(c *Counters) {
		c.Packets++
		c.Bytes += int64(bytes)
	})
}

func (s *Stats) AddAccepted()     { s.add(func(c *Counters) { c.Accepted++ }) }
func (s *Stats) AddDropped()      { s.add(func(c *Counters) { c.Dropped++ }) }
func (s *Stats) AddRejected()     { s.add(func(c *Counters) { c.Rejected++ }) }
func (s *Stats) AddFlushFailure() { s.add(func(c *Counters) { c.FlushFailures++ }) }

// AddForwardDropped satisfies the forwarder's stats hook.
func (s *Stats) AddForwardDropped() { s.add(func(c *Counters) { c.ForwardDropped++ }) }

// Snapshot returns the cumulative counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Counters: s.total, Started: s.started, Uptime: time.Since(s.started)}
}

// GetAndReset returns the interval counters and how long the interval lasted,
// then starts a new interval.
func (s *Stats) GetAndReset() (Counters, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c, d := s.interval, now.Sub(s.reset)
	s.interval = Counters{}
	s.reset = now
	return c, d
}

// LogStats logs per-second rates for the elapsed interval, if anything
// happened in it.
func (s *Stats) LogStats() {
	c, d := s.GetAndReset()
	if c.Packets == 0 && c.Dropped == 0 {
		return
	}
	secs := d.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("Motor stats (/sec): %.1f datagrams, %.2f KB", float64(c.Packets)/secs, float64(c.Bytes)/secs/1024)
	if c.Dropped > 0 {
		msg += fmt.Sprintf(", %d malformed", c.Dropped)
	}
	if c.Rejected > 0 {
		msg += fmt.Sprintf(", %d rejected by buffer", c.Rejected)
	}
	if c.FlushFailures > 0 {
		msg += fmt.Sprintf(", %d log flush failures", c.FlushFailures)
	}
	if c.ForwardDropped > 0 {
		msg += fmt.Sprintf(", %d dropped on forward", c.ForwardDropped)
	}
	diagf("%s", msg)
}
