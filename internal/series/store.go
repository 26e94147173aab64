// Package series keeps a rolling in-memory window of plot samples per key and
// renders them as charts.
package series

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/motor.monitor/internal/telemetry"
)

const (
	// DefaultWindow is the span of sample time kept per key, in seconds.
	DefaultWindow = 30.0
	// DefaultMaxPoints caps each key's history regardless of the window.
	DefaultMaxPoints = 4096
)

// Store is a telemetry.PlotSink holding recent samples for every registered
// key. It is safe for concurrent use.
type Store struct {
	window    float64
	maxPoints int

	mu     sync.RWMutex
	keys   []string
	series map[string][]telemetry.Point
}

// NewStore creates a Store. Non-positive arguments select the defaults.
func NewStore(windowSeconds float64, maxPoints int) *Store {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindow
	}
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &Store{
		window:    windowSeconds,
		maxPoints: maxPoints,
		series:    make(map[string][]telemetry.Point),
	}
}

// Register declares the key set. Keys not registered are ignored by Push.
func (s *Store) Register(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append([]string(nil), keys...)
	for _, k := range keys {
		if _, ok := s.series[k]; !ok {
			s.series[k] = nil
		}
	}
}

// Push appends one sampling tick and trims every touched key to the window.
func (s *Store) Push(points []telemetry.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		pts, ok := s.series[p.Key]
		if !ok {
			continue
		}
		pts = append(pts, p)

		cut := sort.Search(len(pts), func(i int) bool { return pts[i].Time >= p.Time-s.window })
		if over := len(pts) - cut - s.maxPoints; over > 0 {
			cut += over
		}
		if cut > 0 {
			pts = append(pts[:0], pts[cut:]...)
		}
		s.series[p.Key] = pts
	}
}

// Keys returns the registered keys in registration order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

// Points returns a copy of key's samples with Time >= since.
func (s *Store) Points(key string, since float64) ([]telemetry.Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pts, ok := s.series[key]
	if !ok {
		return nil, false
	}
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Time >= since })
	return append([]telemetry.Point(nil), pts[i:]...), true
}

// Latest returns key's most recent sample.
func (s *Store) Latest(key string) (telemetry.Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pts := s.series[key]
	if len(pts) == 0 {
		return telemetry.Point{}, false
	}
	return pts[len(pts)-1], true
}

// Summary describes the samples currently held for one key.
type Summary struct {
	Key    string  `json:"key"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Last   float64 `json:"last"`
}

// Summary computes window statistics for key. StdDev is zero with fewer than
// two samples.
func (s *Store) Summary(key string) (Summary, bool) {
	s.mu.RLock()
	pts := s.series[key]
	values := make([]float64, len(pts))
	for i, p := range pts {
		values[i] = p.Value
	}
	s.mu.RUnlock()

	if len(values) == 0 {
		return Summary{Key: key}, false
	}

	sum := Summary{
		Key:   key,
		Count: len(values),
		Min:   floats.Min(values),
		Max:   floats.Max(values),
		Last:  values[len(values)-1],
	}
	if len(values) > 1 {
		sum.Mean, sum.StdDev = stat.MeanStdDev(values, nil)
	} else {
		sum.Mean = values[0]
	}
	return sum, true
}
