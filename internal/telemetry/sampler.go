package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/motor.monitor/internal/motor"
	"github.com/banshee-data/motor.monitor/internal/timeutil"
)

// DefaultSampleInterval is the sampling period (50 Hz).
const DefaultSampleInterval = 20 * time.Millisecond

// Point is one timestamped sample of a plot series.
type Point struct {
	Key   string  `json:"key"`
	Time  float64 `json:"t"` // seconds since the Unix epoch
	Value float64 `json:"v"`
}

// PlotSink consumes sampled points. Register is called once with every key
// before the first Push. Push must not retain or modify points after return
// unless it copies them; the slice is shared between sinks.
type PlotSink interface {
	Register(keys []string)
	Push(points []Point)
}

// StatusSink is notified of per-motor error changes.
type StatusSink interface {
	StatusChanged(u StatusUpdate)
}

// Emitter queues sampler output for delivery.
type Emitter interface {
	EmitPoints(points []Point)
	EmitStatus(u StatusUpdate)
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	Buffer   *FrameBuffer
	Fields   []motor.Field
	Interval time.Duration
	Out      Emitter
	Tracker  *ErrorTracker
	Clock    timeutil.Clock
}

// Sampler periodically snapshots a FrameBuffer into plot points and error
// state changes.
type Sampler struct {
	buf      *FrameBuffer
	keys     [][]string
	errIdx   int
	interval time.Duration
	out      Emitter
	tracker  *ErrorTracker
	clock    timeutil.Clock

	grid [][]float64
}

// NewSampler validates cfg and precomputes the plot keys.
func NewSampler(cfg SamplerConfig) (*Sampler, error) {
	if cfg.Buffer == nil {
		return nil, errors.New("sampler requires a frame buffer")
	}
	if cfg.Out == nil {
		return nil, errors.New("sampler requires an emitter")
	}
	motors, fields := cfg.Buffer.Shape()
	if motors <= 0 || fields != len(cfg.Fields) {
		return nil, ErrShapeMismatch
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSampleInterval
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewErrorTracker(motors)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Sampler{
		buf:      cfg.Buffer,
		keys:     motor.PlotKeys(motors, cfg.Fields),
		errIdx:   motor.IndexOf(cfg.Fields, motor.FieldError),
		interval: cfg.Interval,
		out:      cfg.Out,
		tracker:  cfg.Tracker,
		clock:    cfg.Clock,
		grid:     cfg.Buffer.NewGrid(),
	}, nil
}

// Keys returns every plot key in [motor][field] order, flattened.
func (s *Sampler) Keys() []string {
	var keys []string
	for _, row := range s.keys {
		keys = append(keys, row...)
	}
	return keys
}

// Interval returns the sampling period.
func (s *Sampler) Interval() time.Duration { return s.interval }

// Run ticks until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			s.Tick(now)
		}
	}
}

// Tick samples the buffer once. Nothing is emitted before the first frame.
func (s *Sampler) Tick(now time.Time) {
	if !s.buf.ReadInto(s.grid) {
		return
	}

	ts := float64(now.UnixNano()) / 1e9
	points := make([]Point, 0, len(s.grid)*len(s.keys[0]))
	for m, row := range s.grid {
		for i, v := range row {
			points = append(points, Point{Key: s.keys[m][i], Time: ts, Value: v})
		}
	}
	s.out.EmitPoints(points)

	if s.errIdx < 0 {
		return
	}
	for m, row := range s.grid {
		if u, changed := s.tracker.Observe(m, motor.ErrorCode(row[s.errIdx]), now); changed {
			s.out.EmitStatus(u)
		}
	}
}
