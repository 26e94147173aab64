package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
)

// Default queue depths. At 50 Hz a 64-deep point queue holds a little over a
// second of samples.
const (
	DefaultPointQueue  = 64
	DefaultStatusQueue = 256
)

// Dispatcher decouples the sampler from its sinks. Emit* never block. Points
// and status changes are delivered by separate goroutines, so a slow status
// sink cannot hold up plotting and the reverse.
//
// Point batches are dropped when the queue is full. Status changes are never
// dropped: once more than the status depth is pending, earlier updates for
// the same motor are superseded by the newest one, so every sink always ends
// up with each motor's latest code.
type Dispatcher struct {
	keys   []string
	points chan []Point

	statusMu    sync.Mutex
	pending     []StatusUpdate
	statusDepth int
	statusReady chan struct{}

	mu       sync.RWMutex
	plots    []PlotSink
	statuses []StatusSink

	droppedPoints    atomic.Uint64
	supersededStatus atomic.Uint64
}

// NewDispatcher creates a dispatcher whose plot sinks are registered with keys.
// Non-positive depths use the defaults.
func NewDispatcher(keys []string, pointDepth, statusDepth int) *Dispatcher {
	if pointDepth <= 0 {
		pointDepth = DefaultPointQueue
	}
	if statusDepth <= 0 {
		statusDepth = DefaultStatusQueue
	}
	return &Dispatcher{
		keys:        append([]string(nil), keys...),
		points:      make(chan []Point, pointDepth),
		statusDepth: statusDepth,
		statusReady: make(chan struct{}, 1),
	}
}

// AddPlotSink registers keys with s and starts delivering points to it.
func (d *Dispatcher) AddPlotSink(s PlotSink) {
	s.Register(append([]string(nil), d.keys...))
	d.mu.Lock()
	d.plots = append(d.plots, s)
	d.mu.Unlock()
}

// AddStatusSink starts delivering status changes to s.
func (d *Dispatcher) AddStatusSink(s StatusSink) {
	d.mu.Lock()
	d.statuses = append(d.statuses, s)
	d.mu.Unlock()
}

func (d *Dispatcher) EmitPoints(points []Point) {
	select {
	case d.points <- points:
	default:
		d.droppedPoints.Add(1)
	}
}

func (d *Dispatcher) EmitStatus(u StatusUpdate) {
	d.statusMu.Lock()
	if len(d.pending) >= d.statusDepth {
		kept := d.pending[:0]
		for _, p := range d.pending {
			if p.Motor == u.Motor {
				d.supersededStatus.Add(1)
				continue
			}
			kept = append(kept, p)
		}
		d.pending = kept
	}
	d.pending = append(d.pending, u)
	d.statusMu.Unlock()

	select {
	case d.statusReady <- struct{}{}:
	default:
	}
}

// Dropped returns how many point batches were discarded because the queue was
// full, and how many status updates were superseded by a newer one for the
// same motor before delivery.
func (d *Dispatcher) Dropped() (points, status uint64) {
	return d.droppedPoints.Load(), d.supersededStatus.Load()
}

// Run delivers queued output until ctx is cancelled, then drains whatever is
// still queued.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.runPoints(ctx)
	}()
	go func() {
		defer wg.Done()
		d.runStatus(ctx)
	}()
	wg.Wait()
}

func (d *Dispatcher) runPoints(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case p := <-d.points:
					d.deliverPoints(p)
				default:
					return
				}
			}
		case p := <-d.points:
			d.deliverPoints(p)
		}
	}
}

func (d *Dispatcher) runStatus(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.deliverPending()
			return
		case <-d.statusReady:
			d.deliverPending()
		}
	}
}

// deliverPending hands every pending status change to the sinks in emit
// order.
func (d *Dispatcher) deliverPending() {
	d.statusMu.Lock()
	batch := d.pending
	d.pending = nil
	d.statusMu.Unlock()

	for _, u := range batch {
		d.deliverStatus(u)
	}
}

func (d *Dispatcher) deliverPoints(p []Point) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.plots {
		s.Push(p)
	}
}

func (d *Dispatcher) deliverStatus(u StatusUpdate) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.statuses {
		s.StatusChanged(u)
	}
}
