// Package monitor wires ingestion, sampling, dispatch and error logging into a
// single start/stop lifecycle.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/motor.monitor/internal/errorlog"
	"github.com/banshee-data/motor.monitor/internal/fsutil"
	"github.com/banshee-data/motor.monitor/internal/monitoring"
	"github.com/banshee-data/motor.monitor/internal/motor"
	"github.com/banshee-data/motor.monitor/internal/network"
	"github.com/banshee-data/motor.monitor/internal/telemetry"
	"github.com/banshee-data/motor.monitor/internal/timeutil"
)

// ErrAlreadyRunning is returned by Start when a run is in progress.
var ErrAlreadyRunning = errors.New("stream controller already running")

// sessionTagger is implemented by observers that label records with the
// current run.
type sessionTagger interface {
	SetSession(id uuid.UUID)
}

// Options configures a Controller.
type Options struct {
	UDPAddress     string
	RcvBuf         int
	MotorCount     int
	Fields         []motor.Field
	SampleInterval time.Duration
	StatsInterval  time.Duration

	LogDir      string
	Mode        *errorlog.ModeCell
	TrailFrames int
	MaxPending  int

	PlotSinks       []telemetry.PlotSink
	StatusSinks     []telemetry.StatusSink
	EpisodeObserver errorlog.EpisodeObserver

	// ForwardAddress mirrors accepted datagrams to host:port when set.
	ForwardAddress string

	// PCAPPath replays a capture instead of binding the UDP port.
	PCAPPath     string
	PCAPRealtime bool

	SocketFactory network.UDPSocketFactory
	FS            fsutil.FileSystem
	Clock         timeutil.Clock
}

// Controller owns the long-lived pipeline state and starts and stops the
// ingestion, sampling and dispatch goroutines.
type Controller struct {
	opts       Options
	fields     []motor.Field
	port       int
	buffer     *telemetry.FrameBuffer
	tracker    *telemetry.ErrorTracker
	dispatcher *telemetry.Dispatcher
	sampler    *telemetry.Sampler
	writer     *errorlog.Writer
	stats      *network.Stats

	mu  sync.Mutex
	run *run
}

type run struct {
	id        uuid.UUID
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	listener  *network.Listener
	recorder  *errorlog.Recorder
	forwarder *network.Forwarder

	errMu sync.Mutex
	err   error
}

func (r *run) setErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	r.err = err
}

// New validates opts and builds the pipeline. Plot sinks are registered with
// every key here, once.
func New(opts Options) (*Controller, error) {
	if opts.UDPAddress == "" {
		opts.UDPAddress = network.DefaultAddress
	}
	if opts.MotorCount == 0 {
		opts.MotorCount = motor.DefaultMotorCount
	}
	if opts.MotorCount < 0 || opts.MotorCount > motor.MaxMotorCount {
		return nil, fmt.Errorf("motor count %d out of range 1..%d", opts.MotorCount, motor.MaxMotorCount)
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = telemetry.DefaultSampleInterval
	}
	if opts.Mode == nil {
		opts.Mode = errorlog.NewModeCell(errorlog.ErrorTriggered)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	fields := append([]motor.Field(nil), opts.Fields...)
	if len(fields) == 0 {
		fields = motor.DefaultFields()
	}
	if motor.IndexOf(fields, motor.FieldError) < 0 {
		// Status tracking reads the error column from the grid.
		fields = append(fields, motor.FieldError)
	}

	port := 0
	if opts.PCAPPath != "" {
		if addr, err := net.ResolveUDPAddr("udp", opts.UDPAddress); err == nil {
			port = addr.Port
		}
	}

	buffer := telemetry.NewFrameBuffer(opts.MotorCount, len(fields))
	tracker := telemetry.NewErrorTracker(opts.MotorCount)
	dispatcher := telemetry.NewDispatcher(motor.PlotKeysFlat(opts.MotorCount, fields), 0, 0)
	sampler, err := telemetry.NewSampler(telemetry.SamplerConfig{
		Buffer:   buffer,
		Fields:   fields,
		Interval: opts.SampleInterval,
		Out:      dispatcher,
		Tracker:  tracker,
		Clock:    opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	for _, s := range opts.PlotSinks {
		dispatcher.AddPlotSink(s)
	}
	for _, s := range opts.StatusSinks {
		dispatcher.AddStatusSink(s)
	}

	return &Controller{
		opts:       opts,
		fields:     fields,
		port:       port,
		buffer:     buffer,
		tracker:    tracker,
		dispatcher: dispatcher,
		sampler:    sampler,
		writer:     errorlog.NewWriter(opts.FS, opts.LogDir),
		stats:      network.NewStats(),
	}, nil
}

// Start binds the telemetry socket and launches the pipeline. A bind failure
// is returned and nothing is left running. Cancelling ctx stops the run, but
// Shutdown must still be called to join it.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil {
		return ErrAlreadyRunning
	}

	r := &run{id: uuid.New()}
	if s, ok := c.opts.EpisodeObserver.(sessionTagger); ok {
		s.SetSession(r.id)
	}

	if c.opts.ForwardAddress != "" {
		fwd, err := network.NewForwarder(c.opts.ForwardAddress, c.stats, c.opts.StatsInterval)
		if err != nil {
			return err
		}
		r.forwarder = fwd
	}

	r.recorder = errorlog.NewRecorder(errorlog.RecorderConfig{
		Writer:      c.writer,
		Mode:        c.opts.Mode,
		TrailFrames: c.opts.TrailFrames,
		MaxPending:  c.opts.MaxPending,
		Observer:    c.opts.EpisodeObserver,
	})
	r.listener = network.NewListener(network.ListenerConfig{
		Address:       c.opts.UDPAddress,
		RcvBuf:        c.opts.RcvBuf,
		MotorCount:    c.opts.MotorCount,
		Fields:        c.fields,
		LogInterval:   c.opts.StatsInterval,
		Buffer:        c.buffer,
		Recorder:      r.recorder,
		Stats:         c.stats,
		Forwarder:     r.forwarder,
		SocketFactory: c.opts.SocketFactory,
		Clock:         c.opts.Clock,
	})

	var capture *os.File
	if c.opts.PCAPPath != "" {
		f, err := os.Open(c.opts.PCAPPath)
		if err != nil {
			c.closeForwarder(r)
			return fmt.Errorf("failed to open capture %s: %w", c.opts.PCAPPath, err)
		}
		capture = f
	} else if err := r.listener.Listen(); err != nil {
		c.closeForwarder(r)
		return err
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	// The previous session's grid must not be sampled as fresh data. Error
	// states are kept so sinks learn when a carried-over fault clears.
	c.buffer.Reset()

	if r.forwarder != nil {
		r.forwarder.Start(r.ctx)
	}

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		c.dispatcher.Run(r.ctx)
	}()
	go func() {
		defer r.wg.Done()
		c.sampler.Run(r.ctx)
	}()
	go func() {
		defer r.wg.Done()
		c.ingest(r, capture)
	}()

	c.run = r
	monitoring.Logf("Stream controller started (session %s, %d motors, %d fields, sampling every %v)",
		r.id, c.opts.MotorCount, len(c.fields), c.opts.SampleInterval)
	return nil
}

// ingest runs the receive loop (or capture replay), then closes any open
// log episode on the same goroutine that owns the recorder.
func (c *Controller) ingest(r *run, capture *os.File) {
	defer func() {
		if err := r.recorder.Close(c.opts.Clock.Now()); err != nil {
			monitoring.Logf("Failed to close log episode: %v", err)
		}
	}()

	if capture != nil {
		defer capture.Close()
		stats, err := network.ReplayPCAP(r.ctx, capture, network.ReplayOptions{
			Port:     c.port,
			Realtime: c.opts.PCAPRealtime,
		}, r.listener.HandleDatagram)
		if err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("Capture replay failed: %v", err)
			r.setErr(err)
			return
		}
		monitoring.Logf("Capture replay finished: %d of %d packets matched", stats.Matched, stats.Packets)
		return
	}

	if err := r.listener.Serve(r.ctx); err != nil {
		monitoring.Logf("Ingestion stopped: %v", err)
		r.setErr(err)
	}
}

func (c *Controller) closeForwarder(r *run) {
	if r.forwarder == nil {
		return
	}
	// Start was never called on it, so Close does not wait.
	r.forwarder.Close()
}

// Shutdown cancels the current run and waits for every goroutine to exit.
// It is a no-op when not running.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	r := c.run
	c.run = nil
	c.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.listener.Close()
	if r.forwarder != nil {
		r.forwarder.Close()
	}
	monitoring.Logf("Stream controller stopped (session %s)", r.id)
}

// IsRunning reports whether a run is active and not cancelled.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil && c.run.ctx.Err() == nil
}

// Err returns the error that ended ingestion in the current run, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// SessionID returns the current run's ID, or uuid.Nil when stopped.
func (c *Controller) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return uuid.Nil
	}
	return c.run.id
}

// LocalAddr returns the bound UDP address of the current run.
func (c *Controller) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.listener.LocalAddr()
}

// Mode returns the runtime-settable log mode cell.
func (c *Controller) Mode() *errorlog.ModeCell { return c.opts.Mode }

// Fields returns the sampled fields in grid column order.
func (c *Controller) Fields() []motor.Field { return append([]motor.Field(nil), c.fields...) }

// MotorCount returns the number of motors per datagram.
func (c *Controller) MotorCount() int { return c.opts.MotorCount }

// Keys returns every plot key.
func (c *Controller) Keys() []string { return c.sampler.Keys() }

// States returns each motor's cached error state.
func (c *Controller) States() []telemetry.ErrorState { return c.tracker.States() }

// Latest returns a copy of the current grid and whether any frame has arrived.
func (c *Controller) Latest() ([][]float64, bool) {
	grid := c.buffer.NewGrid()
	ok := c.buffer.ReadInto(grid)
	return grid, ok
}

// Stats returns cumulative datagram counters.
func (c *Controller) Stats() network.Snapshot { return c.stats.Snapshot() }

// DispatchDropped returns point batches dropped because sinks fell behind and
// status updates superseded by a newer one for the same motor.
func (c *Controller) DispatchDropped() (points, status uint64) { return c.dispatcher.Dropped() }

// LogDir returns the error log directory.
func (c *Controller) LogDir() string { return c.writer.Dir() }
