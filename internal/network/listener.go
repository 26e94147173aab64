// Package network receives motor telemetry datagrams over UDP (or from a
// capture file) and hands each accepted frame to the frame buffer and the
// error log recorder.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/motor.monitor/internal/motor"
	"github.com/banshee-data/motor.monitor/internal/timeutil"
)

// DefaultAddress is the well-known telemetry port.
const DefaultAddress = ":4015"

// maxDatagram is large enough that oversized datagrams are seen at their
// full length rather than truncated to a valid size.
const maxDatagram = 64 * 1024

// GridWriter receives the projected [motor][field] grid for each frame.
type GridWriter interface {
	Write(grid [][]float64) error
}

// FrameRecorder applies the logging policy to each accepted frame.
type FrameRecorder interface {
	Record(frames []motor.Frame, at time.Time) error
}

// StatsCollector counts datagram outcomes.
type StatsCollector interface {
	AddPacket(bytes int)
	AddAccepted()
	AddDropped()
	AddRejected()
	AddFlushFailure()
	LogStats()
}

type noopStats struct{}

func (noopStats) AddPacket(int)    {}
func (noopStats) AddAccepted()     {}
func (noopStats) AddDropped()      {}
func (noopStats) AddRejected()     {}
func (noopStats) AddFlushFailure() {}
func (noopStats) LogStats()        {}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Address     string
	RcvBuf      int
	MotorCount  int
	Fields      []motor.Field
	LogInterval time.Duration

	Buffer        GridWriter
	Recorder      FrameRecorder
	Stats         StatsCollector
	Forwarder     *Forwarder
	SocketFactory UDPSocketFactory
	Clock         timeutil.Clock
}

// Listener owns the telemetry socket and the per-datagram pipeline. The
// receive loop and HandleDatagram must run on one goroutine.
type Listener struct {
	address     string
	rcvBuf      int
	motorCount  int
	fields      []motor.Field
	logInterval time.Duration

	buffer    GridWriter
	recorder  FrameRecorder
	stats     StatsCollector
	forwarder *Forwarder
	factory   UDPSocketFactory
	clock     timeutil.Clock

	grid        [][]float64
	lastDropLog time.Time
	dropsQuiet  int

	mu   sync.Mutex
	sock UDPSocket
}

// NewListener creates a Listener with defaults filled in.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.MotorCount <= 0 {
		cfg.MotorCount = motor.DefaultMotorCount
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = motor.DefaultFields()
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = RealUDPSocketFactory{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	grid := make([][]float64, cfg.MotorCount)
	for m := range grid {
		grid[m] = make([]float64, len(cfg.Fields))
	}

	return &Listener{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		motorCount:  cfg.MotorCount,
		fields:      cfg.Fields,
		logInterval: cfg.LogInterval,
		buffer:      cfg.Buffer,
		recorder:    cfg.Recorder,
		stats:       cfg.Stats,
		forwarder:   cfg.Forwarder,
		factory:     cfg.SocketFactory,
		clock:       cfg.Clock,
		grid:        grid,
	}
}

// Listen creates and binds the socket. Failure here is fatal to ingestion
// and is returned to the caller without retry.
func (l *Listener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %q: %w", l.address, err)
	}
	sock, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address %q: %w", l.address, err)
	}
	if l.rcvBuf > 0 {
		if err := sock.SetReadBuffer(l.rcvBuf); err != nil {
			opsf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	l.mu.Lock()
	l.sock = sock
	l.mu.Unlock()

	diagf("UDP listener bound on %s (%d motors × %d bytes)", sock.LocalAddr(), l.motorCount, motor.RecordSize)
	return nil
}

// Serve runs the receive loop on the bound socket until ctx is cancelled or
// the socket is closed, and returns nil on either. Cancelling ctx closes the
// socket, which unblocks the pending read.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	sock := l.sock
	l.mu.Unlock()
	if sock == nil {
		return errors.New("listener is not bound; call Listen first")
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			sock.Close()
		case <-done:
		}
	}()
	go func() {
		defer wg.Done()
		l.logStatsLoop(ctx, done)
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				diagf("UDP listener stopped")
				return nil
			}
			opsf("UDP read error: %v", err)
			continue
		}
		if err := l.HandleDatagram(buf[:n], l.clock.Now()); err != nil {
			tracef("datagram from %v rejected: %v", addr, err)
		}
	}
}

// Start binds and serves; it blocks until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

func (l *Listener) logStatsLoop(ctx context.Context, done <-chan struct{}) {
	ticker := l.clock.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C():
			l.stats.LogStats()
		}
	}
}

// HandleDatagram runs one datagram through the pipeline: size check, forward,
// frame buffer update, then the logging policy. A malformed datagram is
// counted and returned as an error without touching any state.
func (l *Listener) HandleDatagram(pkt []byte, at time.Time) error {
	l.stats.AddPacket(len(pkt))

	frames, err := motor.DecodeDatagram(pkt, l.motorCount)
	if err != nil {
		l.stats.AddDropped()
		l.warnDrop(err, at)
		return err
	}
	l.stats.AddAccepted()

	if l.forwarder != nil {
		l.forwarder.ForwardAsync(pkt)
	}

	if l.buffer != nil {
		for m, f := range frames {
			copy(l.grid[m], motor.Project(f, l.fields))
		}
		if err := l.buffer.Write(l.grid); err != nil {
			l.stats.AddRejected()
			opsf("frame buffer rejected grid: %v", err)
		}
	}

	if l.recorder != nil {
		if err := l.recorder.Record(frames, at); err != nil {
			l.stats.AddFlushFailure()
		}
	}
	return nil
}

// warnDrop logs malformed datagrams at most once per second.
func (l *Listener) warnDrop(err error, at time.Time) {
	if at.Sub(l.lastDropLog) < time.Second {
		l.dropsQuiet++
		return
	}
	if l.dropsQuiet > 0 {
		opsf("Dropping malformed datagram: %v (%d more since last warning)", err, l.dropsQuiet)
	} else {
		opsf("Dropping malformed datagram: %v", err)
	}
	l.lastDropLog = at
	l.dropsQuiet = 0
}

// LocalAddr returns the bound address, or nil before Listen.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock == nil {
		return nil
	}
	return l.sock.LocalAddr()
}

// Close closes the socket if bound.
func (l *Listener) Close() error {
	l.mu.Lock()
	sock := l.sock
	l.sock = nil
	l.mu.Unlock()
	if sock != nil {
		return sock.Close()
	}
	return nil
}
