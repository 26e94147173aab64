package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motor.monitor/internal/motor"
	"github.com/banshee-data/motor.monitor/internal/telemetry"
)

type fakeRecorder struct {
	mu     sync.Mutex
	frames [][]motor.Frame
	err    error
	got    chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{got: make(chan struct{}, 64)}
}

func (r *fakeRecorder) Record(frames []motor.Frame, at time.Time) error {
	r.mu.Lock()
	r.frames = append(r.frames, frames)
	err := r.err
	r.mu.Unlock()
	r.got <- struct{}{}
	return err
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func datagram(motors int, pos float64) []byte {
	frames := make([]motor.Frame, motors)
	for i := range frames {
		frames[i] = motor.Frame{Index: float64(i), Position: pos + float64(i), Error: 0}
	}
	return motor.EncodeDatagram(frames)
}

func newTestListener(t *testing.T, motors int) (*Listener, *telemetry.FrameBuffer, *fakeRecorder, *Stats) {
	t.Helper()
	fields := []motor.Field{motor.FieldPosition, motor.FieldError}
	buf := telemetry.NewFrameBuffer(motors, len(fields))
	rec := newFakeRecorder()
	stats := NewStats()
	l := NewListener(ListenerConfig{
		MotorCount: motors,
		Fields:     fields,
		Buffer:     buf,
		Recorder:   rec,
		Stats:      stats,
	})
	return l, buf, rec, stats
}

func TestNewListener_Defaults(t *testing.T) {
	l := NewListener(ListenerConfig{})
	assert.Equal(t, DefaultAddress, l.address)
	assert.Equal(t, motor.DefaultMotorCount, l.motorCount)
	assert.Equal(t, motor.DefaultFields(), l.fields)
	assert.Equal(t, time.Minute, l.logInterval)
	assert.Nil(t, l.LocalAddr())
	assert.NoError(t, l.Close())
}

func TestHandleDatagram_Accepted(t *testing.T) {
	l, buf, rec, stats := newTestListener(t, 3)

	require.NoError(t, l.HandleDatagram(datagram(3, 10), time.Unix(0, 0)))

	assert.Equal(t, [][]float64{{10, 0}, {11, 0}, {12, 0}}, buf.Read())
	assert.Equal(t, 1, rec.count())
	s := stats.Snapshot()
	assert.Equal(t, int64(1), s.Accepted)
	assert.Equal(t, int64(3*motor.RecordSize), s.Bytes)
}

func TestHandleDatagram_MalformedDropped(t *testing.T) {
	l, buf, rec, stats := newTestListener(t, 13)
	require.NoError(t, l.HandleDatagram(datagram(13, 1), time.Unix(0, 0)))
	before := buf.Read()

	good := datagram(13, 5)
	err := l.HandleDatagram(good[:len(good)-1], time.Unix(1, 0))
	assert.ErrorIs(t, err, motor.ErrDatagramSize)
	assert.Equal(t, before, buf.Read(), "malformed datagram must not touch the buffer")
	assert.Equal(t, 1, rec.count())

	// The next valid datagram is still accepted.
	require.NoError(t, l.HandleDatagram(good, time.Unix(2, 0)))
	assert.Equal(t, 5.0, buf.Read()[0][0])

	s := stats.Snapshot()
	assert.Equal(t, int64(1), s.Dropped)
	assert.Equal(t, int64(2), s.Accepted)
	assert.Equal(t, int64(3), s.Packets)
}

func TestHandleDatagram_RecorderFailureCounted(t *testing.T) {
	l, _, rec, stats := newTestListener(t, 1)
	rec.err = errors.New("disk full")

	require.NoError(t, l.HandleDatagram(datagram(1, 0), time.Unix(0, 0)))
	assert.Equal(t, int64(1), stats.Snapshot().FlushFailures)
}

type rejectingBuffer struct{}

func (rejectingBuffer) Write([][]float64) error { return telemetry.ErrShapeMismatch }

func TestHandleDatagram_BufferRejectionIsNotFatal(t *testing.T) {
	rec := newFakeRecorder()
	stats := NewStats()
	l := NewListener(ListenerConfig{MotorCount: 1, Buffer: rejectingBuffer{}, Recorder: rec, Stats: stats})

	require.NoError(t, l.HandleDatagram(datagram(1, 0), time.Unix(0, 0)))
	assert.Equal(t, int64(1), stats.Snapshot().Rejected)
	assert.Equal(t, 1, rec.count(), "logging policy still runs on raw frames")
}

func TestListener_ServeWithMockSocket(t *testing.T) {
	sock := NewMockUDPSocket(8)
	factory := NewMockUDPSocketFactory(sock)
	fields := []motor.Field{motor.FieldPosition}
	buf := telemetry.NewFrameBuffer(2, 1)
	rec := newFakeRecorder()
	l := NewListener(ListenerConfig{
		Address:       "127.0.0.1:4015",
		RcvBuf:        1 << 20,
		MotorCount:    2,
		Fields:        fields,
		Buffer:        buf,
		Recorder:      rec,
		SocketFactory: factory,
	})

	require.NoError(t, l.Listen())
	assert.Equal(t, 1<<20, sock.ReadBufferSize())
	require.Len(t, factory.Calls(), 1)
	assert.Equal(t, 4015, factory.Calls()[0].Addr.Port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	sock.Send([]byte{1, 2, 3})
	sock.Send(datagram(2, 7))

	select {
	case <-rec.got:
	case <-time.After(time.Second):
		t.Fatal("datagram not handled")
	}
	assert.Equal(t, [][]float64{{7}, {8}}, buf.Read())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.True(t, sock.Closed())
}

func TestListener_ServeRequiresListen(t *testing.T) {
	l := NewListener(ListenerConfig{})
	assert.Error(t, l.Serve(context.Background()))
}

func TestListener_BindFailureIsReturned(t *testing.T) {
	factory := NewMockUDPSocketFactory(nil)
	factory.Error = errors.New("address already in use")
	l := NewListener(ListenerConfig{SocketFactory: factory})

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, factory.Error)
}

func TestListener_RealSocketBindConflict(t *testing.T) {
	held, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer held.Close()

	l := NewListener(ListenerConfig{Address: held.LocalAddr().String()})
	assert.Error(t, l.Listen())
}

func TestListener_RealSocketRoundTrip(t *testing.T) {
	buf := telemetry.NewFrameBuffer(13, 1)
	rec := newFakeRecorder()
	l := NewListener(ListenerConfig{
		Address:  "127.0.0.1:0",
		Fields:   []motor.Field{motor.FieldPosition},
		Buffer:   buf,
		Recorder: rec,
	})
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	conn, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(datagram(13, 100))
	require.NoError(t, err)

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
	assert.Equal(t, 112.0, buf.Read()[12][0])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not unblock after cancel")
	}
}

func TestStats_LogAndReset(t *testing.T) {
	s := NewStats()
	s.AddPacket(100)
	s.AddDropped()
	s.AddForwardDropped()

	c, _ := s.GetAndReset()
	assert.Equal(t, int64(1), c.Packets)
	assert.Equal(t, int64(1), c.ForwardDropped)

	c, _ = s.GetAndReset()
	assert.Equal(t, Counters{}, c)

	// Totals survive interval resets.
	assert.Equal(t, int64(1), s.Snapshot().Dropped)
	s.LogStats()
}
