package monitor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motor.monitor/internal/errorlog"
	"github.com/banshee-data/motor.monitor/internal/fsutil"
	"github.com/banshee-data/motor.monitor/internal/motor"
	"github.com/banshee-data/motor.monitor/internal/network"
	"github.com/banshee-data/motor.monitor/internal/telemetry"
	"github.com/banshee-data/motor.monitor/internal/timeutil"
)

type recordingSink struct {
	mu     sync.Mutex
	keys   []string
	points [][]telemetry.Point
	status chan telemetry.StatusUpdate
	pushed chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		status: make(chan telemetry.StatusUpdate, 16),
		pushed: make(chan struct{}, 16),
	}
}

func (s *recordingSink) Register(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append([]string(nil), keys...)
}

func (s *recordingSink) Push(points []telemetry.Point) {
	s.mu.Lock()
	s.points = append(s.points, points)
	s.mu.Unlock()
	select {
	case s.pushed <- struct{}{}:
	default:
	}
}

func (s *recordingSink) StatusChanged(u telemetry.StatusUpdate) {
	s.status <- u
}

type harness struct {
	ctrl    *Controller
	clock   *timeutil.MockClock
	fs      *fsutil.MemoryFileSystem
	sock    *network.MockUDPSocket
	factory *network.MockUDPSocketFactory
	sink    *recordingSink
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		clock: timeutil.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		fs:    fsutil.NewMemoryFileSystem(),
		sock:  network.NewMockUDPSocket(16),
		sink:  newRecordingSink(),
	}
	h.factory = network.NewMockUDPSocketFactory(h.sock)

	opts := Options{
		UDPAddress:    "127.0.0.1:4015",
		MotorCount:    2,
		Fields:        []motor.Field{motor.FieldPosition},
		LogDir:        "/logs",
		PlotSinks:     []telemetry.PlotSink{h.sink},
		StatusSinks:   []telemetry.StatusSink{h.sink},
		SocketFactory: h.factory,
		FS:            h.fs,
		Clock:         h.clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ctrl, err := New(opts)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Start(context.Background()))
	t.Cleanup(h.ctrl.Shutdown)

	// Sampler ticker and listener stats ticker.
	for i := 0; i < 2; i++ {
		select {
		case <-h.clock.TickerCreated():
		case <-time.After(time.Second):
			t.Fatal("pipeline tickers not installed")
		}
	}
}

func (h *harness) send(t *testing.T, frames []motor.Frame) {
	t.Helper()
	want := h.ctrl.Stats().Accepted + 1
	h.sock.Send(motor.EncodeDatagram(frames))
	require.Eventually(t, func() bool { return h.ctrl.Stats().Accepted == want },
		time.Second, time.Millisecond, "datagram not accepted")
}

func frames(errs ...float64) []motor.Frame {
	out := make([]motor.Frame, len(errs))
	for i, e := range errs {
		out[i] = motor.Frame{Index: float64(i), Position: float64(i) + 0.5, Error: e}
	}
	return out
}

func TestNew_AddsErrorField(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, []motor.Field{motor.FieldPosition, motor.FieldError}, h.ctrl.Fields())
	assert.Equal(t, []string{"Motor1/Pos", "Motor1/Error", "Motor2/Pos", "Motor2/Error"}, h.sink.keys)
	assert.Equal(t, h.sink.keys, h.ctrl.Keys())
	assert.False(t, h.ctrl.IsRunning())
	assert.Equal(t, uuid.Nil, h.ctrl.SessionID())
}

func TestNew_RejectsBadMotorCount(t *testing.T) {
	_, err := New(Options{MotorCount: -1})
	assert.Error(t, err)
	_, err = New(Options{MotorCount: motor.MaxMotorCount + 1})
	assert.Error(t, err)
}

func TestController_ErrorEpisodeEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	assert.True(t, h.ctrl.IsRunning())
	assert.NotEqual(t, uuid.Nil, h.ctrl.SessionID())

	h.send(t, frames(0, 2))
	grid, ok := h.ctrl.Latest()
	require.True(t, ok)
	assert.Equal(t, [][]float64{{0.5, 0}, {1.5, 2}}, grid)

	h.clock.Advance(telemetry.DefaultSampleInterval)

	select {
	case u := <-h.sink.status:
		assert.Equal(t, 1, u.Motor)
		assert.Equal(t, 2, u.Code)
		assert.Equal(t, "motor over-current", u.Text)
		assert.True(t, u.IsError)
	case <-time.After(time.Second):
		t.Fatal("no status update")
	}
	select {
	case <-h.sink.pushed:
	case <-time.After(time.Second):
		t.Fatal("no plot points")
	}

	h.send(t, frames(0, 0))
	h.ctrl.Shutdown()
	assert.False(t, h.ctrl.IsRunning())
	assert.True(t, h.sock.Closed())

	files := h.fs.Files()
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(filepath.Base(files[0]), "motor_error_log_"))
	data, err := h.fs.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "===== Frame"))
	assert.Contains(t, string(data), "  Error       : 2.0000\n")

	states := h.ctrl.States()
	require.Len(t, states, 2)
	assert.Equal(t, 2, states[1].Code)
}

func TestController_ContinuousMode(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Mode = errorlog.NewModeCell(errorlog.Continuous)
	})
	h.start(t)

	for i := 0; i < 3; i++ {
		h.send(t, frames(0, 0))
	}
	h.ctrl.Shutdown()

	files := h.fs.Files()
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(filepath.Base(files[0]), "full_log_"))
	data, err := h.fs.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "===== Frame"))
}

func TestController_MalformedDatagramIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.sock.Send([]byte{1, 2, 3})
	require.Eventually(t, func() bool { return h.ctrl.Stats().Dropped == 1 },
		time.Second, time.Millisecond)

	_, ok := h.ctrl.Latest()
	assert.False(t, ok)
	assert.True(t, h.ctrl.IsRunning())
}

func TestController_BindFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.Error = errors.New("address already in use")

	err := h.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, h.factory.Error)
	assert.False(t, h.ctrl.IsRunning())
	assert.Nil(t, h.ctrl.LocalAddr())
	h.ctrl.Shutdown()
}

func TestController_RestartAndDoubleStart(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	first := h.ctrl.SessionID()
	assert.Equal(t, "127.0.0.1:4015", h.ctrl.LocalAddr().String())

	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrAlreadyRunning)

	h.ctrl.Shutdown()
	h.ctrl.Shutdown()

	h.sock = network.NewMockUDPSocket(16)
	h.factory.Socket = h.sock
	h.start(t)
	assert.NotEqual(t, first, h.ctrl.SessionID())

	h.send(t, frames(0, 0))
	assert.Equal(t, int64(1), h.ctrl.Stats().Accepted)
}

func TestController_RestartDoesNotReplayPreviousGrid(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.send(t, frames(0, 2))
	h.clock.Advance(telemetry.DefaultSampleInterval)
	select {
	case u := <-h.sink.status:
		require.Equal(t, 2, u.Code)
	case <-time.After(time.Second):
		t.Fatal("no status update")
	}
	h.ctrl.Shutdown()
	for len(h.sink.pushed) > 0 {
		<-h.sink.pushed
	}

	h.sock = network.NewMockUDPSocket(16)
	h.factory.Socket = h.sock
	h.start(t)
	_, ok := h.ctrl.Latest()
	assert.False(t, ok, "grid from the previous session survived restart")

	// A tick before the first frame of the new session emits nothing.
	h.clock.Advance(telemetry.DefaultSampleInterval)
	select {
	case <-h.sink.pushed:
		t.Fatal("stale points emitted after restart")
	case u := <-h.sink.status:
		t.Fatalf("stale status emitted after restart: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	// Error state carries over, so the clearing frame is reported.
	h.send(t, frames(0, 0))
	h.clock.Advance(telemetry.DefaultSampleInterval)
	select {
	case u := <-h.sink.status:
		assert.Equal(t, 1, u.Motor)
		assert.Equal(t, 0, u.Code)
		assert.False(t, u.IsError)
	case <-time.After(time.Second):
		t.Fatal("no status update for the cleared error")
	}
}

func TestController_ParentContextCancelStopsRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.ctrl.Start(ctx))

	cancel()
	assert.False(t, h.ctrl.IsRunning())
	require.Eventually(t, h.sock.Closed, time.Second, time.Millisecond)
	h.ctrl.Shutdown()
}

func writeCapture(t *testing.T, path string, payloads ...[]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	at := time.Unix(1714564800, 0)
	for _, p := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP{10, 0, 0, 2},
			DstIP:    net.IP{10, 0, 0, 1},
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: 4015}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p)))
		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: at, CaptureLength: len(data), Length: len(data)}, data))
		at = at.Add(10 * time.Millisecond)
	}
}

func TestController_ReplaysCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motors.pcap")
	writeCapture(t, path,
		motor.EncodeDatagram(frames(0, 0)),
		motor.EncodeDatagram(frames(7, 0)),
		motor.EncodeDatagram(frames(0, 0)),
	)

	h := newHarness(t, func(o *Options) { o.PCAPPath = path })
	require.NoError(t, h.ctrl.Start(context.Background()))
	require.Eventually(t, func() bool { return h.ctrl.Stats().Accepted == 3 },
		2*time.Second, time.Millisecond)
	h.ctrl.Shutdown()

	assert.Empty(t, h.factory.Calls(), "replay must not bind a socket")
	files := h.fs.Files()
	require.Len(t, files, 1)
	data, err := h.fs.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "  Error       : 7.0000\n")
}
