package network

import (
	"net"
	"sync"
)

// UDPSocket defines the socket operations the listener needs.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP blocks until a datagram arrives or the socket is closed.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// Close closes the socket, unblocking any pending read.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
// *net.UDPConn satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket is an in-memory UDPSocket. Reads block until a datagram is
// sent with Send or the socket is closed, like a real socket.
type MockUDPSocket struct {
	packets   chan MockUDPPacket
	closed    chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	readBufferSize int
	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// SetReadBufferError is returned by SetReadBuffer if set.
	SetReadBufferError error
}

// MockUDPPacket is one queued datagram.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a socket with room for depth queued datagrams.
func NewMockUDPSocket(depth int) *MockUDPSocket {
	if depth <= 0 {
		depth = 64
	}
	return &MockUDPSocket{
		packets: make(chan MockUDPPacket, depth),
		closed:  make(chan struct{}),
		LocalAddress: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: 4015,
		},
	}
}

// Send queues a datagram for the next read.
func (m *MockUDPSocket) Send(data []byte) {
	m.packets <- MockUDPPacket{
		Data: append([]byte(nil), data...),
		Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 50000},
	}
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	select {
	case <-m.closed:
		return 0, nil, net.ErrClosed
	default:
	}
	select {
	case pkt := <-m.packets:
		return copy(b, pkt.Data), pkt.Addr, nil
	case <-m.closed:
		return 0, nil, net.ErrClosed
	}
}

func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetReadBufferError != nil {
		return m.SetReadBufferError
	}
	m.readBufferSize = bytes
	return nil
}

// ReadBufferSize returns the value recorded by SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

func (m *MockUDPSocket) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (m *MockUDPSocket) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	// Socket is returned from ListenUDP.
	Socket *MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error

	mu    sync.Mutex
	calls []MockListenCall
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

// NewMockUDPSocketFactory creates a factory that hands out socket.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	f.calls = append(f.calls, MockListenCall{Network: network, Addr: laddr})
	f.mu.Unlock()
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// Calls returns the recorded ListenUDP calls.
func (f *MockUDPSocketFactory) Calls() []MockListenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MockListenCall(nil), f.calls...)
}
