package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// ForwardStats receives forwarder drop counts.
type ForwardStats interface {
	AddForwardDropped()
}

// Forwarder mirrors accepted datagrams to another UDP address without
// blocking the listener. Datagrams are dropped when its queue is full.
type Forwarder struct {
	conn        *net.UDPConn
	queue       chan []byte
	stats       ForwardStats
	logInterval time.Duration
	address     string

	wg sync.WaitGroup
}

// NewForwarder dials address ("host:port").
func NewForwarder(address string, stats ForwardStats, logInterval time.Duration) (*Forwarder, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &Forwarder{
		conn:        conn,
		queue:       make(chan []byte, 1000),
		stats:       stats,
		logInterval: logInterval,
		address:     address,
	}, nil
}

// Address returns the forward destination.
func (f *Forwarder) Address() string { return f.address }

// Start runs the send loop until ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		failed := 0
		var lastErr error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case pkt := <-f.queue:
				if _, err := f.conn.Write(pkt); err != nil {
					failed++
					lastErr = err
					f.addDropped()
				}
			case <-ticker.C:
				if failed > 0 {
					opsf("Dropped %d forwarded datagrams due to errors (latest: %v)", failed, lastErr)
					failed = 0
					lastErr = nil
				}
			}
		}
	}()
	diagf("Forwarding datagrams to %s", f.address)
}

// ForwardAsync copies pkt and queues it for sending.
func (f *Forwarder) ForwardAsync(pkt []byte) {
	cp := append([]byte(nil), pkt...)
	select {
	case f.queue <- cp:
	default:
		f.addDropped()
	}
}

func (f *Forwarder) addDropped() {
	if f.stats != nil {
		f.stats.AddForwardDropped()
	}
}

// Close waits for the send loop to exit and closes the connection. The
// context passed to Start must already be cancelled.
func (f *Forwarder) Close() error {
	f.wg.Wait()
	return f.conn.Close()
}
