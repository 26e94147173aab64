package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayOptions controls capture replay.
type ReplayOptions struct {
	// Port filters UDP payloads by destination port. Zero accepts any port.
	Port int
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets  int // records read from the capture
	Matched  int // UDP payloads delivered to the handler
	Rejected int // payloads the handler returned an error for
}

// DatagramHandler receives one UDP payload with its capture time.
type DatagramHandler func(payload []byte, at time.Time) error

// ReplayPCAP reads a classic pcap stream and feeds matching UDP payloads to
// handle, stamped with their capture times.
func ReplayPCAP(ctx context.Context, r io.Reader, opts ReplayOptions, handle DatagramHandler) (ReplayStats, error) {
	var stats ReplayStats

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to open capture: %w", err)
	}
	linkType := reader.LinkType()

	var firstCapture, firstWall time.Time
	started := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			diagf("PCAP replay stopping due to context cancellation (processed %d packets)", stats.Packets)
			return stats, err
		}

		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			diagf("PCAP replay complete: %d packets, %d matched in %v", stats.Packets, stats.Matched, time.Since(started))
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read capture packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if opts.Port != 0 && int(udp.DstPort) != opts.Port {
			continue
		}

		if opts.Realtime {
			if firstCapture.IsZero() {
				firstCapture, firstWall = ci.Timestamp, time.Now()
			} else if wait := ci.Timestamp.Sub(firstCapture) - time.Since(firstWall); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return stats, ctx.Err()
				case <-timer.C:
				}
			}
		}

		stats.Matched++
		if err := handle(udp.Payload, ci.Timestamp); err != nil {
			stats.Rejected++
		}
	}
}
