// Package sim generates synthetic motor telemetry for bench testing.
package sim

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/motor.monitor/internal/motor"
	"github.com/banshee-data/motor.monitor/internal/timeutil"
)

// Injection forces one motor to report Code from At until At+For. A zero For
// holds the code until the end of the run.
type Injection struct {
	Motor int // 0-based
	Code  int
	At    time.Duration
	For   time.Duration
}

func (inj Injection) active(elapsed time.Duration) bool {
	if elapsed < inj.At {
		return false
	}
	return inj.For == 0 || elapsed < inj.At+inj.For
}

// ParseInjection parses "motor:code@start[+duration]" with a 1-based motor
// number, e.g. "3:2@5s+1.5s".
func ParseInjection(s string) (Injection, error) {
	head, timing, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return Injection{}, fmt.Errorf("injection %q: missing '@start'", s)
	}
	m, c, ok := strings.Cut(head, ":")
	if !ok {
		return Injection{}, fmt.Errorf("injection %q: want motor:code", s)
	}
	motorNum, err := strconv.Atoi(m)
	if err != nil || motorNum < 1 {
		return Injection{}, fmt.Errorf("injection %q: invalid motor number", s)
	}
	code, err := strconv.Atoi(c)
	if err != nil {
		return Injection{}, fmt.Errorf("injection %q: invalid error code", s)
	}

	start, dur, hasDur := strings.Cut(timing, "+")
	at, err := time.ParseDuration(start)
	if err != nil || at < 0 {
		return Injection{}, fmt.Errorf("injection %q: invalid start", s)
	}
	inj := Injection{Motor: motorNum - 1, Code: code, At: at}
	if hasDur {
		d, err := time.ParseDuration(dur)
		if err != nil || d <= 0 {
			return Injection{}, fmt.Errorf("injection %q: invalid duration", s)
		}
		inj.For = d
	}
	return inj, nil
}

// Generator produces datagrams of smoothly moving motors. Each motor follows
// its own sine trajectory so plots are easy to tell apart.
type Generator struct {
	MotorCount int
	Noise      float64 // std-dev of additive position noise, rad
	Injections []Injection

	rng *rand.Rand
}

// NewGenerator creates a generator for motorCount motors. seed fixes the noise
// sequence.
func NewGenerator(motorCount int, seed int64) *Generator {
	return &Generator{
		MotorCount: motorCount,
		Noise:      0.001,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Frames returns every motor's record at elapsed time since the run started.
func (g *Generator) Frames(elapsed time.Duration) []motor.Frame {
	t := elapsed.Seconds()
	frames := make([]motor.Frame, g.MotorCount)
	for i := range frames {
		freq := 0.2 + 0.05*float64(i)
		phase := float64(i) * math.Pi / 7
		w := 2 * math.Pi * freq
		pos := math.Sin(w*t + phase)
		vel := w * math.Cos(w*t+phase)
		frames[i] = motor.Frame{
			Mode:           1,
			Index:          float64(i),
			Torque:         0.5 * math.Sin(w*t+phase+math.Pi/2),
			Position:       pos + g.rng.NormFloat64()*g.Noise,
			Velocity:       vel,
			PosDes:         pos,
			VelDes:         vel,
			Kp:             20,
			Kd:             0.5,
			Temperature:    35 + 5*math.Sin(t/60+phase),
			MosTemperature: 40 + 5*math.Sin(t/60+phase),
		}
	}
	for _, inj := range g.Injections {
		if inj.Motor < len(frames) && inj.active(elapsed) {
			frames[inj.Motor].Error = float64(inj.Code)
		}
	}
	return frames
}

// Datagram returns the wire encoding of Frames(elapsed).
func (g *Generator) Datagram(elapsed time.Duration) []byte {
	return motor.EncodeDatagram(g.Frames(elapsed))
}

// Run writes one datagram to w every interval until ctx is cancelled or
// duration elapses (zero runs forever). It returns the number sent.
func (g *Generator) Run(ctx context.Context, w io.Writer, clock timeutil.Clock, interval, duration time.Duration) (int, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	start := clock.Now()
	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent, nil
		case now := <-ticker.C():
			elapsed := now.Sub(start)
			if duration > 0 && elapsed > duration {
				return sent, nil
			}
			if _, err := w.Write(g.Datagram(elapsed)); err != nil {
				return sent, fmt.Errorf("send datagram: %w", err)
			}
			sent++
		}
	}
}
