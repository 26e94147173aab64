// Command motor-sim sends synthetic motor telemetry datagrams, with optional
// scripted error codes, to a running motormon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/motor.monitor/internal/motor"
	"github.com/banshee-data/motor.monitor/internal/sim"
	"github.com/banshee-data/motor.monitor/internal/timeutil"
)

type injectionList []sim.Injection

func (l *injectionList) String() string {
	parts := make([]string, len(*l))
	for i, inj := range *l {
		parts[i] = fmt.Sprintf("%d:%d@%v+%v", inj.Motor+1, inj.Code, inj.At, inj.For)
	}
	return strings.Join(parts, ",")
}

func (l *injectionList) Set(s string) error {
	inj, err := sim.ParseInjection(s)
	if err != nil {
		return err
	}
	*l = append(*l, inj)
	return nil
}

var (
	target     = flag.String("target", "127.0.0.1:4015", "Destination host:port")
	motorCount = flag.Int("motors", motor.DefaultMotorCount, "Motors per datagram")
	rate       = flag.Float64("rate", 500, "Datagrams per second")
	duration   = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	noise      = flag.Float64("noise", 0.001, "Position noise std-dev (rad)")
	seed       = flag.Int64("seed", 1, "Noise seed")
	injections injectionList
)

func main() {
	flag.Var(&injections, "inject", "Error injection motor:code@start[+duration], 1-based motor (repeatable)")
	flag.Parse()

	if *rate <= 0 {
		log.Fatal("rate must be positive")
	}
	if *motorCount < 1 || *motorCount > motor.MaxMotorCount {
		log.Fatalf("motors must be between 1 and %d", motor.MaxMotorCount)
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	g := sim.NewGenerator(*motorCount, *seed)
	g.Noise = *noise
	g.Injections = injections

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(float64(time.Second) / *rate)
	log.Printf("sending %d-motor datagrams to %s every %v (%d injections)", *motorCount, *target, interval, len(injections))

	sent, err := g.Run(ctx, conn, timeutil.RealClock{}, interval, *duration)
	log.Printf("sent %d datagrams", sent)
	if err != nil {
		log.Printf("stopped: %v", err)
		os.Exit(1)
	}
}
