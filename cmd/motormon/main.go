package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/banshee-data/motor.monitor/internal/api"
	"github.com/banshee-data/motor.monitor/internal/config"
	"github.com/banshee-data/motor.monitor/internal/db"
	"github.com/banshee-data/motor.monitor/internal/errorlog"
	"github.com/banshee-data/motor.monitor/internal/monitor"
	"github.com/banshee-data/motor.monitor/internal/monitoring"
	"github.com/banshee-data/motor.monitor/internal/mqttstatus"
	"github.com/banshee-data/motor.monitor/internal/network"
	"github.com/banshee-data/motor.monitor/internal/rpc"
	"github.com/banshee-data/motor.monitor/internal/series"
	"github.com/banshee-data/motor.monitor/internal/telemetry"
	"github.com/banshee-data/motor.monitor/internal/version"
)

var (
	configPath   = flag.String("config", config.DefaultConfigPath, "Path to YAML or JSON config file")
	listen       = flag.String("listen", ":8080", "HTTP listen address")
	udpAddr      = flag.String("udp", ":4015", "Telemetry UDP listen address")
	motorCount   = flag.Int("motors", 13, "Motors per datagram")
	fields       = flag.String("fields", "", "Comma-separated fields to sample (default Pos,Vel,Torque,Error,Temperature,Mos Temperature)")
	logDir       = flag.String("log-dir", errorlog.DefaultDir, "Directory for motor log files")
	logMode      = flag.String("log-mode", "error_triggered", "Initial log mode: error_triggered or continuous")
	trailFrames  = flag.Int("trail-frames", 0, "Error-free frames to keep logging after an error clears")
	dbPath       = flag.String("db", "", "SQLite episode registry path (disabled when empty)")
	grpcAddr     = flag.String("grpc", "", "gRPC listen address (disabled when empty)")
	mqttBroker   = flag.String("mqtt-broker", "", "MQTT broker URL for error status, e.g. tcp://localhost:1883")
	forwardAddr  = flag.String("forward", "", "Mirror accepted datagrams to host:port")
	diagDir      = flag.String("diag-dir", "", "Directory for the rotating diagnostics log (stdout only when empty)")
	pcapFile     = flag.String("pcap", "", "Replay a capture file instead of listening on UDP")
	pcapRealtime = flag.Bool("pcap-realtime", false, "Replay the capture at its recorded pace")
	debugLog     = flag.Bool("debug", false, "Enable per-datagram trace logging")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("motormon"))
		return
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadConfig(*configPath, set["config"])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlagOverrides(cfg, set)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	diag := cfg.GetDiagnostics()
	closer, err := monitoring.SetupFileLogging(monitoring.FileLogConfig{
		Path:       diagnosticsPath(diag.Directory),
		MaxSizeMB:  diag.MaxSizeMB,
		MaxAgeDays: diag.MaxAgeDays,
		MaxBackups: diag.MaxBackups,
		Compress:   diag.Compress,
	})
	if err != nil {
		log.Fatalf("Failed to set up diagnostics log: %v", err)
	}
	defer closer.Close()

	writers := logWriters(log.Writer(), *debugLog)
	network.SetLogWriters(writers)
	errorlog.SetLogWriters(writers)

	log.Printf("%s starting", version.String("motormon"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := telemetry.NewHub()
	store := series.NewStore(cfg.GetSeriesWindow().Seconds(), series.DefaultMaxPoints)
	mode := errorlog.NewModeCell(cfg.GetLogMode())

	opts := buildOptions(cfg, mode)
	opts.PCAPPath = *pcapFile
	opts.PCAPRealtime = *pcapRealtime
	opts.PlotSinks = []telemetry.PlotSink{store, hub}
	opts.StatusSinks = []telemetry.StatusSink{hub}

	var (
		ctrl      *monitor.Controller
		episodeDB *db.DB
		admin     = []api.AdminRouter{hub}
		episodes  api.EpisodeLister
		events    api.ErrorEventLister
		counts    api.PublishCounter
	)
	if path := cfg.GetDBPath(); path != "" {
		episodeDB, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("Failed to open episode database: %v", err)
		}
		defer episodeDB.Close()
		opts.EpisodeObserver = db.NewEpisodeObserver(episodeDB)
		admin = append(admin, episodeDB)
		episodes = episodeDB
		events = episodeDB
		opts.StatusSinks = append(opts.StatusSinks, db.NewStatusRecorder(episodeDB, func() uuid.UUID {
			return ctrl.SessionID()
		}))
	}

	var mqttClient interface{ Disconnect(uint) }
	if broker := cfg.GetMQTTBroker(); broker != "" {
		client, err := mqttstatus.Connect(mqttstatus.Config{
			Broker:      broker,
			TopicPrefix: cfg.GetMQTTTopicPrefix(),
		})
		if err != nil {
			log.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		mqttClient = client
		publisher := mqttstatus.NewStatusPublisher(client, cfg.GetMQTTTopicPrefix())
		counts = publisher
		opts.StatusSinks = append(opts.StatusSinks, publisher)
	}

	ctrl, err = monitor.New(opts)
	if err != nil {
		log.Fatalf("Failed to create stream controller: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start stream controller: %v", err)
	}

	var wg sync.WaitGroup

	var grpcServer *grpc.Server
	if addr := cfg.GetGRPCAddress(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("Failed to listen for gRPC on %s: %v", addr, err)
		}
		grpcServer = grpc.NewServer()
		rpc.RegisterService(grpcServer, rpc.NewServer(hub, ctrl, 0))
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("gRPC server listening on %s", lis.Addr())
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Printf("gRPC server error: %v", err)
			}
		}()
	}

	mux := api.NewServer(api.Config{
		Monitor:  ctrl,
		Series:   store,
		Hub:      hub,
		Episodes: episodes,
		Errors:   events,
		MQTT:     counts,
		Admin:    admin,
	}).ServeMux()
	server := &http.Server{
		Addr:    cfg.GetHTTPAddress(),
		Handler: api.LoggingMiddleware(mux),
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf("HTTP server listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	// A capture replay ends on its own; keep serving until a signal arrives.
	<-ctx.Done()
	log.Printf("shutdown requested")

	if err := ctrl.Err(); err != nil {
		log.Printf("stream controller error: %v", err)
	}
	ctrl.Shutdown()
	// Closing the hub ends websocket and gRPC subscriber streams.
	hub.Close()
	if grpcServer != nil {
		stopGRPC(grpcServer, 5*time.Second)
	}
	if mqttClient != nil {
		mqttClient.Disconnect(250)
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path. A missing default config file is not an error.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Empty(), nil
	}
	return config.Load(path)
}

// applyFlagOverrides copies each explicitly set flag into cfg.
func applyFlagOverrides(cfg *config.Config, set map[string]bool) {
	str := func(v string) *string { return &v }
	num := func(v int) *int { return &v }

	if set["listen"] {
		cfg.HTTPAddress = str(*listen)
	}
	if set["udp"] {
		cfg.UDPAddress = str(*udpAddr)
	}
	if set["motors"] {
		cfg.MotorCount = num(*motorCount)
	}
	if set["fields"] {
		cfg.Fields = splitList(*fields)
	}
	if set["log-dir"] {
		cfg.LogDir = str(*logDir)
	}
	if set["log-mode"] {
		cfg.LogMode = str(*logMode)
	}
	if set["trail-frames"] {
		cfg.TrailFrames = num(*trailFrames)
	}
	if set["db"] {
		cfg.DBPath = str(*dbPath)
	}
	if set["grpc"] {
		cfg.GRPCAddress = str(*grpcAddr)
	}
	if set["mqtt-broker"] {
		cfg.MQTTBroker = str(*mqttBroker)
	}
	if set["forward"] {
		cfg.ForwardAddress = str(*forwardAddr)
	}
	if set["diag-dir"] {
		if cfg.Diagnostics == nil {
			cfg.Diagnostics = &config.Diagnostics{}
		}
		cfg.Diagnostics.Directory = *diagDir
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildOptions(cfg *config.Config, mode *errorlog.ModeCell) monitor.Options {
	return monitor.Options{
		UDPAddress:     cfg.GetUDPAddress(),
		RcvBuf:         cfg.GetRcvBuf(),
		MotorCount:     cfg.GetMotorCount(),
		Fields:         cfg.GetFields(),
		SampleInterval: cfg.GetSampleInterval(),
		StatsInterval:  time.Minute,
		LogDir:         cfg.GetLogDir(),
		Mode:           mode,
		TrailFrames:    cfg.GetTrailFrames(),
		MaxPending:     cfg.GetMaxPending(),
		ForwardAddress: cfg.GetForwardAddress(),
	}
}

func diagnosticsPath(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "motormon.log")
}

// logWriters routes ops and diag to the standard logger output; trace is
// only enabled with -debug.
func logWriters(w io.Writer, trace bool) monitoring.LogWriters {
	lw := monitoring.LogWriters{Ops: w, Diag: w}
	if trace {
		lw.Trace = w
	}
	return lw
}

func stopGRPC(s *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("gRPC graceful stop timed out; forcing")
		s.Stop()
	}
}
