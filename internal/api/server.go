package api

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/motor.monitor/internal/db"
	"github.com/banshee-data/motor.monitor/internal/errorlog"
	"github.com/banshee-data/motor.monitor/internal/httputil"
	"github.com/banshee-data/motor.monitor/internal/motor"
	"github.com/banshee-data/motor.monitor/internal/mqttstatus"
	"github.com/banshee-data/motor.monitor/internal/network"
	"github.com/banshee-data/motor.monitor/internal/security"
	"github.com/banshee-data/motor.monitor/internal/series"
	"github.com/banshee-data/motor.monitor/internal/telemetry"
	"github.com/banshee-data/motor.monitor/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultEpisodeLimit    = 50
	defaultErrorEventLimit = 100
)

// Monitor is the part of monitor.Controller the HTTP API reads.
type Monitor interface {
	IsRunning() bool
	SessionID() uuid.UUID
	Mode() *errorlog.ModeCell
	MotorCount() int
	Fields() []motor.Field
	Keys() []string
	States() []telemetry.ErrorState
	Stats() network.Snapshot
	DispatchDropped() (points, status uint64)
	LogDir() string
}

// EpisodeLister lists recorded log episodes, newest first, and looks one
// up by ID.
type EpisodeLister interface {
	ListEpisodes(limit int) ([]db.EpisodeRecord, error)
	Episode(id string) (db.EpisodeRecord, error)
}

// ErrorEventLister reads back stored error-state transitions, newest first.
// A negative motor selects every motor.
type ErrorEventLister interface {
	ErrorEvents(motor, limit int) ([]db.ErrorEvent, error)
}

// PublishCounter reports MQTT publish outcomes.
type PublishCounter interface {
	Counts() mqttstatus.Counts
}

// AdminRouter mounts debug handlers under /debug/.
type AdminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// Config holds the Server dependencies. Series, Hub, Episodes and Errors are
// optional; their routes answer 404 when unset. MQTT adds publish counters
// to /api/stats.
type Config struct {
	Monitor  Monitor
	Series   *series.Store
	Hub      *telemetry.Hub
	Episodes EpisodeLister
	Errors   ErrorEventLister
	MQTT     PublishCounter
	Admin    []AdminRouter
}

type Server struct {
	mon      Monitor
	store    *series.Store
	hub      *telemetry.Hub
	episodes EpisodeLister
	errors   ErrorEventLister
	mqtt     PublishCounter
	admin    []AdminRouter
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	return &Server{
		mon:      cfg.Monitor,
		store:    cfg.Series,
		hub:      cfg.Hub,
		episodes: cfg.Episodes,
		errors:   cfg.Errors,
		mqtt:     cfg.MQTT,
		admin:    cfg.Admin,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the full route table, including /debug/ handlers from
// every configured AdminRouter.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/log-mode", s.handleLogMode)
	mux.HandleFunc("/api/series/keys", s.listSeriesKeys)
	mux.HandleFunc("/api/series", s.showSeries)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/episodes", s.listEpisodes)
	mux.HandleFunc("/api/episodes/log", s.downloadEpisodeLog)
	mux.HandleFunc("/api/errors", s.listErrorEvents)
	mux.HandleFunc("/charts/motor", s.motorChart)
	mux.HandleFunc("/plots/motor.png", s.motorPlot)
	mux.HandleFunc("/ws", s.handleWebsocket)
	for _, a := range s.admin {
		a.AttachAdminRoutes(mux)
	}
	return mux
}

type statusResponse struct {
	Running    bool                   `json:"running"`
	SessionID  string                 `json:"session_id,omitempty"`
	Mode       errorlog.LogMode       `json:"mode"`
	LogDir     string                 `json:"log_dir"`
	MotorCount int                    `json:"motor_count"`
	Faulted    int                    `json:"faulted"`
	Motors     []telemetry.ErrorState `json:"motors"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	resp := statusResponse{
		Running:    s.mon.IsRunning(),
		Mode:       s.mon.Mode().Load(),
		LogDir:     s.mon.LogDir(),
		MotorCount: s.mon.MotorCount(),
		Motors:     s.mon.States(),
	}
	if id := s.mon.SessionID(); id != uuid.Nil {
		resp.SessionID = id.String()
	}
	for _, st := range resp.Motors {
		if st.Set && st.Code != 0 {
			resp.Faulted++
		}
	}
	httputil.WriteJSONOK(w, resp)
}

type logModeBody struct {
	Mode errorlog.LogMode `json:"mode"`
}

func (s *Server) handleLogMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, logModeBody{Mode: s.mon.Mode().Load()})
	case http.MethodPut, http.MethodPost:
		var req struct {
			Mode string `json:"mode"`
		}
		if err := httputil.DecodeJSONBody(w, r, 1024, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		mode, err := errorlog.ParseLogMode(req.Mode)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		body := logModeBody{Mode: mode}
		prev := s.mon.Mode().Load()
		s.mon.Mode().Store(body.Mode)
		if prev != body.Mode {
			log.Printf("log mode changed: %s -> %s", prev, body.Mode)
		}
		httputil.WriteJSONOK(w, body)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodPost)
	}
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, version.Current())
}

func (s *Server) listSeriesKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.mon.Keys())
}

type seriesResponse struct {
	Key     string            `json:"key"`
	Points  []telemetry.Point `json:"points"`
	Summary *series.Summary   `json:"summary,omitempty"`
}

func (s *Server) showSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "series store not configured")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		httputil.BadRequest(w, "missing 'key' parameter")
		return
	}
	var since float64
	if v := r.URL.Query().Get("since"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			httputil.BadRequest(w, "invalid 'since' parameter")
			return
		}
		since = f
	}
	points, ok := s.store.Points(key, since)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("unknown series key %q", key))
		return
	}
	resp := seriesResponse{Key: key, Points: points}
	if sum, ok := s.store.Summary(key); ok {
		resp.Summary = &sum
	}
	httputil.WriteJSONOK(w, resp)
}

type statsResponse struct {
	Network                  network.Snapshot   `json:"network"`
	DispatchDroppedPoints    uint64             `json:"dispatch_dropped_points"`
	DispatchSupersededStatus uint64             `json:"dispatch_superseded_status"`
	Subscribers              int                `json:"subscribers"`
	SubscriberMissed         uint64             `json:"subscriber_missed"`
	MQTT                     *mqttstatus.Counts `json:"mqtt,omitempty"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	resp := statsResponse{Network: s.mon.Stats()}
	resp.DispatchDroppedPoints, resp.DispatchSupersededStatus = s.mon.DispatchDropped()
	if s.hub != nil {
		resp.Subscribers = s.hub.SubscriberCount()
		resp.SubscriberMissed = s.hub.Missed()
	}
	if s.mqtt != nil {
		c := s.mqtt.Counts()
		resp.MQTT = &c
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listEpisodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.episodes == nil {
		httputil.NotFound(w, "episode registry not configured")
		return
	}
	limit := defaultEpisodeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	episodes, err := s.episodes.ListEpisodes(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list episodes: %v", err))
		return
	}
	if episodes == nil {
		episodes = []db.EpisodeRecord{}
	}
	httputil.WriteJSONOK(w, episodes)
}

// listErrorEvents serves stored error transitions. ?motor= is 1-based and
// optional; ?limit= defaults to 100.
func (s *Server) listErrorEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.errors == nil {
		httputil.NotFound(w, "episode registry not configured")
		return
	}
	q := r.URL.Query()
	m := -1
	if v := q.Get("motor"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > s.mon.MotorCount() {
			httputil.BadRequest(w, fmt.Sprintf("invalid 'motor' parameter: want 1..%d", s.mon.MotorCount()))
			return
		}
		m = n - 1
	}
	limit := defaultErrorEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	events, err := s.errors.ErrorEvents(m, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list error events: %v", err))
		return
	}
	if events == nil {
		events = []db.ErrorEvent{}
	}
	httputil.WriteJSONOK(w, events)
}

// downloadEpisodeLog serves the log file of ?id=. Only files inside the
// configured log directory are served.
func (s *Server) downloadEpisodeLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.episodes == nil {
		httputil.NotFound(w, "episode registry not configured")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		httputil.BadRequest(w, "missing 'id' parameter")
		return
	}
	rec, err := s.episodes.Episode(id)
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("episode %s not found", id))
		return
	} else if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load episode: %v", err))
		return
	}
	if err := security.ValidatePathWithinDirectory(rec.Path, s.mon.LogDir()); err != nil {
		log.Printf("refusing episode %s log %s: %v", id, rec.Path, err)
		httputil.Forbidden(w, "log file is outside the log directory")
		return
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("log file for episode %s is not available", id))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		httputil.InternalServerError(w, "failed to stat log file")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(rec.Path)))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// chartRequest parses ?motor=N (1-based) and an optional comma-separated
// ?fields= list into series keys.
func (s *Server) chartRequest(r *http.Request) (series.ChartRequest, error) {
	q := r.URL.Query()
	n, err := strconv.Atoi(q.Get("motor"))
	if err != nil || n < 1 || n > s.mon.MotorCount() {
		return series.ChartRequest{}, fmt.Errorf("'motor' must be between 1 and %d", s.mon.MotorCount())
	}
	fields := s.mon.Fields()
	if v := q.Get("fields"); v != "" {
		fields, err = motor.ParseFields(strings.Split(v, ","))
		if err != nil {
			return series.ChartRequest{}, err
		}
	}
	req := series.ChartRequest{Title: fmt.Sprintf("Motor %d", n)}
	for _, f := range fields {
		req.Keys = append(req.Keys, motor.PlotKey(n-1, f))
	}
	if v := q.Get("since"); v != "" {
		if req.Since, err = strconv.ParseFloat(v, 64); err != nil {
			return series.ChartRequest{}, fmt.Errorf("invalid 'since' parameter")
		}
	}
	return req, nil
}

func (s *Server) motorChart(w http.ResponseWriter, r *http.Request) {
	s.renderMotor(w, r, "text/html; charset=utf-8", s.store.RenderChart)
}

func (s *Server) motorPlot(w http.ResponseWriter, r *http.Request) {
	s.renderMotor(w, r, "image/png", s.store.RenderPNG)
}

func (s *Server) renderMotor(w http.ResponseWriter, r *http.Request, contentType string, render func(io.Writer, series.ChartRequest) error) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "series store not configured")
		return
	}
	req, err := s.chartRequest(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	if err := render(w, req); err != nil {
		if errors.Is(err, series.ErrUnknownKey) {
			httputil.NotFound(w, err.Error())
			return
		}
		log.Printf("render %s failed: %v", r.URL.Path, err)
		httputil.InternalServerError(w, "failed to render chart")
	}
}

// handleWebsocket streams hub events as JSON. The optional ?keys= filter
// restricts point updates; status updates are always sent.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httputil.NotFound(w, "live feed not configured")
		return
	}
	filter := map[string]bool{}
	if v := r.URL.Query().Get("keys"); v != "" {
		for _, k := range strings.Split(v, ",") {
			filter[k] = true
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	id, events := s.hub.Subscribe(64)
	defer s.hub.Unsubscribe(id)

	// The browser never sends anything; reading only detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
				return
			}
			ev, send := filterEvent(ev, filter)
			if !send {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteJSON(ev); err != nil {
				log.Printf("websocket client %s: %v", id, err)
				return
			}
		}
	}
}

func filterEvent(ev telemetry.Event, filter map[string]bool) (telemetry.Event, bool) {
	if ev.Status != nil || len(ev.States) > 0 || len(filter) == 0 {
		return ev, true
	}
	var kept []telemetry.Point
	for _, p := range ev.Points {
		if filter[p.Key] {
			kept = append(kept, p)
		}
	}
	return telemetry.Event{Points: kept}, len(kept) > 0
}
