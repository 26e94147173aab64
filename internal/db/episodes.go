package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/motor.monitor/internal/errorlog"
	"github.com/banshee-data/motor.monitor/internal/telemetry"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// EpisodeRecord is one row of log_episodes.
type EpisodeRecord struct {
	EpisodeID     string     `json:"episode_id"`
	SessionID     string     `json:"session_id,omitempty"`
	Mode          string     `json:"mode"`
	Path          string     `json:"path"`
	Started       time.Time  `json:"started"`
	Closed        *time.Time `json:"closed,omitempty"`
	Frames        int        `json:"frames"`
	Dropped       int        `json:"dropped"`
	FlushFailures int        `json:"flush_failures"`
	LastError     string     `json:"last_error,omitempty"`
}

// InsertEpisode records a newly opened episode.
func (db *DB) InsertEpisode(session uuid.UUID, ep errorlog.Episode) error {
	_, err := db.Exec(
		`INSERT INTO log_episodes (episode_id, session_id, mode, path, started_unix_nanos)
		VALUES (?, ?, ?, ?, ?)`,
		ep.ID.String(), nullUUID(session), ep.Mode.String(), ep.Path, ep.Started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert episode %s: %w", ep.ID, err)
	}
	return nil
}

// RecordFlushFailure bumps an episode's failure count and keeps the message.
func (db *DB) RecordFlushFailure(id uuid.UUID, flushErr error) error {
	_, err := db.Exec(
		`UPDATE log_episodes SET flush_failures = flush_failures + 1, last_error = ? WHERE episode_id = ?`,
		flushErr.Error(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to record flush failure for %s: %w", id, err)
	}
	return nil
}

// CloseEpisode stores an episode's final counters.
func (db *DB) CloseEpisode(id uuid.UUID, s errorlog.EpisodeSummary) error {
	res, err := db.Exec(
		`UPDATE log_episodes
		SET closed_unix_nanos = ?, frames = ?, dropped = ?, flush_failures = ?, last_error = ?
		WHERE episode_id = ?`,
		s.Closed.UnixNano(), s.Frames, s.Dropped, s.FlushFailures, nullString(s.LastError), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to close episode %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("episode %s: %w", id, ErrNotFound)
	}
	return nil
}

const episodeColumns = `episode_id, session_id, mode, path, started_unix_nanos, closed_unix_nanos,
	frames, dropped, flush_failures, last_error`

func scanEpisode(row interface{ Scan(...any) error }) (EpisodeRecord, error) {
	var (
		rec       EpisodeRecord
		session   sql.NullString
		started   int64
		closed    sql.NullInt64
		lastError sql.NullString
	)
	if err := row.Scan(&rec.EpisodeID, &session, &rec.Mode, &rec.Path, &started, &closed,
		&rec.Frames, &rec.Dropped, &rec.FlushFailures, &lastError); err != nil {
		return rec, err
	}
	rec.SessionID = session.String
	rec.Started = time.Unix(0, started).UTC()
	if closed.Valid {
		c := time.Unix(0, closed.Int64).UTC()
		rec.Closed = &c
	}
	rec.LastError = lastError.String
	return rec, nil
}

// Episode returns one episode by ID.
func (db *DB) Episode(id string) (EpisodeRecord, error) {
	rec, err := scanEpisode(db.QueryRow(`SELECT `+episodeColumns+` FROM log_episodes WHERE episode_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("episode %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// ListEpisodes returns the most recent episodes, newest first.
func (db *DB) ListEpisodes(limit int) ([]EpisodeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+episodeColumns+` FROM log_episodes
		ORDER BY started_unix_nanos DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpisodeRecord
	for rows.Next() {
		rec, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EpisodeObserver persists episode lifecycle events. It writes on open, on
// close and on failed flushes only; successful flushes are counted at close.
type EpisodeObserver struct {
	db *DB

	mu      sync.Mutex
	session uuid.UUID
}

// NewEpisodeObserver returns an errorlog.EpisodeObserver backed by db.
func NewEpisodeObserver(db *DB) *EpisodeObserver {
	return &EpisodeObserver{db: db}
}

// SetSession tags subsequent episodes with a controller session ID.
func (o *EpisodeObserver) SetSession(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = id
}

func (o *EpisodeObserver) currentSession() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *EpisodeObserver) EpisodeOpened(ep errorlog.Episode) {
	if err := o.db.InsertEpisode(o.currentSession(), ep); err != nil {
		log.Printf("episode registry: %v", err)
	}
}

func (o *EpisodeObserver) FramesFlushed(ep errorlog.Episode, n int, err error) {
	if err == nil {
		return
	}
	if dbErr := o.db.RecordFlushFailure(ep.ID, err); dbErr != nil {
		log.Printf("episode registry: %v", dbErr)
	}
}

func (o *EpisodeObserver) EpisodeClosed(ep errorlog.Episode, s errorlog.EpisodeSummary) {
	if err := o.db.CloseEpisode(ep.ID, s); err != nil {
		log.Printf("episode registry: %v", err)
	}
}

// ErrorEvent is one row of motor_error_events.
type ErrorEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Motor     int       `json:"motor"`
	Code      int       `json:"code"`
	Text      string    `json:"text"`
	Severity  string    `json:"severity"`
	At        time.Time `json:"at"`
}

// RecordStatus stores one error-state transition.
func (db *DB) RecordStatus(session uuid.UUID, u telemetry.StatusUpdate) error {
	_, err := db.Exec(
		`INSERT INTO motor_error_events (session_id, motor, code, text, severity, at_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullUUID(session), u.Motor, u.Code, u.Text, string(u.Severity), u.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record status for motor %d: %w", u.Motor, err)
	}
	return nil
}

// ErrorEvents returns the most recent transitions, newest first. A negative
// motor selects every motor.
func (db *DB) ErrorEvents(motor, limit int) ([]ErrorEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT event_id, session_id, motor, code, text, severity, at_unix_nanos
		FROM motor_error_events WHERE (? < 0 OR motor = ?)
		ORDER BY at_unix_nanos DESC, event_id DESC LIMIT ?`, motor, motor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorEvent
	for rows.Next() {
		var (
			ev      ErrorEvent
			session sql.NullString
			at      int64
		)
		if err := rows.Scan(&ev.ID, &session, &ev.Motor, &ev.Code, &ev.Text, &ev.Severity, &at); err != nil {
			return nil, err
		}
		ev.SessionID = session.String
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// StatusRecorder is a telemetry.StatusSink that stores transitions.
type StatusRecorder struct {
	db      *DB
	session func() uuid.UUID
}

// NewStatusRecorder returns a StatusSink writing to db. session may be nil.
func NewStatusRecorder(db *DB, session func() uuid.UUID) *StatusRecorder {
	if session == nil {
		session = func() uuid.UUID { return uuid.Nil }
	}
	return &StatusRecorder{db: db, session: session}
}

func (r *StatusRecorder) StatusChanged(u telemetry.StatusUpdate) {
	if err := r.db.RecordStatus(r.session(), u); err != nil {
		log.Printf("error event registry: %v", err)
	}
}
