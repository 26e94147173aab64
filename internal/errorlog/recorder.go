package errorlog

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/motor.monitor/internal/motor"
)

// DefaultMaxPending caps frames retained after failed flushes.
const DefaultMaxPending = 1000

// Episode identifies one log file's worth of captured frames.
type Episode struct {
	ID      uuid.UUID
	Mode    LogMode
	Path    string
	Started time.Time
}

// EpisodeSummary is reported when an episode closes.
type EpisodeSummary struct {
	Closed        time.Time
	Frames        int // frames written to disk
	Dropped       int // frames discarded after failed flushes
	FlushFailures int
	LastError     string
}

// EpisodeObserver is told about episode lifecycle events. Calls arrive on the
// ingestion goroutine and must not block for long.
type EpisodeObserver interface {
	EpisodeOpened(ep Episode)
	FramesFlushed(ep Episode, n int, err error)
	EpisodeClosed(ep Episode, summary EpisodeSummary)
}

type noopObserver struct{}

func (noopObserver) EpisodeOpened(Episode)                 {}
func (noopObserver) FramesFlushed(Episode, int, error)     {}
func (noopObserver) EpisodeClosed(Episode, EpisodeSummary) {}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Writer *Writer
	Mode   *ModeCell

	// TrailFrames is how many error-free frames after an error are still
	// captured before an error-triggered episode closes.
	TrailFrames int

	// MaxPending bounds the frames retained across failed flushes.
	MaxPending int

	Observer EpisodeObserver
}

// Recorder applies the logging policy to each accepted datagram and owns the
// pending buffer. It is not safe for concurrent use; the ingestion goroutine
// is its only caller.
type Recorder struct {
	writer     *Writer
	mode       *ModeCell
	trail      int
	maxPending int
	observer   EpisodeObserver

	episode   *Episode
	summary   EpisodeSummary
	pending   []PendingFrame
	trailLeft int
}

// NewRecorder creates a Recorder. A nil Mode starts in ErrorTriggered.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Writer == nil {
		cfg.Writer = NewWriter(nil, "")
	}
	if cfg.Mode == nil {
		cfg.Mode = NewModeCell(ErrorTriggered)
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.TrailFrames < 0 {
		cfg.TrailFrames = 0
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	return &Recorder{
		writer:     cfg.Writer,
		mode:       cfg.Mode,
		trail:      cfg.TrailFrames,
		maxPending: cfg.MaxPending,
		observer:   cfg.Observer,
	}
}

// Record evaluates one datagram received at "at". It takes ownership of
// frames. The returned error is the flush error, if a flush was attempted and
// failed; the frames stay pending in that case.
func (r *Recorder) Record(frames []motor.Frame, at time.Time) error {
	mode := r.mode.Load()
	if r.episode != nil && r.episode.Mode != mode {
		diagf("log mode changed to %s, closing episode %s", mode, r.episode.Path)
		r.closeEpisode(at)
	}

	pf := NewPendingFrame(frames, at)

	if mode == Continuous {
		r.ensureEpisode(mode, at)
		r.push(pf)
		return r.flush()
	}

	if motor.AnyError(frames) {
		r.ensureEpisode(mode, at)
		r.trailLeft = r.trail
		r.push(pf)
		return r.flush()
	}

	if r.episode == nil {
		return nil
	}
	if r.trailLeft > 0 {
		r.push(pf)
		r.trailLeft--
		if r.trailLeft > 0 {
			return nil
		}
	}
	return r.closeEpisode(at)
}

// Close flushes and closes any open episode.
func (r *Recorder) Close(at time.Time) error {
	if r.episode == nil {
		return nil
	}
	return r.closeEpisode(at)
}

// OpenEpisode returns the current episode, if any.
func (r *Recorder) OpenEpisode() (Episode, bool) {
	if r.episode == nil {
		return Episode{}, false
	}
	return *r.episode, true
}

// Pending returns the number of frames awaiting flush.
func (r *Recorder) Pending() int {
	return len(r.pending)
}

func (r *Recorder) ensureEpisode(mode LogMode, at time.Time) {
	if r.episode != nil {
		return
	}
	r.episode = &Episode{
		ID:      uuid.New(),
		Mode:    mode,
		Path:    r.writer.EpisodePath(mode, at),
		Started: at,
	}
	r.summary = EpisodeSummary{}
	diagf("opened %s episode %s", mode, r.episode.Path)
	r.observer.EpisodeOpened(*r.episode)
}

func (r *Recorder) push(pf PendingFrame) {
	r.pending = append(r.pending, pf)
	if over := len(r.pending) - r.maxPending; over > 0 {
		opsf("pending log buffer full, dropping %d oldest frames for %s", over, r.episode.Path)
		n := copy(r.pending, r.pending[over:])
		clear(r.pending[n:])
		r.pending = r.pending[:n]
		r.summary.Dropped += over
	}
}

func (r *Recorder) flush() error {
	if len(r.pending) == 0 {
		return nil
	}
	n := len(r.pending)
	if err := r.writer.WriteFrames(r.episode.Path, r.pending); err != nil {
		r.summary.FlushFailures++
		r.summary.LastError = err.Error()
		opsf("flush of %d frames to %s failed: %v", n, r.episode.Path, err)
		r.observer.FramesFlushed(*r.episode, 0, err)
		return err
	}
	r.summary.Frames += n
	clear(r.pending)
	r.pending = r.pending[:0]
	r.observer.FramesFlushed(*r.episode, n, nil)
	return nil
}

func (r *Recorder) closeEpisode(at time.Time) error {
	err := r.flush()
	if left := len(r.pending); left > 0 {
		opsf("dropping %d unwritten frames for %s", left, r.episode.Path)
		r.summary.Dropped += left
		clear(r.pending)
		r.pending = r.pending[:0]
	}
	r.summary.Closed = at
	diagf("closed episode %s: %d frames written, %d dropped", r.episode.Path, r.summary.Frames, r.summary.Dropped)
	r.observer.EpisodeClosed(*r.episode, r.summary)
	r.episode = nil
	r.trailLeft = 0
	return err
}
