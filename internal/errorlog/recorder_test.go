package errorlog

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motor.monitor/internal/fsutil"
	"github.com/banshee-data/motor.monitor/internal/motor"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// frameAt returns a two-motor datagram received i seconds after t0, with
// motor 1 carrying errCode.
func frameAt(i int, errCode float64) ([]motor.Frame, time.Time) {
	frames := []motor.Frame{
		{Index: 0, Position: float64(i)},
		{Index: 1, Position: float64(i), Error: errCode},
	}
	return frames, t0.Add(time.Duration(i) * time.Second)
}

func label(i int) string {
	return "===== Frame [" + t0.Add(time.Duration(i)*time.Second).Format(TimestampLayout) + "] ====="
}

type recordingObserver struct {
	opened  []Episode
	flushes []int
	errs    []error
	closed  []EpisodeSummary
}

func (o *recordingObserver) EpisodeOpened(ep Episode) { o.opened = append(o.opened, ep) }
func (o *recordingObserver) FramesFlushed(ep Episode, n int, err error) {
	o.flushes = append(o.flushes, n)
	if err != nil {
		o.errs = append(o.errs, err)
	}
}
func (o *recordingObserver) EpisodeClosed(ep Episode, s EpisodeSummary) {
	o.closed = append(o.closed, s)
}

func newTestRecorder(mode LogMode, trail int) (*Recorder, *fsutil.MemoryFileSystem, *ModeCell, *recordingObserver) {
	mfs := fsutil.NewMemoryFileSystem()
	cell := NewModeCell(mode)
	obs := &recordingObserver{}
	r := NewRecorder(RecorderConfig{
		Writer:      NewWriter(mfs, "/logs"),
		Mode:        cell,
		TrailFrames: trail,
		Observer:    obs,
	})
	return r, mfs, cell, obs
}

func TestRecorder_ErrorTriggeredCapturesOnlyErrorFrames(t *testing.T) {
	r, mfs, _, obs := newTestRecorder(ErrorTriggered, 0)

	for i := 1; i <= 10; i++ {
		code := 0.0
		if i >= 3 && i <= 5 {
			code = 2
		}
		frames, at := frameAt(i, code)
		require.NoError(t, r.Record(frames, at))
	}
	require.NoError(t, r.Close(t0.Add(time.Minute)))

	files := mfs.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "/logs/motor_error_log_"+t0.Add(3*time.Second).Format(TimestampLayout)+".txt", files[0])

	data, err := mfs.ReadFile(files[0])
	require.NoError(t, err)
	content := string(data)

	assert.Equal(t, 3, strings.Count(content, "===== Frame ["))
	for i := 1; i <= 10; i++ {
		if i >= 3 && i <= 5 {
			assert.Contains(t, content, label(i))
		} else {
			assert.NotContains(t, content, label(i))
		}
	}

	require.Len(t, obs.opened, 1)
	require.Len(t, obs.closed, 1)
	assert.Equal(t, 3, obs.closed[0].Frames)
	_, open := r.OpenEpisode()
	assert.False(t, open)
}

func TestRecorder_ErrorTriggeredSeparateEpisodes(t *testing.T) {
	r, mfs, _, _ := newTestRecorder(ErrorTriggered, 0)

	codes := []float64{0, 1, 0, 0, 7, 7, 0}
	for i, code := range codes {
		frames, at := frameAt(i, code)
		require.NoError(t, r.Record(frames, at))
	}

	files := mfs.Files()
	require.Len(t, files, 2)
	first, _ := mfs.ReadFile(files[0])
	second, _ := mfs.ReadFile(files[1])
	assert.Equal(t, 1, strings.Count(string(first), "===== Frame ["))
	assert.Equal(t, 2, strings.Count(string(second), "===== Frame ["))
}

func TestRecorder_TrailFrames(t *testing.T) {
	r, mfs, _, _ := newTestRecorder(ErrorTriggered, 2)

	codes := []float64{0, 3, 0, 0, 0, 0}
	for i, code := range codes {
		frames, at := frameAt(i, code)
		require.NoError(t, r.Record(frames, at))
	}

	files := mfs.Files()
	require.Len(t, files, 1)
	data, _ := mfs.ReadFile(files[0])
	content := string(data)

	assert.Equal(t, 3, strings.Count(content, "===== Frame ["))
	assert.Contains(t, content, label(1))
	assert.Contains(t, content, label(2))
	assert.Contains(t, content, label(3))
	assert.NotContains(t, content, label(4))

	_, open := r.OpenEpisode()
	assert.False(t, open)
}

func TestRecorder_ErrorDuringTrailExtendsEpisode(t *testing.T) {
	r, mfs, _, _ := newTestRecorder(ErrorTriggered, 2)

	codes := []float64{3, 0, 3, 0, 0}
	for i, code := range codes {
		frames, at := frameAt(i, code)
		require.NoError(t, r.Record(frames, at))
	}

	files := mfs.Files()
	require.Len(t, files, 1)
	data, _ := mfs.ReadFile(files[0])
	assert.Equal(t, 5, strings.Count(string(data), "===== Frame ["))

	// Frames stay in receive order.
	content := string(data)
	for i := 1; i < len(codes); i++ {
		assert.Less(t, strings.Index(content, label(i-1)), strings.Index(content, label(i)))
	}
}

func TestRecorder_ContinuousLogsEveryFrameOnce(t *testing.T) {
	r, mfs, _, obs := newTestRecorder(Continuous, 0)

	for i := 0; i < 8; i++ {
		code := 0.0
		if i == 4 {
			code = 1
		}
		frames, at := frameAt(i, code)
		require.NoError(t, r.Record(frames, at))
	}
	require.NoError(t, r.Close(t0.Add(time.Minute)))

	files := mfs.Files()
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0], "/logs/full_log_"))

	data, _ := mfs.ReadFile(files[0])
	content := string(data)
	assert.Equal(t, 8, strings.Count(content, "===== Frame ["))
	prev := -1
	for i := 0; i < 8; i++ {
		idx := strings.Index(content, label(i))
		require.GreaterOrEqual(t, idx, 0)
		assert.Equal(t, 1, strings.Count(content, label(i)))
		assert.Greater(t, idx, prev)
		prev = idx
	}
	assert.Equal(t, 8, mfs.Opens())
	require.Len(t, obs.closed, 1)
	assert.Equal(t, 8, obs.closed[0].Frames)
}

func TestRecorder_ModeSwitchClosesEpisode(t *testing.T) {
	r, mfs, cell, obs := newTestRecorder(Continuous, 0)

	for i := 0; i < 2; i++ {
		frames, at := frameAt(i, 0)
		require.NoError(t, r.Record(frames, at))
	}

	cell.Store(ErrorTriggered)
	frames, at := frameAt(2, 0)
	require.NoError(t, r.Record(frames, at))
	require.Len(t, obs.closed, 1)
	_, open := r.OpenEpisode()
	assert.False(t, open)

	frames, at = frameAt(3, 6)
	require.NoError(t, r.Record(frames, at))

	files := mfs.Files()
	require.Len(t, files, 2)
	assert.True(t, strings.HasPrefix(files[0], "/logs/full_log_"))
	assert.True(t, strings.HasPrefix(files[1], "/logs/motor_error_log_"))

	full, _ := mfs.ReadFile(files[0])
	assert.Equal(t, 2, strings.Count(string(full), "===== Frame ["))
	assert.NotContains(t, string(full), label(2))
}

func TestRecorder_WriteFailureRetainsFrames(t *testing.T) {
	r, mfs, _, obs := newTestRecorder(ErrorTriggered, 0)
	boom := errors.New("permission denied")
	mfs.FailWrites(boom)

	frames, at := frameAt(0, 2)
	err := r.Record(frames, at)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, r.Pending())
	assert.Empty(t, mfs.Files())

	mfs.FailWrites(nil)
	frames, at = frameAt(1, 2)
	require.NoError(t, r.Record(frames, at))
	assert.Equal(t, 0, r.Pending())

	files := mfs.Files()
	require.Len(t, files, 1)
	data, _ := mfs.ReadFile(files[0])
	assert.Contains(t, string(data), label(0))
	assert.Contains(t, string(data), label(1))
	assert.Len(t, obs.errs, 1)
}

func TestRecorder_WriteFailureBoundedAndDroppedOnClose(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	obs := &recordingObserver{}
	r := NewRecorder(RecorderConfig{
		Writer:     NewWriter(mfs, "/logs"),
		Mode:       NewModeCell(ErrorTriggered),
		MaxPending: 2,
		Observer:   obs,
	})
	mfs.FailWrites(errors.New("disk full"))

	for i := 0; i < 3; i++ {
		frames, at := frameAt(i, 1)
		assert.Error(t, r.Record(frames, at))
	}
	assert.Equal(t, 2, r.Pending())

	frames, at := frameAt(3, 0)
	assert.Error(t, r.Record(frames, at))
	assert.Equal(t, 0, r.Pending())

	require.Len(t, obs.closed, 1)
	s := obs.closed[0]
	assert.Equal(t, 0, s.Frames)
	assert.Equal(t, 3, s.Dropped)
	assert.Equal(t, 4, s.FlushFailures)
	assert.Contains(t, s.LastError, "disk full")
}

func TestRecorder_CleanFramesWithoutEpisodeIgnored(t *testing.T) {
	r, mfs, _, obs := newTestRecorder(ErrorTriggered, 3)

	for i := 0; i < 5; i++ {
		frames, at := frameAt(i, 0)
		require.NoError(t, r.Record(frames, at))
	}
	require.NoError(t, r.Close(t0))

	assert.Empty(t, mfs.Files())
	assert.Empty(t, obs.opened)
	assert.Equal(t, 0, mfs.Opens())
}
