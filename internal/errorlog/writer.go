package errorlog

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/motor.monitor/internal/fsutil"
	"github.com/banshee-data/motor.monitor/internal/motor"
)

// TimestampLayout formats frame labels and episode file names.
const TimestampLayout = "2006-01-02-15-04-05"

// DefaultDir is where log files are written when no directory is configured.
const DefaultDir = "/tmp/plotjuggler_motor_monitor_log"

const separator = "------------------------------"

// PendingFrame is one received datagram awaiting flush.
type PendingFrame struct {
	Label    string
	Received time.Time
	Motors   []motor.Frame
}

// NewPendingFrame labels frames with the receive time.
func NewPendingFrame(frames []motor.Frame, at time.Time) PendingFrame {
	return PendingFrame{Label: at.Format(TimestampLayout), Received: at, Motors: frames}
}

// Writer appends frames to text files under one directory.
type Writer struct {
	fs  fsutil.FileSystem
	dir string

	mu      sync.Mutex
	claimed map[string]bool
}

// NewWriter creates a Writer rooted at dir. A nil fs uses the OS filesystem.
func NewWriter(fs fsutil.FileSystem, dir string) *Writer {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if dir == "" {
		dir = DefaultDir
	}
	return &Writer{fs: fs, dir: dir, claimed: make(map[string]bool)}
}

// Dir returns the log directory.
func (w *Writer) Dir() string { return w.dir }

// EpisodePath returns a fresh path for an episode starting at "at". If the
// timestamped name is already on disk or handed out, a -N suffix is added.
func (w *Writer) EpisodePath(mode LogMode, at time.Time) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	base := fmt.Sprintf("%s_%s", mode.Prefix(), at.Format(TimestampLayout))
	path := filepath.Join(w.dir, base+".txt")
	for n := 2; w.claimed[path] || w.fs.Exists(path); n++ {
		path = filepath.Join(w.dir, fmt.Sprintf("%s-%d.txt", base, n))
	}
	w.claimed[path] = true
	return path
}

// WriteFrames appends frames to path, creating the directory and file as
// needed. The formatted batch is written with a single call.
func (w *Writer) WriteFrames(path string, frames []PendingFrame) error {
	if len(frames) == 0 {
		return nil
	}
	if err := w.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	var buf bytes.Buffer
	for _, f := range frames {
		FormatFrame(&buf, f)
	}

	out, err := w.fs.OpenAppend(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := out.Write(buf.Bytes()); err != nil {
		out.Close()
		return fmt.Errorf("write log file %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close log file %s: %w", path, err)
	}
	return nil
}

// FormatFrame renders one datagram in the log file format.
func FormatFrame(w io.Writer, f PendingFrame) {
	fmt.Fprintf(w, "===== Frame [%s] =====\n", f.Label)
	for i, m := range f.Motors {
		fmt.Fprintf(w, "Motor[%d]\n", i)
		fmt.Fprintf(w, "  Index       : %.4f\n", m.Index)
		fmt.Fprintf(w, "  Mode        : %.4f\n", m.Mode)
		fmt.Fprintf(w, "  Position    : %.4f rad\n", m.Position)
		fmt.Fprintf(w, "  Velocity    : %.4f rad/s\n", m.Velocity)
		fmt.Fprintf(w, "  Torque      : %.4f N·m\n", m.Torque)
		fmt.Fprintf(w, "  Pos_des     : %.4f rad\n", m.PosDes)
		fmt.Fprintf(w, "  Vel_des     : %.4f rad/s\n", m.VelDes)
		fmt.Fprintf(w, "  Kp          : %.4f\n", m.Kp)
		fmt.Fprintf(w, "  Kd          : %.4f\n", m.Kd)
		fmt.Fprintf(w, "  Feedforward : %.4f N·m\n", m.Feedforward)
		fmt.Fprintf(w, "  Error       : %.4f\n", m.Error)
		fmt.Fprintf(w, "  Temperature : %.4f\n", m.Temperature)
		fmt.Fprintf(w, "  Mos Temperature : %.4f\n", m.MosTemperature)
		fmt.Fprintln(w, separator)
	}
	fmt.Fprintln(w)
}
