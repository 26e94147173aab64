// Package fsutil provides the filesystem seam used by the error log writer.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileSystem abstracts the filesystem operations the log writer performs.
// Use OSFileSystem for production; MemoryFileSystem for testing.
type FileSystem interface {
	// OpenAppend opens the named file for appending, creating it if needed.
	OpenAppend(name string) (io.WriteCloser, error)

	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// Stat returns a FileInfo describing the named file.
	Stat(name string) (fs.FileInfo, error)

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(path string, perm os.FileMode) error

	// Exists checks if a file or directory exists.
	Exists(name string) bool

	// Glob returns the names of files matching pattern.
	Glob(pattern string) ([]string, error)
}

// OSFileSystem implements FileSystem using the os package.
type OSFileSystem struct{}

func (OSFileSystem) OpenAppend(name string) (io.WriteCloser, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

func (OSFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (OSFileSystem) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (OSFileSystem) Glob(pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}

// MemoryFileSystem provides an in-memory filesystem for testing. Writes and
// directory creation can be made to fail with FailWrites and FailMkdir.
type MemoryFileSystem struct {
	mu        sync.RWMutex
	files     map[string]*memFile
	dirs      map[string]bool
	writeErr  error
	mkdirErr  error
	openCount int
}

type memFile struct {
	data    []byte
	mode    os.FileMode
	modTime time.Time
}

// NewMemoryFileSystem creates a new in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files: make(map[string]*memFile),
		dirs:  make(map[string]bool),
	}
}

// FailWrites makes every subsequent OpenAppend return err. Pass nil to clear.
func (m *MemoryFileSystem) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailMkdir makes every subsequent MkdirAll return err. Pass nil to clear.
func (m *MemoryFileSystem) FailMkdir(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirErr = err
}

// Opens returns how many times OpenAppend succeeded.
func (m *MemoryFileSystem) Opens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openCount
}

// OpenAppend returns a writer whose data lands in the file on Close.
func (m *MemoryFileSystem) OpenAppend(name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = filepath.Clean(name)
	if m.writeErr != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: m.writeErr}
	}
	if !m.dirs[filepath.Dir(name)] {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if _, ok := m.files[name]; !ok {
		m.files[name] = &memFile{mode: 0o644, modTime: time.Now()}
	}
	m.openCount++
	return &memAppender{fs: m, name: name}, nil
}

// WriteFile seeds a file, creating its parent directories.
func (m *MemoryFileSystem) WriteFile(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = filepath.Clean(name)
	m.markDirs(filepath.Dir(name))
	m.files[name] = &memFile{data: append([]byte(nil), data...), mode: 0o644, modTime: time.Now()}
}

func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), f.data...), nil
}

func (m *MemoryFileSystem) Stat(name string) (fs.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	if m.dirs[name] {
		return &memFileInfo{name: filepath.Base(name), isDir: true, mode: fs.ModeDir | 0o755}, nil
	}
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return &memFileInfo{
		name:    filepath.Base(name),
		size:    int64(len(f.data)),
		mode:    f.mode,
		modTime: f.modTime,
	}, nil
}

func (m *MemoryFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mkdirErr != nil {
		return &fs.PathError{Op: "mkdir", Path: path, Err: m.mkdirErr}
	}
	m.markDirs(filepath.Clean(path))
	return nil
}

func (m *MemoryFileSystem) markDirs(path string) {
	for p := path; ; p = filepath.Dir(p) {
		m.dirs[p] = true
		if parent := filepath.Dir(p); parent == p {
			return
		}
	}
}

func (m *MemoryFileSystem) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	if _, ok := m.files[name]; ok {
		return true
	}
	return m.dirs[name]
}

func (m *MemoryFileSystem) Glob(pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for name := range m.files {
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Files lists every file path, sorted.
func (m *MemoryFileSystem) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.files))
	for name := range m.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// memAppender buffers writes and appends them to the file on Close.
type memAppender struct {
	fs     *MemoryFileSystem
	name   string
	buf    strings.Builder
	closed bool
}

func (w *memAppender) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fs.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *memAppender) Close() error {
	if w.closed {
		return fs.ErrClosed
	}
	w.closed = true

	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()

	f, ok := w.fs.files[w.name]
	if !ok {
		f = &memFile{mode: 0o644}
		w.fs.files[w.name] = f
	}
	f.data = append(f.data, w.buf.String()...)
	f.modTime = time.Now()
	return nil
}

type memFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (i *memFileInfo) Name() string       { return i.name }
func (i *memFileInfo) Size() int64        { return i.size }
func (i *memFileInfo) Mode() os.FileMode  { return i.mode }
func (i *memFileInfo) ModTime() time.Time { return i.modTime }
func (i *memFileInfo) IsDir() bool        { return i.isDir }
func (i *memFileInfo) Sys() any           { return nil }
