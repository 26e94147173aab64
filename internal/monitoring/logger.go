package monitoring

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// FileLogConfig describes the rotating diagnostics file.
type FileLogConfig struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// SetupFileLogging tees the standard logger to stdout and a rotating file.
// An empty path leaves logging on stderr. The returned closer releases the
// file and restores stderr output.
func SetupFileLogging(cfg FileLogConfig) (io.Closer, error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.Path == "" {
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return restoreCloser{rotator}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type restoreCloser struct {
	rotator *lumberjack.Logger
}

func (c restoreCloser) Close() error {
	log.SetOutput(os.Stderr)
	return c.rotator.Close()
}
