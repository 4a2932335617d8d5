package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for process log files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where a managed process's output goes.
// Empty paths fall back to <dir>/<name>-out.log and <dir>/<name>-error.log
// when a default directory is given, and are discarded otherwise.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	OutFile    string `json:"out_file,omitempty"`
	ErrorFile  string `json:"error_file,omitempty"`
	MergeLogs  bool   `json:"merge_logs,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// Paths resolves the stdout and stderr destinations for name.
// An empty result means the stream is discarded.
func (c Config) Paths(name, defaultDir string) (string, string) {
	out, errp := c.OutFile, c.ErrorFile
	if out == "" && defaultDir != "" {
		out = filepath.Join(defaultDir, name+"-out.log")
	}
	if errp == "" && defaultDir != "" {
		errp = filepath.Join(defaultDir, name+"-error.log")
	}
	return out, errp
}

// Streams are the writers of a process. They are opened once and reused by
// every run, so the rotating files and their background workers live as long
// as the app's log configuration.
// When MergeLogs is set Stdout and Stderr are the same value, which makes
// os/exec funnel both pipes through a single copying goroutine.
type Streams struct {
	Stdout  io.Writer
	Stderr  io.Writer
	closers []io.Closer
}

// Close flushes and closes every file. Call it only when no run is writing.
func (s *Streams) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open prepares the output streams for a run of the process called name.
func (c Config) Open(name, defaultDir string) (*Streams, error) {
	outPath, errPath := c.Paths(name, defaultDir)
	s := &Streams{}

	outW, err := s.open(c, outPath)
	if err != nil {
		return nil, fmt.Errorf("open out_file: %w", err)
	}
	var errW io.Writer
	if samePath(outPath, errPath) {
		errW = outW
	} else if errW, err = s.open(c, errPath); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open error_file: %w", err)
	}

	switch {
	case !c.MergeLogs:
		s.Stdout, s.Stderr = outW, errW
	case outW == errW:
		m := &lockedWriter{w: outW}
		s.Stdout, s.Stderr = m, m
	case outW == io.Discard:
		m := &lockedWriter{w: errW}
		s.Stdout, s.Stderr = m, m
	case errW == io.Discard:
		m := &lockedWriter{w: outW}
		s.Stdout, s.Stderr = m, m
	default:
		m := &lockedWriter{w: io.MultiWriter(outW, errW)}
		s.Stdout, s.Stderr = m, m
	}
	return s, nil
}

func (s *Streams) open(c Config, path string) (io.Writer, error) {
	if path == "" || path == os.DevNull {
		return io.Discard, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	l := &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	s.closers = append(s.closers, l)
	return l, nil
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

// lockedWriter serialises writes so a merged stream keeps whole writes intact
// and the tee targets see them in the same order.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
