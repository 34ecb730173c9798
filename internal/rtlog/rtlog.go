// Package rtlog provides the logging interface threaded explicitly through
// every worker in the connection runtime, the way the teacher's daemon
// threads a daemonLogger into each background goroutine instead of relying
// on a package-global logger.
package rtlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level gates which severities are emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the interface workers hold onto. Callers never reach for a
// global logger; start() constructs one and passes it down explicitly.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// std is the default Logger, writing level-prefixed lines through a
// rotating file (when configured) and/or stderr.
type std struct {
	mu    sync.Mutex
	level Level
	out   *log.Logger
}

// New builds a Logger at the given verbosity writing to w. Pass nil for w
// to use os.Stderr.
func New(level Level, w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &std{level: level, out: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

// NewRotating builds a Logger that writes to a size/age-rotated file, the
// same way the teacher rotates its daemon log.
func NewRotating(level Level, path string, maxSizeMB, maxBackups, maxAgeDays int) Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return New(level, lj)
}

func (s *std) logf(level Level, prefix, format string, args ...any) {
	if level < s.level {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

func (s *std) Debugf(format string, args ...any) { s.logf(LevelDebug, "DEBUG", format, args...) }
func (s *std) Infof(format string, args ...any)   { s.logf(LevelInfo, "INFO", format, args...) }
func (s *std) Warnf(format string, args ...any)   { s.logf(LevelWarn, "WARN", format, args...) }
func (s *std) Errorf(format string, args ...any)  { s.logf(LevelError, "ERROR", format, args...) }

// Discard never emits anything; useful for tests that don't want log noise.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(string, ...any) {}
func (discard) Infof(string, ...any)  {}
func (discard) Warnf(string, ...any)  {}
func (discard) Errorf(string, ...any) {}
