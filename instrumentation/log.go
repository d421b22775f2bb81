// Package instrumentation holds the ambient logging and metrics concerns
// shared by every other package: a package-level zap logger and a set of
// Prometheus vectors covering peer traffic, transaction outcomes and
// routing decisions. Metrics are updated directly by the calling
// goroutine rather than through a dedicated metrics actor, since the
// routing and FSM cores here are synchronous pure functions.
package instrumentation

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger   *zap.Logger
	sugared  *zap.SugaredLogger
	levelMu  sync.RWMutex
	minLevel = zapcore.InfoLevel
)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(minLevel)
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
	sugared = logger.Sugar()
}

// SetLevel adjusts, from now on, the minimum level that Batch.Log
// records. It does not change the shared zap logger, which keeps the
// Info level it was built with, so lines below Info are still dropped
// when Logger() is used or a Batch is written.
func SetLevel(level zapcore.Level) {
	levelMu.Lock()
	defer levelMu.Unlock()
	minLevel = level
}

// IsLevelEnabled reports whether level would currently be logged.
func IsLevelEnabled(level zapcore.Level) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return level >= minLevel
}

// Logger returns the shared structured logger.
func Logger() *zap.SugaredLogger { return sugared }

// Batch accumulates log lines emitted over the life of one request and
// flushes them together on exit, so a request's scattered log statements
// read as one contiguous block instead of being interleaved with
// unrelated peers' lines.
type Batch struct {
	mu    sync.Mutex
	lines []batchLine
	wg    sync.WaitGroup
}

type batchLine struct {
	level zapcore.Level
	text  string
}

// NewBatch creates an empty log batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Log appends one formatted line to the batch if level is enabled.
func (b *Batch) Log(level zapcore.Level, format string, args ...interface{}) {
	if !IsLevelEnabled(level) {
		return
	}
	line := fmt.Sprintf(format, args...)
	b.mu.Lock()
	b.lines = append(b.lines, batchLine{level: level, text: line})
	b.mu.Unlock()
}

// Add tracks one more concurrent contributor to this batch, mirroring
// sync.WaitGroup.Add; call Done when that contributor finishes.
func (b *Batch) Add() { b.wg.Add(1) }

// Done signals one contributor has finished.
func (b *Batch) Done() { b.wg.Done() }

// Write waits for every contributor to finish, then flushes the
// accumulated lines to the shared logger in order.
func (b *Batch) Write() {
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.lines {
		switch l.level {
		case zapcore.DebugLevel:
			sugared.Debug(l.text)
		case zapcore.WarnLevel:
			sugared.Warn(l.text)
		case zapcore.ErrorLevel:
			sugared.Error(l.text)
		default:
			sugared.Info(l.text)
		}
	}
}
