// Package logsuppress rate-limits repeated log lines per entity and kind.
package logsuppress

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"poolSync/internal/metrics"
	"poolSync/internal/model"
)

// DefaultWindow is used when a Suppressor is created with a zero window.
const DefaultWindow = time.Minute

type entry struct {
	lastEmitted time.Time
	suppressed  int
}

// Suppressor emits the first line of each (entity, kind) pair and then at
// most one line per window. Lines dropped in between are counted and reported
// on the next emitted line.
type Suppressor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	window  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func New(logger *zap.Logger, window time.Duration, m *metrics.Metrics) *Suppressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Suppressor{
		logger:  logger,
		metrics: m,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// WithClock replaces the clock used for windowing.
func (s *Suppressor) WithClock(now func() time.Time) *Suppressor {
	s.now = now
	return s
}

// Warn logs at warn level subject to suppression.
func (s *Suppressor) Warn(id model.EntityIdentity, kind, msg string, fields ...zap.Field) bool {
	return s.log(zapcore.WarnLevel, id, kind, msg, fields)
}

// Error logs at error level subject to suppression.
func (s *Suppressor) Error(id model.EntityIdentity, kind, msg string, fields ...zap.Field) bool {
	return s.log(zapcore.ErrorLevel, id, kind, msg, fields)
}

func (s *Suppressor) log(level zapcore.Level, id model.EntityIdentity, kind, msg string, fields []zap.Field) bool {
	if s == nil {
		return false
	}
	key := id.Key() + "|" + kind
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	if ok && now.Sub(e.lastEmitted) < s.window {
		e.suppressed++
		s.mu.Unlock()
		s.metrics.ObserveSuppressed(kind, 1)
		return false
	}
	suppressed := e.suppressed
	e.suppressed = 0
	e.lastEmitted = now
	s.mu.Unlock()

	fields = append(fields, zap.String("entity", id.Key()), zap.String("kind", kind))
	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}
	if ce := s.logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
	return true
}

// Forget drops the window state of an entity, e.g. after it is unsubscribed.
func (s *Suppressor) Forget(id model.EntityIdentity) {
	if s == nil {
		return
	}
	prefix := id.Key() + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
}
