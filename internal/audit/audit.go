// Package audit provides the bounded append-only log of security and
// lifecycle events. Recording is best-effort by contract: it never blocks
// or fails the primary operation, and persistence errors are swallowed
// after a debug log.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/pos-offline-queue/internal/repo"
)

// DefaultCap bounds the in-memory log; the oldest entries are evicted.
const DefaultCap = 1000

// Lifecycle event names not owned by other packages.
const (
	EventQueueRequest   = "QUEUE_REQUEST"
	EventQueueOverflow  = "QUEUE_OVERFLOW"
	EventQueueCleared   = "QUEUE_CLEARED"
	EventServiceInit    = "SERVICE_INIT"
	EventServiceDestroy = "SERVICE_DESTROY"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Severity  string         `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
}

// criticalEvents escalate to CRITICAL severity unless the details say
// otherwise.
var criticalEvents = map[string]struct{}{
	"SQL_INJECTION_ATTEMPT": {},
	"SECURITY_VIOLATION":    {},
	"ACCESS_DENIED":         {},
}

// Logger is the bounded audit log. DB is optional; without it the log is
// memory-only.
type Logger struct {
	DB  *gorm.DB
	Log zerolog.Logger
	Cap int

	mu      sync.Mutex
	entries []Entry
}

// Record appends an event. A "severity" key in details overrides the
// derived severity. Record never returns an error.
func (l *Logger) Record(event string, details map[string]any) {
	severity := "INFO"
	if _, ok := criticalEvents[event]; ok {
		severity = "CRITICAL"
	}
	if details != nil {
		if s, ok := details["severity"].(string); ok && s != "" {
			severity = s
			delete(details, "severity")
		}
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Severity:  severity,
		Details:   details,
	}

	l.mu.Lock()
	capN := l.Cap
	if capN <= 0 {
		capN = DefaultCap
	}
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - capN; over > 0 {
		l.entries = append([]Entry(nil), l.entries[over:]...)
	}
	snapshot := make([]Entry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	l.Log.Debug().Str("event", event).Str("severity", severity).Msg("audit")

	if l.DB != nil {
		// Best-effort; a failed flush must not surface to the caller.
		if err := repo.SaveAuditLog(context.Background(), l.DB, snapshot); err != nil {
			l.Log.Debug().Err(err).Msg("audit log persistence failed")
		}
	}
}

// Entries returns a copy of the current log, newest last.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the current number of entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
