// Package audit keeps an append-only record of security-relevant
// events: access denials, rate-limit hits, queue admissions, conflicts,
// encryption actions. The log is capped at a fixed number of recent
// entries and persisted write-through so it survives a restart.
package audit

import (
	"encoding/json"
	"sync"

	"github.com/kyawswar/orderpad/internal/logging"
	"github.com/kyawswar/orderpad/internal/models"
	"github.com/kyawswar/orderpad/internal/store"
)

// Event names recorded by the sync core.
const (
	EventRequestQueued    = "queue.request_accepted"
	EventRequestEvicted   = "queue.request_evicted"
	EventAccessDenied     = "access.denied"
	EventRateLimited      = "rate_limit.exceeded"
	EventConflictDetected = "conflict.detected"
	EventConflictResolved = "conflict.resolved"
	EventEncryptionFailed = "encryption.failed"
	EventKeyRotated       = "encryption.key_rotated"
	EventQueueCleared     = "queue.cleared"
)

// Log is a capped, persisted audit log. A disabled log drops entries
// silently so callers never branch on it.
type Log struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	cap     int
	kv      store.KV
	enabled bool
}

// New creates an audit log, reloading persisted entries when present.
func New(kv store.KV, capacity int, enabled bool) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	l := &Log{cap: capacity, kv: kv, enabled: enabled}

	if enabled && kv != nil {
		if data, err := kv.Get(store.AuditKey()); err == nil {
			var entries []models.AuditEntry
			if err := json.Unmarshal(data, &entries); err == nil {
				if len(entries) > capacity {
					entries = entries[len(entries)-capacity:]
				}
				l.entries = entries
			}
		}
	}
	return l
}

// Record appends an entry, dropping the oldest when over capacity.
func (l *Log) Record(event string, details map[string]interface{}) {
	if !l.enabled {
		return
	}

	entry := models.NewAuditEntry(event, details)

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	l.persistLocked()
	l.mu.Unlock()

	logging.Debug("audit event recorded", map[string]interface{}{
		"event": event,
	})
}

// Recent returns up to n most recent entries, newest last.
func (l *Log) Recent(n int) []models.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]models.AuditEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Size returns the number of retained entries.
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops all entries.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.persistLocked()
}

func (l *Log) persistLocked() {
	if l.kv == nil {
		return
	}
	data, err := json.Marshal(l.entries)
	if err != nil {
		return
	}
	if err := l.kv.Set(store.AuditKey(), data); err != nil {
		logging.Warn("failed to persist audit log", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
