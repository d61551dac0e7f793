package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is an append-only record of a security-relevant event.
// It is used for diagnostics and compliance review, never for control
// flow.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Event     string                 `json:"event"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewAuditEntry builds an audit entry stamped with the current time.
func NewAuditEntry(event string, details map[string]interface{}) AuditEntry {
	return AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Event:     event,
		Details:   details,
	}
}
