package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConflictInfo records a detected divergence between a queued mutation
// and server state. Entries are append-only and read back for
// diagnostics or manual resolution.
type ConflictInfo struct {
	ID             string           `json:"id"`
	RequestID      string           `json:"request_id"`
	RestaurantID   string           `json:"restaurant_id"`
	EntityType     EntityType       `json:"entity_type"`
	Type           ConflictType     `json:"type"`
	Strategy       ConflictStrategy `json:"strategy"`
	LocalSnapshot  json.RawMessage  `json:"local_snapshot,omitempty"`
	ServerSnapshot json.RawMessage  `json:"server_snapshot,omitempty"`
	Resolution     string           `json:"resolution,omitempty"`
	ResolvedValue  json.RawMessage  `json:"resolved_value,omitempty"`
	Resolved       bool             `json:"resolved"`
	DetectedAt     int64            `json:"detected_at"`
	ResolvedAt     int64            `json:"resolved_at,omitempty"`
}

// NewConflictInfo captures a conflict for a queued request.
func NewConflictInfo(req *QueuedRequest, ctype ConflictType, strategy ConflictStrategy, local, server json.RawMessage) *ConflictInfo {
	return &ConflictInfo{
		ID:             uuid.New().String(),
		RequestID:      req.ID,
		RestaurantID:   req.RestaurantID,
		EntityType:     req.EntityType,
		Type:           ctype,
		Strategy:       strategy,
		LocalSnapshot:  local,
		ServerSnapshot: server,
		DetectedAt:     time.Now().UnixMilli(),
	}
}
