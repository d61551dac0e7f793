package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrMissingTenant is returned when a request is built without a
// restaurant or user binding. Tenant isolation is non-negotiable, so
// construction fails rather than defaulting.
var ErrMissingTenant = errors.New("models: restaurant id and user id are required")

// QueuedRequest is a pending mutation awaiting delivery to the server.
// Timestamps are unix milliseconds.
type QueuedRequest struct {
	ID           string           `json:"id"`
	Timestamp    int64            `json:"timestamp"`
	EntityType   EntityType       `json:"entity_type"`
	Action       Action           `json:"action"`
	Method       string           `json:"method"`
	Endpoint     string           `json:"endpoint"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	Encrypted    bool             `json:"encrypted"`
	Compressed   bool             `json:"compressed"`
	Priority     Priority         `json:"priority"`
	Status       Status           `json:"status"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	LastError    string           `json:"last_error,omitempty"`
	Conflict     ConflictStrategy `json:"conflict_resolution"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Checksum     string           `json:"checksum"`
	RestaurantID string           `json:"restaurant_id"`
	UserID       string           `json:"user_id"`
	Idempotency  string           `json:"idempotency_key"`

	// Snapshot of the target entity's version marker captured at
	// enqueue time, used for divergence detection during replay.
	LocalVersion  int64 `json:"local_version,omitempty"`
	LocalModified int64 `json:"local_modified,omitempty"`

	UpdatedAt int64 `json:"updated_at"`
}

// NewQueuedRequest builds a request with generated id, timestamps,
// checksum and idempotency key. The payload must already be validated
// and still in plaintext; encryption happens after the checksum and
// idempotency key are derived.
func NewQueuedRequest(entityType EntityType, action Action, method, endpoint string, payload json.RawMessage, restaurantID, userID string) (*QueuedRequest, error) {
	if restaurantID == "" || userID == "" {
		return nil, ErrMissingTenant
	}

	now := time.Now().UnixMilli()

	return &QueuedRequest{
		ID:           uuid.New().String(),
		Timestamp:    now,
		EntityType:   entityType,
		Action:       action,
		Method:       method,
		Endpoint:     endpoint,
		Payload:      payload,
		Priority:     entityType.DefaultPriority(),
		Status:       StatusPending,
		MaxRetries:   3,
		Conflict:     entityType.DefaultConflictStrategy(),
		Checksum:     PayloadChecksum(payload),
		RestaurantID: restaurantID,
		UserID:       userID,
		Idempotency:  IdempotencyKey(entityType, action, payload),
		UpdatedAt:    now,
	}, nil
}

// IdempotencyKey derives a deterministic key from the logical intent of
// a request so re-submissions of the same mutation are detectable.
func IdempotencyKey(entityType EntityType, action Action, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(entityType))
	h.Write([]byte{0})
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadChecksum is an integrity hash over the plaintext payload.
func PayloadChecksum(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy safe to hand outside the queue's critical
// section.
func (r *QueuedRequest) Clone() *QueuedRequest {
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Dependencies != nil {
		cp.Dependencies = append([]string(nil), r.Dependencies...)
	}
	return &cp
}

// Age returns how long the request has been queued.
func (r *QueuedRequest) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.Timestamp))
}

// Terminal reports whether the request reached a state the engine will
// not advance on its own.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusCancelled
}
