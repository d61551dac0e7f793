// Package store provides the durable key/value store backing the queue,
// the conflict holding area and the audit log. Keys are partitioned by
// prefix, with queue and conflict keys additionally partitioned per
// tenant.
package store

import (
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// KV is the durable key/value abstraction the sync core persists
// through. Implementations must be safe for concurrent use.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	// ListKeys returns every key with the given prefix.
	ListKeys(prefix string) ([]string, error)
	Close() error
}

// Key prefixes. Queue and conflict data are partitioned per tenant so
// one restaurant's entries never mix with another's.
const (
	queuePrefix    = "queue:"
	conflictPrefix = "conflict:"
	auditKeyName   = "audit:log"
)

// QueueKey builds the storage key for a queued request.
func QueueKey(restaurantID, requestID string) string {
	return queuePrefix + restaurantID + ":" + requestID
}

// QueuePrefix returns the key prefix for one tenant's queue, or for all
// tenants when restaurantID is empty.
func QueuePrefix(restaurantID string) string {
	if restaurantID == "" {
		return queuePrefix
	}
	return queuePrefix + restaurantID + ":"
}

// ConflictKey builds the storage key for a held conflict.
func ConflictKey(restaurantID, conflictID string) string {
	return conflictPrefix + restaurantID + ":" + conflictID
}

// ConflictPrefix returns the key prefix for one tenant's conflicts, or
// for all tenants when restaurantID is empty.
func ConflictPrefix(restaurantID string) string {
	if restaurantID == "" {
		return conflictPrefix
	}
	return conflictPrefix + restaurantID + ":"
}

// AuditKey returns the storage key of the persisted audit log.
func AuditKey() string {
	return auditKeyName
}
