// Package queue owns the authoritative in-memory index of queued
// requests: priority ordering, capacity eviction, idempotency collapse
// and write-through persistence partitioned per tenant.
package queue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kyawswar/orderpad/internal/apperrors"
	"github.com/kyawswar/orderpad/internal/audit"
	"github.com/kyawswar/orderpad/internal/logging"
	"github.com/kyawswar/orderpad/internal/models"
	"github.com/kyawswar/orderpad/internal/store"
)

// evictMinCount is the fixed lower bound of entries removed per
// overflow; the effective count is the larger of this and 15% of
// capacity.
const evictMinCount = 10

// Config carries the queue's tunables.
type Config struct {
	Capacity   int
	MaxAge     time.Duration
	MaxRetries int
	RateLimit  *RateLimiter
}

// Manager is the single logical owner of the queue. All structural
// mutation funnels through its critical section; concurrent writers
// serialize on the mutex.
type Manager struct {
	mu     sync.Mutex
	items  map[string]*models.QueuedRequest
	byIdem map[string]string // tenant-scoped idempotency key -> request id

	capacity   int
	maxAge     time.Duration
	maxRetries int

	kv      store.KV
	audit   *audit.Log
	limiter *RateLimiter
}

// NewManager creates a queue manager backed by the given store.
func NewManager(kv store.KV, auditLog *audit.Log, cfg Config) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 500
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Manager{
		items:      make(map[string]*models.QueuedRequest),
		byIdem:     make(map[string]string),
		capacity:   cfg.Capacity,
		maxAge:     cfg.MaxAge,
		maxRetries: cfg.MaxRetries,
		kv:         kv,
		audit:      auditLog,
		limiter:    cfg.RateLimit,
	}
}

// Load reconstructs the in-memory index from the persisted queue,
// discarding entries older than the maximum age. Items interrupted
// mid-flight resume from pending.
func (m *Manager) Load() (int, error) {
	keys, err := m.kv.ListKeys(store.QueuePrefix(""))
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	loaded := 0

	for _, key := range keys {
		data, err := m.kv.Get(key)
		if err != nil {
			continue
		}
		var req models.QueuedRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logging.Warn("discarding unreadable queue entry", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
			m.kv.Remove(key)
			continue
		}
		if req.Age(now) > m.maxAge {
			m.kv.Remove(key)
			continue
		}
		// In-flight items resume from pending; so do failed items with
		// retry budget left, since their in-process backoff timers did
		// not survive the restart.
		if req.Status == models.StatusInProgress {
			req.Status = models.StatusPending
		}
		if req.Status == models.StatusFailed && req.RetryCount < m.effectiveMaxRetries(&req) {
			req.Status = models.StatusPending
		}
		m.items[req.ID] = &req
		m.byIdem[idemKey(&req)] = req.ID
		loaded++
	}

	logging.Info("queue reloaded from store", map[string]interface{}{
		"loaded": loaded,
	})
	return loaded, nil
}

// Enqueue admits a request. Duplicate logical intent (same idempotency
// key, same tenant, still undelivered) collapses onto the existing
// entry. On overflow, low-priority entries are evicted; if nothing is
// evictable the enqueue fails rather than dropping critical work.
func (m *Manager) Enqueue(req *models.QueuedRequest) (string, error) {
	if err := m.limiter.Allow(); err != nil {
		if m.audit != nil {
			m.audit.Record(audit.EventRateLimited, map[string]interface{}{
				"restaurant_id": req.RestaurantID,
				"user_id":       req.UserID,
			})
		}
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byIdem[idemKey(req)]; ok {
		if existing, found := m.items[existingID]; found && !existing.Status.Terminal() {
			logging.Debug("duplicate submission collapsed", map[string]interface{}{
				"request_id":      existingID,
				"idempotency_key": req.Idempotency,
			})
			return existingID, nil
		}
	}

	if len(m.items) >= m.capacity {
		if err := m.evictLocked(); err != nil {
			return "", err
		}
	}

	m.items[req.ID] = req
	m.byIdem[idemKey(req)] = req.ID
	if err := m.persistLocked(req); err != nil {
		delete(m.items, req.ID)
		delete(m.byIdem, idemKey(req))
		return "", err
	}

	if m.audit != nil {
		m.audit.Record(audit.EventRequestQueued, map[string]interface{}{
			"request_id":    req.ID,
			"entity_type":   string(req.EntityType),
			"action":        string(req.Action),
			"priority":      req.Priority.String(),
			"restaurant_id": req.RestaurantID,
		})
	}
	return req.ID, nil
}

// evictLocked frees room by removing the oldest lowest-priority
// entries. Critical items and in-flight items are never candidates.
func (m *Manager) evictLocked() error {
	var candidates []*models.QueuedRequest
	for _, item := range m.items {
		if item.Priority == models.PriorityCritical || item.Status == models.StatusInProgress {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		return apperrors.Newf(apperrors.ErrQueueOverflow,
			"queue is full (%d items) and nothing is evictable", len(m.items))
	}

	// Lowest priority tier first, oldest first within a tier.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Timestamp < candidates[j].Timestamp
	})

	target := m.capacity * 15 / 100
	if target < evictMinCount {
		target = evictMinCount
	}
	if target > len(candidates) {
		target = len(candidates)
	}

	for _, victim := range candidates[:target] {
		m.removeLocked(victim)
	}

	if m.audit != nil {
		m.audit.Record(audit.EventRequestEvicted, map[string]interface{}{
			"evicted": target,
			"size":    len(m.items),
		})
	}
	logging.Warn("queue overflow eviction", map[string]interface{}{
		"evicted": target,
	})
	return nil
}

// Get returns a copy of a request.
func (m *Manager) Get(id string) (*models.QueuedRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// Pending returns copies of all pending requests for a tenant (or all
// tenants when restaurantID is empty), ordered by priority then
// timestamp, oldest first within a tier.
func (m *Manager) Pending(restaurantID string) []*models.QueuedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.QueuedRequest
	for _, item := range m.items {
		if item.Status != models.StatusPending {
			continue
		}
		if restaurantID != "" && item.RestaurantID != restaurantID {
			continue
		}
		out = append(out, item.Clone())
	}
	SortRequests(out)
	return out
}

// SortRequests orders requests by priority ascending, then timestamp
// ascending, then id for determinism.
func SortRequests(reqs []*models.QueuedRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority < reqs[j].Priority
		}
		if reqs[i].Timestamp != reqs[j].Timestamp {
			return reqs[i].Timestamp < reqs[j].Timestamp
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// MarkInProgress transitions a pending request to in-progress.
func (m *Manager) MarkInProgress(id string) error {
	return m.mutate(id, func(item *models.QueuedRequest) error {
		if item.Status != models.StatusPending {
			return apperrors.Newf(apperrors.ErrInternal,
				"request %s is %s, not pending", id, item.Status)
		}
		item.Status = models.StatusInProgress
		return nil
	})
}

// Complete removes a successfully delivered request.
func (m *Manager) Complete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "request %s not found", id)
	}
	m.removeLocked(item)
	return nil
}

// Fail records a retryable failure. Returns true when the retry budget
// allows another attempt; false when the request is now terminally
// failed. The retry count never exceeds the budget.
func (m *Manager) Fail(id, lastError string) (bool, error) {
	willRetry := false
	err := m.mutate(id, func(item *models.QueuedRequest) error {
		item.LastError = lastError
		item.Status = models.StatusFailed
		if item.RetryCount < m.effectiveMaxRetries(item) {
			item.RetryCount++
			willRetry = true
		}
		return nil
	})
	return willRetry, err
}

// FailTerminal marks a request failed with no further automatic
// retries, regardless of remaining budget.
func (m *Manager) FailTerminal(id, lastError string) error {
	return m.mutate(id, func(item *models.QueuedRequest) error {
		item.LastError = lastError
		item.Status = models.StatusFailed
		item.RetryCount = m.effectiveMaxRetries(item)
		return nil
	})
}

// SetConflict parks a request in the conflict-held state pending manual
// resolution.
func (m *Manager) SetConflict(id string) error {
	return m.mutate(id, func(item *models.QueuedRequest) error {
		item.Status = models.StatusConflict
		return nil
	})
}

// ResetForRetry returns a failed request to pending once its backoff
// delay has elapsed. The retry count is preserved.
func (m *Manager) ResetForRetry(id string) error {
	return m.mutate(id, func(item *models.QueuedRequest) error {
		if item.Status != models.StatusFailed {
			return apperrors.Newf(apperrors.ErrInternal,
				"request %s is %s, not failed", id, item.Status)
		}
		item.Status = models.StatusPending
		return nil
	})
}

// Requeue returns a non-terminal request to pending, optionally
// replacing its payload and strategy. Used when resolving held
// conflicts.
func (m *Manager) Requeue(id string, payload json.RawMessage, strategy models.ConflictStrategy) error {
	return m.mutate(id, func(item *models.QueuedRequest) error {
		if payload != nil {
			item.Payload = payload
			item.Encrypted = false
			item.Compressed = false
			item.Checksum = models.PayloadChecksum(payload)
		}
		if strategy != "" {
			item.Conflict = strategy
		}
		item.Status = models.StatusPending
		return nil
	})
}

// UpdatePayload replaces a request's payload in place, e.g. after a
// field-level merge.
func (m *Manager) UpdatePayload(id string, payload json.RawMessage) error {
	return m.mutate(id, func(item *models.QueuedRequest) error {
		item.Payload = payload
		item.Encrypted = false
		item.Compressed = false
		item.Checksum = models.PayloadChecksum(payload)
		return nil
	})
}

// Cancel removes a request that has not started delivery. In-progress
// requests cannot be cancelled.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "request %s not found", id)
	}
	if item.Status != models.StatusPending {
		return apperrors.Newf(apperrors.ErrValidation,
			"request %s is %s and cannot be cancelled", id, item.Status)
	}
	item.Status = models.StatusCancelled
	m.removeLocked(item)
	return nil
}

// RetryFailed resets every terminally failed request to pending with a
// fresh retry budget. Returns the number reset.
func (m *Manager) RetryFailed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, item := range m.items {
		if item.Status != models.StatusFailed {
			continue
		}
		item.Status = models.StatusPending
		item.RetryCount = 0
		item.LastError = ""
		item.UpdatedAt = time.Now().UnixMilli()
		m.persistLocked(item)
		count++
	}
	if count > 0 {
		logging.Info("failed requests reset for retry", map[string]interface{}{
			"count": count,
		})
	}
	return count
}

// CleanupExpired removes entries older than the maximum queue age.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, item := range m.items {
		if item.Age(now) > m.maxAge && item.Status != models.StatusInProgress {
			m.removeLocked(item)
			removed++
		}
	}
	if removed > 0 {
		logging.Info("expired queue entries removed", map[string]interface{}{
			"removed": removed,
		})
	}
	return removed
}

// Clear removes every request for a tenant, or all tenants when
// restaurantID is empty.
func (m *Manager) Clear(restaurantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, item := range m.items {
		if restaurantID != "" && item.RestaurantID != restaurantID {
			continue
		}
		m.removeLocked(item)
		removed++
	}

	if m.audit != nil {
		m.audit.Record(audit.EventQueueCleared, map[string]interface{}{
			"restaurant_id": restaurantID,
			"removed":       removed,
		})
	}
	return removed
}

// Size returns the number of queued requests.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Statistics summarizes queue composition for diagnostics.
type Statistics struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByPriority map[string]int `json:"by_priority"`
	ByEntity   map[string]int `json:"by_entity"`
	Oldest     int64          `json:"oldest_timestamp,omitempty"`
}

// Stats returns a snapshot of queue composition.
func (m *Manager) Stats() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		ByStatus:   make(map[string]int),
		ByPriority: make(map[string]int),
		ByEntity:   make(map[string]int),
	}
	for _, item := range m.items {
		stats.Total++
		stats.ByStatus[string(item.Status)]++
		stats.ByPriority[item.Priority.String()]++
		stats.ByEntity[string(item.EntityType)]++
		if stats.Oldest == 0 || item.Timestamp < stats.Oldest {
			stats.Oldest = item.Timestamp
		}
	}
	return stats
}

// mutate applies fn to an item inside the critical section and writes
// the result through to the store.
func (m *Manager) mutate(id string, fn func(*models.QueuedRequest) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "request %s not found", id)
	}
	if err := fn(item); err != nil {
		return err
	}
	item.UpdatedAt = time.Now().UnixMilli()
	return m.persistLocked(item)
}

func (m *Manager) effectiveMaxRetries(item *models.QueuedRequest) int {
	if item.MaxRetries > 0 {
		return item.MaxRetries
	}
	return m.maxRetries
}

func (m *Manager) persistLocked(req *models.QueuedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to serialize request", err)
	}
	return m.kv.Set(store.QueueKey(req.RestaurantID, req.ID), data)
}

func (m *Manager) removeLocked(req *models.QueuedRequest) {
	delete(m.items, req.ID)
	delete(m.byIdem, idemKey(req))
	if err := m.kv.Remove(store.QueueKey(req.RestaurantID, req.ID)); err != nil {
		logging.Warn("failed to remove persisted queue entry", map[string]interface{}{
			"request_id": req.ID, "error": err.Error(),
		})
	}
}

func idemKey(req *models.QueuedRequest) string {
	return req.RestaurantID + ":" + req.Idempotency
}
