// Package engine drives the network replay loop: batching, dependency
// ordering, backoff, retry classification and network-state reactions.
// Sync-time failures are contained here; they update request status and
// statistics instead of propagating to arbitrary callers.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/kyawswar/orderpad/internal/access"
	"github.com/kyawswar/orderpad/internal/apperrors"
	"github.com/kyawswar/orderpad/internal/audit"
	"github.com/kyawswar/orderpad/internal/compress"
	"github.com/kyawswar/orderpad/internal/crypto"
	"github.com/kyawswar/orderpad/internal/httpexec"
	"github.com/kyawswar/orderpad/internal/logging"
	"github.com/kyawswar/orderpad/internal/models"
	"github.com/kyawswar/orderpad/internal/sync/conflict"
	"github.com/kyawswar/orderpad/internal/sync/queue"
)

var (
	// ErrSyncInProgress is returned when a second sync pass is
	// triggered while one is running. Callers treat it as a no-op.
	ErrSyncInProgress = errors.New("engine: sync already in progress")
	// ErrOffline is returned when a sync pass is requested while the
	// network observer reports offline.
	ErrOffline = errors.New("engine: offline")
)

// Config carries the engine's tunables.
type Config struct {
	BatchSize int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Engine replays queued requests against the server. One sync pass
// executes at a time; network-state changes and periodic timers both
// funnel into the same single-flight entry point.
type Engine struct {
	queue    *queue.Manager
	resolver *conflict.Resolver
	exec     httpexec.Executor
	access   *access.Controller
	crypto   *crypto.Provider
	audit    *audit.Log

	batchSize int
	baseDelay time.Duration
	maxDelay  time.Duration

	mu       sync.Mutex
	syncing  bool
	online   bool
	lastSync time.Time
	lastErr  error

	// Scheduled retry timers, tracked so shutdown can cancel them all.
	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool
}

// New creates an engine. The device is assumed offline until the
// network observer reports otherwise.
func New(q *queue.Manager, resolver *conflict.Resolver, exec httpexec.Executor, ac *access.Controller, cp *crypto.Provider, auditLog *audit.Log, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	return &Engine{
		queue:     q,
		resolver:  resolver,
		exec:      exec,
		access:    ac,
		crypto:    cp,
		audit:     auditLog,
		batchSize: cfg.BatchSize,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		timers:    make(map[string]*time.Timer),
	}
}

// Online reports the last observed network state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records a network-state change. A transition to online
// kicks off a sync pass.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	wasOnline := e.online
	e.online = online
	e.mu.Unlock()

	if wasOnline != online {
		logging.Info("network state changed", map[string]interface{}{
			"online": online,
		})
	}
	if !wasOnline && online {
		go func() {
			if _, err := e.Sync(context.Background(), ""); err != nil &&
				!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
				logging.Error("reconnect sync failed", err, nil)
			}
		}()
	}
}

// Result summarizes one sync pass.
type Result struct {
	StartTime time.Time
	Duration  time.Duration
	Attempted int
	Succeeded int
	Failed    int
	Dropped   int
	Conflicts int
	// Aborted is set when the pass stopped early because the network
	// went offline or the context was cancelled. Partially processed
	// state is already persisted.
	Aborted bool
}

// Sync drains pending requests for one tenant, or every tenant when
// restaurantID is empty. Only one pass runs at a time; a concurrent
// trigger returns ErrSyncInProgress.
func (e *Engine) Sync(ctx context.Context, restaurantID string) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	if !e.online {
		e.mu.Unlock()
		return nil, ErrOffline
	}
	e.syncing = true
	e.mu.Unlock()

	result := &Result{StartTime: time.Now()}

	defer func() {
		result.Duration = time.Since(result.StartTime)
		e.mu.Lock()
		e.syncing = false
		e.lastSync = time.Now()
		if result.Failed > 0 {
			e.lastErr = apperrors.Newf(apperrors.ErrInternal,
				"%d of %d requests failed", result.Failed, result.Attempted)
		} else {
			e.lastErr = nil
		}
		e.mu.Unlock()
	}()

	pending := e.queue.Pending(restaurantID)
	if len(pending) == 0 {
		return result, nil
	}

	ordered := orderWithDependencies(pending)

	logging.Info("sync pass started", map[string]interface{}{
		"restaurant_id": restaurantID,
		"pending":       len(ordered),
	})

	batches := splitBatches(ordered, e.batchSize)
	processed := 0
	for _, batch := range batches {
		if ctx.Err() != nil || !e.Online() {
			result.Aborted = true
			logging.Warn("sync pass aborted mid-batch", map[string]interface{}{
				"processed": result.Attempted,
				"remaining": len(ordered) - processed,
			})
			break
		}
		e.processBatch(ctx, batch, result)
		processed += len(batch)
	}

	logging.Info("sync pass completed", map[string]interface{}{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"dropped":   result.Dropped,
		"conflicts": result.Conflicts,
		"aborted":   result.Aborted,
	})
	return result, nil
}

// processBatch fans items out concurrently; batches themselves are
// serialized.
func (e *Engine) processBatch(ctx context.Context, batch []*models.QueuedRequest, result *Result) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, req := range batch {
		wg.Add(1)
		go func(req *models.QueuedRequest) {
			defer wg.Done()
			out := e.processItem(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			result.Attempted++
			switch out {
			case itemSucceeded:
				result.Succeeded++
			case itemFailed:
				result.Failed++
			case itemDropped:
				result.Dropped++
			case itemConflict:
				result.Conflicts++
			case itemSkipped:
				result.Attempted--
			}
		}(req)
	}
	wg.Wait()
}

type itemOutcome int

const (
	itemSucceeded itemOutcome = iota
	itemFailed
	itemDropped
	itemConflict
	itemSkipped
)

func (e *Engine) processItem(ctx context.Context, req *models.QueuedRequest) itemOutcome {
	// Access may have changed since enqueue; re-validate right before
	// the network call.
	if err := e.access.CanAct(ctx, req.UserID, req.RestaurantID); err != nil {
		e.queue.FailTerminal(req.ID, err.Error())
		return itemFailed
	}

	if err := e.queue.MarkInProgress(req.ID); err != nil {
		// Raced with a cancel or another status change.
		return itemSkipped
	}

	payload, err := e.plaintextPayload(req)
	if err != nil {
		if e.audit != nil {
			e.audit.Record(audit.EventEncryptionFailed, map[string]interface{}{
				"request_id": req.ID,
			})
		}
		logging.Error("payload decryption failed", err, map[string]interface{}{
			"request_id": req.ID,
		})
		e.queue.FailTerminal(req.ID, apperrors.Wrap(apperrors.ErrEncryption, "payload unreadable", err).Error())
		return itemFailed
	}

	res, err := e.resolver.Resolve(ctx, req, payload)
	if err != nil {
		return e.handleFailure(req, err)
	}
	switch res.Outcome {
	case conflict.OutcomeDrop:
		// Expected outcome, not an error; the local mutation is
		// abandoned in favor of server state.
		e.queue.Complete(req.ID)
		return itemDropped
	case conflict.OutcomeHold:
		e.queue.SetConflict(req.ID)
		return itemConflict
	}
	if res.Payload != nil {
		payload = res.Payload
	}

	headers := map[string]string{
		httpexec.HeaderIdempotencyKey: req.Idempotency,
		httpexec.HeaderRestaurantID:   req.RestaurantID,
	}

	resp, err := e.exec.Execute(ctx, req.Method, req.Endpoint, headers, payload)
	if err != nil {
		return e.handleFailure(req, httpexec.ClassifyTransportError(err))
	}
	if resp.OK() {
		e.queue.Complete(req.ID)
		return itemSucceeded
	}

	statusErr := apperrors.FromStatus(resp.StatusCode)
	if apperrors.Retryable(statusErr) {
		return e.handleFailure(req, statusErr)
	}
	e.queue.FailTerminal(req.ID, statusErr.Error())
	return itemFailed
}

// handleFailure records a retryable failure, scheduling a backoff
// retry while budget remains.
func (e *Engine) handleFailure(req *models.QueuedRequest, cause error) itemOutcome {
	if !apperrors.Retryable(cause) {
		e.queue.FailTerminal(req.ID, cause.Error())
		return itemFailed
	}

	willRetry, err := e.queue.Fail(req.ID, cause.Error())
	if err != nil {
		return itemSkipped
	}
	if !willRetry {
		logging.Warn("retry budget exhausted", map[string]interface{}{
			"request_id": req.ID,
			"last_error": cause.Error(),
		})
		return itemFailed
	}

	delay := e.BackoffWithJitter(req.RetryCount)
	e.scheduleRetry(req.ID, delay)
	return itemFailed
}

// plaintextPayload reverses storage encodings: decrypt, then
// decompress. Encoded payloads are stored as JSON strings.
func (e *Engine) plaintextPayload(req *models.QueuedRequest) (json.RawMessage, error) {
	payload := []byte(req.Payload)
	if req.Encrypted {
		if e.crypto == nil {
			return nil, apperrors.New(apperrors.ErrEncryption, "no encryption provider configured")
		}
		var ciphertext string
		if err := json.Unmarshal(payload, &ciphertext); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrEncryption, "malformed ciphertext envelope", err)
		}
		decrypted, err := e.crypto.DecryptPayload(ciphertext)
		if err != nil {
			return nil, err
		}
		payload = decrypted
	}
	if req.Compressed {
		if !req.Encrypted {
			var encoded string
			if err := json.Unmarshal(payload, &encoded); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInternal, "malformed compressed envelope", err)
			}
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInternal, "malformed compressed payload", err)
			}
			payload = raw
		}
		decompressed, err := compress.Gunzip(payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
	}
	return payload, nil
}

// Backoff computes the deterministic delay before the retry following
// retryCount prior failures: min(base * 2^retryCount, maxDelay).
func (e *Engine) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}
	delay := e.baseDelay << uint(retryCount)
	if delay > e.maxDelay || delay <= 0 {
		delay = e.maxDelay
	}
	return delay
}

// BackoffWithJitter adds up to 30% random jitter to the deterministic
// delay so devices recovering together don't retry in lockstep.
func (e *Engine) BackoffWithJitter(retryCount int) time.Duration {
	delay := e.Backoff(retryCount)
	return delay + time.Duration(rand.Float64()*0.3*float64(delay))
}

// scheduleRetry arms a tracked timer that returns the request to
// pending once the delay elapses, then nudges a sync pass.
func (e *Engine) scheduleRetry(id string, delay time.Duration) {
	e.timersMu.Lock()
	if e.closed {
		e.timersMu.Unlock()
		return
	}
	if existing, ok := e.timers[id]; ok {
		existing.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.timersMu.Lock()
		delete(e.timers, id)
		closed := e.closed
		e.timersMu.Unlock()
		if closed {
			return
		}
		if err := e.queue.ResetForRetry(id); err != nil {
			return
		}
		if e.Online() {
			go e.Sync(context.Background(), "")
		}
	})
	e.timersMu.Unlock()
}

// Status is a snapshot of engine state for diagnostics.
type Status struct {
	Syncing      bool      `json:"syncing"`
	Online       bool      `json:"online"`
	LastSync     time.Time `json:"last_sync"`
	LastError    string    `json:"last_error,omitempty"`
	PendingRetry int       `json:"pending_retries"`
}

// Status returns the current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		Syncing:  e.syncing,
		Online:   e.online,
		LastSync: e.lastSync,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	e.timersMu.Lock()
	s.PendingRetry = len(e.timers)
	e.timersMu.Unlock()
	return s
}

// Close cancels every scheduled retry timer. The queue's write-through
// persistence means no extra flush is required.
func (e *Engine) Close() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}
