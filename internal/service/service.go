// Package service is the application-facing surface of the sync core.
// It validates and authorizes every submission, applies the storage
// encodings, and routes between direct execution and the offline queue.
package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kyawswar/orderpad/internal/access"
	"github.com/kyawswar/orderpad/internal/apperrors"
	"github.com/kyawswar/orderpad/internal/audit"
	"github.com/kyawswar/orderpad/internal/compress"
	"github.com/kyawswar/orderpad/internal/crypto"
	"github.com/kyawswar/orderpad/internal/httpexec"
	"github.com/kyawswar/orderpad/internal/logging"
	"github.com/kyawswar/orderpad/internal/models"
	"github.com/kyawswar/orderpad/internal/sync/conflict"
	"github.com/kyawswar/orderpad/internal/sync/engine"
	"github.com/kyawswar/orderpad/internal/sync/queue"
	"github.com/kyawswar/orderpad/internal/validate"
)

// QueueInput is a request submission. Payload must be plaintext JSON;
// the service handles compression and encryption.
type QueueInput struct {
	EntityType   models.EntityType `validate:"required"`
	Action       models.Action     `validate:"required"`
	Method       string            // derived from Action when empty
	Endpoint     string            `validate:"required"`
	Payload      json.RawMessage
	RestaurantID string `validate:"required"`
	UserID       string `validate:"required"`

	// Optional overrides; zero values take the per-entity defaults.
	Priority     *models.Priority
	Strategy     models.ConflictStrategy
	MaxRetries   int
	Dependencies []string

	// Version marker of the local copy at submission time, used for
	// divergence detection during replay.
	LocalVersion  int64
	LocalModified int64
}

// Options carries the service's feature switches.
type Options struct {
	EnableEncryption  bool
	EnableCompression bool
	MaxRetries        int
	// ConflictOverrides replaces per-entity default strategies.
	ConflictOverrides map[models.EntityType]models.ConflictStrategy
	// SyncOnEnqueue starts a background sync pass after each successful
	// enqueue while online.
	SyncOnEnqueue bool
}

// OfflineService coordinates the queue, the engine and the conflict
// holding area behind one API.
type OfflineService struct {
	validator *validate.Validator
	access    *access.Controller
	queue     *queue.Manager
	engine    *engine.Engine
	resolver  *conflict.Resolver
	crypto    *crypto.Provider
	audit     *audit.Log
	exec      httpexec.Executor
	opts      Options
}

// New assembles the service.
func New(v *validate.Validator, ac *access.Controller, q *queue.Manager, eng *engine.Engine, resolver *conflict.Resolver, cp *crypto.Provider, auditLog *audit.Log, exec httpexec.Executor, opts Options) *OfflineService {
	return &OfflineService{
		validator: v,
		access:    ac,
		queue:     q,
		engine:    eng,
		resolver:  resolver,
		crypto:    cp,
		audit:     auditLog,
		exec:      exec,
		opts:      opts,
	}
}

// QueueRequest validates, authorizes and enqueues a request for
// eventual delivery. Returns the queued request id.
func (s *OfflineService) QueueRequest(ctx context.Context, input QueueInput) (string, error) {
	req, err := s.buildRequest(ctx, input)
	if err != nil {
		return "", err
	}

	id, err := s.queue.Enqueue(req)
	if err != nil {
		return "", err
	}

	if s.opts.SyncOnEnqueue && s.engine.Online() {
		go func() {
			if _, err := s.engine.Sync(context.Background(), ""); err != nil &&
				!errors.Is(err, engine.ErrSyncInProgress) && !errors.Is(err, engine.ErrOffline) {
				logging.Error("post-enqueue sync failed", err, nil)
			}
		}()
	}
	return id, nil
}

// ExecuteWithOfflineFallback attempts the request directly while
// online; transport failures and retryable server errors fall back to
// the queue instead of surfacing to the caller. When the request is
// queued, the caller-supplied fallback response (typically an
// optimistic local result) is returned alongside the queued id; the id
// is empty when the request was delivered directly.
func (s *OfflineService) ExecuteWithOfflineFallback(ctx context.Context, input QueueInput, fallback *httpexec.Response) (*httpexec.Response, string, error) {
	req, err := s.buildRequest(ctx, input)
	if err != nil {
		return nil, "", err
	}

	if s.engine.Online() {
		headers := map[string]string{
			httpexec.HeaderIdempotencyKey: req.Idempotency,
			httpexec.HeaderRestaurantID:   req.RestaurantID,
		}
		resp, execErr := s.exec.Execute(ctx, req.Method, req.Endpoint, headers, input.Payload)
		if execErr == nil {
			if resp.OK() {
				return resp, "", nil
			}
			if statusErr := apperrors.FromStatus(resp.StatusCode); !apperrors.Retryable(statusErr) {
				return resp, "", statusErr
			}
		}
		logging.Warn("direct execution failed, queueing for retry", map[string]interface{}{
			"endpoint": req.Endpoint,
		})
	}

	id, err := s.queue.Enqueue(req)
	if err != nil {
		return nil, "", err
	}
	return fallback, id, nil
}

// buildRequest runs the full admission pipeline: validation, access
// control, defaults, then storage encodings.
func (s *OfflineService) buildRequest(ctx context.Context, input QueueInput) (*models.QueuedRequest, error) {
	if err := s.validator.Struct(input); err != nil {
		return nil, err
	}
	if !input.EntityType.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", input.EntityType)
	}
	if !input.Action.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown action %q", input.Action)
	}

	restaurantID, err := s.validator.Identifier("restaurant id", input.RestaurantID)
	if err != nil {
		return nil, err
	}
	userID, err := s.validator.Identifier("user id", input.UserID)
	if err != nil {
		return nil, err
	}
	endpoint, err := s.validator.Endpoint(input.Endpoint)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Payload(input.Payload); err != nil {
		return nil, err
	}

	if err := s.access.CanAct(ctx, userID, restaurantID); err != nil {
		return nil, err
	}

	method := input.Method
	if method == "" {
		method = defaultMethod(input.Action)
	}

	req, err := models.NewQueuedRequest(input.EntityType, input.Action, method, endpoint, input.Payload, restaurantID, userID)
	if err != nil {
		return nil, err
	}

	if input.Priority != nil {
		if !input.Priority.Valid() {
			return nil, apperrors.Newf(apperrors.ErrValidation, "invalid priority %d", *input.Priority)
		}
		req.Priority = *input.Priority
	}
	if input.Strategy != "" {
		if !input.Strategy.Valid() {
			return nil, apperrors.Newf(apperrors.ErrValidation, "unknown conflict strategy %q", input.Strategy)
		}
		req.Conflict = input.Strategy
	} else if override, ok := s.opts.ConflictOverrides[input.EntityType]; ok {
		req.Conflict = override
	}
	if input.MaxRetries > 0 {
		req.MaxRetries = input.MaxRetries
	} else if s.opts.MaxRetries > 0 {
		req.MaxRetries = s.opts.MaxRetries
	}
	req.Dependencies = input.Dependencies
	req.LocalVersion = input.LocalVersion
	req.LocalModified = input.LocalModified
	if req.LocalModified == 0 {
		req.LocalModified = req.Timestamp
	}

	if err := s.encodePayload(req); err != nil {
		return nil, err
	}
	return req, nil
}

// encodePayload applies the storage encodings in order: gzip for large
// payloads, then encryption for sensitive entity types. The checksum
// and idempotency key were already derived over the plaintext. Encoded
// payloads are stored as JSON strings so the request still serializes
// as a plain JSON document.
func (s *OfflineService) encodePayload(req *models.QueuedRequest) error {
	if len(req.Payload) == 0 {
		return nil
	}

	payload := []byte(req.Payload)

	if s.opts.EnableCompression && len(payload) >= compress.MinSize {
		compressed, err := compress.Gzip(payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "payload compression failed", err)
		}
		payload = compressed
		req.Compressed = true
	}

	switch {
	case s.opts.EnableEncryption && req.EntityType.Sensitive():
		if s.crypto == nil {
			return apperrors.New(apperrors.ErrEncryption, "encryption enabled but no provider configured")
		}
		ciphertext, err := s.crypto.EncryptPayload(payload)
		if err != nil {
			if s.audit != nil {
				s.audit.Record(audit.EventEncryptionFailed, map[string]interface{}{
					"entity_type": string(req.EntityType),
				})
			}
			return apperrors.Wrap(apperrors.ErrEncryption, "payload encryption failed", err)
		}
		quoted, err := json.Marshal(ciphertext)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode ciphertext", err)
		}
		payload = quoted
		req.Encrypted = true

	case req.Compressed:
		quoted, err := json.Marshal(base64.StdEncoding.EncodeToString(payload))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode compressed payload", err)
		}
		payload = quoted
	}

	req.Payload = payload
	return nil
}

func defaultMethod(action models.Action) string {
	switch action {
	case models.ActionCreate, models.ActionSync, models.ActionBatch:
		return http.MethodPost
	case models.ActionUpdate:
		return http.MethodPut
	case models.ActionDelete:
		return http.MethodDelete
	default:
		return http.MethodPost
	}
}

// SyncQueue runs an immediate sync pass for one tenant, or all tenants
// when restaurantID is empty.
func (s *OfflineService) SyncQueue(ctx context.Context, restaurantID string) (*engine.Result, error) {
	return s.engine.Sync(ctx, restaurantID)
}

// SetOnline reports a network-state change.
func (s *OfflineService) SetOnline(online bool) {
	s.engine.SetOnline(online)
}

// GetStatistics returns a snapshot of queue composition.
func (s *OfflineService) GetStatistics() queue.Statistics {
	return s.queue.Stats()
}

// EngineStatus returns the engine's diagnostic snapshot.
func (s *OfflineService) EngineStatus() engine.Status {
	return s.engine.Status()
}

// GetRequest returns a copy of one queued request.
func (s *OfflineService) GetRequest(id string) (*models.QueuedRequest, bool) {
	return s.queue.Get(id)
}

// CancelRequest removes a request that has not started delivery.
func (s *OfflineService) CancelRequest(id string) error {
	return s.queue.Cancel(id)
}

// RetryFailedRequests resets all terminally failed requests for another
// full round of attempts. Returns the number reset.
func (s *OfflineService) RetryFailedRequests() int {
	return s.queue.RetryFailed()
}

// GetConflicts lists recorded conflicts for a tenant, or all tenants
// when restaurantID is empty.
func (s *OfflineService) GetConflicts(restaurantID string) ([]*models.ConflictInfo, error) {
	return s.resolver.Conflicts(restaurantID)
}

// ResolveManualConflict settles a held conflict and routes the parked
// request accordingly: keeping local or custom data requeues it with a
// client-wins strategy, keeping server data abandons it.
func (s *OfflineService) ResolveManualConflict(ctx context.Context, conflictID, outcome string, custom json.RawMessage) error {
	info, err := s.resolver.ResolveManual(conflictID, outcome, custom)
	if err != nil {
		return err
	}

	switch outcome {
	case conflict.ManualKeepServer:
		if err := s.queue.Complete(info.RequestID); err != nil &&
			apperrors.CodeOf(err) != apperrors.ErrNotFound {
			return err
		}
		return nil
	default:
		// The already-detected conflict is settled; client-wins stops
		// the resolver from re-holding the same divergence on replay.
		if err := s.queue.Requeue(info.RequestID, info.ResolvedValue, models.StrategyClientWins); err != nil {
			return err
		}
		if s.opts.SyncOnEnqueue && s.engine.Online() {
			go s.engine.Sync(context.Background(), "")
		}
		return nil
	}
}

// ClearQueue removes every queued request for a tenant, or all tenants
// when restaurantID is empty. Returns the number removed.
func (s *OfflineService) ClearQueue(restaurantID string) int {
	return s.queue.Clear(restaurantID)
}

// RotateEncryptionKey rotates the payload key; entries encrypted under
// the previous key remain readable.
func (s *OfflineService) RotateEncryptionKey() error {
	if s.crypto == nil {
		return apperrors.New(apperrors.ErrEncryption, "no encryption provider configured")
	}
	if err := s.crypto.RotateKey(); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Record(audit.EventKeyRotated, nil)
	}
	return nil
}

// Close releases background resources. The queue itself persists
// through the store and needs no flush.
func (s *OfflineService) Close() {
	s.engine.Close()
	s.access.Close()
}
