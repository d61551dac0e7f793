// Package conflict detects divergence between queued mutations and
// server state before replay, and applies a per-entity-type resolution
// policy so stale local writes never clobber the server blindly.
package conflict

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kyawswar/orderpad/internal/apperrors"
	"github.com/kyawswar/orderpad/internal/audit"
	"github.com/kyawswar/orderpad/internal/logging"
	"github.com/kyawswar/orderpad/internal/models"
	"github.com/kyawswar/orderpad/internal/store"
)

// Outcome is the result of resolving a request against server state.
type Outcome string

const (
	// OutcomeProceed replays the local mutation (possibly merged).
	OutcomeProceed Outcome = "proceed"
	// OutcomeDrop abandons the local mutation. Not an error.
	OutcomeDrop Outcome = "drop"
	// OutcomeHold parks the request for manual resolution.
	OutcomeHold Outcome = "hold"
)

// Resolution carries the outcome and, for merges, the payload that
// should be sent instead of the original.
type Resolution struct {
	Outcome Outcome
	// Payload replaces the request payload when non-nil.
	Payload json.RawMessage
	Info    *models.ConflictInfo
}

// Resolver applies conflict detection and resolution. Held conflicts
// are persisted per tenant in the conflict area of the store.
type Resolver struct {
	lookup VersionLookup
	kv     store.KV
	audit  *audit.Log
}

// NewResolver creates a resolver over a version-lookup capability.
func NewResolver(lookup VersionLookup, kv store.KV, auditLog *audit.Log) *Resolver {
	return &Resolver{lookup: lookup, kv: kv, audit: auditLog}
}

// Resolve checks a request against server state. payload is the
// decrypted plaintext payload; req.Payload may still be ciphertext.
// Create, sync and batch actions skip detection entirely: there is
// nothing on the server to conflict with.
func (r *Resolver) Resolve(ctx context.Context, req *models.QueuedRequest, payload json.RawMessage) (*Resolution, error) {
	if !req.Action.Mutating() {
		return &Resolution{Outcome: OutcomeProceed}, nil
	}

	info, err := r.lookup.Version(ctx, req.Endpoint)
	if err != nil {
		return nil, err
	}

	if !info.Found {
		return r.resolveDeleted(ctx, req, payload)
	}

	if !diverged(req, info) {
		return &Resolution{Outcome: OutcomeProceed}, nil
	}

	ctype := models.ConflictConcurrentUpdate
	if info.Version != 0 && req.LocalVersion != 0 && info.Version != req.LocalVersion {
		ctype = models.ConflictVersionMismatch
	}

	logging.Warn("conflict detected", map[string]interface{}{
		"request_id":     req.ID,
		"entity_type":    string(req.EntityType),
		"type":           string(ctype),
		"strategy":       string(req.Conflict),
		"local_modified": req.LocalModified,
		"server_version": info.Version,
	})
	if r.audit != nil {
		r.audit.Record(audit.EventConflictDetected, map[string]interface{}{
			"request_id":  req.ID,
			"entity_type": string(req.EntityType),
			"type":        string(ctype),
			"strategy":    string(req.Conflict),
		})
	}

	return r.applyStrategy(ctx, req, payload, info, ctype)
}

// diverged reports whether server state moved since the local snapshot
// was captured at enqueue time.
func diverged(req *models.QueuedRequest, info *VersionInfo) bool {
	if info.Version != 0 && req.LocalVersion != 0 {
		return info.Version != req.LocalVersion
	}
	if info.LastModified != 0 {
		return info.LastModified > req.LocalModified
	}
	return false
}

func (r *Resolver) resolveDeleted(ctx context.Context, req *models.QueuedRequest, payload json.RawMessage) (*Resolution, error) {
	if req.Action == models.ActionDelete {
		// Target already gone; the intent is satisfied.
		info := r.record(req, models.ConflictDeletedOnServer, payload, nil, "already_deleted", true)
		return &Resolution{Outcome: OutcomeDrop, Info: info}, nil
	}

	switch req.Conflict {
	case models.StrategyClientWins:
		return &Resolution{Outcome: OutcomeProceed}, nil
	case models.StrategyManual, models.StrategyMerge:
		// Nothing server-side to merge with; a human decides.
		info := r.record(req, models.ConflictDeletedOnServer, payload, nil, "", false)
		return &Resolution{Outcome: OutcomeHold, Info: info}, nil
	default:
		// SERVER_WINS and LAST_WRITE_WINS: the deletion stands.
		info := r.record(req, models.ConflictDeletedOnServer, payload, nil, "server_wins", true)
		return &Resolution{Outcome: OutcomeDrop, Info: info}, nil
	}
}

func (r *Resolver) applyStrategy(ctx context.Context, req *models.QueuedRequest, payload json.RawMessage, info *VersionInfo, ctype models.ConflictType) (*Resolution, error) {
	switch req.Conflict {
	case models.StrategyServerWins:
		rec := r.record(req, ctype, payload, info.Snapshot, "server_wins", true)
		return &Resolution{Outcome: OutcomeDrop, Info: rec}, nil

	case models.StrategyClientWins:
		return &Resolution{Outcome: OutcomeProceed}, nil

	case models.StrategyLastWriteWins:
		// Enqueue time against the server's last-modified; local wins
		// ties.
		if req.Timestamp >= info.LastModified {
			return &Resolution{Outcome: OutcomeProceed}, nil
		}
		rec := r.record(req, ctype, payload, info.Snapshot, "server_newer", true)
		return &Resolution{Outcome: OutcomeDrop, Info: rec}, nil

	case models.StrategyMerge:
		server := info.Snapshot
		if server == nil {
			fetched, err := r.lookup.Fetch(ctx, req.Endpoint)
			if err != nil {
				return nil, err
			}
			server = fetched
		}
		merged, err := MergePayloads(payload, server)
		if err != nil {
			// Non-object payloads can't be merged field-wise; hold
			// for a human instead of guessing.
			rec := r.record(req, ctype, payload, server, "", false)
			return &Resolution{Outcome: OutcomeHold, Info: rec}, nil
		}
		rec := r.record(req, ctype, payload, server, "merged", true)
		rec.ResolvedValue = merged
		r.persist(rec)
		return &Resolution{Outcome: OutcomeProceed, Payload: merged, Info: rec}, nil

	case models.StrategyManual:
		rec := r.record(req, ctype, payload, info.Snapshot, "", false)
		return &Resolution{Outcome: OutcomeHold, Info: rec}, nil

	default:
		return nil, apperrors.Newf(apperrors.ErrConflict,
			"unknown conflict strategy %q", req.Conflict)
	}
}

// MergePayloads performs a field-level union: fields present in the
// local payload overwrite the server snapshot, everything else is taken
// from the server. Both payloads must be JSON objects.
func MergePayloads(local, server json.RawMessage) (json.RawMessage, error) {
	var localMap, serverMap map[string]json.RawMessage
	if err := json.Unmarshal(local, &localMap); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflict, "local payload is not an object", err)
	}
	if err := json.Unmarshal(server, &serverMap); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflict, "server snapshot is not an object", err)
	}
	if serverMap == nil {
		serverMap = make(map[string]json.RawMessage)
	}
	for k, v := range localMap {
		serverMap[k] = v
	}
	merged, err := json.Marshal(serverMap)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflict, "failed to serialize merge", err)
	}
	return merged, nil
}

// record builds a ConflictInfo and persists it to the holding area.
func (r *Resolver) record(req *models.QueuedRequest, ctype models.ConflictType, local, server json.RawMessage, resolution string, resolved bool) *models.ConflictInfo {
	info := models.NewConflictInfo(req, ctype, req.Conflict, local, server)
	info.Resolution = resolution
	info.Resolved = resolved
	if resolved {
		info.ResolvedAt = time.Now().UnixMilli()
	}
	r.persist(info)
	return info
}

func (r *Resolver) persist(info *models.ConflictInfo) {
	if r.kv == nil {
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := r.kv.Set(store.ConflictKey(info.RestaurantID, info.ID), data); err != nil {
		logging.Warn("failed to persist conflict record", map[string]interface{}{
			"conflict_id": info.ID, "error": err.Error(),
		})
	}
}

// Conflicts lists recorded conflicts for a tenant, or all tenants when
// restaurantID is empty. Unresolved entries are the ones awaiting
// manual resolution.
func (r *Resolver) Conflicts(restaurantID string) ([]*models.ConflictInfo, error) {
	keys, err := r.kv.ListKeys(store.ConflictPrefix(restaurantID))
	if err != nil {
		return nil, err
	}

	var out []*models.ConflictInfo
	for _, key := range keys {
		data, err := r.kv.Get(key)
		if err != nil {
			continue
		}
		var info models.ConflictInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		out = append(out, &info)
	}
	return out, nil
}

// Manual resolution outcomes.
const (
	ManualKeepLocal  = "local"
	ManualKeepServer = "server"
	ManualCustom     = "custom"
)

// ResolveManual settles a held conflict. Returns the updated record;
// the caller decides what happens to the parked request (requeue for
// local/custom, remove for server).
func (r *Resolver) ResolveManual(conflictID, outcome string, custom json.RawMessage) (*models.ConflictInfo, error) {
	info, key, err := r.find(conflictID)
	if err != nil {
		return nil, err
	}
	if info.Resolved {
		return nil, apperrors.Newf(apperrors.ErrConflict, "conflict %s is already resolved", conflictID)
	}

	switch outcome {
	case ManualKeepLocal:
		info.ResolvedValue = info.LocalSnapshot
	case ManualKeepServer:
		info.ResolvedValue = info.ServerSnapshot
	case ManualCustom:
		if len(custom) == 0 {
			return nil, apperrors.New(apperrors.ErrValidation, "custom resolution requires data")
		}
		info.ResolvedValue = custom
	default:
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown resolution outcome %q", outcome)
	}

	info.Resolution = outcome
	info.Resolved = true
	info.ResolvedAt = time.Now().UnixMilli()

	data, err := json.Marshal(info)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to serialize conflict", err)
	}
	if err := r.kv.Set(key, data); err != nil {
		return nil, err
	}

	if r.audit != nil {
		r.audit.Record(audit.EventConflictResolved, map[string]interface{}{
			"conflict_id": info.ID,
			"request_id":  info.RequestID,
			"outcome":     outcome,
		})
	}
	return info, nil
}

func (r *Resolver) find(conflictID string) (*models.ConflictInfo, string, error) {
	keys, err := r.kv.ListKeys(store.ConflictPrefix(""))
	if err != nil {
		return nil, "", err
	}
	for _, key := range keys {
		data, err := r.kv.Get(key)
		if err != nil {
			continue
		}
		var info models.ConflictInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		if info.ID == conflictID {
			return &info, key, nil
		}
	}
	return nil, "", apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", conflictID)
}
