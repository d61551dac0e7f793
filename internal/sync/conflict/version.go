package conflict

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kyawswar/orderpad/internal/apperrors"
	"github.com/kyawswar/orderpad/internal/httpexec"
)

// VersionInfo is the lightweight server-state marker divergence
// detection compares against.
type VersionInfo struct {
	// Found is false when the entity no longer exists on the server.
	Found bool
	// Version is the server's version number, 0 when unknown.
	Version int64
	// LastModified is the server's last-modified timestamp in unix
	// milliseconds, 0 when unknown.
	LastModified int64
	// Snapshot is the full server entity when the lookup happened to
	// fetch it; nil otherwise.
	Snapshot json.RawMessage
}

// VersionLookup fetches the server-side version marker for an entity.
// It is pluggable per deployment: not every entity type exposes a
// dedicated version endpoint.
type VersionLookup interface {
	Version(ctx context.Context, endpoint string) (*VersionInfo, error)
	// Fetch retrieves the full server entity, used by merge resolution.
	Fetch(ctx context.Context, endpoint string) (json.RawMessage, error)
}

// HTTPVersionLookup is the default lookup. It tries the conventional
// "<endpoint>/version" resource first and falls back to fetching the
// entity itself when the convention is not supported.
type HTTPVersionLookup struct {
	exec httpexec.Executor
}

// NewHTTPVersionLookup creates the default lookup over an executor.
func NewHTTPVersionLookup(exec httpexec.Executor) *HTTPVersionLookup {
	return &HTTPVersionLookup{exec: exec}
}

type versionBody struct {
	Version      int64 `json:"version"`
	LastModified int64 `json:"last_modified"`
	UpdatedAt    int64 `json:"updated_at"`
}

func (b versionBody) lastModified() int64 {
	if b.LastModified != 0 {
		return b.LastModified
	}
	return b.UpdatedAt
}

// Version implements VersionLookup.
func (l *HTTPVersionLookup) Version(ctx context.Context, endpoint string) (*VersionInfo, error) {
	resp, err := l.exec.Execute(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/version", nil, nil)
	if err != nil {
		return nil, httpexec.ClassifyTransportError(err)
	}

	switch {
	case resp.OK():
		var body versionBody
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConflict, "unparseable version response", err)
		}
		return &VersionInfo{Found: true, Version: body.Version, LastModified: body.lastModified()}, nil
	case resp.StatusCode == http.StatusNotFound:
		// No version endpoint for this entity type; fall back to the
		// entity itself.
		return l.versionFromEntity(ctx, endpoint)
	default:
		if statusErr := apperrors.FromStatus(resp.StatusCode); statusErr != nil {
			return nil, statusErr
		}
		return nil, apperrors.Newf(apperrors.ErrConflict, "unexpected version status %d", resp.StatusCode)
	}
}

func (l *HTTPVersionLookup) versionFromEntity(ctx context.Context, endpoint string) (*VersionInfo, error) {
	resp, err := l.exec.Execute(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, httpexec.ClassifyTransportError(err)
	}

	switch {
	case resp.OK():
		var body versionBody
		// A body that doesn't carry version markers still proves the
		// entity exists.
		json.Unmarshal(resp.Body, &body)
		return &VersionInfo{
			Found:        true,
			Version:      body.Version,
			LastModified: body.lastModified(),
			Snapshot:     resp.Body,
		}, nil
	case resp.StatusCode == http.StatusNotFound:
		return &VersionInfo{Found: false}, nil
	default:
		if statusErr := apperrors.FromStatus(resp.StatusCode); statusErr != nil {
			return nil, statusErr
		}
		return nil, apperrors.Newf(apperrors.ErrConflict, "unexpected entity status %d", resp.StatusCode)
	}
}

// Fetch implements VersionLookup.
func (l *HTTPVersionLookup) Fetch(ctx context.Context, endpoint string) (json.RawMessage, error) {
	resp, err := l.exec.Execute(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, httpexec.ClassifyTransportError(err)
	}
	if !resp.OK() {
		if statusErr := apperrors.FromStatus(resp.StatusCode); statusErr != nil {
			return nil, statusErr
		}
		return nil, apperrors.Newf(apperrors.ErrConflict, "unexpected fetch status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
