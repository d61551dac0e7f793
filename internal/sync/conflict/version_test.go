package conflict

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/kyawswar/orderpad/internal/apperrors"
	"github.com/kyawswar/orderpad/internal/httpexec"
)

// routeExecutor answers each request from a path-keyed response table.
type routeExecutor struct {
	responses map[string]*httpexec.Response
	calls     []string
}

func (e *routeExecutor) Execute(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) (*httpexec.Response, error) {
	e.calls = append(e.calls, endpoint)
	if resp, ok := e.responses[endpoint]; ok {
		return resp, nil
	}
	return &httpexec.Response{StatusCode: http.StatusNotFound}, nil
}

func TestVersionEndpoint(t *testing.T) {
	exec := &routeExecutor{responses: map[string]*httpexec.Response{
		"/api/orders/1/version": {StatusCode: http.StatusOK, Body: []byte(`{"version":5,"last_modified":1700000000000}`)},
	}}
	l := NewHTTPVersionLookup(exec)

	info, err := l.Version(context.Background(), "/api/orders/1")
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if !info.Found || info.Version != 5 || info.LastModified != 1700000000000 {
		t.Errorf("Unexpected info: %+v", info)
	}
}

func TestVersionFallsBackToEntity(t *testing.T) {
	exec := &routeExecutor{responses: map[string]*httpexec.Response{
		"/api/orders/1": {StatusCode: http.StatusOK, Body: []byte(`{"version":3,"name":"server"}`)},
	}}
	l := NewHTTPVersionLookup(exec)

	info, err := l.Version(context.Background(), "/api/orders/1")
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if !info.Found || info.Version != 3 {
		t.Errorf("Unexpected info: %+v", info)
	}
	if info.Snapshot == nil || !strings.Contains(string(info.Snapshot), "server") {
		t.Error("Expected the entity body kept as the server snapshot")
	}
}

func TestVersionEntityGone(t *testing.T) {
	exec := &routeExecutor{responses: map[string]*httpexec.Response{}}
	l := NewHTTPVersionLookup(exec)

	info, err := l.Version(context.Background(), "/api/orders/1")
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if info.Found {
		t.Error("Expected Found=false for a 404 entity")
	}
}

func TestFetchRejectsNonOK(t *testing.T) {
	exec := &routeExecutor{responses: map[string]*httpexec.Response{
		"/api/orders/1": {StatusCode: http.StatusFound, Body: []byte("<html>moved</html>")},
	}}
	l := NewHTTPVersionLookup(exec)

	if _, err := l.Fetch(context.Background(), "/api/orders/1"); err == nil {
		t.Fatal("Expected an error for a redirect response")
	}

	exec.responses["/api/orders/1"] = &httpexec.Response{StatusCode: http.StatusServiceUnavailable}
	_, err := l.Fetch(context.Background(), "/api/orders/1")
	if !apperrors.Is(err, apperrors.ErrServer) {
		t.Errorf("Expected a server error for a 503, got %v", err)
	}
}

func TestFetchReturnsBody(t *testing.T) {
	exec := &routeExecutor{responses: map[string]*httpexec.Response{
		"/api/orders/1": {StatusCode: http.StatusOK, Body: []byte(`{"name":"server"}`)},
	}}
	l := NewHTTPVersionLookup(exec)

	body, err := l.Fetch(context.Background(), "/api/orders/1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(body) != `{"name":"server"}` {
		t.Errorf("Unexpected body: %s", body)
	}
}
