package httpexec

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kyawswar/orderpad/internal/apperrors"
)

type staticTokens struct{ token string }

func (s staticTokens) BearerToken() (string, error) {
	if s.token == "" {
		return "", errors.New("no session")
	}
	return s.token, nil
}

func TestExecuteAttachesHeaders(t *testing.T) {
	var got http.Header
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"o-1"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, staticTokens{token: "tok-123"})
	resp, err := client.Execute(context.Background(), http.MethodPost, "/api/orders", map[string]string{
		HeaderIdempotencyKey: "idem-1",
		HeaderRestaurantID:   "rest-1",
	}, []byte(`{"table":4}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !resp.OK() || resp.StatusCode != http.StatusCreated {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if string(resp.Body) != `{"id":"o-1"}` {
		t.Errorf("Unexpected body: %s", resp.Body)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/orders" {
		t.Errorf("Unexpected request line: %s %s", gotMethod, gotPath)
	}
	if got.Get("Authorization") != "Bearer tok-123" {
		t.Errorf("Missing bearer token, got %q", got.Get("Authorization"))
	}
	if got.Get(HeaderIdempotencyKey) != "idem-1" || got.Get(HeaderRestaurantID) != "rest-1" {
		t.Error("Replay headers not attached")
	}
	if got.Get("Content-Type") != "application/json" {
		t.Errorf("Unexpected content type %q", got.Get("Content-Type"))
	}
}

func TestExecuteReturnsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, nil)
	resp, err := client.Execute(context.Background(), http.MethodGet, "/api/health", nil, nil)
	if err != nil {
		t.Fatalf("Expected a response, not a transport error: %v", err)
	}
	if resp.OK() || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestExecuteFailsWithoutToken(t *testing.T) {
	client := NewClient("http://unreachable.invalid", time.Second, staticTokens{})
	if _, err := client.Execute(context.Background(), http.MethodGet, "/api/orders", nil, nil); err == nil {
		t.Error("Expected error when the token source has no session")
	}
}

func TestOK(t *testing.T) {
	for _, status := range []int{200, 201, 204, 299} {
		if !(&Response{StatusCode: status}).OK() {
			t.Errorf("Expected %d to be OK", status)
		}
	}
	for _, status := range []int{199, 300, 400, 500} {
		if (&Response{StatusCode: status}).OK() {
			t.Errorf("Expected %d not to be OK", status)
		}
	}
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestClassifyTransportError(t *testing.T) {
	if code := apperrors.CodeOf(ClassifyTransportError(context.DeadlineExceeded)); code != apperrors.ErrTimeout {
		t.Errorf("Expected deadline to classify as timeout, got %s", code)
	}
	var netErr net.Error = timeoutNetErr{}
	if code := apperrors.CodeOf(ClassifyTransportError(netErr)); code != apperrors.ErrTimeout {
		t.Errorf("Expected net timeout to classify as timeout, got %s", code)
	}
	if code := apperrors.CodeOf(ClassifyTransportError(errors.New("connection refused"))); code != apperrors.ErrNetwork {
		t.Errorf("Expected plain transport error to classify as network, got %s", code)
	}
	for _, err := range []error{ClassifyTransportError(context.DeadlineExceeded), ClassifyTransportError(errors.New("reset"))} {
		if !apperrors.Retryable(err) {
			t.Errorf("Expected transport failures to be retryable: %v", err)
		}
	}
}
