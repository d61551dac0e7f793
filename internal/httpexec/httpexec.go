// Package httpexec is the HTTP execution capability the sync engine
// replays queued requests through. The domain API shapes behind the
// endpoints are an external concern; this layer only attaches auth,
// tenant and idempotency headers and reports the outcome.
package httpexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kyawswar/orderpad/internal/apperrors"
)

// Standard headers attached to replayed requests.
const (
	HeaderRestaurantID   = "X-Restaurant-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// ClassifyTransportError maps a transport-level failure onto the error
// taxonomy: timeouts and cancelled deadlines become timeout errors,
// everything else a network error. Both are retryable.
func ClassifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrTimeout, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrTimeout, "request timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, "network failure", err)
}

// Response is the minimal response shape the engine reasons about.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// OK reports whether the response is a success.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Executor executes an HTTP call. A transport-level failure returns an
// error; any received response, success or not, returns a Response.
type Executor interface {
	Execute(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) (*Response, error)
}

// TokenSource provides the bearer token for outgoing requests.
type TokenSource interface {
	BearerToken() (string, error)
}

// Client is the default Executor on net/http.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewClient creates a client for the given API base URL.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// Execute performs the call. Relative endpoints are resolved against
// the base URL.
func (c *Client) Execute(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) (*Response, error) {
	url := endpoint
	if strings.HasPrefix(endpoint, "/") {
		url = c.baseURL + endpoint
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("httpexec: build request: %w", err)
	}

	if c.tokens != nil {
		token, err := c.tokens.BearerToken()
		if err != nil {
			return nil, fmt.Errorf("httpexec: no bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpexec: read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Header:     resp.Header,
	}, nil
}
