// Package api issues bearer-authenticated requests to the docsync
// backend, transparently retrying once on token expiry.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mfinley/docsync/internal/auth"
	apperrors "github.com/mfinley/docsync/internal/errors"
)

const (
	// subscriptionCacheTTL bounds how often the subscription status
	// endpoint is actually hit.
	subscriptionCacheTTL = 5 * time.Minute

	subscriptionCacheKey = "subscription_status"
)

// RawBody is a prepared non-JSON request body, e.g. a multipart
// upload. Data is buffered so the request can be retried after a
// token refresh.
type RawBody struct {
	ContentType string
	Data        []byte
}

// Client talks to the docsync REST API. All calls require an active
// session; a 401 response triggers exactly one forced token refresh
// and retry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.RWMutex
	session *auth.Session

	subCache *gocache.Cache
}

// NewClient creates an API client against the given base URL.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		subCache:   gocache.New(subscriptionCacheTTL, 10*time.Minute),
	}
}

// SetSession installs the active session. Passing nil signs the
// client out; subsequent calls fail with ErrUnauthenticated.
func (c *Client) SetSession(s *auth.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	c.subCache.Flush()
}

// Session returns the active session, or nil.
func (c *Client) Session() *auth.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.session
}

// Call performs an authenticated request and returns the response
// body. body may be nil, a *RawBody, or any JSON-marshallable value.
// Failures are classified per the error taxonomy: ErrUnauthenticated
// (no session), ErrUnauthorized (401 survived a refresh), *APIError
// (other non-2xx), ErrNetwork (transport).
func (c *Client) Call(ctx context.Context, method, path string, body any) ([]byte, error) {
	sess := c.Session()
	if sess == nil {
		return nil, apperrors.ErrUnauthenticated
	}

	payload, contentType, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	token, err := sess.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	requestID := uuid.NewString()

	respBody, status, err := c.do(ctx, method, path, payload, contentType, token, requestID)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		// Token likely expired mid-session: force a refresh and retry
		// exactly once.
		c.logger.Debug("401 response, refreshing token",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("request_id", requestID),
		)

		token, err = sess.Tokens.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("refreshing token: %w", err)
		}

		respBody, status, err = c.do(ctx, method, path, payload, contentType, token, requestID)
		if err != nil {
			return nil, err
		}

		if status == http.StatusUnauthorized {
			return nil, apperrors.ErrUnauthorized
		}
	}

	if status < 200 || status > 299 {
		return nil, &apperrors.APIError{StatusCode: status, Body: string(respBody)}
	}

	return respBody, nil
}

// do issues a single HTTP request attempt.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, contentType, token, requestID string) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", requestID)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, apperrors.Network(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, apperrors.Network(err)
	}

	return respBody, resp.StatusCode, nil
}

// callJSON performs Call and decodes the response into result when
// result is non-nil.
func (c *Client) callJSON(ctx context.Context, method, path string, body, result any) error {
	respBody, err := c.Call(ctx, method, path, body)
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}

	return nil
}

// encodeBody turns the body argument into wire bytes plus content type.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case *RawBody:
		return b.Data, b.ContentType, nil
	default:
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("marshalling request body: %w", err)
		}

		return payload, "application/json", nil
	}
}
