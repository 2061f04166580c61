package auth

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

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/mfinley/docsync/internal/errors"
	"github.com/mfinley/docsync/internal/state"
)

// refreshSkew is how long before the recorded expiry a cached token is
// already considered stale, so a request never goes out with a token
// about to lapse mid-flight.
const refreshSkew = 30 * time.Second

type tokenExchangeRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenExchangeResponse struct {
	AccessToken string `json:"access_token"`
	PrincipalID string `json:"principal_id"`
	ExpiresIn   int    `json:"expires_in"`
}

// CredentialsTokenSource exchanges email/password for bearer tokens at
// POST /api/v1/auth/token and caches the result until near expiry.
// At most one exchange is in flight at a time.
type CredentialsTokenSource struct {
	baseURL    string
	email      string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	// cache persists the token across restarts. May be nil.
	cache *state.State

	mu          sync.Mutex
	token       string
	principalID string
	expiresAt   time.Time
}

// NewCredentialsTokenSource creates a token source for the given
// account. If cache is non-nil, a still-live persisted token is reused
// and fresh tokens are written back. If httpClient is nil,
// http.DefaultClient is used.
func NewCredentialsTokenSource(baseURL, email, password string, httpClient *http.Client, cache *state.State, logger *slog.Logger) *CredentialsTokenSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	ts := &CredentialsTokenSource{
		baseURL:    baseURL,
		email:      email,
		password:   password,
		httpClient: httpClient,
		logger:     logger,
		cache:      cache,
	}

	if cache != nil {
		if cached := cache.Token(); cached != nil {
			ts.token = cached.Token
			ts.principalID = cached.PrincipalID
			ts.expiresAt = cached.ExpiresAt
			logger.Debug("restored cached session token",
				slog.String("principal_id", cached.PrincipalID),
				slog.Time("expires_at", cached.ExpiresAt),
			)
		}
	}

	return ts
}

// SignIn ensures a valid token exists and returns the Session for it.
func (ts *CredentialsTokenSource) SignIn(ctx context.Context) (*Session, error) {
	if _, err := ts.Token(ctx); err != nil {
		return nil, err
	}

	ts.mu.Lock()
	principal := ts.principalID
	ts.mu.Unlock()

	return &Session{PrincipalID: principal, Tokens: ts}, nil
}

// Token returns the cached token, exchanging credentials first when no
// token is cached or the cached one is within the refresh skew of its
// expiry.
func (ts *CredentialsTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expiresAt.Add(-refreshSkew)) {
		return ts.token, nil
	}

	if err := ts.exchangeLocked(ctx); err != nil {
		return "", err
	}

	return ts.token, nil
}

// Refresh discards the cached token and performs a fresh exchange.
func (ts *CredentialsTokenSource) Refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.token = ""

	if err := ts.exchangeLocked(ctx); err != nil {
		return "", err
	}

	return ts.token, nil
}

// SignOut drops the cached token. Best effort; the server invalidates
// tokens by expiry.
func (ts *CredentialsTokenSource) SignOut() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()

	if ts.cache != nil {
		if err := ts.cache.DeleteToken(); err != nil {
			ts.logger.Warn("deleting cached token", slog.String("error", err.Error()))
		}
	}
}

// exchangeLocked performs the credential exchange. Caller holds ts.mu.
func (ts *CredentialsTokenSource) exchangeLocked(ctx context.Context) error {
	payload, err := json.Marshal(tokenExchangeRequest{Email: ts.email, Password: ts.password})
	if err != nil {
		return fmt.Errorf("marshalling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.baseURL+"/api/v1/auth/token", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return apperrors.Network(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Network(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperrors.ErrInvalidCredentials
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &apperrors.APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenExchangeResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}

	if tr.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	ts.token = tr.AccessToken
	ts.principalID = tr.PrincipalID
	ts.expiresAt = tokenExpiry(tr.AccessToken, tr.ExpiresIn)

	ts.logger.Info("token exchanged",
		slog.String("principal_id", tr.PrincipalID),
		slog.Time("expires_at", ts.expiresAt),
	)

	if ts.cache != nil {
		err := ts.cache.SetToken(state.SessionToken{
			PrincipalID: tr.PrincipalID,
			Token:       tr.AccessToken,
			ExpiresAt:   ts.expiresAt,
		})
		if err != nil {
			ts.logger.Warn("persisting session token", slog.String("error", err.Error()))
		}
	}

	return nil
}

// tokenExpiry determines when the token lapses. The JWT exp claim is
// authoritative when the token parses as a JWT (signature is NOT
// verified; the server does that). Otherwise expires_in from the
// exchange response is used.
func tokenExpiry(token string, expiresIn int) time.Time {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}

	// No expiry information at all: force an exchange per skew window.
	return time.Now().Add(refreshSkew * 2)
}
