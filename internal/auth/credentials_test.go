package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mfinley/docsync/internal/errors"
	"github.com/mfinley/docsync/internal/state"
)

// signedJWT mints a real JWT with the given expiry so tokenExpiry can
// read the exp claim.
func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u-1",
		"exp": exp.Unix(),
	})

	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return signed
}

// tokenServer returns an httptest server answering the exchange
// endpoint with the given token and a counter of exchanges performed.
func tokenServer(t *testing.T, token string, expiresIn int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/auth/token", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req tokenExchangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		calls.Add(1)
		json.NewEncoder(w).Encode(tokenExchangeResponse{
			AccessToken: token,
			PrincipalID: "u-1",
			ExpiresIn:   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func newSource(srv *httptest.Server, cache *state.State) *CredentialsTokenSource {
	return NewCredentialsTokenSource(srv.URL, "me@example.com", "secret", srv.Client(), cache, slog.Default())
}

func TestToken_ExchangesOnceAndCaches(t *testing.T) {
	srv, calls := tokenServer(t, "opaque-token", 3600)
	ts := newSource(srv, nil)

	tok1, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok1)

	tok2, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)

	assert.Equal(t, int32(1), calls.Load(), "second Token call should hit the cache")
}

func TestToken_RefreshesWhenWithinSkew(t *testing.T) {
	// expires_in of 10s is inside the 30s refresh skew, so every call
	// triggers an exchange.
	srv, calls := tokenServer(t, "opaque-token", 10)
	ts := newSource(srv, nil)

	_, err := ts.Token(context.Background())
	require.NoError(t, err)
	_, err = ts.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestToken_UsesJWTExpClaim(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	srv, _ := tokenServer(t, signedJWT(t, exp), 0)
	ts := newSource(srv, nil)

	_, err := ts.Token(context.Background())
	require.NoError(t, err)

	assert.WithinDuration(t, exp, ts.expiresAt, time.Second)
}

func TestRefresh_ForcesExchange(t *testing.T) {
	srv, calls := tokenServer(t, "opaque-token", 3600)
	ts := newSource(srv, nil)

	_, err := ts.Token(context.Background())
	require.NoError(t, err)

	_, err = ts.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestToken_InvalidCredentials(t *testing.T) {
	srv, _ := tokenServer(t, "unused", 3600)
	ts := NewCredentialsTokenSource(srv.URL, "me@example.com", "wrong", srv.Client(), nil, slog.Default())

	_, err := ts.Token(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestToken_ServerErrorSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	ts := NewCredentialsTokenSource(srv.URL, "me@example.com", "secret", srv.Client(), nil, slog.Default())

	_, err := ts.Token(context.Background())

	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "upstream down")
}

func TestToken_NetworkError(t *testing.T) {
	srv, _ := tokenServer(t, "unused", 3600)
	srv.Close() // refuse connections

	ts := NewCredentialsTokenSource(srv.URL, "me@example.com", "secret", http.DefaultClient, nil, slog.Default())

	_, err := ts.Token(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}

func TestSignIn_ReturnsSessionWithPrincipal(t *testing.T) {
	srv, _ := tokenServer(t, "opaque-token", 3600)
	ts := newSource(srv, nil)

	sess, err := ts.SignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u-1", sess.PrincipalID)
	assert.NotNil(t, sess.Tokens)
}

func TestTokenSource_PersistsAndRestoresFromCache(t *testing.T) {
	cache, err := state.Load(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	srv, calls := tokenServer(t, "opaque-token", 3600)

	ts := newSource(srv, cache)
	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	// A fresh source over the same cache reuses the persisted token.
	ts2 := newSource(srv, cache)
	tok, err := ts2.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", tok)
	assert.Equal(t, int32(1), calls.Load(), "restored token should avoid a new exchange")
}

func TestSignOut_DropsCachedToken(t *testing.T) {
	cache, err := state.Load(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	srv, calls := tokenServer(t, "opaque-token", 3600)
	ts := newSource(srv, cache)

	_, err = ts.Token(context.Background())
	require.NoError(t, err)

	ts.SignOut()
	assert.Nil(t, cache.Token())

	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "sign-out should force a fresh exchange")
}
