// Package auth manages the signed-in session and its bearer tokens.
package auth

import "context"

// TokenSource supplies bearer tokens for the signed-in principal.
// Implementations must be safe for concurrent use.
type TokenSource interface {
	// Token returns a token believed to be currently valid.
	Token(ctx context.Context) (string, error)

	// Refresh discards any cached token and obtains a fresh one.
	// Called by the API client after a 401.
	Refresh(ctx context.Context) (string, error)
}

// Session is the signed-in principal plus its token source. Exactly
// one session is active at a time; its lifecycle gates the push
// channel and the polling fallback.
type Session struct {
	PrincipalID string
	Tokens      TokenSource
}
