package api

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// SubscriptionStatus is the account's billing state.
type SubscriptionStatus struct {
	Active   bool      `json:"active"`
	Plan     string    `json:"plan"`
	RenewsAt time.Time `json:"renews_at"`
}

// CreateUserRequest is the payload for account creation.
type CreateUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Subscription fetches the account's subscription status. Responses
// are cached for a few minutes; pass force to bypass the cache.
func (c *Client) Subscription(ctx context.Context, force bool) (SubscriptionStatus, error) {
	if !force {
		if cached, ok := c.subCache.Get(subscriptionCacheKey); ok {
			return cached.(SubscriptionStatus), nil
		}
	}

	var status SubscriptionStatus
	if err := c.callJSON(ctx, http.MethodGet, "/api/v1/subscriptions/status", nil, &status); err != nil {
		return SubscriptionStatus{}, fmt.Errorf("fetching subscription status: %w", err)
	}

	c.subCache.SetDefault(subscriptionCacheKey, status)

	return status, nil
}

// CreateUser registers a new account.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) error {
	if err := c.callJSON(ctx, http.MethodPost, "/api/v1/users", req, nil); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}
