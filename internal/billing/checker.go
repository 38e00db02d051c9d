package billing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"temerio/api/internal/rbac"
)

const checkSubscriptionFn = "check-subscription"

type invoker interface {
	Invoke(ctx context.Context, function, token string, body, out any) error
	InvokeOnce(ctx context.Context, function, token string, body, out any) error
}

// Caller is the authenticated user a billing call is made for. Token is
// forwarded to the billing functions. SessionID and ExpiresAt describe the
// session the token belongs to; a zero ExpiresAt never expires.
type Caller struct {
	UserID    string
	SessionID string
	Token     string
	Roles     []string
	ExpiresAt time.Time
}

// Key identifies the caller's session, falling back to the user id for
// callers without one.
func (c Caller) Key() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.UserID
}

func (c Caller) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type Status struct {
	Subscribed      bool       `json:"subscribed"`
	ProductID       string     `json:"product_id,omitempty"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
	Tier            string     `json:"tier"`
}

type remoteStatus struct {
	Subscribed      bool    `json:"subscribed"`
	ProductID       *string `json:"product_id"`
	SubscriptionEnd *string `json:"subscription_end"`
}

// Checker answers subscription status. Concurrent checks for one session
// share a single remote call.
type Checker struct {
	remote  invoker
	catalog Catalog
	group   singleflight.Group
}

func NewChecker(remote invoker, catalog Catalog) *Checker {
	return &Checker{remote: remote, catalog: catalog}
}

func (c *Checker) Check(ctx context.Context, caller Caller) (Status, error) {
	if rbac.Elevated(rbac.NormalizeAll(caller.Roles)) {
		return Status{Subscribed: true, Tier: TierPro}, nil
	}

	value, err, _ := c.group.Do(caller.Key(), func() (any, error) {
		var out remoteStatus
		if err := c.remote.Invoke(ctx, checkSubscriptionFn, caller.Token, nil, &out); err != nil {
			return Status{}, err
		}
		return c.toStatus(out)
	})
	if err != nil {
		return Status{}, err
	}
	return value.(Status), nil
}

func (c *Checker) toStatus(out remoteStatus) (Status, error) {
	status := Status{Subscribed: out.Subscribed, Tier: TierFree}
	if out.ProductID != nil {
		status.ProductID = *out.ProductID
	}
	if out.SubscriptionEnd != nil && *out.SubscriptionEnd != "" {
		end, err := time.Parse(time.RFC3339, *out.SubscriptionEnd)
		if err != nil {
			return Status{}, fmt.Errorf("parse subscription_end %q: %w", *out.SubscriptionEnd, err)
		}
		status.SubscriptionEnd = &end
	}
	if status.Subscribed {
		status.Tier = c.catalog.TierFor(status.ProductID)
	}
	return status, nil
}
