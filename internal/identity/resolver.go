// Package identity resolves a user's role from the profile store, retrying
// briefly because a profile row may land a moment after the account itself
// is created.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reqdesk/api/internal/rbac"
	"reqdesk/api/internal/store"
)

type profileStore interface {
	GetProfileByID(ctx context.Context, profileID string) (store.Profile, error)
}

// RetryPolicy controls how many lookups are attempted and how long to wait
// between them. Backoff receives the 1-based attempt number that just failed.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

type Resolver struct {
	store  profileStore
	policy RetryPolicy
}

func NewResolver(store profileStore, policy RetryPolicy) *Resolver {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff == nil {
		policy.Backoff = func(int) time.Duration { return 0 }
	}
	return &Resolver{store: store, policy: policy}
}

// ResolveRole looks up the role for a profile, retrying on missing rows and
// transient errors. It returns rbac.RoleNone once every attempt has failed
// with a missing row, and the last error for anything else.
func (r *Resolver) ResolveRole(ctx context.Context, profileID string) (rbac.Role, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		profile, err := r.store.GetProfileByID(ctx, profileID)
		if err == nil {
			return rbac.Normalize(profile.Role), nil
		}
		lastErr = err

		if attempt == r.policy.MaxAttempts {
			break
		}
		if err := sleep(ctx, r.policy.Backoff(attempt)); err != nil {
			return rbac.RoleNone, err
		}
	}
	if errors.Is(lastErr, sql.ErrNoRows) {
		return rbac.RoleNone, nil
	}
	return rbac.RoleNone, fmt.Errorf("resolve role: %w", lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
