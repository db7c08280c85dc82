package identity

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"reqdesk/api/internal/rbac"
	"reqdesk/api/internal/store"
)

type fakeProfileStore struct {
	calls int
	fn    func(call int) (store.Profile, error)
}

func (f *fakeProfileStore) GetProfileByID(_ context.Context, _ string) (store.Profile, error) {
	f.calls++
	return f.fn(f.calls)
}

func noBackoff() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: func(int) time.Duration { return 0 }}
}

func TestResolveRoleRetriesUntilProfileAppears(t *testing.T) {
	fs := &fakeProfileStore{fn: func(call int) (store.Profile, error) {
		if call < 3 {
			return store.Profile{}, sql.ErrNoRows
		}
		return store.Profile{ID: "usr_1", Role: "reviewer"}, nil
	}}

	resolver := NewResolver(fs, noBackoff())
	role, err := resolver.ResolveRole(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("ResolveRole() error = %v", err)
	}
	if role != rbac.RoleReviewer {
		t.Fatalf("expected reviewer, got %q", role)
	}
	if fs.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", fs.calls)
	}
}

func TestResolveRoleReturnsNoneWhenProfileNeverAppears(t *testing.T) {
	fs := &fakeProfileStore{fn: func(int) (store.Profile, error) {
		return store.Profile{}, sql.ErrNoRows
	}}

	resolver := NewResolver(fs, noBackoff())
	role, err := resolver.ResolveRole(context.Background(), "usr_missing")
	if err != nil {
		t.Fatalf("ResolveRole() error = %v", err)
	}
	if role != rbac.RoleNone {
		t.Fatalf("expected none, got %q", role)
	}
	if fs.calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", fs.calls)
	}
}

func TestResolveRoleSurfacesPersistentErrors(t *testing.T) {
	dbErr := errors.New("connection refused")
	fs := &fakeProfileStore{fn: func(int) (store.Profile, error) {
		return store.Profile{}, dbErr
	}}

	resolver := NewResolver(fs, noBackoff())
	_, err := resolver.ResolveRole(context.Background(), "usr_1")
	if !errors.Is(err, dbErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestResolveRoleNormalizesUnknownRoles(t *testing.T) {
	fs := &fakeProfileStore{fn: func(int) (store.Profile, error) {
		return store.Profile{ID: "usr_1", Role: "superuser"}, nil
	}}

	resolver := NewResolver(fs, noBackoff())
	role, err := resolver.ResolveRole(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("ResolveRole() error = %v", err)
	}
	if role != rbac.RoleNone {
		t.Fatalf("expected unknown role to degrade to none, got %q", role)
	}
}

func TestResolveRoleStopsOnCanceledContext(t *testing.T) {
	fs := &fakeProfileStore{fn: func(int) (store.Profile, error) {
		return store.Profile{}, sql.ErrNoRows
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resolver := NewResolver(fs, RetryPolicy{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Second },
	})
	_, err := resolver.ResolveRole(ctx, "usr_1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fs.calls != 1 {
		t.Fatalf("expected a single attempt before the canceled wait, got %d", fs.calls)
	}
}
