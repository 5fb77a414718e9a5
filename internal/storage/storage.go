// Package storage defines the persistent key-value store contract the SDK
// persists its local state through, plus the concrete backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Key enumerates the fixed set of storage keys the SDK uses.
type Key string

const (
	KeyProjectID          Key = "notifly_project_id"
	KeyCredentials        Key = "notifly_credentials"
	KeyDeviceID           Key = "notifly_device_id"
	KeyExternalUserID     Key = "notifly_external_user_id"
	KeyState              Key = "notifly_user_state"
	KeyLastSessionMillis  Key = "notifly_last_session_time"
	KeyPermissionDecision Key = "notifly_permission_decision"
	KeyWorkerVersion      Key = "notifly_worker_version"
)

// ErrNotFound is returned by GetItem when the key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Store is the durable, async, namespaced string storage contract. All
// operations honor the supplied context.
type Store interface {
	EnsureInitialized(ctx context.Context) error
	GetItem(ctx context.Context, key Key) (string, error)
	GetItems(ctx context.Context, keys []Key) (map[Key]string, error)
	SetItem(ctx context.Context, key Key, value string) error
	SetItems(ctx context.Context, items map[Key]string) error
	RemoveItem(ctx context.Context, key Key) error
	RemoveItems(ctx context.Context, keys []Key) error
	Close() error
}

// DefaultTimeout bounds every store operation. Covers a just-closed database
// after an abrupt tab shutdown.
const DefaultTimeout = 3 * time.Second

// WithTimeout wraps a store so every operation runs under a fixed deadline
// and times out with a descriptive error instead of hanging.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutStore{inner: s, timeout: d}
}

type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

func (t *timeoutStore) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("storage: %s did not respond within %s: %w", op, t.timeout, err)
	}
	return err
}

func (t *timeoutStore) EnsureInitialized(ctx context.Context) error {
	return t.run(ctx, "ensure-initialized", t.inner.EnsureInitialized)
}

func (t *timeoutStore) GetItem(ctx context.Context, key Key) (string, error) {
	var v string
	err := t.run(ctx, "get", func(ctx context.Context) error {
		var err error
		v, err = t.inner.GetItem(ctx, key)
		return err
	})
	return v, err
}

func (t *timeoutStore) GetItems(ctx context.Context, keys []Key) (map[Key]string, error) {
	var v map[Key]string
	err := t.run(ctx, "get-batch", func(ctx context.Context) error {
		var err error
		v, err = t.inner.GetItems(ctx, keys)
		return err
	})
	return v, err
}

func (t *timeoutStore) SetItem(ctx context.Context, key Key, value string) error {
	return t.run(ctx, "set", func(ctx context.Context) error {
		return t.inner.SetItem(ctx, key, value)
	})
}

func (t *timeoutStore) SetItems(ctx context.Context, items map[Key]string) error {
	return t.run(ctx, "set-batch", func(ctx context.Context) error {
		return t.inner.SetItems(ctx, items)
	})
}

func (t *timeoutStore) RemoveItem(ctx context.Context, key Key) error {
	return t.run(ctx, "remove", func(ctx context.Context) error {
		return t.inner.RemoveItem(ctx, key)
	})
}

func (t *timeoutStore) RemoveItems(ctx context.Context, keys []Key) error {
	return t.run(ctx, "remove-batch", func(ctx context.Context) error {
		return t.inner.RemoveItems(ctx, keys)
	})
}

func (t *timeoutStore) Close() error { return t.inner.Close() }
