package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureInitialized(ctx))

	_, err := s.GetItem(ctx, KeyDeviceID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetItem(ctx, KeyDeviceID, "dev-1"))
	v, err := s.GetItem(ctx, KeyDeviceID)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", v)

	require.NoError(t, s.RemoveItem(ctx, KeyDeviceID))
	_, err = s.GetItem(ctx, KeyDeviceID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreBatchOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetItems(ctx, map[Key]string{
		KeyProjectID:      "p1",
		KeyExternalUserID: "u1",
	}))

	// Missing keys are omitted, not errors.
	got, err := s.GetItems(ctx, []Key{KeyProjectID, KeyExternalUserID, KeyState})
	require.NoError(t, err)
	assert.Equal(t, map[Key]string{KeyProjectID: "p1", KeyExternalUserID: "u1"}, got)

	require.NoError(t, s.RemoveItems(ctx, []Key{KeyProjectID, KeyExternalUserID}))
	got, err = s.GetItems(ctx, []Key{KeyProjectID, KeyExternalUserID})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()
	assert.Error(t, s.SetItem(ctx, KeyDeviceID, "dev-1"))
}

// blockingStore hangs on every operation until its context expires.
type blockingStore struct{}

func (blockingStore) block(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b blockingStore) EnsureInitialized(ctx context.Context) error { return b.block(ctx) }
func (b blockingStore) GetItem(ctx context.Context, _ Key) (string, error) {
	return "", b.block(ctx)
}
func (b blockingStore) GetItems(ctx context.Context, _ []Key) (map[Key]string, error) {
	return nil, b.block(ctx)
}
func (b blockingStore) SetItem(ctx context.Context, _ Key, _ string) error { return b.block(ctx) }
func (b blockingStore) SetItems(ctx context.Context, _ map[Key]string) error {
	return b.block(ctx)
}
func (b blockingStore) RemoveItem(ctx context.Context, _ Key) error   { return b.block(ctx) }
func (b blockingStore) RemoveItems(ctx context.Context, _ []Key) error { return b.block(ctx) }
func (blockingStore) Close() error                                     { return nil }

func TestTimeoutWrapperBoundsOperations(t *testing.T) {
	s := WithTimeout(blockingStore{}, 30*time.Millisecond)

	start := time.Now()
	err := s.SetItem(context.Background(), KeyState, "{}")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "did not respond within")

	_, err = s.GetItem(context.Background(), KeyState)
	assert.Contains(t, err.Error(), "get did not respond within")
}

func TestTimeoutWrapperPassesThrough(t *testing.T) {
	ctx := context.Background()
	s := WithTimeout(NewMemoryStore(), DefaultTimeout)

	require.NoError(t, s.SetItem(ctx, KeyProjectID, "p1"))
	v, err := s.GetItem(ctx, KeyProjectID)
	require.NoError(t, err)
	assert.Equal(t, "p1", v)

	// Inner sentinel errors survive the wrapper untouched.
	_, err = s.GetItem(ctx, KeyDeviceID)
	assert.ErrorIs(t, err, ErrNotFound)
}
