package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/threads/thread"
)

func TestStoreCreateAndGet(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()
	th := &thread.Thread{
		ID:        "t1",
		Metadata:  map[string]any{"user": "alice"},
		Status:    thread.StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, store.Create(ctx, th))
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)
	require.Equal(t, thread.StatusActive, got.Status)
	require.Equal(t, "alice", got.Metadata["user"])
}

func TestStoreGetMissing(t *testing.T) {
	store := New()
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, thread.ErrNotFound)
}

func TestStoreDelete(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &thread.Thread{ID: "t1"}))
	require.NoError(t, store.Delete(ctx, "t1"))
	_, err := store.Get(ctx, "t1")
	require.ErrorIs(t, err, thread.ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, "t1"), thread.ErrNotFound)
}

func TestStoreIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &thread.Thread{ID: "t1", Status: thread.StatusActive}))
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	got.Status = thread.StatusInactive
	again, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, thread.StatusActive, again.Status, "store mutated by caller")
}

func TestStoreCanceledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, store.Create(ctx, &thread.Thread{ID: "t1"}), context.Canceled)
	_, err := store.Get(ctx, "t1")
	require.ErrorIs(t, err, context.Canceled)
}
