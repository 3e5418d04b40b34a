package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIdempotencyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cached, err := store.LookupIdempotency(ctx, "key-a", "idem-1", "hash-1")
	require.NoError(t, err)
	require.Nil(t, cached)

	require.NoError(t, store.SaveIdempotency(ctx, "key-a", "idem-1", "hash-1", 201, []byte(`{"id":1}`)))

	cached, err = store.LookupIdempotency(ctx, "key-a", "idem-1", "hash-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, 201, cached.Status)
	require.JSONEq(t, `{"id":1}`, string(cached.Body))

	// Same key, different payload hash.
	_, err = store.LookupIdempotency(ctx, "key-a", "idem-1", "hash-2")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	// Keys are scoped per API key.
	cached, err = store.LookupIdempotency(ctx, "key-b", "idem-1", "hash-2")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestEventFeedOrderingAndCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, store.InsertEvent(ctx, StoredEvent{
			Sequence:  seq,
			Type:      "escrow.job.status",
			JobID:     1,
			Payload:   map[string]string{"status": "funded"},
			CreatedAt: now,
		}))
	}

	last, err := store.LastEventSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), last)

	events, err := store.EventsSince(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int64(3), events[0].Sequence)
	require.Equal(t, int64(5), events[2].Sequence)
	require.Equal(t, "funded", events[0].Payload["status"])
}
