package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryGetMissesOnAnUnknownKey(t *testing.T) {
	m := NewMemory()
	_, ok, err := m.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok, "expected a miss for a key never put")
}

func TestMemoryPutThenGetReturnsTheSameRecord(t *testing.T) {
	m := NewMemory()
	rec := Record{Result: map[string]any{"status": "complete"}}
	require.NoError(t, m.Put(context.Background(), "k1", rec, time.Hour))

	got, ok, err := m.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, ok, "expected a hit")

	result, ok := got.Result.(map[string]any)
	require.True(t, ok, "expected a map result")
	require.Equal(t, "complete", result["status"])
}

func TestMemoryEntryExpiresAfterItsTTL(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put(context.Background(), "k1", Record{Result: "x"}, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := m.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.False(t, ok, "expected the entry to have expired")
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put(context.Background(), "k1", Record{Result: "x"}, 0))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := m.Get(context.Background(), "k1")
	require.NoError(t, err)
	require.True(t, ok, "expected a zero-ttl entry to still be cached")
}
