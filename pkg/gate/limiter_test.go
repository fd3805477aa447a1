package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurst(t *testing.T) {
	store := NewMemoryLimiterStore()
	t.Cleanup(store.Close)
	policy := RatePolicy{PerMinute: 1, Burst: 3}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := store.Allow(ctx, "actor:action", policy)
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be within burst", i)
	}
	ok, err := store.Allow(ctx, "actor:action", policy)
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	store := NewMemoryLimiterStore()
	t.Cleanup(store.Close)
	policy := RatePolicy{PerMinute: 1, Burst: 1}
	ctx := context.Background()

	ok, _ := store.Allow(ctx, "a:x", policy)
	assert.True(t, ok)
	ok, _ = store.Allow(ctx, "a:x", policy)
	assert.False(t, ok)

	ok, _ = store.Allow(ctx, "b:x", policy)
	assert.True(t, ok, "a different key has its own bucket")
}

func TestMemoryLimiterReset(t *testing.T) {
	store := NewMemoryLimiterStore()
	t.Cleanup(store.Close)
	policy := RatePolicy{PerMinute: 1, Burst: 1}
	ctx := context.Background()

	_, _ = store.Allow(ctx, "a:x", policy)
	ok, _ := store.Allow(ctx, "a:x", policy)
	require.False(t, ok)

	store.Reset()
	ok, _ = store.Allow(ctx, "a:x", policy)
	assert.True(t, ok, "reset refills the bucket")
}

func TestMemoryLimiterZeroPolicyDefaults(t *testing.T) {
	store := NewMemoryLimiterStore()
	t.Cleanup(store.Close)
	ctx := context.Background()

	// A zero policy degrades to one token, never to an open gate.
	ok, err := store.Allow(ctx, "a:x", RatePolicy{})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = store.Allow(ctx, "a:x", RatePolicy{})
	assert.False(t, ok)
}
