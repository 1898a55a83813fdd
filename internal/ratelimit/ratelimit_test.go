package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) *Limiter {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	return New(client, limit, window)
}

func TestAllow_PermitsUpToLimit(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "alice"))
	}
}

func TestAllow_RejectsOverLimit(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "bob"))
	require.NoError(t, l.Allow(ctx, "bob"))

	err := l.Allow(ctx, "bob")
	require.Error(t, err)

	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "bob", limitErr.Owner)
}

func TestAllow_TracksOwnersIndependently(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "carol"))
	require.NoError(t, l.Allow(ctx, "dave"))

	assert.Error(t, l.Allow(ctx, "carol"))
	assert.Error(t, l.Allow(ctx, "dave"))
}
