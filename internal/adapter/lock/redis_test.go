package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

func newRedisManager(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb), mr
}

func TestRedisOfferLifecycle(t *testing.T) {
	r, mr := newRedisManager(t)
	ctx := context.Background()

	require.NoError(t, r.SetActiveOffer(ctx, "job1", []string{"a", "b"}, 30*time.Second))
	drivers, err := r.ActiveDrivers(ctx, "job1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, drivers)

	// The next wave atomically replaces the previous offer set.
	require.NoError(t, r.SetActiveOffer(ctx, "job1", []string{"c"}, 30*time.Second))
	drivers, err = r.ActiveDrivers(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, drivers)

	// TTL expiry empties the set.
	mr.FastForward(31 * time.Second)
	drivers, err = r.ActiveDrivers(ctx, "job1")
	require.NoError(t, err)
	assert.Empty(t, drivers)

	require.NoError(t, r.SetActiveOffer(ctx, "job1", []string{"d"}, 30*time.Second))
	require.NoError(t, r.ClearActiveOffer(ctx, "job1"))
	drivers, err = r.ActiveDrivers(ctx, "job1")
	require.NoError(t, err)
	assert.Empty(t, drivers)
}

func TestRedisAcceptanceFlow(t *testing.T) {
	r, _ := newRedisManager(t)
	ctx := context.Background()

	ok, err := r.IsAccepted(ctx, "job1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = r.AcceptedBy(ctx, "job1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, r.MarkAccepted(ctx, "job1", "d1"))
	ok, err = r.IsAccepted(ctx, "job1")
	require.NoError(t, err)
	assert.True(t, ok)

	winner, err := r.AcceptedBy(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, "d1", winner)

	// SET NX makes the second winner lose.
	err = r.MarkAccepted(ctx, "job1", "d2")
	require.ErrorIs(t, err, domain.ErrConflict)
	winner, err = r.AcceptedBy(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, "d1", winner)
}

func TestRedisLockBlocksSecondHolder(t *testing.T) {
	r, _ := newRedisManager(t)
	ctx := context.Background()

	unlock, err := r.Lock(ctx, "job:x")
	require.NoError(t, err)

	// A second acquisition must not succeed while the lease is held.
	ctx2, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx2, "job:x")
	require.Error(t, err)

	unlock()
	unlock2, err := r.Lock(ctx, "job:x")
	require.NoError(t, err)
	unlock2()
}
