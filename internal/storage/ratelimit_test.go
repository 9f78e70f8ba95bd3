package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"proofwork/internal/models"
)

func bucketsFixture(t *testing.T) (*Buckets, *time.Time) {
	t.Helper()
	db, err := Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	now := time.Now()
	buckets := NewBuckets(db).WithClock(func() time.Time { return now })
	return buckets, &now
}

func TestBucketsTakeExhaustsBurst(t *testing.T) {
	buckets, _ := bucketsFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := buckets.Take(ctx, "register|198.51.100.7", 1.0/60, 3)
		require.NoError(t, err)
		require.True(t, ok, "take %d", i)
	}
	ok, err := buckets.Take(ctx, "register|198.51.100.7", 1.0/60, 3)
	require.NoError(t, err)
	require.False(t, ok)

	// A different key draws from its own budget.
	ok, err = buckets.Take(ctx, "register|198.51.100.8", 1.0/60, 3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBucketsTakeRefillsOverTime(t *testing.T) {
	buckets, now := bucketsFixture(t)
	ctx := context.Background()

	ok, err := buckets.Take(ctx, "webhook|stripe", 1, 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = buckets.Take(ctx, "webhook|stripe", 1, 1)
	require.NoError(t, err)
	require.False(t, ok)

	*now = now.Add(2 * time.Second)
	ok, err = buckets.Take(ctx, "webhook|stripe", 1, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBucketsTakeDisabledBudgetAllows(t *testing.T) {
	buckets, _ := bucketsFixture(t)

	ok, err := buckets.Take(context.Background(), "noop", 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBucketsPruneDropsIdleRows(t *testing.T) {
	buckets, now := bucketsFixture(t)
	ctx := context.Background()

	_, err := buckets.Take(ctx, "register|stale", 1, 2)
	require.NoError(t, err)

	*now = now.Add(48 * time.Hour)
	_, err = buckets.Take(ctx, "register|fresh", 1, 2)
	require.NoError(t, err)
	require.NoError(t, buckets.Prune(ctx, 24*time.Hour))

	var keys []string
	require.NoError(t, buckets.db.Model(&models.RateLimitBucket{}).Pluck("key", &keys).Error)
	require.Equal(t, []string{"register|fresh"}, keys)
}
