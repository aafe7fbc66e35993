package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLockerIsUnconfigured(t *testing.T) {
	locker := NewLocker(nil)
	require.Nil(t, locker)

	_, ok, err := locker.TryLock(context.Background(), "owner:1", time.Minute)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, locker.Release(context.Background(), "owner:1", "token"))
}

func TestClickLimiterDisabledWithoutRedis(t *testing.T) {
	limiter := NewClickLimiter(nil, config.Config{ClickRatePerSecond: 1, ClickBurst: 5})
	assert.False(t, limiter.Enabled())

	ok, err := limiter.AllowClick(context.Background(), "jane_123", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNilTokenBucketRejects(t *testing.T) {
	var bucket *TokenBucket
	res, err := bucket.Allow(context.Background(), "k", 1, 1)
	require.Error(t, err)
	assert.False(t, res.Allowed)
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, 10*time.Second, defaultBucketTTL(1, 5))
	assert.Equal(t, time.Second, defaultBucketTTL(100, 1))
	assert.Equal(t, time.Second, defaultBucketTTL(0, 0))
}

func TestNilLockerRejectsClaims(t *testing.T) {
	var locker *Locker
	ok, err := locker.Claim(context.Background(), PayoutPeriodKey("2026-03"), time.Hour)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
}

func TestLockKeysShareNamespace(t *testing.T) {
	assert.Equal(t, "connectpay:scheduler:job:outbox_relay", JobLockKey("outbox_relay"))
	assert.Equal(t, "connectpay:scheduler:payouts:weekly:2026-W10", PayoutPeriodKey("weekly:2026-W10"))
	assert.Equal(t, "connectpay:reconcile:owner:42", ReconcileOwnerKey(" 42 "))
	assert.Empty(t, ReconcileOwnerKey(""))
}

func TestLockerValidatesBeforeRedis(t *testing.T) {
	locker := &Locker{client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})}
	t.Cleanup(func() { _ = locker.client.Close() })

	_, ok, err := locker.TryLock(context.Background(), ReconcileOwnerKey(""), time.Minute)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLockKeyEmpty)

	_, err = locker.Claim(context.Background(), JobLockKey("sweep"), 0)
	assert.ErrorIs(t, err, ErrLockTTLInvalid)
}
