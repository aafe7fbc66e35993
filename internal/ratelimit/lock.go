package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyNamespace = "connectpay:"

// compareAndDelete removes a lock only while it still carries the caller's
// token. A lock that expired and was taken by another replica stays put.
const compareAndDelete = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock_client_not_configured")
	ErrLockKeyEmpty      = errors.New("lock_key_empty")
	ErrLockTTLInvalid    = errors.New("lock_ttl_invalid")
)

// JobLockKey serializes one scheduler job across replicas.
func JobLockKey(job string) string {
	return lockKey("scheduler:job", job)
}

// PayoutPeriodKey marks a payout period (monthly or weekly) as claimed.
func PayoutPeriodKey(period string) string {
	return lockKey("scheduler:payouts", period)
}

// ReconcileOwnerKey serializes reconciliation of one connected account owner.
func ReconcileOwnerKey(ownerID string) string {
	return lockKey("reconcile:owner", ownerID)
}

func lockKey(scope, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return keyNamespace + scope + ":" + id
}

// Locker holds short-lived mutexes and long-lived claims in redis. A nil
// *Locker reports ErrLockNotConfigured and ignores Release.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(compareAndDelete),
	}
}

// TryLock returns the ownership token and whether the lock was acquired.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.setNX(ctx, key, token, ttl)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// Claim sets a marker that is never released and lapses after ttl. It
// reports false when another replica already holds the claim.
func (l *Locker) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.setNX(ctx, key, "claimed", ttl)
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}

func (l *Locker) setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	switch {
	case l == nil || l.client == nil:
		return false, ErrLockNotConfigured
	case key == "":
		return false, ErrLockKeyEmpty
	case ttl <= 0:
		return false, ErrLockTTLInvalid
	}
	return l.client.SetNX(ctx, key, value, ttl).Result()
}
