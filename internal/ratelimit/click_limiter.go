package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/connectpay/internal/config"
)

const keyReferralClick = "referral:click:%s:%s"

// ClickLimiter throttles referral clicks per affiliate code and client ip.
type ClickLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewClickLimiter(client *redis.Client, cfg config.Config) *ClickLimiter {
	if client == nil || cfg.ClickRatePerSecond <= 0 || cfg.ClickBurst <= 0 {
		return &ClickLimiter{}
	}
	return &ClickLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    cfg.ClickRatePerSecond,
		burst:   cfg.ClickBurst,
	}
}

func (l *ClickLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowClick reports whether another click from clientIP on code may be
// recorded. Disabled limiters allow everything.
func (l *ClickLimiter) AllowClick(ctx context.Context, code, clientIP string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	clientIP = strings.TrimSpace(clientIP)
	if clientIP == "" {
		clientIP = "unknown"
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyReferralClick, strings.ToLower(strings.TrimSpace(code)), clientIP), l.rate, l.burst)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
