package store

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter implements fixed windows over the shared store: an atomic
// increment per key, with the window's expiry set by whichever caller was
// first in. The window resets implicitly when the key expires.
type RateLimiter struct {
	kv KV
}

func NewRateLimiter(kv KV) *RateLimiter {
	return &RateLimiter{kv: kv}
}

// Allow counts one attempt against the key's window and reports whether it
// is within limit. Counting before checking means a suppressed burst keeps
// the window warm, which is the behavior we want against spam loops.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	n, err := l.kv.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := l.kv.Expire(ctx, key, window); err != nil {
			return false, err
		}
	}
	return n <= limit, nil
}

func TenantRateKey(tenantID string) string {
	return fmt.Sprintf("bridge:rate:%s", tenantID)
}

func RecipientRateKey(tenantID, recipient string) string {
	return fmt.Sprintf("bridge:rate:%s:%s", tenantID, recipient)
}
