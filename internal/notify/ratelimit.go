package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesahub/mesa/internal/metrics"
	"github.com/mesahub/mesa/internal/redis"
)

// ErrRateLimited indicates the per-(type, target) rate limit rejected a
// notification. Mapped to 429 at the API edge.
var ErrRateLimited = errors.New("notification rate limit exceeded")

// Limiter enforces the per-(type, target) sliding-window limits.
type Limiter struct {
	limiter *redis.RateLimiter
}

// NewLimiter wraps a redis rate limiter with the notification type
// policies. A nil limiter disables enforcement.
func NewLimiter(limiter *redis.RateLimiter) *Limiter {
	return &Limiter{limiter: limiter}
}

// Check returns ErrRateLimited when the target has exhausted the window
// for the given notification type.
func (l *Limiter) Check(ctx context.Context, notifType, targetType, targetID string) error {
	if l.limiter == nil {
		return nil
	}

	policy := PolicyFor(notifType)
	key := fmt.Sprintf("notify:%s:%s:%s", notifType, targetType, targetID)

	result, err := l.limiter.Allow(ctx, key, redis.Window{
		Limit:    policy.RateLimit,
		Duration: policy.RateWindow,
	})
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !result.Allowed {
		metrics.RecordRateLimitRejection(notifType)
		return fmt.Errorf("%w: %s for %s:%s, resets at %s",
			ErrRateLimited, notifType, targetType, targetID, result.ResetAt.Format("15:04:05"))
	}
	return nil
}
