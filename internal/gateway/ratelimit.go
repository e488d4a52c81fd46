package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/querymeter/gateway/pkg/cache"
	"github.com/querymeter/gateway/pkg/models"
	"go.uber.org/zap"
)

// RateLimiter enforces a per-identity fixed window of requests per minute,
// counted in Redis so all gateway instances share the window.
type RateLimiter struct {
	cache        *cache.Cache
	defaultLimit int64
	logger       *zap.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cacheClient *cache.Cache, defaultLimit int64, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:        cacheClient,
		defaultLimit: defaultLimit,
		logger:       logger,
	}
}

// Allow reports whether the identity behind the key may proceed this minute.
func (rl *RateLimiter) Allow(ctx context.Context, key *models.APIKey) (bool, error) {
	limit := key.RateLimitPerMin
	if limit == 0 {
		limit = rl.defaultLimit
	}
	if limit <= 0 {
		return true, nil
	}

	minuteKey := fmt.Sprintf("ratelimit:%s:%s", key.Identity, time.Now().Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, minuteKey)
	if err != nil {
		return false, fmt.Errorf("failed to count request: %w", err)
	}

	// 65s so the key outlives its window even with clock skew.
	if count == 1 {
		if err := rl.cache.Expire(ctx, minuteKey, 65*time.Second); err != nil {
			rl.logger.Debug("failed to set rate limit expiry", zap.Error(err))
		}
	}

	if count > limit {
		rl.logger.Warn("rate limit exceeded",
			zap.String("identity", key.Identity),
			zap.Int64("limit", limit),
		)
		return false, nil
	}

	return true, nil
}
