package repository

import (
	"context"
	"fmt"

	"Aurelia/server/internal/config"
	"Aurelia/server/internal/models"
	"Aurelia/server/internal/storage"
)

// UsageLimiter enforces the per-day message budget in Redis. It runs
// before any paid service call so a capped user never costs anything.
type UsageLimiter struct {
	redis *storage.RedisStore
	caps  map[string]int
}

func NewUsageLimiter(redis *storage.RedisStore, cfg config.ChatConfig) *UsageLimiter {
	return &UsageLimiter{
		redis: redis,
		caps: map[string]int{
			models.TierBaseline: cfg.BaselineDailyCap,
			models.TierElevated: cfg.ElevatedDailyCap,
		},
	}
}

// Consume counts one turn against today's budget. Returns
// models.ErrUsageLimitReached once the tier cap is exceeded.
func (l *UsageLimiter) Consume(ctx context.Context, userID, tier string) error {
	cap, ok := l.caps[tier]
	if !ok {
		cap = l.caps[models.TierBaseline]
	}

	count, err := l.redis.IncrDailyUsage(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to track usage: %w", err)
	}
	if count > int64(cap) {
		return models.ErrUsageLimitReached
	}
	return nil
}
