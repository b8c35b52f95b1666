package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"Aurelia/server/internal/config"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetClient() *redis.Client {
	return s.client
}

const (
	greetingKeyPrefix = "greeting"
	greetingTTL       = 48 * time.Hour
	usageKeyPrefix    = "usage"
	usageTTL          = 48 * time.Hour
)

// MarkGreeted sets today's greeting marker for (user, persona) and
// reports whether this caller was first. Two channels firing the first
// daily greeting together resolve to exactly one send.
func (s *RedisStore) MarkGreeted(ctx context.Context, userID, personaID string) (bool, error) {
	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("%s:%s:%s:%s", greetingKeyPrefix, userID, personaID, day)

	set, err := s.client.SetNX(ctx, key, "1", greetingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set greeting marker: %w", err)
	}
	return set, nil
}

// IncrDailyUsage bumps today's message counter for the user and returns
// the new count. Keys expire on their own after the day rolls over.
func (s *RedisStore) IncrDailyUsage(ctx context.Context, userID string) (int64, error) {
	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("%s:%s:%s", usageKeyPrefix, userID, day)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, usageTTL).Err(); err != nil {
			// Non-critical, the key just lives until manually cleaned
			return count, nil
		}
	}
	return count, nil
}
