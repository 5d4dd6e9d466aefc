package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/bingo-registry/internal/model"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type progressValue struct {
	model.Progress
	UpdatedAt time.Time `json:"updatedAt"`
}

func progressKey(campaignID int64) string {
	return fmt.Sprintf("campaign:%d:progress", campaignID)
}

func (c *RedisCache) StoreProgress(ctx context.Context, campaignID int64, p model.Progress) error {
	b, err := json.Marshal(progressValue{Progress: p, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, progressKey(campaignID), b, c.ttl).Err()
}

// LoadProgress reports ok=false when nothing is cached for the campaign.
func (c *RedisCache) LoadProgress(ctx context.Context, campaignID int64) (model.Progress, bool, error) {
	raw, err := c.rdb.Get(ctx, progressKey(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Progress{}, false, nil
	}
	if err != nil {
		return model.Progress{}, false, err
	}

	var v progressValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return model.Progress{}, false, fmt.Errorf("decode progress for campaign %d: %w", campaignID, err)
	}
	return v.Progress, true, nil
}

func (c *RedisCache) DropProgress(ctx context.Context, campaignID int64) error {
	return c.rdb.Del(ctx, progressKey(campaignID)).Err()
}
