// Package cache 规范化查询 → 歌曲 id 的 Redis 缓存
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"StemFM/logger"

	"github.com/go-redis/redis/v8"
)

const (
	getAttempts = 2
	retryDelay  = 50 * time.Millisecond
)

// QueryCache 规范化查询 → song id
type QueryCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewQueryCache 创建查询缓存，ttl <= 0 表示不过期
func NewQueryCache(client *redis.Client, prefix string, ttl time.Duration) *QueryCache {
	return &QueryCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *QueryCache) key(normalized string) string {
	return c.prefix + ":query:" + normalized
}

// Get 查询缓存；未命中返回 ok=false 且无错误
func (c *QueryCache) Get(ctx context.Context, normalized string) (int64, bool, error) {
	key := c.key(normalized)
	delay := retryDelay

	var lastErr error
	for attempt := 0; attempt < getAttempts; attempt++ {
		val, err := c.client.Get(ctx, key).Result()
		if err == nil {
			id, perr := strconv.ParseInt(val, 10, 64)
			if perr != nil {
				// 脏数据直接删掉，当作未命中
				logger.Warn("corrupt query cache entry", logger.String("key", key), logger.String("value", val))
				_ = c.client.Del(ctx, key).Err()
				return 0, false, nil
			}
			return id, true, nil
		}
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		lastErr = err
		if attempt < getAttempts-1 {
			logger.Warn("query cache read failed, retrying",
				logger.String("key", key),
				logger.Int("attempt", attempt+1),
				logger.ErrorField(err))
			select {
			case <-ctx.Done():
				return 0, false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return 0, false, lastErr
}

// Set 写入缓存
func (c *QueryCache) Set(ctx context.Context, normalized string, songID int64) error {
	if err := c.client.Set(ctx, c.key(normalized), songID, c.ttl).Err(); err != nil {
		return err
	}
	logger.Debug("query cached",
		logger.String("query", normalized),
		logger.Int64("songId", songID),
		logger.Duration("ttl", c.ttl))
	return nil
}

// Invalidate 删除一条缓存
func (c *QueryCache) Invalidate(ctx context.Context, normalized string) error {
	return c.client.Del(ctx, c.key(normalized)).Err()
}
