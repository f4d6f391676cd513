package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nostrfit/settlement/logger"
	"github.com/redis/go-redis/v9"
)

// RedisCache is the shared LeaderboardCache for multi-instance deployments.
// Snapshots are stored as JSON with the full TTL; the background refresh is
// single-flighted across instances with a SET NX lock that expires on its
// own, so a crashed refresher cannot wedge a key.
type RedisCache struct {
	client     *redis.Client
	ttl        time.Duration
	staleAfter time.Duration
	logger     *logger.Logger
}

func NewRedisCache(client *redis.Client, ttl, staleAfter time.Duration, log *logger.Logger) *RedisCache {
	return &RedisCache{
		client:     client,
		ttl:        ttl,
		staleAfter: staleAfter,
		logger:     log,
	}
}

func (c *RedisCache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (*Snapshot, error) {
	id := key.String()

	data, err := c.client.Get(ctx, id).Bytes()
	if err == nil {
		var snapshot Snapshot
		if unmarshalErr := json.Unmarshal(data, &snapshot); unmarshalErr == nil {
			age := time.Since(snapshot.ComputedAt)
			if age >= c.staleAfter {
				c.maybeRefresh(ctx, id, compute)
			}
			out := snapshot
			out.FromCache = true
			out.Age = age
			return &out, nil
		}
		// Corrupt entry: fall through to recompute.
	} else if err != redis.Nil {
		c.logger.Warn("leaderboard cache read failed", "key", id, "error", err)
	}

	snapshot, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	c.store(ctx, id, snapshot)
	return snapshot, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key Key) {
	if err := c.client.Del(ctx, key.String()).Err(); err != nil {
		c.logger.Warn("leaderboard cache invalidate failed", "key", key.String(), "error", err)
	}
}

func (c *RedisCache) maybeRefresh(ctx context.Context, id string, compute ComputeFunc) {
	acquired, err := c.client.SetNX(ctx, id+":refresh", "1", c.staleAfter).Result()
	if err != nil || !acquired {
		return
	}

	go func() {
		ctx := context.WithoutCancel(ctx)
		snapshot, err := compute(ctx)
		if err != nil {
			c.logger.Warn("background leaderboard refresh failed", "key", id, "error", err)
			return
		}
		c.store(ctx, id, snapshot)
	}()
}

func (c *RedisCache) store(ctx context.Context, id string, snapshot *Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Warn("failed to marshal leaderboard snapshot", "key", id, "error", err)
		return
	}

	if err := c.client.Set(ctx, id, data, c.ttl).Err(); err != nil {
		c.logger.Warn("leaderboard cache write failed", "key", id, "error", err)
	}
}
