// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

// RedisStore keeps each buffer in a sorted set scored by store time, so
// buffers survive a bridge restart.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	maxPerClient int
	clientExpiry time.Duration
	logger       *slog.Logger
	stopCleanup  chan struct{}
	closeOnce    sync.Once
}

func NewRedisStore(cfg Config, logger *slog.Logger) (*RedisStore, error) {
	cfg = cfg.WithDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	store := &RedisStore{
		client:       client,
		prefix:       cfg.KeyPrefix,
		ttl:          cfg.TTL,
		maxPerClient: cfg.MaxPerClient,
		clientExpiry: cfg.ClientExpiry,
		logger:       logger,
		stopCleanup:  make(chan struct{}),
	}
	go cleanupLoop(store.stopCleanup, store.Cleanup, logger)

	logger.Info("retention store connected", "store", StoreRedis, "addr", cfg.RedisAddr)
	return store, nil
}

func (r *RedisStore) redisKey(key string) string {
	return r.prefix + key
}

func (r *RedisStore) Append(ctx context.Context, key string, evt core.Event) error {
	now := time.Now()
	data, err := json.Marshal(Entry{Event: evt, StoredAt: now})
	if err != nil {
		return fmt.Errorf("marshal retention entry: %w", err)
	}

	rk := r.redisKey(key)
	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, rk, redis.Z{Score: float64(now.UnixNano()), Member: data})
	if r.maxPerClient > 0 {
		pipe.ZRemRangeByRank(ctx, rk, 0, int64(-r.maxPerClient-1))
	}
	// The whole buffer goes once the client has been away for too long.
	if r.clientExpiry > 0 {
		pipe.Expire(ctx, rk, r.clientExpiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store retention entry: %w", err)
	}
	return nil
}

func (r *RedisStore) Drain(ctx context.Context, key string) ([]core.Event, error) {
	rk := r.redisKey(key)
	var rangeCmd *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.ZRange(ctx, rk, 0, -1)
		pipe.Del(ctx, rk)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain retention buffer: %w", err)
	}

	cutoff := time.Now().Add(-r.ttl)
	raw := rangeCmd.Val()
	events := make([]core.Event, 0, len(raw))
	for _, data := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			r.logger.Warn("skipping unreadable retention entry", "key", key, "error", err)
			continue
		}
		if r.ttl > 0 && e.StoredAt.Before(cutoff) {
			continue
		}
		events = append(events, e.Event)
	}
	return events, nil
}

func (r *RedisStore) Forget(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.redisKey(key)).Err()
}

// Cleanup drops events older than the TTL from every buffer.
func (r *RedisStore) Cleanup(ctx context.Context) error {
	if r.ttl <= 0 {
		return nil
	}
	cutoff := strconv.FormatInt(time.Now().Add(-r.ttl).UnixNano(), 10)

	removed := int64(0)
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", cutoff).Result()
		if err != nil {
			r.logger.Warn("retention cleanup failed", "key", iter.Val(), "error", err)
			continue
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("retention cleanup scan: %w", err)
	}
	if removed > 0 {
		r.logger.Info("retention cleanup", "expired_events", removed)
	}
	return nil
}

func (r *RedisStore) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCleanup)
		err = r.client.Close()
	})
	return err
}
