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

// Package retention buffers downstream events for entrypoint clients that are
// disconnected and replays them when the client comes back.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	cleanupInterval = time.Minute
)

type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Store         string        `yaml:"store"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
	MaxPerClient  int           `yaml:"max_per_client"`
	// ClientExpiry is how long a disconnected client keeps collecting events.
	ClientExpiry time.Duration `yaml:"client_expiry"`
}

func (c Config) WithDefaults() Config {
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
	if c.MaxPerClient == 0 {
		c.MaxPerClient = 1000
	}
	if c.ClientExpiry == 0 {
		c.ClientExpiry = 24 * time.Hour
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "pubsub-bridge:retention:"
	}
	return c
}

type Entry struct {
	Event    core.Event `json:"event"`
	StoredAt time.Time  `json:"stored_at"`
}

// Store keeps events per key, oldest first.
type Store interface {
	Append(ctx context.Context, key string, evt core.Event) error
	// Drain returns the unexpired events of key and removes them.
	Drain(ctx context.Context, key string) ([]core.Event, error)
	Forget(ctx context.Context, key string) error
	Cleanup(ctx context.Context) error
	Close() error
}

// Key scopes a client's buffer to one entrypoint.
func Key(entrypoint, clientID string) string {
	return entrypoint + "/" + clientID
}

// NewStore returns nil when retention is disabled.
func NewStore(cfg Config, logger *slog.Logger) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg = cfg.WithDefaults()

	switch cfg.Store {
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("%w: redis_addr is required when store=redis", core.ErrInvalidConfig)
		}
		return NewRedisStore(cfg, logger)
	case StoreMemory:
		return NewMemoryStore(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown retention store %q", core.ErrInvalidConfig, cfg.Store)
	}
}

func cleanupLoop(stop <-chan struct{}, cleanup func(context.Context) error, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := cleanup(context.Background()); err != nil {
				logger.Warn("retention cleanup failed", "error", err)
			}
		}
	}
}
