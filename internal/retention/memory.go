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
	"log/slog"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type MemoryStore struct {
	entries      map[string][]Entry
	ttl          time.Duration
	maxPerClient int
	logger       *slog.Logger
	now          func() time.Time
	mu           sync.Mutex
	stopCleanup  chan struct{}
	closeOnce    sync.Once
}

func NewMemoryStore(cfg Config, logger *slog.Logger) *MemoryStore {
	cfg = cfg.WithDefaults()
	store := &MemoryStore{
		entries:      make(map[string][]Entry),
		ttl:          cfg.TTL,
		maxPerClient: cfg.MaxPerClient,
		logger:       logger,
		now:          time.Now,
		stopCleanup:  make(chan struct{}),
	}
	go cleanupLoop(store.stopCleanup, store.Cleanup, logger)
	return store
}

func (m *MemoryStore) Append(ctx context.Context, key string, evt core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.entries[key]
	if m.maxPerClient > 0 && len(entries) >= m.maxPerClient {
		m.logger.Debug("retention buffer full, evicting oldest event", "key", key, "event_id", entries[0].Event.ID)
		entries = entries[1:]
	}
	m.entries[key] = append(entries, Entry{Event: evt, StoredAt: m.now()})
	return nil
}

func (m *MemoryStore) Drain(ctx context.Context, key string) ([]core.Event, error) {
	m.mu.Lock()
	entries := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()

	now := m.now()
	events := make([]core.Event, 0, len(entries))
	for _, e := range entries {
		if m.ttl > 0 && now.Sub(e.StoredAt) > m.ttl {
			continue
		}
		events = append(events, e.Event)
	}
	return events, nil
}

func (m *MemoryStore) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Cleanup drops events older than the TTL.
func (m *MemoryStore) Cleanup(ctx context.Context) error {
	if m.ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := 0
	for key, entries := range m.entries {
		i := 0
		for i < len(entries) && now.Sub(entries[i].StoredAt) > m.ttl {
			i++
		}
		expired += i
		if i == len(entries) {
			delete(m.entries, key)
		} else {
			m.entries[key] = entries[i:]
		}
	}
	if expired > 0 {
		m.logger.Info("retention cleanup", "expired_events", expired)
	}
	return nil
}

// Len returns how many events key holds.
func (m *MemoryStore) Len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[key])
}

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.stopCleanup) })
	return nil
}
