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
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, cfg Config) (*MemoryStore, *time.Time) {
	t.Helper()
	store := NewMemoryStore(cfg, discard())
	t.Cleanup(func() { store.Close() })
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	return store, &now
}

func TestMemoryStoreDrainInOrder(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()
	key := Key("ws", "client-1")

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Append(ctx, key, core.Event{ID: id}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := store.Drain(ctx, key)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) != 3 || events[0].ID != "a" || events[2].ID != "c" {
		t.Fatalf("unexpected events %+v", events)
	}
	if store.Len(key) != 0 {
		t.Fatal("drain should empty the buffer")
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	store, _ := newTestStore(t, Config{MaxPerClient: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_ = store.Append(ctx, "k", core.Event{ID: id})
	}
	events, _ := store.Drain(ctx, "k")
	if len(events) != 2 || events[0].ID != "b" {
		t.Fatalf("expected the oldest event to be evicted, got %+v", events)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	store, now := newTestStore(t, Config{TTL: time.Minute})
	ctx := context.Background()

	_ = store.Append(ctx, "k", core.Event{ID: "old"})
	*now = now.Add(2 * time.Minute)
	_ = store.Append(ctx, "k", core.Event{ID: "new"})

	if err := store.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if store.Len("k") != 1 {
		t.Fatalf("expected 1 event after cleanup, got %d", store.Len("k"))
	}

	*now = now.Add(2 * time.Minute)
	events, _ := store.Drain(ctx, "k")
	if len(events) != 0 {
		t.Fatalf("expired events should not be replayed, got %+v", events)
	}
}

func TestMemoryStoreForget(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	_ = store.Append(context.Background(), "k", core.Event{ID: "a"})
	_ = store.Forget(context.Background(), "k")
	if store.Len("k") != 0 {
		t.Fatal("forget should drop the buffer")
	}
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(Config{}, discard())
	if err != nil || store != nil {
		t.Fatalf("disabled retention should return no store, got %v %v", store, err)
	}

	store, err = NewStore(Config{Enabled: true}, discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected a memory store, got %T", store)
	}
	store.Close()

	for _, cfg := range []Config{
		{Enabled: true, Store: StoreRedis},
		{Enabled: true, Store: "etcd"},
	} {
		if _, err := NewStore(cfg, discard()); !errors.Is(err, core.ErrInvalidConfig) {
			t.Fatalf("NewStore(%+v): expected ErrInvalidConfig, got %v", cfg, err)
		}
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.Store != StoreMemory || cfg.TTL != time.Hour || cfg.MaxPerClient != 1000 || cfg.ClientExpiry != 24*time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
