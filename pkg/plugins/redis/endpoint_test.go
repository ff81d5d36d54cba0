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

package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("r", map[string]string{"in": "events.*", "db": "2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mode != ModePubSub || cfg.Addr != "localhost:6379" || cfg.DB != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Group != "pubsub-bridge-r" || cfg.Consumer == "" {
		t.Fatalf("unexpected group defaults %+v", cfg)
	}

	tests := []struct {
		name string
		m    map[string]string
	}{
		{"no in or out", map[string]string{}},
		{"bad mode", map[string]string{"in": "a", "mode": "list"}},
		{"bad db", map[string]string{"in": "a", "db": "x"}},
		{"bad max_len", map[string]string{"out": "a", "max_len": "x"}},
		{"stream pattern", map[string]string{"in": "a*", "mode": "stream"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig("r", tt.m); !errors.Is(err, core.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestDecodeEntry(t *testing.T) {
	e := New("r", Config{Codec: core.CodecRaw}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	evt, err := e.decodeEntry(goredis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"data": "hello", core.HeaderChannel: "orders"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(evt.Payload) != "hello" || evt.SourceID != "r" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Metadata[core.HeaderChannel] != "orders" || evt.Metadata["redis_stream_id"] != "1-0" {
		t.Fatalf("unexpected metadata %v", evt.Metadata)
	}
}

func TestStreamArgs(t *testing.T) {
	args := streamArgs("s", 100, core.Event{ID: "e1", Channel: "c"}, []byte("x"))
	if args.Stream != "s" || args.MaxLen != 100 || !args.Approx {
		t.Fatalf("unexpected args %+v", args)
	}
	if args.Values.(map[string]interface{})[core.HeaderEventID] != "e1" {
		t.Fatalf("missing event id: %v", args.Values)
	}
}

func TestSendErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := New("r", Config{In: "a"}, logger)
	if err := e.Send(context.Background(), core.Event{}); !errors.Is(err, core.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	e = New("r", Config{Out: "out:{channel}"}, logger)
	if err := e.Send(context.Background(), core.Event{}); !errors.Is(err, core.ErrEndpointUnavailable) {
		t.Fatalf("expected ErrEndpointUnavailable, got %v", err)
	}
	if got := e.cfg.TargetFor(core.Event{Channel: "c"}); got != "out:c" {
		t.Fatalf("unexpected target %s", got)
	}
}
