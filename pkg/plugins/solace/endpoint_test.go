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

package solace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"solace.dev/go/messaging/pkg/solace/config"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("s", map[string]string{"host": "tcp://localhost:55555", "topic_out": "bridge/{channel}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VPN != "default" {
		t.Fatalf("expected default vpn, got %s", cfg.VPN)
	}
	if got := cfg.TopicFor(core.Event{Channel: "a.b"}); got != "bridge/a.b" {
		t.Fatalf("unexpected topic %s", got)
	}

	tests := []map[string]string{
		{"topic_in": "t"},
		{"host": "h"},
		{"host": "h", "topic_in": "t", "codec": "xml"},
	}
	for _, m := range tests {
		if _, err := ParseConfig("s", m); !errors.Is(err, core.ErrInvalidConfig) {
			t.Fatalf("ParseConfig(%v): expected ErrInvalidConfig, got %v", m, err)
		}
	}
}

func TestSendWithoutConnection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := New("s", Config{Host: "h", TopicIn: "t"}, logger)
	if err := e.Send(context.Background(), core.Event{}); !errors.Is(err, core.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}

	e = New("s", Config{Host: "h", TopicOut: "t"}, logger)
	if err := e.Send(context.Background(), core.Event{}); !errors.Is(err, core.ErrEndpointUnavailable) {
		t.Fatalf("expected ErrEndpointUnavailable, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.StartConsumer(ctx, nil); err != nil {
		t.Fatalf("expected consumer without topic_in to return cleanly, got %v", err)
	}

	e = New("s", Config{Host: "h", TopicIn: "t"}, logger)
	if err := e.StartConsumer(context.Background(), nil); !errors.Is(err, core.ErrEndpointUnavailable) {
		t.Fatalf("expected ErrEndpointUnavailable, got %v", err)
	}
}

func TestProperties(t *testing.T) {
	props := properties(core.Event{ID: "e1", Channel: "c", Publisher: "p"})
	if props[config.MessageProperty(core.HeaderEventID)] != "e1" {
		t.Fatalf("missing event id: %v", props)
	}
	if props[config.MessageProperty(core.HeaderPublisher)] != "p" {
		t.Fatalf("missing publisher: %v", props)
	}
}
