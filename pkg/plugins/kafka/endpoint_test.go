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

package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("k", map[string]string{
		"brokers":   "a:9092, b:9092,",
		"topic_out": "events",
		"codec":     "json",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Brokers)
	}
	if cfg.GroupID != "pubsub-bridge-k" {
		t.Fatalf("unexpected default group %s", cfg.GroupID)
	}
	if cfg.Codec != core.CodecJSON {
		t.Fatalf("unexpected codec %s", cfg.Codec)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []map[string]string{
		{"topic_out": "x"},
		{"brokers": "a:9092"},
		{"brokers": "a:9092", "topic_out": "x", "codec": "xml"},
	}
	for _, m := range tests {
		if _, err := ParseConfig("k", m); !errors.Is(err, core.ErrInvalidConfig) {
			t.Fatalf("ParseConfig(%v): expected ErrInvalidConfig, got %v", m, err)
		}
	}
}

func TestSendWithoutTopicOut(t *testing.T) {
	e := New("k", Config{Brokers: []string{"a:9092"}, TopicIn: "in"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := e.Send(context.Background(), core.Event{}); !errors.Is(err, core.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestHeaders(t *testing.T) {
	evt := core.Event{ID: "e1", Channel: "orders", Timetoken: 42, Type: core.EventTypeSignal}
	got := map[string]string{}
	for _, h := range kafkaHeaders(evt) {
		got[h.Key] = string(h.Value)
	}
	if got[core.HeaderEventID] != "e1" || got[core.HeaderChannel] != "orders" ||
		got[core.HeaderTimetoken] != "42" || got[core.HeaderType] != "signal" {
		t.Fatalf("unexpected headers %v", got)
	}

	meta := mergeHeaders(nil, kafka.Message{
		Key:     []byte("k1"),
		Headers: []kafka.Header{{Key: "trace", Value: []byte("t1")}},
	})
	if meta["trace"] != "t1" || meta["kafka_key"] != "k1" {
		t.Fatalf("unexpected metadata %v", meta)
	}
}
