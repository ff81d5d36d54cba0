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

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/policy"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/pubsub"
)

type mockEndpoint struct {
	name     string
	failures atomic.Int32
	sent     chan core.Event
	incoming []core.BrokerMessage
}

func newMockEndpoint(name string) *mockEndpoint {
	return &mockEndpoint{name: name, sent: make(chan core.Event, 64)}
}

func (m *mockEndpoint) Name() string { return m.name }
func (m *mockEndpoint) Type() string { return "mock" }

func (m *mockEndpoint) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	for _, msg := range m.incoming {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (m *mockEndpoint) Send(ctx context.Context, evt core.Event) error {
	if m.failures.Load() > 0 {
		m.failures.Add(-1)
		return errors.New("broker unavailable")
	}
	m.sent <- evt
	return nil
}

func (m *mockEndpoint) Connect(ctx context.Context) error    { return nil }
func (m *mockEndpoint) Disconnect(ctx context.Context) error { return nil }

type delivery struct {
	entrypoint string
	evt        core.Event
	guarantee  core.DeliveryGuarantee
}

type mockSessions struct {
	ch chan delivery
}

func (m *mockSessions) Deliver(ctx context.Context, entrypointName string, evt core.Event, g core.DeliveryGuarantee) int {
	m.ch <- delivery{entrypoint: entrypointName, evt: evt, guarantee: g}
	return 1
}

type mockPublisher struct {
	mu   sync.Mutex
	err  error
	sent []string
	ch   chan string
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, payload []byte, meta map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, channel+":"+string(payload))
	m.ch <- channel
	return nil
}

type mockClient struct {
	last pubsub.PublishInput
}

func (m *mockClient) Publish(ctx context.Context, in pubsub.PublishInput) (pubsub.PublishResult, error) {
	m.last = in
	return pubsub.PublishResult{Timetoken: 1}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitEvent(t *testing.T, ch <-chan core.Event) core.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return core.Event{}
	}
}

func TestMessageRoutedToEndpoint(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "orders.*", Target: "kafka", DeliveryGuarantee: core.DeliveryAtLeastOnce})
	ep := newMockEndpoint("kafka")

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{
		Origin:       "ps.example.com",
		Channel:      "orders.eu",
		Subscription: "orders.*",
		Publisher:    "user-1",
		Payload:      json.RawMessage(`{"id":1}`),
		Meta:         json.RawMessage(`{"k":"v"}`),
		Timetoken:    15000000000000001,
	})

	evt := waitEvent(t, ep.sent)
	if evt.Channel != "orders.eu" || evt.Subscription != "orders.*" {
		t.Fatalf("unexpected routing fields %+v", evt)
	}
	if string(evt.Payload) != `{"id":1}` {
		t.Fatalf("unexpected payload %s", evt.Payload)
	}
	if evt.Timetoken != 15000000000000001 || evt.Publisher != "user-1" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Metadata["meta"] != `{"k":"v"}` || evt.Metadata["origin"] != "ps.example.com" {
		t.Fatalf("unexpected metadata %v", evt.Metadata)
	}
	if evt.ID == "" {
		t.Fatal("event id not set")
	}
}

func TestUnmatchedMessageDropped(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "orders.*", Target: "kafka"})
	ep := newMockEndpoint("kafka")

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{Channel: "billing", Payload: json.RawMessage(`1`)})

	select {
	case evt := <-ep.sent:
		t.Fatalf("unexpected delivery %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUndecryptableMessageDropped(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "*", Target: "kafka"})
	ep := newMockEndpoint("kafka")

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{Channel: "secret", Payload: json.RawMessage(`"xx"`), Error: core.ErrDecrypt})

	select {
	case evt := <-ep.sent:
		t.Fatalf("unexpected delivery %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAtLeastOnceRetriesSend(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "orders", Target: "kafka", DeliveryGuarantee: core.DeliveryAtLeastOnce})
	ep := newMockEndpoint("kafka")
	ep.failures.Store(2)

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{Channel: "orders", Payload: json.RawMessage(`1`)})

	evt := waitEvent(t, ep.sent)
	if evt.Channel != "orders" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if ep.failures.Load() != 0 {
		t.Fatalf("expected both failures to be retried, %d left", ep.failures.Load())
	}
}

func TestAtMostOnceDoesNotRetry(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "orders", Target: "kafka", DeliveryGuarantee: core.DeliveryAtMostOnce})
	ep := newMockEndpoint("kafka")
	ep.failures.Store(1)

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{Channel: "orders", Payload: json.RawMessage(`1`)})
	relay.Message(core.Message{Channel: "orders", Payload: json.RawMessage(`2`)})

	evt := waitEvent(t, ep.sent)
	if string(evt.Payload) != `2` {
		t.Fatalf("expected only the second event, got %s", evt.Payload)
	}
}

type unhealthy struct{}

func (unhealthy) IsEndpointHealthy(string) bool { return false }

func TestUnhealthyEndpointSkippedForAtMostOnce(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "orders", Target: "kafka", DeliveryGuarantee: core.DeliveryNone})
	ep := newMockEndpoint("kafka")

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, nil, unhealthy{}, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{Channel: "orders", Payload: json.RawMessage(`1`)})

	select {
	case evt := <-ep.sent:
		t.Fatalf("unexpected delivery to unhealthy endpoint %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEntrypointTargetGoesToSessions(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "alerts", Target: "ws-out", DeliveryGuarantee: core.DeliveryAtMostOnce})
	sessions := &mockSessions{ch: make(chan delivery, 4)}

	relay := NewRelay(routes, map[string]core.Endpoint{}, sessions, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{Channel: "alerts", Payload: json.RawMessage(`"fire"`)})

	select {
	case d := <-sessions.ch:
		if d.entrypoint != "ws-out" || d.evt.Channel != "alerts" {
			t.Fatalf("unexpected delivery %+v", d)
		}
		if d.guarantee != core.DeliveryAtMostOnce {
			t.Fatalf("expected route guarantee, got %v", d.guarantee)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered to sessions")
	}
}

func TestFanOutToEveryMatchingRoute(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "orders.*", Target: "kafka"})
	routes.Add(&core.Route{Source: "*", Target: "rabbit"})
	kafka := newMockEndpoint("kafka")
	rabbit := newMockEndpoint("rabbit")

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": kafka, "rabbit": rabbit}, nil, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{Channel: "orders.us", Payload: json.RawMessage(`1`)})

	waitEvent(t, kafka.sent)
	waitEvent(t, rabbit.sent)
}

func TestPresenceEventConverted(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "lobby", Target: "kafka"})
	ep := newMockEndpoint("kafka")

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Presence(core.PresenceEvent{
		Channel:   "lobby",
		Action:    "join",
		UUID:      "user-7",
		Occupancy: 3,
		Timestamp: 1700000000,
		Timetoken: 42,
	})

	evt := waitEvent(t, ep.sent)
	if !evt.IsPresence() {
		t.Fatalf("expected presence event, got %v", evt.Type)
	}
	var p presencePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Action != "join" || p.UUID != "user-7" || p.Occupancy != 3 {
		t.Fatalf("unexpected presence payload %+v", p)
	}
	if evt.Metadata["action"] != "join" {
		t.Fatalf("unexpected metadata %v", evt.Metadata)
	}
}

func TestMessageTypeMapsToEventType(t *testing.T) {
	tests := []struct {
		in   core.MessageType
		want core.EventType
	}{
		{core.MessageTypeMessage, core.EventTypeMessage},
		{core.MessageTypeSignal, core.EventTypeSignal},
		{core.MessageTypeObject, core.EventTypeObject},
		{core.MessageTypeAction, core.EventTypeObject},
		{core.MessageTypeFile, core.EventTypeFile},
	}
	for _, tt := range tests {
		if got := MessageEvent(core.Message{Type: tt.in}).Type; got != tt.want {
			t.Fatalf("MessageEvent(type %d).Type = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStartUpstreamPublishesAndAcks(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "rabbit", Target: "commands", Direction: core.DirectionUpstream})

	var acked, nacked atomic.Int32
	ep := newMockEndpoint("rabbit")
	ep.incoming = []core.BrokerMessage{{
		Event: core.Event{ID: "1", Payload: []byte(`{"cmd":"start"}`)},
		Ack:   func() error { acked.Add(1); return nil },
		Nack:  func() error { nacked.Add(1); return nil },
	}}
	pub := &mockPublisher{ch: make(chan string, 4)}

	relay := NewRelay(routes, map[string]core.Endpoint{"rabbit": ep}, nil, pub, nil, testLogger(), nil)
	defer relay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.StartUpstream(ctx) }()

	select {
	case ch := <-pub.ch:
		if ch != "commands" {
			t.Fatalf("expected publish to commands, got %s", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream message not published")
	}

	deadline := time.Now().Add(time.Second)
	for acked.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if acked.Load() != 1 || nacked.Load() != 0 {
		t.Fatalf("expected 1 ack and 0 nacks, got %d/%d", acked.Load(), nacked.Load())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("StartUpstream: %v", err)
	}
}

func TestStartUpstreamNacksOnPublishFailure(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "rabbit", Target: "commands", Direction: core.DirectionUpstream})

	nacked := make(chan struct{}, 1)
	ep := newMockEndpoint("rabbit")
	ep.incoming = []core.BrokerMessage{{
		Event: core.Event{ID: "1", Payload: []byte(`1`)},
		Nack:  func() error { nacked <- struct{}{}; return nil },
	}}
	pub := &mockPublisher{ch: make(chan string, 4), err: core.ErrAccessDenied}

	relay := NewRelay(routes, map[string]core.Endpoint{"rabbit": ep}, nil, pub, nil, testLogger(), nil)
	defer relay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.StartUpstream(ctx)

	select {
	case <-nacked:
	case <-time.After(2 * time.Second):
		t.Fatal("failed publish was not nacked")
	}
}

func TestPublisherEncodesPayload(t *testing.T) {
	client := &mockClient{}
	pub := NewPublisher(client)

	if err := pub.Publish(context.Background(), "c", []byte(`{"a":1}`), map[string]string{"k": "v"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	raw, ok := client.last.Message.(json.RawMessage)
	if !ok || string(raw) != `{"a":1}` {
		t.Fatalf("expected raw JSON message, got %#v", client.last.Message)
	}
	if client.last.Meta["k"] != "v" || client.last.Channel != "c" {
		t.Fatalf("unexpected input %+v", client.last)
	}

	if err := pub.Publish(context.Background(), "c", []byte("plain text"), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if s, ok := client.last.Message.(string); !ok || s != "plain text" {
		t.Fatalf("expected string message, got %#v", client.last.Message)
	}
}

func TestOverlappingRoutesDeliverOnce(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "orders.*", Target: "kafka"})
	routes.Add(&core.Route{Source: "*", Target: "kafka"})
	ep := newMockEndpoint("kafka")

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{Channel: "orders.us", Payload: json.RawMessage(`1`)})
	waitEvent(t, ep.sent)

	select {
	case evt := <-ep.sent:
		t.Fatalf("duplicate delivery %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

type flakyConsumer struct {
	*mockEndpoint
	starts atomic.Int32
}

func (f *flakyConsumer) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	if f.starts.Add(1) == 1 {
		return errors.New("connection reset")
	}
	return f.mockEndpoint.StartConsumer(ctx, ch)
}

func TestStartUpstreamRestartsFailedConsumer(t *testing.T) {
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "kafka", Target: "commands", Direction: core.DirectionUpstream})

	ep := &flakyConsumer{mockEndpoint: newMockEndpoint("kafka")}
	ep.incoming = []core.BrokerMessage{{Event: core.Event{ID: "1", Payload: []byte("go")}}}
	pub := &mockPublisher{ch: make(chan string, 4)}

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, pub, nil, testLogger(), nil)
	defer relay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.StartUpstream(ctx)

	select {
	case <-pub.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not restarted")
	}
	if ep.starts.Load() < 2 {
		t.Fatalf("expected a restart, got %d starts", ep.starts.Load())
	}
}

func TestRoutePolicyFiltersAndTransforms(t *testing.T) {
	chain, err := policy.Build([]policy.Spec{
		{Type: policy.TypeFilter, Config: map[string]string{"block_pattern": "internal"}},
		{Type: policy.TypeTransform, Config: map[string]string{"add_header": "via", "header_value": "bridge"}},
	})
	if err != nil {
		t.Fatalf("policy.Build: %v", err)
	}

	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "orders.*", Target: "kafka", Policy: chain})
	ep := newMockEndpoint("kafka")

	relay := NewRelay(routes, map[string]core.Endpoint{"kafka": ep}, nil, nil, nil, testLogger(), nil)
	defer relay.Close()

	relay.Message(core.Message{Channel: "orders.eu", Payload: json.RawMessage(`"internal"`)})
	relay.Message(core.Message{Channel: "orders.eu", Payload: json.RawMessage(`"public"`)})

	evt := waitEvent(t, ep.sent)
	if string(evt.Payload) != `"public"` {
		t.Fatalf("blocked event delivered: %s", evt.Payload)
	}
	if evt.Metadata["via"] != "bridge" {
		t.Fatalf("transform not applied: %v", evt.Metadata)
	}
	select {
	case extra := <-ep.sent:
		t.Fatalf("unexpected delivery %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartUpstreamAcksBlockedMessage(t *testing.T) {
	chain, err := policy.Build([]policy.Spec{{Type: policy.TypeFilter, Config: map[string]string{"block_pattern": "drop"}}})
	if err != nil {
		t.Fatalf("policy.Build: %v", err)
	}
	routes := routing.NewTable()
	routes.Add(&core.Route{Source: "rabbit", Target: "commands", Direction: core.DirectionUpstream, Policy: chain})

	acked := make(chan struct{}, 1)
	ep := newMockEndpoint("rabbit")
	ep.incoming = []core.BrokerMessage{{
		Event: core.Event{ID: "1", Payload: []byte(`"drop me"`)},
		Ack:   func() error { acked <- struct{}{}; return nil },
	}}
	pub := &mockPublisher{ch: make(chan string, 4)}

	relay := NewRelay(routes, map[string]core.Endpoint{"rabbit": ep}, nil, pub, nil, testLogger(), nil)
	defer relay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.StartUpstream(ctx)

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked message was not acked")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.sent) != 0 {
		t.Fatalf("blocked message was published: %v", pub.sent)
	}
}
