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

package plugins

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/config"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type mockEndpoint struct {
	name string

	mu          sync.Mutex
	failures    int
	connects    int
	disconnects int
}

func (m *mockEndpoint) Name() string { return m.name }
func (m *mockEndpoint) Type() string { return "mock" }
func (m *mockEndpoint) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	<-ctx.Done()
	return nil
}
func (m *mockEndpoint) Send(ctx context.Context, evt core.Event) error { return nil }

func (m *mockEndpoint) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.failures > 0 {
		m.failures--
		return errors.New("broker down")
	}
	return nil
}

func (m *mockEndpoint) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
	return nil
}

type mockEntrypoint struct {
	name     string
	startErr error
	stopped  bool
}

func (m *mockEntrypoint) Name() string { return m.name }
func (m *mockEntrypoint) Type() string { return "mock" }
func (m *mockEntrypoint) Start(ctx context.Context, manager core.SessionManager) error {
	if m.startErr != nil {
		return m.startErr
	}
	<-ctx.Done()
	return nil
}
func (m *mockEntrypoint) Stop(ctx context.Context) error {
	m.stopped = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterDuplicateName(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.RegisterEndpoint(&mockEndpoint{name: "a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RegisterEntrypoint(&mockEntrypoint{name: "a"}); !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if len(r.Entrypoints()) != 0 || len(r.Endpoints()) != 1 {
		t.Fatal("duplicate should not be registered")
	}
}

func TestConnectEndpoints(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.RegisterEndpoint(&mockEndpoint{name: "up"})
	_ = r.RegisterEndpoint(&mockEndpoint{name: "down", failures: 1})

	if n := r.ConnectEndpoints(context.Background()); n != 1 {
		t.Fatalf("expected 1 connected endpoint, got %d", n)
	}
	if !r.IsEndpointHealthy("up") || r.IsEndpointHealthy("down") {
		t.Fatal("unexpected health state")
	}
	if got := r.Unhealthy(); len(got) != 1 || got[0] != "down" {
		t.Fatalf("unexpected unhealthy list %v", got)
	}
	if r.IsEndpointHealthy("missing") {
		t.Fatal("unknown endpoint should not be healthy")
	}
}

func TestMonitorEndpointsReconnects(t *testing.T) {
	r := NewRegistry(testLogger())
	ep := &mockEndpoint{name: "down", failures: 2}
	_ = r.RegisterEndpoint(ep)
	r.ConnectEndpoints(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.MonitorEndpoints(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !r.IsEndpointHealthy("down") {
		if time.Now().After(deadline) {
			t.Fatal("endpoint was not reconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.connects != 3 {
		t.Fatalf("expected 3 connect attempts, got %d", ep.connects)
	}
}

func TestStartEntrypointsFailureCancelsOthers(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.RegisterEntrypoint(&mockEntrypoint{name: "ok"})
	_ = r.RegisterEntrypoint(&mockEntrypoint{name: "bad", startErr: errors.New("address in use")})

	done := make(chan error, 1)
	go func() { done <- r.StartEntrypoints(context.Background(), nil) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected start error")
		}
	case <-time.After(time.Second):
		t.Fatal("StartEntrypoints did not return")
	}
}

func TestStopAll(t *testing.T) {
	r := NewRegistry(testLogger())
	entry := &mockEntrypoint{name: "in"}
	ep := &mockEndpoint{name: "out"}
	_ = r.RegisterEntrypoint(entry)
	_ = r.RegisterEndpoint(ep)
	r.ConnectEndpoints(context.Background())

	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !entry.stopped || ep.disconnects != 1 {
		t.Fatal("expected everything to be stopped")
	}
	if r.IsEndpointHealthy("out") {
		t.Fatal("stopped endpoint should not be healthy")
	}
}

func TestBuild(t *testing.T) {
	cfg := &config.Config{
		Entrypoints: []config.EntrypointConfig{
			{Name: "ws", Type: "websocket", Port: 8080},
			{Name: "events", Type: "sse", Port: 8081, Codec: "json"},
			{Name: "poll", Type: "http_get", Port: 8082},
			{Name: "post", Type: "http_post", Port: 8083},
		},
		Endpoints: []config.EndpointConfig{
			{Name: "k", Type: "kafka", Config: map[string]string{"brokers": "localhost:9092", "topic_out": "t"}},
			{Name: "r", Type: "rabbitmq", Config: map[string]string{"url": "amqp://localhost", "queue_out": "q"}},
			{Name: "j", Type: "jms", Config: map[string]string{"url": "amqp://localhost:5672", "queue_out": "q"}},
			{Name: "m5", Type: "mqtt5", Config: map[string]string{"broker": "mqtt://localhost:1883", "topic_out": "t"}},
			{Name: "m3", Type: "mqtt", Config: map[string]string{"broker": "tcp://localhost:1883", "topic_out": "t"}},
			{Name: "s", Type: "solace", Config: map[string]string{"host": "tcp://localhost:55555", "topic_out": "t"}},
			{Name: "rd", Type: "redis", Config: map[string]string{"out": "c"}},
		},
	}

	r := NewRegistry(testLogger())
	if err := r.Build(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Entrypoints()) != 4 || len(r.Endpoints()) != 7 {
		t.Fatalf("unexpected registry size %d/%d", len(r.Entrypoints()), len(r.Endpoints()))
	}
	if got := r.Endpoints()["m3"].Type(); got != "mqtt" {
		t.Fatalf("unexpected type %s", got)
	}
}

func TestBuildUnknownType(t *testing.T) {
	tests := []*config.Config{
		{Entrypoints: []config.EntrypointConfig{{Name: "x", Type: "grpc"}}},
		{Endpoints: []config.EndpointConfig{{Name: "x", Type: "nats"}}},
		{Entrypoints: []config.EntrypointConfig{{Name: "x", Type: "sse", Codec: "xml"}}},
	}
	for _, cfg := range tests {
		if err := NewRegistry(testLogger()).Build(cfg); !errors.Is(err, core.ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	}
}
