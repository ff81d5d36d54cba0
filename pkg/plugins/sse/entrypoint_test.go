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

package sse

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type fakeManager struct {
	created   chan *core.Session
	destroyed chan string
}

func (m *fakeManager) CreateSession(ctx context.Context, entrypointName, clientID string) (*core.Session, error) {
	sess := &core.Session{
		ID:             "s1",
		ClientID:       clientID,
		EntrypointName: entrypointName,
		Downstream:     make(chan core.Event, 4),
		Upstream:       make(chan core.Event, 4),
		Done:           make(chan struct{}),
	}
	m.created <- sess
	return sess, nil
}

func (m *fakeManager) DestroySession(id string) error {
	m.destroyed <- id
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamsEvents(t *testing.T) {
	m := &fakeManager{created: make(chan *core.Session, 1), destroyed: make(chan string, 1)}
	e := New("sse-out", 0, core.CodecRaw, discard())
	srv := httptest.NewServer(e.Handler(m))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %s", ct)
	}

	sess := <-m.created
	sess.Downstream <- core.Event{ID: "e1", Type: core.EventTypePresence, Payload: []byte(`{"action":"join"}`)}

	reader := bufio.NewReader(resp.Body)
	var lines []string
	deadline := time.After(2 * time.Second)
	for len(lines) < 3 {
		lineCh := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			lineCh <- strings.TrimRight(line, "\n")
		}()
		select {
		case line := <-lineCh:
			if line != "" {
				lines = append(lines, line)
			}
		case <-deadline:
			t.Fatalf("timed out, read %v", lines)
		}
	}

	want := []string{"id: e1", "event: presence", `data: {"action":"join"}`}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}

	cancel()
	select {
	case id := <-m.destroyed:
		if id != "s1" {
			t.Fatalf("destroyed %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session not destroyed after client left")
	}
}

func TestWriteEventSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	if err := writeEvent(&buf, core.Event{ID: "1", Type: core.EventTypeMessage}, []byte("a\nb")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "id: 1\nevent: message\ndata: a\ndata: b\n\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestCBORFallsBackToJSON(t *testing.T) {
	e := New("sse-out", 0, core.CodecCBOR, discard())
	if e.codec != core.CodecJSON {
		t.Fatalf("expected json codec, got %s", e.codec)
	}
}
