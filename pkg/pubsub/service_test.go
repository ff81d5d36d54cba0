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

package pubsub

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const waitTimeout = 3 * time.Second

type recorded struct {
	Path  string
	Query url.Values
}

// fakeService mimics the subscribe, presence, publish and time endpoints.
// Subscribe requests are held open until the client goes away unless a
// handler is installed.
type fakeService struct {
	srv   *httptest.Server
	stop  chan struct{}
	polls chan recorded

	mu          sync.Mutex
	pollCount   int
	heartbeats  []recorded
	leaves      []recorded
	publishes   []recorded
	onSubscribe func(n int, w http.ResponseWriter, r *http.Request)
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	svc := &fakeService{
		stop:  make(chan struct{}),
		polls: make(chan recorded, 512),
	}
	svc.srv = httptest.NewServer(http.HandlerFunc(svc.serve))
	t.Cleanup(func() {
		close(svc.stop)
		svc.srv.Close()
	})
	return svc
}

func (s *fakeService) host() string {
	return s.srv.Listener.Addr().String()
}

func (s *fakeService) setSubscribe(fn func(n int, w http.ResponseWriter, r *http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSubscribe = fn
}

func (s *fakeService) serve(w http.ResponseWriter, r *http.Request) {
	rec := recorded{Path: r.URL.Path, Query: r.URL.Query()}

	switch {
	case strings.HasPrefix(r.URL.Path, "/v2/subscribe/"):
		s.mu.Lock()
		s.pollCount++
		n := s.pollCount
		handler := s.onSubscribe
		s.mu.Unlock()

		select {
		case s.polls <- rec:
		default:
		}
		if handler == nil {
			s.hold(r)
			return
		}
		handler(n, w, r)

	case strings.HasSuffix(r.URL.Path, "/heartbeat"):
		s.mu.Lock()
		s.heartbeats = append(s.heartbeats, rec)
		s.mu.Unlock()
		writeBody(w, http.StatusOK, `{"status":200,"message":"OK","service":"Presence"}`)

	case strings.HasSuffix(r.URL.Path, "/leave"):
		s.mu.Lock()
		s.leaves = append(s.leaves, rec)
		s.mu.Unlock()
		writeBody(w, http.StatusOK, `{"status":200,"message":"OK","action":"leave","service":"Presence"}`)

	case strings.HasPrefix(r.URL.Path, "/publish/"):
		s.mu.Lock()
		s.publishes = append(s.publishes, rec)
		s.mu.Unlock()
		writeBody(w, http.StatusOK, `[1,"Sent","15000000000000001"]`)

	case r.URL.Path == "/time/0":
		writeBody(w, http.StatusOK, `[15000000000000000]`)

	default:
		writeBody(w, http.StatusNotFound, `{"status":404,"error":true,"message":"Not Found"}`)
	}
}

// hold keeps a long poll open until the client cancels it.
func (s *fakeService) hold(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-s.stop:
	}
}

func (s *fakeService) polled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCount
}

func (s *fakeService) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heartbeats)
}

func (s *fakeService) leaveRequests() []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recorded(nil), s.leaves...)
}

func writeBody(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func envelope(tt int64, region int, items ...string) string {
	return fmt.Sprintf(`{"t":{"t":"%d","r":%d},"m":[%s]}`, tt, region, strings.Join(items, ","))
}

func messageItem(channel, publisher string, tt int64, payload string) string {
	return fmt.Sprintf(`{"a":"1","f":0,"i":%q,"p":{"t":"%d","r":1},"k":"sub-c","c":%q,"d":%s,"b":%q}`,
		publisher, tt, channel, payload, channel)
}

// recorder is a listener that buffers everything it receives.
type recorder struct {
	statuses chan core.Status
	messages chan core.Message
	presence chan core.PresenceEvent
}

func newRecorder() *recorder {
	return &recorder{
		statuses: make(chan core.Status, 256),
		messages: make(chan core.Message, 256),
		presence: make(chan core.PresenceEvent, 256),
	}
}

func (r *recorder) Status(s core.Status)          { r.statuses <- s }
func (r *recorder) Message(m core.Message)        { r.messages <- m }
func (r *recorder) Presence(p core.PresenceEvent) { r.presence <- p }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, svc *fakeService, configure func(*Options)) (*Client, *recorder) {
	t.Helper()
	opts := Options{
		SubscribeKey: "sub-c",
		PublishKey:   "pub-c",
		UserID:       "user-1",
		Origin:       svc.host(),
		MaxRetries:   3,
		Backoff:      BackoffConfig{Initial: time.Millisecond, Max: 4 * time.Millisecond},
		Proxy:        func(*http.Request) (*url.URL, error) { return nil, nil },
	}
	if configure != nil {
		configure(&opts)
	}
	rec := newRecorder()
	opts.DefaultListener = rec

	c, err := NewClient(opts, discardLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func waitPoll(t *testing.T, svc *fakeService) recorded {
	t.Helper()
	select {
	case p := <-svc.polls:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a subscribe request")
		return recorded{}
	}
}

func waitStatus(t *testing.T, rec *recorder, category core.Category) core.Status {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-rec.statuses:
			if s.Category == category {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s status", category)
			return core.Status{}
		}
	}
}

func waitMessage(t *testing.T, rec *recorder) core.Message {
	t.Helper()
	select {
	case m := <-rec.messages:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a message")
		return core.Message{}
	}
}

func drainStatuses(rec *recorder) []core.Status {
	var out []core.Status
	for {
		select {
		case s := <-rec.statuses:
			out = append(out, s)
		default:
			return out
		}
	}
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}
