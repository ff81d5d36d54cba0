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

package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAcquireReturnsSameDispatcher(t *testing.T) {
	pool := NewPool(Options{}, testLogger())

	a := pool.Acquire("ps.example.com", ModeAsync, KindSubscribe)
	b := pool.Acquire("ps.example.com", ModeAsync, KindSubscribe)
	if a != b {
		t.Fatal("expected the same dispatcher for the same key")
	}
	if pool.Len() != 1 {
		t.Fatalf("expected 1 dispatcher, got %d", pool.Len())
	}
}

func TestAcquireDistinctKeys(t *testing.T) {
	pool := NewPool(Options{SubscribeTimeout: time.Minute, NonSubscribeTimeout: 2 * time.Second}, testLogger())

	sub := pool.Acquire("a", ModeAsync, KindSubscribe)
	shot := pool.Acquire("a", ModeAsync, KindSingleShot)
	syncShot := pool.Acquire("a", ModeSync, KindSingleShot)
	other := pool.Acquire("b", ModeAsync, KindSubscribe)

	if sub == shot || shot == syncShot || sub == other {
		t.Fatal("expected distinct dispatchers per key")
	}
	if pool.Len() != 4 {
		t.Fatalf("expected 4 dispatchers, got %d", pool.Len())
	}
	if sub.Timeout() != time.Minute {
		t.Fatalf("expected subscribe timeout 1m, got %v", sub.Timeout())
	}
	if shot.Timeout() != 2*time.Second {
		t.Fatalf("expected single-shot timeout 2s, got %v", shot.Timeout())
	}
}

func TestDefaultTimeouts(t *testing.T) {
	pool := NewPool(Options{}, testLogger())
	if got := pool.Acquire("a", ModeSync, KindSubscribe).Timeout(); got != DefaultSubscribeTimeout {
		t.Fatalf("expected %v, got %v", DefaultSubscribeTimeout, got)
	}
	if got := pool.Acquire("a", ModeSync, KindSingleShot).Timeout(); got != DefaultNonSubscribeTimeout {
		t.Fatalf("expected %v, got %v", DefaultNonSubscribeTimeout, got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool := NewPool(Options{}, testLogger())
	d := pool.Acquire("a", ModeAsync, KindSubscribe)

	pool.Release("a", ModeAsync, KindSubscribe)
	pool.Release("a", ModeAsync, KindSubscribe)
	pool.Release("never", ModeSync, KindSingleShot)

	select {
	case <-d.Done():
	default:
		t.Fatal("expected released dispatcher to be done")
	}
	if _, ok := pool.Lookup(Key{Origin: "a", Mode: ModeAsync, Kind: KindSubscribe}); ok {
		t.Fatal("expected slot to be cleared")
	}

	replacement := pool.Acquire("a", ModeAsync, KindSubscribe)
	if replacement == d {
		t.Fatal("expected a fresh dispatcher after release")
	}
	if replacement.CreatedAt().Before(d.CreatedAt()) {
		t.Fatalf("replacement created at %v, before %v", replacement.CreatedAt(), d.CreatedAt())
	}
}

func TestReleaseInterruptsInFlightRequest(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	defer srv.Close()
	defer close(done)

	u, _ := url.Parse(srv.URL)
	pool := NewPool(Options{}, testLogger())
	d := pool.Acquire(u.Host, ModeAsync, KindSubscribe)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	result := make(chan error, 1)
	d.Go(context.Background(), req, func(resp *http.Response, err error) {
		if resp != nil {
			resp.Body.Close()
		}
		result <- err
	})

	time.Sleep(50 * time.Millisecond)
	pool.Release(u.Host, ModeAsync, KindSubscribe)

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expected the in-flight request to fail after release")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("release did not interrupt the in-flight request")
	}
}

func TestDoReadsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1,"Sent","1"]`))
	}))
	defer srv.Close()

	pool := NewPool(Options{}, testLogger())
	d := pool.Acquire("local", ModeSync, KindSingleShot)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := d.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != `[1,"Sent","1"]` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestProxyIsHonored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var calls atomic.Int32
	pool := NewPool(Options{Proxy: func(*http.Request) (*url.URL, error) {
		calls.Add(1)
		return nil, nil
	}}, testLogger())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := pool.Acquire("local", ModeSync, KindSingleShot).Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if calls.Load() == 0 {
		t.Fatal("expected proxy func to be consulted")
	}
}

func TestReleaseAll(t *testing.T) {
	pool := NewPool(Options{}, testLogger())
	var ds []*Dispatcher
	for _, origin := range []string{"a", "b", "c"} {
		ds = append(ds, pool.Acquire(origin, ModeAsync, KindSubscribe))
	}

	pool.ReleaseAll()
	if pool.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", pool.Len())
	}
	for _, d := range ds {
		select {
		case <-d.Done():
		default:
			t.Fatalf("dispatcher %s still live", d.Key().Origin)
		}
	}
}

func TestConcurrentAcquireSingleDispatcher(t *testing.T) {
	pool := NewPool(Options{}, testLogger())
	var wg sync.WaitGroup
	got := make(chan *Dispatcher, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got <- pool.Acquire("a", ModeAsync, KindSubscribe)
		}()
	}
	wg.Wait()
	close(got)

	first := <-got
	for d := range got {
		if d != first {
			t.Fatal("expected exactly one dispatcher per key")
		}
	}
}
