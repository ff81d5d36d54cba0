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

// Package dispatcher pools HTTP transports per origin, call mode and request
// kind so that long polls and short commands never share a connection pool.
package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
)

const (
	DefaultSubscribeTimeout    = 310 * time.Second
	DefaultNonSubscribeTimeout = 10 * time.Second
)

type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
)

func (m Mode) String() string {
	if m == ModeAsync {
		return "async"
	}
	return "sync"
}

type Kind int

const (
	KindSubscribe Kind = iota
	KindSingleShot
)

func (k Kind) String() string {
	if k == KindSubscribe {
		return "subscribe"
	}
	return "single_shot"
}

type Key struct {
	Origin string
	Mode   Mode
	Kind   Kind
}

// Dispatcher is a pooled transport bound to one Key. Releasing it from the
// pool interrupts every request still in flight.
type Dispatcher struct {
	key       Key
	client    *http.Client
	transport *http.Transport
	ctx       context.Context
	cancel    context.CancelFunc
	created   time.Time
}

func (d *Dispatcher) Key() Key               { return d.key }
func (d *Dispatcher) Timeout() time.Duration { return d.client.Timeout }
func (d *Dispatcher) Done() <-chan struct{}  { return d.ctx.Done() }
func (d *Dispatcher) CreatedAt() time.Time   { return d.created }

// Do sends req and blocks until the response headers arrive. The request is
// bound to both ctx and the dispatcher's lifetime.
func (d *Dispatcher) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.ctx, cancel)

	resp, err := d.client.Do(req.WithContext(reqCtx))
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	resp.Body = &boundBody{ReadCloser: resp.Body, release: func() {
		stop()
		cancel()
	}}
	return resp, nil
}

// Go sends req on its own goroutine and hands the result to fn.
func (d *Dispatcher) Go(ctx context.Context, req *http.Request, fn func(*http.Response, error)) {
	go func() {
		fn(d.Do(ctx, req))
	}()
}

type Options struct {
	SubscribeTimeout    time.Duration
	NonSubscribeTimeout time.Duration

	// Proxy defaults to http.ProxyFromEnvironment.
	Proxy func(*http.Request) (*url.URL, error)
}

type Pool struct {
	mu          sync.Mutex
	dispatchers map[Key]*Dispatcher
	opts        Options
	logger      *slog.Logger
}

func NewPool(opts Options, logger *slog.Logger) *Pool {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if opts.NonSubscribeTimeout <= 0 {
		opts.NonSubscribeTimeout = DefaultNonSubscribeTimeout
	}
	if opts.Proxy == nil {
		opts.Proxy = http.ProxyFromEnvironment
	}
	return &Pool{
		dispatchers: make(map[Key]*Dispatcher),
		opts:        opts,
		logger:      logger,
	}
}

// Acquire returns the live dispatcher for the key, creating it if absent.
func (p *Pool) Acquire(origin string, mode Mode, kind Kind) *Dispatcher {
	key := Key{Origin: origin, Mode: mode, Kind: kind}

	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.dispatchers[key]; ok {
		return d
	}

	timeout := p.opts.NonSubscribeTimeout
	if kind == KindSubscribe {
		timeout = p.opts.SubscribeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	transport := p.newTransport(kind)
	d := &Dispatcher{
		key: key,
		client: &http.Client{
			Timeout:   timeout,
			Transport: gzhttp.Transport(transport),
		},
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		created:   time.Now(),
	}
	p.dispatchers[key] = d

	p.logger.Debug("dispatcher created",
		"origin", origin,
		"mode", mode.String(),
		"kind", kind.String(),
		"timeout", timeout,
	)
	return d
}

// Release kills the dispatcher for the key and clears its slot. Releasing an
// absent key is a no-op.
func (p *Pool) Release(origin string, mode Mode, kind Kind) {
	key := Key{Origin: origin, Mode: mode, Kind: kind}

	p.mu.Lock()
	d, ok := p.dispatchers[key]
	if ok {
		delete(p.dispatchers, key)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	p.terminate(d)
}

func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	all := p.dispatchers
	p.dispatchers = make(map[Key]*Dispatcher)
	p.mu.Unlock()

	for _, d := range all {
		p.terminate(d)
	}
}

func (p *Pool) Lookup(key Key) (*Dispatcher, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.dispatchers[key]
	return d, ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dispatchers)
}

func (p *Pool) terminate(d *Dispatcher) {
	d.cancel()
	d.transport.CloseIdleConnections()
	p.logger.Debug("dispatcher released",
		"origin", d.key.Origin,
		"mode", d.key.Mode.String(),
		"kind", d.key.Kind.String(),
		"age", time.Since(d.CreatedAt()),
	)
}

func (p *Pool) newTransport(kind Kind) *http.Transport {
	t := &http.Transport{
		Proxy: p.opts.Proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	if kind == KindSubscribe {
		// one long poll at a time per origin
		t.MaxIdleConnsPerHost = 1
	}
	return t
}

// boundBody keeps the request context alive until the caller closes the body.
type boundBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *boundBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
