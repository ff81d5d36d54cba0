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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/wire"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/dispatcher"
)

// EngineState is the observable state of the subscribe loop.
type EngineState int32

const (
	EngineIdle EngineState = iota
	EnginePolling
	EngineBackoff
)

func (s EngineState) String() string {
	switch s {
	case EnginePolling:
		return "polling"
	case EngineBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

var errInterrupted = errors.New("poll interrupted")

// cursorBox serializes cursor access between the engine and the public API.
// Explicit overrides bump the version so a poll that was built from an older
// cursor cannot overwrite them.
type cursorBox struct {
	mu      sync.Mutex
	cur     core.Cursor
	version uint64
}

func (b *cursorBox) load() (core.Cursor, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur, b.version
}

func (b *cursorBox) set(fn func(*core.Cursor)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.cur)
	b.version++
}

// advance moves the cursor forward; it never moves it back.
func (b *cursorBox) advance(version uint64, next core.Cursor) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.version != version || next.Timetoken < b.cur.Timetoken {
		return false
	}
	b.cur = next
	return true
}

type pollResult struct {
	status int
	body   []byte
	err    error
}

// engine drives the long-poll loop. At most one loop goroutine runs at a
// time; kick starts it and wakes it when the targets change.
type engine struct {
	c      *Client
	logger *slog.Logger
	wake   chan struct{}
	dedupe *expirable.LRU[string, struct{}]
	state  atomic.Int32

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func newEngine(c *Client) *engine {
	e := &engine{
		c:      c,
		logger: c.logger.With("component", "subscribe-engine"),
		wake:   make(chan struct{}, 1),
	}
	if c.opts.DedupeCacheSize > 0 {
		e.dedupe = expirable.NewLRU[string, struct{}](c.opts.DedupeCacheSize, nil, c.opts.DedupeTTL)
	}
	return e
}

func (e *engine) State() EngineState {
	return EngineState(e.state.Load())
}

func (e *engine) setState(s EngineState) {
	e.state.Store(int32(s))
}

// kick starts the loop when it is idle and targets exist. With restart set a
// running loop abandons its in-flight poll and rebuilds the request.
func (e *engine) kick(restart bool) {
	e.mu.Lock()
	if !e.running {
		if e.c.subs.isEmpty() || e.c.ctx.Err() != nil {
			e.mu.Unlock()
			return
		}
		e.running = true
		e.done = make(chan struct{})
		go e.run(e.done)
		e.mu.Unlock()
		return
	}
	if !restart {
		e.mu.Unlock()
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	e.mu.Unlock()

	e.c.pool.Release(e.c.Origin(), dispatcher.ModeAsync, dispatcher.KindSubscribe)
}

// wait blocks until the current loop, if any, has exited.
func (e *engine) wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// finish marks the loop stopped unless a mutation arrived that needs it to
// keep going.
func (e *engine) finish(done chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.wake:
		if !e.c.subs.isEmpty() && e.c.ctx.Err() == nil {
			return true
		}
	default:
	}
	e.running = false
	e.setState(EngineIdle)
	close(done)
	return false
}

func (e *engine) run(done chan struct{}) {
	ctx := e.c.ctx
	bo := newBackoff(e.c.opts.Backoff)

	var (
		retries   int
		connected bool
		failed    bool
		last      snapshot
	)
	reset := func() {
		retries, connected, failed = 0, false, false
		bo.reset()
	}

	for {
		select {
		case <-e.wake:
		default:
		}

		origin := e.c.Origin()
		if ctx.Err() != nil {
			e.disconnected(connected, origin, last)
			e.finish(done)
			return
		}

		snap := e.c.subs.snapshot(origin)
		if snap.empty() {
			e.c.pool.Release(origin, dispatcher.ModeAsync, dispatcher.KindSubscribe)
			e.disconnected(connected, origin, last)
			if e.finish(done) {
				reset()
				continue
			}
			return
		}
		last = snap

		cursor, version := e.c.cursor.load()
		e.setState(EnginePolling)
		res, err := e.poll(ctx, origin, snap, cursor)

		switch {
		case errors.Is(err, errInterrupted):
			e.logger.Debug("poll interrupted, rebuilding request", "origin", origin)
			continue
		case ctx.Err() != nil:
			continue
		case err != nil && core.IsRecoverable(err):
			retries++
			failed = true
			if retries <= e.c.opts.MaxRetries {
				delay := bo.next()
				e.logger.Warn("subscribe failed, retrying",
					"origin", origin,
					"attempt", retries,
					"max_retries", e.c.opts.MaxRetries,
					"delay", delay,
					"error", err,
				)
				e.setState(EngineBackoff)
				e.sleep(ctx, delay)
				continue
			}
			e.terminal(core.CategoryRetriesExhausted, err, origin, snap)
		case err != nil:
			e.terminal(categoryFor(err), err, origin, snap)
		}

		if err != nil {
			if e.finish(done) {
				reset()
				continue
			}
			return
		}

		if e.c.subs.currentGeneration() != snap.Generation {
			e.logger.Debug("targets changed during poll, discarding response", "origin", origin)
			continue
		}

		switch {
		case !connected:
			e.announce(core.CategoryConnected, nil, origin, snap)
		case failed:
			e.announce(core.CategoryReconnected, nil, origin, snap)
		}
		connected, failed, retries = true, false, 0
		bo.reset()

		e.deliver(res)

		if !e.c.cursor.advance(version, res.Cursor) {
			e.logger.Debug("cursor not advanced",
				"timetoken", res.Cursor.Timetoken,
				"region", res.Cursor.Region,
			)
		}

		if res.Origin != "" && res.Origin != origin {
			e.c.rotateOrigin(res.Origin)
			e.c.pool.Release(origin, dispatcher.ModeAsync, dispatcher.KindSubscribe)
		}
	}
}

func (e *engine) poll(ctx context.Context, origin string, snap snapshot, cursor core.Cursor) (*core.SubscribeResult, error) {
	req, err := e.c.builder().Subscribe(origin, wire.SubscribeParams{
		Channels:        snap.Channels,
		Groups:          snap.Groups,
		Cursor:          cursor,
		State:           snap.State,
		Filter:          snap.Filter,
		PresenceTimeout: e.c.presenceTimeout(),
	})
	if err != nil {
		return nil, err
	}

	d := e.c.pool.Acquire(origin, dispatcher.ModeAsync, dispatcher.KindSubscribe)
	results := make(chan pollResult, 1)
	d.Go(ctx, req, func(resp *http.Response, err error) {
		if err != nil {
			results <- pollResult{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		results <- pollResult{status: resp.StatusCode, body: body, err: err}
	})

	// A mutation can land between the snapshot and Acquire, when kick has
	// nothing to release yet. Its wake is still pending here.
	var r pollResult
	select {
	case r = <-results:
	case <-e.wake:
		e.c.pool.Release(origin, dispatcher.ModeAsync, dispatcher.KindSubscribe)
		<-results
		return nil, errInterrupted
	}

	if r.err != nil {
		select {
		case <-d.Done():
			return nil, errInterrupted
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wire.ClassifyTransport(core.OpSubscribe, r.err)
	}
	if err := wire.ClassifyResponse(core.OpSubscribe, r.status, r.body); err != nil {
		return nil, err
	}
	return e.c.formatter.ParseSubscribe(origin, r.body)
}

// sleep waits for the backoff delay; a target mutation ends it early.
func (e *engine) sleep(ctx context.Context, delay time.Duration) {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.wake:
	case <-ctx.Done():
	}
}

func (e *engine) deliver(res *core.SubscribeResult) {
	for _, item := range res.Items {
		switch {
		case item.Message != nil:
			msg := *item.Message
			if e.seen("m", msg.Channel, msg.Timetoken, msg.Publisher) {
				continue
			}
			if e.c.crypto != nil && msg.Type == core.MessageTypeMessage {
				plain, err := e.c.crypto.Decrypt(msg.Payload)
				if err != nil {
					msg.Error = err
				} else {
					msg.Payload = plain
				}
			}
			e.c.listeners.announceMessage(msg)
			if msg.Error != nil {
				e.c.listeners.announceStatus(core.Status{
					Category:         core.CategoryDecryptionError,
					Operation:        core.OpSubscribe,
					Error:            msg.Error,
					Origin:           msg.Origin,
					AffectedChannels: []string{msg.Channel},
				})
			}
		case item.Presence != nil:
			p := *item.Presence
			if e.seen("p", p.Channel, p.Timetoken, p.UUID+p.Action) {
				continue
			}
			e.c.listeners.announcePresence(p)
		}
	}
}

func (e *engine) seen(kind, channel string, timetoken int64, who string) bool {
	if e.dedupe == nil {
		return false
	}
	key := fmt.Sprintf("%s|%s|%d|%s", kind, channel, timetoken, who)
	if e.dedupe.Contains(key) {
		e.logger.Debug("duplicate item dropped", "channel", channel, "timetoken", timetoken)
		return true
	}
	e.dedupe.Add(key, struct{}{})
	return false
}

func (e *engine) terminal(category core.Category, err error, origin string, snap snapshot) {
	e.logger.Error("subscribe loop stopped",
		"origin", origin,
		"category", category.String(),
		"error", err,
	)
	e.c.pool.Release(origin, dispatcher.ModeAsync, dispatcher.KindSubscribe)
	e.c.listeners.announceStatus(core.Status{
		Category:         category,
		Operation:        core.OpSubscribe,
		Error:            err,
		Origin:           origin,
		AffectedChannels: snap.Channels,
		AffectedGroups:   snap.Groups,
		Terminal:         true,
	})
}

func (e *engine) disconnected(connected bool, origin string, last snapshot) {
	if !connected {
		return
	}
	e.announce(core.CategoryDisconnected, nil, origin, last)
}

func (e *engine) announce(category core.Category, err error, origin string, snap snapshot) {
	e.logger.Info("subscribe status", "category", category.String(), "origin", origin)
	e.c.listeners.announceStatus(core.Status{
		Category:         category,
		Operation:        core.OpSubscribe,
		Error:            err,
		Origin:           origin,
		AffectedChannels: snap.Channels,
		AffectedGroups:   snap.Groups,
	})
}

func categoryFor(err error) core.Category {
	switch {
	case errors.Is(err, core.ErrAccessDenied):
		return core.CategoryAccessDenied
	case errors.Is(err, core.ErrMalformedResponse):
		return core.CategoryMalformedResponse
	default:
		return core.CategoryBadRequest
	}
}
