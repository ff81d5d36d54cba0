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
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/wire"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/dispatcher"
)

// heartbeat announces presence on its own ticker while targets exist. It
// never touches the subscribe loop.
type heartbeat struct {
	c      *Client
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	active   bool
	run      *heartbeatRun
	lastFire time.Time
}

type heartbeatRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newHeartbeat(c *Client, interval time.Duration) *heartbeat {
	return &heartbeat{
		c:        c,
		logger:   c.logger.With("component", "heartbeat"),
		interval: interval,
	}
}

// sync starts the ticker when targets appear and stops it when they are gone.
func (h *heartbeat) sync(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = active
	switch {
	case active && h.run == nil && h.interval > 0:
		h.startLocked()
	case !active && h.run != nil:
		h.run.cancel()
		h.run = nil
	}
}

// setInterval applies at the next tick of a running ticker.
func (h *heartbeat) setInterval(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interval = d
	if d > 0 && h.active && h.run == nil {
		h.startLocked()
	}
}

func (h *heartbeat) getInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

func (h *heartbeat) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run != nil
}

func (h *heartbeat) LastFire() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFire
}

func (h *heartbeat) startLocked() {
	ctx, cancel := context.WithCancel(h.c.ctx)
	run := &heartbeatRun{cancel: cancel, done: make(chan struct{})}
	h.run = run
	go h.loop(ctx, run, h.interval)
	h.logger.Debug("heartbeat started", "interval", h.interval)
}

// stop cancels the ticker and waits for it to exit.
func (h *heartbeat) stop() {
	h.mu.Lock()
	run := h.run
	h.run = nil
	h.active = false
	h.mu.Unlock()

	if run != nil {
		run.cancel()
		<-run.done
	}
}

func (h *heartbeat) loop(ctx context.Context, run *heartbeatRun, interval time.Duration) {
	defer close(run.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		next := h.interval
		if next <= 0 {
			if h.run == run {
				h.run = nil
			}
			h.mu.Unlock()
			run.cancel()
			h.logger.Debug("heartbeat disabled")
			return
		}
		h.lastFire = time.Now()
		h.mu.Unlock()

		h.fire(ctx)

		if next != interval {
			ticker.Reset(next)
			interval = next
		}
	}
}

func (h *heartbeat) fire(ctx context.Context) {
	origin := h.c.Origin()
	snap := h.c.subs.snapshot(origin)
	channels := withoutPresence(snap.Channels)
	groups := withoutPresence(snap.Groups)
	if len(channels)+len(groups) == 0 {
		return
	}

	req, err := h.c.builder().Heartbeat(origin, wire.HeartbeatParams{
		Channels:        channels,
		Groups:          groups,
		State:           snap.State,
		PresenceTimeout: h.c.presenceTimeout(),
	})
	if err != nil {
		h.failed(err, origin, channels, groups)
		return
	}

	d := h.c.pool.Acquire(origin, dispatcher.ModeAsync, dispatcher.KindSingleShot)
	d.Go(ctx, req, func(resp *http.Response, err error) {
		if _, err := readResponse(core.OpHeartbeat, resp, err); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.failed(err, origin, channels, groups)
		}
	})
}

func (h *heartbeat) failed(err error, origin string, channels, groups []string) {
	h.logger.Warn("heartbeat failed", "origin", origin, "error", err)
	h.c.listeners.announceStatus(core.Status{
		Category:         core.CategoryHeartbeatFailed,
		Operation:        core.OpHeartbeat,
		Error:            err,
		Origin:           origin,
		AffectedChannels: channels,
		AffectedGroups:   groups,
	})
}

func withoutPresence(names []string) []string {
	return slices.DeleteFunc(slices.Clone(names), core.IsPresenceChannel)
}
