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

// Package bridge moves events between the pub/sub client and the configured
// endpoints and entrypoint sessions.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/logging"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const (
	defaultQueueSize = 64

	retryInitial = 100 * time.Millisecond
	retryMax     = 10 * time.Second
)

// Sessions delivers downstream events to the local clients of an entrypoint.
type Sessions interface {
	Deliver(ctx context.Context, entrypointName string, evt core.Event, guarantee core.DeliveryGuarantee) int
}

// HealthChecker reports whether an endpoint is currently connected.
type HealthChecker interface {
	IsEndpointHealthy(name string) bool
}

type job struct {
	evt   core.Event
	route *core.Route
}

type worker struct {
	target string
	queue  chan job
}

// Relay is a core.Listener on the pub/sub client. Every received message or
// presence event is matched against the downstream routes and queued on one
// worker per target.
type Relay struct {
	routes    *routing.Table
	endpoints map[string]core.Endpoint
	sessions  Sessions
	publisher core.Publisher
	health    HealthChecker
	logger    *slog.Logger
	packetLog *logging.PacketLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

func NewRelay(
	routes *routing.Table,
	endpoints map[string]core.Endpoint,
	sessions Sessions,
	publisher core.Publisher,
	health HealthChecker,
	logger *slog.Logger,
	packetLog *logging.PacketLogger,
) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		routes:    routes,
		endpoints: endpoints,
		sessions:  sessions,
		publisher: publisher,
		health:    health,
		logger:    logger,
		packetLog: packetLog,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
	}
}

func (r *Relay) Status(s core.Status) {
	attrs := []any{
		"category", s.Category.String(),
		"operation", s.Operation.String(),
		"origin", s.Origin,
	}
	if len(s.AffectedChannels) > 0 {
		attrs = append(attrs, "channels", s.AffectedChannels)
	}
	if len(s.AffectedGroups) > 0 {
		attrs = append(attrs, "groups", s.AffectedGroups)
	}
	if s.Error != nil {
		attrs = append(attrs, "error", s.Error)
	}

	switch {
	case s.Terminal:
		r.logger.Error("subscribe loop stopped", attrs...)
	case s.Error != nil:
		r.logger.Warn("pubsub status", attrs...)
	default:
		r.logger.Info("pubsub status", attrs...)
	}
}

func (r *Relay) Message(m core.Message) {
	if m.Error != nil {
		r.logger.Warn("dropping undecryptable message",
			"channel", m.Channel,
			"timetoken", m.Timetoken,
			"error", m.Error,
		)
		return
	}
	r.dispatch(MessageEvent(m))
}

func (r *Relay) Presence(p core.PresenceEvent) {
	evt, err := PresenceEventToEvent(p)
	if err != nil {
		r.logger.Error("encode presence event", "channel", p.Channel, "error", err)
		return
	}
	r.dispatch(evt)
}

// MessageEvent converts a received message to a bridge event.
func MessageEvent(m core.Message) core.Event {
	metadata := map[string]string{
		"origin": m.Origin,
	}
	if len(m.Meta) > 0 {
		metadata["meta"] = string(m.Meta)
	}
	return core.Event{
		ID:           core.NewEventID(),
		Channel:      m.Channel,
		Subscription: m.Subscription,
		Publisher:    m.Publisher,
		SourceID:     m.Subscription,
		Payload:      m.Payload,
		Metadata:     metadata,
		Timetoken:    m.Timetoken,
		Timestamp:    time.Now(),
		Type:         m.Type.EventType(),
	}
}

type presencePayload struct {
	Action    string          `json:"action"`
	UUID      string          `json:"uuid"`
	Occupancy int             `json:"occupancy"`
	Timestamp int64           `json:"timestamp"`
	State     json.RawMessage `json:"state,omitempty"`
}

// PresenceEventToEvent converts a presence event to a bridge event with a
// JSON payload.
func PresenceEventToEvent(p core.PresenceEvent) (core.Event, error) {
	payload, err := json.Marshal(presencePayload{
		Action:    p.Action,
		UUID:      p.UUID,
		Occupancy: p.Occupancy,
		Timestamp: p.Timestamp,
		State:     p.State,
	})
	if err != nil {
		return core.Event{}, err
	}
	return core.Event{
		ID:           core.NewEventID(),
		Channel:      p.Channel,
		Subscription: p.Subscription,
		Publisher:    p.UUID,
		SourceID:     p.Subscription,
		Payload:      payload,
		Metadata:     map[string]string{"origin": p.Origin, "action": p.Action},
		Timetoken:    p.Timetoken,
		Timestamp:    time.Now(),
		Type:         core.EventTypePresence,
	}, nil
}

func (r *Relay) dispatch(evt core.Event) {
	routes := r.routes.Match(evt.Channel, evt.Subscription)
	if len(routes) == 0 {
		r.logger.Debug("no downstream route", "channel", evt.Channel)
		return
	}

	seen := make(map[string]bool, len(routes))
	for _, route := range routes {
		// Several patterns can reach the same target; it gets the event once.
		if seen[route.Target] {
			continue
		}
		out, ok := route.Admit(evt)
		if !ok {
			r.logger.Debug("event blocked by route policy",
				"target", route.Target, "channel", evt.Channel, "event_id", evt.ID)
			continue
		}
		seen[route.Target] = true

		w := r.worker(route)
		if w == nil {
			return
		}

		j := job{evt: out, route: route}
		if route.DeliveryGuarantee.Blocking() {
			select {
			case w.queue <- j:
			case <-r.ctx.Done():
				return
			}
			continue
		}

		select {
		case w.queue <- j:
		default:
			r.logger.Warn("target queue full, dropping event",
				"target", route.Target,
				"channel", evt.Channel,
				"event_id", evt.ID,
			)
		}
	}
}

// worker returns the target's worker, starting it on first use. The queue
// size is taken from the first route that reaches the target.
func (r *Relay) worker(route *core.Route) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if w, ok := r.workers[route.Target]; ok {
		return w
	}

	size := route.ChannelSize
	if size <= 0 {
		size = defaultQueueSize
	}
	w := &worker{target: route.Target, queue: make(chan job, size)}
	r.workers[route.Target] = w

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(w)
	}()
	return w
}

func (r *Relay) run(w *worker) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("relay worker panic recovered", "target", w.target, "error", rec)
		}
	}()

	for {
		select {
		case <-r.ctx.Done():
			return
		case j := <-w.queue:
			r.packetLog.Log(j.evt, j.route, core.DirectionDownstream)
			if ep, ok := r.endpoints[w.target]; ok {
				r.send(ep, j)
				continue
			}
			if n := r.sessions.Deliver(r.ctx, w.target, j.evt, j.route.DeliveryGuarantee); n == 0 {
				r.logger.Debug("no session took event", "entrypoint", w.target, "event_id", j.evt.ID)
			}
		}
	}
}

// send delivers one job to an endpoint. Blocking guarantees retry with an
// exponential delay until the send succeeds or the relay closes.
func (r *Relay) send(ep core.Endpoint, j job) {
	delay := retryInitial
	for attempt := 1; ; attempt++ {
		err := r.trySend(ep, j.evt)
		if err == nil {
			return
		}
		if r.ctx.Err() != nil {
			return
		}
		if !j.route.DeliveryGuarantee.Blocking() {
			r.logger.Warn("endpoint send failed, dropping event",
				"endpoint", ep.Name(),
				"event_id", j.evt.ID,
				"error", err,
			)
			return
		}

		r.logger.Warn("endpoint send failed, retrying",
			"endpoint", ep.Name(),
			"event_id", j.evt.ID,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		t := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, retryMax)
	}
}

func (r *Relay) trySend(ep core.Endpoint, evt core.Event) error {
	if r.health != nil && !r.health.IsEndpointHealthy(ep.Name()) {
		return fmt.Errorf("%w: %s", core.ErrEndpointUnavailable, ep.Name())
	}
	return ep.Send(r.ctx, evt)
}

// StartUpstream runs the consumer of every endpoint that is the source of an
// upstream route and publishes what it reads into the route's channel. A
// consumer that fails is restarted with backoff. It returns when ctx is done.
func (r *Relay) StartUpstream(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	started := 0
	for _, route := range r.routes.Direction(core.DirectionUpstream) {
		ep, ok := r.endpoints[route.Source]
		if !ok {
			continue
		}
		started++

		size := route.ChannelSize
		if size <= 0 {
			size = defaultQueueSize
		}
		ch := make(chan core.BrokerMessage, size)

		g.Go(func() error {
			r.consume(gctx, ep, ch)
			return nil
		})
		g.Go(func() error {
			r.forward(gctx, ep.Name(), ch)
			return nil
		})
	}

	r.logger.Info("upstream consumers started", "count", started)
	return g.Wait()
}

func (r *Relay) consume(ctx context.Context, ep core.Endpoint, ch chan<- core.BrokerMessage) {
	delay := retryInitial
	for {
		err := ep.StartConsumer(ctx, ch)
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("consumer stopped, restarting", "endpoint", ep.Name(), "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, retryMax)
	}
}

func (r *Relay) forward(ctx context.Context, source string, ch <-chan core.BrokerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			route, ok := r.routes.Lookup(source)
			if !ok {
				r.logger.Warn("upstream route removed, rejecting message", "source", source)
				nack(msg)
				continue
			}

			evt, admitted := route.Admit(msg.Event)
			if !admitted {
				r.logger.Debug("event blocked by route policy", "source", source, "event_id", evt.ID)
				ack(r.logger, source, msg)
				continue
			}

			r.packetLog.Log(evt, route, core.DirectionUpstream)
			err := r.publisher.Publish(ctx, route.Target, evt.Payload, evt.Metadata)
			if err != nil {
				level := slog.LevelError
				if errors.Is(err, context.Canceled) {
					level = slog.LevelDebug
				}
				r.logger.Log(ctx, level, "upstream publish failed",
					"source", source,
					"channel", route.Target,
					"error", err,
				)
				nack(msg)
				continue
			}
			ack(r.logger, source, msg)
		}
	}
}

func ack(logger *slog.Logger, source string, msg core.BrokerMessage) {
	if msg.Ack == nil {
		return
	}
	if err := msg.Ack(); err != nil {
		logger.Warn("ack failed", "source", source, "error", err)
	}
}

func nack(msg core.BrokerMessage) {
	if msg.Nack != nil {
		_ = msg.Nack()
	}
}

// Close stops every worker. Queued events that were not sent are dropped.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
