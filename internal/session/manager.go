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

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/logging"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/retention"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const defaultChannelSize = 16

type Options struct {
	// PublishRate is the sustained number of upstream events per second a
	// session may publish. Zero disables the limit.
	PublishRate  float64
	PublishBurst int

	// Retention buffers downstream events for clients that disconnected and
	// replays them when the same client id reconnects. Nil disables it.
	Retention retention.Store
	// RetainFor is how long a disconnected client keeps collecting events.
	RetainFor time.Duration
}

type offlineClient struct {
	entrypoint string
	clientID   string
	since      time.Time
}

type activeSession struct {
	session *core.Session
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (as *activeSession) close() {
	as.once.Do(func() {
		as.cancel()
		close(as.done)
	})
}

// Manager owns the local client sessions of every entrypoint.
type Manager struct {
	sessions  sync.Map
	routes    *routing.Table
	publisher core.Publisher
	opts      Options
	logger    *slog.Logger
	packetLog *logging.PacketLogger

	mu      sync.Mutex
	offline map[string]offlineClient
	now     func() time.Time
}

func NewManager(
	routes *routing.Table,
	publisher core.Publisher,
	opts Options,
	logger *slog.Logger,
	packetLog *logging.PacketLogger,
) *Manager {
	return &Manager{
		routes:    routes,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		packetLog: packetLog,
		offline:   make(map[string]offlineClient),
		now:       time.Now,
	}
}

// CreateSession attaches a client to an entrypoint. The entrypoint needs at
// least one route: an upstream route to publish into, or downstream routes
// that deliver to it.
func (m *Manager) CreateSession(
	ctx context.Context,
	entrypointName string,
	clientID string,
) (*core.Session, error) {
	upstream, hasUpstream := m.routes.Lookup(entrypointName)
	downstream := m.routes.ByTarget(entrypointName, core.DirectionDownstream)
	if !hasUpstream && len(downstream) == 0 {
		return nil, fmt.Errorf("%w: source=%s", core.ErrNoRoute, entrypointName)
	}
	if hasUpstream && m.publisher == nil {
		return nil, fmt.Errorf("%w: no publisher for %s", core.ErrEndpointUnavailable, entrypointName)
	}

	channelSize := defaultChannelSize
	if hasUpstream && upstream.ChannelSize > 0 {
		channelSize = upstream.ChannelSize
	}
	for _, r := range downstream {
		if r.ChannelSize > channelSize {
			channelSize = r.ChannelSize
		}
	}

	replay := m.replay(ctx, entrypointName, clientID)

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	sessionID := uuid.New().String()
	done := make(chan struct{})

	sess := &core.Session{
		ID:             sessionID,
		ClientID:       clientID,
		EntrypointName: entrypointName,
		Route:          upstream,
		Downstream:     make(chan core.Event, channelSize+len(replay)),
		Upstream:       make(chan core.Event, channelSize),
		Done:           done,
		Cancel:         sessionCancel,
	}
	for _, evt := range replay {
		sess.Downstream <- evt
	}

	as := &activeSession{session: sess, cancel: sessionCancel, done: done}
	m.sessions.Store(sessionID, as)

	if hasUpstream {
		go m.relayUpstream(sessionCtx, sess)
	}

	// Sessions end with the context they were created under.
	go func() {
		select {
		case <-sessionCtx.Done():
			_ = m.DestroySession(sessionID)
		case <-done:
		}
	}()

	target := ""
	if upstream != nil {
		target = upstream.Target
	}
	m.logger.Info("session created",
		"session_id", sessionID,
		"client_id", clientID,
		"entrypoint", entrypointName,
		"upstream_channel", target,
		"downstream_routes", len(downstream),
		"channel_size", channelSize,
		"replayed", len(replay),
	)

	return sess, nil
}

// replay returns the events retained for a returning client, oldest first.
func (m *Manager) replay(ctx context.Context, entrypointName, clientID string) []core.Event {
	if m.opts.Retention == nil || clientID == "" {
		return nil
	}
	key := retention.Key(entrypointName, clientID)

	m.mu.Lock()
	delete(m.offline, key)
	m.mu.Unlock()

	events, err := m.opts.Retention.Drain(ctx, key)
	if err != nil {
		m.logger.Error("retention replay failed", "client_id", clientID, "entrypoint", entrypointName, "error", err)
		return nil
	}
	return events
}

// retain stores evt for every disconnected client of the entrypoint whose
// retention window is still open.
func (m *Manager) retain(ctx context.Context, entrypointName string, evt core.Event) {
	if m.opts.Retention == nil {
		return
	}

	now := m.now()
	var keep, expired []string
	m.mu.Lock()
	for key, oc := range m.offline {
		if oc.entrypoint != entrypointName {
			continue
		}
		if m.opts.RetainFor > 0 && now.Sub(oc.since) > m.opts.RetainFor {
			delete(m.offline, key)
			expired = append(expired, key)
			continue
		}
		keep = append(keep, key)
	}
	m.mu.Unlock()

	for _, key := range expired {
		if err := m.opts.Retention.Forget(ctx, key); err != nil {
			m.logger.Warn("retention forget failed", "key", key, "error", err)
		}
	}
	for _, key := range keep {
		if err := m.opts.Retention.Append(ctx, key, evt); err != nil {
			m.logger.Error("retention store failed", "key", key, "event_id", evt.ID, "error", err)
		}
	}
}

// OfflineCount returns how many disconnected clients are collecting events.
func (m *Manager) OfflineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.offline)
}

func (m *Manager) relayUpstream(ctx context.Context, sess *core.Session) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("upstream relay panic recovered", "session_id", sess.ID, "error", r)
		}
	}()

	var limiter *rate.Limiter
	if m.opts.PublishRate > 0 {
		burst := m.opts.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(m.opts.PublishRate), burst)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sess.Upstream:
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}

			// Routes can be reloaded while the session is open.
			route, ok := m.routes.Lookup(sess.EntrypointName)
			if !ok {
				m.logger.Warn("upstream route removed, dropping event",
					"session_id", sess.ID, "event_id", evt.ID)
				continue
			}

			evt.ClientID = sess.ClientID
			evt, admitted := route.Admit(evt)
			if !admitted {
				m.logger.Debug("event blocked by route policy",
					"session_id", sess.ID, "event_id", evt.ID)
				continue
			}
			m.packetLog.Log(evt, route, core.DirectionUpstream)
			if err := m.publisher.Publish(ctx, route.Target, evt.Payload, evt.Metadata); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Error("upstream publish failed",
					"session_id", sess.ID,
					"channel", route.Target,
					"error", err,
				)
			}
		}
	}
}

// Deliver hands evt to every session of the entrypoint and returns how many
// sessions took it. Blocking guarantees wait for room in each session's
// buffer; the others drop the event for a session whose buffer is full.
func (m *Manager) Deliver(ctx context.Context, entrypointName string, evt core.Event, guarantee core.DeliveryGuarantee) int {
	var targets []*activeSession
	m.sessions.Range(func(_, val any) bool {
		as := val.(*activeSession)
		if as.session.EntrypointName == entrypointName {
			targets = append(targets, as)
		}
		return true
	})

	delivered := 0
	for _, as := range targets {
		if guarantee.Blocking() {
			select {
			case as.session.Downstream <- evt:
				delivered++
			case <-as.done:
			case <-ctx.Done():
				return delivered
			}
			continue
		}

		select {
		case as.session.Downstream <- evt:
			delivered++
		default:
			m.logger.Warn("session buffer full, dropping event",
				"session_id", as.session.ID,
				"client_id", as.session.ClientID,
				"event_id", evt.ID,
			)
		}
	}

	m.retain(ctx, entrypointName, evt)
	return delivered
}

func (m *Manager) DestroySession(sessionID string) error {
	val, ok := m.sessions.LoadAndDelete(sessionID)
	if !ok {
		return fmt.Errorf("%w: id=%s", core.ErrSessionNotFound, sessionID)
	}

	as := val.(*activeSession)
	as.close()
	m.markOffline(as.session)

	m.logger.Info("session destroyed",
		"session_id", sessionID,
		"client_id", as.session.ClientID,
		"entrypoint", as.session.EntrypointName,
	)

	return nil
}

func (m *Manager) markOffline(sess *core.Session) {
	if m.opts.Retention == nil || sess.ClientID == "" {
		return
	}
	if other, ok := m.SessionByClientID(sess.ClientID); ok && other.EntrypointName == sess.EntrypointName {
		return
	}
	key := retention.Key(sess.EntrypointName, sess.ClientID)
	m.mu.Lock()
	m.offline[key] = offlineClient{entrypoint: sess.EntrypointName, clientID: sess.ClientID, since: m.now()}
	m.mu.Unlock()
}

func (m *Manager) DestroyAll() {
	m.sessions.Range(func(key, _ any) bool {
		_ = m.DestroySession(key.(string))
		return true
	})
}

func (m *Manager) ActiveCount() int {
	count := 0
	m.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (m *Manager) SessionByClientID(clientID string) (*core.Session, bool) {
	var found *core.Session
	m.sessions.Range(func(_, val any) bool {
		as := val.(*activeSession)
		if as.session.ClientID == clientID {
			found = as.session
			return false
		}
		return true
	})
	return found, found != nil
}
