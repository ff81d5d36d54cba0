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

// Package pubsub is the persistent subscribe client: a long-poll loop over
// channels, groups and wildcard patterns with a presence heartbeat beside it.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/crypto"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/validate"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/wire"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/dispatcher"
)

// Client owns one subscription session. It is safe for concurrent use.
type Client struct {
	opts       Options
	logger     *slog.Logger
	pool       *dispatcher.Pool
	subs       *subscriptionState
	cursor     cursorBox
	listeners  *listenerRegistry
	engine     *engine
	heartbeat  *heartbeat
	formatter  core.Formatter
	crypto     core.Crypto
	validator  core.Validator
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	seq    atomic.Uint32

	mu                      sync.RWMutex
	userID                  string
	origins                 []string
	presence                int
	explicitPresenceTimeout bool
}

type SubscribeInput struct {
	Channels  []string
	Groups    []string
	Wildcards []string

	// WithPresence also subscribes to the presence companion of every channel
	// and group.
	WithPresence bool

	// State is recorded per target for the current origin.
	State map[string]json.RawMessage

	// Timetoken overrides the cursor for the next poll when non-zero.
	Timetoken int64
}

type UnsubscribeInput struct {
	Channels  []string
	Groups    []string
	Wildcards []string
}

// NewClient validates opts and returns an idle client.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	explicitPresenceTimeout := opts.PresenceTimeout > 0
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:                    opts,
		logger:                  logger.With("component", "pubsub-client"),
		formatter:               opts.Formatter,
		crypto:                  opts.Crypto,
		validator:               opts.Validator,
		instanceID:              core.NewInstanceID(),
		userID:                  opts.UserID,
		origins:                 slices.Clone(opts.Origins),
		presence:                opts.PresenceTimeout,
		explicitPresenceTimeout: explicitPresenceTimeout,
	}
	if c.formatter == nil {
		c.formatter = wire.Formatter{}
	}
	if c.validator == nil {
		c.validator = validate.Validator{}
	}
	if c.crypto == nil && opts.CipherKey != "" {
		aes, err := crypto.New(opts.CipherKey)
		if err != nil {
			return nil, err
		}
		c.crypto = aes
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pool = dispatcher.NewPool(dispatcher.Options{
		SubscribeTimeout:    opts.SubscribeTimeout,
		NonSubscribeTimeout: opts.NonSubscribeTimeout,
		Proxy:               opts.Proxy,
	}, logger.With("component", "dispatcher-pool"))
	c.subs = newSubscriptionState(opts.FilterExpression)
	c.listeners = newListenerRegistry(c.logger)
	c.engine = newEngine(c)
	c.heartbeat = newHeartbeat(c, opts.HeartbeatInterval)

	if opts.DefaultListener != nil {
		c.listeners.add(opts.DefaultListener)
	}

	c.logger.Info("client created",
		"origin", opts.Origin,
		"user_id", opts.UserID,
		"instance_id", c.instanceID,
		"heartbeat_interval", opts.HeartbeatInterval,
		"max_retries", opts.MaxRetries,
	)
	return c, nil
}

// Subscribe adds targets and starts or restarts the subscribe loop. Names are
// validated before anything changes.
func (c *Client) Subscribe(in SubscribeInput) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: client is closed", core.ErrInvalidOperation)
	}
	if err := c.validator.ValidateSubscribe(in.Channels, in.Groups, in.Wildcards); err != nil {
		return err
	}

	t := Targets{
		Channels:  slices.Clone(in.Channels),
		Groups:    slices.Clone(in.Groups),
		Wildcards: slices.Clone(in.Wildcards),
	}
	if in.WithPresence {
		for _, ch := range in.Channels {
			t.Channels = append(t.Channels, presenceName(ch))
		}
		for _, g := range in.Groups {
			t.Groups = append(t.Groups, presenceName(g))
		}
	}

	for target, payload := range in.State {
		if err := checkState(target, payload); err != nil {
			return err
		}
	}

	_, changed := c.subs.addTargets(t)
	if len(in.State) > 0 {
		origin := c.Origin()
		for target, payload := range in.State {
			if len(payload) > 0 && len(c.subs.setState(origin, []string{target}, payload)) > 0 {
				changed = true
			}
		}
	}
	if in.Timetoken != 0 {
		c.SetTimetoken(in.Timetoken)
		changed = true
	}

	c.logger.Info("subscribe",
		"channels", in.Channels,
		"groups", in.Groups,
		"wildcards", in.Wildcards,
		"with_presence", in.WithPresence,
	)
	c.heartbeat.sync(true)
	c.engine.kick(changed)
	return nil
}

// Unsubscribe removes targets together with their presence companions.
func (c *Client) Unsubscribe(in UnsubscribeInput) error {
	if len(in.Channels)+len(in.Groups)+len(in.Wildcards) == 0 {
		return fmt.Errorf("%w: nothing to unsubscribe", core.ErrValidation)
	}
	t := Targets{Wildcards: slices.Clone(in.Wildcards)}
	for _, ch := range in.Channels {
		t.Channels = append(t.Channels, ch, presenceName(ch))
	}
	for _, g := range in.Groups {
		t.Groups = append(t.Groups, g, presenceName(g))
	}

	remaining, removed := c.subs.removeTargets(t)
	c.afterUnsubscribe(remaining, removed)
	return nil
}

func (c *Client) UnsubscribeAll() {
	removed := c.subs.removeAll()
	c.afterUnsubscribe(Targets{}, removed)
}

func (c *Client) afterUnsubscribe(remaining, removed Targets) {
	if removed.Len() == 0 {
		return
	}
	c.logger.Info("unsubscribe",
		"channels", removed.Channels,
		"groups", removed.Groups,
		"wildcards", removed.Wildcards,
	)
	if remaining.Len() == 0 {
		c.cursor.set(func(cur *core.Cursor) { *cur = core.Cursor{} })
		c.heartbeat.sync(false)
	}
	c.engine.kick(true)
	c.leave(removed)
}

func (c *Client) IsSubscribed() bool {
	return !c.subs.isEmpty()
}

// SubscribedTargets lists the subscribed names. Unless separateWildcard is
// set, wildcard patterns are reported among the channels.
func (c *Client) SubscribedTargets(separateWildcard bool) Targets {
	return c.subs.targets(separateWildcard)
}

func (c *Client) AddListener(l core.Listener) ListenerID {
	return c.listeners.add(l)
}

func (c *Client) RemoveListener(id ListenerID) bool {
	return c.listeners.remove(id)
}

// SetFilter replaces the filter expression and restarts a running poll.
func (c *Client) SetFilter(expr string) {
	if c.subs.setFilter(expr) && c.IsSubscribed() {
		c.engine.kick(true)
	}
}

func (c *Client) Filter() string {
	return c.subs.getFilter()
}

func (c *Client) Timetoken() int64 {
	cur, _ := c.cursor.load()
	return cur.Timetoken
}

// SetTimetoken overrides the cursor; a running loop uses it on its next
// request.
func (c *Client) SetTimetoken(tt int64) {
	c.cursor.set(func(cur *core.Cursor) { cur.Timetoken = tt })
}

func (c *Client) Region() int {
	cur, _ := c.cursor.load()
	return cur.Region
}

func (c *Client) SetRegion(region int) {
	c.cursor.set(func(cur *core.Cursor) { cur.Region = region })
}

func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// ChangeIdentity is refused while subscribed since the active poll is bound
// to the old identity.
func (c *Client) ChangeIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("%w: identity must not be empty", core.ErrValidation)
	}
	if c.IsSubscribed() {
		return fmt.Errorf("%w: cannot change identity while subscribed", core.ErrInvalidOperation)
	}
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
	c.logger.Info("identity changed", "user_id", id)
	return nil
}

// ApplyState records state for targets on origin, the current origin when
// empty. It does nothing when state is empty and fails without recording
// anything when state is not valid JSON.
func (c *Client) ApplyState(origin string, targets []string, state json.RawMessage) error {
	if len(state) == 0 || len(targets) == 0 {
		return nil
	}
	if err := checkState(strings.Join(targets, ","), state); err != nil {
		return err
	}
	current := c.Origin()
	if origin == "" {
		origin = current
	}
	applied := c.subs.setState(origin, targets, state)
	if origin == current && slices.ContainsFunc(applied, c.subs.isSubscribedTo) {
		c.engine.kick(true)
	}
	return nil
}

func checkState(target string, state json.RawMessage) error {
	if len(state) > 0 && !json.Valid(state) {
		return fmt.Errorf("%w: state for %s is not valid JSON", core.ErrValidation, target)
	}
	return nil
}

// ClearState drops recorded state on origin for the targets, or for every
// target when none are named.
func (c *Client) ClearState(origin string, targets ...string) {
	if origin == "" {
		origin = c.Origin()
	}
	c.subs.clearState(origin, targets)
}

// SetHeartbeatInterval changes the cadence from the next tick on. Zero
// disables the heartbeat.
func (c *Client) SetHeartbeatInterval(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: heartbeat interval must not be negative", core.ErrValidation)
	}
	c.mu.Lock()
	if !c.explicitPresenceTimeout {
		c.presence = 0
		if d > 0 {
			c.presence = 2*int(d/time.Second) + 1
		}
	}
	c.mu.Unlock()
	c.heartbeat.setInterval(d)
	return nil
}

func (c *Client) HeartbeatInterval() time.Duration {
	return c.heartbeat.getInterval()
}

// LastHeartbeat reports when the heartbeat ticker last fired.
func (c *Client) LastHeartbeat() time.Time {
	return c.heartbeat.LastFire()
}

// Origin is the host the next request goes to.
func (c *Client) Origin() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.origins[0]
}

func (c *Client) Origins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.origins)
}

func (c *Client) EngineState() EngineState {
	return c.engine.State()
}

func (c *Client) InstanceID() string {
	return c.instanceID
}

// Close unsubscribes everything, stops the loop and the heartbeat and frees
// every dispatcher. The client cannot be reused.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	removed := c.subs.removeAll()
	c.heartbeat.stop()

	if removed.Len() > 0 && !c.opts.SuppressLeaveEvents {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.NonSubscribeTimeout)
		if err := c.leaveSync(ctx, removed); err != nil {
			c.logger.Warn("leave on close failed", "error", err)
		}
		cancel()
	}

	c.cancel()
	c.engine.wait()
	c.pool.ReleaseAll()
	c.logger.Info("client closed")
	return nil
}

func (c *Client) builder() wire.Builder {
	return wire.Builder{
		Secure:       c.opts.Secure,
		SubscribeKey: c.opts.SubscribeKey,
		PublishKey:   c.opts.PublishKey,
		SecretKey:    c.opts.SecretKey,
		AuthKey:      c.opts.AuthKey,
		UserID:       c.Identity(),
		InstanceID:   c.instanceID,
	}
}

func (c *Client) presenceTimeout() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presence
}

// rotateOrigin makes origin current, keeping the rest of the list in order.
// The list never grows past the configured origins plus one hint.
func (c *Client) rotateOrigin(origin string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.Index(c.origins, origin)
	switch {
	case idx == 0:
		return
	case idx > 0:
		c.origins = slices.Concat(c.origins[idx:], c.origins[:idx])
	default:
		// Only the latest hint outside the configured origins is kept.
		rest := slices.DeleteFunc(slices.Clone(c.origins), func(o string) bool {
			return !slices.Contains(c.opts.Origins, o)
		})
		c.origins = append([]string{origin}, rest...)
	}
	c.logger.Info("origin rotated", "origin", origin)
}
