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

package config

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/routing"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/pubsub"
)

const DefaultWatchInterval = 5 * time.Second

// Subscriber is the part of *pubsub.Client the watcher drives.
type Subscriber interface {
	Subscribe(in pubsub.SubscribeInput) error
	Unsubscribe(in pubsub.UnsubscribeInput) error
}

// Watcher polls the config file and applies route and subscription changes
// without a restart. Everything else in the file needs a restart.
type Watcher struct {
	path       string
	table      *routing.Table
	subscriber Subscriber
	interval   time.Duration
	logger     *slog.Logger

	lastMod time.Time
	current PubSubConfig
}

// NewWatcher starts from cfg, the configuration the process was started
// with.
func NewWatcher(path string, cfg *Config, table *routing.Table, subscriber Subscriber, logger *slog.Logger) *Watcher {
	w := &Watcher{
		path:       path,
		table:      table,
		subscriber: subscriber,
		interval:   DefaultWatchInterval,
		logger:     logger,
		current:    cfg.PubSub,
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config stat failed", "path", w.path, "error", err)
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return
	}
	w.apply(cfg)
}

func (w *Watcher) apply(cfg *Config) {
	routes := cfg.RouteList()
	w.table.ReplaceAll(routes)
	w.logger.Info("routes reloaded", "count", len(routes))

	next := cfg.PubSub
	prev := w.current

	sub := pubsub.SubscribeInput{
		Channels:     added(prev.Channels, next.Channels),
		Groups:       added(prev.Groups, next.Groups),
		Wildcards:    added(prev.Wildcards, next.Wildcards),
		WithPresence: next.WithPresence,
	}
	unsub := pubsub.UnsubscribeInput{
		Channels:  added(next.Channels, prev.Channels),
		Groups:    added(next.Groups, prev.Groups),
		Wildcards: added(next.Wildcards, prev.Wildcards),
	}

	// Unsubscribe first so a rename does not briefly poll both names.
	if len(unsub.Channels)+len(unsub.Groups)+len(unsub.Wildcards) > 0 {
		if err := w.subscriber.Unsubscribe(unsub); err != nil {
			w.logger.Error("unsubscribe on reload failed", "error", err)
		}
	}
	if len(sub.Channels)+len(sub.Groups)+len(sub.Wildcards) > 0 {
		if err := w.subscriber.Subscribe(sub); err != nil {
			w.logger.Error("subscribe on reload failed", "error", err)
			// Forget the rejected names so the next reload tries them again.
			next.Channels = slices.DeleteFunc(slices.Clone(next.Channels), func(s string) bool { return slices.Contains(sub.Channels, s) })
			next.Groups = slices.DeleteFunc(slices.Clone(next.Groups), func(s string) bool { return slices.Contains(sub.Groups, s) })
			next.Wildcards = slices.DeleteFunc(slices.Clone(next.Wildcards), func(s string) bool { return slices.Contains(sub.Wildcards, s) })
		}
	}
	if len(sub.Channels)+len(sub.Groups)+len(sub.Wildcards)+len(unsub.Channels)+len(unsub.Groups)+len(unsub.Wildcards) > 0 {
		w.logger.Info("subscription reloaded",
			"subscribed_channels", sub.Channels,
			"subscribed_groups", sub.Groups,
			"subscribed_wildcards", sub.Wildcards,
			"unsubscribed_channels", unsub.Channels,
			"unsubscribed_groups", unsub.Groups,
			"unsubscribed_wildcards", unsub.Wildcards,
		)
	}
	w.current = next
}

// added returns the names in next that are not in prev.
func added(prev, next []string) []string {
	var out []string
	for _, name := range next {
		if !slices.Contains(prev, name) && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
