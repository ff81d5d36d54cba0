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
	"log/slog"
	"slices"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type listenerEntry struct {
	id       ListenerID
	listener core.Listener
}

// listenerRegistry fans events out to listeners in registration order. A
// panicking listener is logged and skipped.
type listenerRegistry struct {
	mu      sync.RWMutex
	nextID  ListenerID
	entries []listenerEntry
	logger  *slog.Logger
}

func newListenerRegistry(logger *slog.Logger) *listenerRegistry {
	return &listenerRegistry{logger: logger}
}

func (r *listenerRegistry) add(l core.Listener) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries = append(r.entries, listenerEntry{id: r.nextID, listener: l})
	return r.nextID
}

func (r *listenerRegistry) remove(id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = slices.DeleteFunc(r.entries, func(e listenerEntry) bool { return e.id == id })
	return len(r.entries) != n
}

func (r *listenerRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *listenerRegistry) snapshot() []listenerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

func (r *listenerRegistry) announceStatus(s core.Status) {
	for _, e := range r.snapshot() {
		r.call(e.id, "status", func() { e.listener.Status(s) })
	}
}

func (r *listenerRegistry) announceMessage(m core.Message) {
	for _, e := range r.snapshot() {
		r.call(e.id, "message", func() { e.listener.Message(m) })
	}
}

func (r *listenerRegistry) announcePresence(p core.PresenceEvent) {
	for _, e := range r.snapshot() {
		r.call(e.id, "presence", func() { e.listener.Presence(p) })
	}
}

func (r *listenerRegistry) call(id ListenerID, kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panicked",
				"listener_id", uint64(id),
				"callback", kind,
				"panic", fmt.Sprint(rec),
			)
		}
	}()
	fn()
}
