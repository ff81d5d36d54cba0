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

// Package httpcommon holds what the request/response entrypoints share:
// sessions that outlive a single request and expire when a client goes quiet.
package httpcommon

import (
	"context"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const DefaultIdleTimeout = 2 * time.Minute

type entry struct {
	session  *core.Session
	lastSeen time.Time
}

// Sessions tracks one session per client id.
type Sessions struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{entries: make(map[string]*entry), now: time.Now}
}

// Get returns the live session of clientID and marks it as used.
func (s *Sessions) Get(clientID string) (*core.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[clientID]
	if !ok {
		return nil, false
	}
	select {
	case <-e.session.Done:
		delete(s.entries, clientID)
		return nil, false
	default:
	}
	e.lastSeen = s.now()
	return e.session, true
}

func (s *Sessions) Put(clientID string, sess *core.Session) {
	s.mu.Lock()
	s.entries[clientID] = &entry{session: sess, lastSeen: s.now()}
	s.mu.Unlock()
}

func (s *Sessions) Delete(clientID string) (*core.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[clientID]
	if !ok {
		return nil, false
	}
	delete(s.entries, clientID)
	return e.session, true
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Expire removes sessions unused for longer than idle and returns them.
func (s *Sessions) Expire(idle time.Duration) []*core.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	var out []*core.Session
	for id, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			out = append(out, e.session)
			delete(s.entries, id)
		}
	}
	return out
}

// All removes and returns every session.
func (s *Sessions) All() []*core.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Session, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, e.session)
		delete(s.entries, id)
	}
	return out
}

// Reap destroys idle sessions until ctx is done.
func (s *Sessions) Reap(ctx context.Context, idle time.Duration, manager core.SessionManager) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.Expire(idle) {
				_ = manager.DestroySession(sess.ID)
			}
		}
	}
}
