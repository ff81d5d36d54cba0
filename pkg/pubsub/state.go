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
	"encoding/json"
	"slices"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

// Targets is a view of the subscribed names. Wildcards is only populated when
// requested separately; otherwise wildcard patterns are listed in Channels.
type Targets struct {
	Channels  []string
	Groups    []string
	Wildcards []string
}

func (t Targets) Len() int {
	return len(t.Channels) + len(t.Groups) + len(t.Wildcards)
}

type orderedSet struct {
	items []string
	index map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[string]struct{})}
}

func (s *orderedSet) add(name string) bool {
	if _, ok := s.index[name]; ok {
		return false
	}
	s.index[name] = struct{}{}
	s.items = append(s.items, name)
	return true
}

func (s *orderedSet) remove(name string) bool {
	if _, ok := s.index[name]; !ok {
		return false
	}
	delete(s.index, name)
	s.items = slices.DeleteFunc(s.items, func(v string) bool { return v == name })
	return true
}

func (s *orderedSet) has(name string) bool {
	_, ok := s.index[name]
	return ok
}

func (s *orderedSet) list() []string {
	return slices.Clone(s.items)
}

func (s *orderedSet) len() int {
	return len(s.items)
}

type stateKey struct {
	origin string
	target string
}

// snapshot is what one request needs from the subscription state.
type snapshot struct {
	Channels   []string
	Groups     []string
	State      map[string]json.RawMessage
	Filter     string
	Generation uint64
}

func (s snapshot) empty() bool {
	return len(s.Channels) == 0 && len(s.Groups) == 0
}

// subscriptionState holds the subscribed targets, the per-origin presence
// state and the filter expression. Every change that alters the next request
// bumps the generation.
type subscriptionState struct {
	mu         sync.Mutex
	channels   *orderedSet
	groups     *orderedSet
	wildcards  *orderedSet
	known      map[string]struct{}
	state      map[stateKey]json.RawMessage
	filter     string
	generation uint64
}

func newSubscriptionState(filter string) *subscriptionState {
	return &subscriptionState{
		channels:  newOrderedSet(),
		groups:    newOrderedSet(),
		wildcards: newOrderedSet(),
		known:     make(map[string]struct{}),
		state:     make(map[stateKey]json.RawMessage),
		filter:    filter,
	}
}

// addTargets returns the new union and whether anything was added.
func (s *subscriptionState) addTargets(t Targets) (Targets, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	apply := func(set *orderedSet, names []string) {
		for _, name := range names {
			if set.add(name) {
				changed = true
			}
			s.known[name] = struct{}{}
		}
	}
	apply(s.channels, t.Channels)
	apply(s.groups, t.Groups)
	apply(s.wildcards, t.Wildcards)

	if changed {
		s.generation++
	}
	return s.targetsLocked(true), changed
}

// removeTargets returns the new union and the names actually removed.
// Presence state is kept.
func (s *subscriptionState) removeTargets(t Targets) (Targets, Targets) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed Targets
	drop := func(set *orderedSet, names []string, out *[]string) {
		for _, name := range names {
			if set.remove(name) {
				*out = append(*out, name)
			}
		}
	}
	drop(s.channels, t.Channels, &removed.Channels)
	drop(s.groups, t.Groups, &removed.Groups)
	drop(s.wildcards, t.Wildcards, &removed.Wildcards)

	if removed.Len() > 0 {
		s.generation++
	}
	return s.targetsLocked(true), removed
}

func (s *subscriptionState) removeAll() Targets {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.targetsLocked(true)
	if removed.Len() == 0 {
		return removed
	}
	s.channels = newOrderedSet()
	s.groups = newOrderedSet()
	s.wildcards = newOrderedSet()
	s.generation++
	return removed
}

// setState records payload for every target that is or was subscribed and
// returns the names it applied to.
func (s *subscriptionState) setState(origin string, targets []string, payload json.RawMessage) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		applied []string
		live    bool
	)
	for _, target := range targets {
		if _, ok := s.known[target]; !ok {
			continue
		}
		s.state[stateKey{origin: origin, target: target}] = slices.Clone(payload)
		applied = append(applied, target)
		live = live || s.subscribedLocked(target)
	}
	// State of targets that are not subscribed is not part of the request.
	if live {
		s.generation++
	}
	return applied
}

// clearState drops state for the targets on origin, or every target when
// none are named.
func (s *subscriptionState) clearState(origin string, targets []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.state)
	for k := range s.state {
		if k.origin != origin {
			continue
		}
		if len(targets) == 0 || slices.Contains(targets, k.target) {
			delete(s.state, k)
		}
	}
	if len(s.state) != before {
		s.generation++
	}
}

func (s *subscriptionState) stateFor(origin, target string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[stateKey{origin: origin, target: target}]
	return v, ok
}

// setFilter reports whether the expression changed.
func (s *subscriptionState) setFilter(expr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == expr {
		return false
	}
	s.filter = expr
	s.generation++
	return true
}

func (s *subscriptionState) getFilter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *subscriptionState) isEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels.len()+s.groups.len()+s.wildcards.len() == 0
}

func (s *subscriptionState) isSubscribedTo(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribedLocked(target)
}

func (s *subscriptionState) subscribedLocked(target string) bool {
	return s.channels.has(target) || s.groups.has(target) || s.wildcards.has(target)
}

func (s *subscriptionState) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *subscriptionState) targets(separateWildcard bool) Targets {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetsLocked(separateWildcard)
}

func (s *subscriptionState) targetsLocked(separateWildcard bool) Targets {
	t := Targets{
		Channels: s.channels.list(),
		Groups:   s.groups.list(),
	}
	if separateWildcard {
		t.Wildcards = s.wildcards.list()
	} else {
		for _, w := range s.wildcards.items {
			if !s.channels.has(w) {
				t.Channels = append(t.Channels, w)
			}
		}
	}
	return t
}

// snapshot captures the request inputs for origin. Only state of currently
// subscribed targets is attached.
func (s *subscriptionState) snapshot(origin string) snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.targetsLocked(false)
	snap := snapshot{
		Channels:   t.Channels,
		Groups:     t.Groups,
		Filter:     s.filter,
		Generation: s.generation,
	}
	for k, v := range s.state {
		if k.origin != origin {
			continue
		}
		if !s.subscribedLocked(k.target) {
			continue
		}
		if snap.State == nil {
			snap.State = make(map[string]json.RawMessage)
		}
		snap.State[k.target] = v
	}
	return snap
}

// presenceName is the companion channel that carries presence events.
func presenceName(name string) string {
	return name + core.PresenceSuffix
}
