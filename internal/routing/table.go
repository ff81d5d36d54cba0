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

package routing

import (
	"slices"
	"strings"
	"sync"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type routeKey struct {
	direction core.Direction
	source    string
	target    string
}

// Table holds downstream routes (channel pattern to endpoint or entrypoint)
// and upstream routes (endpoint or entrypoint to channel).
type Table struct {
	mu     sync.RWMutex
	routes map[routeKey]*core.Route
}

func NewTable() *Table {
	return &Table{routes: make(map[routeKey]*core.Route)}
}

func keyOf(r *core.Route) routeKey {
	return routeKey{direction: r.Direction, source: r.Source, target: r.Target}
}

func (t *Table) Add(route *core.Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[keyOf(route)] = route
}

func (t *Table) Remove(direction core.Direction, source, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, routeKey{direction: direction, source: source, target: target})
}

// Lookup returns the upstream route that starts at source.
func (t *Table) Lookup(source string) (*core.Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, r := range t.routes {
		if k.direction == core.DirectionUpstream && k.source == source {
			return r, true
		}
	}
	return nil, false
}

// Match returns the downstream routes for an inbound item, sorted by target.
// A route source matches the channel exactly, as a prefix.* pattern, as "*",
// or when it names the wildcard or group the item arrived through.
func (t *Table) Match(channel, subscription string) []*core.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*core.Route
	for k, r := range t.routes {
		if k.direction != core.DirectionDownstream {
			continue
		}
		if matches(k.source, channel) || (subscription != "" && k.source == subscription) {
			out = append(out, r)
		}
	}
	sortRoutes(out)
	return out
}

// ByTarget returns the routes in direction that end at target.
func (t *Table) ByTarget(target string, direction core.Direction) []*core.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*core.Route
	for k, r := range t.routes {
		if k.direction == direction && k.target == target {
			out = append(out, r)
		}
	}
	sortRoutes(out)
	return out
}

func (t *Table) Direction(direction core.Direction) []*core.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*core.Route
	for k, r := range t.routes {
		if k.direction == direction {
			out = append(out, r)
		}
	}
	sortRoutes(out)
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

func (t *Table) ReplaceAll(routes []*core.Route) {
	next := make(map[routeKey]*core.Route, len(routes))
	for _, r := range routes {
		next[keyOf(r)] = r
	}
	t.mu.Lock()
	t.routes = next
	t.mu.Unlock()
}

func matches(pattern, channel string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == channel
	}
}

func sortRoutes(routes []*core.Route) {
	slices.SortFunc(routes, func(a, b *core.Route) int {
		if c := strings.Compare(a.Target, b.Target); c != 0 {
			return c
		}
		return strings.Compare(a.Source, b.Source)
	})
}
