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

package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

// DefaultMonitorInterval is how often unhealthy endpoints are reconnected.
const DefaultMonitorInterval = 10 * time.Second

type Registry struct {
	entrypoints map[string]core.Entrypoint
	endpoints   map[string]core.Endpoint
	healthy     map[string]bool
	logger      *slog.Logger
	mu          sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entrypoints: make(map[string]core.Entrypoint),
		endpoints:   make(map[string]core.Endpoint),
		healthy:     make(map[string]bool),
		logger:      logger,
	}
}

func (r *Registry) RegisterEntrypoint(e core.Entrypoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName(e.Name()); err != nil {
		return err
	}
	r.entrypoints[e.Name()] = e
	r.logger.Info("registered entrypoint", "name", e.Name(), "type", e.Type())
	return nil
}

func (r *Registry) RegisterEndpoint(e core.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkName(e.Name()); err != nil {
		return err
	}
	r.endpoints[e.Name()] = e
	r.logger.Info("registered endpoint", "name", e.Name(), "type", e.Type())
	return nil
}

// checkName must be called with mu held. Routes address entrypoints and
// endpoints by name, so the two share one namespace.
func (r *Registry) checkName(name string) error {
	_, ep := r.entrypoints[name]
	_, ed := r.endpoints[name]
	if ep || ed {
		return fmt.Errorf("%w: %s is already registered", core.ErrInvalidConfig, name)
	}
	return nil
}

func (r *Registry) Entrypoints() map[string]core.Entrypoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.Entrypoint, len(r.entrypoints))
	for k, v := range r.entrypoints {
		cp[k] = v
	}
	return cp
}

func (r *Registry) Endpoints() map[string]core.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]core.Endpoint, len(r.endpoints))
	for k, v := range r.endpoints {
		cp[k] = v
	}
	return cp
}

// ConnectEndpoints connects every endpoint and returns how many succeeded.
// Failed endpoints are left unhealthy for MonitorEndpoints to retry.
func (r *Registry) ConnectEndpoints(ctx context.Context) int {
	connected := 0
	for name, ep := range r.Endpoints() {
		ok := r.connect(ctx, name, ep)
		if ok {
			connected++
		}
	}
	return connected
}

func (r *Registry) connect(ctx context.Context, name string, ep core.Endpoint) bool {
	err := ep.Connect(ctx)
	if err != nil {
		r.logger.Error("endpoint connect failed", "name", name, "type", ep.Type(), "error", err)
	}
	r.SetHealthy(name, err == nil)
	return err == nil
}

func (r *Registry) SetHealthy(name string, healthy bool) {
	r.mu.Lock()
	r.healthy[name] = healthy
	r.mu.Unlock()
}

func (r *Registry) IsEndpointHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

// Unhealthy returns the names of endpoints that are not connected, sorted.
func (r *Registry) Unhealthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.endpoints {
		if !r.healthy[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MonitorEndpoints reconnects unhealthy endpoints every interval until ctx
// ends.
func (r *Registry) MonitorEndpoints(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, name := range r.Unhealthy() {
				r.mu.RLock()
				ep := r.endpoints[name]
				r.mu.RUnlock()
				if r.connect(ctx, name, ep) {
					r.logger.Info("endpoint reconnected", "name", name)
				}
			}
		}
	}
}

// StartEntrypoints runs every entrypoint and blocks until they all return.
// The first failure cancels the others.
func (r *Registry) StartEntrypoints(ctx context.Context, manager core.SessionManager) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, ep := range r.Entrypoints() {
		g.Go(func() error {
			if err := ep.Start(gctx, manager); err != nil {
				r.logger.Error("entrypoint failed", "name", name, "error", err)
				return fmt.Errorf("entrypoint %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for name, ep := range r.Entrypoints() {
		r.logger.Info("stopping entrypoint", "name", name)
		if err := ep.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("entrypoint %s: %w", name, err))
		}
	}
	for name, ep := range r.Endpoints() {
		r.logger.Info("stopping endpoint", "name", name)
		if err := ep.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", name, err))
		}
		r.SetHealthy(name, false)
	}
	return errors.Join(errs...)
}
