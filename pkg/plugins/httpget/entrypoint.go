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

// Package httpget lets local clients long-poll downstream events over plain
// HTTP: POST /subscribe opens a session, GET /poll returns the next event and
// DELETE /unsubscribe closes the session.
package httpget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/httpcommon"
)

const (
	defaultPollTimeout = 30 * time.Second
	maxPollTimeout     = 5 * time.Minute
)

type Entrypoint struct {
	name     string
	port     int
	codec    core.Codec
	manager  core.SessionManager
	server   *http.Server
	logger   *slog.Logger
	sessions *httpcommon.Sessions

	// ctx outlives single requests; sessions are created under it.
	ctx         context.Context
	idleTimeout time.Duration
}

func New(name string, port int, codec core.Codec, logger *slog.Logger) *Entrypoint {
	return &Entrypoint{
		name:        name,
		port:        port,
		codec:       codec,
		logger:      logger,
		sessions:    httpcommon.NewSessions(),
		idleTimeout: httpcommon.DefaultIdleTimeout,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "http_get" }

func (e *Entrypoint) Start(ctx context.Context, manager core.SessionManager) error {
	e.server = &http.Server{Addr: fmt.Sprintf(":%d", e.port), Handler: e.Handler(ctx, manager)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("http_get entrypoint starting", "name", e.name, "port", e.port, "codec", e.codec)
	if err := e.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	for _, sess := range e.sessions.All() {
		_ = e.manager.DestroySession(sess.ID)
	}
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// Handler wires the routes and starts the idle-session reaper under ctx.
func (e *Entrypoint) Handler(ctx context.Context, manager core.SessionManager) http.Handler {
	e.ctx = ctx
	e.manager = manager
	go e.sessions.Reap(ctx, e.idleTimeout, manager)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /subscribe", e.handleSubscribe)
	mux.HandleFunc("GET /poll", e.handlePoll)
	mux.HandleFunc("DELETE /unsubscribe", e.handleUnsubscribe)
	return mux
}

func (e *Entrypoint) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	clientID := core.GenerateClientID(r)

	sess, ok := e.sessions.Get(clientID)
	status := http.StatusOK
	if !ok {
		var err error
		sess, err = e.manager.CreateSession(e.ctx, e.name, clientID)
		if err != nil {
			e.logger.Error("http_get subscribe failed", "client_id", clientID, "error", err)
			http.Error(w, "subscription failed", http.StatusServiceUnavailable)
			return
		}
		e.sessions.Put(clientID, sess)
		status = http.StatusCreated
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"session_id": sess.ID,
		"client_id":  clientID,
	})
}

func (e *Entrypoint) handlePoll(w http.ResponseWriter, r *http.Request) {
	clientID := core.GenerateClientID(r)
	sess, ok := e.sessions.Get(clientID)
	if !ok {
		http.Error(w, "not subscribed, call /subscribe first", http.StatusNotFound)
		return
	}

	timeout := defaultPollTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			http.Error(w, "timeout must be a positive number of seconds", http.StatusBadRequest)
			return
		}
		timeout = min(time.Duration(secs)*time.Second, maxPollTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	select {
	case evt := <-sess.Downstream:
		data, err := e.codec.Encode(evt)
		if err != nil {
			e.logger.Error("encode poll event failed", "client_id", clientID, "error", err)
			http.Error(w, "encode failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", e.codec.ContentType())
		w.Header().Set("X-Event-ID", evt.ID)
		w.Header().Set("X-Channel", evt.Channel)
		_, _ = w.Write(data)
	case <-sess.Done:
		http.Error(w, "session closed", http.StatusGone)
	case <-ctx.Done():
		w.WriteHeader(http.StatusNoContent)
	}
}

func (e *Entrypoint) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	clientID := core.GenerateClientID(r)
	sess, ok := e.sessions.Delete(clientID)
	if !ok {
		http.Error(w, "not subscribed", http.StatusNotFound)
		return
	}

	_ = e.manager.DestroySession(sess.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"unsubscribed"}`))
}
