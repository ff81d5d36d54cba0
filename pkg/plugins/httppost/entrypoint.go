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

// Package httppost accepts upstream events over plain HTTP. Each POST body is
// published to the entrypoint's upstream channel; X-Meta-* headers become
// message metadata.
package httppost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/httpcommon"
)

const metaHeaderPrefix = "X-Meta-"

type Entrypoint struct {
	name     string
	port     int
	manager  core.SessionManager
	server   *http.Server
	logger   *slog.Logger
	sessions *httpcommon.Sessions
	maxBody  int64

	ctx         context.Context
	idleTimeout time.Duration
}

func New(name string, port int, logger *slog.Logger) *Entrypoint {
	return &Entrypoint{
		name:        name,
		port:        port,
		logger:      logger,
		sessions:    httpcommon.NewSessions(),
		maxBody:     1 << 20,
		idleTimeout: httpcommon.DefaultIdleTimeout,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "http_post" }

func (e *Entrypoint) Start(ctx context.Context, manager core.SessionManager) error {
	e.server = &http.Server{Addr: fmt.Sprintf(":%d", e.port), Handler: e.Handler(ctx, manager)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("http_post entrypoint starting", "name", e.name, "port", e.port)
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

func (e *Entrypoint) Handler(ctx context.Context, manager core.SessionManager) http.Handler {
	e.ctx = ctx
	e.manager = manager
	go e.sessions.Reap(ctx, e.idleTimeout, manager)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", e.handlePost)
	return mux
}

func (e *Entrypoint) session(clientID string) (*core.Session, error) {
	if sess, ok := e.sessions.Get(clientID); ok {
		return sess, nil
	}
	sess, err := e.manager.CreateSession(e.ctx, e.name, clientID)
	if err != nil {
		return nil, err
	}
	e.sessions.Put(clientID, sess)
	return sess, nil
}

func (e *Entrypoint) handlePost(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, e.maxBody+1))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > e.maxBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	clientID := core.GenerateClientID(r)
	sess, err := e.session(clientID)
	if err != nil {
		e.logger.Error("http_post session failed", "client_id", clientID, "error", err)
		http.Error(w, "session creation failed", http.StatusServiceUnavailable)
		return
	}

	evt := core.Event{
		ID:        core.NewEventID(),
		SourceID:  e.name,
		ClientID:  clientID,
		Payload:   body,
		Metadata:  metadataFrom(r.Header),
		Timestamp: time.Now().UTC(),
		Type:      core.EventTypeMessage,
	}

	select {
	case sess.Upstream <- evt:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, `{"status":"accepted","id":%q}`, evt.ID)
	case <-sess.Done:
		http.Error(w, "session closed", http.StatusServiceUnavailable)
	case <-r.Context().Done():
		http.Error(w, "timeout", http.StatusGatewayTimeout)
	}
}

func metadataFrom(h http.Header) map[string]string {
	var meta map[string]string
	for k, vs := range h {
		if !strings.HasPrefix(k, metaHeaderPrefix) || len(vs) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.ToLower(strings.TrimPrefix(k, metaHeaderPrefix))] = vs[0]
	}
	return meta
}
