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

// Package sse streams downstream events to local clients as server-sent
// events. It has no upstream side.
package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const keepAliveInterval = 15 * time.Second

type Entrypoint struct {
	name     string
	port     int
	codec    core.Codec
	manager  core.SessionManager
	server   *http.Server
	logger   *slog.Logger
	sessions sync.Map

	keepAlive time.Duration
}

// New builds an SSE entrypoint. CBOR cannot travel in an event stream, so it
// is replaced by JSON.
func New(name string, port int, codec core.Codec, logger *slog.Logger) *Entrypoint {
	if codec == core.CodecCBOR {
		logger.Warn("cbor is not supported over sse, using json", "name", name)
		codec = core.CodecJSON
	}
	if codec == "" {
		codec = core.CodecJSON
	}
	return &Entrypoint{name: name, port: port, codec: codec, logger: logger, keepAlive: keepAliveInterval}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "sse" }

func (e *Entrypoint) Start(ctx context.Context, manager core.SessionManager) error {
	e.manager = manager
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleSSE)

	e.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", e.port),
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("sse entrypoint starting", "name", e.name, "port", e.port, "codec", e.codec)
	if err := e.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Entrypoint) Stop(ctx context.Context) error {
	e.sessions.Range(func(key, _ any) bool {
		_ = e.manager.DestroySession(key.(string))
		return true
	})
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

func (e *Entrypoint) Handler(manager core.SessionManager) http.Handler {
	e.manager = manager
	return http.HandlerFunc(e.handleSSE)
}

func (e *Entrypoint) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	clientID := core.GenerateClientID(r)
	sess, err := e.manager.CreateSession(r.Context(), e.name, clientID)
	if err != nil {
		e.logger.Error("sse session creation failed", "client_id", clientID, "error", err)
		http.Error(w, "session creation failed", http.StatusServiceUnavailable)
		return
	}

	e.sessions.Store(sess.ID, sess)
	defer func() {
		e.sessions.Delete(sess.ID)
		_ = e.manager.DestroySession(sess.ID)
		e.logger.Info("sse client disconnected", "client_id", clientID, "session_id", sess.ID)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	e.logger.Info("sse client connected", "client_id", clientID, "session_id", sess.ID)

	ticker := time.NewTicker(e.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done:
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-sess.Downstream:
			data, err := e.codec.Encode(evt)
			if err != nil {
				e.logger.Error("encode sse event failed", "client_id", clientID, "error", err)
				continue
			}
			if err := writeEvent(w, evt, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one event; multi-line data is split over data: fields.
func writeEvent(w io.Writer, evt core.Event, data []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %s\nevent: %s\n", evt.ID, evt.Type)
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
