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

// Package ws serves local WebSocket clients. Each connection is one session:
// events routed to the entrypoint are written to the socket, and every frame
// the client sends is published to the entrypoint's upstream channel.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type Entrypoint struct {
	name     string
	port     int
	codec    core.Codec
	upgrader websocket.Upgrader
	manager  core.SessionManager
	server   *http.Server
	logger   *slog.Logger
	sessions sync.Map
}

func New(name string, port int, codec core.Codec, logger *slog.Logger) *Entrypoint {
	return &Entrypoint{
		name:  name,
		port:  port,
		codec: codec,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (e *Entrypoint) Name() string { return e.name }
func (e *Entrypoint) Type() string { return "websocket" }

func (e *Entrypoint) Start(ctx context.Context, manager core.SessionManager) error {
	e.manager = manager

	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleConnection)

	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.port),
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.server.Shutdown(shutdownCtx)
	}()

	e.logger.Info("websocket entrypoint starting", "name", e.name, "port", e.port, "codec", e.codec)
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

// Handler exposes the connection handler for embedding in another server.
func (e *Entrypoint) Handler(manager core.SessionManager) http.Handler {
	e.manager = manager
	return http.HandlerFunc(e.handleConnection)
}

func (e *Entrypoint) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("ws upgrade failed", "error", err)
		return
	}

	clientID := core.GenerateClientID(r)

	sess, err := e.manager.CreateSession(r.Context(), e.name, clientID)
	if err != nil {
		e.logger.Error("session creation failed", "client_id", clientID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	e.sessions.Store(sess.ID, sess)

	defer func() {
		conn.Close()
		e.sessions.Delete(sess.ID)
		_ = e.manager.DestroySession(sess.ID)
		e.logger.Info("ws client disconnected", "client_id", clientID, "session_id", sess.ID)
	}()

	e.logger.Info("ws client connected", "client_id", clientID, "session_id", sess.ID)

	go e.downstreamLoop(conn, sess)
	e.upstreamLoop(conn, sess)
}

func (e *Entrypoint) messageType() int {
	if e.codec == core.CodecCBOR {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// downstreamLoop owns every write to conn.
func (e *Entrypoint) downstreamLoop(conn *websocket.Conn, sess *core.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt := <-sess.Downstream:
			data, err := e.codec.Encode(evt)
			if err != nil {
				e.logger.Error("encode downstream event failed", "client_id", sess.ClientID, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(e.messageType(), data); err != nil {
				e.logger.Error("ws write failed", "client_id", sess.ClientID, "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (e *Entrypoint) upstreamLoop(conn *websocket.Conn, sess *core.Session) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Error("ws read error", "client_id", sess.ClientID, "error", err)
			}
			return
		}

		evt := core.Event{
			ID:        core.NewEventID(),
			SourceID:  e.name,
			ClientID:  sess.ClientID,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
			Type:      core.EventTypeMessage,
		}

		select {
		case sess.Upstream <- evt:
		case <-sess.Done:
			return
		default:
			e.logger.Warn("upstream channel full, dropping event", "client_id", sess.ClientID)
		}
	}
}
