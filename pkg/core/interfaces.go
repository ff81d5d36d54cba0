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

package core

import (
	"context"
	"encoding/json"
)

// Listener receives everything the subscribe loop produces. Callbacks run on
// the loop goroutine, in response order, and must not block for long.
type Listener interface {
	Status(Status)
	Message(Message)
	Presence(PresenceEvent)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped.
type ListenerFuncs struct {
	OnStatus   func(Status)
	OnMessage  func(Message)
	OnPresence func(PresenceEvent)
}

func (l ListenerFuncs) Status(s Status) {
	if l.OnStatus != nil {
		l.OnStatus(s)
	}
}

func (l ListenerFuncs) Message(m Message) {
	if l.OnMessage != nil {
		l.OnMessage(m)
	}
}

func (l ListenerFuncs) Presence(p PresenceEvent) {
	if l.OnPresence != nil {
		l.OnPresence(p)
	}
}

// Formatter turns a raw long-poll body into typed items and the next cursor.
type Formatter interface {
	ParseSubscribe(origin string, body []byte) (*SubscribeResult, error)
}

// Crypto encrypts published payloads and decrypts received ones.
type Crypto interface {
	Encrypt(plain []byte) (json.RawMessage, error)
	Decrypt(payload json.RawMessage) ([]byte, error)
}

// Validator checks subscribe parameters before any request is built.
type Validator interface {
	ValidateSubscribe(channels, groups, wildcards []string) error
}

// Publisher publishes a payload to a channel. The bridge uses it for every
// upstream route.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte, meta map[string]string) error
}

type Entrypoint interface {
	Name() string
	Type() string
	Start(ctx context.Context, manager SessionManager) error
	Stop(ctx context.Context) error
}

type Endpoint interface {
	Name() string
	Type() string
	StartConsumer(ctx context.Context, ch chan<- BrokerMessage) error
	Send(ctx context.Context, evt Event) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

type SessionManager interface {
	CreateSession(ctx context.Context, entrypointName string, clientID string) (*Session, error)
	DestroySession(sessionID string) error
}

// Session is one local client attached to an entrypoint. Downstream carries
// events routed to the entrypoint; whatever the client writes to Upstream is
// published to the entrypoint's upstream route.
type Session struct {
	ID             string
	ClientID       string
	EntrypointName string
	Route          *Route
	Downstream     chan Event
	Upstream       chan Event

	// Done is closed when the session is destroyed. Downstream is never closed.
	Done   <-chan struct{}
	Cancel context.CancelFunc
}
