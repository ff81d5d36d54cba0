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
	"encoding/json"
	"strings"
)

// PresenceSuffix marks the presence companion of a channel or group.
const PresenceSuffix = "-pnpres"

// Cursor is the position in the message stream. The zero value means
// "subscribe from now".
type Cursor struct {
	Timetoken int64
	Region    int
}

func (c Cursor) IsZero() bool {
	return c.Timetoken == 0 && c.Region == 0
}

type MessageType int

const (
	MessageTypeMessage MessageType = iota
	MessageTypeSignal
	MessageTypeObject
	MessageTypeAction
	MessageTypeFile
)

func (t MessageType) EventType() EventType {
	switch t {
	case MessageTypeSignal:
		return EventTypeSignal
	case MessageTypeObject, MessageTypeAction:
		return EventTypeObject
	case MessageTypeFile:
		return EventTypeFile
	default:
		return EventTypeMessage
	}
}

// Message is one non-presence item of a subscribe response.
type Message struct {
	Origin       string
	Channel      string
	Subscription string
	Publisher    string
	Payload      json.RawMessage
	Meta         json.RawMessage
	Timetoken    int64
	Region       int
	Type         MessageType

	// Error is set when the payload could not be decrypted; Payload then holds
	// the raw, still encrypted value.
	Error error
}

// PresenceEvent is one item received on a presence channel.
type PresenceEvent struct {
	Origin       string
	Channel      string
	Subscription string
	Action       string
	UUID         string
	Occupancy    int
	Timestamp    int64
	State        json.RawMessage
	Timetoken    int64
}

// SubscribeItem holds exactly one of Message or Presence.
type SubscribeItem struct {
	Message  *Message
	Presence *PresenceEvent
}

// SubscribeResult is a parsed long-poll response.
type SubscribeResult struct {
	Cursor Cursor
	Items  []SubscribeItem

	// Origin is the load-balancing hint; empty when the service did not send one.
	Origin string
}

// IsPresenceChannel reports whether name is a presence companion channel.
func IsPresenceChannel(name string) bool {
	return strings.HasSuffix(name, PresenceSuffix)
}

// IsWildcard reports whether name is a wildcard channel pattern.
func IsWildcard(name string) bool {
	return strings.HasSuffix(name, ".*")
}
