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

import "time"

type DeliveryGuarantee int

const (
	DeliveryAuto DeliveryGuarantee = iota
	DeliveryNone
	DeliveryAtMostOnce
	DeliveryAtLeastOnce
)

// Blocking reports whether a relay should wait (and retry) instead of dropping
// an event when the target cannot take it right away.
func (d DeliveryGuarantee) Blocking() bool {
	return d == DeliveryAuto || d == DeliveryAtLeastOnce
}

type EventType int

const (
	EventTypeMessage EventType = iota
	EventTypeSignal
	EventTypePresence
	EventTypeObject
	EventTypeFile
)

func (t EventType) String() string {
	switch t {
	case EventTypeMessage:
		return "message"
	case EventTypeSignal:
		return "signal"
	case EventTypePresence:
		return "presence"
	case EventTypeObject:
		return "object"
	case EventTypeFile:
		return "file"
	default:
		return "unknown"
	}
}

// Direction is relative to the pub/sub service: downstream flows from a
// subscribed channel to a bridge target, upstream flows from a target into a
// channel through publish.
type Direction int

const (
	DirectionDownstream Direction = iota
	DirectionUpstream
)

func (d Direction) String() string {
	if d == DirectionUpstream {
		return "upstream"
	}
	return "downstream"
}

// Event is the unit the bridge moves between the pub/sub service and its
// endpoints or entrypoint clients.
type Event struct {
	ID           string            `json:"id" cbor:"id"`
	Channel      string            `json:"channel" cbor:"channel"`
	Subscription string            `json:"subscription,omitempty" cbor:"subscription,omitempty"`
	Publisher    string            `json:"publisher,omitempty" cbor:"publisher,omitempty"`
	SourceID     string            `json:"source_id" cbor:"source_id"`
	ClientID     string            `json:"client_id,omitempty" cbor:"client_id,omitempty"`
	Payload      []byte            `json:"payload" cbor:"payload"`
	Metadata     map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Timetoken    int64             `json:"timetoken,omitempty" cbor:"timetoken,omitempty"`
	Timestamp    time.Time         `json:"timestamp" cbor:"timestamp"`
	Type         EventType         `json:"type" cbor:"type"`
}

func (e Event) IsPresence() bool {
	return e.Type == EventTypePresence
}

// Route binds a channel pattern to an endpoint or entrypoint (downstream), or
// an endpoint or entrypoint to a concrete channel it publishes into (upstream).
type Route struct {
	Source            string            `yaml:"source"`
	Target            string            `yaml:"target"`
	Direction         Direction         `yaml:"direction"`
	DeliveryGuarantee DeliveryGuarantee `yaml:"delivery_guarantee"`
	ChannelSize       int               `yaml:"channel_size"`

	// Policy, when set, runs on every event the route carries.
	Policy EventPolicy `yaml:"-"`
}

// EventPolicy may rewrite an event in place. Returning false drops it.
type EventPolicy interface {
	Apply(evt *Event) bool
}

// Admit runs the route's policy on a copy of evt.
func (r *Route) Admit(evt Event) (Event, bool) {
	if r.Policy == nil {
		return evt, true
	}
	ok := r.Policy.Apply(&evt)
	return evt, ok
}

// BrokerMessage is an event read from an upstream endpoint. Ack is called once
// the event was published, Nack when publishing failed.
type BrokerMessage struct {
	Event Event
	Ack   func() error
	Nack  func() error
}
