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

package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type cursorJSON struct {
	T string `json:"t"`
	R int    `json:"r"`
}

type itemJSON struct {
	Shard        string          `json:"a"`
	Flags        int             `json:"f"`
	Publisher    string          `json:"i"`
	Published    cursorJSON      `json:"p"`
	SubscribeKey string          `json:"k"`
	Channel      string          `json:"c"`
	Payload      json.RawMessage `json:"d"`
	Meta         json.RawMessage `json:"u"`
	Subscription string          `json:"b"`
	Type         *int            `json:"e"`
}

type subscribeJSON struct {
	Cursor *cursorJSON `json:"t"`
	Items  []itemJSON  `json:"m"`
	Origin string      `json:"o"`
}

type presenceJSON struct {
	Action    string          `json:"action"`
	Timestamp int64           `json:"timestamp"`
	UUID      string          `json:"uuid"`
	Occupancy int             `json:"occupancy"`
	Data      json.RawMessage `json:"data"`
}

// Formatter is the default core.Formatter for the v2 subscribe envelope.
type Formatter struct{}

func (Formatter) ParseSubscribe(origin string, body []byte) (*core.SubscribeResult, error) {
	var env subscribeJSON
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed("decode subscribe envelope: %v", err)
	}
	if env.Cursor == nil || env.Cursor.T == "" {
		return nil, malformed("subscribe envelope has no timetoken")
	}
	tt, err := strconv.ParseInt(env.Cursor.T, 10, 64)
	if err != nil {
		return nil, malformed("timetoken %q: %v", env.Cursor.T, err)
	}

	res := &core.SubscribeResult{
		Cursor: core.Cursor{Timetoken: tt, Region: env.Cursor.R},
		Items:  make([]core.SubscribeItem, 0, len(env.Items)),
		Origin: env.Origin,
	}

	for _, it := range env.Items {
		item, err := parseItem(origin, it)
		if err != nil {
			return nil, err
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

func parseItem(origin string, it itemJSON) (core.SubscribeItem, error) {
	published, _ := strconv.ParseInt(it.Published.T, 10, 64)

	subscription := it.Subscription
	if subscription == it.Channel {
		subscription = ""
	}

	if core.IsPresenceChannel(it.Channel) {
		var p presenceJSON
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return core.SubscribeItem{}, malformed("presence payload on %s: %v", it.Channel, err)
		}
		return core.SubscribeItem{Presence: &core.PresenceEvent{
			Origin:       origin,
			Channel:      strings.TrimSuffix(it.Channel, core.PresenceSuffix),
			Subscription: strings.TrimSuffix(subscription, core.PresenceSuffix),
			Action:       p.Action,
			UUID:         p.UUID,
			Occupancy:    p.Occupancy,
			Timestamp:    p.Timestamp,
			State:        p.Data,
			Timetoken:    published,
		}}, nil
	}

	msgType := core.MessageTypeMessage
	if it.Type != nil {
		msgType = core.MessageType(*it.Type)
	}

	return core.SubscribeItem{Message: &core.Message{
		Origin:       origin,
		Channel:      it.Channel,
		Subscription: subscription,
		Publisher:    it.Publisher,
		Payload:      it.Payload,
		Meta:         it.Meta,
		Timetoken:    published,
		Region:       it.Published.R,
		Type:         msgType,
	}}, nil
}

// ParseTime decodes the single-element time response.
func ParseTime(body []byte) (int64, error) {
	var arr []json.Number
	if err := json.Unmarshal(body, &arr); err != nil || len(arr) == 0 {
		return 0, malformedOp(core.OpTime, "time response %q", body)
	}
	tt, err := arr[0].Int64()
	if err != nil {
		return 0, malformedOp(core.OpTime, "time response %q: %v", body, err)
	}
	return tt, nil
}

// ParsePublish decodes [1,"Sent","<timetoken>"] and returns the timetoken.
func ParsePublish(body []byte) (int64, error) {
	var arr []any
	if err := json.Unmarshal(body, &arr); err != nil || len(arr) < 3 {
		return 0, malformedOp(core.OpPublish, "publish response %q", body)
	}
	if ok, _ := arr[0].(float64); ok != 1 {
		return 0, &core.RequestError{Op: core.OpPublish, Kind: core.ErrBadRequest, Message: fmt.Sprint(arr[1])}
	}
	s, _ := arr[2].(string)
	tt, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, malformedOp(core.OpPublish, "publish timetoken %q", s)
	}
	return tt, nil
}

func malformed(format string, args ...any) error {
	return malformedOp(core.OpSubscribe, format, args...)
}

func malformedOp(op core.Operation, format string, args ...any) error {
	return &core.RequestError{
		Op:      op,
		Kind:    core.ErrMalformedResponse,
		Message: fmt.Sprintf(format, args...),
	}
}
