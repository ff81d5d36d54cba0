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

// Package wire builds service requests and parses their responses.
package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

// SDKName is sent as pnsdk on every request.
const SDKName = "pubsub-bridge-go/1.0.0"

// Builder holds what every request carries. It is a value so callers can
// snapshot identity once per request.
type Builder struct {
	Secure       bool
	SubscribeKey string
	PublishKey   string
	SecretKey    string
	AuthKey      string
	UserID       string
	InstanceID   string

	// Now is used for signature timestamps; defaults to time.Now.
	Now func() time.Time
}

type SubscribeParams struct {
	Channels        []string
	Groups          []string
	Cursor          core.Cursor
	State           map[string]json.RawMessage
	Filter          string
	PresenceTimeout int
}

type HeartbeatParams struct {
	Channels        []string
	Groups          []string
	State           map[string]json.RawMessage
	PresenceTimeout int
}

type PublishParams struct {
	Channel  string
	Payload  json.RawMessage
	Meta     map[string]string
	Sequence uint16
	NoStore  bool
	TTL      int
}

func (b Builder) Subscribe(origin string, p SubscribeParams) (*http.Request, error) {
	q := url.Values{}
	q.Set("tt", strconv.FormatInt(p.Cursor.Timetoken, 10))
	if p.Cursor.Region != 0 {
		q.Set("tr", strconv.Itoa(p.Cursor.Region))
	}
	if len(p.Groups) > 0 {
		q.Set("channel-group", strings.Join(p.Groups, ","))
	}
	if p.PresenceTimeout > 0 {
		q.Set("heartbeat", strconv.Itoa(p.PresenceTimeout))
	}
	if p.Filter != "" {
		q.Set("filter-expr", p.Filter)
	}
	if err := setState(q, p.State); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v2/subscribe/%s/%s/0", url.PathEscape(b.SubscribeKey), channelSegment(p.Channels))
	return b.newRequest(http.MethodGet, origin, path, q)
}

func (b Builder) Heartbeat(origin string, p HeartbeatParams) (*http.Request, error) {
	q := url.Values{}
	if len(p.Groups) > 0 {
		q.Set("channel-group", strings.Join(p.Groups, ","))
	}
	if p.PresenceTimeout > 0 {
		q.Set("heartbeat", strconv.Itoa(p.PresenceTimeout))
	}
	if err := setState(q, p.State); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v2/presence/sub-key/%s/channel/%s/heartbeat", url.PathEscape(b.SubscribeKey), channelSegment(p.Channels))
	return b.newRequest(http.MethodGet, origin, path, q)
}

func (b Builder) Leave(origin string, channels, groups []string) (*http.Request, error) {
	q := url.Values{}
	if len(groups) > 0 {
		q.Set("channel-group", strings.Join(groups, ","))
	}
	path := fmt.Sprintf("/v2/presence/sub-key/%s/channel/%s/leave", url.PathEscape(b.SubscribeKey), channelSegment(channels))
	return b.newRequest(http.MethodGet, origin, path, q)
}

func (b Builder) Publish(origin string, p PublishParams) (*http.Request, error) {
	q := url.Values{}
	q.Set("seqn", strconv.Itoa(int(p.Sequence)))
	if len(p.Meta) > 0 {
		meta, err := json.Marshal(p.Meta)
		if err != nil {
			return nil, fmt.Errorf("%w: meta: %v", core.ErrValidation, err)
		}
		q.Set("meta", string(meta))
	}
	if p.NoStore {
		q.Set("store", "0")
	}
	if p.TTL > 0 {
		q.Set("ttl", strconv.Itoa(p.TTL))
	}

	path := fmt.Sprintf("/publish/%s/%s/0/%s/0/%s",
		url.PathEscape(b.PublishKey),
		url.PathEscape(b.SubscribeKey),
		url.PathEscape(p.Channel),
		url.PathEscape(string(p.Payload)),
	)
	return b.newRequest(http.MethodGet, origin, path, q)
}

func (b Builder) Time(origin string) (*http.Request, error) {
	return b.newRequest(http.MethodGet, origin, "/time/0", url.Values{})
}

func (b Builder) newRequest(method, origin, path string, q url.Values) (*http.Request, error) {
	if b.UserID != "" {
		q.Set("uuid", b.UserID)
	}
	if b.AuthKey != "" {
		q.Set("auth", b.AuthKey)
	}
	if b.InstanceID != "" {
		q.Set("instanceid", b.InstanceID)
	}
	q.Set("pnsdk", SDKName)

	if b.SecretKey != "" {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		q.Set("timestamp", strconv.FormatInt(now().Unix(), 10))
		q.Set("signature", Sign(b.SecretKey, b.PublishKey, method, path, q, nil))
	}

	scheme := "http"
	if b.Secure {
		scheme = "https"
	}
	raw := scheme + "://" + origin + path + "?" + q.Encode()
	req, err := http.NewRequest(method, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", core.ErrValidation, err)
	}
	return req, nil
}

func channelSegment(channels []string) string {
	if len(channels) == 0 {
		return ","
	}
	escaped := make([]string, len(channels))
	for i, ch := range channels {
		escaped[i] = url.PathEscape(ch)
	}
	return strings.Join(escaped, ",")
}

func setState(q url.Values, state map[string]json.RawMessage) error {
	if len(state) == 0 {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: state: %v", core.ErrValidation, err)
	}
	q.Set("state", string(data))
	return nil
}
