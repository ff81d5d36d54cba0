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

package pubsub

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/dispatcher"
)

const (
	DefaultOrigin     = "ps.pndsn.com"
	DefaultMaxRetries = 5
	DefaultDedupeTTL  = 15 * time.Minute
)

// Options configures a Client. Zero values select the defaults listed on each
// field; MaxRetries is taken literally, so zero disables retries.
type Options struct {
	SubscribeKey string
	PublishKey   string
	SecretKey    string
	AuthKey      string
	CipherKey    string

	// UserID identifies this client to the service. Generated when empty.
	UserID string

	// Origin is the preferred service host; Origins is the rotation list used
	// when the service sends a load-balancing hint. Origin defaults to the
	// first entry of Origins, then to DefaultOrigin.
	Origin  string
	Origins []string
	Secure  bool

	// HeartbeatInterval enables the presence heartbeat when positive.
	HeartbeatInterval time.Duration
	// PresenceTimeout in seconds, sent as the heartbeat query parameter.
	// Defaults to twice the heartbeat interval plus one second.
	PresenceTimeout int

	SubscribeTimeout    time.Duration
	NonSubscribeTimeout time.Duration
	MaxRetries          int
	Backoff             BackoffConfig

	// TTL is the default message time-to-live in hours applied to Publish.
	TTL int

	FilterExpression string

	// DedupeCacheSize enables duplicate suppression of inbound items.
	DedupeCacheSize int
	DedupeTTL       time.Duration

	SuppressLeaveEvents bool

	// DefaultListener is registered before any other listener.
	DefaultListener core.Listener

	Formatter core.Formatter
	Crypto    core.Crypto
	Validator core.Validator

	// Proxy overrides proxy resolution for every dispatcher; defaults to the
	// HTTP_PROXY/HTTPS_PROXY environment.
	Proxy func(*http.Request) (*url.URL, error)
}

func (o Options) withDefaults() Options {
	if o.Origin == "" && len(o.Origins) > 0 {
		o.Origin = o.Origins[0]
	}
	if o.Origin == "" {
		o.Origin = DefaultOrigin
	}
	origins := []string{o.Origin}
	for _, origin := range o.Origins {
		if origin != "" && !slices.Contains(origins, origin) {
			origins = append(origins, origin)
		}
	}
	o.Origins = origins

	if o.UserID == "" {
		o.UserID = core.NewUserID()
	}
	if o.SubscribeTimeout == 0 {
		o.SubscribeTimeout = dispatcher.DefaultSubscribeTimeout
	}
	if o.NonSubscribeTimeout == 0 {
		o.NonSubscribeTimeout = dispatcher.DefaultNonSubscribeTimeout
	}
	if o.PresenceTimeout == 0 && o.HeartbeatInterval > 0 {
		o.PresenceTimeout = 2*int(o.HeartbeatInterval/time.Second) + 1
	}
	if o.DedupeCacheSize > 0 && o.DedupeTTL == 0 {
		o.DedupeTTL = DefaultDedupeTTL
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.SubscribeKey == "":
		return fmt.Errorf("%w: subscribe key is required", core.ErrInvalidConfig)
	case o.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative", core.ErrInvalidConfig)
	case o.HeartbeatInterval < 0:
		return fmt.Errorf("%w: heartbeat interval must not be negative", core.ErrInvalidConfig)
	case o.PresenceTimeout < 0:
		return fmt.Errorf("%w: presence timeout must not be negative", core.ErrInvalidConfig)
	case o.SubscribeTimeout < 0 || o.NonSubscribeTimeout < 0:
		return fmt.Errorf("%w: timeouts must not be negative", core.ErrInvalidConfig)
	case o.SubscribeTimeout > 0 && o.NonSubscribeTimeout > o.SubscribeTimeout:
		return fmt.Errorf("%w: non-subscribe timeout exceeds subscribe timeout", core.ErrInvalidConfig)
	case o.TTL < 0 || o.DedupeCacheSize < 0:
		return fmt.Errorf("%w: ttl and dedupe cache size must not be negative", core.ErrInvalidConfig)
	}
	return nil
}
