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

// Package config loads the bridge configuration file.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/logging"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/policy"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/retention"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/session"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/pubsub"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is set.
const DefaultPath = "/etc/pubsub-bridge/config.yaml"

type Config struct {
	PubSub      PubSubConfig       `yaml:"pubsub"`
	Log         logging.Config     `yaml:"log"`
	Session     SessionConfig      `yaml:"session"`
	Entrypoints []EntrypointConfig `yaml:"entrypoints"`
	Endpoints   []EndpointConfig   `yaml:"endpoints"`
	Routes      []RouteConfig      `yaml:"routes"`
}

type PubSubConfig struct {
	SubscribeKey string   `yaml:"subscribe_key"`
	PublishKey   string   `yaml:"publish_key"`
	SecretKey    string   `yaml:"secret_key"`
	AuthKey      string   `yaml:"auth_key"`
	CipherKey    string   `yaml:"cipher_key"`
	UUID         string   `yaml:"uuid"`
	Origin       string   `yaml:"origin"`
	Origins      []string `yaml:"origins"`
	SSL          bool     `yaml:"ssl"`

	Heartbeat           time.Duration `yaml:"heartbeat"`
	PresenceTimeout     int           `yaml:"presence_timeout"`
	SubscribeTimeout    time.Duration `yaml:"subscribe_timeout"`
	NonSubscribeTimeout time.Duration `yaml:"non_subscribe_timeout"`
	// MaxRetries defaults to pubsub.DefaultMaxRetries when absent; an explicit
	// zero disables retries.
	MaxRetries *int          `yaml:"max_retries"`
	Backoff    BackoffConfig `yaml:"backoff"`
	TTL        int           `yaml:"ttl"`

	FilterExpression    string `yaml:"filter_expression"`
	DedupeCacheSize     int    `yaml:"dedupe_cache_size"`
	SuppressLeaveEvents bool   `yaml:"suppress_leave_events"`

	Channels     []string `yaml:"channels"`
	Groups       []string `yaml:"groups"`
	Wildcards    []string `yaml:"wildcards"`
	WithPresence bool     `yaml:"with_presence"`
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// SessionConfig limits local entrypoint clients and controls what is kept
// for them while they are disconnected.
type SessionConfig struct {
	PublishRate  float64          `yaml:"publish_rate"`
	PublishBurst int              `yaml:"publish_burst"`
	Retention    retention.Config `yaml:"retention"`
}

type EntrypointConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Port int    `yaml:"port"`
	// Codec selects how events are written to local clients: raw, json or
	// cbor.
	Codec string `yaml:"codec"`
}

type EndpointConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

type RouteConfig struct {
	Source            string `yaml:"source"`
	Target            string `yaml:"target"`
	Direction         string `yaml:"direction"`
	DeliveryGuarantee string `yaml:"delivery_guarantee"`
	ChannelSize       int    `yaml:"channel_size"`

	Policies []policy.Spec `yaml:"policies"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath picks the config file: the flag value, then CONFIG_PATH, then
// DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// applyEnv lets credentials stay out of the file.
func (c *Config) applyEnv(getenv func(string) string) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"PUBSUB_SUBSCRIBE_KEY", &c.PubSub.SubscribeKey},
		{"PUBSUB_PUBLISH_KEY", &c.PubSub.PublishKey},
		{"PUBSUB_SECRET_KEY", &c.PubSub.SecretKey},
		{"PUBSUB_AUTH_KEY", &c.PubSub.AuthKey},
		{"PUBSUB_CIPHER_KEY", &c.PubSub.CipherKey},
		{"PUBSUB_UUID", &c.PubSub.UUID},
	}
	for _, o := range overrides {
		if v := getenv(o.key); v != "" {
			*o.dst = v
		}
	}
}

// Validate checks that names are unique and every route connects things that
// exist.
func (c *Config) Validate() error {
	if c.PubSub.SubscribeKey == "" {
		return fmt.Errorf("%w: pubsub.subscribe_key is required", core.ErrInvalidConfig)
	}

	names := make(map[string]string)
	for _, e := range c.Entrypoints {
		if e.Name == "" {
			return fmt.Errorf("%w: entrypoint without a name", core.ErrInvalidConfig)
		}
		if _, dup := names[e.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", core.ErrInvalidConfig, e.Name)
		}
		if _, err := core.ParseCodec(e.Codec); err != nil {
			return fmt.Errorf("entrypoint %s: %w", e.Name, err)
		}
		names[e.Name] = "entrypoint"
	}
	for _, e := range c.Endpoints {
		if e.Name == "" {
			return fmt.Errorf("%w: endpoint without a name", core.ErrInvalidConfig)
		}
		if _, dup := names[e.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", core.ErrInvalidConfig, e.Name)
		}
		names[e.Name] = "endpoint"
	}

	for i, rc := range c.Routes {
		dir, err := ParseDirection(rc.Direction)
		if err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if _, err := ParseDeliveryGuarantee(rc.DeliveryGuarantee); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if rc.Source == "" || rc.Target == "" {
			return fmt.Errorf("%w: route %d needs a source and a target", core.ErrInvalidConfig, i)
		}
		if _, err := policy.Build(rc.Policies); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}

		switch dir {
		case core.DirectionDownstream:
			if _, ok := names[rc.Target]; !ok {
				return fmt.Errorf("%w: route %d targets unknown %q", core.ErrInvalidConfig, i, rc.Target)
			}
		case core.DirectionUpstream:
			if _, ok := names[rc.Source]; !ok {
				return fmt.Errorf("%w: route %d reads from unknown %q", core.ErrInvalidConfig, i, rc.Source)
			}
			if strings.Contains(rc.Target, "*") {
				return fmt.Errorf("%w: route %d publishes to a pattern %q", core.ErrInvalidConfig, i, rc.Target)
			}
		}
	}

	if r := c.Session.Retention; r.Enabled {
		switch r.Store {
		case "", retention.StoreMemory:
		case retention.StoreRedis:
			if r.RedisAddr == "" {
				return fmt.Errorf("%w: session.retention.redis_addr is required for the redis store", core.ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: unknown session.retention.store %q", core.ErrInvalidConfig, r.Store)
		}
	}
	return nil
}

// ParseDirection maps a config value to a Direction. Empty selects
// downstream.
func ParseDirection(s string) (core.Direction, error) {
	switch s {
	case "", "downstream":
		return core.DirectionDownstream, nil
	case "upstream":
		return core.DirectionUpstream, nil
	default:
		return 0, fmt.Errorf("%w: unknown direction %q", core.ErrInvalidConfig, s)
	}
}

func ParseDeliveryGuarantee(s string) (core.DeliveryGuarantee, error) {
	switch s {
	case "", "auto":
		return core.DeliveryAuto, nil
	case "none":
		return core.DeliveryNone, nil
	case "at_most_once":
		return core.DeliveryAtMostOnce, nil
	case "at_least_once":
		return core.DeliveryAtLeastOnce, nil
	default:
		return 0, fmt.Errorf("%w: unknown delivery guarantee %q", core.ErrInvalidConfig, s)
	}
}

// ToRoute assumes the route passed Validate.
func (rc RouteConfig) ToRoute() *core.Route {
	dir, _ := ParseDirection(rc.Direction)
	guarantee, _ := ParseDeliveryGuarantee(rc.DeliveryGuarantee)
	route := &core.Route{
		Source:            rc.Source,
		Target:            rc.Target,
		Direction:         dir,
		DeliveryGuarantee: guarantee,
		ChannelSize:       rc.ChannelSize,
	}
	if chain, _ := policy.Build(rc.Policies); chain != nil {
		route.Policy = chain
	}
	return route
}

func (c *Config) RouteList() []*core.Route {
	routes := make([]*core.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		routes = append(routes, rc.ToRoute())
	}
	return routes
}

func (p PubSubConfig) ToOptions() pubsub.Options {
	maxRetries := pubsub.DefaultMaxRetries
	if p.MaxRetries != nil {
		maxRetries = *p.MaxRetries
	}
	return pubsub.Options{
		SubscribeKey:        p.SubscribeKey,
		PublishKey:          p.PublishKey,
		SecretKey:           p.SecretKey,
		AuthKey:             p.AuthKey,
		CipherKey:           p.CipherKey,
		UserID:              p.UUID,
		Origin:              p.Origin,
		Origins:             slices.Clone(p.Origins),
		Secure:              p.SSL,
		HeartbeatInterval:   p.Heartbeat,
		PresenceTimeout:     p.PresenceTimeout,
		SubscribeTimeout:    p.SubscribeTimeout,
		NonSubscribeTimeout: p.NonSubscribeTimeout,
		MaxRetries:          maxRetries,
		Backoff: pubsub.BackoffConfig{
			Initial:    p.Backoff.Initial,
			Max:        p.Backoff.Max,
			Multiplier: p.Backoff.Multiplier,
			Jitter:     p.Backoff.Jitter,
		},
		TTL:                 p.TTL,
		FilterExpression:    p.FilterExpression,
		DedupeCacheSize:     p.DedupeCacheSize,
		SuppressLeaveEvents: p.SuppressLeaveEvents,
	}
}

// SubscribeInput is the initial subscription of the bridge.
func (p PubSubConfig) SubscribeInput() pubsub.SubscribeInput {
	return pubsub.SubscribeInput{
		Channels:     slices.Clone(p.Channels),
		Groups:       slices.Clone(p.Groups),
		Wildcards:    slices.Clone(p.Wildcards),
		WithPresence: p.WithPresence,
	}
}

// ToOptions builds manager options around store, the retention store opened
// from s.Retention (nil when retention is disabled).
func (s SessionConfig) ToOptions(store retention.Store) session.Options {
	opts := session.Options{PublishRate: s.PublishRate, PublishBurst: s.PublishBurst}
	if store != nil {
		opts.Retention = store
		opts.RetainFor = s.Retention.WithDefaults().ClientExpiry
	}
	return opts
}
