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

package plugins

import (
	"fmt"
	"log/slog"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/config"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/httpget"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/httppost"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/jms"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/kafka"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/mqtt"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/mqtt5"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/rabbitmq"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/redis"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/solace"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/sse"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/plugins/ws"
)

// NewEntrypoint builds the entrypoint described by cfg.
func NewEntrypoint(cfg config.EntrypointConfig, logger *slog.Logger) (core.Entrypoint, error) {
	codec, err := core.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	logger = logger.With("entrypoint", cfg.Name)

	switch cfg.Type {
	case "websocket", "ws":
		return ws.New(cfg.Name, cfg.Port, codec, logger), nil
	case "sse":
		return sse.New(cfg.Name, cfg.Port, codec, logger), nil
	case "http_get":
		return httpget.New(cfg.Name, cfg.Port, codec, logger), nil
	case "http_post":
		return httppost.New(cfg.Name, cfg.Port, logger), nil
	default:
		return nil, fmt.Errorf("%w: entrypoint %s has unknown type %q", core.ErrInvalidConfig, cfg.Name, cfg.Type)
	}
}

// NewEndpoint builds the endpoint described by cfg.
func NewEndpoint(cfg config.EndpointConfig, logger *slog.Logger) (core.Endpoint, error) {
	logger = logger.With("endpoint", cfg.Name)

	switch cfg.Type {
	case "kafka":
		c, err := kafka.ParseConfig(cfg.Name, cfg.Config)
		if err != nil {
			return nil, err
		}
		return kafka.New(cfg.Name, c, logger), nil
	case "rabbitmq":
		c, err := rabbitmq.ParseConfig(cfg.Name, cfg.Config)
		if err != nil {
			return nil, err
		}
		return rabbitmq.New(cfg.Name, c, logger), nil
	case "jms", "amqp":
		c, err := jms.ParseConfig(cfg.Name, cfg.Config)
		if err != nil {
			return nil, err
		}
		return jms.New(cfg.Name, c, logger), nil
	case "mqtt5":
		c, err := mqtt5.ParseConfig(cfg.Name, cfg.Config)
		if err != nil {
			return nil, err
		}
		return mqtt5.New(cfg.Name, c, logger), nil
	case "mqtt":
		c, err := mqtt.ParseConfig(cfg.Name, cfg.Config)
		if err != nil {
			return nil, err
		}
		return mqtt.New(cfg.Name, c, logger), nil
	case "solace":
		c, err := solace.ParseConfig(cfg.Name, cfg.Config)
		if err != nil {
			return nil, err
		}
		return solace.New(cfg.Name, c, logger), nil
	case "redis":
		c, err := redis.ParseConfig(cfg.Name, cfg.Config)
		if err != nil {
			return nil, err
		}
		return redis.New(cfg.Name, c, logger), nil
	default:
		return nil, fmt.Errorf("%w: endpoint %s has unknown type %q", core.ErrInvalidConfig, cfg.Name, cfg.Type)
	}
}

// Build registers every entrypoint and endpoint in cfg.
func (r *Registry) Build(cfg *config.Config) error {
	for _, ec := range cfg.Entrypoints {
		ep, err := NewEntrypoint(ec, r.logger)
		if err != nil {
			return err
		}
		if err := r.RegisterEntrypoint(ep); err != nil {
			return err
		}
	}
	for _, ec := range cfg.Endpoints {
		ep, err := NewEndpoint(ec, r.logger)
		if err != nil {
			return err
		}
		if err := r.RegisterEndpoint(ep); err != nil {
			return err
		}
	}
	return nil
}
