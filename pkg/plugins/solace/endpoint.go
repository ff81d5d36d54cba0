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

// Package solace bridges events to and from a Solace PubSub+ broker.
package solace

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"solace.dev/go/messaging"
	"solace.dev/go/messaging/pkg/solace"
	"solace.dev/go/messaging/pkg/solace/config"
	"solace.dev/go/messaging/pkg/solace/message"
	"solace.dev/go/messaging/pkg/solace/resource"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const (
	ChannelPlaceholder = "{channel}"
	terminateTimeout   = 5 * time.Second
)

type Config struct {
	Host     string
	VPN      string
	Username string
	Password string
	TopicIn  string
	TopicOut string
	Codec    core.Codec
}

// ParseConfig reads host, vpn, username, password, topic_in, topic_out and
// codec. vpn defaults to "default".
func ParseConfig(name string, m map[string]string) (Config, error) {
	codec, err := core.ParseCodec(m["codec"])
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Host:     m["host"],
		VPN:      m["vpn"],
		Username: m["username"],
		Password: m["password"],
		TopicIn:  m["topic_in"],
		TopicOut: m["topic_out"],
		Codec:    codec,
	}
	if cfg.Host == "" {
		return Config{}, fmt.Errorf("%w: solace endpoint %s needs host", core.ErrInvalidConfig, name)
	}
	if cfg.TopicIn == "" && cfg.TopicOut == "" {
		return Config{}, fmt.Errorf("%w: solace endpoint %s needs topic_in or topic_out", core.ErrInvalidConfig, name)
	}
	if cfg.VPN == "" {
		cfg.VPN = "default"
	}
	return cfg, nil
}

// TopicFor returns the outbound topic of evt.
func (c Config) TopicFor(evt core.Event) string {
	return strings.ReplaceAll(c.TopicOut, ChannelPlaceholder, evt.Channel)
}

type Endpoint struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	service   solace.MessagingService
	publisher solace.DirectMessagePublisher
}

func New(name string, cfg Config, logger *slog.Logger) *Endpoint {
	return &Endpoint{name: name, cfg: cfg, logger: logger}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "solace" }

func (e *Endpoint) Connect(ctx context.Context) error {
	service, err := messaging.NewMessagingServiceBuilder().
		FromConfigurationProvider(config.ServicePropertyMap{
			config.TransportLayerPropertyHost:                e.cfg.Host,
			config.ServicePropertyVPNName:                    e.cfg.VPN,
			config.AuthenticationPropertySchemeBasicUserName: e.cfg.Username,
			config.AuthenticationPropertySchemeBasicPassword: e.cfg.Password,
		}).Build()
	if err != nil {
		return fmt.Errorf("solace build: %w", err)
	}
	if err = service.Connect(); err != nil {
		return fmt.Errorf("solace connect: %w", err)
	}

	var publisher solace.DirectMessagePublisher
	if e.cfg.TopicOut != "" {
		publisher, err = service.CreateDirectMessagePublisherBuilder().Build()
		if err != nil {
			_ = service.Disconnect()
			return fmt.Errorf("solace publisher build: %w", err)
		}
		if err = publisher.Start(); err != nil {
			_ = service.Disconnect()
			return fmt.Errorf("solace publisher start: %w", err)
		}
	}

	e.mu.Lock()
	e.service = service
	e.publisher = publisher
	e.mu.Unlock()

	e.logger.Info("solace endpoint connected", "name", e.name, "host", e.cfg.Host, "vpn", e.cfg.VPN)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	service, publisher := e.service, e.publisher
	e.service, e.publisher = nil, nil
	e.mu.Unlock()

	if publisher != nil {
		_ = publisher.Terminate(terminateTimeout)
	}
	if service != nil {
		return service.Disconnect()
	}
	return nil
}

// StartConsumer receives direct messages on topic_in. Direct delivery has no
// broker acknowledgement, so Ack and Nack are no-ops.
func (e *Endpoint) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	if e.cfg.TopicIn == "" {
		<-ctx.Done()
		return nil
	}
	e.mu.Lock()
	service := e.service
	e.mu.Unlock()
	if service == nil {
		return fmt.Errorf("%w: solace endpoint %s is not connected", core.ErrEndpointUnavailable, e.name)
	}

	receiver, err := service.CreateDirectMessageReceiverBuilder().
		WithSubscriptions(resource.TopicSubscriptionOf(e.cfg.TopicIn)).
		Build()
	if err != nil {
		return fmt.Errorf("solace receiver build: %w", err)
	}
	if err = receiver.Start(); err != nil {
		return fmt.Errorf("solace receiver start: %w", err)
	}
	defer receiver.Terminate(terminateTimeout)

	err = receiver.ReceiveAsync(func(in message.InboundMessage) {
		payload, _ := in.GetPayloadAsBytes()
		evt, err := e.cfg.Codec.Decode(e.name, payload)
		if err != nil {
			e.logger.Warn("skipping undecodable solace message", "name", e.name, "error", err)
			return
		}
		meta := evt.Metadata
		if meta == nil {
			meta = make(map[string]string)
		}
		for k, v := range in.GetProperties() {
			if s, ok := v.(string); ok {
				meta[k] = s
			}
		}
		meta["solace_topic"] = in.GetDestinationName()
		evt.Metadata = meta

		select {
		case ch <- core.BrokerMessage{Event: evt}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("solace receive: %w", err)
	}

	<-ctx.Done()
	return nil
}

func (e *Endpoint) Send(ctx context.Context, evt core.Event) error {
	if e.cfg.TopicOut == "" {
		return fmt.Errorf("%w: solace endpoint %s has no topic_out", core.ErrInvalidOperation, e.name)
	}
	e.mu.Lock()
	service, publisher := e.service, e.publisher
	e.mu.Unlock()
	if service == nil || publisher == nil {
		return fmt.Errorf("%w: solace endpoint %s is not connected", core.ErrEndpointUnavailable, e.name)
	}

	payload, err := e.cfg.Codec.Encode(evt)
	if err != nil {
		return err
	}
	msg, err := service.MessageBuilder().
		FromConfigurationProvider(properties(evt)).
		WithApplicationMessageID(evt.ID).
		WithHTTPContentHeader(e.cfg.Codec.ContentType(), "").
		BuildWithByteArrayPayload(payload)
	if err != nil {
		return fmt.Errorf("solace message build: %w", err)
	}
	return publisher.Publish(msg, resource.TopicOf(e.cfg.TopicFor(evt)))
}

func properties(evt core.Event) config.MessagePropertyMap {
	h := core.Headers(evt)
	props := make(config.MessagePropertyMap, len(h))
	for k, v := range h {
		props[config.MessageProperty(k)] = v
	}
	return props
}
