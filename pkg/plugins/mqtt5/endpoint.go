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

// Package mqtt5 bridges events to and from an MQTT v5 broker.
package mqtt5

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

// ChannelPlaceholder in topic_out is replaced by the event's channel.
const ChannelPlaceholder = "{channel}"

type Config struct {
	BrokerURL string
	TopicIn   string
	TopicOut  string
	QoS       byte
	ClientID  string
	Codec     core.Codec
}

// ParseConfig reads broker, topic_in, topic_out, qos, client_id and codec.
func ParseConfig(name string, m map[string]string) (Config, error) {
	codec, err := core.ParseCodec(m["codec"])
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BrokerURL: m["broker"],
		TopicIn:   m["topic_in"],
		TopicOut:  m["topic_out"],
		QoS:       1,
		ClientID:  m["client_id"],
		Codec:     codec,
	}
	if cfg.BrokerURL == "" {
		return Config{}, fmt.Errorf("%w: mqtt5 endpoint %s needs broker", core.ErrInvalidConfig, name)
	}
	if v := m["qos"]; v != "" {
		q, err := strconv.Atoi(v)
		if err != nil || q < 0 || q > 2 {
			return Config{}, fmt.Errorf("%w: mqtt5 endpoint %s: qos %q", core.ErrInvalidConfig, name, v)
		}
		cfg.QoS = byte(q)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pubsub-bridge-" + name + "-" + core.NewEventID()[:8]
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

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	deliver func(*paho.Publish)
}

func New(name string, cfg Config, logger *slog.Logger) *Endpoint {
	return &Endpoint{name: name, cfg: cfg, logger: logger}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "mqtt5" }

func (e *Endpoint) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(e.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt5 invalid URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         300,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			e.logger.Info("mqtt5 connection up", "name", e.name)
			if e.cfg.TopicIn == "" {
				return
			}
			// Subscriptions are renewed on every reconnect.
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: e.cfg.TopicIn, QoS: e.cfg.QoS}},
			}); err != nil {
				e.logger.Error("mqtt5 subscribe failed", "name", e.name, "topic", e.cfg.TopicIn, "error", err)
			}
		},
		OnConnectError: func(err error) {
			e.logger.Warn("mqtt5 connect error", "name", e.name, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: e.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				e.onPublish,
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				e.logger.Warn("mqtt5 server disconnect", "name", e.name, "reason", d.ReasonCode)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt5 connection: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	e.mu.Lock()
	e.cm = cm
	e.mu.Unlock()

	e.logger.Info("mqtt5 endpoint connected", "name", e.name, "broker", e.cfg.BrokerURL)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	cm := e.cm
	e.cm = nil
	e.mu.Unlock()
	if cm != nil {
		return cm.Disconnect(ctx)
	}
	return nil
}

func (e *Endpoint) connection() (*autopaho.ConnectionManager, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cm == nil {
		return nil, fmt.Errorf("%w: mqtt5 endpoint %s is not connected", core.ErrEndpointUnavailable, e.name)
	}
	return e.cm, nil
}

// StartConsumer forwards publishes received on topic_in. The client
// acknowledges them itself once the handler returns.
func (e *Endpoint) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	if e.cfg.TopicIn == "" {
		<-ctx.Done()
		return nil
	}
	if _, err := e.connection(); err != nil {
		return err
	}

	e.mu.Lock()
	e.deliver = func(p *paho.Publish) {
		evt, err := e.cfg.Codec.Decode(e.name, p.Payload)
		if err != nil {
			e.logger.Warn("skipping undecodable mqtt5 message", "name", e.name, "topic", p.Topic, "error", err)
			return
		}
		evt.Metadata = mergeProperties(evt.Metadata, p)

		select {
		case ch <- core.BrokerMessage{Event: evt}:
		case <-ctx.Done():
		}
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.deliver = nil
		e.mu.Unlock()
	}()

	<-ctx.Done()
	return nil
}

func (e *Endpoint) onPublish(pr paho.PublishReceived) (bool, error) {
	e.mu.Lock()
	deliver := e.deliver
	e.mu.Unlock()
	if deliver == nil {
		return false, nil
	}
	deliver(pr.Packet)
	return true, nil
}

func mergeProperties(meta map[string]string, p *paho.Publish) map[string]string {
	if meta == nil {
		meta = make(map[string]string)
	}
	if p.Properties != nil {
		for _, up := range p.Properties.User {
			meta[up.Key] = up.Value
		}
	}
	meta["mqtt_topic"] = p.Topic
	return meta
}

func (e *Endpoint) Send(ctx context.Context, evt core.Event) error {
	if e.cfg.TopicOut == "" {
		return fmt.Errorf("%w: mqtt5 endpoint %s has no topic_out", core.ErrInvalidOperation, e.name)
	}
	cm, err := e.connection()
	if err != nil {
		return err
	}
	payload, err := e.cfg.Codec.Encode(evt)
	if err != nil {
		return err
	}
	_, err = cm.Publish(ctx, newPublish(e.cfg, evt, payload))
	return err
}

func newPublish(cfg Config, evt core.Event, payload []byte) *paho.Publish {
	var user paho.UserProperties
	for k, v := range core.Headers(evt) {
		user = append(user, paho.UserProperty{Key: k, Value: v})
	}
	return &paho.Publish{
		Topic:   cfg.TopicFor(evt),
		QoS:     cfg.QoS,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: cfg.Codec.ContentType(),
			User:        user,
		},
	}
}
