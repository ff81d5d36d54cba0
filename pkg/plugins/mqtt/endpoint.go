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

// Package mqtt bridges events to and from an MQTT 3.1.1 broker.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const (
	ChannelPlaceholder = "{channel}"
	disconnectQuiesce  = 250
)

type Config struct {
	Broker   string
	TopicIn  string
	TopicOut string
	QoS      byte
	ClientID string
	Retained bool
	Codec    core.Codec
}

// ParseConfig reads broker, topic_in, topic_out, qos, client_id, retained and
// codec.
func ParseConfig(name string, m map[string]string) (Config, error) {
	codec, err := core.ParseCodec(m["codec"])
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Broker:   m["broker"],
		TopicIn:  m["topic_in"],
		TopicOut: m["topic_out"],
		QoS:      1,
		ClientID: m["client_id"],
		Codec:    codec,
	}
	if cfg.Broker == "" {
		return Config{}, fmt.Errorf("%w: mqtt endpoint %s needs broker", core.ErrInvalidConfig, name)
	}
	if v := m["qos"]; v != "" {
		q, err := strconv.Atoi(v)
		if err != nil || q < 0 || q > 2 {
			return Config{}, fmt.Errorf("%w: mqtt endpoint %s: qos %q", core.ErrInvalidConfig, name, v)
		}
		cfg.QoS = byte(q)
	}
	if v := m["retained"]; v != "" {
		r, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: mqtt endpoint %s: retained %q", core.ErrInvalidConfig, name, v)
		}
		cfg.Retained = r
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pubsub-bridge-" + name
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
	client  pahomqtt.Client
	deliver pahomqtt.MessageHandler
}

func New(name string, cfg Config, logger *slog.Logger) *Endpoint {
	return &Endpoint{name: name, cfg: cfg, logger: logger}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "mqtt" }

// Connect opens a persistent session. Acks are manual so a message the bridge
// could not publish is redelivered after the next reconnect.
func (e *Endpoint) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(e.cfg.Broker).
		SetClientID(e.cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetAutoAckDisabled(true).
		SetOnConnectHandler(e.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			e.logger.Warn("mqtt connection lost", "name", e.name, "error", err)
		})

	client := pahomqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	e.logger.Info("mqtt endpoint connected", "name", e.name, "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	return nil
}

// onConnect renews the subscription after every (re)connect.
func (e *Endpoint) onConnect(client pahomqtt.Client) {
	if e.cfg.TopicIn == "" {
		return
	}
	token := client.Subscribe(e.cfg.TopicIn, e.cfg.QoS, e.onMessage)
	go func() {
		if token.Wait() && token.Error() != nil {
			e.logger.Error("mqtt subscribe failed", "name", e.name, "topic", e.cfg.TopicIn, "error", token.Error())
		}
	}()
}

func (e *Endpoint) onMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	e.mu.Lock()
	deliver := e.deliver
	e.mu.Unlock()
	if deliver == nil {
		return
	}
	deliver(client, msg)
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}
	return nil
}

func (e *Endpoint) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	if e.cfg.TopicIn == "" {
		<-ctx.Done()
		return nil
	}

	e.mu.Lock()
	if e.client == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: mqtt endpoint %s is not connected", core.ErrEndpointUnavailable, e.name)
	}
	e.deliver = func(_ pahomqtt.Client, msg pahomqtt.Message) {
		evt, err := e.cfg.Codec.Decode(e.name, msg.Payload())
		if err != nil {
			e.logger.Warn("skipping undecodable mqtt message", "name", e.name, "topic", msg.Topic(), "error", err)
			msg.Ack()
			return
		}
		if evt.Metadata == nil {
			evt.Metadata = make(map[string]string, 1)
		}
		evt.Metadata["mqtt_topic"] = msg.Topic()

		brokerMsg := core.BrokerMessage{
			Event: evt,
			Ack: func() error {
				msg.Ack()
				return nil
			},
			Nack: func() error {
				e.logger.Warn("mqtt message not published, left unacknowledged",
					"name", e.name, "message_id", msg.MessageID())
				return nil
			},
		}
		select {
		case ch <- brokerMsg:
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

func (e *Endpoint) Send(ctx context.Context, evt core.Event) error {
	if e.cfg.TopicOut == "" {
		return fmt.Errorf("%w: mqtt endpoint %s has no topic_out", core.ErrInvalidOperation, e.name)
	}
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return fmt.Errorf("%w: mqtt endpoint %s is not connected", core.ErrEndpointUnavailable, e.name)
	}

	payload, err := e.cfg.Codec.Encode(evt)
	if err != nil {
		return err
	}
	return wait(ctx, client.Publish(e.cfg.TopicFor(evt), e.cfg.QoS, e.cfg.Retained, payload))
}

func wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
