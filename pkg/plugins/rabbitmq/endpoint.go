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

// Package rabbitmq bridges events to and from RabbitMQ queues and exchanges.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type Config struct {
	URL      string
	QueueIn  string
	QueueOut string
	// Exchange, when set, receives outbound events with the channel name as
	// routing key instead of QueueOut.
	Exchange string
	Codec    core.Codec
}

// ParseConfig reads url, queue_in, queue_out, exchange and codec.
func ParseConfig(name string, m map[string]string) (Config, error) {
	codec, err := core.ParseCodec(m["codec"])
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:      m["url"],
		QueueIn:  m["queue_in"],
		QueueOut: m["queue_out"],
		Exchange: m["exchange"],
		Codec:    codec,
	}
	if cfg.URL == "" {
		return Config{}, fmt.Errorf("%w: rabbitmq endpoint %s needs url", core.ErrInvalidConfig, name)
	}
	return cfg, nil
}

type Endpoint struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

func New(name string, cfg Config, logger *slog.Logger) *Endpoint {
	return &Endpoint{name: name, cfg: cfg, logger: logger}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "rabbitmq" }

func (e *Endpoint) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(e.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq confirm mode: %w", err)
	}

	for _, q := range []string{e.cfg.QueueIn, e.cfg.QueueOut} {
		if q == "" {
			continue
		}
		if _, err := pubCh.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("rabbitmq queue declare %s: %w", q, err)
		}
	}
	if e.cfg.Exchange != "" {
		if err := pubCh.ExchangeDeclare(e.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("rabbitmq exchange declare %s: %w", e.cfg.Exchange, err)
		}
	}

	e.mu.Lock()
	e.conn, e.pubCh = conn, pubCh
	e.mu.Unlock()

	e.logger.Info("rabbitmq endpoint connected",
		"name", e.name,
		"queue_in", e.cfg.QueueIn,
		"queue_out", e.cfg.QueueOut,
		"exchange", e.cfg.Exchange,
	)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pubCh != nil {
		_ = e.pubCh.Close()
		e.pubCh = nil
	}
	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

func (e *Endpoint) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	if e.cfg.QueueIn == "" {
		<-ctx.Done()
		return nil
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: rabbitmq endpoint %s is not connected", core.ErrEndpointUnavailable, e.name)
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consumer channel: %w", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}

	deliveries, err := consumerCh.Consume(
		e.cfg.QueueIn,
		"pubsub-bridge-"+e.name,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("rabbitmq consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: rabbitmq deliveries closed", core.ErrEndpointUnavailable)
			}
			delivery := d

			evt, err := e.cfg.Codec.Decode(e.name, delivery.Body)
			if err != nil {
				e.logger.Warn("rejecting undecodable rabbitmq message", "name", e.name, "error", err)
				_ = delivery.Reject(false)
				continue
			}
			evt.Metadata = mergeHeaders(evt.Metadata, delivery)

			brokerMsg := core.BrokerMessage{
				Event: evt,
				Ack:   func() error { return delivery.Ack(false) },
				Nack:  func() error { return delivery.Nack(false, true) },
			}

			select {
			case ch <- brokerMsg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func mergeHeaders(meta map[string]string, d amqp.Delivery) map[string]string {
	if meta == nil {
		meta = make(map[string]string, len(d.Headers)+1)
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}
	if d.RoutingKey != "" {
		meta["rabbitmq_routing_key"] = d.RoutingKey
	}
	return meta
}

// Send publishes evt and waits for the broker's confirm.
func (e *Endpoint) Send(ctx context.Context, evt core.Event) error {
	exchange, key := "", e.cfg.QueueOut
	if e.cfg.Exchange != "" {
		exchange, key = e.cfg.Exchange, evt.Channel
	}
	if key == "" {
		return fmt.Errorf("%w: rabbitmq endpoint %s has no queue_out or exchange", core.ErrInvalidOperation, e.name)
	}

	body, err := e.cfg.Codec.Encode(evt)
	if err != nil {
		return err
	}

	e.mu.Lock()
	pubCh := e.pubCh
	if pubCh == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: rabbitmq endpoint %s is not connected", core.ErrEndpointUnavailable, e.name)
	}
	confirm, err := pubCh.PublishWithDeferredConfirmWithContext(ctx,
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  e.cfg.Codec.ContentType(),
			DeliveryMode: amqp.Persistent,
			Body:         body,
			MessageId:    evt.ID,
			Timestamp:    evt.Timestamp,
			Headers:      amqpHeaders(evt),
		},
	)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rabbitmq publish of %s was nacked", evt.ID)
	}
	return nil
}

func amqpHeaders(evt core.Event) amqp.Table {
	t := amqp.Table{}
	for k, v := range core.Headers(evt) {
		t[k] = v
	}
	return t
}
