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

// Package jms bridges events to and from AMQP 1.0 brokers (ActiveMQ
// Artemis, Azure Service Bus and other JMS providers).
package jms

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/Azure/go-amqp"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type Config struct {
	URL      string
	QueueIn  string
	QueueOut string
	Username string
	Password string
	// Credit is the receiver's prefetch window.
	Credit int32
	Codec  core.Codec
}

// ParseConfig reads url, queue_in, queue_out, username, password, credit and
// codec.
func ParseConfig(name string, m map[string]string) (Config, error) {
	codec, err := core.ParseCodec(m["codec"])
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:      m["url"],
		QueueIn:  m["queue_in"],
		QueueOut: m["queue_out"],
		Username: m["username"],
		Password: m["password"],
		Credit:   1,
		Codec:    codec,
	}
	if cfg.URL == "" {
		return Config{}, fmt.Errorf("%w: jms endpoint %s needs url", core.ErrInvalidConfig, name)
	}
	if v := m["credit"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: jms endpoint %s: credit %q", core.ErrInvalidConfig, name, v)
		}
		cfg.Credit = int32(n)
	}
	return cfg, nil
}

type Endpoint struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Conn
	sendSess *amqp.Session
	sender   *amqp.Sender
}

func New(name string, cfg Config, logger *slog.Logger) *Endpoint {
	return &Endpoint{name: name, cfg: cfg, logger: logger}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "jms" }

func (e *Endpoint) connOptions() *amqp.ConnOptions {
	if e.cfg.Username == "" {
		return nil
	}
	return &amqp.ConnOptions{SASLType: amqp.SASLTypePlain(e.cfg.Username, e.cfg.Password)}
}

func (e *Endpoint) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(ctx, e.cfg.URL, e.connOptions())
	if err != nil {
		return fmt.Errorf("jms dial: %w", err)
	}

	var (
		sendSess *amqp.Session
		sender   *amqp.Sender
	)
	if e.cfg.QueueOut != "" {
		sendSess, err = conn.NewSession(ctx, nil)
		if err != nil {
			conn.Close()
			return fmt.Errorf("jms send session: %w", err)
		}
		sender, err = sendSess.NewSender(ctx, e.cfg.QueueOut, nil)
		if err != nil {
			conn.Close()
			return fmt.Errorf("jms sender: %w", err)
		}
	}

	e.mu.Lock()
	e.conn, e.sendSess, e.sender = conn, sendSess, sender
	e.mu.Unlock()

	e.logger.Info("jms endpoint connected",
		"name", e.name,
		"queue_in", e.cfg.QueueIn,
		"queue_out", e.cfg.QueueOut,
	)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sender != nil {
		_ = e.sender.Close(ctx)
		e.sender = nil
	}
	if e.sendSess != nil {
		_ = e.sendSess.Close(ctx)
		e.sendSess = nil
	}
	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

// StartConsumer receives from queue_in. Acked messages are accepted; nacked
// ones are released so the broker redelivers them.
func (e *Endpoint) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	if e.cfg.QueueIn == "" {
		<-ctx.Done()
		return nil
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: jms endpoint %s is not connected", core.ErrEndpointUnavailable, e.name)
	}

	recvSess, err := conn.NewSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("jms consumer session: %w", err)
	}
	defer recvSess.Close(context.Background())

	receiver, err := recvSess.NewReceiver(ctx, e.cfg.QueueIn, &amqp.ReceiverOptions{
		Credit: e.cfg.Credit,
	})
	if err != nil {
		return fmt.Errorf("jms receiver: %w", err)
	}
	defer receiver.Close(context.Background())

	for {
		msg, err := receiver.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("jms receive: %w", err)
		}

		evt, err := e.cfg.Codec.Decode(e.name, msg.GetData())
		if err != nil {
			e.logger.Warn("rejecting undecodable jms message", "name", e.name, "error", err)
			_ = receiver.RejectMessage(ctx, msg, nil)
			continue
		}
		evt.Metadata = mergeProperties(evt.Metadata, msg)

		amqpMsg := msg
		brokerMsg := core.BrokerMessage{
			Event: evt,
			Ack:   func() error { return receiver.AcceptMessage(ctx, amqpMsg) },
			Nack:  func() error { return receiver.ReleaseMessage(ctx, amqpMsg) },
		}

		select {
		case ch <- brokerMsg:
		case <-ctx.Done():
			return nil
		}
	}
}

func mergeProperties(meta map[string]string, msg *amqp.Message) map[string]string {
	if meta == nil {
		meta = make(map[string]string, len(msg.ApplicationProperties)+1)
	}
	for k, v := range msg.ApplicationProperties {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}
	if msg.Properties != nil && msg.Properties.Subject != nil {
		meta["jms_subject"] = *msg.Properties.Subject
	}
	return meta
}

func (e *Endpoint) Send(ctx context.Context, evt core.Event) error {
	e.mu.Lock()
	sender := e.sender
	e.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("%w: jms endpoint %s has no sender", core.ErrEndpointUnavailable, e.name)
	}

	data, err := e.cfg.Codec.Encode(evt)
	if err != nil {
		return err
	}
	return sender.Send(ctx, newMessage(evt, data, e.cfg.Codec), nil)
}

func newMessage(evt core.Event, data []byte, codec core.Codec) *amqp.Message {
	props := make(map[string]any)
	for k, v := range core.Headers(evt) {
		props[k] = v
	}
	subject := evt.Channel
	contentType := codec.ContentType()
	return &amqp.Message{
		Data: [][]byte{data},
		Properties: &amqp.MessageProperties{
			MessageID:   evt.ID,
			Subject:     &subject,
			ContentType: &contentType,
		},
		ApplicationProperties: props,
	}
}
