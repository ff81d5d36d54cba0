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

// Package kafka bridges events to and from Kafka topics.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type Config struct {
	Brokers  []string
	TopicIn  string
	TopicOut string
	GroupID  string
	Codec    core.Codec
}

// ParseConfig reads brokers (comma separated), topic_in, topic_out,
// group_id and codec.
func ParseConfig(name string, m map[string]string) (Config, error) {
	codec, err := core.ParseCodec(m["codec"])
	if err != nil {
		return Config{}, err
	}
	var brokers []string
	for _, b := range strings.Split(m["brokers"], ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return Config{}, fmt.Errorf("%w: kafka endpoint %s needs brokers", core.ErrInvalidConfig, name)
	}
	if m["topic_in"] == "" && m["topic_out"] == "" {
		return Config{}, fmt.Errorf("%w: kafka endpoint %s needs topic_in or topic_out", core.ErrInvalidConfig, name)
	}
	groupID := m["group_id"]
	if groupID == "" {
		groupID = "pubsub-bridge-" + name
	}
	return Config{
		Brokers:  brokers,
		TopicIn:  m["topic_in"],
		TopicOut: m["topic_out"],
		GroupID:  groupID,
		Codec:    codec,
	}, nil
}

type Endpoint struct {
	name   string
	cfg    Config
	writer *kafka.Writer
	logger *slog.Logger
}

func New(name string, cfg Config, logger *slog.Logger) *Endpoint {
	return &Endpoint{name: name, cfg: cfg, logger: logger}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "kafka" }

func (e *Endpoint) Connect(ctx context.Context) error {
	if e.cfg.TopicOut != "" {
		e.writer = &kafka.Writer{
			Addr:         kafka.TCP(e.cfg.Brokers...),
			Topic:        e.cfg.TopicOut,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	e.logger.Info("kafka endpoint connected",
		"name", e.name,
		"brokers", strings.Join(e.cfg.Brokers, ","),
		"topic_in", e.cfg.TopicIn,
		"topic_out", e.cfg.TopicOut,
		"codec", e.cfg.Codec,
	)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	if e.writer != nil {
		return e.writer.Close()
	}
	return nil
}

// StartConsumer reads topic_in in the endpoint's consumer group. Offsets are
// committed on Ack only, so a nacked message is read again after a restart.
func (e *Endpoint) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	if e.cfg.TopicIn == "" {
		<-ctx.Done()
		return nil
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  e.cfg.Brokers,
		Topic:    e.cfg.TopicIn,
		GroupID:  e.cfg.GroupID,
		MaxWait:  500 * time.Millisecond,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("kafka fetch error", "name", e.name, "error", err)
			return err
		}

		evt, err := e.cfg.Codec.Decode(e.name, msg.Value)
		if err != nil {
			e.logger.Warn("skipping undecodable kafka message",
				"name", e.name, "offset", msg.Offset, "error", err)
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		evt.Metadata = mergeHeaders(evt.Metadata, msg)

		brokerMsg := core.BrokerMessage{
			Event: evt,
			Ack: func() error {
				return reader.CommitMessages(ctx, msg)
			},
			Nack: func() error {
				e.logger.Warn("kafka message not published, offset left uncommitted",
					"name", e.name, "partition", msg.Partition, "offset", msg.Offset)
				return nil
			},
		}

		select {
		case ch <- brokerMsg:
		case <-ctx.Done():
			return nil
		}
	}
}

func mergeHeaders(meta map[string]string, msg kafka.Message) map[string]string {
	if meta == nil {
		meta = make(map[string]string, len(msg.Headers)+1)
	}
	for _, h := range msg.Headers {
		meta[h.Key] = string(h.Value)
	}
	if len(msg.Key) > 0 {
		meta["kafka_key"] = string(msg.Key)
	}
	return meta
}

// Send writes evt to topic_out keyed by channel, which keeps each channel's
// events in order on one partition.
func (e *Endpoint) Send(ctx context.Context, evt core.Event) error {
	if e.writer == nil {
		return fmt.Errorf("%w: kafka endpoint %s has no topic_out", core.ErrInvalidOperation, e.name)
	}
	value, err := e.cfg.Codec.Encode(evt)
	if err != nil {
		return err
	}
	return e.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.Channel),
		Value:   value,
		Headers: kafkaHeaders(evt),
	})
}

func kafkaHeaders(evt core.Event) []kafka.Header {
	h := core.Headers(evt)
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}
