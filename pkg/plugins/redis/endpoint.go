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

// Package redis bridges events to and from Redis pub/sub channels or streams.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type Mode string

const (
	ModePubSub Mode = "pubsub"
	ModeStream Mode = "stream"
)

const (
	ChannelPlaceholder = "{channel}"
	dataField          = "data"
	readBlock          = 2 * time.Second
	readCount          = 16
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Mode     Mode
	In       string
	Out      string
	Group    string
	Consumer string
	MaxLen   int64
	Codec    core.Codec
}

// ParseConfig reads addr, password, db, mode, in, out, group, consumer,
// max_len and codec. In pubsub mode an "in" containing '*' is a pattern.
func ParseConfig(name string, m map[string]string) (Config, error) {
	codec, err := core.ParseCodec(m["codec"])
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Addr:     m["addr"],
		Password: m["password"],
		Mode:     Mode(m["mode"]),
		In:       m["in"],
		Out:      m["out"],
		Group:    m["group"],
		Consumer: m["consumer"],
		Codec:    codec,
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModePubSub
	case ModePubSub, ModeStream:
	default:
		return Config{}, fmt.Errorf("%w: redis endpoint %s: mode %q", core.ErrInvalidConfig, name, cfg.Mode)
	}
	if cfg.In == "" && cfg.Out == "" {
		return Config{}, fmt.Errorf("%w: redis endpoint %s needs in or out", core.ErrInvalidConfig, name)
	}
	if v := m["db"]; v != "" {
		if cfg.DB, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("%w: redis endpoint %s: db %q", core.ErrInvalidConfig, name, v)
		}
	}
	if v := m["max_len"]; v != "" {
		if cfg.MaxLen, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Config{}, fmt.Errorf("%w: redis endpoint %s: max_len %q", core.ErrInvalidConfig, name, v)
		}
	}
	if cfg.Mode == ModeStream && strings.Contains(cfg.In, "*") {
		return Config{}, fmt.Errorf("%w: redis endpoint %s: stream names cannot be patterns", core.ErrInvalidConfig, name)
	}
	if cfg.Group == "" {
		cfg.Group = "pubsub-bridge-" + name
	}
	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Group + "-" + core.NewEventID()[:8]
	}
	return cfg, nil
}

// TargetFor returns the outbound channel or stream of evt.
func (c Config) TargetFor(evt core.Event) string {
	return strings.ReplaceAll(c.Out, ChannelPlaceholder, evt.Channel)
}

type Endpoint struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *goredis.Client
}

func New(name string, cfg Config, logger *slog.Logger) *Endpoint {
	return &Endpoint{name: name, cfg: cfg, logger: logger}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "redis" }

func (e *Endpoint) Connect(ctx context.Context) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     e.cfg.Addr,
		Password: e.cfg.Password,
		DB:       e.cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis connection failed: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	e.logger.Info("redis endpoint connected", "name", e.name, "addr", e.cfg.Addr, "mode", e.cfg.Mode)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	return nil
}

func (e *Endpoint) redis() (*goredis.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, fmt.Errorf("%w: redis endpoint %s is not connected", core.ErrEndpointUnavailable, e.name)
	}
	return e.client, nil
}

func (e *Endpoint) StartConsumer(ctx context.Context, ch chan<- core.BrokerMessage) error {
	if e.cfg.In == "" {
		<-ctx.Done()
		return nil
	}
	client, err := e.redis()
	if err != nil {
		return err
	}
	if e.cfg.Mode == ModeStream {
		return e.consumeStream(ctx, client, ch)
	}
	return e.consumePubSub(ctx, client, ch)
}

// consumePubSub forwards channel messages. Redis pub/sub is fire and forget,
// so Ack and Nack are no-ops.
func (e *Endpoint) consumePubSub(ctx context.Context, client *goredis.Client, ch chan<- core.BrokerMessage) error {
	var sub *goredis.PubSub
	if strings.Contains(e.cfg.In, "*") {
		sub = client.PSubscribe(ctx, e.cfg.In)
	} else {
		sub = client.Subscribe(ctx, e.cfg.In)
	}
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			evt, err := e.cfg.Codec.Decode(e.name, []byte(msg.Payload))
			if err != nil {
				e.logger.Warn("skipping undecodable redis message", "name", e.name, "channel", msg.Channel, "error", err)
				continue
			}
			if evt.Metadata == nil {
				evt.Metadata = make(map[string]string, 1)
			}
			evt.Metadata["redis_channel"] = msg.Channel

			select {
			case ch <- core.BrokerMessage{Event: evt}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// consumeStream reads the stream through a consumer group. Entries are
// acknowledged on Ack and stay pending otherwise.
func (e *Endpoint) consumeStream(ctx context.Context, client *goredis.Client, ch chan<- core.BrokerMessage) error {
	err := client.XGroupCreateMkStream(ctx, e.cfg.In, e.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis create group: %w", err)
	}

	for {
		streams, err := client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    e.cfg.Group,
			Consumer: e.cfg.Consumer,
			Streams:  []string{e.cfg.In, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, goredis.Nil) {
				continue
			}
			e.logger.Error("redis stream read error", "name", e.name, "stream", e.cfg.In, "error", err)
			return err
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				id := entry.ID
				ack := func() error {
					return client.XAck(ctx, e.cfg.In, e.cfg.Group, id).Err()
				}

				evt, err := e.decodeEntry(entry)
				if err != nil {
					e.logger.Warn("skipping undecodable redis stream entry", "name", e.name, "id", id, "error", err)
					_ = ack()
					continue
				}

				brokerMsg := core.BrokerMessage{
					Event: evt,
					Ack:   ack,
					Nack: func() error {
						e.logger.Warn("redis stream entry not published, left pending", "name", e.name, "id", id)
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
	}
}

func (e *Endpoint) decodeEntry(entry goredis.XMessage) (core.Event, error) {
	var data string
	meta := make(map[string]string, len(entry.Values))
	for k, v := range entry.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == dataField {
			data = s
			continue
		}
		meta[k] = s
	}
	evt, err := e.cfg.Codec.Decode(e.name, []byte(data))
	if err != nil {
		return core.Event{}, err
	}
	for k, v := range evt.Metadata {
		meta[k] = v
	}
	meta["redis_stream_id"] = entry.ID
	evt.Metadata = meta
	return evt, nil
}

func (e *Endpoint) Send(ctx context.Context, evt core.Event) error {
	if e.cfg.Out == "" {
		return fmt.Errorf("%w: redis endpoint %s has no out", core.ErrInvalidOperation, e.name)
	}
	client, err := e.redis()
	if err != nil {
		return err
	}
	payload, err := e.cfg.Codec.Encode(evt)
	if err != nil {
		return err
	}

	target := e.cfg.TargetFor(evt)
	if e.cfg.Mode == ModeStream {
		return client.XAdd(ctx, streamArgs(target, e.cfg.MaxLen, evt, payload)).Err()
	}
	return client.Publish(ctx, target, payload).Err()
}

func streamArgs(stream string, maxLen int64, evt core.Event, payload []byte) *goredis.XAddArgs {
	h := core.Headers(evt)
	values := make(map[string]interface{}, len(h)+1)
	for k, v := range h {
		values[k] = v
	}
	values[dataField] = payload
	return &goredis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: maxLen > 0,
		Values: values,
	}
}
