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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/internal/wire"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/dispatcher"
)

type PublishInput struct {
	Channel string
	// Message is encoded as JSON; json.RawMessage is sent as is.
	Message any
	Meta    map[string]string
	NoStore bool
	// TTL in hours; defaults to Options.TTL.
	TTL int
}

type PublishResult struct {
	Timetoken int64
	Sequence  uint16
}

// Publish sends one message outside the subscribe loop. The payload is
// encrypted when a cipher is configured.
func (c *Client) Publish(ctx context.Context, in PublishInput) (PublishResult, error) {
	if c.closed.Load() {
		return PublishResult{}, fmt.Errorf("%w: client is closed", core.ErrInvalidOperation)
	}
	if c.opts.PublishKey == "" {
		return PublishResult{}, fmt.Errorf("%w: publish key is not configured", core.ErrInvalidOperation)
	}
	if in.Channel == "" {
		return PublishResult{}, fmt.Errorf("%w: channel is required", core.ErrValidation)
	}
	if in.Message == nil {
		return PublishResult{}, fmt.Errorf("%w: message is required", core.ErrValidation)
	}

	payload, err := json.Marshal(in.Message)
	if err != nil {
		return PublishResult{}, fmt.Errorf("%w: encode message: %v", core.ErrValidation, err)
	}
	if c.crypto != nil {
		if payload, err = c.crypto.Encrypt(payload); err != nil {
			return PublishResult{}, fmt.Errorf("encrypt message: %w", err)
		}
	}

	ttl := in.TTL
	if ttl == 0 {
		ttl = c.opts.TTL
	}
	seq := c.nextSequence()
	req, err := c.builder().Publish(c.Origin(), wire.PublishParams{
		Channel:  in.Channel,
		Payload:  payload,
		Meta:     in.Meta,
		Sequence: seq,
		NoStore:  in.NoStore,
		TTL:      ttl,
	})
	if err != nil {
		return PublishResult{}, err
	}

	body, err := c.call(ctx, core.OpPublish, req)
	if err != nil {
		return PublishResult{}, err
	}
	tt, err := wire.ParsePublish(body)
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{Timetoken: tt, Sequence: seq}, nil
}

// Time fetches the service's current timetoken.
func (c *Client) Time(ctx context.Context) (int64, error) {
	req, err := c.builder().Time(c.Origin())
	if err != nil {
		return 0, err
	}
	body, err := c.call(ctx, core.OpTime, req)
	if err != nil {
		return 0, err
	}
	return wire.ParseTime(body)
}

// nextSequence cycles through 1..65535.
func (c *Client) nextSequence() uint16 {
	n := c.seq.Add(1)
	return uint16((n-1)%65535 + 1)
}

// call runs a one-shot request on the synchronous single-shot dispatcher of
// the request's host.
func (c *Client) call(ctx context.Context, op core.Operation, req *http.Request) ([]byte, error) {
	d := c.pool.Acquire(req.URL.Host, dispatcher.ModeSync, dispatcher.KindSingleShot)
	resp, err := d.Do(ctx, req)
	return readResponse(op, resp, err)
}

// leave announces departure from removed targets without waiting.
func (c *Client) leave(removed Targets) {
	if c.opts.SuppressLeaveEvents {
		return
	}
	channels, groups := leaveTargets(removed)
	if len(channels)+len(groups) == 0 {
		return
	}

	origin := c.Origin()
	req, err := c.builder().Leave(origin, channels, groups)
	if err != nil {
		c.leaveFailed(err, origin, channels, groups)
		return
	}
	d := c.pool.Acquire(origin, dispatcher.ModeAsync, dispatcher.KindSingleShot)
	d.Go(c.ctx, req, func(resp *http.Response, err error) {
		if _, err := readResponse(core.OpLeave, resp, err); err != nil && c.ctx.Err() == nil {
			c.leaveFailed(err, origin, channels, groups)
		}
	})
}

func (c *Client) leaveSync(ctx context.Context, removed Targets) error {
	channels, groups := leaveTargets(removed)
	if len(channels)+len(groups) == 0 {
		return nil
	}
	req, err := c.builder().Leave(c.Origin(), channels, groups)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, core.OpLeave, req)
	return err
}

func (c *Client) leaveFailed(err error, origin string, channels, groups []string) {
	c.logger.Warn("leave failed", "origin", origin, "error", err)
	c.listeners.announceStatus(core.Status{
		Category:         core.CategoryLeaveFailed,
		Operation:        core.OpLeave,
		Error:            err,
		Origin:           origin,
		AffectedChannels: channels,
		AffectedGroups:   groups,
	})
}

func leaveTargets(removed Targets) ([]string, []string) {
	channels := withoutPresence(slices.Concat(removed.Channels, removed.Wildcards))
	return channels, withoutPresence(removed.Groups)
}

// readResponse classifies a finished one-shot call and returns its body.
func readResponse(op core.Operation, resp *http.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, wire.ClassifyTransport(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wire.ClassifyTransport(op, err)
	}
	if err := wire.ClassifyResponse(op, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
