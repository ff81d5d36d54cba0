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

package bridge

import (
	"context"
	"encoding/json"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/pubsub"
)

// Client is the part of *pubsub.Client the bridge publishes through.
type Client interface {
	Publish(ctx context.Context, in pubsub.PublishInput) (pubsub.PublishResult, error)
}

// Publisher implements core.Publisher on top of the pub/sub client.
type Publisher struct {
	client Client
}

func NewPublisher(client Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte, meta map[string]string) error {
	_, err := p.client.Publish(ctx, pubsub.PublishInput{
		Channel: channel,
		Message: MessageFor(payload),
		Meta:    meta,
	})
	return err
}

// MessageFor returns payload as is when it is valid JSON and as a JSON
// string otherwise.
func MessageFor(payload []byte) any {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return string(payload)
}
