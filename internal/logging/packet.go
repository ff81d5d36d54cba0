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

package logging

import (
	"log/slog"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

// PacketLogger records every event the bridge moves, at debug level so it
// can be switched on without touching the rest of the log.
type PacketLogger struct {
	logger *slog.Logger
}

func NewPacketLogger(logger *slog.Logger) *PacketLogger {
	return &PacketLogger{logger: logger}
}

func (p *PacketLogger) Log(evt core.Event, route *core.Route, direction core.Direction) {
	if p == nil {
		return
	}
	attrs := []any{
		"event_id", evt.ID,
		"channel", evt.Channel,
		"type", evt.Type.String(),
		"direction", direction.String(),
		"payload_size", len(evt.Payload),
		"timetoken", evt.Timetoken,
	}
	if evt.ClientID != "" {
		attrs = append(attrs, "client_id", evt.ClientID)
	}
	if route != nil {
		attrs = append(attrs, "route_source", route.Source, "route_target", route.Target)
	}
	p.logger.Debug("packet", attrs...)
}
