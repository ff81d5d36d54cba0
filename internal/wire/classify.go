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

package wire

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

type errorJSON struct {
	Status  int    `json:"status"`
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Service string `json:"service"`
}

// ClassifyResponse returns nil for 2xx and a *core.RequestError otherwise.
func ClassifyResponse(op core.Operation, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	re := &core.RequestError{Op: op, StatusCode: status, Message: http.StatusText(status)}
	var ej errorJSON
	if err := json.Unmarshal(body, &ej); err == nil && ej.Message != "" {
		re.Message = ej.Message
	}

	switch {
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		re.Kind = core.ErrAccessDenied
	case status == http.StatusTooManyRequests || status >= 500:
		re.Kind = core.ErrServer
	default:
		re.Kind = core.ErrBadRequest
	}
	return re
}

// ClassifyTransport wraps an error returned by the HTTP client.
func ClassifyTransport(op core.Operation, err error) error {
	kind := core.ErrNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = core.ErrTimeout
	}
	return &core.RequestError{Op: op, Kind: kind, Err: err}
}
