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

package core

type Category int

const (
	CategoryConnected Category = iota
	CategoryReconnected
	CategoryDisconnected
	CategoryRetriesExhausted
	CategoryAccessDenied
	CategoryBadRequest
	CategoryMalformedResponse
	CategoryDecryptionError
	CategoryHeartbeatFailed
	CategoryLeaveFailed
)

func (c Category) String() string {
	switch c {
	case CategoryConnected:
		return "connected"
	case CategoryReconnected:
		return "reconnected"
	case CategoryDisconnected:
		return "disconnected"
	case CategoryRetriesExhausted:
		return "retries_exhausted"
	case CategoryAccessDenied:
		return "access_denied"
	case CategoryBadRequest:
		return "bad_request"
	case CategoryMalformedResponse:
		return "malformed_response"
	case CategoryDecryptionError:
		return "decryption_error"
	case CategoryHeartbeatFailed:
		return "heartbeat_failed"
	case CategoryLeaveFailed:
		return "leave_failed"
	default:
		return "unknown"
	}
}

type Operation int

const (
	OpSubscribe Operation = iota
	OpHeartbeat
	OpLeave
	OpPublish
	OpTime
)

func (o Operation) String() string {
	switch o {
	case OpSubscribe:
		return "subscribe"
	case OpHeartbeat:
		return "heartbeat"
	case OpLeave:
		return "leave"
	case OpPublish:
		return "publish"
	case OpTime:
		return "time"
	default:
		return "unknown"
	}
}

// Status is delivered to listeners for lifecycle changes and for every error
// the client cannot return synchronously.
type Status struct {
	Category         Category
	Operation        Operation
	Error            error
	Origin           string
	AffectedChannels []string
	AffectedGroups   []string

	// Terminal is set when the subscribe loop stopped because of this status.
	Terminal bool
}
