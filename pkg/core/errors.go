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

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrValidation       = errors.New("validation failed")
	ErrInvalidOperation = errors.New("invalid operation")

	ErrNetwork = errors.New("network error")
	ErrTimeout = errors.New("request timed out")
	ErrServer  = errors.New("server error")

	ErrAccessDenied      = errors.New("access denied")
	ErrBadRequest        = errors.New("bad request")
	ErrMalformedResponse = errors.New("malformed response")

	ErrDecrypt = errors.New("decryption failed")

	ErrNoRoute             = errors.New("no route")
	ErrTargetNotFound      = errors.New("target not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
	ErrRateLimited         = errors.New("rate limited")
)

// RequestError describes a failed request. Kind is one of the request
// sentinels above and is what errors.Is matches against.
type RequestError struct {
	Op         Operation
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Recoverable reports whether retrying the same request may succeed.
func (e *RequestError) Recoverable() bool {
	return errors.Is(e.Kind, ErrNetwork) || errors.Is(e.Kind, ErrTimeout) || errors.Is(e.Kind, ErrServer)
}

// IsRecoverable reports whether err is a RequestError worth retrying.
func IsRecoverable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Recoverable()
	}
	return false
}
