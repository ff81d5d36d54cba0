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

package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

func TestValidateSubscribe(t *testing.T) {
	tests := []struct {
		name      string
		channels  []string
		groups    []string
		wildcards []string
		wantErr   bool
	}{
		{name: "single channel", channels: []string{"demo"}},
		{name: "group only", groups: []string{"cg"}},
		{name: "wildcard only", wildcards: []string{"news.*"}},
		{name: "two level wildcard", wildcards: []string{"news.sport.*"}},
		{name: "presence channel", channels: []string{"demo-pnpres"}},
		{name: "nothing", wantErr: true},
		{name: "empty channel", channels: []string{""}, wantErr: true},
		{name: "comma", channels: []string{"a,b"}, wantErr: true},
		{name: "colon", channels: []string{"a:b"}, wantErr: true},
		{name: "space", groups: []string{"my group"}, wantErr: true},
		{name: "wildcard as channel", channels: []string{"news.*"}, wantErr: true},
		{name: "wildcard group", groups: []string{"cg.*"}, wantErr: true},
		{name: "bare star", wildcards: []string{"*"}, wantErr: true},
		{name: "empty prefix", wildcards: []string{".*"}, wantErr: true},
		{name: "too deep", wildcards: []string{"a.b.c.*"}, wantErr: true},
		{name: "too long", channels: []string{strings.Repeat("x", MaxNameLength+1)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validator{}.ValidateSubscribe(tt.channels, tt.groups, tt.wildcards)
			if tt.wantErr {
				if !errors.Is(err, core.ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
