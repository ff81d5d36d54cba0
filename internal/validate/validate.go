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

// Package validate checks target names before a subscribe request is built.
package validate

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

// MaxNameLength bounds a single channel or group name.
const MaxNameLength = 92

type Validator struct{}

var _ core.Validator = Validator{}

func (Validator) ValidateSubscribe(channels, groups, wildcards []string) error {
	if len(channels)+len(groups)+len(wildcards) == 0 {
		return fmt.Errorf("%w: at least one channel, group or wildcard is required", core.ErrValidation)
	}
	for _, ch := range channels {
		if err := checkName("channel", ch); err != nil {
			return err
		}
		if core.IsWildcard(ch) {
			return fmt.Errorf("%w: channel %q is a wildcard pattern", core.ErrValidation, ch)
		}
	}
	for _, g := range groups {
		if err := checkName("group", g); err != nil {
			return err
		}
		if strings.Contains(g, "*") {
			return fmt.Errorf("%w: group %q cannot be a wildcard", core.ErrValidation, g)
		}
	}
	for _, w := range wildcards {
		if err := checkWildcard(w); err != nil {
			return err
		}
	}
	return nil
}

func checkName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s name", core.ErrValidation, kind)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %s name %q exceeds %d characters", core.ErrValidation, kind, name, MaxNameLength)
	}
	if i := strings.IndexFunc(name, invalidRune); i >= 0 {
		return fmt.Errorf("%w: %s name %q contains %q", core.ErrValidation, kind, name, name[i])
	}
	return nil
}

func checkWildcard(pattern string) error {
	if err := checkName("wildcard", pattern); err != nil {
		return err
	}
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok || prefix == "" || strings.Contains(prefix, "*") {
		return fmt.Errorf("%w: wildcard %q must have the form prefix.*", core.ErrValidation, pattern)
	}
	if strings.Count(pattern, ".") > 2 {
		return fmt.Errorf("%w: wildcard %q nests deeper than two levels", core.ErrValidation, pattern)
	}
	return nil
}

func invalidRune(r rune) bool {
	return r == ',' || r == ':' || unicode.IsSpace(r) || unicode.IsControl(r)
}
