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

// Package policy compiles per-route event policies. A chain runs its policies
// in order and stops at the first one that blocks the event.
package policy

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

const (
	TypeFilter    = "filter"
	TypeTransform = "transform"
	TypeRateLimit = "rate_limit"
)

// Spec is one policy entry of a route.
type Spec struct {
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// Policy inspects and may rewrite an event. Returning false blocks it.
type Policy interface {
	Type() string
	Apply(evt *core.Event) bool
}

// Chain implements core.EventPolicy.
type Chain []Policy

func (c Chain) Apply(evt *core.Event) bool {
	for _, p := range c {
		if !p.Apply(evt) {
			return false
		}
	}
	return true
}

// Build compiles specs into a chain. An empty spec list yields a nil chain.
func Build(specs []Spec) (Chain, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	chain := make(Chain, 0, len(specs))
	for i, s := range specs {
		p, err := build(s)
		if err != nil {
			return nil, fmt.Errorf("%w: policy %d (%s): %v", core.ErrInvalidConfig, i, s.Type, err)
		}
		chain = append(chain, p)
	}
	return chain, nil
}

func build(s Spec) (Policy, error) {
	switch s.Type {
	case TypeFilter:
		f := &Filter{
			Block:       s.Config["block_pattern"],
			Allow:       s.Config["allow_pattern"],
			MetadataKey: s.Config["metadata_key"],
			MetadataVal: s.Config["metadata_value"],
		}
		if f.Block == "" && f.Allow == "" && f.MetadataKey == "" {
			return nil, fmt.Errorf("one of block_pattern, allow_pattern or metadata_key is required")
		}
		return f, nil
	case TypeTransform:
		t := &Transform{
			Prefix:      s.Config["prefix"],
			Suffix:      s.Config["suffix"],
			Header:      s.Config["add_header"],
			HeaderValue: s.Config["header_value"],
		}
		if t.Prefix == "" && t.Suffix == "" && t.Header == "" {
			return nil, fmt.Errorf("one of prefix, suffix or add_header is required")
		}
		return t, nil
	case TypeRateLimit:
		return newRateLimit(s.Config)
	default:
		return nil, fmt.Errorf("unknown policy type")
	}
}

// Filter blocks events by payload substring or metadata value.
type Filter struct {
	Block       string
	Allow       string
	MetadataKey string
	MetadataVal string
}

func (f *Filter) Type() string { return TypeFilter }

func (f *Filter) Apply(evt *core.Event) bool {
	payload := string(evt.Payload)
	if f.Block != "" && strings.Contains(payload, f.Block) {
		return false
	}
	if f.Allow != "" && !strings.Contains(payload, f.Allow) {
		return false
	}
	if f.MetadataKey != "" {
		v, ok := evt.Metadata[f.MetadataKey]
		if !ok || (f.MetadataVal != "" && v != f.MetadataVal) {
			return false
		}
	}
	return true
}

// Transform wraps the payload and stamps a metadata header. It never blocks.
type Transform struct {
	Prefix      string
	Suffix      string
	Header      string
	HeaderValue string
}

func (t *Transform) Type() string { return TypeTransform }

func (t *Transform) Apply(evt *core.Event) bool {
	if t.Prefix != "" || t.Suffix != "" {
		payload := make([]byte, 0, len(t.Prefix)+len(evt.Payload)+len(t.Suffix))
		payload = append(payload, t.Prefix...)
		payload = append(payload, evt.Payload...)
		payload = append(payload, t.Suffix...)
		evt.Payload = payload
	}
	if t.Header != "" {
		meta := make(map[string]string, len(evt.Metadata)+1)
		for k, v := range evt.Metadata {
			meta[k] = v
		}
		meta[t.Header] = t.HeaderValue
		evt.Metadata = meta
	}
	return true
}

// RateLimit drops events above a token-bucket rate shared by everything the
// route carries.
type RateLimit struct {
	limiter *rate.Limiter
}

func newRateLimit(cfg map[string]string) (*RateLimit, error) {
	r, err := strconv.ParseFloat(cfg["rate"], 64)
	if err != nil || r <= 0 {
		return nil, fmt.Errorf("rate must be a positive number, got %q", cfg["rate"])
	}
	burst := 1
	if v, ok := cfg["burst"]; ok {
		burst, err = strconv.Atoi(v)
		if err != nil || burst < 1 {
			return nil, fmt.Errorf("burst must be a positive integer, got %q", v)
		}
	}
	return &RateLimit{limiter: rate.NewLimiter(rate.Limit(r), burst)}, nil
}

func (l *RateLimit) Type() string { return TypeRateLimit }

func (l *RateLimit) Apply(*core.Event) bool { return l.limiter.Allow() }
