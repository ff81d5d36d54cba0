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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Codec selects how an endpoint serialises events onto its broker.
type Codec string

const (
	// CodecRaw writes the message payload only.
	CodecRaw  Codec = "raw"
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

// ParseCodec maps a config value to a Codec. Empty selects raw.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "", CodecRaw:
		return CodecRaw, nil
	case CodecJSON:
		return CodecJSON, nil
	case CodecCBOR:
		return CodecCBOR, nil
	default:
		return "", fmt.Errorf("%w: unknown codec %q", ErrInvalidConfig, s)
	}
}

func (c Codec) Encode(evt Event) ([]byte, error) {
	switch c {
	case CodecJSON:
		return json.Marshal(evt)
	case CodecCBOR:
		return cbor.Marshal(evt)
	default:
		return evt.Payload, nil
	}
}

// Decode turns a broker message read by source into an event. Raw data
// becomes the payload; json and cbor data must hold an encoded Event.
func (c Codec) Decode(source string, data []byte) (Event, error) {
	var evt Event
	switch c {
	case CodecJSON:
		if err := json.Unmarshal(data, &evt); err != nil {
			return Event{}, fmt.Errorf("decode json event: %w", err)
		}
	case CodecCBOR:
		if err := cbor.Unmarshal(data, &evt); err != nil {
			return Event{}, fmt.Errorf("decode cbor event: %w", err)
		}
	default:
		evt.Payload = data
	}
	if evt.ID == "" {
		evt.ID = NewEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SourceID = source
	return evt, nil
}

// Header names endpoints attach to every message they write.
const (
	HeaderEventID   = "x-event-id"
	HeaderChannel   = "x-channel"
	HeaderTimetoken = "x-timetoken"
	HeaderType      = "x-event-type"
	HeaderPublisher = "x-publisher"
)

// Headers describes evt for brokers that carry message headers.
func Headers(evt Event) map[string]string {
	h := map[string]string{
		HeaderEventID: evt.ID,
		HeaderChannel: evt.Channel,
		HeaderType:    evt.Type.String(),
	}
	if evt.Timetoken != 0 {
		h[HeaderTimetoken] = strconv.FormatInt(evt.Timetoken, 10)
	}
	if evt.Publisher != "" {
		h[HeaderPublisher] = evt.Publisher
	}
	return h
}

func (c Codec) ContentType() string {
	switch c {
	case CodecJSON:
		return "application/json"
	case CodecCBOR:
		return "application/cbor"
	default:
		return "application/octet-stream"
	}
}
