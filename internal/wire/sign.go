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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// Sign computes the v2 request signature. The signature parameter itself is
// never part of the signed query.
func Sign(secretKey, publishKey, method, path string, q url.Values, body []byte) string {
	unsigned := url.Values{}
	for k, v := range q {
		if k == "signature" {
			continue
		}
		unsigned[k] = v
	}

	var sb strings.Builder
	sb.WriteString(method)
	sb.WriteByte('\n')
	sb.WriteString(publishKey)
	sb.WriteByte('\n')
	sb.WriteString(path)
	sb.WriteByte('\n')
	sb.WriteString(unsigned.Encode())
	sb.WriteByte('\n')
	sb.Write(body)

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(sb.String()))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	return "v2." + strings.TrimRight(sig, "=")
}
