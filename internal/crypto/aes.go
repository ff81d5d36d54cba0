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

// Package crypto implements the payload cipher used when a cipher key is set.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/wso2/api-platform/gateway/gateway-runtime/pubsub-bridge/pkg/core"
)

// iv is fixed so every client of the same cipher key interoperates.
var iv = []byte("0123456789012345")

// AES is AES-256-CBC with PKCS#7 padding. Ciphertext travels as a base64 JSON
// string.
type AES struct {
	block cipher.Block
}

var _ core.Crypto = (*AES)(nil)

// New derives the key from the cipher key: the first 32 hex characters of its
// SHA-256 digest.
func New(cipherKey string) (*AES, error) {
	if cipherKey == "" {
		return nil, fmt.Errorf("%w: empty cipher key", core.ErrInvalidConfig)
	}
	sum := sha256.Sum256([]byte(cipherKey))
	key := []byte(hex.EncodeToString(sum[:])[:32])

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	return &AES{block: block}, nil
}

func (a *AES) Encrypt(plain []byte) (json.RawMessage, error) {
	padded := pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(a.block, iv).CryptBlocks(out, padded)
	return json.Marshal(base64.StdEncoding.EncodeToString(out))
}

func (a *AES) Decrypt(payload json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(payload, &encoded); err != nil {
		return nil, fmt.Errorf("%w: payload is not a string", core.ErrDecrypt)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDecrypt, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", core.ErrDecrypt, len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(a.block, iv).CryptBlocks(out, data)
	return unpad(out, aes.BlockSize)
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", core.ErrDecrypt)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", core.ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
