/*
Copyright 2024 Medtrace Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	registerBatchSignature   = "registerBatch(string,bytes32)"
	batchRegisteredSignature = "BatchRegistered(string,bytes32)"
)

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func hexEncode(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

// selector returns the 4-byte function selector of a signature.
func selector(signature string) []byte {
	return keccak256([]byte(signature))[:4]
}

// eventTopic returns topic0 of an event signature.
func eventTopic(signature string) string {
	return hexEncode(keccak256([]byte(signature)))
}

// keyTopic is the topic of an indexed string argument.
func keyTopic(key string) string {
	return hexEncode(keccak256([]byte(key)))
}

func toBytes32(payloadHash string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexDecode(payloadHash)
	if err != nil {
		return out, fmt.Errorf("payload hash is not hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("payload hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func uint256(n uint64) []byte {
	word := make([]byte, 32)
	binary.BigEndian.PutUint64(word[24:], n)
	return word
}

// encodeRegisterBatch ABI-encodes registerBatch(key, payloadHash) call data.
func encodeRegisterBatch(key, payloadHash string) (string, error) {
	digest, err := toBytes32(payloadHash)
	if err != nil {
		return "", err
	}

	data := make([]byte, 0, 4+32*4+len(key))
	data = append(data, selector(registerBatchSignature)...)
	// head: offset of the dynamic string, then the static bytes32
	data = append(data, uint256(64)...)
	data = append(data, digest[:]...)
	// tail: string length then right-padded bytes
	data = append(data, uint256(uint64(len(key)))...)
	padded := make([]byte, (len(key)+31)/32*32)
	copy(padded, key)
	data = append(data, padded...)

	return hexEncode(data), nil
}

func parseQuantity(s string) (uint64, error) {
	var n uint64
	_, err := fmt.Sscanf(strings.TrimPrefix(s, "0x"), "%x", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", s, err)
	}
	return n, nil
}
