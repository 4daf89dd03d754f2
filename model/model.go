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

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID prefixed with the given module name.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// HashPayload returns the 0x-prefixed SHA-256 of the canonical JSON encoding of fields.
// encoding/json sorts map keys, so equal field sets always hash identically.
func HashPayload(fields map[string]interface{}) string {
	canonical, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(canonical)
	return "0x" + hex.EncodeToString(hash[:])
}
