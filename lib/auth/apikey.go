/*
Copyright 2024 NetCockpit, Inc.

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

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/gravitational/trace"
)

// APIKeyPrefix marks cockpit API keys so leaked ones are recognisable in
// secret scanners.
const APIKeyPrefix = "ck_"

// GenerateAPIKey returns a fresh API key and the digest to store. The
// plain key is shown to the caller exactly once.
func GenerateAPIKey() (plain, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", trace.Wrap(err)
	}
	plain = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return plain, HashAPIKey(plain), nil
}

// HashAPIKey is the lookup digest stored in user_profiles.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidAPIKeyFormat cheaply rejects values that cannot be cockpit keys
// before any database lookup.
func ValidAPIKeyFormat(key string) bool {
	return strings.HasPrefix(key, APIKeyPrefix) && len(key) > len(APIKeyPrefix)
}
