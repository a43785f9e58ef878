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
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/pbkdf2"

	"github.com/netcockpit/cockpit/lib/defaults"
)

const (
	passwordSaltBytes = 16
	passwordKeyBytes  = 32
	passwordScheme    = "pbkdf2_sha256"
)

// HashPassword derives a PBKDF2-HMAC-SHA256 hash with a fresh random salt,
// encoded as pbkdf2_sha256$<iterations>$<salt b64>$<digest b64>.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", trace.BadParameter("password must not be empty")
	}
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", trace.Wrap(err)
	}
	digest := pbkdf2.Key([]byte(password), salt, defaults.PasswordHashIterations, passwordKeyBytes, sha256.New)
	return fmt.Sprintf("%v$%d$%v$%v",
		passwordScheme,
		defaults.PasswordHashIterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(digest),
	), nil
}

// VerifyPassword checks a candidate password against a stored hash in
// constant time. The stored iteration count is honoured so hashes survive
// work-factor bumps.
func VerifyPassword(stored, password string) error {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != passwordScheme {
		return trace.BadParameter("malformed password hash")
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return trace.BadParameter("malformed password hash iteration count")
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return trace.BadParameter("malformed password hash salt")
	}
	digest, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return trace.BadParameter("malformed password hash digest")
	}

	candidate := pbkdf2.Key([]byte(password), salt, iterations, len(digest), sha256.New)
	if subtle.ConstantTimeCompare(candidate, digest) != 1 {
		return trace.AccessDenied("invalid credentials")
	}
	return nil
}
