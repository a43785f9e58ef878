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

// Package vault encrypts credential secrets at rest. Ciphertexts are fernet
// tokens (AES-128-CBC with HMAC-SHA256) under a key derived from the
// process secret, so tokens written by earlier installations stay readable
// as long as the secret is unchanged.
package vault

import (
	"crypto/sha256"
	"errors"

	"github.com/fernet/fernet-go"
	"github.com/gravitational/trace"
	"golang.org/x/crypto/pbkdf2"

	"github.com/netcockpit/cockpit/lib/defaults"
)

// keySalt is fixed: the derived key must be stable across processes and
// restarts for stored ciphertexts to remain readable.
const keySalt = "cockpit-fernet-salt-v1"

// ErrDecryptionFailed is returned when a token fails verification, which
// almost always means the secret key changed without rotating stored
// ciphertexts.
var ErrDecryptionFailed = errors.New("decryption failed: invalid token or wrong key")

// Vault holds a derived fernet key.
type Vault struct {
	key *fernet.Key
}

// New derives the fernet key from the shared secret using
// PBKDF2-HMAC-SHA256.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, trace.BadParameter("vault secret must not be empty")
	}
	derived := pbkdf2.Key([]byte(secret), []byte(keySalt), defaults.VaultKDFIterations, 32, sha256.New)
	var key fernet.Key
	copy(key[:], derived)
	return &Vault{key: &key}, nil
}

// Encrypt returns the fernet token for plaintext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	token, err := fernet.EncryptAndSign([]byte(plaintext), v.key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(token), nil
}

// Decrypt verifies and opens a token. Tokens never expire; validity is
// purely a question of the MAC.
func (v *Vault) Decrypt(token string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{v.key})
	if msg == nil {
		return "", trace.Wrap(ErrDecryptionFailed)
	}
	return string(msg), nil
}
