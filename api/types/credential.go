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

package types

import (
	"time"

	"github.com/gravitational/trace"
)

// CredentialKind classifies what a credential is used for.
type CredentialKind string

const (
	CredentialSSH     CredentialKind = "ssh"
	CredentialTACACS  CredentialKind = "tacacs"
	CredentialGeneric CredentialKind = "generic"
	CredentialToken   CredentialKind = "token"
	CredentialSSHKey  CredentialKind = "ssh_key"
)

// CredentialStatus is derived from valid_until, never stored.
type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialExpiring CredentialStatus = "expiring"
	CredentialExpired  CredentialStatus = "expired"
)

// Credential is an encrypted secret used to reach devices and upstreams.
// All secret fields hold fernet ciphertext; plaintext only exists in memory
// on the decrypt path.
type Credential struct {
	ID int64 `json:"id"`
	// Name and Source are composite-unique. Source distinguishes where the
	// credential came from (local, imported, personal).
	Name   string `json:"name"`
	Source string `json:"source"`
	// Username is the login the secret belongs to, in cleartext.
	Username string         `json:"username"`
	Kind     CredentialKind `json:"kind"`
	// EncryptedPassword, EncryptedSSHKey and EncryptedPassphrase are fernet
	// tokens. Empty means the field was never set.
	EncryptedPassword   string `json:"-"`
	EncryptedSSHKey     string `json:"-"`
	EncryptedPassphrase string `json:"-"`
	// ValidUntil drives the derived status; nil means no expiry.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	// Owner is set for private credentials and restricts visibility to that
	// username. Empty means shared.
	Owner     string    `json:"owner,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Check validates the credential before it is written.
func (c *Credential) Check() error {
	if c.Name == "" {
		return trace.BadParameter("missing credential name")
	}
	switch c.Kind {
	case CredentialSSH, CredentialTACACS, CredentialGeneric, CredentialToken, CredentialSSHKey:
	default:
		return trace.BadParameter("unsupported credential kind %q", c.Kind)
	}
	return nil
}

// Status derives the lifecycle status at the given instant. Credentials
// report expiring within the warning window before valid_until.
func (c *Credential) Status(now time.Time, warning time.Duration) CredentialStatus {
	if c.ValidUntil == nil {
		return CredentialActive
	}
	switch {
	case !now.Before(*c.ValidUntil):
		return CredentialExpired
	case now.Add(warning).After(*c.ValidUntil):
		return CredentialExpiring
	default:
		return CredentialActive
	}
}

// CredentialSecretUpdate carries re-encrypted secret fields for one
// credential during key rotation. The storage layer applies a batch of
// these in a single transaction.
type CredentialSecretUpdate struct {
	ID         int64
	Password   string
	SSHKey     string
	Passphrase string
}

// GitAuthType selects how a git repository is authenticated.
type GitAuthType string

const (
	GitAuthToken  GitAuthType = "token"
	GitAuthSSHKey GitAuthType = "ssh_key"
	GitAuthNone   GitAuthType = "none"
)

// GitRepository describes a remote repository used by backup and deploy
// jobs. Clone auth material is referenced by credential name, not embedded.
type GitRepository struct {
	ID             int64       `json:"id"`
	Name           string      `json:"name"`
	URL            string      `json:"url"`
	Branch         string      `json:"branch"`
	Category       string      `json:"category,omitempty"`
	CredentialName string      `json:"credential_name,omitempty"`
	AuthType       GitAuthType `json:"auth_type"`
	VerifySSL      bool        `json:"verify_ssl"`
	// Path is the subdirectory inside the working copy files are written
	// under; empty means repository root.
	Path      string    `json:"path,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Check validates the repository definition.
func (r *GitRepository) Check() error {
	if r.Name == "" {
		return trace.BadParameter("missing repository name")
	}
	if r.URL == "" {
		return trace.BadParameter("repository %q has no url", r.Name)
	}
	switch r.AuthType {
	case GitAuthToken, GitAuthSSHKey, GitAuthNone:
	default:
		return trace.BadParameter("unsupported auth type %q", r.AuthType)
	}
	if r.AuthType != GitAuthNone && r.CredentialName == "" {
		return trace.BadParameter("repository %q requires a credential for auth type %q", r.Name, r.AuthType)
	}
	return nil
}
