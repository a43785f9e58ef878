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

package vault

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
)

// CredentialStore is the slice of the storage layer rotation needs.
type CredentialStore interface {
	ListCredentials(ctx context.Context, username string) ([]types.Credential, error)
	UpdateCredentialSecretsBatch(ctx context.Context, updates []types.CredentialSecretUpdate) error
}

// RotateFailure records one credential that could not be rotated.
type RotateFailure struct {
	CredentialID int64  `json:"credential_id"`
	Name         string `json:"name"`
	Error        string `json:"error"`
}

// RotateReport summarises a key rotation pass.
type RotateReport struct {
	Total    int             `json:"total"`
	Rotated  int             `json:"rotated"`
	Failures []RotateFailure `json:"failures,omitempty"`
}

// Rotate re-encrypts stored credential secrets from oldSecret to newSecret.
// A non-empty filter restricts the pass to that username's credentials. A
// credential whose ciphertext cannot be opened with the old key is reported
// and left untouched; every row that does rewrap is written back in a single
// transaction, so an interrupted rotation never leaves the vault half under
// one key and half under the other. The caller switches the process secret
// only after a clean report.
func Rotate(ctx context.Context, store CredentialStore, oldSecret, newSecret, filter string) (*RotateReport, error) {
	oldVault, err := New(oldSecret)
	if err != nil {
		return nil, trace.Wrap(err, "deriving old key")
	}
	newVault, err := New(newSecret)
	if err != nil {
		return nil, trace.Wrap(err, "deriving new key")
	}

	creds, err := store.ListCredentials(ctx, filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	log := slog.Default().With(cockpit.ComponentKey, cockpit.ComponentVault)
	report := &RotateReport{Total: len(creds)}
	var updates []types.CredentialSecretUpdate
	for _, cred := range creds {
		password, sshKey, passphrase, err := reencryptCredential(oldVault, newVault, cred)
		if err != nil {
			report.Failures = append(report.Failures, RotateFailure{
				CredentialID: cred.ID,
				Name:         cred.Name,
				Error:        err.Error(),
			})
			log.WarnContext(ctx, "Credential could not be rotated, old ciphertext kept",
				"credential", cred.Name, "error", err)
			continue
		}
		updates = append(updates, types.CredentialSecretUpdate{
			ID:         cred.ID,
			Password:   password,
			SSHKey:     sshKey,
			Passphrase: passphrase,
		})
	}
	if err := store.UpdateCredentialSecretsBatch(ctx, updates); err != nil {
		return nil, trace.Wrap(err, "writing rotated secrets")
	}
	report.Rotated = len(updates)
	log.InfoContext(ctx, "Key rotation finished",
		"total", report.Total, "rotated", report.Rotated, "failed", len(report.Failures))
	return report, nil
}

// reencryptCredential rewraps the non-empty secret fields. All fields must
// rewrap or the row is skipped as a unit.
func reencryptCredential(oldVault, newVault *Vault, cred types.Credential) (password, sshKey, passphrase string, err error) {
	rewrap := func(field, ciphertext string) (string, error) {
		if ciphertext == "" {
			return "", nil
		}
		plaintext, err := oldVault.Decrypt(ciphertext)
		if err != nil {
			return "", trace.Wrap(err, "decrypting %s", field)
		}
		out, err := newVault.Encrypt(plaintext)
		if err != nil {
			return "", trace.Wrap(err, "encrypting %s", field)
		}
		return out, nil
	}

	if password, err = rewrap("password", cred.EncryptedPassword); err != nil {
		return "", "", "", trace.Wrap(err)
	}
	if sshKey, err = rewrap("ssh key", cred.EncryptedSSHKey); err != nil {
		return "", "", "", trace.Wrap(err)
	}
	if passphrase, err = rewrap("passphrase", cred.EncryptedPassphrase); err != nil {
		return "", "", "", trace.Wrap(err)
	}
	return password, sshKey, passphrase, nil
}
