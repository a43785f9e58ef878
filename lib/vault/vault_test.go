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
	"errors"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/netcockpit/cockpit/api/types"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := New("test-secret")
	require.NoError(t, err)

	token, err := v.Encrypt("hunter2")
	require.NoError(t, err)
	require.NotEqual(t, "hunter2", token)

	plaintext, err := v.Decrypt(token)
	require.NoError(t, err)
	require.Equal(t, "hunter2", plaintext)
}

func TestDecryptAcrossInstances(t *testing.T) {
	t.Parallel()

	// the key derivation must be deterministic: a token written by one
	// process is readable by another started with the same secret
	v1, err := New("shared-secret")
	require.NoError(t, err)
	v2, err := New("shared-secret")
	require.NoError(t, err)

	token, err := v1.Encrypt("payload")
	require.NoError(t, err)

	plaintext, err := v2.Decrypt(token)
	require.NoError(t, err)
	require.Equal(t, "payload", plaintext)
}

func TestDecryptWrongKey(t *testing.T) {
	t.Parallel()

	v1, err := New("secret-one")
	require.NoError(t, err)
	v2, err := New("secret-two")
	require.NoError(t, err)

	token, err := v1.Encrypt("payload")
	require.NoError(t, err)

	_, err = v2.Decrypt(token)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptGarbage(t *testing.T) {
	t.Parallel()

	v, err := New("secret")
	require.NoError(t, err)

	_, err = v.Decrypt("not a fernet token")
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = v.Decrypt("")
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNewRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := New("")
	require.True(t, trace.IsBadParameter(err))
}

type fakeCredentialStore struct {
	creds      []types.Credential
	listFilter string
	batches    [][]types.CredentialSecretUpdate
	updates    map[int64]types.CredentialSecretUpdate
	failWrite  bool
}

func (f *fakeCredentialStore) ListCredentials(ctx context.Context, username string) ([]types.Credential, error) {
	f.listFilter = username
	return f.creds, nil
}

func (f *fakeCredentialStore) UpdateCredentialSecretsBatch(ctx context.Context, updates []types.CredentialSecretUpdate) error {
	if f.failWrite {
		return errors.New("write failed")
	}
	f.batches = append(f.batches, updates)
	if f.updates == nil {
		f.updates = map[int64]types.CredentialSecretUpdate{}
	}
	for _, u := range updates {
		f.updates[u.ID] = u
	}
	return nil
}

func TestRotate(t *testing.T) {
	t.Parallel()

	oldVault, err := New("old-secret")
	require.NoError(t, err)

	encrypted := func(s string) string {
		token, err := oldVault.Encrypt(s)
		require.NoError(t, err)
		return token
	}

	store := &fakeCredentialStore{
		creds: []types.Credential{
			{ID: 1, Name: "switch-ssh", EncryptedPassword: encrypted("pw-one"), EncryptedSSHKey: encrypted("key material")},
			{ID: 2, Name: "corrupted", EncryptedPassword: "garbage-token"},
			{ID: 3, Name: "token-only", EncryptedPassphrase: encrypted("phrase")},
		},
	}

	report, err := Rotate(context.Background(), store, "old-secret", "new-secret", "")
	require.NoError(t, err)
	require.Equal(t, 3, report.Total)
	require.Equal(t, 2, report.Rotated)
	require.Len(t, report.Failures, 1)
	require.Equal(t, int64(2), report.Failures[0].CredentialID)

	// every rewrapped row went through one write
	require.Len(t, store.batches, 1)
	require.Len(t, store.batches[0], 2)

	// the corrupted row was never written
	require.NotContains(t, store.updates, int64(2))

	// rotated ciphertexts open under the new key and carry the original
	// plaintext
	newVault, err := New("new-secret")
	require.NoError(t, err)

	rotated := store.updates[int64(1)]
	plaintext, err := newVault.Decrypt(rotated.Password)
	require.NoError(t, err)
	require.Equal(t, "pw-one", plaintext)

	keyPlaintext, err := newVault.Decrypt(rotated.SSHKey)
	require.NoError(t, err)
	require.Equal(t, "key material", keyPlaintext)
	require.Empty(t, rotated.Passphrase)
}

func TestRotateFilterReachesStore(t *testing.T) {
	t.Parallel()

	store := &fakeCredentialStore{}
	report, err := Rotate(context.Background(), store, "old-secret", "new-secret", "alice")
	require.NoError(t, err)
	require.Equal(t, 0, report.Total)
	require.Equal(t, "alice", store.listFilter)
}

func TestRotateWriteFailureAborts(t *testing.T) {
	t.Parallel()

	oldVault, err := New("old-secret")
	require.NoError(t, err)
	token, err := oldVault.Encrypt("pw")
	require.NoError(t, err)

	store := &fakeCredentialStore{
		creds:     []types.Credential{{ID: 9, Name: "flaky", EncryptedPassword: token}},
		failWrite: true,
	}

	_, err = Rotate(context.Background(), store, "old-secret", "new-secret", "")
	require.Error(t, err)
	require.ErrorContains(t, err, "write failed")
}
