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

package storage

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/netcockpit/cockpit/api/types"
)

const credentialColumns = "id, name, source, username, kind, encrypted_password, encrypted_ssh_key, encrypted_passphrase, valid_until, owner, created_by, created_at, updated_at"

func scanCredential(scan func(dest ...any) error) (*types.Credential, error) {
	var c types.Credential
	err := scan(&c.ID, &c.Name, &c.Source, &c.Username, &c.Kind,
		&c.EncryptedPassword, &c.EncryptedSSHKey, &c.EncryptedPassphrase,
		&c.ValidUntil, &c.Owner, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &c, nil
}

// CreateCredential inserts a credential. Secret fields must already be
// encrypted by the vault.
func (s *Store) CreateCredential(ctx context.Context, c *types.Credential) (*types.Credential, error) {
	if err := c.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if c.Source == "" {
		c.Source = "local"
	}
	now := s.now()
	return scanCredential(s.pool.QueryRow(ctx,
		`INSERT INTO credentials (name, source, username, kind, encrypted_password, encrypted_ssh_key, encrypted_passphrase, valid_until, owner, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11) RETURNING `+credentialColumns,
		c.Name, c.Source, c.Username, c.Kind,
		c.EncryptedPassword, c.EncryptedSSHKey, c.EncryptedPassphrase,
		c.ValidUntil, c.Owner, c.CreatedBy, now,
	).Scan)
}

// GetCredential fetches a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id int64) (*types.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE id = $1", id).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("credential %d not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// GetCredentialByName fetches a credential by its composite (name, source)
// key.
func (s *Store) GetCredentialByName(ctx context.Context, name, source string) (*types.Credential, error) {
	if source == "" {
		source = "local"
	}
	c, err := scanCredential(s.pool.QueryRow(ctx,
		"SELECT "+credentialColumns+" FROM credentials WHERE name = $1 AND source = $2", name, source,
	).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("credential %q not found", name)
		}
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// ListCredentials returns credentials visible to username: shared ones and
// the user's own private entries. An empty username lists everything, used
// by internal callers such as key rotation.
func (s *Store) ListCredentials(ctx context.Context, username string) ([]types.Credential, error) {
	query := "SELECT " + credentialColumns + " FROM credentials"
	args := []any{}
	if username != "" {
		query += " WHERE owner = '' OR owner = $1"
		args = append(args, username)
	}
	query += " ORDER BY name, source"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.Credential
	for rows.Next() {
		c, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *c)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateCredential rewrites the mutable fields of a credential.
func (s *Store) UpdateCredential(ctx context.Context, c *types.Credential) error {
	if err := c.Check(); err != nil {
		return trace.Wrap(err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET username = $2, kind = $3, encrypted_password = $4, encrypted_ssh_key = $5, encrypted_passphrase = $6, valid_until = $7, updated_at = $8 WHERE id = $1`,
		c.ID, c.Username, c.Kind, c.EncryptedPassword, c.EncryptedSSHKey, c.EncryptedPassphrase, c.ValidUntil, s.now(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("credential %d not found", c.ID)
	}
	return nil
}

// UpdateCredentialSecretsBatch rewrites only the ciphertext columns of the
// given credentials, used by key rotation. All rows go through one
// transaction: either the whole batch lands or none of it does.
func (s *Store) UpdateCredentialSecretsBatch(ctx context.Context, updates []types.CredentialSecretUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return convertError(err)
	}
	defer tx.Rollback(ctx)
	now := s.now()
	for _, u := range updates {
		tag, err := tx.Exec(ctx,
			"UPDATE credentials SET encrypted_password = $2, encrypted_ssh_key = $3, encrypted_passphrase = $4, updated_at = $5 WHERE id = $1",
			u.ID, u.Password, u.SSHKey, u.Passphrase, now,
		)
		if err != nil {
			return convertError(err)
		}
		if tag.RowsAffected() == 0 {
			return trace.NotFound("credential %d not found", u.ID)
		}
	}
	return convertError(tx.Commit(ctx))
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM credentials WHERE id = $1", id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("credential %d not found", id)
	}
	return nil
}

const gitRepoColumns = "id, name, url, branch, category, credential_name, auth_type, verify_ssl, path, active, created_at, updated_at"

func scanGitRepository(scan func(dest ...any) error) (*types.GitRepository, error) {
	var r types.GitRepository
	err := scan(&r.ID, &r.Name, &r.URL, &r.Branch, &r.Category, &r.CredentialName,
		&r.AuthType, &r.VerifySSL, &r.Path, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &r, nil
}

// CreateGitRepository inserts a repository definition.
func (s *Store) CreateGitRepository(ctx context.Context, r *types.GitRepository) (*types.GitRepository, error) {
	if err := r.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if r.Branch == "" {
		r.Branch = "main"
	}
	now := s.now()
	return scanGitRepository(s.pool.QueryRow(ctx,
		`INSERT INTO git_repositories (name, url, branch, category, credential_name, auth_type, verify_ssl, path, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10) RETURNING `+gitRepoColumns,
		r.Name, r.URL, r.Branch, r.Category, r.CredentialName, r.AuthType, r.VerifySSL, r.Path, r.Active, now,
	).Scan)
}

// GetGitRepository fetches a repository by ID.
func (s *Store) GetGitRepository(ctx context.Context, id int64) (*types.GitRepository, error) {
	r, err := scanGitRepository(s.pool.QueryRow(ctx, "SELECT "+gitRepoColumns+" FROM git_repositories WHERE id = $1", id).Scan)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("git repository %d not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// GetGitRepositoryByName fetches a repository by its unique name.
func (s *Store) GetGitRepositoryByName(ctx context.Context, name string) (*types.GitRepository, error) {
	var r types.GitRepository
	err := s.pool.QueryRow(ctx,
		"SELECT "+gitRepoColumns+" FROM git_repositories WHERE name = $1", name,
	).Scan(&r.ID, &r.Name, &r.URL, &r.Branch, &r.Category, &r.CredentialName,
		&r.AuthType, &r.VerifySSL, &r.Path, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("git repository %q not found", name)
		}
		return nil, convertError(err)
	}
	return &r, nil
}

// ListGitRepositories returns all repository definitions.
func (s *Store) ListGitRepositories(ctx context.Context) ([]types.GitRepository, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+gitRepoColumns+" FROM git_repositories ORDER BY name")
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var out []types.GitRepository
	for rows.Next() {
		r, err := scanGitRepository(rows.Scan)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *r)
	}
	return out, trace.Wrap(rows.Err())
}

// UpdateGitRepository rewrites a repository definition.
func (s *Store) UpdateGitRepository(ctx context.Context, r *types.GitRepository) error {
	if err := r.Check(); err != nil {
		return trace.Wrap(err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE git_repositories SET url = $2, branch = $3, category = $4, credential_name = $5, auth_type = $6, verify_ssl = $7, path = $8, active = $9, updated_at = $10 WHERE id = $1`,
		r.ID, r.URL, r.Branch, r.Category, r.CredentialName, r.AuthType, r.VerifySSL, r.Path, r.Active, s.now(),
	)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("git repository %d not found", r.ID)
	}
	return nil
}

// DeleteGitRepository removes a repository definition.
func (s *Store) DeleteGitRepository(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM git_repositories WHERE id = $1", id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("git repository %d not found", id)
	}
	return nil
}
