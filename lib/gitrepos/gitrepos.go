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

// Package gitrepos manages local working copies of the configured git
// repositories. Backup and deploy tasks write files into a working copy
// during a run; the run finaliser commits and pushes once, so each run
// produces at most one commit per repository.
//
// Working copies are shared across tasks on the same worker, serialised
// by a per-repository lock held from Checkout until Release.
package gitrepos

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/netcockpit/cockpit"
	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/defaults"
)

// AuthMethod aliases go-git's transport auth so callers do not have to
// import go-git plumbing.
type AuthMethod = transport.AuthMethod

// Secret carries decrypted credential material for repository auth.
// The jobs layer resolves it from the vault before calling BuildAuth.
type Secret struct {
	// Username for token auth; defaults to "token" which satisfies
	// common git hosts that only inspect the password field.
	Username string
	// Password is the token for AuthToken repositories.
	Password string
	// PrivateKey is a PEM private key for AuthSSHKey repositories.
	PrivateKey []byte
	// Passphrase decrypts PrivateKey when set.
	Passphrase string
}

// BuildAuth converts a repository definition plus decrypted secret into
// a go-git transport auth method. Returns nil for auth type none.
func BuildAuth(repo types.GitRepository, secret Secret) (transport.AuthMethod, error) {
	switch repo.AuthType {
	case types.GitAuthNone:
		return nil, nil
	case types.GitAuthToken:
		if secret.Password == "" {
			return nil, trace.BadParameter("repository %q: token credential has no secret", repo.Name)
		}
		username := secret.Username
		if username == "" {
			username = "token"
		}
		return &githttp.BasicAuth{Username: username, Password: secret.Password}, nil
	case types.GitAuthSSHKey:
		if len(secret.PrivateKey) == 0 {
			return nil, trace.BadParameter("repository %q: ssh_key credential has no key material", repo.Name)
		}
		username := secret.Username
		if username == "" {
			username = "git"
		}
		keys, err := gitssh.NewPublicKeys(username, secret.PrivateKey, secret.Passphrase)
		if err != nil {
			return nil, trace.BadParameter("repository %q: parsing ssh key: %v", repo.Name, err)
		}
		if !repo.VerifySSL {
			keys.HostKeyCallback = cryptossh.InsecureIgnoreHostKey()
		}
		return keys, nil
	default:
		return nil, trace.BadParameter("repository %q: unsupported auth type %q", repo.Name, repo.AuthType)
	}
}

// ManagerConfig configures the working copy manager.
type ManagerConfig struct {
	// BaseDir is the directory holding one working copy per repository.
	BaseDir string
	// Clock stamps commits.
	Clock clockwork.Clock
	// Logger is the structured logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.BaseDir == "" {
		c.BaseDir = defaults.GitWorkDir
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(cockpit.ComponentKey, cockpit.ComponentGit)
	}
	return nil
}

// Manager checks out and serialises access to repository working copies.
type Manager struct {
	c ManagerConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager returns a working copy manager rooted at cfg.BaseDir.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Manager{c: cfg, locks: make(map[string]*sync.Mutex)}, nil
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Checkout clones the repository on first use, otherwise fast-forwards
// the existing working copy, and returns it with the per-repository lock
// held. The caller must Release it, typically via defer, even on error
// paths after a successful Checkout.
func (m *Manager) Checkout(ctx context.Context, repo types.GitRepository, auth transport.AuthMethod) (*WorkingCopy, error) {
	if err := repo.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	branch := repo.Branch
	if branch == "" {
		branch = "main"
	}

	lock := m.lockFor(repo.Name)
	lock.Lock()

	dir := filepath.Join(m.c.BaseDir, repo.Name)
	gitRepo, err := m.open(ctx, dir, repo, branch, auth)
	if err != nil {
		lock.Unlock()
		return nil, trace.Wrap(err)
	}
	return &WorkingCopy{
		manager:  m,
		lock:     lock,
		name:     repo.Name,
		dir:      dir,
		sub:      repo.Path,
		branch:   branch,
		auth:     auth,
		insecure: !repo.VerifySSL,
		repo:     gitRepo,
	}, nil
}

func (m *Manager) open(ctx context.Context, dir string, repo types.GitRepository, branch string, auth transport.AuthMethod) (*git.Repository, error) {
	gitRepo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return m.clone(ctx, dir, repo, branch, auth)
	}
	if err != nil {
		return nil, trace.Wrap(err, "opening working copy %v", dir)
	}

	wt, err := gitRepo.Worktree()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !status.IsClean() {
		// Earlier tasks of the current run wrote files that are not
		// committed yet. A forced checkout would discard them, so the
		// sync waits until after the run's finaliser has pushed.
		return gitRepo, nil
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Force:  true,
	}); err != nil {
		return nil, trace.Wrap(err, "checking out %v in %v", branch, repo.Name)
	}

	pullCtx, cancel := context.WithTimeout(ctx, defaults.GitOpTimeout)
	defer cancel()
	err = wt.PullContext(pullCtx, &git.PullOptions{
		RemoteName:      git.DefaultRemoteName,
		ReferenceName:   plumbing.NewBranchReferenceName(branch),
		SingleBranch:    true,
		Auth:            auth,
		Force:           true,
		InsecureSkipTLS: !repo.VerifySSL,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return gitRepo, nil
	default:
		// A diverged or corrupted copy is cheaper to replace than repair.
		m.c.Logger.WarnContext(ctx, "Pull failed, recloning working copy.",
			"repository", repo.Name, "error", err)
		if err := os.RemoveAll(dir); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		return m.clone(ctx, dir, repo, branch, auth)
	}
}

func (m *Manager) clone(ctx context.Context, dir string, repo types.GitRepository, branch string, auth transport.AuthMethod) (*git.Repository, error) {
	cloneCtx, cancel := context.WithTimeout(ctx, defaults.GitOpTimeout)
	defer cancel()
	gitRepo, err := git.PlainCloneContext(cloneCtx, dir, false, &git.CloneOptions{
		URL:             repo.URL,
		Auth:            auth,
		ReferenceName:   plumbing.NewBranchReferenceName(branch),
		SingleBranch:    true,
		InsecureSkipTLS: !repo.VerifySSL,
	})
	if err != nil {
		return nil, trace.ConnectionProblem(err, "cloning %v", repo.Name)
	}
	return gitRepo, nil
}

// WorkingCopy is a checked-out repository directory. It holds the
// per-repository lock; Release must be called when done.
type WorkingCopy struct {
	manager  *Manager
	lock     *sync.Mutex
	name     string
	dir      string
	sub      string
	branch   string
	auth     transport.AuthMethod
	insecure bool
	repo     *git.Repository

	releaseOnce sync.Once
}

// Root returns the directory files are written under: the working copy
// root joined with the repository's configured subpath.
func (w *WorkingCopy) Root() string {
	return filepath.Join(w.dir, filepath.FromSlash(w.sub))
}

// WriteFile writes data at a path relative to Root, creating parent
// directories. The rendered path must stay inside the working copy.
func (w *WorkingCopy) WriteFile(relpath string, data []byte) error {
	target := filepath.Join(w.Root(), filepath.FromSlash(relpath))
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), filepath.Clean(w.dir)+string(os.PathSeparator)) {
		return trace.BadParameter("path %q escapes the working copy", relpath)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// CommitAndPush stages everything, commits with the given message and
// pushes. Returns the new commit hash, or empty string when the working
// copy had no changes (no empty commits are created).
func (w *WorkingCopy) CommitAndPush(ctx context.Context, message string) (string, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", trace.Wrap(err, "staging changes in %v", w.name)
	}
	status, err := wt.Status()
	if err != nil {
		return "", trace.Wrap(err)
	}
	if status.IsClean() {
		return "", nil
	}

	now := w.manager.c.Clock.Now()
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  defaults.GitCommitterName,
			Email: defaults.GitCommitterEmail,
			When:  now,
		},
	})
	if err != nil {
		return "", trace.Wrap(err, "committing in %v", w.name)
	}

	pushCtx, cancel := context.WithTimeout(ctx, defaults.GitOpTimeout)
	defer cancel()
	err = w.repo.PushContext(pushCtx, &git.PushOptions{
		RemoteName:      git.DefaultRemoteName,
		Auth:            w.auth,
		InsecureSkipTLS: w.insecure,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", trace.ConnectionProblem(err, "pushing %v", w.name)
	}
	w.manager.c.Logger.InfoContext(ctx, "Pushed commit.",
		"repository", w.name, "branch", w.branch, "commit", hash.String())
	return hash.String(), nil
}

// Release unlocks the repository for the next task. Idempotent.
func (w *WorkingCopy) Release() {
	w.releaseOnce.Do(w.lock.Unlock)
}
