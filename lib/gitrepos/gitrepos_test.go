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

package gitrepos

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/netcockpit/cockpit/api/types"
	"github.com/netcockpit/cockpit/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

// newOrigin creates a bare repository seeded with one commit on master
// and returns its path, usable as a clone URL.
func newOrigin(t *testing.T) string {
	t.Helper()
	originDir := t.TempDir()
	_, err := git.PlainInit(originDir, true)
	require.NoError(t, err)

	seedDir := t.TempDir()
	seed, err := git.PlainInit(seedDir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("seed\n"), 0o600))
	wt, err := seed.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@test", When: time.Now()},
	})
	require.NoError(t, err)
	_, err = seed.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{originDir},
	})
	require.NoError(t, err)
	require.NoError(t, seed.Push(&git.PushOptions{RemoteName: git.DefaultRemoteName}))
	return originDir
}

func testRepo(url string) types.GitRepository {
	return types.GitRepository{
		Name:     "backups",
		URL:      url,
		Branch:   "master",
		AuthType: types.GitAuthNone,
		Active:   true,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(ManagerConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return mgr
}

func TestCheckoutCommitPush(t *testing.T) {
	ctx := context.Background()
	origin := newOrigin(t)
	mgr := newTestManager(t)
	repo := testRepo(origin)

	wc, err := mgr.Checkout(ctx, repo, nil)
	require.NoError(t, err)
	defer wc.Release()

	require.NoError(t, wc.WriteFile("site1/sw1.cfg", []byte("hostname sw1\n")))
	require.NoError(t, wc.WriteFile("site1/sw2.cfg", []byte("hostname sw2\n")))

	hash, err := wc.CommitAndPush(ctx, "config backup")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	// The origin head must now point at the new commit.
	bare, err := git.PlainOpen(origin)
	require.NoError(t, err)
	ref, err := bare.Reference(plumbing.NewBranchReferenceName("master"), true)
	require.NoError(t, err)
	require.Equal(t, hash, ref.Hash().String())
}

func TestCommitAndPushNoChanges(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	wc, err := mgr.Checkout(ctx, testRepo(newOrigin(t)), nil)
	require.NoError(t, err)
	defer wc.Release()

	hash, err := wc.CommitAndPush(ctx, "nothing to do")
	require.NoError(t, err)
	require.Empty(t, hash)
}

func TestCheckoutReusesWorkingCopy(t *testing.T) {
	ctx := context.Background()
	origin := newOrigin(t)
	mgr := newTestManager(t)
	repo := testRepo(origin)

	wc, err := mgr.Checkout(ctx, repo, nil)
	require.NoError(t, err)
	require.NoError(t, wc.WriteFile("a.cfg", []byte("a\n")))
	_, err = wc.CommitAndPush(ctx, "first")
	require.NoError(t, err)
	firstDir := wc.Root()
	wc.Release()

	// Second checkout opens the same directory and sees the pushed file.
	wc2, err := mgr.Checkout(ctx, repo, nil)
	require.NoError(t, err)
	defer wc2.Release()
	require.Equal(t, firstDir, wc2.Root())
	_, err = os.Stat(filepath.Join(wc2.Root(), "a.cfg"))
	require.NoError(t, err)
}

func TestCheckoutKeepsUncommittedFiles(t *testing.T) {
	ctx := context.Background()
	origin := newOrigin(t)
	mgr := newTestManager(t)
	repo := testRepo(origin)

	// One task writes its file and releases without committing.
	wc, err := mgr.Checkout(ctx, repo, nil)
	require.NoError(t, err)
	require.NoError(t, wc.WriteFile("site1/sw1.cfg", []byte("hostname sw1\n")))
	wc.Release()

	// The run finaliser checks out again and commits what the task wrote.
	wc2, err := mgr.Checkout(ctx, repo, nil)
	require.NoError(t, err)
	defer wc2.Release()
	hash, err := wc2.CommitAndPush(ctx, "backup run")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	bare, err := git.PlainOpen(origin)
	require.NoError(t, err)
	ref, err := bare.Reference(plumbing.NewBranchReferenceName("master"), true)
	require.NoError(t, err)
	commit, err := bare.CommitObject(ref.Hash())
	require.NoError(t, err)
	_, err = commit.File("site1/sw1.cfg")
	require.NoError(t, err)
}

func TestCheckoutSubPath(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	repo := testRepo(newOrigin(t))
	repo.Path = "configs/site1"

	wc, err := mgr.Checkout(ctx, repo, nil)
	require.NoError(t, err)
	defer wc.Release()

	require.NoError(t, wc.WriteFile("sw1.cfg", []byte("hostname sw1\n")))
	_, err = os.Stat(filepath.Join(wc.Root(), "sw1.cfg"))
	require.NoError(t, err)
	require.Contains(t, wc.Root(), filepath.Join("configs", "site1"))
}

func TestWriteFileRejectsEscape(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	wc, err := mgr.Checkout(ctx, testRepo(newOrigin(t)), nil)
	require.NoError(t, err)
	defer wc.Release()

	err = wc.WriteFile("../../etc/passwd", []byte("nope"))
	require.True(t, trace.IsBadParameter(err))
}

func TestReleaseUnblocksNextCheckout(t *testing.T) {
	ctx := context.Background()
	origin := newOrigin(t)
	mgr := newTestManager(t)
	repo := testRepo(origin)

	wc, err := mgr.Checkout(ctx, repo, nil)
	require.NoError(t, err)
	wc.Release()
	wc.Release() // double release is safe

	done := make(chan struct{})
	go func() {
		wc2, err := mgr.Checkout(ctx, repo, nil)
		if err == nil {
			wc2.Release()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("checkout after release did not complete")
	}
}

func TestBuildAuth(t *testing.T) {
	token := types.GitRepository{Name: "r", URL: "https://host/r.git", AuthType: types.GitAuthToken, CredentialName: "tok"}
	auth, err := BuildAuth(token, Secret{Password: "s3cr3t"})
	require.NoError(t, err)
	basic, ok := auth.(*githttp.BasicAuth)
	require.True(t, ok)
	require.Equal(t, "token", basic.Username)
	require.Equal(t, "s3cr3t", basic.Password)

	_, err = BuildAuth(token, Secret{})
	require.True(t, trace.IsBadParameter(err))

	none := types.GitRepository{Name: "r", URL: "https://host/r.git", AuthType: types.GitAuthNone}
	auth, err = BuildAuth(none, Secret{})
	require.NoError(t, err)
	require.Nil(t, auth)

	sshRepo := types.GitRepository{Name: "r", URL: "git@host:r.git", AuthType: types.GitAuthSSHKey, CredentialName: "key"}
	_, err = BuildAuth(sshRepo, Secret{})
	require.True(t, trace.IsBadParameter(err))

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := cryptossh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	auth, err = BuildAuth(sshRepo, Secret{PrivateKey: pem.EncodeToMemory(block)})
	require.NoError(t, err)
	require.NotNil(t, auth)
}
