package checkout_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefang-dev/codefang/internal/checkout"
	"github.com/codefang-dev/codefang/internal/gitrepo"
)

var testSignature = &object.Signature{
	Name:  "Test Author",
	Email: "test@example.com",
	When:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
}

func newTestRepoWithFiles(t *testing.T, files map[string]string) *gitrepo.Repository {
	t.Helper()

	dir := t.TempDir()

	raw, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := raw.Worktree()
	require.NoError(t, err)

	for path, content := range files {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

		_, err := wt.Add(path)
		require.NoError(t, err)
	}

	_, err = wt.Commit("initial", &git.CommitOptions{Author: testSignature})
	require.NoError(t, err)

	r, err := gitrepo.Open(dir)
	require.NoError(t, err)

	return r
}

func TestPrepare_MaterialisesBlobContent(t *testing.T) {
	t.Parallel()

	repo := newTestRepoWithFiles(t, map[string]string{"a.go": "package a\n"})

	commit, err := repo.ResolveStart("")
	require.NoError(t, err)

	files, err := repo.TreeFiles(commit)
	require.NoError(t, err)

	mgr, err := checkout.New(repo, t.TempDir(), 0)
	require.NoError(t, err)

	handle, err := mgr.Prepare(commit.Hash.String(), files)
	require.NoError(t, err)

	path, ok := mgr.PathOf(handle, "a.go")
	assert.True(t, ok)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package a\n", string(content))
}

func TestPrepare_SkipsFilesOverMaxFileSize(t *testing.T) {
	t.Parallel()

	repo := newTestRepoWithFiles(t, map[string]string{
		"small.go": "x",
		"big.go":   "this content is deliberately longer than the max file size allowed",
	})

	commit, err := repo.ResolveStart("")
	require.NoError(t, err)

	files, err := repo.TreeFiles(commit)
	require.NoError(t, err)

	mgr, err := checkout.New(repo, t.TempDir(), 10)
	require.NoError(t, err)

	handle, err := mgr.Prepare(commit.Hash.String(), files)
	require.NoError(t, err)

	smallPath, ok := mgr.PathOf(handle, "small.go")
	assert.True(t, ok)
	assert.False(t, mgr.TooLarge(handle, "small.go"))

	_, err = os.Stat(smallPath)
	assert.NoError(t, err)

	bigPath, ok := mgr.PathOf(handle, "big.go")
	assert.False(t, ok)
	assert.True(t, mgr.TooLarge(handle, "big.go"))

	_, err = os.Stat(bigPath)
	assert.True(t, os.IsNotExist(err))
}

func TestPrepare_DeduplicatesConcurrentCallsForSameCommit(t *testing.T) {
	t.Parallel()

	repo := newTestRepoWithFiles(t, map[string]string{"a.go": "package a\n"})

	commit, err := repo.ResolveStart("")
	require.NoError(t, err)

	files, err := repo.TreeFiles(commit)
	require.NoError(t, err)

	mgr, err := checkout.New(repo, t.TempDir(), 0)
	require.NoError(t, err)

	results := make(chan checkout.Handle, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := mgr.Prepare(commit.Hash.String(), files)
			require.NoError(t, err)
			results <- h
		}()
	}

	h1 := <-results
	h2 := <-results

	path1, ok1 := mgr.PathOf(h1, "a.go")
	path2, ok2 := mgr.PathOf(h2, "a.go")
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, path1, path2)
}

func TestRelease_RemovesCheckoutDirectory(t *testing.T) {
	t.Parallel()

	repo := newTestRepoWithFiles(t, map[string]string{"a.go": "package a\n"})

	commit, err := repo.ResolveStart("")
	require.NoError(t, err)

	files, err := repo.TreeFiles(commit)
	require.NoError(t, err)

	mgr, err := checkout.New(repo, t.TempDir(), 0)
	require.NoError(t, err)

	handle, err := mgr.Prepare(commit.Hash.String(), files)
	require.NoError(t, err)

	path, ok := mgr.PathOf(handle, "a.go")
	require.True(t, ok)

	require.NoError(t, mgr.Release(handle))

	_, err = os.Stat(filepath.Dir(path))
	assert.True(t, os.IsNotExist(err))
}

func TestClose_RemovesRoot(t *testing.T) {
	t.Parallel()

	repo := newTestRepoWithFiles(t, map[string]string{"a.go": "package a\n"})

	root := t.TempDir()
	mgr, err := checkout.New(repo, root, 0)
	require.NoError(t, err)

	require.NoError(t, mgr.Close())

	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

func TestBytesOnDiskGauge_ReflectsMaterialisedContent(t *testing.T) {
	t.Parallel()

	repo := newTestRepoWithFiles(t, map[string]string{"a.go": "package a\n"})

	commit, err := repo.ResolveStart("")
	require.NoError(t, err)

	files, err := repo.TreeFiles(commit)
	require.NoError(t, err)

	mgr, err := checkout.New(repo, t.TempDir(), 0)
	require.NoError(t, err)

	_, err = mgr.Prepare(commit.Hash.String(), files)
	require.NoError(t, err)

	assert.NotEmpty(t, mgr.BytesOnDiskGauge())
}
