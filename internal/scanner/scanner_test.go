package scanner_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefang-dev/codefang/internal/checkout"
	"github.com/codefang-dev/codefang/internal/gitrepo"
	"github.com/codefang-dev/codefang/internal/message"
	"github.com/codefang-dev/codefang/internal/notify"
	"github.com/codefang-dev/codefang/internal/scanner"
)

var testSignature = &object.Signature{
	Name:  "Test Author",
	Email: "test@example.com",
	When:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
}

func writeAndCommit(t *testing.T, repo *git.Repository, dir, path, content, msg string) {
	t.Helper()

	full := filepath.Join(dir, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)

	_, err = wt.Add(path)
	require.NoError(t, err)

	testSignature.When = testSignature.When.Add(time.Second)

	_, err = wt.Commit(msg, &git.CommitOptions{Author: testSignature})
	require.NoError(t, err)
}

func newTestRepo(t *testing.T) *gitrepo.Repository {
	t.Helper()

	dir := t.TempDir()

	raw, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeAndCommit(t, raw, dir, "a.go", "package a\n", "first")
	writeAndCommit(t, raw, dir, "a.go", "package a\nfunc F() {}\n", "second")

	r, err := gitrepo.Open(dir)
	require.NoError(t, err)

	return r
}

func TestScan_EmitsCommitInfoThenFileChangePerCommit(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	s := scanner.New(repo, nil, nil, "scan-1")

	var bodies []message.Body
	sink := func(m message.Message) error {
		bodies = append(bodies, m.Body)
		return nil
	}

	result, err := s.Scan(context.Background(), scanner.Profile{}, sink)

	require.NoError(t, err)
	assert.Equal(t, 2, result.CommitsVisited)

	require.Len(t, bodies, 4)
	assert.Equal(t, message.KindCommitInfo, bodies[0].Kind())
	assert.Equal(t, message.KindFileChange, bodies[1].Kind())
	assert.Equal(t, message.KindCommitInfo, bodies[2].Kind())
	assert.Equal(t, message.KindFileChange, bodies[3].Kind())

	// Newest-first: the second commit (a modification) precedes the first
	// (an addition).
	assert.Equal(t, "second", bodies[0].(message.CommitInfo).Message)
	assert.Equal(t, message.Modified, bodies[1].(message.FileChange).ChangeKind)
	assert.Equal(t, "first", bodies[2].(message.CommitInfo).Message)
	assert.Equal(t, message.Added, bodies[3].(message.FileChange).ChangeKind)
}

func TestScan_DetectsRenameAgainstRealDiff(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	raw, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeAndCommit(t, raw, dir, "old/name.go", "package a\n", "initial")

	wt, err := raw.Worktree()
	require.NoError(t, err)

	_, err = wt.Remove("old/name.go")
	require.NoError(t, err)

	writeAndCommit(t, raw, dir, "new/name.go", "package a\n", "rename")

	r, err := gitrepo.Open(dir)
	require.NoError(t, err)

	s := scanner.New(r, nil, nil, "scan-rename")

	var changes []message.FileChange
	sink := func(m message.Message) error {
		if fc, ok := m.Body.(message.FileChange); ok {
			changes = append(changes, fc)
		}
		return nil
	}

	_, err = s.Scan(context.Background(), scanner.Profile{}, sink)
	require.NoError(t, err)

	// Newest-first: the rename commit's change, then the root commit's
	// addition of old/name.go.
	require.Len(t, changes, 2)
	assert.Equal(t, message.Renamed, changes[0].ChangeKind)
	assert.Equal(t, "old/name.go", changes[0].OldPath)
	assert.Equal(t, "new/name.go", changes[0].Path)
}

func TestScan_OversizedFileGetsNoCheckoutPathAndAWarning(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	raw, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeAndCommit(t, raw, dir, "small.go", "x", "first")
	writeAndCommit(t, raw, dir, "big.go", "this content is deliberately longer than the max file size allowed", "second")

	r, err := gitrepo.Open(dir)
	require.NoError(t, err)

	mgr, err := checkout.New(r, t.TempDir(), 10)
	require.NoError(t, err)

	bus := notify.New(0)
	ch := bus.Subscribe("test", notify.Preferences{})

	s := scanner.New(r, bus, mgr, "scan-oversized")

	var changes []message.FileChange
	sink := func(m message.Message) error {
		if fc, ok := m.Body.(message.FileChange); ok {
			changes = append(changes, fc)
		}
		return nil
	}

	profile := scanner.Profile{CheckoutEnabled: true, CheckoutHistorical: true, MaxFileSize: 10}

	result, err := s.Scan(context.Background(), profile, sink)
	require.NoError(t, err)
	assert.Positive(t, result.Warnings)

	var big message.FileChange
	for _, c := range changes {
		if c.Path == "big.go" {
			big = c
		}
	}

	assert.Equal(t, "", big.CheckoutPath)

	var sawTooLargeWarning bool
	for {
		select {
		case e := <-ch:
			if e.Kind == notify.ScanWarning && strings.Contains(e.Message, "big.go") {
				sawTooLargeWarning = true
			}
		default:
			goto done
		}
	}

done:
	assert.True(t, sawTooLargeWarning)
}

func TestScan_CheckoutCurrentOnlyScopesToTipCommit(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)

	mgr, err := checkout.New(repo, t.TempDir(), 0)
	require.NoError(t, err)

	s := scanner.New(repo, nil, mgr, "scan-current-only")

	var changes []message.FileChange
	sink := func(m message.Message) error {
		if fc, ok := m.Body.(message.FileChange); ok {
			changes = append(changes, fc)
		}
		return nil
	}

	profile := scanner.Profile{CheckoutEnabled: true, CheckoutCurrentOnly: true}

	_, err = s.Scan(context.Background(), profile, sink)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	// changes[0] belongs to the tip commit ("second", a modification of
	// a.go) and is checked out; changes[1] belongs to "first", the root
	// commit, which CheckoutCurrentOnly excludes.
	assert.NotEqual(t, "", changes[0].CheckoutPath)
	assert.Equal(t, "", changes[1].CheckoutPath)
}

func TestScan_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	s := scanner.New(repo, nil, nil, "scan-2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Scan(ctx, scanner.Profile{}, func(message.Message) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.CommitsVisited)
}

func TestScan_SinkErrorIsFatal(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	s := scanner.New(repo, nil, nil, "scan-3")

	boom := assert.AnError
	sink := func(m message.Message) error {
		if m.Body.Kind() == message.KindFileChange {
			return boom
		}
		return nil
	}

	_, err := s.Scan(context.Background(), scanner.Profile{}, sink)

	require.Error(t, err)

	var fatal *scanner.ErrRepositoryFatal
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, boom)
}

func TestScan_PublishesStartedAndCompletedEvents(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	bus := notify.New(0)
	ch := bus.Subscribe("test", notify.Preferences{})

	s := scanner.New(repo, bus, nil, "scan-4")

	_, err := s.Scan(context.Background(), scanner.Profile{}, func(message.Message) error { return nil })
	require.NoError(t, err)

	var kinds []notify.EventKind
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			goto done
		}
	}

done:
	require.NotEmpty(t, kinds)
	assert.Equal(t, notify.ScanStarted, kinds[0])
	assert.Equal(t, notify.ScanCompleted, kinds[len(kinds)-1])
}
