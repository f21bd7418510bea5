// Package scanner implements an event-driven single-pass scanner: it
// walks a repository's history backwards, reconstructing file state via
// the file tracker, optionally checking out file content, and emitting
// an ordered message stream.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/codefang-dev/codefang/internal/checkout"
	"github.com/codefang-dev/codefang/internal/diffanalysis"
	"github.com/codefang-dev/codefang/internal/filetracker"
	"github.com/codefang-dev/codefang/internal/gitrepo"
	"github.com/codefang-dev/codefang/internal/message"
	"github.com/codefang-dev/codefang/internal/notify"
)

// Profile is the runtime scan profile, derived once at pipeline start and
// immutable for the life of the scan.
type Profile struct {
	CheckoutEnabled     bool
	CheckoutCurrentOnly bool
	CheckoutHistorical  bool
	EffectiveRoot       string
	MaxFileSize         int64 // 0 means unbounded
	StartRef            string
}

// Sink receives each message the scanner produces, in order. It is also
// used to route messages into the bounded queue; a Sink implementation
// that blocks on backpressure causes the scanner to block too rather than
// reorder messages to route around it.
type Sink func(message.Message) error

// Result summarises one completed scan.
type Result struct {
	CommitsVisited int
	FilesChanged   int
	Warnings       int
	Duration       time.Duration
}

// ErrRepositoryFatal wraps a failure to read a commit or its tree, which
// is always fatal to the scan.
type ErrRepositoryFatal struct {
	Commit string
	Err    error
}

// Error implements error.
func (e *ErrRepositoryFatal) Error() string {
	return fmt.Sprintf("scanner: fatal repository error at %s: %v", e.Commit, e.Err)
}

// Unwrap supports errors.Is/As.
func (e *ErrRepositoryFatal) Unwrap() error { return e.Err }

// Scanner orchestrates the Diff Analyser, File Tracker, and Checkout
// Manager for one repository traversal. It is the exclusive owner of its
// File Tracker and Checkout Manager for the scan's duration.
type Scanner struct {
	repo     *gitrepo.Repository
	tracker  *filetracker.Tracker
	checkout *checkout.Manager // nil when profile.CheckoutEnabled is false
	bus      *notify.Bus
	scanID   string
}

// New creates a Scanner over repo, optionally publishing lifecycle events
// to bus (may be nil). checkoutMgr may be nil when the profile disables
// checkout.
func New(repo *gitrepo.Repository, bus *notify.Bus, checkoutMgr *checkout.Manager, scanID string) *Scanner {
	return &Scanner{
		repo:     repo,
		tracker:  filetracker.New(),
		checkout: checkoutMgr,
		bus:      bus,
		scanID:   scanID,
	}
}

// Scan performs one full repository traversal, calling sink in order for
// every produced message and blocking on backpressure rather than
// reordering.
func (s *Scanner) Scan(ctx context.Context, profile Profile, sink Sink) (Result, error) {
	start := time.Now()

	if s.bus != nil {
		s.bus.Publish(notify.Event{Kind: notify.ScanStarted, ScanID: s.scanID})
	}

	head, err := s.repo.ResolveStart(profile.StartRef)
	if err != nil {
		return Result{}, &ErrRepositoryFatal{Commit: profile.StartRef, Err: err}
	}

	if err := s.seed(head); err != nil {
		return Result{}, &ErrRepositoryFatal{Commit: head.Hash.String(), Err: err}
	}

	commits, err := s.repo.AncestorsReverseChronological(head)
	if err != nil {
		return Result{}, &ErrRepositoryFatal{Commit: head.Hash.String(), Err: err}
	}

	result := Result{}

	for i, commit := range commits {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			return result, ctx.Err()
		default:
		}

		// commits is newest-first, so the first entry is the scan's
		// starting tip: the only commit CheckoutCurrentOnly checks out.
		isTip := i == 0

		warnings, err := s.processCommit(ctx, commit, profile, isTip, sink)
		if err != nil {
			return result, &ErrRepositoryFatal{Commit: commit.Hash.String(), Err: err}
		}

		result.CommitsVisited++
		result.Warnings += warnings

		if s.bus != nil && result.CommitsVisited%progressInterval == 0 {
			s.bus.Publish(notify.Event{
				Kind:      notify.ScanProgress,
				ScanID:    s.scanID,
				Processed: result.CommitsVisited,
				Duration:  time.Since(start),
			})
		}
	}

	result.Duration = time.Since(start)

	if s.bus != nil {
		s.bus.Publish(notify.Event{
			Kind:     notify.ScanCompleted,
			ScanID:   s.scanID,
			Duration: result.Duration,
			Warnings: result.Warnings,
		})
	}

	return result, nil
}

const progressInterval = 200

// seed populates the file tracker from head's tree, reading each blob to
// establish its starting line count (or binary status).
func (s *Scanner) seed(head *object.Commit) error {
	files, err := s.repo.TreeFiles(head)
	if err != nil {
		return err
	}

	for path, hash := range files {
		data, err := s.repo.ReadBlob(hash)
		if err != nil {
			continue
		}

		if looksBinary(data) {
			s.tracker.Seed(path, filetracker.State{IsBinary: true, BinarySize: int64(len(data))})
			continue
		}

		s.tracker.Seed(path, filetracker.State{LineCount: countLines(data)})
	}

	return nil
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	n := bytes.Count(data, []byte("\n"))
	if data[len(data)-1] != '\n' {
		n++
	}

	return n
}

func looksBinary(data []byte) bool {
	const sniffLen = 8000

	if len(data) > sniffLen {
		data = data[:sniffLen]
	}

	return bytes.IndexByte(data, 0) >= 0
}

// processCommit handles one commit: diffing it against its first parent,
// emitting CommitInfo and FileChange messages, and updating file state.
// isTip is true only for the scan's starting commit, the sole commit
// CheckoutCurrentOnly checks out content for.
func (s *Scanner) processCommit(ctx context.Context, commit *object.Commit, profile Profile, isTip bool, sink Sink) (int, error) {
	patchText, err := s.repo.UnifiedPatch(commit)
	if err != nil {
		return 0, err
	}

	sizer := blobSizer{repo: s.repo, commit: commit}

	changes, warnings, err := diffanalysis.Parse(patchText, sizer)
	if err != nil {
		return 0, err
	}

	for _, w := range warnings {
		if s.bus != nil {
			s.bus.Publish(notify.Event{
				Kind:        notify.ScanWarning,
				ScanID:      s.scanID,
				Message:     fmt.Sprintf("%s: %s", w.Path, w.Reason),
				Recoverable: true,
			})
		}
	}

	if err := sink(message.Message{Body: message.CommitInfo{
		Hash:      commit.Hash.String(),
		Author:    commit.Author.Name,
		Message:   commit.Message,
		Timestamp: commit.Author.When,
	}}); err != nil {
		return len(warnings), err
	}

	var handle checkout.Handle

	checkoutActive := s.checkout != nil && profile.CheckoutEnabled && (profile.CheckoutHistorical || isTip)
	if checkoutActive {
		handle, err = s.checkout.Prepare(commit.Hash.String(), changedBlobHashes(commit, changes))
		if err != nil {
			checkoutActive = false
		} else {
			defer s.checkout.Release(handle)
		}
	}

	extraWarnings := 0

	for i := range changes {
		change := changes[i]

		if checkoutActive && change.ChangeKind != message.Deleted {
			if path, ok := s.checkout.PathOf(handle, change.Path); ok {
				change.CheckoutPath = path
			} else if s.checkout.TooLarge(handle, change.Path) {
				extraWarnings++

				if s.bus != nil {
					s.bus.Publish(notify.Event{
						Kind:        notify.ScanWarning,
						ScanID:      s.scanID,
						Message:     fmt.Sprintf("%s: %v", change.Path, checkout.ErrFileTooLarge),
						Recoverable: true,
					})
				}
			}
		}

		if err := sink(message.Message{Body: change}); err != nil {
			return len(warnings) + extraWarnings, err
		}
	}

	if err := s.tracker.ApplyReverse(changes); err != nil {
		return len(warnings) + extraWarnings, err
	}

	return len(warnings) + extraWarnings, nil
}

// changedBlobHashes resolves the "to" blob hash for each added/modified
// file in changes, for checkout preparation. Renamed/copied files resolve
// on their new path's tree entry; deleted files are skipped since the
// checkout is scoped to the commit's post-change tree.
func changedBlobHashes(commit *object.Commit, changes []message.FileChange) map[string]plumbing.Hash {
	out := make(map[string]plumbing.Hash, len(changes))

	tree, err := commit.Tree()
	if err != nil {
		return out
	}

	for _, c := range changes {
		if c.ChangeKind == message.Deleted {
			continue
		}

		entry, err := tree.FindEntry(c.Path)
		if err != nil {
			continue
		}

		out[c.Path] = entry.Hash
	}

	return out
}

// blobSizer adapts gitrepo's blob-by-hash lookup to diffanalysis.BlobSizer,
// which resolves binary sizes by path within the commit being scanned.
type blobSizer struct {
	repo   *gitrepo.Repository
	commit *object.Commit
}

// BlobSize implements diffanalysis.BlobSizer.
func (b blobSizer) BlobSize(path string) (int64, error) {
	tree, err := b.commit.Tree()
	if err != nil {
		return 0, err
	}

	entry, err := tree.FindEntry(path)
	if err != nil {
		return 0, err
	}

	return b.repo.BlobSize(entry.Hash)
}
