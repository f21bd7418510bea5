// Package checkout materialises file blobs at a given commit into a
// scoped temporary directory. A Manager is created only when the runtime
// scan profile enables checkout.
package checkout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/codefang-dev/codefang/internal/gitrepo"
)

// ErrFileTooLarge is the warning-level condition raised when a file's blob
// exceeds the runtime scan profile's MaxFileSize.
var ErrFileTooLarge = errors.New("checkout: file exceeds max file size")

// Handle identifies one commit's prepared checkout directory, along with
// the per-file materialisation outcome for that commit.
type Handle struct {
	commitHash string
	dir        string
	written    map[string]bool
	tooLarge   map[string]bool
}

// Manager materialises and releases per-commit checkout directories.
type Manager struct {
	repo        *gitrepo.Repository
	root        string
	maxFileSize int64

	mu      sync.Mutex
	prepped map[string]*preparation

	bytesOnDisk int64 // atomic-like gauge, guarded by mu
}

type preparation struct {
	done     chan struct{}
	dir      string
	written  map[string]bool
	tooLarge map[string]bool
	err      error
}

// New creates a Manager rooted at root (created if absent). maxFileSize of
// 0 means unbounded.
func New(repo *gitrepo.Repository, root string, maxFileSize int64) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkout: create root %s: %w", root, err)
	}

	return &Manager{
		repo:        repo,
		root:        root,
		maxFileSize: maxFileSize,
		prepped:     make(map[string]*preparation),
	}, nil
}

// Prepare materialises the blobs named by files (path -> blob hash) for
// commitHash into a per-commit subdirectory, returning a Handle. Concurrent
// calls for the same commit hash deduplicate onto the same preparation.
func (m *Manager) Prepare(commitHash string, files map[string]plumbing.Hash) (Handle, error) {
	m.mu.Lock()

	prep, exists := m.prepped[commitHash]
	if !exists {
		prep = &preparation{done: make(chan struct{})}
		m.prepped[commitHash] = prep
		m.mu.Unlock()

		prep.dir, prep.written, prep.tooLarge, prep.err = m.materialise(commitHash, files)
		close(prep.done)
	} else {
		m.mu.Unlock()
		<-prep.done
	}

	if prep.err != nil {
		return Handle{}, prep.err
	}

	return Handle{commitHash: commitHash, dir: prep.dir, written: prep.written, tooLarge: prep.tooLarge}, nil
}

// materialise writes each blob in files to disk, skipping (without error)
// any blob it cannot size or read, and any blob exceeding maxFileSize. It
// reports which paths actually landed on disk and which were skipped for
// exceeding maxFileSize, so callers can distinguish FileTooLarge from other
// skip causes.
func (m *Manager) materialise(commitHash string, files map[string]plumbing.Hash) (string, map[string]bool, map[string]bool, error) {
	dir := filepath.Join(m.root, commitHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, nil, fmt.Errorf("checkout: create commit dir: %w", err)
	}

	written := make(map[string]bool, len(files))
	tooLarge := make(map[string]bool)

	var bytesWritten int64

	for path, hash := range files {
		size, err := m.repo.BlobSize(hash)
		if err != nil {
			continue // non-fatal: the file is left without a checkout path
		}

		if m.maxFileSize > 0 && size > m.maxFileSize {
			tooLarge[path] = true
			continue // FileTooLarge: checkout_path stays none for this file
		}

		data, err := m.repo.ReadBlob(hash)
		if err != nil {
			continue
		}

		dest := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", nil, nil, fmt.Errorf("checkout: create parent dir for %s: %w", path, err)
		}

		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return "", nil, nil, fmt.Errorf("checkout: write %s: %w", path, err)
		}

		written[path] = true
		bytesWritten += int64(len(data))
	}

	m.mu.Lock()
	m.bytesOnDisk += bytesWritten
	m.mu.Unlock()

	return dir, written, tooLarge, nil
}

// PathOf returns the local filesystem path for path within h's checkout
// directory, and whether path was actually materialised to disk. ok is
// false when the blob was skipped (e.g. for exceeding MaxFileSize, or a
// read failure), in which case the caller must not treat the returned path
// as valid.
func (m *Manager) PathOf(h Handle, path string) (string, bool) {
	return filepath.Join(h.dir, path), h.written[path]
}

// TooLarge reports whether path was skipped during materialisation for
// exceeding the Manager's MaxFileSize ceiling, as opposed to some other
// skip cause.
func (m *Manager) TooLarge(h Handle, path string) bool {
	return h.tooLarge[path]
}

// Release deletes h's checkout subdirectory and its contents. It must be
// invoked on every exit path, including error paths.
func (m *Manager) Release(h Handle) error {
	m.mu.Lock()
	delete(m.prepped, h.commitHash)
	m.mu.Unlock()

	if h.dir == "" {
		return nil
	}

	var released int64

	for path := range h.written {
		if info, err := os.Stat(filepath.Join(h.dir, path)); err == nil {
			released += info.Size()
		}
	}

	if err := os.RemoveAll(h.dir); err != nil {
		return fmt.Errorf("checkout: release %s: %w", h.dir, err)
	}

	m.mu.Lock()
	m.bytesOnDisk -= released
	m.mu.Unlock()

	return nil
}

// Close deletes the checkout manager's entire root directory, invoked on
// pipeline shutdown.
func (m *Manager) Close() error {
	return os.RemoveAll(m.root)
}

// BytesOnDiskGauge returns a human-readable rendering of the current
// estimated on-disk checkout footprint, for logging and diagnostics.
func (m *Manager) BytesOnDiskGauge() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return humanize.Bytes(uint64(m.bytesOnDisk))
}
