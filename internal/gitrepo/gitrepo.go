// Package gitrepo wraps github.com/go-git/go-git/v5 for the object-database
// access the scanner, file tracker, and checkout manager need: opening a
// repository, walking commit ancestry, diffing trees, and reading blobs.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrRepositoryLoad indicates the repository could not be opened.
var ErrRepositoryLoad = errors.New("failed to open repository")

// Repository wraps a go-git repository handle.
type Repository struct {
	repo *git.Repository
}

// Open opens the Git repository rooted at path (or any of its ancestor
// directories, per go-git's PlainOpenWithOptions detection-from-subdir
// behaviour).
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRepositoryLoad, path, err)
	}

	return &Repository{repo: repo}, nil
}

// ResolveStart resolves the scan's starting commit: an explicit hash, a
// branch/tag ref name, or HEAD when ref is empty.
func (r *Repository) ResolveStart(ref string) (*object.Commit, error) {
	var hash plumbing.Hash

	if ref == "" {
		head, err := r.repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD: %w", err)
		}

		hash = head.Hash()
	} else {
		resolved, err := r.repo.ResolveRevision(plumbing.Revision(ref))
		if err != nil {
			return nil, fmt.Errorf("resolve revision %q: %w", ref, err)
		}

		hash = *resolved
	}

	commit, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}

	return commit, nil
}

// AncestorsReverseChronological returns start and every ancestor reachable
// by following first parents and merge parents, ordered newest-first with
// a hash tie-break for commits sharing a timestamp.
func (r *Repository) AncestorsReverseChronological(start *object.Commit) ([]*object.Commit, error) {
	seen := make(map[plumbing.Hash]bool)
	var commits []*object.Commit

	queue := []*object.Commit{start}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		if seen[c.Hash] {
			continue
		}

		seen[c.Hash] = true
		commits = append(commits, c)

		err := c.Parents().ForEach(func(parent *object.Commit) error {
			if !seen[parent.Hash] {
				queue = append(queue, parent)
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk parents of %s: %w", c.Hash, err)
		}
	}

	sort.SliceStable(commits, func(i, j int) bool {
		ti, tj := commits[i].Author.When, commits[j].Author.When
		if !ti.Equal(tj) {
			return ti.After(tj)
		}

		return commits[i].Hash.String() > commits[j].Hash.String()
	})

	return commits, nil
}

// FirstParent returns c's first parent, or nil if c is a root commit.
func (r *Repository) FirstParent(c *object.Commit) (*object.Commit, error) {
	if c.NumParents() == 0 {
		return nil, nil
	}

	parent, err := c.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("load parent of %s: %w", c.Hash, err)
	}

	return parent, nil
}

// DiffAgainstFirstParent returns the tree changes between c and its first
// parent (or against an empty tree for root commits). For merge commits
// this diffs against the first parent only.
func (r *Repository) DiffAgainstFirstParent(c *object.Commit) (object.Changes, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", c.Hash, err)
	}

	parent, err := r.FirstParent(c)
	if err != nil {
		return nil, err
	}

	var parentTree *object.Tree
	if parent != nil {
		parentTree, err = parent.Tree()
		if err != nil {
			return nil, fmt.Errorf("load tree of %s: %w", parent.Hash, err)
		}
	}

	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil, fmt.Errorf("diff tree for %s: %w", c.Hash, err)
	}

	return changes, nil
}

// UnifiedPatch renders the unified-diff text for changes between c and
// its first parent, the textual input the diff analyser parses. Renamed
// and moved-and-edited files are correlated via correlateRenames before
// rendering, so the patch carries "rename from"/"rename to" headers
// instead of an unrelated delete and add.
func (r *Repository) UnifiedPatch(c *object.Commit) (string, error) {
	changes, err := r.DiffAgainstFirstParent(c)
	if err != nil {
		return "", err
	}

	renameText, rest, err := r.correlateRenames(changes)
	if err != nil {
		return "", fmt.Errorf("correlate renames for %s: %w", c.Hash, err)
	}

	patch, err := rest.Patch()
	if err != nil {
		return "", fmt.Errorf("build patch for %s: %w", c.Hash, err)
	}

	return renameText + patch.String(), nil
}

// BlobSize returns the size in bytes of the blob at hash.
func (r *Repository) BlobSize(hash plumbing.Hash) (int64, error) {
	blob, err := r.repo.BlobObject(hash)
	if err != nil {
		return 0, fmt.Errorf("load blob %s: %w", hash, err)
	}

	return blob.Size, nil
}

// ReadBlob returns the full content of the blob at hash.
func (r *Repository) ReadBlob(hash plumbing.Hash) ([]byte, error) {
	blob, err := r.repo.BlobObject(hash)
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", hash, err)
	}

	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", hash, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}

	return data, nil
}

// TreeFiles lists every file path and blob hash in commit c's tree, used
// to seed the File Tracker at the scan's starting commit.
func (r *Repository) TreeFiles(c *object.Commit) (map[string]plumbing.Hash, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", c.Hash, err)
	}

	files := make(map[string]plumbing.Hash)

	iter := tree.Files()
	defer iter.Close()

	for {
		file, err := iter.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, fmt.Errorf("walk tree of %s: %w", c.Hash, err)
		}

		files[file.Name] = file.Hash
	}

	return files, nil
}
