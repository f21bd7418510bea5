package gitrepo

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Rename-detection constants, ported from src-d/hercules's RenameAnalysis:
// a size ratio cheaply rules out most non-matches before the more costly
// line-level similarity scan runs.
const (
	renameSimilarityThreshold = 80 // percent; matches RenameAnalysisDefaultThreshold
	renameMinimumBlobSize     = 32 // blobs smaller than this skip similarity scoring
	renameMaxCandidates       = 50
)

// correlateRenames re-pairs a raw tree diff's independent Insert and Delete
// changes into renames. go-git's merkletrie diff never produces a rename
// itself: Action() only ever reports Insert, Delete, or Modify, so a moved
// file surfaces as one Delete plus one Insert unless something pairs them
// back up before the patch is rendered. This runs that pairing in two
// stages - an exact blob-hash match for a plain move, then a size-close,
// content-similarity match via diffmatchpatch for a move that also edited
// the file - and renders the matched pairs as "rename from"/"rename to"
// diff text directly, since go-git's own Change.Patch() has no rename
// concept to drive off Change.From/To having different names. Unmatched
// inserts and deletes are left for the caller to render normally.
func (r *Repository) correlateRenames(changes object.Changes) (string, object.Changes, error) {
	rest := make(object.Changes, 0, len(changes))

	var deleted, added []*object.Change

	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return "", nil, fmt.Errorf("classify change action: %w", err)
		}

		switch action {
		case merkletrie.Insert:
			added = append(added, c)
		case merkletrie.Delete:
			deleted = append(deleted, c)
		default:
			rest = append(rest, c)
		}
	}

	deletedUsed := make([]bool, len(deleted))
	addedUsed := make([]bool, len(added))

	var renameText strings.Builder

	// Stage 1: exact hash match. A file moved without modification keeps
	// its blob hash, so the pairing is unambiguous and needs no content
	// comparison at all.
	for ai, a := range added {
		for di, d := range deleted {
			if deletedUsed[di] {
				continue
			}

			if a.To.TreeEntry.Hash == d.From.TreeEntry.Hash {
				renameText.WriteString(renameSection(d.From.Name, a.To.Name, 100, nil, nil))
				deletedUsed[di] = true
				addedUsed[ai] = true

				break
			}
		}
	}

	// Stage 2: size-close, content-similar match for files moved and
	// edited in the same commit, so the blob hash no longer lines up.
	candidates := 0

	for ai, a := range added {
		if addedUsed[ai] {
			continue
		}

		aSize, err := r.BlobSize(a.To.TreeEntry.Hash)
		if err != nil || aSize < renameMinimumBlobSize {
			continue
		}

		for di, d := range deleted {
			if deletedUsed[di] {
				continue
			}

			if candidates >= renameMaxCandidates {
				break
			}

			candidates++

			dSize, err := r.BlobSize(d.From.TreeEntry.Hash)
			if err != nil || dSize < renameMinimumBlobSize || !sizesAreClose(aSize, dSize, renameSimilarityThreshold) {
				continue
			}

			similar, percent, oldData, newData, err := r.blobsAreSimilar(d.From.TreeEntry.Hash, a.To.TreeEntry.Hash)
			if err != nil {
				return "", nil, err
			}

			if !similar {
				continue
			}

			renameText.WriteString(renameSection(d.From.Name, a.To.Name, percent, oldData, newData))
			deletedUsed[di] = true
			addedUsed[ai] = true

			break
		}
	}

	for di, d := range deleted {
		if !deletedUsed[di] {
			rest = append(rest, d)
		}
	}

	for ai, a := range added {
		if !addedUsed[ai] {
			rest = append(rest, a)
		}
	}

	return renameText.String(), rest, nil
}

// sizesAreClose reports whether two blob sizes are within threshold percent
// of each other, the same cheap prefilter hercules's RenameAnalysis applies
// before running a line-level diff.
func sizesAreClose(sizeA, sizeB int64, threshold int) bool {
	size := sizeA
	if sizeB > size {
		size = sizeB
	}

	if size < 1 {
		size = 1
	}

	delta := sizeA - sizeB
	if delta < 0 {
		delta = -delta
	}

	return (delta*10000)/size <= int64(100-threshold)*100
}

// blobsAreSimilar scores the content similarity of two blobs via a
// line-level diffmatchpatch diff, reporting whether it clears
// renameSimilarityThreshold along with the percentage and raw content, for
// rendering the rename's diff text. Binary blobs are never treated as
// rename candidates.
func (r *Repository) blobsAreSimilar(hashA, hashB plumbing.Hash) (bool, int, []byte, []byte, error) {
	dataA, err := r.ReadBlob(hashA)
	if err != nil {
		return false, 0, nil, nil, err
	}

	dataB, err := r.ReadBlob(hashB)
	if err != nil {
		return false, 0, nil, nil, err
	}

	if looksBinaryBlob(dataA) || looksBinaryBlob(dataB) {
		return false, 0, nil, nil, nil
	}

	dmp := diffmatchpatch.New()

	srcRunes, dstRunes, _ := dmp.DiffLinesToRunes(string(dataA), string(dataB))
	diffs := dmp.DiffMainRunes(srcRunes, dstRunes, false)

	maxLines := len(srcRunes)
	if len(dstRunes) > maxLines {
		maxLines = len(dstRunes)
	}

	if maxLines == 0 {
		return true, 100, dataA, dataB, nil
	}

	distance := dmp.DiffLevenshtein(diffs)
	percent := 100 - (distance*100)/maxLines

	return percent >= renameSimilarityThreshold, percent, dataA, dataB, nil
}

func looksBinaryBlob(data []byte) bool {
	const sniffLen = 8000

	if len(data) > sniffLen {
		data = data[:sniffLen]
	}

	return bytes.IndexByte(data, 0) >= 0
}

// renameSection renders one "diff --git"/"rename from"/"rename to" block.
// When oldData/newData are nil the match was exact and the section carries
// no hunk, matching a zero-edit rename's real git output; otherwise it
// renders a single whole-file hunk, which is sufficient for downstream
// insertion/deletion accounting even though it is not a minimal diff.
func renameSection(oldPath, newPath string, similarity int, oldData, newData []byte) string {
	var b strings.Builder

	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", oldPath, newPath)
	fmt.Fprintf(&b, "similarity index %d%%\n", similarity)
	fmt.Fprintf(&b, "rename from %s\n", oldPath)
	fmt.Fprintf(&b, "rename to %s\n", newPath)

	if oldData == nil && newData == nil {
		return b.String()
	}

	oldLines := splitLines(oldData)
	newLines := splitLines(newData)

	fmt.Fprintf(&b, "--- a/%s\n", oldPath)
	fmt.Fprintf(&b, "+++ b/%s\n", newPath)
	fmt.Fprintf(&b, "@@ -1,%d +1,%d @@\n", len(oldLines), len(newLines))

	for _, l := range oldLines {
		b.WriteString("-" + l + "\n")
	}

	for _, l := range newLines {
		b.WriteString("+" + l + "\n")
	}

	return b.String()
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}

	lines := strings.Split(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}
