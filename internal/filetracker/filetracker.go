// Package filetracker reconstructs per-file state while the scanner
// walks history backwards. It is owned exclusively by the scanner for
// the duration of one scan and is never shared across goroutines, so it
// carries no internal locking.
package filetracker

import (
	"errors"
	"fmt"

	"github.com/codefang-dev/codefang/internal/message"
)

// ErrIntegrity is returned when reverse application would underflow a
// file's line count, indicating the diff and history disagree. This
// halts the scan.
var ErrIntegrity = errors.New("filetracker: line count underflow")

// State is the per-path record held by the Tracker. After processing
// commit C in reverse, State reflects the file as it existed immediately
// before C was applied, i.e. at C's parent.
type State struct {
	LineCount   int
	IsBinary    bool
	BinarySize  int64
	Exists      bool
	CurrentPath string
}

// Tracker maintains path -> State across a backwards traversal.
type Tracker struct {
	states map[string]State
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{states: make(map[string]State)}
}

// Seed populates the tracker from the starting tip's file listing, with
// each entry's line count (seeded elsewhere, typically from a forward pass
// over the blob) and binary status.
func (t *Tracker) Seed(path string, st State) {
	st.Exists = true
	st.CurrentPath = path
	t.states[path] = st
}

// Get returns the current state for path, if tracked.
func (t *Tracker) Get(path string) (State, bool) {
	st, ok := t.states[path]
	return st, ok
}

// Snapshot returns a read-only copy of the tracker's current state map.
func (t *Tracker) Snapshot() map[string]State {
	out := make(map[string]State, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}

	return out
}

// ApplyReverse updates tracked state to reflect the world immediately
// before commit C, given the per-file changes C introduced.
func (t *Tracker) ApplyReverse(changes []message.FileChange) error {
	for _, change := range changes {
		if err := t.applyOne(change); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tracker) applyOne(change message.FileChange) error {
	switch change.ChangeKind {
	case message.Added:
		delete(t.states, change.Path)

	case message.Deleted:
		// The file existed before this commit; re-insert it with the
		// pre-commit state. The diff for a deletion records every prior
		// line as removed (change.Deletions); walking backwards, those
		// lines are what come back into existence, so the pre-commit
		// line count is change.Deletions.
		t.states[change.Path] = State{
			LineCount:   change.Deletions,
			IsBinary:    change.IsBinary,
			BinarySize:  change.BinarySize,
			Exists:      true,
			CurrentPath: change.Path,
		}

	case message.Modified:
		return t.applyLineDelta(change.Path, change.Path, change)

	case message.Renamed, message.Copied:
		return t.applyRename(change)

	default:
		return fmt.Errorf("filetracker: unknown change kind %q for %s", change.ChangeKind, change.Path)
	}

	return nil
}

// applyRename moves the tracked state from the commit's new path to its
// old path, applying any accompanying line delta, so that subsequent
// (older) operations on the old path see continuous state.
func (t *Tracker) applyRename(change message.FileChange) error {
	cur, ok := t.states[change.Path]
	if !ok {
		cur = State{Exists: true}
	}

	newLines := cur.LineCount + change.Deletions - change.Insertions
	if newLines < 0 {
		return fmt.Errorf("%w: path %s would go negative (%d+%d-%d)",
			ErrIntegrity, change.OldPath, cur.LineCount, change.Deletions, change.Insertions)
	}

	delete(t.states, change.Path)

	t.states[change.OldPath] = State{
		LineCount:   newLines,
		IsBinary:    change.IsBinary,
		BinarySize:  change.BinarySize,
		Exists:      true,
		CurrentPath: change.OldPath,
	}

	return nil
}

// applyLineDelta implements new_lines = current_lines + deletions -
// insertions for a modified (non-renamed) file.
func (t *Tracker) applyLineDelta(readPath, writePath string, change message.FileChange) error {
	cur, ok := t.states[readPath]
	if !ok {
		cur = State{Exists: true}
	}

	if change.IsBinary {
		t.states[writePath] = State{
			LineCount:   cur.LineCount,
			IsBinary:    true,
			BinarySize:  change.BinarySize,
			Exists:      true,
			CurrentPath: writePath,
		}

		return nil
	}

	newLines := cur.LineCount + change.Deletions - change.Insertions
	if newLines < 0 {
		return fmt.Errorf("%w: path %s would go negative (%d+%d-%d)",
			ErrIntegrity, writePath, cur.LineCount, change.Deletions, change.Insertions)
	}

	t.states[writePath] = State{
		LineCount:   newLines,
		IsBinary:    false,
		Exists:      true,
		CurrentPath: writePath,
	}

	return nil
}
