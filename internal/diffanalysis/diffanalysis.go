// Package diffanalysis parses unified-diff text for a single commit into
// per-file change records with insertion/deletion counts and binary
// detection. It has no side effects and is deterministic: the only
// external input besides the diff text is a blob-size lookup used for
// binary files.
package diffanalysis

import (
	"fmt"
	"strings"

	"github.com/codefang-dev/codefang/internal/message"
)

// ParseError is returned for a malformed file header, carrying the byte
// offset at which parsing failed so the caller can report it precisely.
type ParseError struct {
	Offset int
	Reason string
}

// Error implements error.
func (e *ParseError) Error() string {
	return fmt.Sprintf("diffanalysis: malformed header at offset %d: %s", e.Offset, e.Reason)
}

// Warning describes a non-fatal anomaly for a single file record, such as
// an unrecognised line prefix inside a hunk, which is ignored rather than
// treated as a parse failure.
type Warning struct {
	Path   string
	Reason string
}

// BlobSizer resolves the byte size of a file by its path in the commit
// being parsed, used to populate BinarySize for files whose diff reports
// "Binary files ... differ" rather than textual hunks.
type BlobSizer interface {
	BlobSize(path string) (int64, error)
}

const (
	prefixDiffGit   = "diff --git "
	prefixOldFile   = "--- "
	prefixNewFile   = "+++ "
	prefixRenameOld = "rename from "
	prefixRenameNew = "rename to "
	prefixCopyOld   = "copy from "
	prefixCopyNew   = "copy to "
	prefixHunk      = "@@"
	binaryMarker    = "Binary files "
	devNull         = "/dev/null"
)

// fileSection is one "diff --git" block collected from the input text
// before it is interpreted into a FileChange.
type fileSection struct {
	headerLine string
	offset     int
	lines      []string
	oldPath    string
	newPath    string
	renamedOld string
	renamedNew string
	copiedOld  string
	copiedNew  string
	isBinary   bool
}

// Parse parses diffText (the output of a unified-diff generator for one
// commit against its first parent) into ordered FileChange records. sizer
// may be nil if no plugin requires binary sizes; BinarySize is then left
// zero and no Warning is raised.
func Parse(diffText string, sizer BlobSizer) ([]message.FileChange, []Warning, error) {
	sections, err := splitSections(diffText)
	if err != nil {
		return nil, nil, err
	}

	var (
		changes  []message.FileChange
		warnings []Warning
	)

	for _, sec := range sections {
		change, warn, err := interpretSection(sec, sizer)
		if err != nil {
			warnings = append(warnings, Warning{Path: sec.newPath, Reason: err.Error()})
			continue
		}

		if warn != nil {
			warnings = append(warnings, *warn)
		}

		changes = append(changes, change)
	}

	return changes, warnings, nil
}

// splitSections breaks diffText into one fileSection per "diff --git" line.
func splitSections(diffText string) ([]*fileSection, error) {
	var sections []*fileSection

	var current *fileSection

	offset := 0

	for _, line := range strings.Split(diffText, "\n") {
		lineOffset := offset
		offset += len(line) + 1

		switch {
		case strings.HasPrefix(line, prefixDiffGit):
			current = &fileSection{headerLine: line, offset: lineOffset}
			sections = append(sections, current)
		case current == nil:
			continue
		default:
			current.lines = append(current.lines, line)
		}
	}

	for _, sec := range sections {
		if err := sec.classify(); err != nil {
			return nil, err
		}
	}

	return sections, nil
}

// classify extracts paths and rename/copy/binary markers from a section's
// header line and body.
func (s *fileSection) classify() error {
	rest := strings.TrimPrefix(s.headerLine, prefixDiffGit)

	pathA, pathB, ok := splitGitPaths(rest)
	if !ok {
		return &ParseError{Offset: s.offset, Reason: "unparsable diff --git header: " + s.headerLine}
	}

	s.oldPath, s.newPath = pathA, pathB

	for _, line := range s.lines {
		switch {
		case strings.HasPrefix(line, prefixRenameOld):
			s.renamedOld = strings.TrimPrefix(line, prefixRenameOld)
		case strings.HasPrefix(line, prefixRenameNew):
			s.renamedNew = strings.TrimPrefix(line, prefixRenameNew)
		case strings.HasPrefix(line, prefixCopyOld):
			s.copiedOld = strings.TrimPrefix(line, prefixCopyOld)
		case strings.HasPrefix(line, prefixCopyNew):
			s.copiedNew = strings.TrimPrefix(line, prefixCopyNew)
		case strings.HasPrefix(line, prefixOldFile):
			if p := strings.TrimPrefix(line, prefixOldFile); !strings.Contains(p, devNull) {
				s.oldPath = trimDiffPrefix(p)
			}
		case strings.HasPrefix(line, prefixNewFile):
			if p := strings.TrimPrefix(line, prefixNewFile); !strings.Contains(p, devNull) {
				s.newPath = trimDiffPrefix(p)
			}
		case strings.HasPrefix(line, binaryMarker):
			s.isBinary = true
		}
	}

	return nil
}

// splitGitPaths splits the "a/<path> b/<path>" remainder of a diff --git
// header at the first " b/". Paths containing spaces make this ambiguous in
// the general case; classify replaces both paths with those named by any
// later --- / +++ line, so this split only stands when those lines are absent
// or name /dev/null.
func splitGitPaths(rest string) (string, string, bool) {
	idx := strings.Index(rest, " b/")
	if idx < 0 || !strings.HasPrefix(rest, "a/") {
		return "", "", false
	}

	return rest[2:idx], rest[idx+3:], true
}

func trimDiffPrefix(p string) string {
	p = strings.TrimSuffix(p, "\t")
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}

	return p
}

// interpretSection turns a classified fileSection into a FileChange,
// counting hunk +/- lines for textual files or resolving binary size.
func interpretSection(sec *fileSection, sizer BlobSizer) (message.FileChange, *Warning, error) {
	change := message.FileChange{Path: sec.newPath}

	switch {
	case sec.renamedOld != "" && sec.renamedNew != "":
		change.ChangeKind = message.Renamed
		change.OldPath = sec.renamedOld
		change.Path = sec.renamedNew
	case sec.copiedOld != "" && sec.copiedNew != "":
		change.ChangeKind = message.Copied
		change.OldPath = sec.copiedOld
		change.Path = sec.copiedNew
	case sec.oldPath == "" || sec.oldPath == sec.newPath && isNewFile(sec):
		change.ChangeKind = message.Added
	case isDeletedFile(sec):
		change.ChangeKind = message.Deleted
		change.Path = sec.oldPath
	default:
		change.ChangeKind = message.Modified
	}

	if sec.isBinary {
		change.IsBinary = true

		if sizer != nil {
			size, err := sizer.BlobSize(sec.newPath)
			if err == nil {
				change.BinarySize = size
			}
		}

		return change, nil, nil
	}

	ins, del, warn := countHunkLines(sec)
	change.Insertions = ins
	change.Deletions = del

	var w *Warning
	if warn != "" {
		w = &Warning{Path: change.Path, Reason: warn}
	}

	return change, w, nil
}

func isNewFile(sec *fileSection) bool {
	for _, l := range sec.lines {
		if strings.HasPrefix(l, prefixOldFile) && strings.Contains(l, devNull) {
			return true
		}
	}

	return false
}

func isDeletedFile(sec *fileSection) bool {
	for _, l := range sec.lines {
		if strings.HasPrefix(l, prefixNewFile) && strings.Contains(l, devNull) {
			return true
		}
	}

	return false
}

// countHunkLines counts +/- lines inside @@ hunks, ignoring the +++/---
// file headers and tolerating unknown prefixes for forward compatibility.
func countHunkLines(sec *fileSection) (insertions, deletions int, warning string) {
	inHunk := false

	for _, line := range sec.lines {
		switch {
		case strings.HasPrefix(line, prefixHunk):
			inHunk = true
		case !inHunk:
			continue
		case strings.HasPrefix(line, "+"):
			insertions++
		case strings.HasPrefix(line, "-"):
			deletions++
		case strings.HasPrefix(line, " "), line == "", strings.HasPrefix(line, "\\"):
			// context line, blank trailer, or "\ No newline at end of file".
		default:
			warning = "unrecognised hunk line prefix"
		}
	}

	return insertions, deletions, warning
}
