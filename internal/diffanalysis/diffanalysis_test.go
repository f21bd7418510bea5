package diffanalysis_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefang-dev/codefang/internal/diffanalysis"
	"github.com/codefang-dev/codefang/internal/message"
)

type fakeSizer struct {
	sizes map[string]int64
}

func (f fakeSizer) BlobSize(hash string) (int64, error) {
	return f.sizes[hash], nil
}

func TestParse_ModifiedFile_CountsHunkLines(t *testing.T) {
	t.Parallel()

	diff := strings.Join([]string{
		"diff --git a/foo.go b/foo.go",
		"index abc123..def456 100644",
		"--- a/foo.go",
		"+++ b/foo.go",
		"@@ -1,3 +1,4 @@",
		" package foo",
		`+import "fmt"`,
		"-old line",
		" other",
		"",
	}, "\n")

	changes, warnings, err := diffanalysis.Parse(diff, nil)

	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, changes, 1)

	c := changes[0]
	assert.Equal(t, "foo.go", c.Path)
	assert.Equal(t, message.Modified, c.ChangeKind)
	assert.Equal(t, 1, c.Insertions)
	assert.Equal(t, 1, c.Deletions)
}

func TestParse_AddedFile(t *testing.T) {
	t.Parallel()

	diff := strings.Join([]string{
		"diff --git a/new.go b/new.go",
		"new file mode 100644",
		"index 0000000..abc123",
		"--- /dev/null",
		"+++ b/new.go",
		"@@ -0,0 +1,2 @@",
		"+line1",
		"+line2",
		"",
	}, "\n")

	changes, _, err := diffanalysis.Parse(diff, nil)

	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, message.Added, changes[0].ChangeKind)
	assert.Equal(t, "new.go", changes[0].Path)
	assert.Equal(t, 2, changes[0].Insertions)
}

func TestParse_DeletedFile(t *testing.T) {
	t.Parallel()

	diff := strings.Join([]string{
		"diff --git a/old.go b/old.go",
		"deleted file mode 100644",
		"index abc123..0000000",
		"--- a/old.go",
		"+++ /dev/null",
		"@@ -1,2 +0,0 @@",
		"-line1",
		"-line2",
		"",
	}, "\n")

	changes, _, err := diffanalysis.Parse(diff, nil)

	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, message.Deleted, changes[0].ChangeKind)
	assert.Equal(t, "old.go", changes[0].Path)
	assert.Equal(t, 2, changes[0].Deletions)
}

func TestParse_RenamedFile_NoHunk(t *testing.T) {
	t.Parallel()

	diff := strings.Join([]string{
		"diff --git a/old_name.go b/new_name.go",
		"similarity index 100%",
		"rename from old_name.go",
		"rename to new_name.go",
		"",
	}, "\n")

	changes, warnings, err := diffanalysis.Parse(diff, nil)

	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, changes, 1)

	c := changes[0]
	assert.Equal(t, message.Renamed, c.ChangeKind)
	assert.Equal(t, "old_name.go", c.OldPath)
	assert.Equal(t, "new_name.go", c.Path)
	assert.Zero(t, c.Insertions)
	assert.Zero(t, c.Deletions)
}

func TestParse_CopiedFile(t *testing.T) {
	t.Parallel()

	diff := strings.Join([]string{
		"diff --git a/orig.go b/copy.go",
		"similarity index 100%",
		"copy from orig.go",
		"copy to copy.go",
		"",
	}, "\n")

	changes, _, err := diffanalysis.Parse(diff, nil)

	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, message.Copied, changes[0].ChangeKind)
	assert.Equal(t, "orig.go", changes[0].OldPath)
	assert.Equal(t, "copy.go", changes[0].Path)
}

func TestParse_BinaryFile_ResolvesSizeFromSizer(t *testing.T) {
	t.Parallel()

	diff := strings.Join([]string{
		"diff --git a/image.png b/image.png",
		"index abc123..def456 100644",
		"Binary files a/image.png and b/image.png differ",
		"",
	}, "\n")

	sizer := fakeSizer{sizes: map[string]int64{"image.png": 4096}}

	changes, _, err := diffanalysis.Parse(diff, sizer)

	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].IsBinary)
	assert.Equal(t, int64(4096), changes[0].BinarySize)
}

func TestParse_MalformedHeader_ReturnsParseError(t *testing.T) {
	t.Parallel()

	diff := "diff --git nonsense\n"

	_, _, err := diffanalysis.Parse(diff, nil)

	require.Error(t, err)

	var parseErr *diffanalysis.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 0, parseErr.Offset)
}

func TestParse_UnrecognisedHunkPrefix_ProducesWarningNotError(t *testing.T) {
	t.Parallel()

	diff := strings.Join([]string{
		"diff --git a/foo.go b/foo.go",
		"index abc123..def456 100644",
		"--- a/foo.go",
		"+++ b/foo.go",
		"@@ -1,1 +1,1 @@",
		"!weird line",
		"",
	}, "\n")

	changes, warnings, err := diffanalysis.Parse(diff, nil)

	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Len(t, warnings, 1)
	assert.Equal(t, "foo.go", warnings[0].Path)
}

func TestParse_MultipleFilesInOneDiff(t *testing.T) {
	t.Parallel()

	diff := strings.Join([]string{
		"diff --git a/one.go b/one.go",
		"index abc123..def456 100644",
		"--- a/one.go",
		"+++ b/one.go",
		"@@ -1,1 +1,1 @@",
		"+added",
		"diff --git a/two.go b/two.go",
		"index abc123..def456 100644",
		"--- a/two.go",
		"+++ b/two.go",
		"@@ -1,1 +1,1 @@",
		"-removed",
		"",
	}, "\n")

	changes, _, err := diffanalysis.Parse(diff, nil)

	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "one.go", changes[0].Path)
	assert.Equal(t, "two.go", changes[1].Path)
}
