package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		path := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}
	return root
}

func TestFindFilesByExtension(t *testing.T) {
	root := writeTree(t,
		"b.yaml", "a.YML", "nested/c.yaml", "notes.txt",
		".scenegrid/cache/d.yaml",
	)

	got, err := FindFilesByExtension(root, ".yaml", ".yml")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.YML"),
		filepath.Join(root, "b.yaml"),
		filepath.Join(root, "nested", "c.yaml"),
	}, got)
}

func TestFindFilesByExtension_MissingRoot(t *testing.T) {
	_, err := FindFilesByExtension(filepath.Join(t.TempDir(), "nope"), ".hcl")
	assert.Error(t, err)
}

func TestContainsFiles(t *testing.T) {
	root := writeTree(t, "x/pipeline.hcl", "readme.md")

	ok, err := ContainsFiles(root, ".hcl")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ContainsFiles(root, ".yaml")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpand(t *testing.T) {
	root := writeTree(t, "defs/a.hcl", "defs/b.hcl", "extra.txt")
	extra := filepath.Join(root, "extra.txt")

	got, err := Expand([]string{extra, filepath.Join(root, "defs"), filepath.Join(root, "defs", "a.hcl")}, ".hcl")
	require.NoError(t, err)
	assert.Equal(t, []string{
		extra,
		filepath.Join(root, "defs", "a.hcl"),
		filepath.Join(root, "defs", "b.hcl"),
	}, got)

	_, err = Expand([]string{filepath.Join(root, "missing")}, ".hcl")
	assert.ErrorContains(t, err, "error accessing path")
}
