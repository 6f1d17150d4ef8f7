package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithinRoot(t *testing.T) {
	base := t.TempDir()
	project := filepath.Join(base, "project")
	require.NoError(t, os.MkdirAll(project, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "file.txt"), []byte("x"), 0o644))

	root, err := NewRoot(base)
	require.NoError(t, err)

	got, err := root.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, root.Real, got)

	got, err = root.Resolve("project")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Real, "project"), got)

	got, err = root.Resolve(filepath.Join(root.Real, "project"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root.Real, "project"), got)

	_, err = root.Resolve("file.txt")
	assert.ErrorContains(t, err, "not a directory")

	_, err = root.Resolve(filepath.Dir(root.Real))
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = root.Resolve("../")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = root.Resolve("missing")
	assert.Error(t, err)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "escape")))

	root, err := NewRoot(base)
	require.NoError(t, err)
	_, err = root.Resolve("escape")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestContains(t *testing.T) {
	root := Root{Path: "/srv/base", Real: "/srv/base"}
	assert.True(t, root.Contains("/srv/base"))
	assert.True(t, root.Contains("/srv/base/a/b"))
	assert.False(t, root.Contains("/srv/basement"))
	assert.False(t, root.Contains("/srv"))
}
