package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "target.yaml"), nil, 0o644))
	// a directory with the same name doesn't count
	require.NoError(t, os.Mkdir(filepath.Join(deep, "target.yaml"), 0o755))

	found, err := FindUp("target.yaml", deep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "target.yaml"), found)

	found, err = FindUp("missing-8c1f.yaml", deep)
	require.NoError(t, err)
	assert.Equal(t, "", found)

	_, err = FindUp("target.yaml", filepath.Join(root, "nope"))
	assert.Error(t, err)
}
