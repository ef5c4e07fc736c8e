package hashutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFileMatchesKnownVector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	hash, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", hash)
}

func TestHashFileMissingIsIOError(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestNormalizeRelPathForwardSlashes(t *testing.T) {
	rel, err := NormalizeRelPath("/root/watch", filepath.Join("/root/watch", "nested", "folder", "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, "nested/folder/data.bin", rel)
}

func TestDrivePathAddsLeadingSlash(t *testing.T) {
	assert.Equal(t, "/nested/data.bin", DrivePath("nested/data.bin"))
	assert.Equal(t, "/already/slashed", DrivePath("/already/slashed"))
}
