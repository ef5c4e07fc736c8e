package logstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncmesh/pkg/types"
)

func TestPutGetList(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Put("a.txt", types.FileRecord{Path: "a.txt", Size: 10, Hash: "H1"}))
	require.NoError(t, l.Put("b.txt", types.FileRecord{Path: "b.txt", Size: 20, Hash: "H2"}))

	rec, ok := l.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, "H1", rec.Hash)

	list := l.List()
	assert.Len(t, list, 2)
	assert.Equal(t, uint64(2), l.Version())
}

func TestDelTombstonesPath(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1"}))
	require.NoError(t, l.Del("a.txt"))

	_, ok := l.Get("a.txt")
	assert.False(t, ok)
	assert.Empty(t, l.List())
}

func TestDiffAddedChangedRemoved(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer l.Close()

	snap0 := l.Head()

	require.NoError(t, l.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1"}))
	require.NoError(t, l.Put("b.txt", types.FileRecord{Path: "b.txt", Hash: "H2"}))
	snap1 := l.Head()

	require.NoError(t, l.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1changed"}))
	require.NoError(t, l.Del("b.txt"))
	require.NoError(t, l.Put("c.txt", types.FileRecord{Path: "c.txt", Hash: "H3"}))

	diff, err := l.Diff(snap0)
	require.NoError(t, err)
	assert.Len(t, diff, 3) // a, b, c all touched since snap0

	byPath := map[string]DiffEntry{}
	for _, d := range diff {
		byPath[d.Path] = d
	}
	assert.Nil(t, byPath["a.txt"].Left)
	assert.Equal(t, "H1changed", byPath["a.txt"].Right.Hash)
	assert.Nil(t, byPath["b.txt"].Left)
	assert.Nil(t, byPath["b.txt"].Right)
	assert.Nil(t, byPath["c.txt"].Left)
	assert.Equal(t, "H3", byPath["c.txt"].Right.Hash)

	diffSincePrev, err := l.Diff(snap1)
	require.NoError(t, err)
	assert.Len(t, diffSincePrev, 3)
	byPath2 := map[string]DiffEntry{}
	for _, d := range diffSincePrev {
		byPath2[d.Path] = d
	}
	assert.Equal(t, "H1", byPath2["a.txt"].Left.Hash)
	assert.Equal(t, "H1changed", byPath2["a.txt"].Right.Hash)
	assert.Equal(t, "H2", byPath2["b.txt"].Left.Hash)
	assert.Nil(t, byPath2["b.txt"].Right)
}

func TestDiffNoEntriesWhenNoNewAppends(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Put("a.txt", types.FileRecord{Path: "a.txt", Hash: "H1"}))
	head := l.Head()

	diff, err := l.Diff(head)
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestOnAppendFiresWithNewVersion(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer l.Close()

	var seen []uint64
	l.OnAppend(func(v uint64) { seen = append(seen, v) })

	require.NoError(t, l.Put("a.txt", types.FileRecord{Path: "a.txt"}))
	require.NoError(t, l.Put("b.txt", types.FileRecord{Path: "b.txt"}))

	assert.Equal(t, []uint64{1, 2}, seen)
}
