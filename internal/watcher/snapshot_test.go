package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeSnapshot_Missing(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nope")

	snap, err := takeSnapshot(p)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Equal(t, p, snap.Path)
}

func TestTakeSnapshot_File(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("12345"), 0o644))
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(p, mtime, mtime))

	snap, err := takeSnapshot(p)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, KindFile, snap.Kind)
	assert.Equal(t, int64(5), snap.Size)
	assert.True(t, snap.ModTime.Equal(mtime))
	assert.Nil(t, snap.Children)
}

func TestTakeSnapshot_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	snap, err := takeSnapshot(dir)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, snap.Kind)
	require.Len(t, snap.Children, 2)
	assert.Equal(t, KindFile, snap.Children["a.txt"].Kind)
	assert.Equal(t, int64(1), snap.Children["a.txt"].Size)
	assert.Equal(t, KindDirectory, snap.Children["sub"].Kind)
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	s := Snapshot{Path: "/d", Exists: true, Kind: KindDirectory, Children: map[string]ChildInfo{"a": {}}}

	c := s.Clone()
	c.Children["b"] = ChildInfo{}

	assert.Len(t, s.Children, 1)
	assert.Len(t, c.Children, 2)
}

func TestWalkTree_PreOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "b", "c"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b", "c", "deep.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b", "z.txt"), nil, 0o644))

	root, err := takeSnapshot(dir)
	require.NoError(t, err)

	var got []string
	for _, s := range walkTree(root) {
		rel, err := filepath.Rel(dir, s.Path)
		require.NoError(t, err)
		got = append(got, filepath.ToSlash(rel))
	}

	assert.Equal(t, []string{"a.txt", "b", "b/c", "b/c/deep.txt", "b/z.txt"}, got)
}

func TestContentChanged(t *testing.T) {
	now := time.Now()
	base := ChildInfo{Size: 3, ModTime: now}

	assert.False(t, contentChanged(base, base))
	assert.True(t, contentChanged(base, ChildInfo{Size: 4, ModTime: now}))
	assert.True(t, contentChanged(base, ChildInfo{Size: 3, ModTime: now.Add(time.Second)}))
}
