package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/listenupapp/filenotify/internal/errors"
)

func TestRegistry_RegisterRejectsBadPaths(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"relative", "some/dir"},
		{"dot relative", "./file.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.path, WatchOptions{}, newRecorder("o"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domainerrors.ErrInvalidPath))
		})
	}
	assert.Zero(t, r.Len())
}

func TestRegistry_RegisterRequiresObserver(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register(tempDir(t), WatchOptions{}, nil)
	assert.True(t, errors.Is(err, domainerrors.ErrValidation))
}

func TestRegistry_RegisterPending(t *testing.T) {
	dir := tempDir(t)
	r := NewRegistry()

	h, err := r.Register(filepath.Join(dir, "later.txt"), WatchOptions{}, newRecorder("o"))
	require.NoError(t, err)
	assert.False(t, h.IsZero())
	assert.Equal(t, filepath.Join(dir, "later.txt"), h.Path())

	wp, ok := r.Get(h.Path())
	require.True(t, ok)
	assert.False(t, wp.Snapshot.Exists)
	assert.Equal(t, KindFile, wp.Kind)

	h2, err := r.Register(filepath.Join(dir, "later-dir"), WatchOptions{Recursive: true}, newRecorder("o"))
	require.NoError(t, err)
	wp, ok = r.Get(h2.Path())
	require.True(t, ok)
	assert.Equal(t, KindDirectory, wp.Kind, "a pending recursive watch expects a directory")
}

func TestRegistry_RegisterMergesObservers(t *testing.T) {
	dir := tempDir(t)
	r := NewRegistry()

	h1, err := r.Register(dir, WatchOptions{Mask: EventCreated}, newRecorder("a"))
	require.NoError(t, err)
	h2, err := r.Register(dir, WatchOptions{Mask: EventDeleted, Recursive: true}, newRecorder("b"))
	require.NoError(t, err)

	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Equal(t, 1, r.ObservedCount())

	wp, ok := r.Get(dir)
	require.True(t, ok)
	assert.Equal(t, 2, wp.Observers)
	assert.Equal(t, EventCreated|EventDeleted, wp.Mask)
	assert.True(t, wp.Recursive)
}

func TestRegistry_RecursiveCreatesImplicitEntries(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "c"), 0o755))
	writeFile(t, filepath.Join(dir, "a", "f.txt"), "x")

	r := NewRegistry()
	h, err := r.Register(dir, WatchOptions{Recursive: true}, newRecorder("o"))
	require.NoError(t, err)

	assert.Equal(t, 4, r.Len(), "root plus a, a/b and c")
	assert.Equal(t, 1, r.ObservedCount())

	wp, ok := r.Get(filepath.Join(dir, "a", "b"))
	require.True(t, ok)
	assert.True(t, wp.Implicit)

	_, ok = r.Get(filepath.Join(dir, "a", "f.txt"))
	assert.False(t, ok, "files are tracked through their parent")

	_, ok = r.Unregister(h)
	require.True(t, ok)
	assert.Zero(t, r.Len(), "implicit entries go with their owner")
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	h, err := r.Register(tempDir(t), WatchOptions{}, newRecorder("o"))
	require.NoError(t, err)

	res, ok := r.Unregister(h)
	require.True(t, ok)
	assert.True(t, res.Removed)
	assert.Zero(t, r.Len())

	_, ok = r.Unregister(h)
	assert.False(t, ok)
	_, ok = r.Unregister(Handle{})
	assert.False(t, ok)
}

func TestRegistry_UnregisterDemotesCoveredDirectory(t *testing.T) {
	dir := tempDir(t)
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	r := NewRegistry()
	_, err := r.Register(dir, WatchOptions{Recursive: true}, newRecorder("root"))
	require.NoError(t, err)
	h, err := r.Register(sub, WatchOptions{}, newRecorder("sub"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.ObservedCount())

	res, ok := r.Unregister(h)
	require.True(t, ok)
	assert.True(t, res.Demoted)
	assert.Equal(t, 1, r.ObservedCount())

	wp, ok := r.Get(sub)
	require.True(t, ok)
	assert.True(t, wp.Implicit)
}

func TestRegistry_UnregisterLosingRecursionPrunes(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	r := NewRegistry()
	_, err := r.Register(dir, WatchOptions{}, newRecorder("flat"))
	require.NoError(t, err)
	h, err := r.Register(dir, WatchOptions{Recursive: true}, newRecorder("deep"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	res, ok := r.Unregister(h)
	require.True(t, ok)
	assert.True(t, res.LostRecursion)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SnapshotUpdateChecksGeneration(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "one")

	r := NewRegistry()
	h, err := r.Register(path, WatchOptions{}, newRecorder("o"))
	require.NoError(t, err)

	view := r.View("")
	require.Len(t, view.Entries, 1)
	stale := view.Entries[0]

	r.Unregister(h)
	_, err = r.Register(path, WatchOptions{}, newRecorder("o"))
	require.NoError(t, err)

	snap, err := takeSnapshot(path)
	require.NoError(t, err)
	snap.Size = 999
	assert.False(t, r.ApplySnapshotUpdate(SnapshotUpdate{Snapshot: snap, Generation: stale.Generation}))

	fresh := r.View("").Entries[0]
	assert.True(t, r.ApplySnapshotUpdate(SnapshotUpdate{Snapshot: snap, Generation: fresh.Generation}))
	wp, _ := r.Get(path)
	assert.Equal(t, int64(999), wp.Snapshot.Size)
}

func TestRegistry_Subscribers(t *testing.T) {
	root := tempDir(t)
	d := filepath.Join(root, "d")
	sub := filepath.Join(d, "sub")
	f := filepath.Join(sub, "f.txt")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	writeFile(t, f, "x")

	top, deep, parent, self, deletes := newRecorder("top"), newRecorder("deep"), newRecorder("parent"), newRecorder("self"), newRecorder("deletes")
	r := NewRegistry()
	for _, reg := range []struct {
		path string
		opts WatchOptions
		o    Observer
	}{
		{root, WatchOptions{}, top},
		{d, WatchOptions{Recursive: true}, deep},
		{sub, WatchOptions{}, parent},
		{f, WatchOptions{}, self},
		{f, WatchOptions{Mask: EventDeleted}, deletes},
	} {
		_, err := r.Register(reg.path, reg.opts, reg.o)
		require.NoError(t, err)
	}

	got := r.Subscribers(f, EventModified)
	assert.ElementsMatch(t, []Observer{self, parent, deep}, got)

	got = r.Subscribers(f, EventDeleted)
	assert.ElementsMatch(t, []Observer{self, deletes, parent, deep}, got)

	got = r.Subscribers(filepath.Join(d, "new.txt"), EventCreated)
	assert.ElementsMatch(t, []Observer{deep}, got, "non-recursive grandparent is not told")

	got = r.Subscribers(filepath.Join(root, "x"), EventCreated)
	assert.ElementsMatch(t, []Observer{top}, got)
}

func TestRegistry_ApplyTracksNewDirectoriesUnderRecursiveOwner(t *testing.T) {
	dir := tempDir(t)
	o := newRecorder("o")
	r := NewRegistry()
	_, err := r.Register(dir, WatchOptions{Recursive: true}, o)
	require.NoError(t, err)
	require.True(t, r.Assign(dir, backendPolling))

	newDir := filepath.Join(dir, "new")
	res := r.Apply(Batch{Backend: backendPolling, Changes: []Change{{
		Event:    Event{Type: EventCreated, Path: newDir},
		Snapshot: &Snapshot{Path: newDir, Exists: true, Kind: KindDirectory},
	}}})

	require.Len(t, res.Deliveries, 1)
	assert.Equal(t, []Observer{o}, res.Deliveries[0].Observers)
	wp, ok := r.Get(newDir)
	require.True(t, ok)
	assert.True(t, wp.Implicit)
	root, _ := r.Get(dir)
	assert.Contains(t, root.Snapshot.Children, "new")

	res = r.Apply(Batch{Backend: backendPolling, Changes: []Change{{Event: Event{Type: EventDeleted, Path: newDir}}}})
	require.Len(t, res.Deliveries, 1)
	_, ok = r.Get(newDir)
	assert.False(t, ok)
	root, _ = r.Get(dir)
	assert.NotContains(t, root.Snapshot.Children, "new")
}

func TestRegistry_ApplyResolvesOnlyTheBatchBackend(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "x")

	r := NewRegistry()
	_, err := r.Register(path, WatchOptions{}, newRecorder("o"))
	require.NoError(t, err)
	require.True(t, r.Assign(path, backendInotify))

	res := r.Apply(Batch{Backend: backendPolling, Changes: []Change{{Event: Event{Type: EventModified, Path: path}}}})
	assert.Empty(t, res.Deliveries)

	res = r.Apply(Batch{Backend: backendInotify, Changes: []Change{{Event: Event{Type: EventModified, Path: path}}}})
	assert.Len(t, res.Deliveries, 1)
}

func TestRegistry_ApplyReportsLostNativeRoots(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "x")

	r := NewRegistry()
	_, err := r.Register(path, WatchOptions{}, newRecorder("o"))
	require.NoError(t, err)
	require.True(t, r.Assign(path, backendInotify))

	res := r.Apply(Batch{Backend: backendInotify, Changes: []Change{{Event: Event{Type: EventDeleted, Path: path}}}})
	assert.Equal(t, []string{path}, res.Lost)

	wp, ok := r.Get(path)
	require.True(t, ok, "an explicit entry survives deletion as pending")
	assert.False(t, wp.Snapshot.Exists)
	assert.Equal(t, 1, r.ObservedCount())
}

func TestRegistry_ErrorsDegradeUntilRefresh(t *testing.T) {
	dir := tempDir(t)
	r := NewRegistry()
	h, err := r.Register(dir, WatchOptions{}, newRecorder("o"))
	require.NoError(t, err)
	r.Assign(dir, backendPolling)

	res := r.Apply(Batch{Backend: backendPolling, Changes: []Change{{Event: Event{Type: EventError, Path: dir, Err: errors.New("boom")}}}})
	require.Len(t, res.Deliveries, 1)
	wp, _ := r.Get(dir)
	assert.True(t, wp.Degraded)

	require.NoError(t, r.Refresh(h))
	wp, _ = r.Get(dir)
	assert.False(t, wp.Degraded)

	r.Unregister(h)
	assert.True(t, errors.Is(r.Refresh(h), domainerrors.ErrNotFound))
}

func TestRegistry_ListIsSortedCopy(t *testing.T) {
	dir := tempDir(t)
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		_, err := r.Register(filepath.Join(dir, name), WatchOptions{}, newRecorder(name))
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, filepath.Join(dir, "a"), list[0].Path)
	assert.Equal(t, filepath.Join(dir, "c"), list[2].Path)

	list[0].Path = "mutated"
	_, ok := r.Get(filepath.Join(dir, "a"))
	assert.True(t, ok)
}
