package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/listenupapp/filenotify/internal/errors"
	"github.com/listenupapp/filenotify/internal/logger"
)

// fakeBackend is a native backend driven by the test.
type fakeBackend struct {
	runErr  error
	batches chan Batch
	added   map[string]bool
	removed []string
	mu      sync.Mutex
	closed  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{batches: make(chan Batch), added: make(map[string]bool)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) SupportsPath(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (f *fakeBackend) Add(path string, recursive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[path] = recursive
	return nil
}

func (f *fakeBackend) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.added, path)
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeBackend) Run(ctx context.Context, submit SubmitFunc) error {
	if f.runErr != nil {
		return f.runErr
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-f.batches:
			if !submit(ctx, b) {
				return nil
			}
		}
	}
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) isAdded(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.added[path]
	return ok
}

func newServiceWithNative(t *testing.T, native func(*slog.Logger, Options) (Backend, error)) *Service {
	t.Helper()
	s := New(logger.Discard(), Options{PollInterval: time.Hour})
	s.newNative = native
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func backendOf(t *testing.T, s *Service, path string) string {
	t.Helper()
	for _, w := range s.Watches() {
		if w.Path == path {
			return w.Backend
		}
	}
	t.Fatalf("no watch for %s", path)
	return ""
}

func TestService_Lifecycle(t *testing.T) {
	s := newPollingService(t, Options{})
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Stop(), "stop before start is a no-op")

	require.NoError(t, s.Start())
	assert.Equal(t, StateRunning, s.State())
	assert.True(t, errors.Is(s.Start(), domainerrors.ErrAlreadyRunning))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())

	require.NoError(t, s.Start(), "a stopped service can start again")
}

func TestService_SyncRequiresRunning(t *testing.T) {
	s := newPollingService(t, Options{})
	assert.True(t, errors.Is(s.Sync(context.Background()), domainerrors.ErrNotRunning))
}

func TestService_AddThenRemoveLeavesNothing(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	s := newPollingService(t, Options{})

	h, err := s.AddWatch(dir, true, 0, newRecorder("o"))
	require.NoError(t, err)
	s.RemoveWatch(h)
	s.RemoveWatch(h)
	s.RemoveWatch(Handle{})

	assert.Zero(t, s.registry.Len())
	assert.Zero(t, s.ObservedCount())
}

func TestService_ObservedCount(t *testing.T) {
	dir := tempDir(t)
	s := newPollingService(t, Options{})

	h1, err := s.AddWatch(filepath.Join(dir, "a"), false, 0, newRecorder("a"))
	require.NoError(t, err)
	_, err = s.AddWatch(filepath.Join(dir, "a"), false, 0, newRecorder("a2"))
	require.NoError(t, err)
	_, err = s.AddWatch(filepath.Join(dir, "b"), false, 0, newRecorder("b"))
	require.NoError(t, err)
	assert.Equal(t, 2, s.ObservedCount())

	s.RemoveWatch(h1)
	assert.Equal(t, 2, s.ObservedCount(), "a still has an observer")
}

func TestService_AddWatchRejectsRelativePath(t *testing.T) {
	s := newPollingService(t, Options{})
	_, err := s.AddWatch("relative/path", false, 0, newRecorder("o"))
	assert.True(t, errors.Is(err, domainerrors.ErrInvalidPath))
}

func TestService_NativeSetupFailureFallsBackToPolling(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "f.txt")
	o := newRecorder("o")

	s := newServiceWithNative(t, func(*slog.Logger, Options) (Backend, error) {
		return nil, domainerrors.NativeUnavailablef("no inotify here")
	})
	require.NoError(t, s.Start())

	h, err := s.AddWatch(path, false, 0, o)
	require.NoError(t, err)
	assert.False(t, h.IsZero())
	assert.Equal(t, 1, s.ObservedCount())
	assert.Equal(t, backendPolling, backendOf(t, s, path))

	backends := s.Backends()
	require.Len(t, backends, 2)
	assert.True(t, backends[1].Disabled)
	assert.Contains(t, backends[1].Error, "no inotify here")

	writeFile(t, path, "x")
	syncNow(t, s)
	assert.Equal(t, []string{"created " + path}, o.Lines())
}

func TestService_NativeRuntimeFailureMovesPathsToPolling(t *testing.T) {
	dir := tempDir(t)
	o := newRecorder("o")
	fake := newFakeBackend()
	fake.runErr = domainerrors.Watchf("read failed")

	s := newServiceWithNative(t, func(*slog.Logger, Options) (Backend, error) { return fake, nil })
	_, err := s.AddWatch(dir, false, 0, o)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		backends := s.Backends()
		return len(backends) == 2 && backends[1].Disabled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, backendPolling, backendOf(t, s, dir))

	writeFile(t, filepath.Join(dir, "new.txt"), "x")
	syncNow(t, s)
	assert.Equal(t, []string{"created " + filepath.Join(dir, "new.txt")}, o.Lines())
}

func TestService_NativeBatchesAreDeliveredOnce(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "x")
	o := newRecorder("o")
	fake := newFakeBackend()

	s := newServiceWithNative(t, func(*slog.Logger, Options) (Backend, error) { return fake, nil })
	_, err := s.AddWatch(dir, false, 0, o)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Equal(t, "fake", backendOf(t, s, dir))
	assert.True(t, fake.isAdded(dir))

	writeFile(t, path, "changed")
	fake.batches <- Batch{Backend: "fake", Changes: []Change{{Event: Event{Type: EventModified, Path: path}}}}
	require.Eventually(t, func() bool { return len(o.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Polling does not look at paths the native backend owns.
	syncNow(t, s)
	assert.Equal(t, []string{"modified " + path}, o.Lines())
}

func TestService_LostNativeRootMovesToPolling(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "x")
	o := newRecorder("o")
	fake := newFakeBackend()

	s := newServiceWithNative(t, func(*slog.Logger, Options) (Backend, error) { return fake, nil })
	_, err := s.AddWatch(path, false, 0, o)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.NoError(t, os.Remove(path))
	fake.batches <- Batch{Backend: "fake", Changes: []Change{{Event: Event{Type: EventDeleted, Path: path}}}}
	require.Eventually(t, func() bool {
		return backendOf(t, s, path) == backendPolling && len(o.Events()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, fake.isAdded(path))

	writeFile(t, path, "back")
	syncNow(t, s)
	assert.Equal(t, []string{"deleted " + path, "created " + path}, o.Lines())
}

func TestService_StopReleasesNative(t *testing.T) {
	fake := newFakeBackend()
	s := newServiceWithNative(t, func(*slog.Logger, Options) (Backend, error) { return fake, nil })
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.closed)
	assert.Nil(t, s.Backends())
}

func TestService_StopFromObserver(t *testing.T) {
	dir := tempDir(t)
	s := newPollingService(t, Options{})
	stopped := make(chan error, 1)
	_, err := s.AddWatch(dir, false, 0, ObserverFunc(func(Event) {
		stopped <- s.Stop()
	}))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	writeFile(t, filepath.Join(dir, "f.txt"), "x")
	err = s.Sync(context.Background())
	if err != nil {
		assert.True(t, errors.Is(err, domainerrors.ErrNotRunning))
	}

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop from inside an observer did not return")
	}
	assert.Equal(t, StateStopped, s.State())
}

func TestService_ObserverMayRemoveItself(t *testing.T) {
	dir := tempDir(t)
	s := newPollingService(t, Options{})
	var h Handle
	var calls int
	var mu sync.Mutex
	h, err := s.AddWatch(dir, false, 0, ObserverFunc(func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		s.RemoveWatch(h)
	}))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	writeFile(t, filepath.Join(dir, "one"), "x")
	syncNow(t, s)
	writeFile(t, filepath.Join(dir, "two"), "x")
	syncNow(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Zero(t, s.ObservedCount())
}

func TestService_ObserverPanicIsContained(t *testing.T) {
	dir := tempDir(t)
	o := newRecorder("o")
	s := newPollingService(t, Options{})
	_, err := s.AddWatch(dir, false, 0, ObserverFunc(func(Event) { panic("observer bug") }))
	require.NoError(t, err)
	_, err = s.AddWatch(dir, false, 0, o)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	writeFile(t, filepath.Join(dir, "one"), "x")
	syncNow(t, s)
	writeFile(t, filepath.Join(dir, "two"), "x")
	syncNow(t, s)

	assert.Equal(t, []string{
		"created " + filepath.Join(dir, "one"),
		"created " + filepath.Join(dir, "two"),
	}, o.Lines())
}

func TestService_WatchesAddedWhileRunning(t *testing.T) {
	dir := tempDir(t)
	o := newRecorder("o")
	s := newPollingService(t, Options{})
	require.NoError(t, s.Start())

	_, err := s.AddWatch(dir, false, 0, o)
	require.NoError(t, err)
	assert.Equal(t, backendPolling, backendOf(t, s, dir))

	writeFile(t, filepath.Join(dir, "f"), "x")
	syncNow(t, s)
	assert.Len(t, o.Events(), 1)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
