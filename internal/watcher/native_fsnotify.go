package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	domainerrors "github.com/listenupapp/filenotify/internal/errors"
)

// fsnotifyBackend watches with fsnotify (kqueue on the BSDs, inotify when selected on Linux).
// fsnotify watches directories, so a file root is watched through its parent and filtered by
// name.
type fsnotifyBackend struct {
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	now     func() time.Time
	// roots maps every path the Service added to whether it is recursive.
	roots map[string]bool
	// dirs are the directories handed to fsnotify.
	dirs map[string]struct{}
	// kinds records whether each root is a file or a directory.
	kinds  map[string]Kind
	fresh  map[string]time.Time
	synth  map[string]time.Time
	stamps stampCache
	mu     sync.Mutex
}

func newFsnotifyBackend(logger *slog.Logger, opts Options) (*fsnotifyBackend, error) {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	//nolint:gosec // G115: queue size is validated positive
	w, err := fsnotify.NewBufferedWatcher(uint(size))
	if err != nil {
		return nil, domainerrors.NativeUnavailablef("failed to create fsnotify watcher").WithCause(err)
	}

	return &fsnotifyBackend{
		logger:  logger.With("backend", backendFsnotify),
		watcher: w,
		now:     time.Now,
		roots:   make(map[string]bool),
		dirs:    make(map[string]struct{}),
		kinds:   make(map[string]Kind),
		fresh:   make(map[string]time.Time),
		synth:   make(map[string]time.Time),
		stamps:  make(stampCache),
	}, nil
}

func (b *fsnotifyBackend) Name() string { return backendFsnotify }

func (b *fsnotifyBackend) SupportsPath(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Add watches path. Directories are watched directly, files through their parent.
func (b *fsnotifyBackend) Add(path string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return domainerrors.NativeUnavailablef("cannot watch %q", path).WithCause(err)
	}

	b.roots[path] = recursive
	if !info.IsDir() {
		b.kinds[path] = KindFile
		if err := b.watchDirLocked(filepath.Dir(path)); err != nil {
			b.removeRootLocked(path)
			return domainerrors.NativeUnavailablef("cannot watch %q", path).WithCause(err)
		}
		return nil
	}

	b.kinds[path] = KindDirectory
	if err := b.watchDirLocked(path); err != nil {
		b.removeRootLocked(path)
		return domainerrors.NativeUnavailablef("cannot watch %q", path).WithCause(err)
	}
	if !recursive {
		return nil
	}
	root, err := takeSnapshot(path)
	if err != nil {
		b.removeRootLocked(path)
		return domainerrors.NativeUnavailablef("cannot list %q", path).WithCause(err)
	}
	for _, d := range walkTree(root) {
		if d.Kind != KindDirectory {
			continue
		}
		if err := b.watchDirLocked(d.Path); err != nil {
			b.removeRootLocked(path)
			return domainerrors.NativeUnavailablef("cannot watch %q", d.Path).WithCause(err)
		}
	}
	return nil
}

func (b *fsnotifyBackend) Remove(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.roots[path]; ok {
		b.removeRootLocked(path)
	}
	return nil
}

func (b *fsnotifyBackend) removeRootLocked(path string) {
	delete(b.roots, path)
	delete(b.kinds, path)
	for d := range b.dirs {
		if !b.needsDirLocked(d) {
			b.unwatchDirLocked(d)
		}
	}
}

func (b *fsnotifyBackend) watchDirLocked(dir string) error {
	if _, ok := b.dirs[dir]; ok {
		return nil
	}
	if err := b.watcher.Add(dir); err != nil {
		return err
	}
	b.dirs[dir] = struct{}{}
	return nil
}

func (b *fsnotifyBackend) unwatchDirLocked(dir string) {
	delete(b.dirs, dir)
	if err := b.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		b.logger.Debug("failed to remove watch", "path", dir, "error", err)
	}
}

// needsDirLocked reports whether some root still needs dir watched.
func (b *fsnotifyBackend) needsDirLocked(dir string) bool {
	for r, recursive := range b.roots {
		switch {
		case r == dir && b.kinds[r] == KindDirectory:
			return true
		case b.kinds[r] == KindFile && filepath.Dir(r) == dir:
			return true
		case recursive && isDescendant(r, dir):
			return true
		}
	}
	return false
}

// reportsLocked reports whether an event on path concerns any root: the root itself, a child
// of a directory root, or anything below a recursive root.
func (b *fsnotifyBackend) reportsLocked(path string) bool {
	parent := filepath.Dir(path)
	for r, recursive := range b.roots {
		switch {
		case r == path:
			return true
		case r == parent && b.kinds[r] == KindDirectory:
			return true
		case recursive && isDescendant(r, path):
			return true
		}
	}
	return false
}

func (b *fsnotifyBackend) recursiveLocked(path string) bool {
	for r, recursive := range b.roots {
		if recursive && isDescendant(r, path) {
			return true
		}
	}
	return false
}

// Run reads fsnotify events until ctx is cancelled. Events that are already queued are
// drained into the same batch.
func (b *fsnotifyBackend) Run(ctx context.Context, submit SubmitFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return b.closedErr(ctx)
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				b.logger.Warn("fsnotify queue overflowed, events were lost")
				continue
			}
			b.logger.Warn("fsnotify error", "error", err)

		case ev, ok := <-b.watcher.Events:
			if !ok {
				return b.closedErr(ctx)
			}
			cs := b.collect(ev)
			if cs.len() == 0 {
				continue
			}
			if !submit(ctx, Batch{Backend: backendFsnotify, Changes: cs.changes}) {
				return nil
			}
		}
	}
}

func (b *fsnotifyBackend) closedErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	return domainerrors.Watchf("fsnotify watcher closed unexpectedly")
}

func (b *fsnotifyBackend) collect(first fsnotify.Event) *changeSet {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for p, t := range b.fresh {
		if now.Sub(t) > recentWindow {
			delete(b.fresh, p)
		}
	}
	for p, t := range b.synth {
		if now.Sub(t) > recentWindow {
			delete(b.synth, p)
		}
	}
	b.stamps.prune(now)

	cs := newChangeSet(now)
	b.handleLocked(cs, first)
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return cs
			}
			b.handleLocked(cs, ev)
		default:
			return cs
		}
	}
}

func (b *fsnotifyBackend) handleLocked(cs *changeSet, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !b.reportsLocked(path) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		b.createdLocked(cs, path)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(b.fresh, path)
		b.stamps.forget(path)
		cs.add(EventDeleted, path, "", nil)
		for d := range b.dirs {
			if isWithin(path, d) && !b.isRootLocked(d) {
				b.unwatchDirLocked(d)
			}
		}
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		if t, ok := b.fresh[path]; ok && cs.now.Sub(t) <= recentWindow {
			return
		}
		snap, err := takeSnapshot(path)
		if err != nil || !snap.Exists || snap.Kind != KindFile {
			return
		}
		if !b.stamps.changed(path, stampOf(snap), cs.now) {
			return
		}
		cs.add(EventModified, path, "", &snap)
	}
}

func (b *fsnotifyBackend) isRootLocked(path string) bool {
	_, ok := b.roots[path]
	return ok
}

// createdLocked reports a new path. A new directory under a recursive root is watched and its
// existing content announced, parents first.
func (b *fsnotifyBackend) createdLocked(cs *changeSet, path string) {
	if _, ok := b.synth[path]; ok {
		delete(b.synth, path)
		return
	}
	snap, err := takeSnapshot(path)
	if err != nil || !snap.Exists {
		// Gone again before we looked; the Remove follows.
		return
	}
	if snap.Kind == KindFile {
		b.fresh[path] = cs.now
		b.stamps.changed(path, stampOf(snap), cs.now)
		cs.add(EventCreated, path, "", &snap)
		return
	}
	if !b.recursiveLocked(path) {
		cs.add(EventCreated, path, "", &snap)
		return
	}

	if err := b.watchDirLocked(path); err != nil {
		b.logger.Debug("cannot watch new directory", "path", path, "error", err)
		cs.add(EventCreated, path, "", &snap)
		cs.addError(path, domainerrors.Watchf("cannot watch %q", path).WithCause(err))
		return
	}
	if snap, err = takeSnapshot(path); err != nil || !snap.Exists {
		return
	}
	cs.add(EventCreated, path, "", &snap)
	for _, d := range walkTree(snap) {
		if d.Kind == KindDirectory {
			if err := b.watchDirLocked(d.Path); err != nil {
				b.logger.Debug("cannot watch new directory", "path", d.Path, "error", err)
			}
		}
		b.synth[d.Path] = cs.now
		cs.add(EventCreated, d.Path, "", &d)
	}
}

// Close stops the fsnotify watcher.
func (b *fsnotifyBackend) Close() error {
	return b.watcher.Close()
}
