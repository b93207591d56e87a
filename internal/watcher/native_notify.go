//go:build darwin || windows

package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syncthing/notify"

	domainerrors "github.com/listenupapp/filenotify/internal/errors"
)

// notify does not block on sending, so its channels must be buffered.
const notifyBuffer = 500

const notifyMask = notify.Create | notify.Remove | notify.Write | notify.Rename

// notifyRoot is one path handed to notify, with its own channel so it can be stopped alone.
type notifyRoot struct {
	ch        chan notify.EventInfo
	done      chan struct{}
	path      string
	kind      Kind
	recursive bool
}

// notifyBackend watches with FSEvents on macOS and ReadDirectoryChangesW on Windows through
// syncthing/notify. Both are recursive natively, so a recursive root is a single "path/..."
// watch. A file root is watched through its parent directory.
type notifyBackend struct {
	logger *slog.Logger
	now    func() time.Time
	roots  map[string]*notifyRoot
	merged chan notify.EventInfo
	fresh  map[string]time.Time
	stamps stampCache
	mu     sync.Mutex
	closed bool
}

func newNotifyBackend(logger *slog.Logger) *notifyBackend {
	return &notifyBackend{
		logger: logger.With("backend", backendNotify),
		now:    time.Now,
		roots:  make(map[string]*notifyRoot),
		merged: make(chan notify.EventInfo, notifyBuffer),
		fresh:  make(map[string]time.Time),
		stamps: make(stampCache),
	}
}

func (b *notifyBackend) Name() string { return backendNotify }

func (b *notifyBackend) SupportsPath(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (b *notifyBackend) Add(path string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domainerrors.NativeUnavailablef("notify backend closed")
	}
	info, err := os.Stat(path)
	if err != nil {
		return domainerrors.NativeUnavailablef("cannot watch %q", path).WithCause(err)
	}
	if old, ok := b.roots[path]; ok {
		b.stopLocked(old)
	}

	r := &notifyRoot{
		ch:        make(chan notify.EventInfo, notifyBuffer),
		done:      make(chan struct{}),
		path:      path,
		kind:      KindDirectory,
		recursive: recursive,
	}
	target := path
	switch {
	case !info.IsDir():
		r.kind = KindFile
		r.recursive = false
		target = filepath.Dir(path)
	case recursive:
		target = filepath.Join(path, "...")
	}

	if err := notify.Watch(target, r.ch, notifyMask); err != nil {
		notify.Stop(r.ch)
		return domainerrors.NativeUnavailablef("cannot watch %q", path).WithCause(err)
	}
	b.roots[path] = r
	go b.forward(r)
	return nil
}

// forward copies one root's events into the merged channel, keeping those that concern it.
func (b *notifyBackend) forward(r *notifyRoot) {
	for {
		select {
		case <-r.done:
			return
		case ei := <-r.ch:
			if !r.reports(filepath.Clean(ei.Path())) {
				continue
			}
			select {
			case b.merged <- ei:
			case <-r.done:
				return
			}
		}
	}
}

func (r *notifyRoot) reports(path string) bool {
	switch {
	case path == r.path:
		return true
	case r.kind == KindFile:
		return false
	case r.recursive:
		return isDescendant(r.path, path)
	default:
		return filepath.Dir(path) == r.path
	}
}

func (b *notifyBackend) Remove(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.roots[path]; ok {
		b.stopLocked(r)
		delete(b.roots, path)
	}
	return nil
}

func (b *notifyBackend) stopLocked(r *notifyRoot) {
	notify.Stop(r.ch)
	close(r.done)
}

// Run collects forwarded events into batches until ctx is cancelled.
func (b *notifyBackend) Run(ctx context.Context, submit SubmitFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ei := <-b.merged:
			if len(b.merged) == cap(b.merged) {
				b.logger.Warn("notify buffer full, events may have been lost")
			}
			cs := b.collect(ei)
			if cs.len() == 0 {
				continue
			}
			if !submit(ctx, Batch{Backend: backendNotify, Changes: cs.changes}) {
				return nil
			}
		}
	}
}

func (b *notifyBackend) collect(first notify.EventInfo) *changeSet {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for p, t := range b.fresh {
		if now.Sub(t) > recentWindow {
			delete(b.fresh, p)
		}
	}
	b.stamps.prune(now)

	cs := newChangeSet(now)
	b.handleLocked(cs, first)
	for {
		select {
		case ei := <-b.merged:
			b.handleLocked(cs, ei)
		default:
			return cs
		}
	}
}

// handleLocked maps one notify event. notify reports a rename on both names without pairing
// them, so each side becomes a creation or a deletion depending on what is there now.
func (b *notifyBackend) handleLocked(cs *changeSet, ei notify.EventInfo) {
	path := filepath.Clean(ei.Path())
	snap, err := takeSnapshot(path)
	exists := err == nil && snap.Exists

	switch ev := ei.Event(); {
	case ev&(notify.Remove|notify.Rename) != 0 && !exists:
		delete(b.fresh, path)
		b.stamps.forget(path)
		cs.add(EventDeleted, path, "", nil)
	case ev&(notify.Create|notify.Rename) != 0 && exists:
		if snap.Kind == KindFile {
			b.fresh[path] = cs.now
			b.stamps.changed(path, stampOf(snap), cs.now)
		}
		cs.add(EventCreated, path, "", &snap)
	case ev&notify.Write != 0 && exists && snap.Kind == KindFile:
		if _, ok := b.fresh[path]; ok {
			return
		}
		if !b.stamps.changed(path, stampOf(snap), cs.now) {
			return
		}
		cs.add(EventModified, path, "", &snap)
	}
}

func (b *notifyBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for path, r := range b.roots {
		b.stopLocked(r)
		delete(b.roots, path)
	}
	return nil
}

func newPlatformNative(logger *slog.Logger, opts Options) (Backend, error) {
	if opts.Native == NativeFsnotify {
		b, err := newFsnotifyBackend(logger, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return newNotifyBackend(logger), nil
}
