package watcher

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	domainerrors "github.com/listenupapp/filenotify/internal/errors"
)

// levelTrace is below slog.LevelDebug and enabled by the CLI at -d 2.
const levelTrace = slog.LevelDebug - 4

// pollingBackend detects changes by comparing registry snapshots with fresh stats on every
// tick. It works everywhere and is the fallback for paths no native backend will take.
type pollingBackend struct {
	logger    *slog.Logger
	view      func(backend string) View
	snapshot  func(path string) (Snapshot, error)
	now       func() time.Time
	kick      chan chan struct{}
	cursor    string
	interval  time.Duration
	batchSize int
}

func newPollingBackend(logger *slog.Logger, opts Options, view func(string) View) *pollingBackend {
	return &pollingBackend{
		logger:    logger.With("backend", backendPolling),
		view:      view,
		snapshot:  takeSnapshot,
		now:       time.Now,
		kick:      make(chan chan struct{}),
		interval:  opts.PollInterval,
		batchSize: opts.BatchSize,
	}
}

func (p *pollingBackend) Name() string { return backendPolling }

func (p *pollingBackend) SupportsPath(string) bool { return true }

// Add is a no-op: polling reads its paths from the registry view on every tick.
func (p *pollingBackend) Add(string, bool) error { return nil }

func (p *pollingBackend) Remove(string) error { return nil }

func (p *pollingBackend) Close() error { return nil }

// Run ticks until ctx is cancelled. A tick requested through sync always submits a batch,
// even an empty one, so the caller's ack fires.
func (p *pollingBackend) Run(ctx context.Context, submit SubmitFunc) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b := p.tick()
			if len(b.Changes) == 0 && len(b.Refreshed) == 0 {
				continue
			}
			if !submit(ctx, b) {
				return nil
			}
		case ack := <-p.kick:
			b := p.tick()
			b.ack = ack
			if !submit(ctx, b) {
				return nil
			}
		}
	}
}

// sync runs a tick now and waits until its events were delivered.
func (p *pollingBackend) sync(ctx context.Context, stopped <-chan struct{}) error {
	ack := make(chan struct{})
	select {
	case p.kick <- ack:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return domainerrors.ErrNotRunning
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return domainerrors.ErrNotRunning
	}
}

// tick scans one window of the view and returns what changed.
func (p *pollingBackend) tick() Batch {
	view := p.view(backendPolling)
	entries := p.window(view.Entries)
	cs := newChangeSet(p.now())

	var refreshed []SnapshotUpdate
	for _, ve := range entries {
		if ve.Degraded {
			continue
		}
		cur, err := p.snapshot(ve.Path)
		if err != nil {
			p.logger.Debug("scan failed, marking degraded", "path", ve.Path, "error", err)
			cs.addError(ve.Path, err)
			continue
		}
		p.compare(cs, view, ve, cur)
		if !sameSnapshot(ve.Snapshot, cur) {
			refreshed = append(refreshed, SnapshotUpdate{Snapshot: cur, Generation: ve.Generation})
		}
	}

	if cs.len() > 0 {
		p.logger.Log(context.Background(), levelTrace, "poll tick", "scanned", len(entries), "changes", cs.len())
	}
	return Batch{Backend: backendPolling, Changes: cs.changes, Refreshed: refreshed}
}

// window returns the entries to scan this tick. With a batch size the scan resumes after the
// last key seen and wraps around.
func (p *pollingBackend) window(entries []ViewEntry) []ViewEntry {
	if p.batchSize <= 0 || len(entries) <= p.batchSize {
		return entries
	}
	start, _ := slices.BinarySearchFunc(entries, p.cursor, func(e ViewEntry, key string) int {
		if e.Key <= key {
			return -1
		}
		return 1
	})
	out := make([]ViewEntry, 0, p.batchSize)
	for i := 0; i < p.batchSize; i++ {
		out = append(out, entries[(start+i)%len(entries)])
	}
	p.cursor = out[len(out)-1].Key
	slices.SortFunc(out, func(a, b ViewEntry) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// compare turns the difference between an entry's last snapshot and cur into changes.
// Implicit entries never report their own appearance or removal; their parent's diff does.
func (p *pollingBackend) compare(cs *changeSet, view View, ve ViewEntry, cur Snapshot) {
	prev := ve.Snapshot
	switch {
	case !prev.Exists && !cur.Exists:
	case !prev.Exists:
		if !ve.Implicit {
			cs.add(EventCreated, ve.Path, "", &cur)
		}
		if cur.Kind == KindDirectory {
			p.diffChildren(cs, view, ve, nil, cur)
		}
	case !cur.Exists:
		if !ve.Implicit {
			cs.add(EventDeleted, ve.Path, "", nil)
		}
	case prev.Kind != cur.Kind:
		if !ve.Implicit {
			cs.add(EventDeleted, ve.Path, "", nil)
			cs.add(EventCreated, ve.Path, "", &cur)
		}
		if cur.Kind == KindDirectory {
			p.diffChildren(cs, view, ve, nil, cur)
		}
	case cur.Kind == KindFile:
		if !ve.Implicit && contentChanged(prev.childInfo(), cur.childInfo()) {
			cs.add(EventModified, ve.Path, "", &cur)
		}
	default:
		p.diffChildren(cs, view, ve, prev.Children, cur)
	}
}

// diffChildren compares a directory's child sets. A name whose kind changed counts as removed
// and added. Child directories never report Modified.
func (p *pollingBackend) diffChildren(cs *changeSet, view View, ve ViewEntry, prev map[string]ChildInfo, cur Snapshot) {
	var added, removed []string
	for _, name := range sortedNames(prev) {
		if ci, ok := cur.Children[name]; !ok || ci.Kind != prev[name].Kind {
			removed = append(removed, name)
		}
	}

	var modified []string
	for _, name := range sortedNames(cur.Children) {
		ci := cur.Children[name]
		old, ok := prev[name]
		switch {
		case !ok || old.Kind != ci.Kind:
			added = append(added, name)
		case ci.Kind == KindFile && contentChanged(old, ci):
			modified = append(modified, name)
		}
	}

	renamedTo := make(map[string]string)
	renamedFrom := make(map[string]bool)
	for _, r := range removed {
		for _, a := range added {
			if _, taken := renamedTo[a]; taken {
				continue
			}
			if sameIdentity(prev[r], cur.Children[a]) {
				renamedTo[a] = r
				renamedFrom[r] = true
				break
			}
		}
	}

	for _, name := range removed {
		if !renamedFrom[name] {
			cs.add(EventDeleted, filepath.Join(ve.Path, name), "", nil)
		}
	}
	for _, name := range added {
		child := filepath.Join(ve.Path, name)
		if from, ok := renamedTo[name]; ok {
			snap, desc := p.describe(ve, child, cur.Children[name])
			cs.addRename(filepath.Join(ve.Path, from), child, &snap, desc)
			continue
		}
		p.created(cs, ve, child, cur.Children[name])
	}
	for _, name := range modified {
		child := filepath.Join(ve.Path, name)
		if view.Tracked(child) {
			continue
		}
		snap := childSnapshot(child, cur.Children[name])
		cs.add(EventModified, child, "", &snap)
	}
}

// created reports a new child. In a recursive watch a new directory is walked so that every
// descendant is reported after its parent.
func (p *pollingBackend) created(cs *changeSet, ve ViewEntry, path string, ci ChildInfo) {
	snap, desc := p.describe(ve, path, ci)
	cs.add(EventCreated, path, "", &snap)
	for _, d := range desc {
		cs.add(EventCreated, d.Path, "", &d)
	}
}

// describe snapshots a child. Directories get a full snapshot and, under a recursive watch,
// their subtree.
func (p *pollingBackend) describe(ve ViewEntry, path string, ci ChildInfo) (Snapshot, []Snapshot) {
	if ci.Kind != KindDirectory {
		return childSnapshot(path, ci), nil
	}
	snap, err := p.snapshot(path)
	if err != nil || !snap.Exists {
		return childSnapshot(path, ci), nil
	}
	if !ve.Recursive {
		return snap, nil
	}
	return snap, walkTree(snap)
}

// sameIdentity is the rename heuristic: same kind, size and modification time, and the same
// inode when both sides know it.
func sameIdentity(a, b ChildInfo) bool {
	if a.Kind != b.Kind || a.Size != b.Size || !a.ModTime.Equal(b.ModTime) {
		return false
	}
	return a.Inode == 0 || b.Inode == 0 || a.Inode == b.Inode
}

func sameSnapshot(a, b Snapshot) bool {
	if a.Exists != b.Exists {
		return false
	}
	if !a.Exists {
		return true
	}
	if a.Kind != b.Kind || a.Size != b.Size || a.Inode != b.Inode || !a.ModTime.Equal(b.ModTime) {
		return false
	}
	return maps.EqualFunc(a.Children, b.Children, func(x, y ChildInfo) bool {
		return x.Kind == y.Kind && x.Size == y.Size && x.Inode == y.Inode && x.ModTime.Equal(y.ModTime)
	})
}
