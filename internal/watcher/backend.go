package watcher

import (
	"context"
	"time"
)

// Backend names reported in views and diagnostics.
const (
	backendPolling  = "polling"
	backendInotify  = "inotify"
	backendFsnotify = "fsnotify"
	backendNotify   = "notify"
)

// recentWindow bounds how long a path a native backend saw created suppresses follow-up
// events for it.
const recentWindow = 2 * time.Second

// Backend detects changes for the paths assigned to it and reports them in batches.
//
// Backends never touch the registry directly. The polling backend reads generation-tagged
// copies; native backends keep their own descriptor tables and only report what the OS says.
type Backend interface {
	// Name identifies the backend in registry assignments.
	Name() string

	// SupportsPath reports whether the backend can watch path at all.
	SupportsPath(path string) bool

	// Add starts watching path. Native backends fail with ErrNativeUnavailable when the path
	// cannot be watched, and the Service then assigns it to polling.
	Add(path string, recursive bool) error

	// Remove stops watching path. Unknown paths are ignored.
	Remove(path string) error

	// Run detects changes until ctx is cancelled, handing each batch to submit. A non-nil
	// error means the mechanism itself failed and its paths must move elsewhere.
	Run(ctx context.Context, submit SubmitFunc) error

	// Close releases OS resources. It is called after Run has returned.
	Close() error
}

// SubmitFunc hands a batch to the Service. It returns false when ctx ended first.
type SubmitFunc func(ctx context.Context, b Batch) bool

// Change is one raw detection, an Event plus the state observed with it.
type Change struct {
	Event
	// Snapshot is the state of Event.Path after the change, when the backend looked.
	Snapshot *Snapshot
	// Descendants are snapshots of a moved-in directory's subtree, registered silently so a
	// recursive watch keeps covering it.
	Descendants []Snapshot
}

// SnapshotUpdate replaces an entry's snapshot if the entry still has the given generation.
type SnapshotUpdate struct {
	Snapshot   Snapshot
	Generation uint64
}

// Batch is what one detection cycle produced.
type Batch struct {
	Backend   string
	Refreshed []SnapshotUpdate
	Changes   []Change
	// ack is closed once the batch has been delivered. Used by Sync.
	ack chan struct{}
}

// BackendStatus describes a running backend for diagnostics.
type BackendStatus struct {
	Name     string `json:"name"`
	Native   bool   `json:"native"`
	Paths    int    `json:"paths"`
	Disabled bool   `json:"disabled"`
	Error    string `json:"error,omitempty"`
}

// changeSet accumulates changes for one batch, dropping repeats of the same (path, type).
type changeSet struct {
	now     time.Time
	seen    map[changeKey]struct{}
	changes []Change
}

type changeKey struct {
	path string
	typ  EventType
}

func newChangeSet(now time.Time) *changeSet {
	return &changeSet{now: now, seen: make(map[changeKey]struct{})}
}

func (c *changeSet) add(typ EventType, path, related string, snap *Snapshot) {
	k := changeKey{path: path, typ: typ}
	if _, dup := c.seen[k]; dup {
		return
	}
	c.seen[k] = struct{}{}
	c.changes = append(c.changes, Change{
		Event:    Event{Path: path, Type: typ, Time: c.now, RelatedPath: related},
		Snapshot: snap,
	})
}

func (c *changeSet) addError(path string, err error) {
	k := changeKey{path: path, typ: EventError}
	if _, dup := c.seen[k]; dup {
		return
	}
	c.seen[k] = struct{}{}
	c.changes = append(c.changes, Change{Event: Event{Path: path, Type: EventError, Time: c.now, Err: err}})
}

// addRename appends a cross-linked pair.
func (c *changeSet) addRename(from, to string, snap *Snapshot, descendants []Snapshot) {
	c.add(EventRenamedFrom, from, to, nil)
	c.add(EventRenamedTo, to, from, snap)
	if n := len(c.changes); len(descendants) > 0 && n > 0 {
		if last := &c.changes[n-1]; last.Type == EventRenamedTo && last.Path == to {
			last.Descendants = descendants
		}
	}
}

func (c *changeSet) len() int { return len(c.changes) }

// stampWindow bounds how long a native backend remembers the state it last reported for a file.
const stampWindow = time.Minute

// fileStamp is the observable state of a file. Two modification reports with equal stamps
// describe the same change. Ctime is zero where the backend cannot read it.
type fileStamp struct {
	modTime int64
	ctime   int64
	size    int64
	inode   uint64
}

func stampOf(s Snapshot) fileStamp {
	return fileStamp{modTime: s.ModTime.UnixNano(), size: s.Size, inode: s.Inode}
}

type stampEntry struct {
	at    time.Time
	stamp fileStamp
}

// stampCache remembers what was last reported per file. The OS reports one touch as several
// raw events (attribute change, then close after write), often in separate reads.
type stampCache map[string]stampEntry

// changed records st for path and reports whether it differs from the last recorded stamp.
func (c stampCache) changed(path string, st fileStamp, now time.Time) bool {
	prev, ok := c[path]
	c[path] = stampEntry{at: now, stamp: st}
	return !ok || prev.stamp != st
}

func (c stampCache) forget(path string) {
	for p := range c {
		if isWithin(path, p) {
			delete(c, p)
		}
	}
}

func (c stampCache) prune(now time.Time) {
	for p, e := range c {
		if now.Sub(e.at) > stampWindow {
			delete(c, p)
		}
	}
}
