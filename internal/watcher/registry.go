package watcher

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	domainerrors "github.com/listenupapp/filenotify/internal/errors"
	"github.com/listenupapp/filenotify/internal/id"
)

// WatchOptions configures one registration.
type WatchOptions struct {
	// Recursive watches every current and future descendant of a directory.
	Recursive bool
	// Mask selects the delivered event types. Zero means all.
	Mask EventType
}

// Handle identifies one registration. The zero Handle is valid and refers to nothing.
type Handle struct {
	id   string
	path string
}

// ID returns the handle's opaque identifier.
func (h Handle) ID() string { return h.id }

// Path returns the resolved path the handle was registered for.
func (h Handle) Path() string { return h.path }

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.id == "" }

// WatchedPath is a read-only copy of a registry entry.
type WatchedPath struct {
	Snapshot  Snapshot  `json:"snapshot"`
	Path      string    `json:"path"`
	Backend   string    `json:"backend,omitempty"`
	Observers int       `json:"observers"`
	Mask      EventType `json:"mask"`
	Kind      Kind      `json:"kind"`
	Recursive bool      `json:"recursive"`
	Implicit  bool      `json:"implicit"`
	Degraded  bool      `json:"degraded"`
}

// ViewEntry is the copy of an entry handed to a scanning backend.
type ViewEntry struct {
	Snapshot   Snapshot
	Path       string
	Key        string
	Generation uint64
	Kind       Kind
	// Recursive is true when new descendants of this directory must be tracked.
	Recursive bool
	Implicit  bool
	Degraded  bool
}

// View is a generation-tagged copy of the entries assigned to one backend, sorted by key so
// that parents precede their descendants.
type View struct {
	Backend string
	Entries []ViewEntry
	tracked map[string]struct{}
}

// Tracked reports whether path has its own registry entry, on any backend.
func (v View) Tracked(path string) bool {
	_, ok := v.tracked[pathKey(path)]
	return ok
}

// Delivery is one event and the observers it resolved to.
type Delivery struct {
	Event     Event
	Observers []Observer
}

// ApplyResult is what the Service acts on after a batch.
type ApplyResult struct {
	Deliveries []Delivery
	// Lost lists explicit roots of a native backend that were deleted or moved away. The
	// Service hands them to polling so a re-creation is noticed.
	Lost []string
}

type subscription struct {
	observer  Observer
	id        string
	mask      EventType
	recursive bool
}

type entry struct {
	snap      Snapshot
	path      string
	key       string
	backend   string
	subs      []*subscription
	gen       uint64
	mask      EventType
	kind      Kind
	recursive bool
	degraded  bool
}

func (e *entry) implicit() bool { return len(e.subs) == 0 }

// recompute derives the union mask and recursion flag from the subscriptions.
func (e *entry) recompute() {
	e.mask, e.recursive = 0, false
	for _, s := range e.subs {
		e.mask |= s.mask
		e.recursive = e.recursive || s.recursive
	}
}

// setSnapshot records s. A path that is gone keeps its last known state with Exists
// cleared; the scan that sees it again diffs against an empty child set.
func (e *entry) setSnapshot(s Snapshot) {
	if !s.Exists {
		e.snap.Path = e.path
		e.snap.Kind = e.kind
		e.snap.Exists = false
		return
	}
	s.Path = e.path
	e.kind = s.Kind
	e.snap = s
}

func (e *entry) watched() WatchedPath {
	return WatchedPath{
		Path:      e.path,
		Kind:      e.kind,
		Recursive: e.recursive,
		Mask:      e.mask,
		Observers: len(e.subs),
		Implicit:  e.implicit(),
		Degraded:  e.degraded,
		Backend:   e.backend,
		Snapshot:  e.snap.Clone(),
	}
}

// Registry is the set of watched paths. Every mutation happens under its lock; scanners work
// on copies.
type Registry struct {
	entries map[string]*entry
	handles map[string]string
	mu      sync.RWMutex
	gen     uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		handles: make(map[string]string),
	}
}

// Register adds observer for path and returns its handle.
//
// Relative and empty paths fail with ErrInvalidPath, as does a path that cannot be stat'ed for
// a reason other than not existing. A missing path becomes a pending entry. Registering an
// existing entry merges: masks are unioned and recursion is ORed.
func (r *Registry) Register(path string, opts WatchOptions, observer Observer) (Handle, error) {
	if observer == nil {
		return Handle{}, domainerrors.Validation("observer is required")
	}

	real, key, err := resolvePath(path)
	if err != nil {
		return Handle{}, err
	}

	snap, err := takeSnapshot(real)
	if err != nil {
		return Handle{}, domainerrors.InvalidPathf("cannot stat %q", real).WithCause(err)
	}
	if !snap.Exists {
		snap.Kind = KindFile
		if opts.Recursive {
			snap.Kind = KindDirectory
		}
	}

	var tree []Snapshot
	if opts.Recursive {
		tree = walkTree(snap)
	}

	hid, err := id.New("wch")
	if err != nil {
		return Handle{}, domainerrors.Wrap(err, domainerrors.CodeInternal, "generate handle")
	}
	sub := &subscription{id: hid, observer: observer, mask: opts.Mask.normalize(), recursive: opts.Recursive}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = r.newEntryLocked(real, key, snap)
	}
	e.subs = append(e.subs, sub)
	e.recompute()
	r.handles[hid] = key

	for _, s := range tree {
		if s.Kind == KindDirectory {
			r.ensureImplicitLocked(s)
		}
	}

	return Handle{id: hid, path: e.path}, nil
}

// unregisterResult tells the Service what a removal means for the backends.
type unregisterResult struct {
	Path    string
	Backend string
	// Removed is set when the entry is gone; Demoted when it stays as an implicit child.
	Removed bool
	Demoted bool
	// LostRecursion is set when the entry remains explicit but no longer recursive.
	LostRecursion bool
}

// Unregister removes the subscription behind h. Unknown and zero handles are ignored.
func (r *Registry) Unregister(h Handle) (unregisterResult, bool) {
	if h.IsZero() {
		return unregisterResult{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.handles[h.id]
	if !ok {
		return unregisterResult{}, false
	}
	delete(r.handles, h.id)

	e := r.entries[key]
	if e == nil {
		return unregisterResult{}, false
	}
	e.subs = slices.DeleteFunc(e.subs, func(s *subscription) bool { return s.id == h.id })
	wasRecursive := e.recursive
	e.recompute()

	res := unregisterResult{Path: e.path, Backend: e.backend}
	switch {
	case !e.implicit():
		res.LostRecursion = wasRecursive && !e.recursive
	case e.kind == KindDirectory && r.coveredLocked(key):
		e.backend = ""
		e.degraded = false
		res.Demoted = true
	default:
		delete(r.entries, key)
		res.Removed = true
	}

	if wasRecursive && !e.recursive {
		r.pruneLocked()
	}
	return res, true
}

// ApplySnapshotUpdate replaces an entry's snapshot. It is ignored when the entry was removed
// or re-created since the view was taken.
func (r *Registry) ApplySnapshotUpdate(u SnapshotUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyUpdateLocked(u)
}

func (r *Registry) applyUpdateLocked(u SnapshotUpdate) bool {
	e := r.entries[pathKey(u.Snapshot.Path)]
	if e == nil || e.gen != u.Generation {
		return false
	}
	e.setSnapshot(u.Snapshot)
	return true
}

// Apply folds a backend batch into the registry and resolves who hears about each change.
// Only subscriptions whose entry is assigned to b.Backend are resolved, so a path watched by
// two backends is never reported twice.
func (r *Registry) Apply(b Batch) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ApplyResult
	for _, c := range b.Changes {
		key := pathKey(c.Path)

		switch c.Type {
		case EventCreated, EventRenamedTo:
			snap := Snapshot{Path: c.Path, Exists: true}
			if c.Snapshot != nil {
				snap = *c.Snapshot
			}
			r.appearLocked(key, snap)
			for _, d := range c.Descendants {
				if d.Kind == KindDirectory {
					r.appearLocked(pathKey(d.Path), d)
				}
			}
		case EventDeleted, EventRenamedFrom:
			if e := r.entries[key]; e != nil && !e.implicit() && b.Backend != backendPolling && e.backend == b.Backend {
				res.Lost = append(res.Lost, e.path)
			}
			r.vanishLocked(key, c.Path)
		case EventModified:
			if c.Snapshot != nil {
				if e := r.entries[key]; e != nil {
					e.setSnapshot(*c.Snapshot)
				}
				r.updateParentLocked(key, c.Path, c.Snapshot)
			}
		case EventError:
			if e := r.entries[key]; e != nil {
				e.degraded = true
			}
		}

		if obs := r.resolveLocked(key, c.Type, b.Backend); len(obs) > 0 {
			res.Deliveries = append(res.Deliveries, Delivery{Event: c.Event, Observers: obs})
		}
	}

	// A scanned entry's own snapshot is newer than what its parent saw earlier in the tick.
	for _, u := range b.Refreshed {
		r.applyUpdateLocked(u)
	}
	return res
}

// appearLocked records that path exists: the entry (or a new implicit one under a recursive
// owner) gets the snapshot and the parent's child set gains the name.
func (r *Registry) appearLocked(key string, snap Snapshot) {
	if e := r.entries[key]; e != nil {
		e.setSnapshot(snap)
	} else if snap.Kind == KindDirectory && r.coveredLocked(key) {
		r.newEntryLocked(snap.Path, key, snap)
	}
	r.updateParentLocked(key, snap.Path, &snap)
}

// vanishLocked records that path is gone. Explicit entries stay as pending, implicit ones and
// their implicit descendants are dropped.
func (r *Registry) vanishLocked(key, path string) {
	for k, e := range r.entries {
		if !isWithin(key, k) {
			continue
		}
		if e.implicit() {
			delete(r.entries, k)
			continue
		}
		e.setSnapshot(missingSnapshot(e.path, e.kind))
	}
	r.updateParentLocked(key, path, nil)
}

// updateParentLocked adds, refreshes or (snap == nil) removes the name in the parent's
// child set.
func (r *Registry) updateParentLocked(key, path string, snap *Snapshot) {
	parent := r.entries[parentKey(key)]
	if parent == nil || !parent.snap.Exists || parent.kind != KindDirectory {
		return
	}
	name := filepath.Base(path)
	if snap == nil || !snap.Exists {
		delete(parent.snap.Children, name)
		return
	}
	if parent.snap.Children == nil {
		parent.snap.Children = make(map[string]ChildInfo)
	}
	parent.snap.Children[name] = snap.childInfo()
}

// resolveLocked returns the observers for an event on key: subscriptions on the path itself,
// on its parent directory, and recursive subscriptions on any further ancestor. Each is
// filtered by its own mask. An empty backend matches every entry.
func (r *Registry) resolveLocked(key string, typ EventType, backend string) []Observer {
	var out []Observer
	collect := func(e *entry, recursiveOnly bool) {
		if backend != "" && e.backend != backend {
			return
		}
		for _, s := range e.subs {
			if recursiveOnly && !s.recursive {
				continue
			}
			if s.mask.Has(typ) {
				out = append(out, s.observer)
			}
		}
	}

	if e := r.entries[key]; e != nil {
		collect(e, false)
	}
	pk := parentKey(key)
	if pk == "" {
		return out
	}
	if p := r.entries[pk]; p != nil {
		collect(p, false)
	}
	for k := parentKey(pk); k != ""; k = parentKey(k) {
		if a := r.entries[k]; a != nil {
			collect(a, true)
		}
	}
	return out
}

// Subscribers returns every observer an event of type typ on path would reach.
func (r *Registry) Subscribers(path string, typ EventType) []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(lookupKey(path), typ, "")
}

func (r *Registry) newEntryLocked(path, key string, snap Snapshot) *entry {
	r.gen++
	e := &entry{path: path, key: key, kind: snap.Kind, gen: r.gen}
	e.setSnapshot(snap)
	r.entries[key] = e
	return e
}

func (r *Registry) ensureImplicitLocked(snap Snapshot) {
	key := pathKey(snap.Path)
	if _, ok := r.entries[key]; ok {
		return
	}
	r.newEntryLocked(snap.Path, key, snap)
}

// coveredLocked reports whether an explicit recursive watch exists on a strict ancestor.
func (r *Registry) coveredLocked(key string) bool {
	return r.ownerLocked(key) != nil
}

// ownerLocked returns the nearest strict ancestor with a recursive subscription.
func (r *Registry) ownerLocked(key string) *entry {
	for k := parentKey(key); k != ""; k = parentKey(k) {
		if a := r.entries[k]; a != nil && a.recursive {
			return a
		}
	}
	return nil
}

// pruneLocked drops implicit entries no recursive watch covers any more.
func (r *Registry) pruneLocked() {
	for k, e := range r.entries {
		if e.implicit() && !r.coveredLocked(k) {
			delete(r.entries, k)
		}
	}
}

// backendOfLocked is the backend responsible for detecting changes on e.
func (r *Registry) backendOfLocked(e *entry) string {
	if !e.implicit() {
		return e.backend
	}
	if owner := r.ownerLocked(e.key); owner != nil {
		return owner.backend
	}
	return ""
}

// View returns a copy of the entries backend must scan.
func (r *Registry) View(backend string) View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v := View{Backend: backend, tracked: make(map[string]struct{}, len(r.entries))}
	for key, e := range r.entries {
		v.tracked[key] = struct{}{}
		if r.backendOfLocked(e) != backend {
			continue
		}
		v.Entries = append(v.Entries, ViewEntry{
			Path:       e.path,
			Key:        key,
			Kind:       e.kind,
			Recursive:  e.recursive || r.coveredLocked(key),
			Implicit:   e.implicit(),
			Degraded:   e.degraded,
			Generation: e.gen,
			Snapshot:   e.snap.Clone(),
		})
	}
	slices.SortFunc(v.Entries, func(a, b ViewEntry) int { return strings.Compare(a.Key, b.Key) })
	return v
}

// assignment is an explicit entry as the Service sees it when picking a backend.
type assignment struct {
	Path      string
	Backend   string
	Recursive bool
}

// explicitEntries lists explicit entries sorted by path.
func (r *Registry) explicitEntries() []assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []assignment
	for _, e := range r.entries {
		if !e.implicit() {
			out = append(out, assignment{Path: e.path, Backend: e.backend, Recursive: e.recursive})
		}
	}
	slices.SortFunc(out, func(a, b assignment) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// lookup returns the assignment of the explicit entry for path.
func (r *Registry) lookup(path string) (assignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.entries[pathKey(path)]
	if e == nil || e.implicit() {
		return assignment{}, false
	}
	return assignment{Path: e.path, Backend: e.backend, Recursive: e.recursive}, true
}

// Assign records which backend detects changes for the explicit entry at path.
func (r *Registry) Assign(path, backend string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[pathKey(path)]
	if e == nil || e.implicit() {
		return false
	}
	e.backend = backend
	return true
}

// Reassign moves every explicit entry from one backend to another and returns the entries
// (implicit children included) whose snapshots the new backend should refresh.
func (r *Registry) Reassign(from, to string) []ViewEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var moved []ViewEntry
	for key, e := range r.entries {
		if r.backendOfLocked(e) == from {
			moved = append(moved, ViewEntry{Path: e.path, Key: key, Generation: e.gen, Kind: e.kind})
		}
	}
	for _, e := range r.entries {
		if !e.implicit() && e.backend == from {
			e.backend = to
		}
	}
	return moved
}

// ResetAssignments clears every backend assignment. Used when the Service stops.
func (r *Registry) ResetAssignments() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.backend = ""
	}
}

// Refresh clears the degraded mark of the entry behind h.
func (r *Registry) Refresh(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.handles[h.id]
	if !ok {
		return domainerrors.NotFound("unknown watch handle")
	}
	if e := r.entries[key]; e != nil {
		e.degraded = false
	}
	return nil
}

// ObservedCount returns the number of explicitly watched paths.
func (r *Registry) ObservedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if !e.implicit() {
			n++
		}
	}
	return n
}

// Len returns the number of entries, implicit ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns a point-in-time copy of every entry sorted by path.
func (r *Registry) List() []WatchedPath {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WatchedPath, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.watched())
	}
	slices.SortFunc(out, func(a, b WatchedPath) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Get returns the entry for path.
func (r *Registry) Get(path string) (WatchedPath, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.entries[lookupKey(path)]
	if e == nil {
		return WatchedPath{}, false
	}
	return e.watched(), true
}
