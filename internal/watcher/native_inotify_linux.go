//go:build linux

package watcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	domainerrors "github.com/listenupapp/filenotify/internal/errors"
)

// Filesystem magic numbers of network and userspace filesystems, where inotify only sees
// changes made through this machine.
const (
	nfsSuperMagic  = 0x6969
	smbSuperMagic  = 0x517B
	cifsSuperMagic = 0xFF534D42
	smb2SuperMagic = 0xFE534D42
	fuseSuperMagic = 0x65735546
)

const (
	dirMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
		unix.IN_CLOSE_WRITE | unix.IN_ATTRIB | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF |
		unix.IN_ONLYDIR | unix.IN_EXCL_UNLINK
	fileMask = unix.IN_CLOSE_WRITE | unix.IN_ATTRIB | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

	nameMax = 255
)

// inotifyWatch is one watch descriptor.
type inotifyWatch struct {
	roots map[string]struct{}
	path  string
	wd    int
	dir   bool
}

// inotifyBackend watches with Linux inotify: one descriptor per watched file or directory,
// plus one per subdirectory of a recursive root.
type inotifyBackend struct {
	logger *slog.Logger
	now    func() time.Time
	byPath map[string]*inotifyWatch
	byWd   map[int]*inotifyWatch
	// roots maps every path the Service added to whether it is recursive.
	roots map[string]bool
	// fresh holds files created recently; their first writes belong to the creation.
	fresh map[string]time.Time
	// synth holds paths announced by a directory walk whose IN_CREATE may still arrive.
	synth map[string]time.Time
	// stamps holds the state of each file when its last change was reported.
	stamps stampCache
	wake   [2]int
	fd     int
	mu     sync.Mutex
	closed bool
}

func newInotifyBackend(logger *slog.Logger) (*inotifyBackend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, domainerrors.NativeUnavailablef("inotify_init1 failed").WithCause(err)
	}

	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		_ = unix.Close(fd)
		return nil, domainerrors.NativeUnavailablef("wake pipe").WithCause(err)
	}

	return &inotifyBackend{
		logger: logger.With("backend", backendInotify),
		now:    time.Now,
		fd:     fd,
		wake:   wake,
		byPath: make(map[string]*inotifyWatch),
		byWd:   make(map[int]*inotifyWatch),
		roots:  make(map[string]bool),
		fresh:  make(map[string]time.Time),
		synth:  make(map[string]time.Time),
		stamps: make(stampCache),
	}, nil
}

func (b *inotifyBackend) Name() string { return backendInotify }

// SupportsPath refuses missing paths and paths on network or FUSE filesystems.
func (b *inotifyBackend) SupportsPath(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false
	}
	//nolint:gosec // G115: filesystem magic numbers fit in 32 bits
	switch uint32(st.Type) {
	case nfsSuperMagic, smbSuperMagic, cifsSuperMagic, smb2SuperMagic, fuseSuperMagic:
		b.logger.Debug("network filesystem, leaving path to polling", "path", path)
		return false
	}
	return true
}

// Add watches path, and every subdirectory when recursive. On failure nothing stays watched
// for path.
func (b *inotifyBackend) Add(path string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domainerrors.NativeUnavailablef("inotify backend closed")
	}
	info, err := os.Stat(path)
	if err != nil {
		return domainerrors.NativeUnavailablef("cannot watch %q", path).WithCause(err)
	}

	b.roots[path] = recursive
	if !info.IsDir() {
		if err := b.watchLocked(path, false); err != nil {
			b.removeRootLocked(path)
			return domainerrors.NativeUnavailablef("cannot watch %q", path).WithCause(err)
		}
		return nil
	}

	if err := b.watchLocked(path, true); err != nil {
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
		if err := b.watchLocked(d.Path, true); err != nil {
			b.removeRootLocked(path)
			return domainerrors.NativeUnavailablef("cannot watch %q", d.Path).WithCause(err)
		}
	}
	b.logger.Debug("watching", "path", path, "recursive", recursive, "descriptors", len(b.byWd))
	return nil
}

// Remove stops watching path and every descriptor no other root needs.
func (b *inotifyBackend) Remove(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.roots[path]; !ok {
		return nil
	}
	b.removeRootLocked(path)
	return nil
}

func (b *inotifyBackend) removeRootLocked(path string) {
	delete(b.roots, path)
	for _, w := range b.byPath {
		w.roots = b.coveringRootsLocked(w.path)
		if len(w.roots) == 0 {
			b.unwatchLocked(w)
		}
	}
}

// coveringRootsLocked returns the roots that need a descriptor on path.
func (b *inotifyBackend) coveringRootsLocked(path string) map[string]struct{} {
	out := make(map[string]struct{})
	for r, recursive := range b.roots {
		if r == path || (recursive && isDescendant(r, path)) {
			out[r] = struct{}{}
		}
	}
	return out
}

// recursiveLocked reports whether a recursive root lies strictly above path.
func (b *inotifyBackend) recursiveLocked(path string) bool {
	for r, recursive := range b.roots {
		if recursive && isDescendant(r, path) {
			return true
		}
	}
	return false
}

func (b *inotifyBackend) watchLocked(path string, dir bool) error {
	if w, ok := b.byPath[path]; ok {
		w.roots = b.coveringRootsLocked(path)
		return nil
	}

	mask := uint32(fileMask)
	if dir {
		mask = dirMask
	}
	wd, err := unix.InotifyAddWatch(b.fd, path, mask)
	if err != nil {
		return err
	}
	if other, ok := b.byWd[wd]; ok {
		return domainerrors.NativeUnavailablef("%q is already watched as %q", path, other.path)
	}

	w := &inotifyWatch{wd: wd, path: path, dir: dir, roots: b.coveringRootsLocked(path)}
	b.byPath[path] = w
	b.byWd[wd] = w
	b.logger.Log(context.Background(), levelTrace, "added descriptor", "path", path, "wd", wd)
	return nil
}

func (b *inotifyBackend) unwatchLocked(w *inotifyWatch) {
	//nolint:gosec // G115: wd is always a small non-negative int from inotify
	_, _ = unix.InotifyRmWatch(b.fd, uint32(w.wd))
	b.forgetLocked(w)
}

func (b *inotifyBackend) forgetLocked(w *inotifyWatch) {
	if b.byWd[w.wd] == w {
		delete(b.byWd, w.wd)
	}
	if b.byPath[w.path] == w {
		delete(b.byPath, w.path)
	}
}

// Run blocks in poll(2) on the inotify descriptor and the wake pipe until ctx is cancelled.
func (b *inotifyBackend) Run(ctx context.Context, submit SubmitFunc) error {
	stop := context.AfterFunc(ctx, b.wakeup)
	defer stop()

	buf := make([]byte, 64*(unix.SizeofInotifyEvent+nameMax+1))
	for {
		fds := []unix.PollFd{
			{Fd: int32(b.fd), Events: unix.POLLIN},      //nolint:gosec // G115: fds fit in int32
			{Fd: int32(b.wake[0]), Events: unix.POLLIN}, //nolint:gosec // G115: fds fit in int32
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return domainerrors.Watchf("poll inotify descriptor").WithCause(err)
		}
		if ctx.Err() != nil || fds[1].Revents != 0 {
			return nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return domainerrors.Watchf("inotify descriptor failed (revents %#x)", fds[0].Revents)
		}

		n, err := unix.Read(b.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return domainerrors.Watchf("read inotify events").WithCause(err)
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}

		cs := b.parse(buf[:n])
		if cs.len() == 0 {
			continue
		}
		if !submit(ctx, Batch{Backend: backendInotify, Changes: cs.changes}) {
			return nil
		}
	}
}

func (b *inotifyBackend) wakeup() {
	_, _ = unix.Write(b.wake[1], []byte{0})
}

// Close releases the inotify descriptor and the wake pipe.
func (b *inotifyBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return errors.Join(unix.Close(b.fd), unix.Close(b.wake[0]), unix.Close(b.wake[1]))
}

// pendingMove is an IN_MOVED_FROM waiting for its IN_MOVED_TO.
type pendingMove struct {
	path string
	dir  bool
}

// readCycle is the state of parsing one read buffer.
type readCycle struct {
	cs    *changeSet
	moves map[uint32]pendingMove
	order []uint32
}

// parse turns one read buffer into changes. Moves are paired by cookie within the buffer;
// halves left over become deletions.
func (b *inotifyBackend) parse(buf []byte) *changeSet {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pruneLocked(now)
	rc := &readCycle{cs: newChangeSet(now), moves: make(map[uint32]pendingMove)}

	for off := 0; off+unix.SizeofInotifyEvent <= len(buf); {
		//nolint:gosec // G103: Legitimate use of unsafe for syscall interface with inotify
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		end := off + unix.SizeofInotifyEvent + int(raw.Len)
		if end > len(buf) {
			break
		}
		name := buf[off+unix.SizeofInotifyEvent : end]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		b.handleLocked(rc, int(raw.Wd), raw.Mask, raw.Cookie, string(name))
		off = end
	}

	for _, cookie := range rc.order {
		if m, ok := rc.moves[cookie]; ok {
			b.movedAwayLocked(rc.cs, m)
		}
	}
	return rc.cs
}

func (b *inotifyBackend) handleLocked(rc *readCycle, wd int, mask, cookie uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		b.logger.Warn("inotify queue overflowed, events were lost")
		return
	}
	w := b.byWd[wd]
	if w == nil {
		return
	}
	if mask&unix.IN_IGNORED != 0 {
		b.forgetLocked(w)
		return
	}
	if name == "" {
		b.selfLocked(rc.cs, w, mask)
		return
	}

	path := filepath.Join(w.path, name)
	isDir := mask&unix.IN_ISDIR != 0
	switch {
	case mask&unix.IN_CREATE != 0:
		b.createdLocked(rc.cs, path, isDir)
	case mask&unix.IN_MOVED_FROM != 0:
		rc.moves[cookie] = pendingMove{path: path, dir: isDir}
		rc.order = append(rc.order, cookie)
	case mask&unix.IN_MOVED_TO != 0:
		if m, ok := rc.moves[cookie]; ok && cookie != 0 {
			delete(rc.moves, cookie)
			b.renamedLocked(rc.cs, m.path, path, isDir)
			return
		}
		b.createdLocked(rc.cs, path, isDir)
	case mask&unix.IN_DELETE != 0:
		delete(b.fresh, path)
		b.stamps.forget(path)
		rc.cs.add(EventDeleted, path, "", nil)
	case mask&(unix.IN_CLOSE_WRITE|unix.IN_ATTRIB) != 0:
		if isDir {
			return
		}
		if _, own := b.byPath[path]; own {
			return
		}
		b.modifiedLocked(rc.cs, path, mask)
	}
}

// selfLocked handles events on the watched path itself. Removal is reported by the parent's
// descriptor when there is one.
func (b *inotifyBackend) selfLocked(cs *changeSet, w *inotifyWatch, mask uint32) {
	switch {
	case mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_UNMOUNT) != 0:
		if parent, ok := b.byPath[filepath.Dir(w.path)]; ok && parent.dir {
			return
		}
		cs.add(EventDeleted, w.path, "", nil)
	case !w.dir && mask&(unix.IN_CLOSE_WRITE|unix.IN_ATTRIB) != 0:
		b.modifiedLocked(cs, w.path, mask)
	}
}

// modifiedLocked reports a file write or attribute change. Writes that finish a creation and
// the attribute change of an unlink are not modifications.
func (b *inotifyBackend) modifiedLocked(cs *changeSet, path string, mask uint32) {
	if _, ok := b.fresh[path]; ok {
		if mask&unix.IN_CLOSE_WRITE != 0 {
			delete(b.fresh, path)
		}
		return
	}
	snap, err := takeSnapshot(path)
	if err != nil || !snap.Exists || snap.Kind != KindFile {
		return
	}
	if !b.stamps.changed(path, inotifyStamp(snap), cs.now) {
		return
	}
	cs.add(EventModified, path, "", &snap)
}

// inotifyStamp adds the change time, which moves on every write and attribute change.
func inotifyStamp(snap Snapshot) fileStamp {
	st := stampOf(snap)
	var sys unix.Stat_t
	if err := unix.Stat(snap.Path, &sys); err == nil {
		st.ctime = sys.Ctim.Nano()
	}
	return st
}

// createdLocked reports a new child. A new directory under a recursive root is watched and
// whatever it already holds is announced as created, parents first.
func (b *inotifyBackend) createdLocked(cs *changeSet, path string, isDir bool) {
	if _, ok := b.synth[path]; ok {
		delete(b.synth, path)
		return
	}
	if !isDir {
		b.fresh[path] = cs.now
		snap, err := takeSnapshot(path)
		if err != nil || !snap.Exists {
			snap = Snapshot{Path: path, Exists: true, Kind: KindFile}
		} else {
			b.stamps.changed(path, inotifyStamp(snap), cs.now)
		}
		cs.add(EventCreated, path, "", &snap)
		return
	}

	if !b.recursiveLocked(path) {
		snap, err := takeSnapshot(path)
		if err != nil || !snap.Exists {
			snap = Snapshot{Path: path, Exists: true, Kind: KindDirectory}
		}
		cs.add(EventCreated, path, "", &snap)
		return
	}

	snap, desc := b.adoptLocked(cs, path)
	cs.add(EventCreated, path, "", &snap)
	for _, d := range desc {
		b.synth[d.Path] = cs.now
		cs.add(EventCreated, d.Path, "", &d)
	}
}

// adoptLocked watches dir and its subdirectories, each before it is listed so nothing created
// in between goes unseen. It returns dir's snapshot and its descendants in pre-order.
func (b *inotifyBackend) adoptLocked(cs *changeSet, dir string) (Snapshot, []Snapshot) {
	if err := b.watchLocked(dir, true); err != nil {
		b.logger.Debug("cannot watch new directory", "path", dir, "error", err)
		cs.addError(dir, domainerrors.Watchf("cannot watch %q", dir).WithCause(err))
	}
	snap, err := takeSnapshot(dir)
	if err != nil || !snap.Exists {
		return Snapshot{Path: dir, Exists: true, Kind: KindDirectory}, nil
	}

	var desc []Snapshot
	for _, name := range sortedNames(snap.Children) {
		child := filepath.Join(dir, name)
		ci := snap.Children[name]
		if ci.Kind != KindDirectory {
			desc = append(desc, childSnapshot(child, ci))
			continue
		}
		sub, subDesc := b.adoptLocked(cs, child)
		desc = append(desc, sub)
		desc = append(desc, subDesc...)
	}
	return snap, desc
}

// renamedLocked reports a move inside the watched area. Descriptors of a moved directory
// follow it; roots inside it are reported deleted so the Service can poll them.
func (b *inotifyBackend) renamedLocked(cs *changeSet, from, to string, isDir bool) {
	delete(b.fresh, from)
	b.stamps.forget(from)
	if !isDir {
		snap, err := takeSnapshot(to)
		if err != nil || !snap.Exists {
			snap = Snapshot{Path: to, Exists: true, Kind: KindFile}
		} else {
			b.stamps.changed(to, inotifyStamp(snap), cs.now)
		}
		cs.addRename(from, to, &snap, nil)
		return
	}

	b.rootsGoneLocked(cs, from)
	var moved []*inotifyWatch
	for _, w := range b.byPath {
		if _, root := b.roots[w.path]; !root && isWithin(from, w.path) {
			moved = append(moved, w)
		}
	}
	for _, w := range moved {
		delete(b.byPath, w.path)
		w.path = filepath.Join(to, w.path[len(from):])
		b.byPath[w.path] = w
	}
	for _, w := range b.byPath {
		if isWithin(to, w.path) {
			if w.roots = b.coveringRootsLocked(w.path); len(w.roots) == 0 {
				b.unwatchLocked(w)
			}
		}
	}

	if !b.recursiveLocked(to) {
		snap, err := takeSnapshot(to)
		if err != nil || !snap.Exists {
			snap = Snapshot{Path: to, Exists: true, Kind: KindDirectory}
		}
		cs.addRename(from, to, &snap, nil)
		return
	}
	snap, desc := b.adoptLocked(cs, to)
	cs.addRename(from, to, &snap, desc)
}

// movedAwayLocked handles an IN_MOVED_FROM whose destination is not watched.
func (b *inotifyBackend) movedAwayLocked(cs *changeSet, m pendingMove) {
	delete(b.fresh, m.path)
	b.stamps.forget(m.path)
	cs.add(EventDeleted, m.path, "", nil)
	if !m.dir {
		return
	}
	b.rootsGoneLocked(cs, m.path)
	for _, w := range b.byPath {
		if _, root := b.roots[w.path]; !root && isWithin(m.path, w.path) {
			b.unwatchLocked(w)
		}
	}
}

// rootsGoneLocked reports roots strictly inside a directory that moved away.
func (b *inotifyBackend) rootsGoneLocked(cs *changeSet, dir string) {
	for r := range b.roots {
		if isDescendant(dir, r) {
			cs.add(EventDeleted, r, "", nil)
		}
	}
}

func (b *inotifyBackend) pruneLocked(now time.Time) {
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
}
