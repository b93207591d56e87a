// Package watcher watches files and directories and tells registered observers when they are
// created, modified, deleted or renamed.
//
// A Service keeps a registry of watched paths and runs two kinds of detection backend next to
// each other: the platform's native notification mechanism (inotify on Linux, FSEvents or
// ReadDirectoryChangesW through syncthing/notify on macOS and Windows, kqueue through
// fsnotify elsewhere) and a portable polling backend. Every path goes to the native backend
// when it can take it and to polling otherwise, so one bad path never costs the others their
// native notifications.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domainerrors "github.com/listenupapp/filenotify/internal/errors"
	"github.com/listenupapp/filenotify/internal/ratelimit"
)

// State is the lifecycle state of a Service.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Service is the file notification service.
type Service struct {
	logger    *slog.Logger
	registry  *Registry
	limiter   *ratelimit.Keyed
	newNative func(*slog.Logger, Options) (Backend, error)
	run       *runState
	opts      Options
	mu        sync.Mutex
	state     State
}

// runState lives from Start to Stop.
type runState struct {
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	polling   *pollingBackend
	native    Backend
	nativeErr error
	stopped   chan struct{}
	disabled  bool
}

// nativeUsable reports whether new paths may go to the native backend.
func (rs *runState) nativeUsable() bool {
	return rs.native != nil && !rs.disabled
}

// New creates a stopped Service. Watches may be added before Start.
func New(logger *slog.Logger, opts Options) *Service {
	opts.setDefaults()
	return &Service{
		logger:    logger.With("component", "watcher"),
		registry:  NewRegistry(),
		limiter:   ratelimit.New(30*time.Second, 3, 1024),
		newNative: newPlatformNative,
		opts:      opts,
	}
}

// Start probes the native mechanism, assigns every watch to a backend and starts detection.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return domainerrors.ErrAlreadyRunning
	}
	s.state = StateStarting

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runState{
		ctx:     ctx,
		cancel:  cancel,
		group:   &errgroup.Group{},
		stopped: make(chan struct{}),
	}
	rs.polling = newPollingBackend(s.logger, s.opts, s.registry.View)

	if s.opts.Backend != BackendPolling {
		native, err := s.newNative(s.logger, s.opts)
		if err != nil {
			s.logger.Warn("native file notifications unavailable, using polling", "error", err)
			rs.nativeErr = err
		} else {
			rs.native = native
		}
	}
	s.run = rs

	for _, a := range s.registry.explicitEntries() {
		s.assignLocked(a)
	}

	backends := []Backend{rs.polling}
	if rs.native != nil {
		backends = append(backends, rs.native)
	}
	for _, b := range backends {
		q := make(chan resolved, s.opts.QueueSize)
		go s.dispatch(rs, q)
		rs.group.Go(func() error {
			return s.detect(rs, b, q)
		})
	}

	s.state = StateRunning
	s.logger.Info("watcher started",
		"watches", s.registry.ObservedCount(),
		"native", rs.native != nil,
		"poll_interval", s.opts.PollInterval)
	return nil
}

// Stop cancels detection, waits for in-flight detection cycles and releases OS resources.
// It is a no-op unless the Service is running, and it may be called from an observer: the
// delivery goroutines are never waited on, and they start no callback once Stop has begun.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	rs := s.run
	rs.cancel()
	close(rs.stopped)
	s.mu.Unlock()

	err := rs.group.Wait()
	if rs.native != nil {
		err = errors.Join(err, rs.native.Close())
	}
	s.registry.ResetAssignments()

	s.mu.Lock()
	s.state = StateStopped
	s.run = nil
	s.mu.Unlock()

	s.logger.Info("watcher stopped")
	return err
}

// AddWatch registers observer for path. While running the path is assigned to a backend
// immediately; otherwise at Start.
func (s *Service) AddWatch(path string, recursive bool, mask EventType, observer Observer) (Handle, error) {
	h, err := s.registry.Register(path, WatchOptions{Recursive: recursive, Mask: mask}, observer)
	if err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		if a, ok := s.registry.lookup(h.Path()); ok {
			s.assignLocked(a)
		}
	}
	s.logger.Debug("watch added", "path", h.Path(), "recursive", recursive, "mask", mask.normalize().String())
	return h, nil
}

// RemoveWatch drops the registration behind h. Zero and stale handles are ignored.
func (s *Service) RemoveWatch(h Handle) {
	res, ok := s.registry.Unregister(h)
	if !ok {
		return
	}
	s.logger.Debug("watch removed", "path", res.Path, "removed", res.Removed)

	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.run
	if s.state != StateRunning || rs.native == nil || res.Backend != rs.native.Name() {
		return
	}
	switch {
	case res.Removed, res.Demoted:
		s.removeNative(rs, res.Path)
	case res.LostRecursion:
		s.removeNative(rs, res.Path)
		if a, ok := s.registry.lookup(res.Path); ok {
			s.assignLocked(a)
		}
	}
}

// Refresh clears the degraded mark a scan failure left on the path behind h.
func (s *Service) Refresh(h Handle) error {
	return s.registry.Refresh(h)
}

// Sync runs a polling tick immediately and returns once its events were delivered. It must
// not be called from an observer.
func (s *Service) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return domainerrors.ErrNotRunning
	}
	rs := s.run
	s.mu.Unlock()

	return rs.polling.sync(ctx, rs.stopped)
}

// ObservedCount returns the number of explicitly watched paths.
func (s *Service) ObservedCount() int {
	return s.registry.ObservedCount()
}

// State returns the lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watches returns a copy of every registry entry.
func (s *Service) Watches() []WatchedPath {
	return s.registry.List()
}

// Watch returns the registry entry for an absolute path.
func (s *Service) Watch(path string) (WatchedPath, bool) {
	if !filepath.IsAbs(path) {
		return WatchedPath{}, false
	}
	return s.registry.Get(filepath.Clean(path))
}

// Backends describes the backends of the current run.
func (s *Service) Backends() []BackendStatus {
	counts := make(map[string]int)
	for _, a := range s.registry.explicitEntries() {
		counts[a.Backend]++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.run
	if rs == nil {
		return nil
	}

	out := []BackendStatus{{Name: backendPolling, Paths: counts[backendPolling]}}
	switch {
	case rs.native != nil:
		st := BackendStatus{Name: rs.native.Name(), Native: true, Paths: counts[rs.native.Name()], Disabled: rs.disabled}
		if rs.nativeErr != nil {
			st.Error = rs.nativeErr.Error()
		}
		out = append(out, st)
	case rs.nativeErr != nil:
		out = append(out, BackendStatus{Name: "native", Native: true, Disabled: true, Error: rs.nativeErr.Error()})
	}
	return out
}

// assignLocked puts an explicit entry on the native backend when it takes the path and on
// polling otherwise.
func (s *Service) assignLocked(a assignment) {
	rs := s.run
	if rs.nativeUsable() && rs.native.SupportsPath(a.Path) {
		err := rs.native.Add(a.Path, a.Recursive)
		if err == nil {
			s.registry.Assign(a.Path, rs.native.Name())
			return
		}
		s.logger.Debug("native watch failed, polling instead", "path", a.Path, "error", err)
	}
	if rs.native != nil && a.Backend == rs.native.Name() {
		s.removeNative(rs, a.Path)
	}
	s.registry.Assign(a.Path, backendPolling)
}

func (s *Service) removeNative(rs *runState, path string) {
	if err := rs.native.Remove(path); err != nil {
		s.logger.Debug("native unwatch failed", "path", path, "error", err)
	}
}
