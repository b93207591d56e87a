package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/listenupapp/filenotify/internal/logger"
)

// recorder is an Observer that keeps what it was told.
type recorder struct {
	name   string
	events []Event
	mu     sync.Mutex
}

func newRecorder(name string) *recorder {
	return &recorder{name: name}
}

func (r *recorder) OnChange(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Lines renders the events as "type path" for compact assertions.
func (r *recorder) Lines() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, fmt.Sprintf("%s %s", e.Type, e.Path))
	}
	return out
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// tempDir returns a fresh directory with symlinks resolved, matching the paths events carry.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newPollingService returns a started polling-only Service whose ticks run only through Sync.
func newPollingService(t *testing.T, opts Options) *Service {
	t.Helper()
	opts.Backend = BackendPolling
	opts.PollInterval = time.Hour
	s := New(logger.Discard(), opts)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func syncNow(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Sync(ctx))
}
