package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

// BackendMode selects which detection mechanisms the Service may use.
type BackendMode string

const (
	// BackendAuto uses the native mechanism where it works and polling for everything else.
	BackendAuto BackendMode = "auto"
	// BackendPolling never touches the native mechanism.
	BackendPolling BackendMode = "polling"
)

// NativeMechanism picks the OS notification primitive.
type NativeMechanism string

const (
	// NativeDefault is inotify on Linux, FSEvents/ReadDirectoryChangesW on macOS/Windows and
	// kqueue elsewhere.
	NativeDefault NativeMechanism = ""
	// NativeFsnotify forces the fsnotify based backend.
	NativeFsnotify NativeMechanism = "fsnotify"
)

const (
	defaultPollInterval = 1500 * time.Millisecond
	defaultQueueSize    = 256
)

// Options configures the notification service.
type Options struct {
	Backend BackendMode
	Native  NativeMechanism
	// PollInterval is the polling tick period. Default 1.5s.
	PollInterval time.Duration
	// BatchSize caps the registry entries scanned per poll tick; 0 scans everything.
	BatchSize int
	// QueueSize is the length of each backend's delivery queue. Default 256.
	QueueSize int
	// IgnorePatterns are filepath.Match patterns tested against base names. Matching events
	// are not delivered.
	IgnorePatterns []string
	// IgnoreHidden drops events for paths with a dot-prefixed component.
	IgnoreHidden bool
}

// setDefaults applies default values to unset options.
func (o *Options) setDefaults() {
	if o.Backend == "" {
		o.Backend = BackendAuto
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.BatchSize < 0 {
		o.BatchSize = 0
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
}

// shouldIgnore checks if a path matches ignore patterns.
func (o *Options) shouldIgnore(path string) bool {
	if o.IgnoreHidden {
		for _, part := range strings.Split(filepath.Clean(path), string(filepath.Separator)) {
			if strings.HasPrefix(part, ".") && part != "." && part != ".." {
				return true
			}
		}
	}

	base := filepath.Base(path)
	for _, pattern := range o.IgnorePatterns {
		if matched, err := filepath.Match(pattern, base); err == nil && matched {
			return true
		}
	}

	return false
}
