//go:build !linux && !darwin && !windows

package watcher

import "log/slog"

// newPlatformNative uses fsnotify, which is kqueue on the BSDs.
func newPlatformNative(logger *slog.Logger, opts Options) (Backend, error) {
	b, err := newFsnotifyBackend(logger, opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}
