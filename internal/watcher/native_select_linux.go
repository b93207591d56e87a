//go:build linux

package watcher

import "log/slog"

// newPlatformNative creates the inotify backend, or the fsnotify one when asked for.
func newPlatformNative(logger *slog.Logger, opts Options) (Backend, error) {
	if opts.Native == NativeFsnotify {
		b, err := newFsnotifyBackend(logger, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	b, err := newInotifyBackend(logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}
