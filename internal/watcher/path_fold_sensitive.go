//go:build !darwin && !windows

package watcher

// foldPath returns path unchanged on case-sensitive platforms.
func foldPath(path string) string {
	return path
}
