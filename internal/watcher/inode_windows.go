//go:build windows

package watcher

// getInode returns 0 on Windows. os.FileInfo does not carry the file index, so rename pairing
// in the polling backend falls back to size and modification time only.
func getInode(any) uint64 {
	return 0
}
