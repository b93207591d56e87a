//go:build unix

package watcher

import "syscall"

// getInode extracts the inode number from os.FileInfo.Sys().
// Snapshots use it as an identity hint when pairing renames.
func getInode(sys any) uint64 {
	if stat, ok := sys.(*syscall.Stat_t); ok {
		return uint64(stat.Ino) //nolint:unconvert // Ino is uint32 on some platforms
	}
	return 0
}
