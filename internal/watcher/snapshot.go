package watcher

import (
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Kind distinguishes files from directories.
type Kind uint8

const (
	// KindFile is anything that is not a directory, symlinks included.
	KindFile Kind = iota
	// KindDirectory is a directory.
	KindDirectory
)

// String returns "file" or "directory".
func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// ChildInfo is the recorded state of one directory entry.
type ChildInfo struct {
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
	Inode   uint64    `json:"inode,omitempty"`
	Kind    Kind      `json:"kind"`
}

// Snapshot is the last observed state of a watched path.
type Snapshot struct {
	ModTime  time.Time            `json:"mod_time"`
	Children map[string]ChildInfo `json:"children,omitempty"`
	Path     string               `json:"path"`
	Size     int64                `json:"size"`
	Inode    uint64               `json:"inode,omitempty"`
	Exists   bool                 `json:"exists"`
	Kind     Kind                 `json:"kind"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	if s.Children != nil {
		s.Children = maps.Clone(s.Children)
	}
	return s
}

// childInfo is the entry the parent directory keeps for this path.
func (s Snapshot) childInfo() ChildInfo {
	return ChildInfo{Kind: s.Kind, Size: s.Size, ModTime: s.ModTime, Inode: s.Inode}
}

// missingSnapshot records that path does not exist.
func missingSnapshot(path string, kind Kind) Snapshot {
	return Snapshot{Path: path, Kind: kind}
}

// childSnapshot builds a snapshot of a directory entry from its parent's record.
func childSnapshot(path string, ci ChildInfo) Snapshot {
	return Snapshot{Path: path, Exists: true, Kind: ci.Kind, Size: ci.Size, ModTime: ci.ModTime, Inode: ci.Inode}
}

// takeSnapshot stats path and, for directories, lists its children. A path that does not exist
// yields Exists=false and no error. Children that vanish while being listed are skipped.
func takeSnapshot(path string) (Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return missingSnapshot(path, KindFile), nil
		}
		return Snapshot{Path: path}, err
	}

	snap := Snapshot{
		Path:    path,
		Exists:  true,
		Kind:    KindFile,
		ModTime: info.ModTime(),
		Size:    info.Size(),
		Inode:   getInode(info.Sys()),
	}
	if !info.IsDir() {
		return snap, nil
	}

	snap.Kind = KindDirectory
	snap.Size = 0
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return missingSnapshot(path, KindDirectory), nil
		}
		return Snapshot{Path: path, Kind: KindDirectory}, err
	}

	snap.Children = make(map[string]ChildInfo, len(entries))
	for _, de := range entries {
		ci, err := entryInfo(de)
		if err != nil {
			continue
		}
		snap.Children[de.Name()] = ci
	}
	return snap, nil
}

// entryInfo describes a directory entry without following symlinks.
func entryInfo(de fs.DirEntry) (ChildInfo, error) {
	info, err := de.Info()
	if err != nil {
		return ChildInfo{}, err
	}
	ci := ChildInfo{Kind: KindFile, ModTime: info.ModTime(), Size: info.Size(), Inode: getInode(info.Sys())}
	if info.IsDir() {
		ci.Kind = KindDirectory
		ci.Size = 0
	}
	return ci, nil
}

// walkTree snapshots root and every descendant in pre-order with names sorted, so a directory
// always precedes its contents. Directories carry their child sets. Unreadable subtrees are
// skipped. The root is not included in the result.
func walkTree(root Snapshot) []Snapshot {
	if !root.Exists || root.Kind != KindDirectory {
		return nil
	}
	var out []Snapshot
	for _, name := range sortedNames(root.Children) {
		p := filepath.Join(root.Path, name)
		ci := root.Children[name]
		if ci.Kind != KindDirectory {
			out = append(out, childSnapshot(p, ci))
			continue
		}
		sub, err := takeSnapshot(p)
		if err != nil || !sub.Exists {
			continue
		}
		out = append(out, sub)
		out = append(out, walkTree(sub)...)
	}
	return out
}

func sortedNames(children map[string]ChildInfo) []string {
	return slices.Sorted(maps.Keys(children))
}

// contentChanged reports a file content or metadata change.
func contentChanged(prev, cur ChildInfo) bool {
	return prev.Size != cur.Size || !prev.ModTime.Equal(cur.ModTime)
}
