package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	domainerrors "github.com/listenupapp/filenotify/internal/errors"
)

// resolvePath validates and canonicalizes a path for registration.
//
// The path must be absolute. Symlinks are resolved; for a path that does not exist yet the
// nearest existing ancestor is resolved and the missing tail appended. The returned key applies
// the platform's case and Unicode conventions and is what the registry indexes by.
func resolvePath(path string) (real, key string, err error) {
	if path == "" {
		return "", "", domainerrors.InvalidPath("path is empty")
	}
	if !filepath.IsAbs(path) {
		return "", "", domainerrors.InvalidPathf("path %q is not absolute", path)
	}
	path = filepath.Clean(path)

	real, err = evalExisting(path)
	if err != nil {
		return "", "", domainerrors.InvalidPathf("cannot resolve %q", path).WithCause(err)
	}
	return real, pathKey(real), nil
}

// evalExisting resolves symlinks in the longest existing prefix of path.
func evalExisting(path string) (string, error) {
	var tail []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

// pathKey returns the registry key for an already resolved path.
func pathKey(path string) string {
	return foldPath(filepath.Clean(path))
}

// lookupKey returns the key for a caller-supplied path, resolving symlinks when it can.
func lookupKey(path string) string {
	if _, key, err := resolvePath(path); err == nil {
		return key
	}
	return pathKey(path)
}

// parentKey returns the key of the directory containing key, or "" at the filesystem root.
func parentKey(key string) string {
	parent := filepath.Dir(key)
	if parent == key {
		return ""
	}
	return parent
}

// isWithin reports whether child is root itself or lies under it. Both must be keys.
func isWithin(root, child string) bool {
	if root == child {
		return true
	}
	if !strings.HasSuffix(root, string(os.PathSeparator)) {
		root += string(os.PathSeparator)
	}
	return strings.HasPrefix(child, root)
}

// isDescendant reports whether child lies strictly under root.
func isDescendant(root, child string) bool {
	return root != child && isWithin(root, child)
}
