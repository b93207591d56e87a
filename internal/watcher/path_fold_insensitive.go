//go:build darwin || windows

package watcher

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// foldPath case-folds and NFC-normalizes path. The default macOS and Windows filesystems are
// case-insensitive, and macOS hands back decomposed names, so "Café" and "CAFÉ" are the
// same entry.
func foldPath(path string) string {
	return cases.Fold().String(norm.NFC.String(path))
}
