// Package id generates opaque identifiers for watch handles.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// alphabet avoids '-' so the prefix separator stays unambiguous.
const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	size     = 16
)

// New returns prefix + "_" + a random 16 character token, e.g. "wch_3fK9aQx0LmB2Tz7c".
func New(prefix string) (string, error) {
	token, err := gonanoid.Generate(alphabet, size)
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "_" + token, nil
}

// Must is like New but panics when the system has no entropy.
func Must(prefix string) string {
	v, err := New(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return v
}
