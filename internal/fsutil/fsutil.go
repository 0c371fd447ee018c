// SPDX-License-Identifier: MIT

// Package fsutil holds small filesystem helpers shared across the daemon.
package fsutil

import "strings"

// unsafe lists characters that are rejected by at least one common
// filesystem.
const unsafe = `<>:"/\|?*`

// SafeFileName replaces spaces and non-filesystem-safe characters in name
// with underscores. An empty result collapses to "unnamed".
func SafeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == ' ' || strings.ContainsRune(unsafe, r):
			b.WriteByte('_')
		case r < 0x20:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.Trim(out, "_") == "" {
		return "unnamed"
	}
	return out
}

// Stem returns the file name without its final extension.
func Stem(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
