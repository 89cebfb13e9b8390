// Package buildid parses and formats ELF GNU Build-IDs, the 20-byte
// identifiers embedded in executables and shared objects that a
// debuginfod server uses as the primary cache key.
package buildid

import (
	"fmt"
	"strings"
)

// Length is the number of hex characters in a valid Build-ID (20 bytes).
const Length = 40

// BuildID is an immutable, validated 40-character lowercase hex string.
type BuildID struct {
	s string
}

// Parse validates s and returns a BuildID. s may use either case for the
// hex digits; the stored/ formatted form is always lowercase.
func Parse(s string) (BuildID, error) {
	if len(s) != Length {
		return BuildID{}, fmt.Errorf("bad build-id length %d, want %d", len(s), Length)
	}
	for _, c := range s {
		if !isHex(c) {
			return BuildID{}, fmt.Errorf("bad character %q in build-id", c)
		}
	}
	return BuildID{s: strings.ToLower(s)}, nil
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// String returns the canonical lowercase 40-character form.
func (b BuildID) String() string {
	return b.s
}

// AsKey implements cache.Key: the Build-ID itself is already injective
// and slash-free, so it is used verbatim as the cache key.
func (b BuildID) AsKey() string {
	return b.s
}

// InDebugOutput derives the relative path of the artifact with the
// given extension (one of "debug", "executable", "source",
// "sourceoverlay") inside a fetched debug-output tree:
//
//	lib/debug/.build-id/AA/BBBB….EXT
func (b BuildID) InDebugOutput(extension string) string {
	return fmt.Sprintf("lib/debug/.build-id/%s/%s.%s", b.s[:2], b.s[2:], extension)
}
