// Package storepath parses Nix store paths (/nix/store/<hash>-<name>)
// and implements the "demangle" transform that undoes a toolchain
// patch uppercasing store hashes inside debug info.
package storepath

import (
	"fmt"
	"strings"
)

// Prefix is the literal store directory every store path lives under.
const Prefix = "/nix/store/"

// HashLen is the length, in characters, of a store path's hash
// component.
const HashLen = 32

// StorePath is an absolute, validated path of the form
// /nix/store/<32-char hash>-<suffix>[/...].
type StorePath struct {
	// raw is the original path string, always starting with Prefix.
	raw string
	// name is the fourth path component: <hash>-<suffix>.
	name string
}

// Parse validates p and extracts its store-path components.
//
// p must start with the literal "/nix/store/" prefix, and its name
// component (the first path segment after the prefix) must be at
// least HashLen+2 characters (32-char hash + '-' + a non-empty suffix)
// whose first HashLen bytes are ASCII letters or digits (Nix's base-32
// alphabet, possibly uppercased by the toolchain patch Demangle undoes).
func Parse(p string) (StorePath, error) {
	if !strings.HasPrefix(p, Prefix) {
		return StorePath{}, fmt.Errorf("store path %q does not start with %s", p, Prefix)
	}
	rest := p[len(Prefix):]
	name, _, _ := strings.Cut(rest, "/")
	if name == "" {
		return StorePath{}, fmt.Errorf("store path %q is just %s, not a store path inside it", p, strings.TrimSuffix(Prefix, "/"))
	}
	if containsDotDot(rest) {
		return StorePath{}, fmt.Errorf("store path %q escapes the store directory", p)
	}
	if len(name) < HashLen+2 {
		return StorePath{}, fmt.Errorf("store path %q does not have a hash", p)
	}
	hash := name[:HashLen]
	for _, c := range hash {
		if !isHashChar(c) {
			return StorePath{}, fmt.Errorf("store path %q has a malformed hash %q", p, hash)
		}
	}
	if name[HashLen] != '-' {
		return StorePath{}, fmt.Errorf("store path %q is missing the '-' separator after the hash", p)
	}
	return StorePath{raw: p, name: name}, nil
}

func containsDotDot(rest string) bool {
	for _, seg := range strings.Split(rest, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func isHashChar(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Hash returns the 32 characters identifying the store path.
func (p StorePath) Hash() string {
	return p.name[:HashLen]
}

// Name returns the full <hash>-<suffix> path component.
func (p StorePath) Name() string {
	return p.name
}

// Root returns the store path with only the first four components:
// /nix/store/<name>.
func (p StorePath) Root() string {
	return Prefix + p.name
}

// Relative returns whatever follows the <hash>-<suffix> component,
// without a leading slash; "" if there is nothing beyond it.
func (p StorePath) Relative() string {
	rest := p.raw[len(Prefix)+len(p.name):]
	return strings.TrimPrefix(rest, "/")
}

// AsKey implements cache.Key, keyed by hash (store paths differing
// only by suffix still refer to the same content-addressed artifact
// root, but in practice suffix and hash always travel together; using
// the hash keeps keys short and slash-free).
func (p StorePath) AsKey() string {
	return p.Hash()
}

// String returns the full path, same as the input to Parse.
func (p StorePath) String() string {
	return p.raw
}

// Demangle returns a copy of p with the hash component lowercased, to
// undo a compiler patch that uppercases store hashes embedded in debug
// info so that naive text search cannot find store references.
//
// Demangle is idempotent and a no-op on already-lowercase hashes.
func (p StorePath) Demangle() StorePath {
	lower := strings.ToLower(p.name[:HashLen]) + p.name[HashLen:]
	if lower == p.name {
		return p
	}
	return StorePath{
		raw:  Prefix + lower + p.raw[len(Prefix)+len(p.name):],
		name: lower,
	}
}

// Demangle lowercases the HashLen bytes of s starting right after the
// literal "/nix/store/" prefix, without requiring s to otherwise be a
// valid store path. It clamps to len(s) when s is shorter than the
// hash window, and is a no-op for strings that don't start with the
// store prefix. This mirrors the raw byte-level transform the original
// toolchain patch undoes; callers that already have a parsed StorePath
// should prefer the (StorePath).Demangle method instead.
func Demangle(s string) string {
	storeDir := strings.TrimSuffix(Prefix, "/")
	if !strings.HasPrefix(s, storeDir) {
		return s
	}
	b := []byte(s)
	start := min(len(b), len(storeDir)+1)
	end := min(len(b), len(storeDir)+1+HashLen)
	for i := start; i < end; i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
