// Package sourceselect picks which file in an unpacked source tree
// (or its patched overlay) corresponds to a compile-time path baked
// into debug info, using a fuzzy match on trailing path components
// since the build-time path rarely matches the on-disk layout
// exactly.
package sourceselect

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/nix-community/nixdebuginfod/internal/logging"
)

// WalkableDirectory is anything whose regular files can be listed,
// relative to itself. vfs.ResolvedPath implements this.
type WalkableDirectory interface {
	ListFilesRecursively() ([]string, error)
}

// Origin distinguishes a match found in the plain source tree from
// one found in the build's overlay of patched files.
type Origin int

const (
	FromSource Origin = iota
	FromOverlay
)

// Match is the outcome of GetFileForSource: a path, relative to
// either the source or the overlay directory depending on Origin.
type Match struct {
	Origin Origin
	Path   string
}

func findFileInDir(dir WalkableDirectory, fileName string) []string {
	files, err := dir.ListFilesRecursively()
	if err != nil {
		logging.L.Warn().WithField("error", err.Error()).WithMessage("failed to walk source directory").Write()
		return nil
	}
	var result []string
	for _, f := range files {
		if path.Base(f) == fileName {
			result = append(result, f)
		}
	}
	return result
}

// matchingMeasure counts how many trailing path components candidate
// and reference agree on, comparing component-by-component from the
// end. Higher is a closer match; an exact suffix match (limited by
// the shorter of the two) scores the full length of candidate.
func matchingMeasure(candidate, reference string) int {
	c := strings.Split(candidate, "/")
	r := strings.Split(reference, "/")
	limit := len(c)
	if len(r) < limit {
		limit = len(r)
	}
	for i := 0; i < limit; i++ {
		if c[len(c)-1-i] != r[len(r)-1-i] {
			return i
		}
	}
	return len(c)
}

// bestMatchingMeasure returns the candidate with the highest
// matchingMeasure against reference. ok is false if candidates is
// empty; an error means more than one candidate tied for the best
// score and there is no principled way to break the tie.
func bestMatchingMeasure(candidates []string, reference string) (best string, ok bool, err error) {
	if len(candidates) == 0 {
		return "", false, nil
	}
	bestScore := -1
	for _, c := range candidates {
		if m := matchingMeasure(c, reference); m > bestScore {
			bestScore = m
		}
	}
	var equal []string
	for _, c := range candidates {
		if matchingMeasure(c, reference) == bestScore {
			equal = append(equal, c)
		}
	}
	if len(equal) != 1 {
		slices.Sort(equal)
		return "", false, fmt.Errorf("cannot tell %v apart for target %s", equal, reference)
	}
	return equal[0], true, nil
}

// GetFileForSource attempts to find the file in sourceDir (or its
// overlayDir of patched files) that best corresponds to request, a
// compile-time source path baked into debug info. A nil Match with a
// nil error means no file with the right name exists at all; an error
// means multiple equally-good candidates exist and there is no
// principled way to choose between them.
func GetFileForSource(sourceDir, overlayDir WalkableDirectory, request string) (*Match, error) {
	filename := path.Base(request)
	if filename == "" || filename == "." || filename == "/" {
		return nil, fmt.Errorf("requested path %s has no filename", request)
	}

	candidates := findFileInDir(sourceDir, filename)
	bestSource, ok, err := bestMatchingMeasure(candidates, request)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	overlayCandidates := findFileInDir(overlayDir, filename)
	var matchingOverlay []string
	for _, oc := range overlayCandidates {
		best, ok, err := bestMatchingMeasure(candidates, oc)
		if err != nil || !ok {
			continue
		}
		if best == bestSource {
			matchingOverlay = append(matchingOverlay, oc)
		}
	}

	switch len(matchingOverlay) {
	case 0:
		return &Match{Origin: FromSource, Path: bestSource}, nil
	case 1:
		return &Match{Origin: FromOverlay, Path: matchingOverlay[0]}, nil
	default:
		logging.L.Warn().WithField("candidates", matchingOverlay).WithField("source_match", bestSource).
			WithMessage("several overlay files may correspond to the source match, returning the source match").Write()
		return &Match{Origin: FromSource, Path: bestSource}, nil
	}
}
