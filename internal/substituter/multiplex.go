package substituter

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/exp/slices"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/logging"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
)

// Multiplexer tries its constituent substituters in priority order
// until one succeeds. An error from a substituter that still has a
// later substituter to try is logged and swallowed, not propagated —
// only the last error is returned, and only if every substituter
// either errored or reported NotFound.
type Multiplexer struct {
	substituters []Substituter
}

// NewMultiplexer builds a Multiplexer over subs, sorted (stably) by
// ascending Priority.
func NewMultiplexer(subs []Substituter) *Multiplexer {
	sorted := make([]Substituter, len(subs))
	copy(sorted, subs)
	slices.SortStableFunc(sorted, func(a, b Substituter) int {
		return int(a.Priority()) - int(b.Priority())
	})
	return &Multiplexer{substituters: sorted}
}

func (m *Multiplexer) Priority() Priority { return PriorityUnknown }

func (m *Multiplexer) BuildIDToDebugOutput(ctx context.Context, id buildid.BuildID, into string) (Presence, error) {
	return m.run(into, func(s Substituter) (Presence, error) {
		return s.BuildIDToDebugOutput(ctx, id, into)
	})
}

func (m *Multiplexer) FetchStorePath(ctx context.Context, sp storepath.StorePath, into string) (Presence, error) {
	return m.run(into, func(s Substituter) (Presence, error) {
		return s.FetchStorePath(ctx, sp, into)
	})
}

func (m *Multiplexer) run(into string, call func(Substituter) (Presence, error)) (Presence, error) {
	var last error
	for _, s := range m.substituters {
		if err := removeRecursively(into); err != nil {
			return NotFound, fmt.Errorf("clearing %s before querying %T: %w", into, s, err)
		}
		presence, err := call(s)
		switch {
		case err != nil:
			logging.L.Debug().WithField("substituter", fmt.Sprintf("%T", s)).
				WithField("error", err.Error()).WithMessage("substituter failed, trying the next one").Write()
			last = err
		case presence == Found:
			return Found, nil
		default:
			// NotFound: try the next substituter.
		}
	}
	if last != nil {
		return NotFound, last
	}
	return NotFound, nil
}

func removeRecursively(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
