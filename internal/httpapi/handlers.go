package httpapi

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/logging"
	"github.com/nix-community/nixdebuginfod/internal/resolver"
	"github.com/nix-community/nixdebuginfod/internal/vfs"
)

func (s *Server) handleDebugInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := parseBuildID(w, r)
	if !ok {
		return
	}
	resolved, err := s.resolver.DebugInfo(r.Context(), id)
	respondWithResolved(w, r, resolved, err)
}

func (s *Server) handleExecutable(w http.ResponseWriter, r *http.Request) {
	id, ok := parseBuildID(w, r)
	if !ok {
		return
	}
	resolved, err := s.resolver.Executable(r.Context(), id)
	respondWithResolved(w, r, resolved, err)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	id, ok := parseBuildID(w, r)
	if !ok {
		return
	}
	path := r.PathValue("path")
	if path == "" {
		http.Error(w, "missing source path", http.StatusUnprocessableEntity)
		return
	}
	resolved, err := s.resolver.Source(r.Context(), id, path)
	respondWithResolved(w, r, resolved, err)
}

func (s *Server) handleSection(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "ELF sections are not served", http.StatusNotImplemented)
}

func parseBuildID(w http.ResponseWriter, r *http.Request) (buildid.BuildID, bool) {
	id, err := buildid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid build-id: "+err.Error(), http.StatusUnprocessableEntity)
		return buildid.BuildID{}, false
	}
	return id, true
}

// respondWithResolved streams resolved to w, or answers the
// appropriate 404/422/500. A nil resolved with a nil err means "not
// found". resolved is always released exactly once.
func respondWithResolved(w http.ResponseWriter, r *http.Request, resolved *vfs.ResolvedPath, err error) {
	if errors.Is(err, resolver.ErrInvalidRequest) {
		http.Error(w, "invalid request: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		logging.L.Error(err).WithField("path", r.URL.Path).WithMessage("resolving request").Write()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if resolved == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer resolved.Release()

	kind, err := resolved.Kind()
	if err != nil {
		logging.L.Error(err).WithField("path", r.URL.Path).WithMessage("stat resolved path").Write()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if kind != vfs.File {
		logging.L.Error(errors.New("resolved path is a directory")).
			WithField("path", r.URL.Path).WithMessage("expected a file").Write()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	f, err := resolved.Open()
	if err != nil {
		logging.L.Error(err).WithField("path", r.URL.Path).WithMessage("opening resolved path").Write()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.Header().Set("Content-Type", "application/octet-stream")

	if _, err := io.Copy(w, f); err != nil && !errors.Is(err, os.ErrClosed) {
		logging.L.Warn().WithField("path", r.URL.Path).WithField("error", err.Error()).
			WithMessage("streaming response body failed, client likely disconnected").Write()
	}
}
