// Package httpapi serves the subset of the public debuginfod HTTP
// contract this server implements, translating resolver results into
// the 200/404/422/500/501 status codes standard debuginfod clients
// expect.
package httpapi

import (
	"net/http"

	"github.com/nix-community/nixdebuginfod/internal/resolver"
)

// Server wraps a resolver.Resolver with the HTTP routes debuginfod
// clients speak.
type Server struct {
	resolver *resolver.Resolver
}

// New builds a Server backed by r.
func New(r *resolver.Resolver) *Server {
	return &Server{resolver: r}
}

// Handler builds the request router. Every route is GET-only, matching
// the read-only debuginfod contract.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /buildid/{id}/debuginfo", s.handleDebugInfo)
	mux.HandleFunc("GET /buildid/{id}/executable", s.handleExecutable)
	mux.HandleFunc("GET /buildid/{id}/source/{path...}", s.handleSource)
	mux.HandleFunc("GET /buildid/{id}/section/{name}", s.handleSection)
	return mux
}
