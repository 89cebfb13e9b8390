package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/resolver"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
	"github.com/nix-community/nixdebuginfod/internal/substituter"
)

const testBuildID = "0e20481820d3b92468102b35a5e4a29a8695c1af"

// fakeSubstituter answers exactly the fixtures registered on it.
type fakeSubstituter struct {
	debugOutputs map[string]func(into string) error
}

func (f *fakeSubstituter) Priority() substituter.Priority { return substituter.PriorityLocal }

func (f *fakeSubstituter) BuildIDToDebugOutput(_ context.Context, id buildid.BuildID, into string) (substituter.Presence, error) {
	build, ok := f.debugOutputs[id.String()]
	if !ok {
		return substituter.NotFound, nil
	}
	if err := os.MkdirAll(into, 0o755); err != nil {
		return substituter.NotFound, err
	}
	if err := build(into); err != nil {
		return substituter.NotFound, err
	}
	return substituter.Found, nil
}

func (f *fakeSubstituter) FetchStorePath(_ context.Context, _ storepath.StorePath, _ string) (substituter.Presence, error) {
	return substituter.NotFound, nil
}

func newTestServer(t *testing.T, sub substituter.Substituter) *Server {
	t.Helper()
	r, err := resolver.New(t.TempDir(), time.Hour, sub)
	require.NoError(t, err)
	return New(r)
}

func TestDebugInfoRouteServesFile(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	sub := &fakeSubstituter{debugOutputs: map[string]func(into string) error{
		id.String(): func(into string) error {
			path := filepath.Join(into, id.InDebugOutput("debug"))
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			return os.WriteFile(path, []byte("debug bytes"), 0o644)
		},
	}}

	srv := newTestServer(t, sub)
	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id.String()+"/debuginfo", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
	assert.Equal(t, "debug bytes", rec.Body.String())
}

func TestDebugInfoRouteMissingIs404(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	srv := newTestServer(t, &fakeSubstituter{debugOutputs: map[string]func(into string) error{}})
	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id.String()+"/debuginfo", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugInfoRouteBadBuildIDIs422(t *testing.T) {
	srv := newTestServer(t, &fakeSubstituter{})
	req := httptest.NewRequest(http.MethodGet, "/buildid/not-a-build-id/debuginfo", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSourceRouteBadStorePathReferenceIs422(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	srv := newTestServer(t, &fakeSubstituter{})
	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id.String()+"/source/nix/store/not-a-valid-store-path", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSectionRouteIsNotImplemented(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	srv := newTestServer(t, &fakeSubstituter{})
	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id.String()+"/section/.text", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestExecutableRouteMissingIs404(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	srv := newTestServer(t, &fakeSubstituter{debugOutputs: map[string]func(into string) error{}})
	req := httptest.NewRequest(http.MethodGet, "/buildid/"+id.String()+"/executable", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
