// Command nixdebuginfod serves the debuginfod HTTP contract for
// Build-IDs known to one or more Nix substituters, fetching and
// caching debug info, executables and sources on demand.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nix-community/nixdebuginfod/internal/config"
	"github.com/nix-community/nixdebuginfod/internal/httpapi"
	"github.com/nix-community/nixdebuginfod/internal/logging"
	"github.com/nix-community/nixdebuginfod/internal/resolver"
	"github.com/nix-community/nixdebuginfod/internal/substituter"
)

// shutdownTimeout bounds how long in-flight requests get to finish
// after a shutdown signal before the server is torn down regardless.
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	settings, err := config.Parse(os.Args[1:])
	if err != nil {
		logging.L.Error(err).WithMessage("failed to parse configuration").Write()
		os.Exit(1)
	}

	baseSubstituters, err := buildSubstituters(settings.Substituters)
	if err != nil {
		logging.L.Error(err).WithMessage("failed to construct substituters").Write()
		os.Exit(1)
	}

	dynSub := newDynamicSubstituter(substituter.NewMultiplexer(baseSubstituters))

	if settings.ListFile != "" {
		if err := startSubstituterFileWatcher(ctx, settings.ListFile, baseSubstituters, dynSub); err != nil {
			logging.L.Error(err).WithMessage("failed to watch substituter file").Write()
			os.Exit(1)
		}
	}

	r, err := resolver.New(settings.CacheDir, settings.Expiration, dynSub)
	if err != nil {
		logging.L.Error(err).WithMessage("failed to initialize resolver").Write()
		os.Exit(1)
	}
	r.SpawnCleanup(ctx)

	listeners, err := config.Listeners(settings.Listen)
	if err != nil {
		logging.L.Error(err).WithMessage("failed to create listener").Write()
		os.Exit(1)
	}

	handler := httpapi.New(r).Handler()
	if err := serve(ctx, listeners, handler); err != nil {
		logging.L.Error(err).WithMessage("server failed").Write()
		os.Exit(1)
	}
}

// startSubstituterFileWatcher watches filename for changes and,
// whenever it changes, rebuilds the multiplexer from base plus the
// file's current contents and swaps it into dynSub. An unparsable
// update is logged and ignored, leaving the previous multiplexer in
// place.
func startSubstituterFileWatcher(ctx context.Context, filename string, base []substituter.Substituter, dynSub *dynamicSubstituter) error {
	w, err := config.NewWatcher(func(urls []string) {
		extra, err := buildSubstituters(urls)
		if err != nil {
			logging.L.Error(err).WithField("file", filename).
				WithMessage("ignoring unparsable substituter file update").Write()
			return
		}
		combined := make([]substituter.Substituter, 0, len(base)+len(extra))
		combined = append(combined, base...)
		combined = append(combined, extra...)
		dynSub.Swap(substituter.NewMultiplexer(combined))
		logging.L.Info().WithField("file", filename).WithField("count", len(extra)).
			WithMessage("reloaded substituter file").Write()
	})
	if err != nil {
		return err
	}
	if err := w.Watch(filename); err != nil {
		w.Close()
		return err
	}
	go func() {
		<-ctx.Done()
		w.Close()
	}()

	initial, err := config.ParseSubstituterFile(filename)
	if err != nil {
		return err
	}
	if len(initial) > 0 {
		extra, err := buildSubstituters(initial)
		if err != nil {
			return err
		}
		combined := make([]substituter.Substituter, 0, len(base)+len(extra))
		combined = append(combined, base...)
		combined = append(combined, extra...)
		dynSub.Swap(substituter.NewMultiplexer(combined))
	}
	return nil
}

// serve runs an HTTP server on every listener until ctx is cancelled,
// then shuts all of them down gracefully.
func serve(ctx context.Context, listeners []net.Listener, handler http.Handler) error {
	server := &http.Server{Handler: handler}

	var wg sync.WaitGroup
	errs := make(chan error, len(listeners))
	for _, l := range listeners {
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			logging.L.Info().WithField("addr", l.Addr().String()).WithMessage("listening").Write()
			if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
				errs <- err
			}
		}(l)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
