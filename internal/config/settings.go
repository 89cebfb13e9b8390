// Package config loads the server's flat CLI/environment configuration
// and hot-reloads an optional substituter URL list file.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Settings is the fully resolved configuration the binary runs with.
type Settings struct {
	Listen       []string
	Substituters []string
	CacheDir     string
	Expiration   time.Duration
	ListFile     string
}

// stringList is a repeatable flag.Value, one entry per occurrence.
type stringList []string

func (l *stringList) String() string {
	if l == nil {
		return ""
	}
	return fmt.Sprint([]string(*l))
}

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// Parse builds Settings from args (normally os.Args[1:]) and the
// process environment.
func Parse(args []string) (*Settings, error) {
	fs := flag.NewFlagSet("nixdebuginfod", flag.ContinueOnError)

	var listen stringList
	var substituters stringList
	fs.Var(&listen, "listen", "address to listen on (repeatable); omit to use socket activation")
	fs.Var(&substituters, "substituter", "substituter URL, one of file://, http(s)://, local: (repeatable)")
	cacheDir := fs.String("cache-dir", "", "on-disk cache root (default: see environment precedence)")
	expirationStr := fs.String("expiration", "1 day", "cache entry lifetime, e.g. \"1 day\", \"12h\"")
	substituterFile := fs.String("substituter-file", "", "optional file to hot-reload additional substituter URLs from")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	expiration, err := ParseDuration(*expirationStr)
	if err != nil {
		return nil, fmt.Errorf("-expiration: %w", err)
	}

	resolvedCacheDir := *cacheDir
	if resolvedCacheDir == "" {
		resolvedCacheDir = defaultCacheDir()
	}

	return &Settings{
		Listen:       listen,
		Substituters: substituters,
		CacheDir:     resolvedCacheDir,
		Expiration:   expiration,
		ListFile:     *substituterFile,
	}, nil
}

// defaultCacheDir resolves the cache directory precedence chain:
// explicit flag (handled by the caller) > STATE_DIRECTORY (systemd) >
// per-user cache directory > $HOME/.cache > /tmp.
func defaultCacheDir() string {
	const subdir = "nixdebuginfod"

	if dir := os.Getenv("STATE_DIRECTORY"); dir != "" {
		return filepath.Join(dir, subdir)
	}
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, subdir)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cache", subdir)
	}
	return filepath.Join(os.TempDir(), subdir)
}
