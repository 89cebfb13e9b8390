package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchCallback receives the parsed substituter URL list every time the
// watched file changes.
type WatchCallback func(urls []string)

// Watcher hot-reloads the optional substituter URL list file: one
// "file://", "http(s)://" or "local:" URL per line, blank lines and
// lines starting with "#" ignored.
type Watcher struct {
	mu            sync.Mutex
	watcher       *fsnotify.Watcher
	callback      WatchCallback
	debounceTimer *time.Timer
	watching      string
	pending       map[string]bool
}

// NewWatcher builds a Watcher that calls callback with the freshly
// parsed URL list whenever filename changes on disk.
func NewWatcher(callback WatchCallback) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher:  watcher,
		callback: callback,
		pending:  make(map[string]bool),
	}, nil
}

// Watch starts watching filename, which need not exist yet (a file
// created later at the same path is picked up). Only one file may be
// watched per Watcher.
func (w *Watcher) Watch(filename string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	absPath, err := filepath.Abs(filename)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", filename, err)
	}
	if w.watching == absPath {
		return nil
	}

	dir := filepath.Dir(absPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	if _, err := os.Stat(absPath); err == nil {
		if err := w.watcher.Add(absPath); err != nil {
			return fmt.Errorf("watching %s: %w", absPath, err)
		}
	}

	w.watching = absPath
	go w.watchLoop(absPath)
	return nil
}

func (w *Watcher) watchLoop(filename string) {
	const debounceInterval = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != filename {
				continue
			}

			w.mu.Lock()
			if event.Op&fsnotify.Create == fsnotify.Create {
				_ = w.watcher.Add(filename)
			}
			w.pending[filename] = true
			if w.debounceTimer != nil {
				w.debounceTimer.Stop()
			}
			w.debounceTimer = time.AfterFunc(debounceInterval, func() {
				w.handleChange(filename)
			})
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "config watcher error: %v\n", err)
		}
	}
}

func (w *Watcher) handleChange(filename string) {
	w.mu.Lock()
	delete(w.pending, filename)
	w.mu.Unlock()

	urls, err := ParseSubstituterFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config watcher: reparsing %s: %v\n", filename, err)
		return
	}
	if w.callback != nil {
		w.callback(urls)
	}
}

// Close stops watching and releases the underlying inotify/kqueue
// handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	return w.watcher.Close()
}

// ParseSubstituterFile reads one substituter URL per non-blank,
// non-comment line.
func ParseSubstituterFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
