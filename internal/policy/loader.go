package policy

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Loader serves a Policy parsed from a fixed path, re-parsing only when the
// file's mtime changes and refreshing on fsnotify Write/Create events. This
// resolves the spec's open question on config reload: Pilot never requires a
// restart to pick up a policy edit.
//
// Grounded on the teacher's pattern of caching expensive derived state behind
// a mtime check (internal/quota.Manager.state caching) and enriched with
// fsnotify, a dependency the wider example pack pulls in for this exact
// purpose.
type Loader struct {
	path string

	mu      sync.RWMutex
	current *Policy
	mtime   int64

	watcher *fsnotify.Watcher
	closed  atomic.Bool
}

// NewLoader parses path once and starts a background watcher that refreshes
// the cached Policy on change. Call Close when done.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	if err := l.refresh(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		// No inotify available (e.g. some sandboxes): degrade to mtime-only
		// polling via Get's lazy refresh, still correct, just not instant.
		return l, nil
	}
	l.watcher = w
	if err := w.Add(path); err != nil {
		_ = w.Close()
		l.watcher = nil
		return l, nil
	}

	go l.watchLoop()
	return l, nil
}

func (l *Loader) watchLoop() {
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				_ = l.refresh()
			}
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Get returns the current Policy, performing a cheap mtime check first so a
// missed fsnotify event (or a degraded, watcherless Loader) never serves a
// permanently stale document.
func (l *Loader) Get() *Policy {
	if info, err := os.Stat(l.path); err == nil {
		l.mu.RLock()
		stale := info.ModTime().UnixNano() != l.mtime
		l.mu.RUnlock()
		if stale {
			_ = l.refresh()
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *Loader) refresh() error {
	p, err := Load(l.path)
	if err != nil {
		return err
	}
	var mtime int64
	if info, statErr := os.Stat(l.path); statErr == nil {
		mtime = info.ModTime().UnixNano()
	}
	l.mu.Lock()
	l.current = p
	l.mtime = mtime
	l.mu.Unlock()
	return nil
}

// Close stops the background watcher. Safe to call more than once.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	if l.closed.CompareAndSwap(false, true) {
		return l.watcher.Close()
	}
	return nil
}
