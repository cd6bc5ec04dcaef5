package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Nudger wakes a poller up early when fsnotify sees activity near a
// watched path. It never decides that something changed on its own —
// ChangeTracker's mtime+hash check remains the single source of truth —
// it only shortens the wait before the next poll. If the underlying
// watcher fails to start (unsupported filesystem, fd exhaustion, ...)
// Nudge silently degrades to doing nothing and callers fall back to
// their plain one-second polling interval.
type Nudger struct {
	watcher *fsnotify.Watcher
	wake    chan struct{}
}

// NewNudger starts watching the directories containing each of paths.
// A nil *Nudger is valid and its Wake channel is never written to.
func NewNudger(paths ...string) *Nudger {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &Nudger{wake: make(chan struct{})}
	}

	dirs := map[string]struct{}{}
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		_ = watcher.Add(dir) // best effort; missing dirs just never fire
	}

	n := &Nudger{watcher: watcher, wake: make(chan struct{}, 1)}
	go n.run()
	return n
}

func (n *Nudger) run() {
	for {
		select {
		case _, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			select {
			case n.wake <- struct{}{}:
			default:
			}
		case _, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Wake fires (non-blocking, buffered by 1) whenever fsnotify observes
// activity in a watched directory.
func (n *Nudger) Wake() <-chan struct{} {
	if n == nil {
		return nil
	}
	return n.wake
}

// Close stops the underlying watcher, if any.
func (n *Nudger) Close() error {
	if n == nil || n.watcher == nil {
		return nil
	}
	return n.watcher.Close()
}
