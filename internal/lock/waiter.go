package lock

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// releaseWaiter wakes a contending acquirer as soon as the lock file is
// removed, instead of waiting out the full backoff delay. It is best-effort:
// when the watcher cannot be created (platform limits, exhausted fds) the
// acquirer silently falls back to pure backoff polling.
type releaseWaiter struct {
	lockPath string
	watcher  *fsnotify.Watcher
	ch       chan struct{}
	stop     chan struct{}
}

func newReleaseWaiter(lockPath string) *releaseWaiter {
	w := &releaseWaiter{
		lockPath: lockPath,
		ch:       make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return w
	}
	// Watch the directory: watching the lock file directly breaks once it is
	// removed, and the directory may outlive many lock generations.
	if err := watcher.Add(filepath.Dir(lockPath)); err != nil {
		watcher.Close()
		return w
	}
	w.watcher = watcher
	go w.loop()
	return w
}

// released delivers a (coalesced) signal whenever the lock file is removed
// or renamed away. Never delivers when no watcher could be established.
func (w *releaseWaiter) released() <-chan struct{} { return w.ch }

func (w *releaseWaiter) loop() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.lockPath {
				continue
			}
			if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
				select {
				case w.ch <- struct{}{}:
				default:
				}
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *releaseWaiter) close() {
	close(w.stop)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
