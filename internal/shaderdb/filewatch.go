package shaderdb

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/compute/internal/logging"
)

// DebounceInterval batches file-system events arriving within this window
// into a single OnFilesChanged call, matching spec.md 4.7's "debounced set
// of changed paths delivered once per polling interval" assumption about
// the file-watcher collaborator.
const DebounceInterval = 150 * time.Millisecond

// LiveEditSession owns an fsnotify.Watcher and feeds debounced batches of
// changed paths into a ShaderDatabase. This is the non-owning listener
// side of the cyclic file-watcher/shader-database relationship named in
// spec.md 9: the session holds a pointer to the database it feeds, and
// the database holds no pointer back to the session; Stop removes the
// listener.
type LiveEditSession struct {
	watcher *fsnotify.Watcher
	db      *ShaderDatabase

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	stop chan struct{}
	done chan struct{}
}

// StartLiveEdit begins watching every path currently known to have a
// dependent shader, plus any path added later via Watch, and calls
// OnFilesChanged on debounced batches of change events.
func (db *ShaderDatabase) StartLiveEdit() (*LiveEditSession, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	db.depMu.Lock()
	for path := range db.fileToShaders {
		if err := w.Add(path); err != nil {
			logging.Logger().Warn("shaderdb: failed to watch shader dependency", "path", path, "error", err)
		}
	}
	db.depMu.Unlock()

	le := &LiveEditSession{
		watcher: w,
		db:      db,
		pending: make(map[string]struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go le.run()
	return le, nil
}

// Watch adds a file to the watcher's interest set. Safe to call while the
// watcher is running.
func (le *LiveEditSession) Watch(path string) error {
	return le.watcher.Add(path)
}

func (le *LiveEditSession) run() {
	defer close(le.done)
	for {
		select {
		case ev, ok := <-le.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			le.queue(ev.Name)
		case err, ok := <-le.watcher.Errors:
			if !ok {
				return
			}
			logging.Logger().Warn("shaderdb: file watcher error", "error", err)
		case <-le.stop:
			return
		}
	}
}

func (le *LiveEditSession) queue(path string) {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.pending[path] = struct{}{}
	if le.timer != nil {
		le.timer.Stop()
	}
	le.timer = time.AfterFunc(DebounceInterval, le.flush)
}

func (le *LiveEditSession) flush() {
	le.mu.Lock()
	batch := le.pending
	le.pending = make(map[string]struct{})
	le.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	le.db.OnFilesChanged(batch)
}

// Stop tears down the watcher. The database keeps running; only the
// live-edit listener half of the cycle is removed (spec.md 9's
// "explicit remove_listener on database teardown").
func (le *LiveEditSession) Stop() {
	close(le.stop)
	le.watcher.Close()
	<-le.done
}
