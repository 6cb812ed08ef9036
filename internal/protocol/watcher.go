package protocol

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/bounceproto/bounce/internal/logging"
)

// Watcher tails a session log and delivers entries appended by other
// writers, in file order, over Entries(). Entries already present when
// the watcher starts are not delivered.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	entries chan Entry
	logger  *logging.Logger

	mu   sync.Mutex
	seen map[string]bool

	done      chan struct{}
	closeOnce sync.Once
}

// WatchSession starts watching a session log for appended entries.
// The logger may be nil.
func WatchSession(path string, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so the watch survives atomic replace patterns.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    path,
		fsw:     fsw,
		entries: make(chan Entry, 64),
		logger:  logger,
		seen:    make(map[string]bool),
		done:    make(chan struct{}),
	}

	// Seed with entries already on disk so only new appends are delivered.
	if data, err := os.ReadFile(path); err == nil {
		result := ParseSession(string(data))
		for _, e := range result.Session.Entries {
			w.seen[e.ID] = true
		}
	}

	go w.loop()
	return w, nil
}

// Entries returns the channel of newly appended entries. The channel is
// closed when the watcher is closed.
func (w *Watcher) Entries() <-chan Entry {
	return w.entries
}

// Close stops watching and closes the entries channel. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.entries)

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.deliverNew()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("session watch error", "path", w.path, "error", err.Error())
		}
	}
}

// deliverNew re-parses the file and sends entries not seen before.
func (w *Watcher) deliverNew() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("session re-read failed", "path", w.path, "error", err.Error())
		return
	}
	result := ParseSession(string(data))

	w.mu.Lock()
	var fresh []Entry
	for _, e := range result.Session.Entries {
		if e.ID == "" || w.seen[e.ID] {
			continue
		}
		w.seen[e.ID] = true
		fresh = append(fresh, e)
	}
	w.mu.Unlock()

	for _, e := range fresh {
		select {
		case w.entries <- e:
		case <-w.done:
			return
		}
	}
}
