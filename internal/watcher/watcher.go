package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// EventKind classifies a local filesystem change.
type EventKind string

const (
	Created  EventKind = "created"
	Modified EventKind = "modified"
	Deleted  EventKind = "deleted"
	Renamed  EventKind = "renamed"
)

// FileEvent is a debounced local change. Paths are absolute.
// RenamedFrom is set only for Renamed events.
type FileEvent struct {
	ID          string
	Path        string
	Kind        EventKind
	RenamedFrom string
	At          time.Time
}

// Options tunes watcher behavior. The zero value is usable.
type Options struct {
	// Debounce is how long a path must stay quiet before its
	// coalesced event is emitted. Defaults to 500ms.
	Debounce time.Duration
	// RescanInterval is the polling period used when native
	// watching is unavailable. Defaults to 30s.
	RescanInterval time.Duration
	// Ignore reports whether a path should be skipped entirely.
	Ignore func(path string) bool
	// Clock is swappable for tests.
	Clock clockwork.Clock
	// Fs is swappable for tests; only used by the rescan fallback.
	Fs afero.Fs
}

// Watcher emits debounced FileEvents for changes under a root
// directory. If the native watch cannot be established (or dies) it
// degrades to periodic full rescans instead of failing.
type Watcher struct {
	root   string
	opts   Options
	events chan FileEvent
	done   chan struct{} // closed when Start returns

	mu       sync.Mutex
	pending  map[string]*pendingChange
	lastGone *goneFile
	degraded bool
}

type pendingChange struct {
	kind        EventKind
	renamedFrom string
	timer       clockwork.Timer
}

// goneFile remembers a path that just disappeared so a creation
// arriving inside the debounce window can be paired into a rename.
type goneFile struct {
	path string
	at   time.Time
}

// New prepares a watcher for root. Start must be called before any
// events are delivered.
func New(root string, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	return &Watcher{
		root:    abs,
		opts:    opts,
		events:  make(chan FileEvent, 256),
		done:    make(chan struct{}),
		pending: map[string]*pendingChange{},
	}, nil
}

// Events returns the channel of debounced changes. It is closed when
// the watcher stops.
func (w *Watcher) Events() <-chan FileEvent { return w.events }

// Degraded reports whether the watcher fell back to periodic rescans.
func (w *Watcher) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Start begins watching and blocks until ctx is cancelled. The events
// channel is closed on return.
func (w *Watcher) Start(ctx context.Context) error {
	defer close(w.events)
	defer close(w.done)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("Native file watching unavailable, falling back to periodic rescan")
		return w.rescanLoop(ctx)
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.root); err != nil {
		log.WithError(err).WithField("path", w.root).
			Warn("Failed to establish watches, falling back to periodic rescan")
		return w.rescanLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				log.Warn("Watch event stream closed, falling back to periodic rescan")
				return w.rescanLoop(ctx)
			}
			w.handleRaw(fw, ev)

		case err, ok := <-fw.Errors:
			if !ok {
				log.Warn("Watch error stream closed, falling back to periodic rescan")
				return w.rescanLoop(ctx)
			}
			log.WithError(err).Warn("File watch error")
		}
	}
}

// addRecursive walks dir and watches it plus every subdirectory.
// fsnotify does not watch recursively on its own.
func (w *Watcher) addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if w.ignored(path) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if fi.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") && path != w.root {
		return true
	}
	if w.opts.Ignore != nil && w.opts.Ignore(path) {
		return true
	}
	return false
}

func (w *Watcher) handleRaw(fw *fsnotify.Watcher, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if w.ignored(path) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			// New directory: watch it and surface the files already
			// inside (editors and unarchivers create trees at once).
			if err := w.addRecursive(fw, path); err != nil {
				log.WithError(err).WithField("path", path).Warn("Failed to watch new directory")
			}
			w.announceTree(path)
			return
		}
		w.record(path, Created)

	case ev.Op.Has(fsnotify.Write):
		w.record(path, Modified)

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.record(path, Deleted)

	case ev.Op.Has(fsnotify.Chmod):
		// Permission-only changes carry no content to sync.
	}
}

func (w *Watcher) announceTree(dir string) {
	_ = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() || w.ignored(path) {
			return nil
		}
		w.record(path, Created)
		return nil
	})
}

// record coalesces a raw change into the per-path pending map and
// (re)arms its debounce timer. A create arriving while a recent
// delete is pending elsewhere is upgraded to a rename pair.
func (w *Watcher) record(path string, kind EventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.opts.Clock.Now()

	if kind == Created && w.lastGone != nil &&
		now.Sub(w.lastGone.at) <= w.opts.Debounce && w.lastGone.path != path {
		from := w.lastGone.path
		w.lastGone = nil
		if p, ok := w.pending[from]; ok {
			p.timer.Stop()
			delete(w.pending, from)
		}
		w.arm(path, Renamed, from)
		return
	}

	if kind == Deleted {
		w.lastGone = &goneFile{path: path, at: now}
	}

	if p, ok := w.pending[path]; ok {
		p.timer.Reset(w.opts.Debounce)
		p.kind = merge(p.kind, kind)
		return
	}
	w.arm(path, kind, "")
}

// merge picks the kind that survives coalescing two raw changes on
// the same path. Create followed by write is still a create; anything
// followed by delete is a delete.
func merge(old, next EventKind) EventKind {
	if next == Deleted {
		return Deleted
	}
	if old == Created || old == Renamed {
		return old
	}
	return next
}

func (w *Watcher) arm(path string, kind EventKind, renamedFrom string) {
	p := &pendingChange{kind: kind, renamedFrom: renamedFrom}
	p.timer = w.opts.Clock.AfterFunc(w.opts.Debounce, func() {
		w.flush(path)
	})
	w.pending[path] = p
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	if w.lastGone != nil && w.lastGone.path == path {
		w.lastGone = nil
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	w.emit(FileEvent{
		ID:          uuid.NewString(),
		Path:        path,
		Kind:        p.kind,
		RenamedFrom: p.renamedFrom,
		At:          w.opts.Clock.Now(),
	})
}

// emit delivers the event, blocking when the consumer lags. A dropped
// event would be a silently missed change that only a full rescan
// could recover.
func (w *Watcher) emit(ev FileEvent) {
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// rescanState is one file's fingerprint from the previous rescan.
type rescanState struct {
	size    int64
	modTime time.Time
}

// rescanLoop is the degraded mode: walk the tree periodically and
// diff against the previous walk.
func (w *Watcher) rescanLoop(ctx context.Context) error {
	w.mu.Lock()
	w.degraded = true
	w.mu.Unlock()

	previous, err := w.scan()
	if err != nil {
		log.WithError(err).Warn("Initial rescan failed")
		previous = map[string]rescanState{}
	}

	ticker := w.opts.Clock.NewTicker(w.opts.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		current, err := w.scan()
		if err != nil {
			log.WithError(err).Warn("Rescan failed")
			continue
		}
		w.diff(previous, current)
		previous = current
	}
}

func (w *Watcher) scan() (map[string]rescanState, error) {
	state := map[string]rescanState{}
	err := afero.Walk(w.opts.Fs, w.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if w.ignored(path) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !fi.IsDir() {
			state[path] = rescanState{size: fi.Size(), modTime: fi.ModTime()}
		}
		return nil
	})
	return state, err
}

func (w *Watcher) diff(previous, current map[string]rescanState) {
	now := w.opts.Clock.Now()
	for path, cur := range current {
		prev, ok := previous[path]
		switch {
		case !ok:
			w.emit(FileEvent{ID: uuid.NewString(), Path: path, Kind: Created, At: now})
		case prev.size != cur.size || !prev.modTime.Equal(cur.modTime):
			w.emit(FileEvent{ID: uuid.NewString(), Path: path, Kind: Modified, At: now})
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			w.emit(FileEvent{ID: uuid.NewString(), Path: path, Kind: Deleted, At: now})
		}
	}
}
