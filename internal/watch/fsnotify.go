package watch

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/autodbg/internal/logging"
)

// DefaultDebounce is the window used to coalesce writes and to pair a
// rename with the create of its destination.
const DefaultDebounce = 100 * time.Millisecond

// FSSource turns file system notifications for one script into Events.
// It watches the script's directory so atomic saves, moves and
// re-creations are seen.
type FSSource struct {
	watcher *fsnotify.Watcher
	delay   time.Duration
	logger  *logging.Logger

	mu      sync.Mutex
	path    string
	inert   bool
	write   *time.Timer
	renamed *time.Timer
	closed  bool

	events    chan Event
	errors    chan error
	closeCh   chan struct{}
	closeOnce sync.Once
	closedWg  sync.WaitGroup
}

// SourceOption configures an FSSource.
type SourceOption func(*FSSource)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) SourceOption {
	return func(s *FSSource) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithSourceLogger sets the logger.
func WithSourceLogger(l *logging.Logger) SourceOption {
	return func(s *FSSource) {
		if l != nil {
			s.logger = l.WithComponent("fswatch")
		}
	}
}

// NewFSSource watches the script at path.
func NewFSSource(path string, opts ...SourceOption) (*FSSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	s := &FSSource{
		watcher: fsw,
		delay:   DefaultDebounce,
		logger:  logging.Nop(),
		path:    abs,
		events:  make(chan Event, 16),
		errors:  make(chan error, 16),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.closedWg.Add(1)
	go s.processLoop()
	return s, nil
}

// Events returns the event channel. It is closed by Close.
func (s *FSSource) Events() <-chan Event {
	return s.events
}

// Errors returns the error channel. It is closed by Close.
func (s *FSSource) Errors() <-chan error {
	return s.errors
}

// Path returns the path currently tracked.
func (s *FSSource) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Close stops watching.
func (s *FSSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)

		s.mu.Lock()
		s.closed = true
		stopTimer(s.write)
		stopTimer(s.renamed)
		s.mu.Unlock()

		s.closedWg.Wait()
		close(s.events)
		close(s.errors)
		err = s.watcher.Close()
	})
	return err
}

func (s *FSSource) processLoop() {
	defer s.closedWg.Done()

	for {
		select {
		case <-s.closeCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			default:
			}
		}
	}
}

// handle classifies one notification:
//   - write or create of the tracked path: Modified, debounced
//   - rename of the tracked path: Moved if another file is created within
//     the window, Modified if the path itself is re-created, else Deleted
//   - remove of the tracked path: Deleted
//   - create of the tracked path after a deletion: Retarget
func (s *FSSource) handle(ev fsnotify.Event) {
	name, err := filepath.Abs(ev.Name)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	tracked := name == s.path

	switch {
	case s.inert:
		if tracked && ev.Has(fsnotify.Create) {
			s.inert = false
			s.emitLocked(Event{Kind: Retarget, Path: name})
		}

	case s.renamed != nil && ev.Has(fsnotify.Create):
		stopTimer(s.renamed)
		s.renamed = nil
		if tracked {
			s.scheduleWriteLocked()
			return
		}
		s.path = name
		s.emitLocked(Event{Kind: Moved, Path: name})

	case !tracked:
		// another file in the directory

	case ev.Has(fsnotify.Rename):
		stopTimer(s.write)
		s.write = nil
		s.renamed = time.AfterFunc(s.delay, s.renameExpired)

	case ev.Has(fsnotify.Remove):
		stopTimer(s.write)
		s.write = nil
		s.inert = true
		s.emitLocked(Event{Kind: Deleted, Path: name})

	case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create):
		s.scheduleWriteLocked()
	}
}

func (s *FSSource) scheduleWriteLocked() {
	if s.write != nil {
		s.write.Reset(s.delay)
		return
	}
	s.write = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.write == nil {
			return
		}
		s.write = nil
		s.emitLocked(Event{Kind: Modified, Path: s.path})
	})
}

func (s *FSSource) renameExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.renamed == nil {
		return
	}
	s.renamed = nil
	s.inert = true
	s.emitLocked(Event{Kind: Deleted, Path: s.path})
}

// emitLocked delivers ev unless the source is closing. s.mu is held; the
// reader never takes it.
func (s *FSSource) emitLocked(ev Event) {
	s.logger.Debug("%s %s", ev.Kind, ev.Path)
	select {
	case s.events <- ev:
	case <-s.closeCh:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
