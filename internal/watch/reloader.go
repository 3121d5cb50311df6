// Package watch relaunches a debug session when its script changes.
//
// A Reloader owns the script path, a Launcher that builds sessions, and at
// most one live session. File events are queued and handled one at a time
// in arrival order; a relaunch fully replaces the previous session before
// the next event is taken from the queue.
package watch

import (
	"context"
	"errors"
	"sync"

	"github.com/dshills/autodbg/internal/logging"
)

// ErrReloaderRunning is returned by Run when the reloader is already running.
var ErrReloaderRunning = errors.New("reloader is already running")

// EventKind identifies how the watched script changed.
type EventKind int

const (
	// Modified means the script content changed in place.
	Modified EventKind = iota
	// Moved means the script now lives at Event.Path.
	Moved
	// Deleted means the script is gone.
	Deleted
	// Retarget means a script appeared at Event.Path after a deletion.
	Retarget
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Moved:
		return "moved"
	case Deleted:
		return "deleted"
	case Retarget:
		return "retarget"
	default:
		return "unknown"
	}
}

// Event is a change of the watched script.
type Event struct {
	Kind EventKind
	// Path is the destination for Moved and Retarget.
	Path string
}

// Session is one debug session over the script.
type Session interface {
	// Run blocks until the session ends.
	Run(ctx context.Context) error
	// Quit ends the session from another goroutine.
	Quit()
}

// Launcher builds a session for the script at path. The session is started
// by the reloader.
type Launcher func(ctx context.Context, path string) (Session, error)

// Source delivers script events.
type Source interface {
	Events() <-chan Event
	Errors() <-chan error
}

type running struct {
	id   int
	sess Session
	done chan error
}

// Reloader relaunches sessions as script events arrive.
type Reloader struct {
	launch Launcher
	logger *logging.Logger
	queue  *eventQueue

	mu      sync.Mutex
	path    string
	inert   bool
	started bool

	// Owned by Run.
	current  *running
	launches int
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reloader) {
		if l != nil {
			r.logger = l.WithComponent("watch")
		}
	}
}

// NewReloader creates a reloader for the script at path.
func NewReloader(path string, launch Launcher, opts ...Option) *Reloader {
	r := &Reloader{
		launch: launch,
		logger: logging.Nop(),
		queue:  newEventQueue(),
		path:   path,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the script path sessions are launched against.
func (r *Reloader) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Inert reports whether the script was deleted and no session will be
// launched until a Retarget event.
func (r *Reloader) Inert() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inert
}

// Notify queues an event. It never blocks and is safe from any goroutine.
func (r *Reloader) Notify(ev Event) {
	r.queue.push(ev)
}

// Run launches the first session and handles queued events until ctx is
// done. Events from src, when not nil, are queued as they arrive. The live
// session is quit and awaited before Run returns.
func (r *Reloader) Run(ctx context.Context, src Source) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrReloaderRunning
	}
	r.started = true
	r.mu.Unlock()

	if src != nil {
		go r.forward(ctx, src)
	}

	r.start(ctx)
	defer r.stop()

	for {
		var done chan error
		if r.current != nil {
			done = r.current.done
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			r.finished(r.current.id, err)
			r.current = nil
		case <-r.queue.signal:
			for {
				ev, ok := r.queue.pop()
				if !ok {
					break
				}
				r.handle(ctx, ev)
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

func (r *Reloader) forward(ctx context.Context, src Source) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			r.Notify(ev)
		case err, ok := <-src.Errors():
			if !ok {
				return
			}
			r.logger.Warn("watch error: %v", err)
		}
	}
}

func (r *Reloader) handle(ctx context.Context, ev Event) {
	r.logger.Debug("script %s (%s)", ev.Kind, ev.Path)

	r.mu.Lock()
	inert := r.inert
	r.mu.Unlock()

	switch ev.Kind {
	case Modified:
		if inert {
			return
		}
		r.stop()
		r.start(ctx)
	case Moved:
		if inert {
			return
		}
		r.mu.Lock()
		r.path = ev.Path
		r.mu.Unlock()
		r.stop()
		r.start(ctx)
	case Deleted:
		r.stop()
		r.mu.Lock()
		r.inert = true
		r.mu.Unlock()
		r.logger.Info("script deleted; waiting for it to reappear")
	case Retarget:
		r.stop()
		r.mu.Lock()
		r.inert = false
		if ev.Path != "" {
			r.path = ev.Path
		}
		r.mu.Unlock()
		r.start(ctx)
	}
}

// start launches a session against the current path. Launch failures are
// logged and leave no session running.
func (r *Reloader) start(ctx context.Context) {
	path := r.Path()
	r.launches++
	id := r.launches

	sess, err := r.launch(ctx, path)
	if err != nil {
		r.logger.Error("launch %s: %v", path, err)
		return
	}

	cur := &running{id: id, sess: sess, done: make(chan error, 1)}
	go func() {
		cur.done <- sess.Run(ctx)
	}()
	r.current = cur
	r.logger.Info("session %d started for %s", id, path)
}

// stop quits the live session and waits for it to finish.
func (r *Reloader) stop() {
	if r.current == nil {
		return
	}
	r.current.sess.Quit()
	r.finished(r.current.id, <-r.current.done)
	r.current = nil
}

func (r *Reloader) finished(id int, err error) {
	if err != nil {
		r.logger.Error("session %d: %v", id, err)
		return
	}
	r.logger.Info("session %d finished", id)
}

// eventQueue is an unbounded FIFO with a single consumer.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}
