// File: reactor/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop is the event loop handle: it owns the poller, dispatches fd
// readiness, fires timers and drains the cross-goroutine deferred queue.

package reactor

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/evws/api"
)

// ErrAlreadyRunning is returned by Run when the loop is already running.
var ErrAlreadyRunning = errors.New("reactor: loop already running")

// Loop is a single-threaded cooperative event loop.
type Loop struct {
	poller   poller
	handlers map[int]Callback
	timers   timerHeap

	mu       sync.Mutex
	deferred *queue.Queue // of func()
	batch    []func()

	woken   atomic.Bool
	running atomic.Bool
	closed  atomic.Bool
	quit    bool // loop thread only
}

// NewLoop creates a loop backed by the platform poller.
func NewLoop() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{
		poller:   p,
		handlers: make(map[int]Callback),
		deferred: queue.New(),
	}, nil
}

// Run locks the calling goroutine to its OS thread and processes events
// until Stop is called. The loop can be run again after Run returned.
func (l *Loop) Run() error {
	if l.closed.Load() {
		return api.ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.quit = false
	for !l.quit {
		if err := l.poller.wait(l.nextTimeout(), l.dispatch); err != nil {
			return err
		}
		l.fireTimers(time.Now())
		l.drain()
	}
	return nil
}

// Stop asks a running loop to return from Run. It is queued behind every
// callback deferred before it. Safe from any goroutine.
func (l *Loop) Stop() {
	l.Defer(func() { l.quit = true })
}

// Running reports whether Run is currently executing.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Defer schedules fn to run on the loop thread in FIFO order relative to
// other deferred callbacks. Safe from any goroutine, including from within
// another deferred callback. Returns false once the loop was closed.
func (l *Loop) Defer(fn func()) bool {
	if fn == nil || l.closed.Load() {
		return false
	}
	l.mu.Lock()
	l.deferred.Add(fn)
	l.mu.Unlock()
	if l.woken.CompareAndSwap(false, true) {
		_ = l.poller.wake()
	}
	return true
}

// Pending returns the number of queued deferred callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deferred.Length()
}

// drain runs the callbacks queued at the moment it was entered. Callbacks
// deferred while draining wait for the next pass.
func (l *Loop) drain() {
	l.woken.Store(false)
	l.mu.Lock()
	n := l.deferred.Length()
	for i := 0; i < n; i++ {
		l.batch = append(l.batch, l.deferred.Remove().(func()))
	}
	l.mu.Unlock()

	for i, fn := range l.batch {
		l.batch[i] = nil
		fn()
	}
	l.batch = l.batch[:0]
}

func (l *Loop) dispatch(fd int, ev Events) {
	if cb, ok := l.handlers[fd]; ok {
		cb(fd, ev)
	}
}

// Register adds fd to the poller. Loop thread only (or before Run).
func (l *Loop) Register(fd int, ev Events, cb Callback) error {
	if err := l.poller.add(fd, ev); err != nil {
		return err
	}
	l.handlers[fd] = cb
	return nil
}

// Modify changes the interest set of a registered fd. Loop thread only.
func (l *Loop) Modify(fd int, ev Events) error {
	return l.poller.mod(fd, ev)
}

// Unregister removes fd from the poller. The fd itself is not closed.
func (l *Loop) Unregister(fd int) error {
	delete(l.handlers, fd)
	return l.poller.del(fd)
}

// Close releases the poller. The loop must not be running.
func (l *Loop) Close() error {
	if l.running.Load() {
		return ErrAlreadyRunning
	}
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.poller.close()
}
