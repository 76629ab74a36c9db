// Package eventloop implements the cooperative, single-goroutine scheduler
// described in spec.md §4.1: one-shot millisecond Timers and readiness
// Watches, both only ever fired on the Loop's own goroutine (the "server
// thread").
//
// The teacher daemon dedicates a single goroutine to signal handling
// (client/signal.go) and drives everything else off blocking network calls;
// here the same one-goroutine-owns-this-state discipline is generalized into
// a reusable scheduler so CharDevice, Channel and Dispatcher can all run on
// it without their own locking.
package eventloop

import (
	"container/list"
	"sync"
	"time"
)

// Watchable is anything a Watch can wait on for readability/writability.
// A real fd-backed implementation satisfies this with an epoll/kqueue poll;
// the in-process Dispatcher transport in package transport satisfies it with
// a channel-backed signal.
type Watchable interface {
	// Ready blocks until the source becomes ready per mask (true) or stop
	// is closed (false). A source may also report false once it is closed
	// with nothing left to read; the Watch's watcher then stops.
	Ready(mask Mask, stop <-chan struct{}) bool
}

// Mask selects which readiness events a Watch cares about.
type Mask uint8

const (
	MaskRead Mask = 1 << iota
	MaskWrite
)

// Loop is a cooperative single-goroutine scheduler. All Timer and Watch
// callbacks run on whichever goroutine calls Run; nothing here is safe to
// call concurrently with Run from another goroutine except Post, which is
// the one sanctioned way to cross over (package dispatcher builds on it).
type Loop struct {
	mu             sync.Mutex
	timers         *list.List // *Timer, soonest deadline first
	posted         []func()
	wake           chan struct{}
	stop           chan struct{}
	stopOnce       sync.Once
	running        bool
	ownerGoroutine uint64
}

// New creates an idle Loop. Call Run to start pumping it.
func New() *Loop {
	return &Loop{
		timers: list.New(),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Post schedules fn to run on the Loop's goroutine at the next opportunity.
// Safe to call from any goroutine; this is the Loop's half of the
// cross-thread injection story that package dispatcher completes.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.nudge()
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Running reports whether Run is currently pumping this Loop. Unlike
// OnLoopGoroutine, this doesn't care which goroutine is asking — it exists
// so a caller can tell "not yet started" apart from "started, but I'm the
// wrong goroutine", two cases OnLoopGoroutine alone collapses into the same
// false.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stop terminates Run. Idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Run pumps timers and posted callbacks until Stop is called. Watches need
// no separate pumping: each one runs its own goroutine blocked in Ready,
// which Posts the callback back into the loop (see watch.go).
func (l *Loop) Run() {
	l.mu.Lock()
	l.running = true
	l.ownerGoroutine = currentGoroutineID()
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		wait := l.fireDueTimers()

		select {
		case <-l.stop:
			return
		case <-l.wake:
			l.runPosted()
		case <-time.After(wait):
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	batch := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

// fireDueTimers fires everything whose deadline has passed and returns how
// long Run should block before checking again.
func (l *Loop) fireDueTimers() time.Duration {
	const idleWait = 100 * time.Millisecond
	now := time.Now()

	for {
		l.mu.Lock()
		front := l.timers.Front()
		if front == nil {
			l.mu.Unlock()
			return idleWait
		}
		t := front.Value.(*Timer)
		if t.cancelled {
			l.timers.Remove(front)
			l.mu.Unlock()
			continue
		}
		if t.deadline.After(now) {
			wait := t.deadline.Sub(now)
			l.mu.Unlock()
			return wait
		}
		l.timers.Remove(front)
		t.elem = nil
		l.mu.Unlock()

		cb := t.callback
		if cb != nil {
			cb()
		}
	}
}

// Timer is a one-shot, cancellable, restartable timer. The zero value is not
// usable; obtain one from Loop.NewTimer.
type Timer struct {
	loop      *Loop
	callback  func()
	deadline  time.Time
	cancelled bool
	elem      *list.Element
}

// NewTimer arms a Timer to fire callback after delay, on the Loop's
// goroutine. Removal after Cancel is idempotent (Cancel followed by Remove,
// or repeated Cancel, never panics).
func (l *Loop) NewTimer(delay time.Duration, callback func()) *Timer {
	t := &Timer{loop: l, callback: callback}
	t.arm(delay)
	return t
}

func (t *Timer) arm(delay time.Duration) {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	t.deadline = time.Now().Add(delay)
	t.cancelled = false
	t.insertLocked()
	t.loop.nudge()
}

func (t *Timer) insertLocked() {
	for e := t.loop.timers.Front(); e != nil; e = e.Next() {
		if e.Value.(*Timer).deadline.After(t.deadline) {
			t.elem = t.loop.timers.InsertBefore(t, e)
			return
		}
	}
	t.elem = t.loop.timers.PushBack(t)
}

// Restart re-arms the timer for delay from now, as if newly created.
func (t *Timer) Restart(delay time.Duration) {
	t.loop.mu.Lock()
	if t.elem != nil {
		t.loop.timers.Remove(t.elem)
		t.elem = nil
	}
	t.loop.mu.Unlock()
	t.arm(delay)
}

// Cancel disarms the timer. Calling Cancel more than once, or after the
// timer has already fired, is a no-op.
func (t *Timer) Cancel() {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	t.cancelled = true
}

// Remove is an alias for Cancel kept for symmetry with spec.md's
// "cancelled, restarted, or removed" vocabulary; both are idempotent.
func (t *Timer) Remove() { t.Cancel() }
