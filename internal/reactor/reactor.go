// Package reactor is the event-loop glue: a single-goroutine job queue,
// cancelable timers and idle hooks. Every other package (tcpio, usbengine,
// scheduler, control, persist) mutates its state only from inside a
// function handed to Loop.Post, Loop.AfterFunc or Loop.OnIdle, so that all
// shared state (message lists, USB context, port parameters) is touched
// from exactly one logical thread of execution — a single-threaded
// cooperative reactor, rendered the idiomatic-Go way instead of as a raw
// epoll loop.
//
// Anything that can run on a foreign goroutine (gousb transfer callbacks,
// net.Listener.Accept, a blocking net.Conn.Read) must marshal back onto the
// loop with Post before touching shared state; it must never mutate a
// Message/Port/Box directly.
package reactor

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// job is a unit of work queued for the loop goroutine.
type job func()

// Timer is a handle to a scheduled, cancelable callback.
type Timer struct {
	due      time.Time
	fn       func()
	index    int // heap index, -1 once removed
	canceled atomic.Bool
}

// Stop cancels the timer. Safe to call from any goroutine; safe to call
// more than once, and safe even if the timer already fired.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.canceled.Store(true)
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Loop is the single-threaded reactor. Zero value is not usable; use New.
type Loop struct {
	jobs chan job
	wake chan struct{}

	mu     sync.Mutex
	timers timerHeap

	idleMu sync.Mutex
	idle   []func()

	stop chan struct{}
}

// New creates a Loop. Call Run on the goroutine that should own all
// daemon state.
func New() *Loop {
	return &Loop{
		jobs: make(chan job, 1024),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Post enqueues fn to run on the loop goroutine. Safe from any goroutine,
// including library callbacks.
func (l *Loop) Post(fn func()) {
	select {
	case l.jobs <- fn:
	case <-l.stop:
	}
}

// AfterFunc schedules fn to run on the loop goroutine after d. Safe from
// any goroutine.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{due: time.Now().Add(d), fn: fn}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.nudge()
	return t
}

// OnIdle registers fn to run on the loop goroutine after every batch of
// queued jobs has been drained (and after due timers have fired) — this is
// how the per-switch scheduler gets invoked whenever any input might have
// made work available.
func (l *Loop) OnIdle(fn func()) {
	l.idleMu.Lock()
	l.idle = append(l.idle, fn)
	l.idleMu.Unlock()
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop terminates Run.
func (l *Loop) Stop() {
	close(l.stop)
}

// Run processes jobs and timers until Stop is called. It is the only
// goroutine allowed to touch daemon state.
func (l *Loop) Run() {
	for {
		l.runDueTimers()

		timeout := l.nextTimerDelay()
		var timerC <-chan time.Time
		var tm *time.Timer
		if timeout >= 0 {
			tm = time.NewTimer(timeout)
			timerC = tm.C
		}

		select {
		case <-l.stop:
			if tm != nil {
				tm.Stop()
			}
			return
		case fn := <-l.jobs:
			if tm != nil {
				tm.Stop()
			}
			fn()
			l.drainJobs()
			l.runIdle()
		case <-l.wake:
			if tm != nil {
				tm.Stop()
			}
		case <-timerC:
		}
	}
}

func (l *Loop) drainJobs() {
	for {
		select {
		case fn := <-l.jobs:
			fn()
		default:
			return
		}
	}
}

func (l *Loop) runIdle() {
	l.idleMu.Lock()
	fns := append([]func(){}, l.idle...)
	l.idleMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *Loop) runDueTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].due.After(now) {
			l.mu.Unlock()
			break
		}
		t := heap.Pop(&l.timers).(*Timer)
		l.mu.Unlock()
		if !t.canceled.Load() {
			t.fn()
			l.runIdle()
		}
	}
}

func (l *Loop) nextTimerDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.timers) > 0 && l.timers[0].canceled.Load() {
		heap.Pop(&l.timers)
	}
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].due)
	if d < 0 {
		return 0
	}
	return d
}
