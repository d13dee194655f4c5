// Package eventloop implements the priority-scheduled single-dispatcher
// task loop of spec.md §4.1: a ready-set ordered by (priority, enqueue
// order) backed by four FIFO lanes, and a delayed-task min-heap woken by a
// buffered notification channel so the dispatcher never polls.
package eventloop

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Run when the loop is already dispatching.
	ErrAlreadyRunning = errors.New("eventloop: already running")
	// ErrNotRunning is returned by Stop when the loop is not running.
	ErrNotRunning = errors.New("eventloop: not running")
)

// Filter drops a task before it dispatches when it returns true. Scope, if
// non-nil, restricts the filter to one priority tier.
type Filter struct {
	Predicate func(tags []string) bool
	Scope     *Priority
}

// Router wraps every task execution exactly once. Implementations must call
// execute() unless they deliberately discard the task (in which case it is
// counted as filtered, not failed).
type Router func(tags []string, execute func() error)

// Loop is the single-dispatcher priority scheduler. All exported methods
// are safe for concurrent use; task bodies themselves only ever run on the
// dispatcher goroutine started by Run.
type Loop struct {
	mu        sync.Mutex
	ready     [4][]*task
	delayed   delayedQueue
	filters   []Filter
	tagFilter []string
	router    Router

	seq uint64

	running atomic.Bool
	stopReq atomic.Bool

	wake chan struct{}
	done chan struct{}

	counters counters

	// onFailure, if set, is invoked (off the dispatcher's hot path) whenever
	// a task body panics or returns an error, letting callers (the risk
	// engine's panic-rate safety stop of spec.md §7) react without the
	// loop itself knowing anything about circuit breakers.
	onFailure func()
}

// New constructs an idle Loop.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
	}
}

// Post enqueues task at priority, ready immediately.
func (l *Loop) Post(body Task, priority Priority, tags ...string) {
	l.enqueueReady(&task{body: body, priority: priority, tags: tags, postedAt: time.Now()})
}

// PostDelayed enqueues task to become ready at or after now+delay. A
// non-positive delay is promoted to the ready set immediately, per
// spec.md §4.1's edge case for past deadlines.
func (l *Loop) PostDelayed(body Task, delay time.Duration, priority Priority, tags ...string) {
	t := &task{body: body, priority: priority, tags: tags, postedAt: time.Now()}
	if delay <= 0 {
		l.enqueueReady(t)
		return
	}
	l.mu.Lock()
	l.seq++
	t.seq = l.seq
	l.counters.recordPosted(priority)
	dt := &delayedTask{deadline: time.Now().Add(delay), t: t}
	heap.Push(&l.delayed, dt)
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) enqueueReady(t *task) {
	l.mu.Lock()
	l.seq++
	t.seq = l.seq
	l.counters.recordPosted(t.priority)
	l.ready[t.priority] = append(l.ready[t.priority], t)
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AddFilter registers a predicate; any task whose tags match is dropped
// (counted as filtered) instead of dispatched. scope, if given, restricts
// the filter to that priority only.
func (l *Loop) AddFilter(predicate func(tags []string) bool, scope *Priority) {
	l.mu.Lock()
	l.filters = append(l.filters, Filter{Predicate: predicate, Scope: scope})
	l.mu.Unlock()
}

// AddTagFilter drops any task carrying a tag matching pattern (exact match
// or a trailing "*" prefix wildcard).
func (l *Loop) AddTagFilter(pattern string) {
	l.mu.Lock()
	l.tagFilter = append(l.tagFilter, pattern)
	l.mu.Unlock()
}

// SetRouter installs the single optional execution shim. Passing nil clears it.
func (l *Loop) SetRouter(r Router) {
	l.mu.Lock()
	l.router = r
	l.mu.Unlock()
}

// SetOnFailure installs a callback invoked synchronously, on the dispatcher
// goroutine, immediately after a task body panics or returns an error.
func (l *Loop) SetOnFailure(fn func()) {
	l.mu.Lock()
	l.onFailure = fn
	l.mu.Unlock()
}

// Stats returns a point-in-time snapshot of the loop's counters.
func (l *Loop) Stats() Stats {
	return l.counters.snapshot()
}

// Run dispatches tasks until Stop is called, blocking until drained. It is
// an error to call Run while already running.
func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	l.stopReq.Store(false)
	l.done = make(chan struct{})
	defer close(l.done)
	defer l.running.Store(false)

	for {
		if l.stopReq.Load() {
			return nil
		}

		t, wait := l.next()
		if t == nil {
			l.blockUntilWork(wait)
			continue
		}

		if l.dropped(t) {
			l.counters.recordFiltered()
			continue
		}

		l.dispatch(t)
	}
}

// next pops the next ready task (promoting any due delayed tasks first),
// or reports the soonest wake-up time if nothing is ready.
func (l *Loop) next() (*task, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for _, dt := range l.delayed.peekDue(now) {
		l.ready[dt.t.priority] = append(l.ready[dt.t.priority], dt.t)
	}

	for p := Critical; p >= Low; p-- {
		if len(l.ready[p]) > 0 {
			t := l.ready[p][0]
			l.ready[p] = l.ready[p][1:]
			return t, time.Time{}
		}
	}

	if next, ok := l.delayed.nextDeadline(); ok {
		return nil, next
	}
	return nil, time.Time{}
}

func (l *Loop) blockUntilWork(nextDeadline time.Time) {
	var timerC <-chan time.Time
	if !nextDeadline.IsZero() {
		timer := time.NewTimer(time.Until(nextDeadline))
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-l.wake:
	case <-timerC:
	}
}

func (l *Loop) dropped(t *task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, pattern := range l.tagFilter {
		if t.hasTag(pattern) {
			return true
		}
	}
	for _, f := range l.filters {
		if f.Scope != nil && *f.Scope != t.priority {
			continue
		}
		if f.Predicate(t.tags) {
			return true
		}
	}
	return false
}

func (l *Loop) dispatch(t *task) {
	l.mu.Lock()
	router := l.router
	onFailure := l.onFailure
	l.mu.Unlock()

	queueWait := time.Since(t.postedAt)
	start := time.Now()

	ran := false
	body := func() error { ran = true; return t.body() }
	failed := runGuarded(body, router, t.tags)

	if router != nil && !ran && !failed {
		// The router discarded the task without executing it.
		l.counters.recordFiltered()
		return
	}
	l.counters.recordProcessed(queueWait, time.Since(start), failed)
	if failed && onFailure != nil {
		onFailure()
	}
}

// runGuarded executes body (through router, if set), recovering from any
// panic so a misbehaving task never takes the dispatcher down with it.
func runGuarded(body Task, router Router, tags []string) (failed bool) {
	defer func() {
		if recover() != nil {
			failed = true
		}
	}()

	execute := func() error { return body() }

	if router != nil {
		var err error
		routed := false
		router(tags, func() error {
			routed = true
			err = execute()
			return err
		})
		if !routed {
			return false
		}
		return err != nil
	}

	return execute() != nil
}

// Stop requests the dispatcher to exit after its in-flight task (if any)
// completes, then blocks until Run returns. Calling Stop when not running
// is an error.
func (l *Loop) Stop() error {
	if !l.running.Load() {
		return ErrNotRunning
	}
	l.stopReq.Store(true)
	l.signal()
	<-l.done
	return nil
}
