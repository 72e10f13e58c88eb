// Package scheduler provides the logical-time executor the group state
// machine schedules delayed callbacks on. Time only moves when the host
// advances it from a committed log entry, so callbacks fire at the same
// logical instant, in the same order, on every replica.
package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("scheduler: closed")

type task struct {
	due int64
	seq uint64
	fn  func()
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Logical is a deterministic delay executor. Tasks are ordered by due time
// with registration order as the tie-break. Callbacks run on the goroutine
// that advances the clock, which is the state machine apply goroutine.
type Logical struct {
	mu     sync.Mutex
	now    int64
	seq    uint64
	tasks  taskHeap
	closed bool
}

// NewLogical returns an executor with the clock at zero.
func NewLogical() *Logical {
	return &Logical{}
}

// Schedule registers fn to fire once d has elapsed on the logical clock.
// Negative delays fire on the next advance.
func (l *Logical) Schedule(d time.Duration, fn func()) error {
	if fn == nil {
		return errors.New("scheduler: nil callback")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	due := l.now + d.Milliseconds()
	if due < l.now {
		due = l.now
	}
	l.seq++
	heap.Push(&l.tasks, &task{due: due, seq: l.seq, fn: fn})
	return nil
}

// AdvanceTo moves the clock to ms and fires every task due at or before it,
// in (due, registration) order. The clock never moves backwards, and while
// draining it sits at each task's due time, so a callback that schedules a
// follow-up measures its delay from the instant it fired; follow-ups due at
// or before ms fire in the same advance.
func (l *Logical) AdvanceTo(ms int64) {
	for {
		l.mu.Lock()
		if l.closed || len(l.tasks) == 0 || l.tasks[0].due > ms {
			if ms > l.now {
				l.now = ms
			}
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.tasks).(*task)
		if t.due > l.now {
			l.now = t.due
		}
		l.mu.Unlock()
		t.fn()
	}
}

// Now returns the current logical time in milliseconds.
func (l *Logical) Now() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

// Pending returns the number of registered tasks that have not fired.
func (l *Logical) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Close drops pending tasks after invoking each exactly once so resources
// held by callbacks (such as open commits) are released. Further Schedule
// calls fail with ErrClosed.
func (l *Logical) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pending := make([]*task, 0, len(l.tasks))
	for l.tasks.Len() > 0 {
		pending = append(pending, heap.Pop(&l.tasks).(*task))
	}
	l.mu.Unlock()
	for _, t := range pending {
		t.fn()
	}
}
