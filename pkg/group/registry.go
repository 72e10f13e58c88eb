package group

import (
	"fmt"
	"sync"
)

// Registry mints and tracks live commit handles. Every persistent entry the
// state machine retains holds exactly one handle; closing it tells the log
// the entry can be reclaimed. The registry counts opens and closes so hosts
// can expose the number of retained entries, and in strict mode it panics on
// a second close of the same commit.
type Registry struct {
	mu     sync.Mutex
	open   map[uint64]*registryCommit
	closed uint64
	strict bool
}

// NewRegistry returns an empty registry. With strict=true a double close
// panics instead of being ignored; tests run strict.
func NewRegistry(strict bool) *Registry {
	return &Registry{open: make(map[uint64]*registryCommit), strict: strict}
}

// New mints a commit handle for a log entry.
func (r *Registry) New(index uint64, session Session, op Operation) Commit {
	c := &registryCommit{reg: r, index: index, session: session, op: op}
	r.mu.Lock()
	r.open[index] = c
	r.mu.Unlock()
	return c
}

// Open returns the number of live (not yet closed) commits.
func (r *Registry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Closed returns the total number of closes observed.
func (r *Registry) Closed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) release(c *registryCommit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.done {
		if r.strict {
			panic(fmt.Sprintf("group: commit %d closed twice", c.index))
		}
		return
	}
	c.done = true
	delete(r.open, c.index)
	r.closed++
}

// registryCommit is the registry-backed Commit implementation. Commits are
// touched only from the state machine goroutine; the registry mutex guards
// the bookkeeping shared with host-side readers.
type registryCommit struct {
	reg     *Registry
	index   uint64
	session Session
	op      Operation
	done    bool
}

func (c *registryCommit) Index() uint64        { return c.index }
func (c *registryCommit) Session() Session     { return c.session }
func (c *registryCommit) Operation() Operation { return c.op }
func (c *registryCommit) Close()               { c.reg.release(c) }

var _ Commit = (*registryCommit)(nil)
