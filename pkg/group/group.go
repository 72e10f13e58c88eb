package group

import "time"

// SessionState describes the lifecycle state of a client session as reported
// by the log runtime.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionClosed
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is a client connection to the state machine as seen by the log
// runtime. Events published to a session are delivered to the client the
// session belongs to; implementations decide how (or whether) delivery
// happens, the state machine only requires that Publish is cheap and never
// blocks.
type Session interface {
	// ID returns the stable session identifier. Iteration over sessions for
	// event publication is ordered by ascending ID.
	ID() uint64
	// State reports the current session lifecycle state. Events are only
	// published to sessions in SessionOpen.
	State() SessionState
	// Publish emits a named event to the session.
	Publish(event string, payload any)
}

// Commit is a committed log entry handed to the state machine. The state
// machine either retains the commit (transferring ownership into one of its
// indices) or closes it before the handler returns. Close releases the entry
// back to the log for reclamation and is idempotent.
type Commit interface {
	// Index returns the total-order log index of the entry. Unique per entry.
	Index() uint64
	// Session returns the session that submitted the operation.
	Session() Session
	// Operation returns the decoded operation payload.
	Operation() Operation
	// Close releases the commit. Releasing twice is a no-op unless the
	// owning registry runs in strict mode.
	Close()
}

// Context exposes the log index of the entry currently being applied. The
// runtime updates it before every transition; the state machine reads it to
// assign terms.
type Context interface {
	Index() uint64
}

// Executor is the logical-delay primitive the state machine schedules
// callbacks on. Implementations must invoke callbacks deterministically in
// log-time order on the state machine goroutine; wall-clock time must not
// influence firing order.
type Executor interface {
	Schedule(d time.Duration, fn func()) error
}
