package group

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMember reports a Send/Execute/Schedule naming a member id
	// that is not in the directory. State is not mutated.
	ErrUnknownMember = errors.New("group: unknown member")
	// ErrScheduleRejected reports that the executor refused a delayed task.
	ErrScheduleRejected = errors.New("group: schedule rejected")
	// ErrDeleted reports a command applied after group deletion.
	ErrDeleted = errors.New("group: deleted")
	// ErrUnknownSession reports a command submitted on a session the runtime
	// does not know about.
	ErrUnknownSession = errors.New("group: unknown session")
)

// UnknownMemberError wraps ErrUnknownMember with the offending member id.
func UnknownMemberError(member uint64) error {
	return fmt.Errorf("%w: %d", ErrUnknownMember, member)
}
