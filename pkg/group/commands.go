package group

import (
	"encoding/json"
	"fmt"
)

// Kind names an operation applied to the group state machine.
type Kind string

const (
	KindJoin           Kind = "join"
	KindLeave          Kind = "leave"
	KindListen         Kind = "listen"
	KindResign         Kind = "resign"
	KindSetProperty    Kind = "set_property"
	KindGetProperty    Kind = "get_property"
	KindRemoveProperty Kind = "remove_property"
	KindSend           Kind = "send"
	KindSchedule       Kind = "schedule"
	KindExecute        Kind = "execute"
)

// Operation is a decoded command payload. The concrete type dictates the
// handler the dispatcher routes the commit to.
type Operation interface {
	Kind() Kind
}

// Join registers the submitting session as a new group member. The member id
// is the log index of the Join commit.
type Join struct{}

// Leave removes the named member from the group.
type Leave struct {
	Member uint64 `json:"member"`
}

// Listen adds the submitting session to the listener set and returns a
// snapshot of current member ids.
type Listen struct{}

// Resign asks the named member to give up leadership. The member re-enters
// the candidate queue at the tail.
type Resign struct {
	Member uint64 `json:"member"`
}

// SetProperty binds an opaque value to a named property of a member.
type SetProperty struct {
	Member   uint64          `json:"member"`
	Property string          `json:"property"`
	Value    json.RawMessage `json:"value"`
}

// GetProperty reads a member property. Absent members or properties yield a
// nil value, not an error.
type GetProperty struct {
	Member   uint64 `json:"member"`
	Property string `json:"property"`
}

// RemoveProperty deletes a member property if present.
type RemoveProperty struct {
	Member   uint64 `json:"member"`
	Property string `json:"property"`
}

// Send publishes a direct message to the named member's session.
type Send struct {
	Member uint64          `json:"member"`
	Topic  string          `json:"topic"`
	Body   json.RawMessage `json:"body"`
}

// Schedule registers a delayed callback for the named member. The callback is
// delivered as an "execute" event after Delay milliseconds of logical time,
// skipped if the member is gone at firing time.
type Schedule struct {
	Member   uint64          `json:"member"`
	Delay    uint64          `json:"delay"`
	Callback json.RawMessage `json:"callback"`
}

// Execute publishes a callback to the named member's session immediately.
type Execute struct {
	Member   uint64          `json:"member"`
	Callback json.RawMessage `json:"callback"`
}

func (Join) Kind() Kind           { return KindJoin }
func (Leave) Kind() Kind          { return KindLeave }
func (Listen) Kind() Kind         { return KindListen }
func (Resign) Kind() Kind         { return KindResign }
func (SetProperty) Kind() Kind    { return KindSetProperty }
func (GetProperty) Kind() Kind    { return KindGetProperty }
func (RemoveProperty) Kind() Kind { return KindRemoveProperty }
func (Send) Kind() Kind           { return KindSend }
func (Schedule) Kind() Kind       { return KindSchedule }
func (Execute) Kind() Kind        { return KindExecute }

// envelope is the wire form of an operation, mirroring the command envelope
// used on the replicated log.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeOperation serializes an operation into its JSON envelope.
func EncodeOperation(op Operation) ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("group: nil operation")
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: op.Kind(), Payload: payload})
}

// DecodeOperation parses a JSON envelope into its typed operation.
func DecodeOperation(data []byte) (Operation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var op Operation
	switch env.Kind {
	case KindJoin:
		op = &Join{}
	case KindLeave:
		op = &Leave{}
	case KindListen:
		op = &Listen{}
	case KindResign:
		op = &Resign{}
	case KindSetProperty:
		op = &SetProperty{}
	case KindGetProperty:
		op = &GetProperty{}
	case KindRemoveProperty:
		op = &RemoveProperty{}
	case KindSend:
		op = &Send{}
	case KindSchedule:
		op = &Schedule{}
	case KindExecute:
		op = &Execute{}
	default:
		return nil, fmt.Errorf("group: unknown operation kind %q", env.Kind)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, op); err != nil {
			return nil, err
		}
	}
	return op, nil
}
