package raftcons

import "encoding/json"

// Log entry operations understood by the group FSM. Session lifecycle and
// scheduler ticks travel through the log like commands so every replica
// applies them at the same index.
const (
	opOpenSession   = "OpenSession"
	opCloseSession  = "CloseSession"
	opExpireSession = "ExpireSession"
	opTick          = "Tick"
	opCommand       = "Command"
	opDeleteGroup   = "DeleteGroup"
)

type logEntry struct {
	Op      string          `json:"op"`
	Session uint64          `json:"session,omitempty"`
	Now     int64           `json:"now,omitempty"`
	Command json.RawMessage `json:"command,omitempty"`
}

// EncodeOpenSession builds an entry that registers a new client session. The
// session id is the entry's log index.
func EncodeOpenSession() ([]byte, error) {
	return json.Marshal(logEntry{Op: opOpenSession})
}

// EncodeCloseSession builds an entry that closes a session gracefully.
func EncodeCloseSession(session uint64) ([]byte, error) {
	return json.Marshal(logEntry{Op: opCloseSession, Session: session})
}

// EncodeExpireSession builds an entry that expires a session whose keepalive
// lapsed. The FSM treats it like a close.
func EncodeExpireSession(session uint64) ([]byte, error) {
	return json.Marshal(logEntry{Op: opExpireSession, Session: session})
}

// EncodeTick builds an entry that advances the logical scheduler clock to the
// leader-stamped wall time in milliseconds. Followers replay the same value,
// so scheduled callbacks fire identically on every replica.
func EncodeTick(nowMillis int64) ([]byte, error) {
	return json.Marshal(logEntry{Op: opTick, Now: nowMillis})
}

// EncodeCommand wraps an encoded group operation with its submitting session
// and the leader-stamped wall time in milliseconds. The FSM advances the
// logical clock to the stamp before applying the operation, so Schedule
// delays are measured from the command's own submission instant rather than
// the previous tick. A zero stamp leaves the clock untouched.
func EncodeCommand(session uint64, operation []byte, nowMillis int64) ([]byte, error) {
	return json.Marshal(logEntry{Op: opCommand, Session: session, Now: nowMillis, Command: operation})
}

// EncodeDeleteGroup builds an entry that tears the group down: every retained
// commit is closed and no further commands are applied.
func EncodeDeleteGroup() ([]byte, error) {
	return json.Marshal(logEntry{Op: opDeleteGroup})
}
