package consensus

import (
	"context"
	"encoding/json"
)

// GroupEvent is a group event buffered for a locally attached session.
type GroupEvent struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// GroupStatus is a point-in-time view of the replicated group state.
type GroupStatus struct {
	Members     []uint64 `json:"members"`
	Leader      *uint64  `json:"leader,omitempty"`
	Term        uint64   `json:"term"`
	Candidates  []uint64 `json:"candidates"`
	OpenCommits int      `json:"openCommits"`
}

// GroupHost is an optional interface a Consensus implementation provides when
// it hosts the group state machine. The serving tier uses it to attach client
// sessions to this node and to drain their buffered events.
type GroupHost interface {
	// AttachSession marks the session as served by this node so events
	// published to it are buffered here.
	AttachSession(id uint64)
	// DrainSession blocks until the session has buffered events (or ctx is
	// done) and returns them. Nil means no session or timeout.
	DrainSession(ctx context.Context, id uint64) []GroupEvent
	// GroupStatus reports the replicated group view.
	GroupStatus() GroupStatus
}
