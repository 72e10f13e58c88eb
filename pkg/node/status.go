package node

import (
	"github.com/amirimatin/go-group/pkg/consensus"
	"github.com/amirimatin/go-group/pkg/membership"
)

// Status is a high-level, JSON-serializable snapshot of the serving tier and
// the replicated group, suitable for external status endpoints and tooling.
type Status struct {
	// Healthy indicates whether a raft leader is known.
	Healthy bool
	// RaftTerm is the current RAFT term as observed by this node.
	RaftTerm uint64
	// LeaderID is the identifier of the current raft leader, if any.
	LeaderID string
	// LeaderAddr is the management address of the current leader, if known.
	LeaderAddr string
	// Nodes lists the serving-tier view (gossip) including ids and addresses.
	Nodes []membership.NodeInfo
	// Group is the replicated group state machine view.
	Group consensus.GroupStatus
	// Warnings contains any non-fatal observations (e.g., degraded states).
	Warnings []string `json:",omitempty"`
}
