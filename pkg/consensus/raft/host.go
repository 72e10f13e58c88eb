package raftcons

import (
	"context"

	c "github.com/amirimatin/go-group/pkg/consensus"
)

// AttachSession marks the session as served by this node. Implements
// consensus.GroupHost.
func (n *Node) AttachSession(id uint64) {
	if n.fsm == nil {
		return
	}
	n.fsm.sessions.Attach(id)
}

// DrainSession returns the session's buffered events, waiting for the first
// one until ctx is done.
func (n *Node) DrainSession(ctx context.Context, id uint64) []c.GroupEvent {
	if n.fsm == nil {
		return nil
	}
	events := n.fsm.sessions.Drain(ctx, id)
	if len(events) == 0 {
		return nil
	}
	out := make([]c.GroupEvent, 0, len(events))
	for _, e := range events {
		out = append(out, c.GroupEvent{Name: e.Name, Payload: e.Payload})
	}
	return out
}

// GroupStatus reports the replicated group view.
func (n *Node) GroupStatus() c.GroupStatus {
	gi := n.GroupInfo()
	return c.GroupStatus{
		Members:     gi.Members,
		Leader:      gi.Leader,
		Term:        gi.Term,
		Candidates:  gi.Candidates,
		OpenCommits: gi.OpenCommits,
	}
}

var _ c.GroupHost = (*Node)(nil)
