package state

import (
	"time"

	"github.com/amirimatin/go-group/pkg/group"
)

// incrementTerm advances the term to the index of the entry currently being
// applied and announces it. Terms are non-decreasing because log indices are.
func (m *StateMachine) incrementTerm() {
	m.term = m.ctx.Index()
	m.publish(group.EventTerm, m.term)
}

// resignLeader clears the current leader, announcing the resignation first.
// With toCandidate the leader re-enters the candidate queue at the tail.
func (m *StateMachine) resignLeader(toCandidate bool) {
	if m.leader == nil {
		return
	}
	m.publish(group.EventResign, m.leader.Index())
	if toCandidate {
		m.candidates = append(m.candidates, m.leader)
	}
	m.leader = nil
}

// electLeader promotes the head of the candidate queue, if any. Candidates
// are taken strictly in arrival order.
func (m *StateMachine) electLeader() {
	if m.leader != nil || len(m.candidates) == 0 {
		return
	}
	next := m.candidates[0]
	m.candidates = m.candidates[1:]
	m.leader = next
	m.publish(group.EventElect, next.Index())
}

func millis(ms uint64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
