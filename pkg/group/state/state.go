// Package state implements the deterministic membership group state machine.
// It is driven by committed log entries in strict log order and must produce
// byte-identical state on every replica: all iteration with observable
// effects is ordered by stable keys (session id ascending, member id
// ascending), and the candidate queue is a true FIFO.
package state

import (
	"fmt"
	"sort"

	"github.com/amirimatin/go-group/pkg/group"
)

// StateMachine holds the replicated group state: the member directory, the
// per-member property store, the listener session set, the candidate queue
// and the current leader and term. It contains no internal parallelism; the
// log runtime guarantees single-threaded invocation.
type StateMachine struct {
	ctx      group.Context
	executor group.Executor

	sessions   map[uint64]group.Session
	members    map[uint64]group.Commit
	properties map[uint64]map[string]group.Commit
	candidates []group.Commit
	leader     group.Commit
	term       uint64
	deleted    bool
}

// New constructs a state machine bound to the runtime context (which reports
// the index of the entry currently being applied) and a logical executor for
// delayed callbacks. A nil executor rejects Schedule commands.
func New(ctx group.Context, executor group.Executor) *StateMachine {
	return &StateMachine{
		ctx:        ctx,
		executor:   executor,
		sessions:   make(map[uint64]group.Session),
		members:    make(map[uint64]group.Commit),
		properties: make(map[uint64]map[string]group.Commit),
	}
}

// Apply routes a committed entry to its handler. Every handler either
// retains the commit or closes it before returning; handlers that fail close
// the commit before the error propagates.
func (m *StateMachine) Apply(c group.Commit) (any, error) {
	if m.deleted {
		c.Close()
		return nil, group.ErrDeleted
	}
	switch op := c.Operation().(type) {
	case *group.Join:
		return m.join(c), nil
	case *group.Leave:
		m.leave(c, op)
		return nil, nil
	case *group.Listen:
		return m.listen(c), nil
	case *group.Resign:
		m.resign(c, op)
		return nil, nil
	case *group.SetProperty:
		m.setProperty(c, op)
		return nil, nil
	case *group.GetProperty:
		return m.getProperty(c, op), nil
	case *group.RemoveProperty:
		m.removeProperty(c, op)
		return nil, nil
	case *group.Send:
		return nil, m.send(c, op)
	case *group.Schedule:
		return nil, m.schedule(c, op)
	case *group.Execute:
		return nil, m.execute(c, op)
	default:
		c.Close()
		return nil, fmt.Errorf("group: unsupported operation %T", op)
	}
}

// join registers the commit as a new member. The member id is the commit's
// log index. The commit is retained by the directory.
func (m *StateMachine) join(c group.Commit) uint64 {
	memberID := c.Index()

	m.members[memberID] = c
	m.candidates = append(m.candidates, c)

	m.publish(group.EventJoin, memberID)

	// First join of the group's lifetime establishes the term.
	if m.term == 0 {
		m.incrementTerm()
	}
	if m.leader == nil {
		m.electLeader()
	}
	return memberID
}

// leave removes the named member, its properties and its candidacy. The Leave
// commit itself is always closed.
func (m *StateMachine) leave(c group.Commit, op *group.Leave) {
	defer c.Close()

	join, ok := m.members[op.Member]
	if !ok {
		return
	}
	delete(m.members, op.Member)
	m.dropProperties(op.Member)
	m.removeCandidate(join)

	if m.leader != nil && m.leader.Index() == op.Member {
		m.resignLeader(false)
		m.incrementTerm()
		m.electLeader()
	}

	m.publish(group.EventLeave, op.Member)
	join.Close()
}

// listen adds the session to the listener set and returns the current member
// ids in ascending order.
func (m *StateMachine) listen(c group.Commit) []uint64 {
	defer c.Close()
	s := c.Session()
	m.sessions[s.ID()] = s
	return m.memberIDs()
}

// resign moves leadership off the named member if it currently leads. A
// resign with no leader in place is a no-op.
func (m *StateMachine) resign(c group.Commit, op *group.Resign) {
	defer c.Close()
	if m.leader != nil && m.leader.Index() == op.Member {
		m.resignLeader(true)
		m.incrementTerm()
		m.electLeader()
	}
}

// setProperty stores the commit as the property value, displacing (and
// closing) any previous commit at the same key. The commit is retained.
func (m *StateMachine) setProperty(c group.Commit, op *group.SetProperty) {
	props := m.properties[op.Member]
	if props == nil {
		props = make(map[string]group.Commit)
		m.properties[op.Member] = props
	}
	if prev, ok := props[op.Property]; ok {
		prev.Close()
	}
	props[op.Property] = c
}

// getProperty returns the stored value or nil. Absent members and absent
// properties are not errors.
func (m *StateMachine) getProperty(c group.Commit, op *group.GetProperty) any {
	defer c.Close()
	if props := m.properties[op.Member]; props != nil {
		if value, ok := props[op.Property]; ok {
			return value.Operation().(*group.SetProperty).Value
		}
	}
	return nil
}

func (m *StateMachine) removeProperty(c group.Commit, op *group.RemoveProperty) {
	defer c.Close()
	props := m.properties[op.Member]
	if props == nil {
		return
	}
	if prev, ok := props[op.Property]; ok {
		prev.Close()
		delete(props, op.Property)
	}
	if len(props) == 0 {
		delete(m.properties, op.Member)
	}
}

// send publishes a direct message to the addressed member's session.
func (m *StateMachine) send(c group.Commit, op *group.Send) error {
	defer c.Close()
	join, ok := m.members[op.Member]
	if !ok {
		return group.UnknownMemberError(op.Member)
	}
	join.Session().Publish(group.EventMessage, group.Message{Member: op.Member, Topic: op.Topic, Body: op.Body})
	return nil
}

// schedule registers a delayed callback for the member. The commit stays open
// until the callback fires; the callback re-checks membership and skips the
// publish (but still closes the commit) when the member is gone.
func (m *StateMachine) schedule(c group.Commit, op *group.Schedule) error {
	if _, ok := m.members[op.Member]; !ok {
		c.Close()
		return group.UnknownMemberError(op.Member)
	}
	if m.executor == nil {
		c.Close()
		return fmt.Errorf("%w: no executor", group.ErrScheduleRejected)
	}
	err := m.executor.Schedule(millis(op.Delay), func() {
		if member, ok := m.members[op.Member]; ok {
			member.Session().Publish(group.EventExecute, op.Callback)
		}
		c.Close()
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", group.ErrScheduleRejected, err)
	}
	return nil
}

// execute publishes a callback to the member's session immediately.
func (m *StateMachine) execute(c group.Commit, op *group.Execute) error {
	defer c.Close()
	join, ok := m.members[op.Member]
	if !ok {
		return group.UnknownMemberError(op.Member)
	}
	join.Session().Publish(group.EventExecute, op.Callback)
	return nil
}

// OnSessionClose removes the session from the listener set and evicts every
// member owned by it. Eviction completes before any re-election so the
// elector never observes partially-removed state; leave events follow, and
// the Join commits are closed last.
func (m *StateMachine) OnSessionClose(s group.Session) {
	m.removeSession(s)
}

// OnSessionExpire behaves identically to OnSessionClose: membership is bound
// to the session either way.
func (m *StateMachine) OnSessionExpire(s group.Session) {
	m.removeSession(s)
}

func (m *StateMachine) removeSession(s group.Session) {
	delete(m.sessions, s.ID())

	// Collect the members owned by the session, ascending by member id.
	var left []group.Commit
	for _, id := range m.memberIDs() {
		join := m.members[id]
		if join.Session().ID() == s.ID() {
			left = append(left, join)
		}
	}
	for _, join := range left {
		delete(m.members, join.Index())
		m.dropProperties(join.Index())
		m.removeCandidate(join)
	}

	// Re-elect only after all departures are applied.
	if m.leader != nil {
		leaderID := m.leader.Index()
		for _, join := range left {
			if join.Index() == leaderID {
				m.resignLeader(false)
				m.incrementTerm()
				m.electLeader()
				break
			}
		}
	}

	for _, join := range left {
		m.publish(group.EventLeave, join.Index())
	}
	for _, join := range left {
		join.Close()
	}
}

// Delete tears the group down: every retained Join and SetProperty commit is
// closed and all indices are cleared. No further commands are applied.
func (m *StateMachine) Delete() {
	for _, id := range m.memberIDs() {
		m.members[id].Close()
	}
	for _, memberProps := range m.properties {
		for _, value := range memberProps {
			value.Close()
		}
	}
	m.members = make(map[uint64]group.Commit)
	m.properties = make(map[uint64]map[string]group.Commit)
	m.candidates = nil
	m.leader = nil
	m.sessions = make(map[uint64]group.Session)
	m.deleted = true
}

// dropProperties closes and removes every property commit of a member.
func (m *StateMachine) dropProperties(member uint64) {
	if props := m.properties[member]; props != nil {
		for _, value := range props {
			value.Close()
		}
		delete(m.properties, member)
	}
}

// removeCandidate deletes the join commit from the candidate queue while
// preserving FIFO order of the rest.
func (m *StateMachine) removeCandidate(join group.Commit) {
	for i, c := range m.candidates {
		if c == join {
			m.candidates = append(m.candidates[:i], m.candidates[i+1:]...)
			return
		}
	}
}

// publish emits the event to every OPEN listener, ascending by session id.
func (m *StateMachine) publish(event string, payload any) {
	for _, id := range m.sessionIDs() {
		s := m.sessions[id]
		if s.State() == group.SessionOpen {
			s.Publish(event, payload)
		}
	}
}

func (m *StateMachine) sessionIDs() []uint64 {
	ids := make([]uint64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *StateMachine) memberIDs() []uint64 {
	ids := make([]uint64, 0, len(m.members))
	for id := range m.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Members returns the current member ids in ascending order.
func (m *StateMachine) Members() []uint64 { return m.memberIDs() }

// Leader returns the current leader's member id, if one is elected.
func (m *StateMachine) Leader() (uint64, bool) {
	if m.leader == nil {
		return 0, false
	}
	return m.leader.Index(), true
}

// Term returns the current leadership term.
func (m *StateMachine) Term() uint64 { return m.term }

// Candidates returns the member ids queued for leadership, in FIFO order.
func (m *StateMachine) Candidates() []uint64 {
	ids := make([]uint64, 0, len(m.candidates))
	for _, c := range m.candidates {
		ids = append(ids, c.Index())
	}
	return ids
}

// Listeners returns the listener session ids in ascending order.
func (m *StateMachine) Listeners() []uint64 { return m.sessionIDs() }
