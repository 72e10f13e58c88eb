package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/amirimatin/go-group/pkg/group"
)

// SessionResolver maps a session id from a snapshot back to a live session
// in the restoring runtime.
type SessionResolver func(id uint64) (group.Session, bool)

// CommitFactory mints commit handles for entries reconstructed from a
// snapshot, typically backed by the host's commit registry.
type CommitFactory func(index uint64, s group.Session, op group.Operation) group.Commit

type memberModel struct {
	ID      uint64 `json:"id"`
	Session uint64 `json:"session"`
}

type propertyModel struct {
	Member   uint64          `json:"member"`
	Session  uint64          `json:"session"`
	Property string          `json:"property"`
	Index    uint64          `json:"index"`
	Value    json.RawMessage `json:"value"`
}

type snapshotModel struct {
	Version    int             `json:"version"`
	Term       uint64          `json:"term"`
	Leader     *uint64         `json:"leader,omitempty"`
	Members    []memberModel   `json:"members"`
	Candidates []uint64        `json:"candidates"`
	Properties []propertyModel `json:"properties"`
	Listeners  []uint64        `json:"listeners"`
}

// Snapshot encodes the group state as stable sorted JSON. Two replicas that
// applied the same command sequence produce identical snapshots. Pending
// scheduled callbacks are not captured; see the host for how their commits
// are drained.
func (m *StateMachine) Snapshot() ([]byte, error) {
	snap := snapshotModel{Version: 1, Term: m.term}
	if m.leader != nil {
		id := m.leader.Index()
		snap.Leader = &id
	}
	for _, id := range m.memberIDs() {
		snap.Members = append(snap.Members, memberModel{ID: id, Session: m.members[id].Session().ID()})
	}
	snap.Candidates = m.Candidates()
	for member, props := range m.properties {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			value := props[name]
			op := value.Operation().(*group.SetProperty)
			snap.Properties = append(snap.Properties, propertyModel{
				Member:   member,
				Session:  value.Session().ID(),
				Property: name,
				Index:    value.Index(),
				Value:    op.Value,
			})
		}
	}
	sort.Slice(snap.Properties, func(i, j int) bool {
		if snap.Properties[i].Member != snap.Properties[j].Member {
			return snap.Properties[i].Member < snap.Properties[j].Member
		}
		return snap.Properties[i].Property < snap.Properties[j].Property
	})
	snap.Listeners = m.Listeners()
	return json.Marshal(snap)
}

// Restore replaces the state machine contents with the snapshot, rebuilding
// retained commits through the factory and resolving sessions through the
// resolver. Members whose session no longer exists cannot be restored and
// fail the restore.
func (m *StateMachine) Restore(buf []byte, resolve SessionResolver, mint CommitFactory) error {
	var snap snapshotModel
	if err := json.Unmarshal(buf, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		return fmt.Errorf("group: unsupported snapshot version %d", snap.Version)
	}

	members := make(map[uint64]group.Commit, len(snap.Members))
	for _, mm := range snap.Members {
		s, ok := resolve(mm.Session)
		if !ok {
			return fmt.Errorf("%w: %d", group.ErrUnknownSession, mm.Session)
		}
		members[mm.ID] = mint(mm.ID, s, &group.Join{})
	}

	candidates := make([]group.Commit, 0, len(snap.Candidates))
	for _, id := range snap.Candidates {
		join, ok := members[id]
		if !ok {
			return fmt.Errorf("group: candidate %d is not a member", id)
		}
		candidates = append(candidates, join)
	}

	var leader group.Commit
	if snap.Leader != nil {
		join, ok := members[*snap.Leader]
		if !ok {
			return fmt.Errorf("group: leader %d is not a member", *snap.Leader)
		}
		leader = join
	}

	properties := make(map[uint64]map[string]group.Commit)
	for _, pm := range snap.Properties {
		s, ok := resolve(pm.Session)
		if !ok {
			return fmt.Errorf("%w: %d", group.ErrUnknownSession, pm.Session)
		}
		props := properties[pm.Member]
		if props == nil {
			props = make(map[string]group.Commit)
			properties[pm.Member] = props
		}
		op := &group.SetProperty{Member: pm.Member, Property: pm.Property, Value: pm.Value}
		props[pm.Property] = mint(pm.Index, s, op)
	}

	sessions := make(map[uint64]group.Session, len(snap.Listeners))
	for _, id := range snap.Listeners {
		s, ok := resolve(id)
		if !ok {
			return fmt.Errorf("%w: %d", group.ErrUnknownSession, id)
		}
		sessions[id] = s
	}

	m.members = members
	m.properties = properties
	m.candidates = candidates
	m.leader = leader
	m.term = snap.Term
	m.sessions = sessions
	m.deleted = false
	return nil
}
