package raftcons

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/amirimatin/go-group/pkg/group"
	obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
)

// Event is a group event buffered for delivery to a locally attached client.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is the server-side group.Session implementation. Every replica
// holds the same session set (replicated through the log); only the node a
// client is attached to buffers published events, the others drop them —
// events are outputs, not state.
type Session struct {
	id uint64

	mu       sync.Mutex
	state    group.SessionState
	attached bool
	events   []Event
	notify   chan struct{}
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) State() group.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Publish buffers the event when the session is attached to this node.
// Payloads that fail to marshal are dropped; state machine payloads are all
// JSON-encodable.
func (s *Session) Publish(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.events = append(s.events, Event{Name: name, Payload: data})
	obsmetrics.EventsPublished.WithLabelValues(name).Inc()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) setState(st group.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// drain returns buffered events, waiting for the first one until ctx is done.
func (s *Session) drain(ctx context.Context) []Event {
	for {
		s.mu.Lock()
		if len(s.events) > 0 {
			out := s.events
			s.events = nil
			s.mu.Unlock()
			return out
		}
		if s.state != group.SessionOpen {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}
	}
}

var _ group.Session = (*Session)(nil)

// SessionRegistry tracks the replicated session set and the node-local
// attachment flags.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
	pending  map[uint64]bool
}

func newSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uint64]*Session), pending: make(map[uint64]bool)}
}

func (r *SessionRegistry) open(id uint64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &Session{id: id, state: group.SessionOpen, attached: r.pending[id], notify: make(chan struct{}, 1)}
	delete(r.pending, id)
	r.sessions[id] = s
	obsmetrics.OpenSessions.Set(float64(len(r.sessions)))
	return s
}

func (r *SessionRegistry) get(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// take removes the session from the registry, marking it with the terminal
// state. The caller feeds it to the state machine's lifecycle handler.
func (r *SessionRegistry) take(id uint64, st group.SessionState) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		obsmetrics.OpenSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.setState(st)
	// Wake any drain blocked on the session.
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return s, true
}

// Attach marks a session as served by this node so published events are
// buffered here. Safe to call before the OpenSession entry is applied
// locally; the flag is carried over when the session materializes.
func (r *SessionRegistry) Attach(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.mu.Lock()
		s.attached = true
		s.mu.Unlock()
		return
	}
	r.pending[id] = true
}

// Drain blocks until the session has buffered events (or ctx is done) and
// returns them. A nil result means no session, a closed session or timeout.
func (r *SessionRegistry) Drain(ctx context.Context, id uint64) []Event {
	s, ok := r.get(id)
	if !ok {
		return nil
	}
	return s.drain(ctx)
}

// State reports the session's lifecycle state.
func (r *SessionRegistry) State(id uint64) (group.SessionState, bool) {
	s, ok := r.get(id)
	if !ok {
		return 0, false
	}
	return s.State(), true
}

// IDs returns the known session ids in ascending order.
func (r *SessionRegistry) IDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *SessionRegistry) resolve(id uint64) (group.Session, bool) {
	return r.get(id)
}

// restore replaces the registry contents from a snapshot, preserving local
// attachment intents.
func (r *SessionRegistry) restore(ids []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[uint64]*Session, len(ids))
	for _, id := range ids {
		r.sessions[id] = &Session{id: id, state: group.SessionOpen, attached: r.pending[id], notify: make(chan struct{}, 1)}
		delete(r.pending, id)
	}
	obsmetrics.OpenSessions.Set(float64(len(r.sessions)))
}
