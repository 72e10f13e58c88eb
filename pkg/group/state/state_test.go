package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/amirimatin/go-group/pkg/group"
	"github.com/amirimatin/go-group/pkg/scheduler"
)

type event struct {
	name    string
	payload any
}

func (e event) String() string {
	switch p := e.payload.(type) {
	case uint64:
		return fmt.Sprintf("%s(%d)", e.name, p)
	case group.Message:
		return fmt.Sprintf("%s(%d,%s,%s)", e.name, p.Member, p.Topic, string(p.Body))
	case json.RawMessage:
		return fmt.Sprintf("%s(%s)", e.name, string(p))
	default:
		return fmt.Sprintf("%s(%v)", e.name, p)
	}
}

type fakeSession struct {
	id     uint64
	state  group.SessionState
	events []event
}

func (s *fakeSession) ID() uint64                 { return s.id }
func (s *fakeSession) State() group.SessionState  { return s.state }
func (s *fakeSession) Publish(name string, p any) { s.events = append(s.events, event{name, p}) }

func (s *fakeSession) names() []string {
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.String())
	}
	return out
}

type fakeContext struct{ index uint64 }

func (c *fakeContext) Index() uint64 { return c.index }

type harness struct {
	t    *testing.T
	reg  *group.Registry
	ctx  *fakeContext
	exec *scheduler.Logical
	sm   *StateMachine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, reg: group.NewRegistry(true), ctx: &fakeContext{}, exec: scheduler.NewLogical()}
	h.sm = New(h.ctx, h.exec)
	return h
}

func (h *harness) apply(index uint64, s *fakeSession, op group.Operation) (any, error) {
	h.t.Helper()
	h.ctx.index = index
	return h.sm.Apply(h.reg.New(index, s, op))
}

func (h *harness) mustApply(index uint64, s *fakeSession, op group.Operation) any {
	h.t.Helper()
	v, err := h.apply(index, s, op)
	if err != nil {
		h.t.Fatalf("apply %T at %d: %v", op, index, err)
	}
	return v
}

func wantEvents(t *testing.T, s *fakeSession, want ...string) {
	t.Helper()
	got := s.names()
	if len(got) != len(want) {
		t.Fatalf("session %d events = %v, want %v", s.id, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("session %d event[%d] = %s, want %s (all: %v)", s.id, i, got[i], want[i], got)
		}
	}
}

func wantLeader(t *testing.T, sm *StateMachine, id uint64) {
	t.Helper()
	got, ok := sm.Leader()
	if !ok {
		t.Fatalf("no leader, want %d", id)
	}
	if got != id {
		t.Fatalf("leader = %d, want %d", got, id)
	}
}

func TestSingleJoin(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}

	h.mustApply(1, a, &group.Listen{})
	v := h.mustApply(7, a, &group.Join{})
	if id, ok := v.(uint64); !ok || id != 7 {
		t.Fatalf("join returned %v, want member id 7", v)
	}

	wantEvents(t, a, "join(7)", "term(7)", "elect(7)")
	wantLeader(t, h.sm, 7)
	if got := h.sm.Term(); got != 7 {
		t.Fatalf("term = %d, want 7", got)
	}
}

func TestTwoJoinsLeaderLeaves(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	b := &fakeSession{id: 2}

	h.mustApply(1, a, &group.Listen{})
	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, b, &group.Join{})
	wantLeader(t, h.sm, 2)
	if got := h.sm.Term(); got != 2 {
		t.Fatalf("term after second join = %d, want 2 (no change)", got)
	}

	h.mustApply(4, a, &group.Leave{Member: 2})
	wantLeader(t, h.sm, 3)
	if got := h.sm.Term(); got != 4 {
		t.Fatalf("term after leader leave = %d, want 4", got)
	}

	wantEvents(t, a,
		"join(2)", "term(2)", "elect(2)",
		"join(3)",
		"resign(2)", "term(4)", "elect(3)", "leave(2)",
	)
}

func TestSessionExpireCascade(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	b := &fakeSession{id: 2}

	h.mustApply(1, a, &group.Listen{})
	h.mustApply(2, b, &group.Listen{})
	h.mustApply(3, a, &group.Join{})
	h.mustApply(4, a, &group.Join{})
	h.mustApply(5, b, &group.Join{})
	wantLeader(t, h.sm, 3)

	a.state = group.SessionExpired
	h.ctx.index = 6
	h.sm.OnSessionExpire(a)

	if got := h.sm.Members(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("members = %v, want [5]", got)
	}
	wantLeader(t, h.sm, 5)
	if got := h.sm.Term(); got != 6 {
		t.Fatalf("term = %d, want 6", got)
	}

	wantEvents(t, b,
		"join(3)", "term(3)", "elect(3)",
		"join(4)", "join(5)",
		"resign(3)", "term(6)", "elect(5)", "leave(3)", "leave(4)",
	)

	// The expired session's Join commits are closed; only B's join remains.
	if got := h.reg.Open(); got != 1 {
		t.Fatalf("open commits = %d, want 1", got)
	}
}

func TestPropertyRoundtrip(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}

	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, a, &group.SetProperty{Member: 2, Property: "k", Value: json.RawMessage(`"v1"`)})
	h.mustApply(4, a, &group.SetProperty{Member: 2, Property: "k", Value: json.RawMessage(`"v2"`)})

	// The displaced v1 commit must be closed at v2's insertion: the join and
	// the v2 property remain.
	if got := h.reg.Open(); got != 2 {
		t.Fatalf("open commits = %d, want 2", got)
	}

	v := h.mustApply(5, a, &group.GetProperty{Member: 2, Property: "k"})
	raw, ok := v.(json.RawMessage)
	if !ok || string(raw) != `"v2"` {
		t.Fatalf("get property = %v, want \"v2\"", v)
	}

	h.mustApply(6, a, &group.RemoveProperty{Member: 2, Property: "k"})
	if v := h.mustApply(7, a, &group.GetProperty{Member: 2, Property: "k"}); v != nil {
		t.Fatalf("get removed property = %v, want nil", v)
	}

	if got := h.reg.Open(); got != 1 {
		t.Fatalf("open commits = %d, want 1 (join only)", got)
	}
}

func TestGetProperty_AbsentMemberIsNil(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	if v := h.mustApply(1, a, &group.GetProperty{Member: 99, Property: "k"}); v != nil {
		t.Fatalf("get on absent member = %v, want nil", v)
	}
}

func TestResignToCandidate(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	b := &fakeSession{id: 2}

	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, b, &group.Join{})
	wantLeader(t, h.sm, 2)

	h.mustApply(4, a, &group.Resign{Member: 2})
	wantLeader(t, h.sm, 3)
	if got := h.sm.Candidates(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("candidates = %v, want [2]", got)
	}

	// The resigned member re-enters at the tail and leads again when the
	// current leader leaves.
	h.mustApply(5, b, &group.Leave{Member: 3})
	wantLeader(t, h.sm, 2)
}

func TestResignWithoutLeaderIsNoop(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	h.mustApply(1, a, &group.Resign{Member: 5})
	if _, ok := h.sm.Leader(); ok {
		t.Fatalf("unexpected leader after no-op resign")
	}
	if got := h.reg.Open(); got != 0 {
		t.Fatalf("open commits = %d, want 0", got)
	}
}

func TestScheduleAfterMemberGone(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}

	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, a, &group.Schedule{Member: 2, Delay: 100, Callback: json.RawMessage(`"cb"`)})
	h.mustApply(4, a, &group.Leave{Member: 2})

	// The schedule commit stays open until firing.
	if got := h.reg.Open(); got != 1 {
		t.Fatalf("open commits before firing = %d, want 1", got)
	}

	h.exec.AdvanceTo(100)

	// No execute was delivered and the commit closed exactly once.
	for _, e := range a.events {
		if e.name == group.EventExecute {
			t.Fatalf("unexpected execute event after member left: %v", a.names())
		}
	}
	if got := h.reg.Open(); got != 0 {
		t.Fatalf("open commits after firing = %d, want 0", got)
	}
}

func TestScheduleFiresForPresentMember(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}

	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, a, &group.Schedule{Member: 2, Delay: 50, Callback: json.RawMessage(`"cb"`)})
	h.exec.AdvanceTo(50)

	last := a.events[len(a.events)-1]
	if last.name != group.EventExecute {
		t.Fatalf("last event = %v, want execute", last)
	}
	if got := h.reg.Open(); got != 1 {
		t.Fatalf("open commits = %d, want 1 (join only)", got)
	}
}

func TestSendToMember(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	b := &fakeSession{id: 2}

	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, b, &group.Send{Member: 2, Topic: "task", Body: json.RawMessage(`"hi"`)})

	wantEvents(t, a, `message(2,task,"hi")`)
	if len(b.events) != 0 {
		t.Fatalf("sender session got events: %v", b.names())
	}
}

func TestSendUnknownMember(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	_, err := h.apply(1, a, &group.Send{Member: 9, Topic: "t", Body: nil})
	if !errors.Is(err, group.ErrUnknownMember) {
		t.Fatalf("err = %v, want ErrUnknownMember", err)
	}
	if got := h.reg.Open(); got != 0 {
		t.Fatalf("open commits = %d, want 0", got)
	}
}

func TestExecuteUnknownMember(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	_, err := h.apply(1, a, &group.Execute{Member: 9, Callback: json.RawMessage(`"cb"`)})
	if !errors.Is(err, group.ErrUnknownMember) {
		t.Fatalf("err = %v, want ErrUnknownMember", err)
	}
}

func TestScheduleUnknownMember(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	_, err := h.apply(1, a, &group.Schedule{Member: 9, Delay: 10, Callback: nil})
	if !errors.Is(err, group.ErrUnknownMember) {
		t.Fatalf("err = %v, want ErrUnknownMember", err)
	}
	if got := h.reg.Open(); got != 0 {
		t.Fatalf("open commits = %d, want 0", got)
	}
}

func TestScheduleRejectedWithoutExecutor(t *testing.T) {
	reg := group.NewRegistry(true)
	ctx := &fakeContext{}
	sm := New(ctx, nil)
	a := &fakeSession{id: 1}

	ctx.index = 2
	if _, err := sm.Apply(reg.New(2, a, &group.Join{})); err != nil {
		t.Fatalf("join: %v", err)
	}
	ctx.index = 3
	_, err := sm.Apply(reg.New(3, a, &group.Schedule{Member: 2, Delay: 10, Callback: nil}))
	if !errors.Is(err, group.ErrScheduleRejected) {
		t.Fatalf("err = %v, want ErrScheduleRejected", err)
	}
	if got := reg.Open(); got != 1 {
		t.Fatalf("open commits = %d, want 1 (join only)", got)
	}
}

func TestListenReturnsMemberSnapshot(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	b := &fakeSession{id: 2}

	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, a, &group.Join{})
	v := h.mustApply(4, b, &group.Listen{})
	ids, ok := v.([]uint64)
	if !ok || len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("listen snapshot = %v, want [2 3]", v)
	}
}

func TestClosedListenerReceivesNothing(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	b := &fakeSession{id: 2}

	h.mustApply(1, a, &group.Listen{})
	h.mustApply(2, b, &group.Listen{})
	b.state = group.SessionClosed
	h.mustApply(3, a, &group.Join{})

	if len(b.events) != 0 {
		t.Fatalf("closed listener got events: %v", b.names())
	}
	wantEvents(t, a, "join(3)", "term(3)", "elect(3)")
}

func TestPublishOrderBySessionID(t *testing.T) {
	h := newHarness(t)
	// Register listeners out of id order; publication must be ascending.
	c := &fakeSession{id: 3}
	a := &fakeSession{id: 1}
	b := &fakeSession{id: 2}
	h.mustApply(1, c, &group.Listen{})
	h.mustApply(2, a, &group.Listen{})
	h.mustApply(3, b, &group.Listen{})

	order := make([]uint64, 0, 3)
	record := func(s *fakeSession) *recordingSession {
		return &recordingSession{fakeSession: s, order: &order}
	}
	// Swap recording wrappers sharing the same ids into the listener set.
	ra, rb, rc := record(a), record(b), record(c)
	h.mustApply(4, &fakeSession{id: 0}, &group.Join{}) // unrelated join to set term/leader
	h.sm.sessions[1] = ra
	h.sm.sessions[2] = rb
	h.sm.sessions[3] = rc

	h.mustApply(5, &fakeSession{id: 9}, &group.Join{})
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("publish order = %v, want [1 2 3]", order)
	}
}

type recordingSession struct {
	*fakeSession
	order *[]uint64
}

func (s *recordingSession) Publish(name string, p any) {
	*s.order = append(*s.order, s.fakeSession.id)
	s.fakeSession.Publish(name, p)
}

func TestCandidatesAreDirectoryMinusLeader(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}

	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, a, &group.Join{})
	h.mustApply(4, a, &group.Join{})

	check := func() {
		members := map[uint64]bool{}
		for _, id := range h.sm.Members() {
			members[id] = true
		}
		leader, hasLeader := h.sm.Leader()
		for _, id := range h.sm.Candidates() {
			if !members[id] {
				t.Fatalf("candidate %d not in directory %v", id, h.sm.Members())
			}
			if hasLeader && id == leader {
				t.Fatalf("leader %d present in candidate queue", id)
			}
		}
	}
	check()
	h.mustApply(5, a, &group.Resign{Member: 2})
	check()
	h.mustApply(6, a, &group.Leave{Member: 3})
	check()
}

func TestTermsNonDecreasing(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	h.mustApply(1, a, &group.Listen{})

	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, a, &group.Join{})
	h.mustApply(4, a, &group.Resign{Member: 2})
	h.mustApply(5, a, &group.Leave{Member: 3})
	h.mustApply(6, a, &group.Leave{Member: 2})

	last := uint64(0)
	for _, e := range a.events {
		if e.name != group.EventTerm {
			continue
		}
		term := e.payload.(uint64)
		if term < last {
			t.Fatalf("terms decreased: %d after %d (events %v)", term, last, a.names())
		}
		last = term
	}
	if last == 0 {
		t.Fatalf("no term events observed")
	}
}

func TestLeaveUnknownMemberOnlyClosesCommit(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	h.mustApply(1, a, &group.Listen{})
	h.mustApply(2, a, &group.Leave{Member: 42})
	if len(a.events) != 0 {
		t.Fatalf("unexpected events: %v", a.names())
	}
	if got := h.reg.Open(); got != 0 {
		t.Fatalf("open commits = %d, want 0", got)
	}
}

func TestCommitConservation_FullReplay(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	b := &fakeSession{id: 2}

	h.mustApply(1, a, &group.Listen{})
	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, b, &group.Join{})
	h.mustApply(4, a, &group.SetProperty{Member: 2, Property: "k", Value: json.RawMessage(`1`)})
	h.mustApply(5, a, &group.SetProperty{Member: 2, Property: "k", Value: json.RawMessage(`2`)})
	h.mustApply(6, b, &group.SetProperty{Member: 3, Property: "x", Value: json.RawMessage(`3`)})
	h.mustApply(7, a, &group.GetProperty{Member: 2, Property: "k"})
	h.mustApply(8, a, &group.Resign{Member: 2})
	h.mustApply(9, b, &group.Send{Member: 3, Topic: "t", Body: nil})
	h.mustApply(10, a, &group.Schedule{Member: 2, Delay: 20, Callback: nil})
	h.exec.AdvanceTo(20)
	h.mustApply(11, a, &group.Leave{Member: 2})
	h.mustApply(12, b, &group.Leave{Member: 3})

	if got := h.reg.Open(); got != 0 {
		t.Fatalf("open commits after full replay = %d, want 0", got)
	}
}

func TestDelete_ClosesEverything(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}

	h.mustApply(1, a, &group.Listen{})
	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, a, &group.Join{})
	h.mustApply(4, a, &group.SetProperty{Member: 2, Property: "k", Value: json.RawMessage(`"v"`)})

	h.sm.Delete()
	if got := h.reg.Open(); got != 0 {
		t.Fatalf("open commits after delete = %d, want 0", got)
	}
	if got := h.sm.Members(); len(got) != 0 {
		t.Fatalf("members after delete = %v, want none", got)
	}

	_, err := h.apply(5, a, &group.Join{})
	if !errors.Is(err, group.ErrDeleted) {
		t.Fatalf("apply after delete = %v, want ErrDeleted", err)
	}
	if got := h.reg.Open(); got != 0 {
		t.Fatalf("post-delete commit leaked: open = %d", got)
	}
}

func TestSessionCloseBehavesLikeExpire(t *testing.T) {
	h := newHarness(t)
	a := &fakeSession{id: 1}
	b := &fakeSession{id: 2}

	h.mustApply(1, b, &group.Listen{})
	h.mustApply(2, a, &group.Join{})

	a.state = group.SessionClosed
	h.ctx.index = 3
	h.sm.OnSessionClose(a)

	if got := h.sm.Members(); len(got) != 0 {
		t.Fatalf("members = %v, want none", got)
	}
	if _, ok := h.sm.Leader(); ok {
		t.Fatalf("leader survived owner session close")
	}
	wantEvents(t, b, "join(2)", "term(2)", "elect(2)", "resign(2)", "term(3)", "leave(2)")
}
