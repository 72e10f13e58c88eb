package state

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/amirimatin/go-group/pkg/group"
)

// runScript drives the same command sequence into a fresh state machine and
// returns it together with its registry and sessions.
func runScript(t *testing.T) (*harness, map[uint64]*fakeSession) {
	t.Helper()
	h := newHarness(t)
	sessions := map[uint64]*fakeSession{
		1: {id: 1},
		2: {id: 2},
	}
	a, b := sessions[1], sessions[2]

	h.mustApply(1, a, &group.Listen{})
	h.mustApply(2, a, &group.Join{})
	h.mustApply(3, b, &group.Join{})
	h.mustApply(4, b, &group.Listen{})
	h.mustApply(5, a, &group.SetProperty{Member: 2, Property: "zone", Value: json.RawMessage(`"eu"`)})
	h.mustApply(6, b, &group.SetProperty{Member: 3, Property: "zone", Value: json.RawMessage(`"us"`)})
	h.mustApply(7, a, &group.Resign{Member: 2})
	return h, sessions
}

func TestReplicaConvergence(t *testing.T) {
	h1, _ := runScript(t)
	h2, _ := runScript(t)

	s1, err := h1.sm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot 1: %v", err)
	}
	s2, err := h2.sm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot 2: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatalf("replicas diverged:\n got: %s\nwant: %s", s2, s1)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	h, sessions := runScript(t)
	snap, err := h.sm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	reg := group.NewRegistry(true)
	restored := New(h.ctx, h.exec)
	resolve := func(id uint64) (group.Session, bool) {
		s, ok := sessions[id]
		return s, ok
	}
	mint := func(index uint64, s group.Session, op group.Operation) group.Commit {
		return reg.New(index, s, op)
	}
	if err := restored.Restore(snap, resolve, mint); err != nil {
		t.Fatalf("restore: %v", err)
	}

	snap2, err := restored.Snapshot()
	if err != nil {
		t.Fatalf("snapshot after restore: %v", err)
	}
	if !bytes.Equal(snap, snap2) {
		t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2, snap)
	}

	// Restored state answers reads like the original.
	if v, err := restored.Apply(reg.New(8, sessions[1], &group.GetProperty{Member: 2, Property: "zone"})); err != nil {
		t.Fatalf("get after restore: %v", err)
	} else if raw, ok := v.(json.RawMessage); !ok || string(raw) != `"eu"` {
		t.Fatalf("get after restore = %v, want \"eu\"", v)
	}
	if leader, ok := restored.Leader(); !ok || leader != 3 {
		t.Fatalf("restored leader = %v, want 3", leader)
	}
	if got := restored.Candidates(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("restored candidates = %v, want [2]", got)
	}
}

func TestRestore_UnknownSessionFails(t *testing.T) {
	h, _ := runScript(t)
	snap, err := h.sm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored := New(h.ctx, h.exec)
	resolve := func(uint64) (group.Session, bool) { return nil, false }
	mint := func(index uint64, s group.Session, op group.Operation) group.Commit {
		return group.NewRegistry(false).New(index, s, op)
	}
	if err := restored.Restore(snap, resolve, mint); err == nil {
		t.Fatalf("expected restore failure on unknown session")
	}
}
