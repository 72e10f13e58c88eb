package raftcons

import (
	"context"
	"testing"
	"time"

	"github.com/amirimatin/go-group/pkg/group"
)

func startLeader(t *testing.T) *Node {
	t.Helper()
	n, err := New(Options{NodeID: "n1", Bootstrap: true, ApplyTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = n.Stop() })

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return n
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("node did not become leader in time")
	return nil
}

func TestRaft_SingleNodeLeadership(t *testing.T) {
	n := startLeader(t)

	select {
	case li, ok := <-n.LeaderCh():
		if !ok {
			t.Fatalf("leader channel closed unexpectedly")
		}
		if li.ID != "n1" {
			t.Fatalf("leader id = %q, want n1", li.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for leader event")
	}
}

func TestRaft_GroupEndToEnd(t *testing.T) {
	n := startLeader(t)

	entry, err := EncodeOpenSession()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v, err := n.Apply(entry, 2*time.Second)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	session, ok := v.(uint64)
	if !ok {
		t.Fatalf("open session returned %T, want uint64", v)
	}
	n.Sessions().Attach(session)

	op, err := group.EncodeOperation(&group.Listen{})
	if err != nil {
		t.Fatalf("encode listen: %v", err)
	}
	entry, err = EncodeCommand(session, op, 0)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	if _, err := n.Apply(entry, 2*time.Second); err != nil {
		t.Fatalf("listen: %v", err)
	}

	op, err = group.EncodeOperation(&group.Join{})
	if err != nil {
		t.Fatalf("encode join: %v", err)
	}
	entry, err = EncodeCommand(session, op, 0)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	v, err = n.Apply(entry, 2*time.Second)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	member, ok := v.(uint64)
	if !ok {
		t.Fatalf("join returned %T, want uint64", v)
	}

	gi := n.GroupInfo()
	if len(gi.Members) != 1 || gi.Members[0] != member {
		t.Fatalf("members = %v, want [%d]", gi.Members, member)
	}
	if gi.Leader == nil || *gi.Leader != member {
		t.Fatalf("group leader = %v, want %d", gi.Leader, member)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events := n.Sessions().Drain(ctx, session)
	if len(events) == 0 {
		t.Fatalf("no events delivered to attached session")
	}
	if events[0].Name != group.EventJoin {
		t.Fatalf("first event = %s, want join", events[0].Name)
	}
}
