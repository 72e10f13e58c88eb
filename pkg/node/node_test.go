package node

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	raftcons "github.com/amirimatin/go-group/pkg/consensus/raft"
	dStatic "github.com/amirimatin/go-group/pkg/discovery/static"
	"github.com/amirimatin/go-group/pkg/group"
	ml "github.com/amirimatin/go-group/pkg/membership/memberlist"
)

func freePort(t *testing.T) int {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer a.Close()
	return a.LocalAddr().(*net.UDPAddr).Port
}

func startSingleNode(t *testing.T, ctx context.Context) *Node {
	t.Helper()
	cons, err := raftcons.New(raftcons.Options{NodeID: "n1", Bootstrap: true, ApplyTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}
	bind := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	mem, err := ml.New(ml.Options{NodeID: "n1", Bind: bind, Advertise: bind, Logger: log.Default()})
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	n, err := New(ctx, Options{
		NodeID:       "n1",
		Discovery:    dStatic.New(),
		Logger:       log.Default(),
		Consensus:    cons,
		Membership:   mem,
		TickInterval: 100 * time.Millisecond,
		SessionTTL:   time.Minute,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cons.IsLeader() {
			return n
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("node did not become raft leader in time")
	return nil
}

func TestNode_SingleNodeGroupLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	n := startSingleNode(t, ctx)

	session, err := n.OpenSession(ctx)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	if _, err := n.Submit(ctx, session, &group.Listen{}); err != nil {
		t.Fatalf("listen: %v", err)
	}

	result, err := n.Submit(ctx, session, &group.Join{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	var member uint64
	if err := json.Unmarshal(result, &member); err != nil {
		t.Fatalf("decode member id from %s: %v", result, err)
	}

	events := n.DrainEvents(ctx, session, time.Second)
	if len(events) == 0 {
		t.Fatalf("no events after join")
	}
	if events[0].Name != group.EventJoin {
		t.Fatalf("first event = %s, want join", events[0].Name)
	}

	st, err := n.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Healthy {
		t.Fatalf("status not healthy: %+v", st)
	}
	if len(st.Group.Members) != 1 || st.Group.Members[0] != member {
		t.Fatalf("group members = %v, want [%d]", st.Group.Members, member)
	}
	if st.Group.Leader == nil || *st.Group.Leader != member {
		t.Fatalf("group leader = %v, want %d", st.Group.Leader, member)
	}

	// Property roundtrip over the public API.
	if _, err := n.Submit(ctx, session, &group.SetProperty{Member: member, Property: "zone", Value: json.RawMessage(`"eu"`)}); err != nil {
		t.Fatalf("set property: %v", err)
	}
	got, err := n.Submit(ctx, session, &group.GetProperty{Member: member, Property: "zone"})
	if err != nil {
		t.Fatalf("get property: %v", err)
	}
	if string(got) != `"eu"` {
		t.Fatalf("get property = %s, want \"eu\"", got)
	}

	if err := n.CloseSession(ctx, session); err != nil {
		t.Fatalf("close session: %v", err)
	}
	st, err = n.Status(ctx)
	if err != nil {
		t.Fatalf("status after close: %v", err)
	}
	if len(st.Group.Members) != 0 {
		t.Fatalf("members after session close = %v, want none", st.Group.Members)
	}
}

func TestNode_ScheduleFiresViaTicks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	n := startSingleNode(t, ctx)

	session, err := n.OpenSession(ctx)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	result, err := n.Submit(ctx, session, &group.Join{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	var member uint64
	if err := json.Unmarshal(result, &member); err != nil {
		t.Fatalf("decode member id: %v", err)
	}

	if _, err := n.Submit(ctx, session, &group.Schedule{Member: member, Delay: 200, Callback: json.RawMessage(`"cb"`)}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// The leader tick loop advances logical time; the callback arrives as an
	// execute event.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range n.DrainEvents(ctx, session, 500*time.Millisecond) {
			if e.Name == group.EventExecute {
				return
			}
		}
	}
	t.Fatalf("execute event never arrived")
}
