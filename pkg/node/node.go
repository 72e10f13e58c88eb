package node

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/amirimatin/go-group/pkg/consensus"
	raftcons "github.com/amirimatin/go-group/pkg/consensus/raft"
	"github.com/amirimatin/go-group/pkg/internal/logutil"
	"github.com/amirimatin/go-group/pkg/membership"
	obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
	"github.com/amirimatin/go-group/pkg/observability/tracing"
	"github.com/amirimatin/go-group/pkg/transport"
)

// Facade exposes the high-level API for consumers embedding a group node.
type Facade interface {
	Start(ctx context.Context) error
	Join(ctx context.Context, seedLeader string) error
	Status(ctx context.Context) (*Status, error)
	Stop(ctx context.Context) error
	LeaderCh() <-chan consensus.LeaderInfo
}

// Node is the concrete implementation of the Facade. It wires together the
// gossip membership of the serving tier, the RAFT-hosted group state machine,
// the management RPC surface and client session serving.
type Node struct {
	opts Options
	mu   sync.RWMutex
	run  struct {
		started bool
		closed  bool
	}
	cons consensus.Consensus
	mem  membership.Membership
	rpcS transport.RPCServer
	rpcC transport.RPCClient
	eb   eventBus

	sess struct {
		mu       sync.Mutex
		lastSeen map[uint64]time.Time
	}
}

// New constructs a new Node instance from validated options. It performs no
// network activity; call Start to launch the node.
func New(ctx context.Context, opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := &Node{opts: opts, cons: opts.Consensus, mem: opts.Membership, rpcS: opts.RPCServer, rpcC: opts.RPCClient}
	n.sess.lastSeen = make(map[uint64]time.Time)
	return n, nil
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error {
	return n.Stop(context.Background())
}

// Start launches membership, consensus and the management endpoint, then
// begins the internal loops for leadership observation, logical ticks and
// session expiry.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.started {
		return nil
	}
	n.run.started = true
	obsmetrics.Register()

	if err := n.mem.Start(ctx); err != nil {
		return err
	}
	if seeds := n.opts.Discovery.Seeds(); len(seeds) > 0 {
		logutil.Infof(n.opts.Logger, "joining membership seeds: %v", seeds)
		_ = n.mem.Join(seeds)
	}

	if err := n.cons.Start(ctx); err != nil {
		return err
	}
	go n.membershipEventsLoop(ctx)
	go n.tickLoop(ctx)
	go n.expiryLoop(ctx)
	if ln, ok := n.cons.(consensus.LeaderNotifier); ok {
		go n.leaderWatchLoop(ln)
	}

	if n.rpcS != nil {
		h := transport.Handlers{
			Status:       func(ctx context.Context) ([]byte, error) { return n.statusLocalJSON(ctx) },
			Join:         n.handleJoin,
			Leave:        n.handleLeave,
			OpenSession:  n.handleOpenSession,
			CloseSession: n.handleCloseSession,
			KeepAlive:    n.handleKeepAlive,
			Submit:       n.handleSubmit,
			Events:       n.handleEvents,
		}
		if err := n.rpcS.Start(ctx, h); err != nil {
			return err
		}
		logutil.Infof(n.opts.Logger, "management endpoint listening at %s (status/metrics/healthz)", n.rpcS.Addr())
	}
	return nil
}

func (n *Node) leaderWatchLoop(ln consensus.LeaderNotifier) {
	for li := range ln.LeaderCh() {
		logutil.Infof(n.opts.Logger, "raft leader change observed: id=%s term=%d", li.ID, li.Term)
		liCopy := li
		n.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy, Term: li.Term})
		if n.opts.OnLeaderChange != nil {
			n.opts.OnLeaderChange(liCopy)
		}
		if n.cons.IsLeader() {
			obsmetrics.IsLeader.Set(1)
		} else {
			obsmetrics.IsLeader.Set(0)
		}
	}
}

func (n *Node) membershipEventsLoop(ctx context.Context) {
	evch := n.mem.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-evch:
			if !ok {
				return
			}
			switch e.Type {
			case membership.EventJoin:
				nd := e.Node
				n.eb.publish(Event{Type: EventNodeJoin, At: e.At, Node: &nd})
			case membership.EventLeave, membership.EventFailed:
				// On departure, remove the server from raft (leader-only).
				n.removeServer(e.Node.ID)
				et := EventNodeLeave
				if e.Type == membership.EventFailed {
					et = EventNodeFailed
				}
				nd := e.Node
				n.eb.publish(Event{Type: et, At: e.At, Node: &nd})
			}
		}
	}
}

// tickLoop stamps wall time into the log on the leader so the logical
// scheduler advances identically on every replica.
func (n *Node) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(n.opts.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if !n.cons.IsLeader() {
				continue
			}
			entry, err := raftcons.EncodeTick(t.UnixMilli())
			if err != nil {
				continue
			}
			if _, err := n.cons.Apply(entry, 2*time.Second); err != nil {
				logutil.Warnf(n.opts.Logger, "tick apply failed: %v", err)
			}
		}
	}
}

// expiryLoop expires locally served sessions whose keepalive lapsed.
func (n *Node) expiryLoop(ctx context.Context) {
	ttl := n.opts.sessionTTL()
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ttl)
			var stale []uint64
			n.sess.mu.Lock()
			for id, seen := range n.sess.lastSeen {
				if seen.Before(cutoff) {
					stale = append(stale, id)
					delete(n.sess.lastSeen, id)
				}
			}
			n.sess.mu.Unlock()
			for _, id := range stale {
				logutil.Warnf(n.opts.Logger, "expiring session %d: keepalive lapsed", id)
				if err := n.endSession(ctx, id, true); err != nil {
					logutil.Errorf(n.opts.Logger, "expire session %d: %v", id, err)
				}
			}
		}
	}
}

// Join requests to add this node as a voter to the RAFT cluster via the
// current leader's management endpoint. When seedLeader is empty, the method
// attempts to resolve the leader using consensus and membership metadata.
func (n *Node) Join(ctx context.Context, seedLeader string) error {
	if n.rpcC == nil {
		return ErrNoRPCClient
	}
	leaderMgmt := seedLeader
	if leaderMgmt == "" {
		if id, _, ok := n.cons.Leader(); ok {
			leaderMgmt = n.lookupNodeAddr(id)
		}
	} else {
		// Resolve leader via seed's status endpoint to ensure we target the actual leader
		if data, err := n.rpcC.GetStatus(ctx, leaderMgmt); err == nil {
			var st Status
			if json.Unmarshal(data, &st) == nil && st.LeaderAddr != "" {
				leaderMgmt = st.LeaderAddr
			}
		}
	}
	if leaderMgmt == "" {
		return ErrNoLeader
	}
	req := transport.JoinRequest{ID: string(n.opts.NodeID), RaftAddr: n.opts.RaftAddr}
	resp, err := n.rpcC.PostJoin(ctx, leaderMgmt, req)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		if resp.Error == "not leader" {
			return ErrNotLeader
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return errors.New("node: join rejected")
	}
	return nil
}

// Status returns a synthesized snapshot including RAFT term/leader, the
// serving-tier membership view and the replicated group state. When called on
// a follower, it proxies to the leader to obtain a canonical view (including
// LeaderAddr), when possible.
func (n *Node) Status(ctx context.Context) (*Status, error) {
	s := &Status{}
	s.RaftTerm = n.cons.Term()
	if id, _, ok := n.cons.Leader(); ok {
		s.LeaderID = id
		s.Healthy = true
		if n.cons.IsLeader() && n.rpcS != nil {
			s.LeaderAddr = n.rpcS.Addr()
		} else if n.rpcC != nil {
			// Not leader: proxy to leader to get canonical view (including mgmt address)
			if la := n.lookupNodeAddr(id); la != "" {
				if data, err := n.rpcC.GetStatus(ctx, la); err == nil {
					var rs Status
					if json.Unmarshal(data, &rs) == nil {
						return &rs, nil
					}
				}
			}
		}
	}
	s.Nodes = n.mem.Members()
	if gh, ok := n.cons.(consensus.GroupHost); ok {
		s.Group = gh.GroupStatus()
	}
	if n.cons.IsLeader() {
		obsmetrics.IsLeader.Set(1)
	} else {
		obsmetrics.IsLeader.Set(0)
	}
	return s, nil
}

// Stop gracefully shuts down consensus, membership and the management server.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.closed {
		return nil
	}
	n.run.closed = true
	_ = n.cons.Stop()
	_ = n.mem.Leave()
	_ = n.mem.Stop()
	if n.rpcS != nil {
		_ = n.rpcS.Stop(ctx)
	}
	return nil
}

// LeaderCh exposes leadership change events if the underlying consensus
// implementation supports it (via consensus.LeaderNotifier). Returns nil when
// unsupported.
func (n *Node) LeaderCh() <-chan consensus.LeaderInfo {
	if ln, ok := n.cons.(consensus.LeaderNotifier); ok {
		return ln.LeaderCh()
	}
	return nil
}

func (n *Node) statusLocalJSON(ctx context.Context) ([]byte, error) {
	st, err := n.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// lookupNodeAddr returns the target management address for a given node ID.
// It prefers membership Meta["mgmt"] when available; otherwise falls back to
// the membership gossip address (which may not serve management APIs).
func (n *Node) lookupNodeAddr(id string) string {
	for _, m := range n.mem.Members() {
		if m.ID == id {
			if m.Meta != nil {
				if mgmt := m.Meta["mgmt"]; mgmt != "" {
					return mgmt
				}
			}
			return m.Addr
		}
	}
	return ""
}

// leaderMgmtAddr resolves the leader's management address, empty if unknown.
func (n *Node) leaderMgmtAddr() string {
	if id, _, ok := n.cons.Leader(); ok {
		return n.lookupNodeAddr(id)
	}
	return ""
}

func (n *Node) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "node.handleJoin")
	defer end()
	// Only leader accepts join requests
	if !n.cons.IsLeader() {
		obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
		logutil.Warnf(n.opts.Logger, "join rejected (not leader): id=%s", req.ID)
		return transport.JoinResponse{Accepted: false, Leader: n.leaderMgmtAddr(), Error: "not leader"}, nil
	}
	if rc, ok := n.cons.(consensus.Reconfigurer); ok {
		if err := rc.AddVoter(req.ID, req.RaftAddr, 3*time.Second); err != nil {
			logutil.Errorf(n.opts.Logger, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
			return transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
		}
	}
	obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
	logutil.Infof(n.opts.Logger, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
	return transport.JoinResponse{Accepted: true}, nil
}

func (n *Node) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "node.handleLeave")
	defer end()
	if !n.cons.IsLeader() {
		logutil.Warnf(n.opts.Logger, "leave rejected (not leader): id=%s", req.ID)
		return transport.LeaveResponse{Accepted: false, Error: "not leader"}, nil
	}
	n.removeServer(req.ID)
	logutil.Infof(n.opts.Logger, "leave accepted: id=%s", req.ID)
	return transport.LeaveResponse{Accepted: true}, nil
}

func (n *Node) removeServer(id string) {
	if !n.cons.IsLeader() {
		return
	}
	if rc, ok := n.cons.(consensus.Reconfigurer); ok {
		if err := rc.RemoveServer(id, 3*time.Second); err != nil {
			logutil.Warnf(n.opts.Logger, "remove voter failed: id=%s err=%v", id, err)
		} else {
			logutil.Infof(n.opts.Logger, "removed voter: id=%s", id)
		}
	}
}
