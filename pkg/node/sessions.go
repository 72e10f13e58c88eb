package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amirimatin/go-group/pkg/consensus"
	raftcons "github.com/amirimatin/go-group/pkg/consensus/raft"
	"github.com/amirimatin/go-group/pkg/group"
	"github.com/amirimatin/go-group/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
	"github.com/amirimatin/go-group/pkg/transport"
)

const applyTimeout = 3 * time.Second

// maxEventsWait is the absolute cap on event long-poll waits; clients pick a
// wait below their own request timeout.
const maxEventsWait = 25 * time.Second

// OpenSession registers a new client session served by this node. The
// session id is the log index of its OpenSession entry. Follower nodes
// forward the registration to the leader but attach the session locally, so
// events published to it are buffered here.
func (n *Node) OpenSession(ctx context.Context) (uint64, error) {
	var id uint64
	if n.cons.IsLeader() {
		entry, err := raftcons.EncodeOpenSession()
		if err != nil {
			return 0, err
		}
		v, err := n.cons.Apply(entry, applyTimeout)
		if err != nil {
			return 0, err
		}
		sid, ok := v.(uint64)
		if !ok {
			return 0, ErrNotGroupHost
		}
		id = sid
	} else {
		if n.rpcC == nil {
			return 0, ErrNoRPCClient
		}
		leaderMgmt := n.leaderMgmtAddr()
		if leaderMgmt == "" {
			return 0, ErrNoLeader
		}
		resp, err := n.rpcC.OpenSession(ctx, leaderMgmt)
		if err != nil {
			return 0, err
		}
		id = resp.Session
	}
	gh, ok := n.cons.(consensus.GroupHost)
	if !ok {
		return 0, ErrNotGroupHost
	}
	gh.AttachSession(id)
	n.touchSession(id)
	logutil.Infof(n.opts.Logger, "session %d opened", id)
	return id, nil
}

// CloseSession closes a session gracefully.
func (n *Node) CloseSession(ctx context.Context, id uint64) error {
	n.sess.mu.Lock()
	delete(n.sess.lastSeen, id)
	n.sess.mu.Unlock()
	return n.endSession(ctx, id, false)
}

// endSession routes a close (or expiry) through the log. Followers forward to
// the leader; expire degrades to close there, which the state machine treats
// identically.
func (n *Node) endSession(ctx context.Context, id uint64, expire bool) error {
	if n.cons.IsLeader() {
		var (
			entry []byte
			err   error
		)
		if expire {
			entry, err = raftcons.EncodeExpireSession(id)
		} else {
			entry, err = raftcons.EncodeCloseSession(id)
		}
		if err != nil {
			return err
		}
		_, err = n.cons.Apply(entry, applyTimeout)
		return err
	}
	if n.rpcC == nil {
		return ErrNoRPCClient
	}
	leaderMgmt := n.leaderMgmtAddr()
	if leaderMgmt == "" {
		return ErrNoLeader
	}
	resp, err := n.rpcC.CloseSession(ctx, leaderMgmt, transport.SessionRequest{Session: id})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errorString(resp.Error)
	}
	return nil
}

// KeepAlive refreshes the liveness of a locally served session.
func (n *Node) KeepAlive(id uint64) {
	n.touchSession(id)
}

func (n *Node) touchSession(id uint64) {
	n.sess.mu.Lock()
	n.sess.lastSeen[id] = time.Now()
	n.sess.mu.Unlock()
}

// Submit applies a group operation on behalf of a session and returns the
// state machine's result (JSON-encoded), forwarding to the leader when this
// node is a follower.
func (n *Node) Submit(ctx context.Context, session uint64, op group.Operation) (json.RawMessage, error) {
	command, err := group.EncodeOperation(op)
	if err != nil {
		return nil, err
	}
	resp, err := n.submit(ctx, transport.SubmitRequest{Session: session, Command: command})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errorString(resp.Error)
	}
	return resp.Result, nil
}

func (n *Node) submit(ctx context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
	op, err := group.DecodeOperation(req.Command)
	if err != nil {
		return transport.SubmitResponse{}, err
	}
	kind := string(op.Kind())

	if !n.cons.IsLeader() {
		if n.rpcC == nil {
			return transport.SubmitResponse{}, ErrNoRPCClient
		}
		leaderMgmt := n.leaderMgmtAddr()
		if leaderMgmt == "" {
			return transport.SubmitResponse{}, ErrNoLeader
		}
		obsmetrics.Submits.WithLabelValues(kind, "forwarded").Inc()
		return n.rpcC.Submit(ctx, leaderMgmt, req)
	}

	entry, err := raftcons.EncodeCommand(req.Session, req.Command, time.Now().UnixMilli())
	if err != nil {
		return transport.SubmitResponse{}, err
	}
	v, err := n.cons.Apply(entry, applyTimeout)
	if err != nil {
		obsmetrics.Submits.WithLabelValues(kind, "error").Inc()
		return transport.SubmitResponse{Error: err.Error()}, nil
	}
	obsmetrics.Submits.WithLabelValues(kind, "ok").Inc()
	if v == nil {
		return transport.SubmitResponse{}, nil
	}
	result, err := json.Marshal(v)
	if err != nil {
		return transport.SubmitResponse{}, err
	}
	return transport.SubmitResponse{Result: result}, nil
}

// DeleteGroup tears the replicated group down: every retained commit is
// closed and subsequent commands fail. Leader-only.
func (n *Node) DeleteGroup(ctx context.Context) error {
	if !n.cons.IsLeader() {
		return ErrNotLeader
	}
	entry, err := raftcons.EncodeDeleteGroup()
	if err != nil {
		return err
	}
	_, err = n.cons.Apply(entry, applyTimeout)
	return err
}

// DrainEvents returns the buffered events of a locally served session,
// waiting up to wait for the first one.
func (n *Node) DrainEvents(ctx context.Context, session uint64, wait time.Duration) []transport.Event {
	gh, ok := n.cons.(consensus.GroupHost)
	if !ok {
		return nil
	}
	if wait <= 0 {
		wait = time.Second
	}
	if wait > maxEventsWait {
		wait = maxEventsWait
	}
	dctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	events := gh.DrainSession(dctx, session)
	out := make([]transport.Event, 0, len(events))
	for _, e := range events {
		out = append(out, transport.Event{Name: e.Name, Payload: e.Payload})
	}
	return out
}

// --- RPC handlers ---

func (n *Node) handleOpenSession(ctx context.Context) (transport.OpenSessionResponse, error) {
	// A forwarded open registers the session but attaches it on the caller.
	if !n.cons.IsLeader() {
		return transport.OpenSessionResponse{Error: "not leader"}, nil
	}
	entry, err := raftcons.EncodeOpenSession()
	if err != nil {
		return transport.OpenSessionResponse{Error: err.Error()}, nil
	}
	v, err := n.cons.Apply(entry, applyTimeout)
	if err != nil {
		return transport.OpenSessionResponse{Error: err.Error()}, nil
	}
	id, ok := v.(uint64)
	if !ok {
		return transport.OpenSessionResponse{Error: ErrNotGroupHost.Error()}, nil
	}
	return transport.OpenSessionResponse{Session: id}, nil
}

func (n *Node) handleCloseSession(ctx context.Context, req transport.SessionRequest) (transport.SessionResponse, error) {
	n.sess.mu.Lock()
	delete(n.sess.lastSeen, req.Session)
	n.sess.mu.Unlock()
	if err := n.endSession(ctx, req.Session, false); err != nil {
		return transport.SessionResponse{Error: err.Error()}, nil
	}
	return transport.SessionResponse{}, nil
}

func (n *Node) handleKeepAlive(ctx context.Context, req transport.SessionRequest) (transport.SessionResponse, error) {
	// Refresh only sessions served by this node; a keepalive routed to the
	// wrong node must not start tracking (and later expiring) the session.
	n.sess.mu.Lock()
	if _, ok := n.sess.lastSeen[req.Session]; ok {
		n.sess.lastSeen[req.Session] = time.Now()
	}
	n.sess.mu.Unlock()
	return transport.SessionResponse{}, nil
}

func (n *Node) handleSubmit(ctx context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
	resp, err := n.submit(ctx, req)
	if err != nil {
		return transport.SubmitResponse{Error: err.Error()}, nil
	}
	return resp, nil
}

func (n *Node) handleEvents(ctx context.Context, req transport.EventsRequest) (transport.EventsResponse, error) {
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	events := n.DrainEvents(ctx, req.Session, wait)
	return transport.EventsResponse{Events: events}, nil
}

type errorString string

func (e errorString) Error() string { return string(e) }
