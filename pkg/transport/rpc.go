package transport

import (
	"context"
	"encoding/json"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on node types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// JoinRequest describes a serving-node join intent and carries the RAFT
// address that should be added as a voter to the cluster.
type JoinRequest struct {
	ID       string `json:"id"`
	RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
	Accepted bool   `json:"accepted"`
	Leader   string `json:"leader,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a serving node from the cluster.
type LeaveRequest struct {
	ID string `json:"id"`
}

// LeaveResponse indicates whether the leave/remove was accepted.
type LeaveResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// LeaveFunc handles node leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// OpenSessionResponse returns the id of a freshly registered client session.
type OpenSessionResponse struct {
	Session uint64 `json:"session"`
	Error   string `json:"error,omitempty"`
}

type OpenSessionFunc func(ctx context.Context) (OpenSessionResponse, error)

// SessionRequest names an existing session (close, keepalive).
type SessionRequest struct {
	Session uint64 `json:"session"`
}

type SessionResponse struct {
	Error string `json:"error,omitempty"`
}

type CloseSessionFunc func(ctx context.Context, req SessionRequest) (SessionResponse, error)
type KeepAliveFunc func(ctx context.Context, req SessionRequest) (SessionResponse, error)

// SubmitRequest carries an encoded group operation on behalf of a session.
type SubmitRequest struct {
	Session uint64          `json:"session"`
	Command json.RawMessage `json:"command"`
}

// SubmitResponse carries the state machine's JSON-encoded result, if any.
type SubmitResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type SubmitFunc func(ctx context.Context, req SubmitRequest) (SubmitResponse, error)

// Event is a group event delivered to a session's client.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventsRequest asks for the session's buffered events, waiting up to
// WaitMillis for the first one.
type EventsRequest struct {
	Session    uint64 `json:"session"`
	WaitMillis int64  `json:"waitMillis,omitempty"`
}

type EventsResponse struct {
	Events []Event `json:"events,omitempty"`
	Error  string  `json:"error,omitempty"`
}

type EventsFunc func(ctx context.Context, req EventsRequest) (EventsResponse, error)

// Handlers bundles the management callbacks a node injects into an RPCServer.
type Handlers struct {
	Status       StatusFunc
	Join         JoinFunc
	Leave        LeaveFunc
	OpenSession  OpenSessionFunc
	CloseSession CloseSessionFunc
	KeepAlive    KeepAliveFunc
	Submit       SubmitFunc
	Events       EventsFunc
}

// RPCServer exposes management endpoints (status, node join/leave, session
// lifecycle, command submission, event delivery) for intra-cluster and client
// calls.
type RPCServer interface {
	Start(ctx context.Context, h Handlers) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient performs calls to other nodes using the chosen management
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
	PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
	OpenSession(ctx context.Context, addr string) (OpenSessionResponse, error)
	CloseSession(ctx context.Context, addr string, req SessionRequest) (SessionResponse, error)
	KeepAlive(ctx context.Context, addr string, req SessionRequest) (SessionResponse, error)
	Submit(ctx context.Context, addr string, req SubmitRequest) (SubmitResponse, error)
	Events(ctx context.Context, addr string, req EventsRequest) (EventsResponse, error)
}

// EventStreamClient is an optional client for streaming event subscriptions
// (gRPC-only). Implementations should use persistent connections with
// keepalive and backoff.
type EventStreamClient interface {
	// Subscribe establishes a long-lived server-stream from addr and invokes
	// onEvent for each incoming group event. It blocks until the stream ends
	// or ctx is done.
	Subscribe(ctx context.Context, addr string, session uint64, onEvent func(Event)) error
}
