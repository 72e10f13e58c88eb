package membership

import (
	"context"
	"time"
)

// NodeInfo describes a serving node as observed by the gossip layer. Meta
// carries auxiliary data such as the node's management address (key "mgmt"),
// which peers use to forward session and command traffic to the leader.
type NodeInfo struct {
	ID   string
	Addr string
	Meta map[string]string
}

type EventType string

const (
	// EventJoin indicates a node joined or became visible.
	EventJoin EventType = "join"
	// EventLeave indicates a node left the serving tier.
	EventLeave EventType = "leave"
	// EventFailed indicates the gossip layer marked the node as unreachable.
	EventFailed EventType = "failed"
)

// Event is the translated gossip change notification.
type Event struct {
	Type EventType
	Node NodeInfo
	At   time.Time
}

// Membership is the abstraction over the gossip/failure-detection layer the
// serving tier uses for peer discovery. It is not the group membership the
// state machine tracks — that lives in the replicated log.
type Membership interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() NodeInfo
	Members() []NodeInfo
	Events() <-chan Event
	Leave() error
	Stop() error
}
