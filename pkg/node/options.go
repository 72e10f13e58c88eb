package node

import (
	"errors"
	"log"
	"time"

	"github.com/amirimatin/go-group/pkg/consensus"
	"github.com/amirimatin/go-group/pkg/discovery"
	"github.com/amirimatin/go-group/pkg/membership"
	"github.com/amirimatin/go-group/pkg/transport"
)

type NodeID string

// Options carries dependency-injected components and runtime configuration
// used to assemble the serving node. Instances are typically produced from
// bootstrap.Config.
type Options struct {
	// NodeID is the unique identifier of this node within the serving tier.
	NodeID NodeID
	// RaftAddr is the local RAFT address advertised in join requests.
	RaftAddr string
	// Discovery provides seed nodes for membership join.
	Discovery discovery.Discovery
	// Logger is used by the node to report operational messages.
	Logger *log.Logger

	// Consensus engine hosting the group state machine (required).
	Consensus consensus.Consensus

	// Membership implementation (required).
	Membership membership.Membership

	// Optional management RPC (status proxy, session/command forwarding).
	RPCServer transport.RPCServer
	RPCClient transport.RPCClient

	// TickInterval is how often the leader stamps logical time into the log.
	// Zero means 1s.
	TickInterval time.Duration
	// SessionTTL is how long a locally served session may miss keepalives
	// before this node expires it. Zero means 10s.
	SessionTTL time.Duration

	// Optional callbacks for app-level hooks.
	OnLeaderChange func(info consensus.LeaderInfo)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("node: empty NodeID")
	}
	if o.Discovery == nil {
		return errors.New("node: nil Discovery")
	}
	if o.Logger == nil {
		return errors.New("node: nil Logger")
	}
	if o.Consensus == nil {
		return errors.New("node: nil Consensus")
	}
	if o.Membership == nil {
		return errors.New("node: nil Membership")
	}
	return nil
}

func (o Options) tickInterval() time.Duration {
	if o.TickInterval > 0 {
		return o.TickInterval
	}
	return time.Second
}

func (o Options) sessionTTL() time.Duration {
	if o.SessionTTL > 0 {
		return o.SessionTTL
	}
	return 10 * time.Second
}
