package bootstrap

import (
	"context"
	"crypto/tls"
	"log"
	"time"

	cns "github.com/amirimatin/go-group/pkg/consensus"
	consraft "github.com/amirimatin/go-group/pkg/consensus/raft"
	"github.com/amirimatin/go-group/pkg/discovery"
	dStatic "github.com/amirimatin/go-group/pkg/discovery/static"
	ml "github.com/amirimatin/go-group/pkg/membership/memberlist"
	"github.com/amirimatin/go-group/pkg/node"
	tlsx "github.com/amirimatin/go-group/pkg/security/tlsconfig"
	"github.com/amirimatin/go-group/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-group/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-group/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a group node with sensible
// defaults. Applications embed the node by providing this structure and
// calling Build/Run.
type Config struct {
	// Identity and addresses
	NodeID   string
	RaftAddr string // e.g., ":9521" or "host:9521"
	MemBind  string // membership bind host:port
	MemAdv   string // optional advertise host:port

	// Management API (status/join/leave/sessions/submit/events)
	MgmtAddr  string // host:port for management API (HTTP or gRPC)
	MgmtProto string // "http" (default) or "grpc"

	// Discovery settings
	SeedsCSV string // comma-separated seed nodes (host:port)

	// Persistence and bootstrap
	DataDir   string // empty → in-memory
	Bootstrap bool   // single-node bootstrap

	// Group runtime tuning
	TickInterval time.Duration // logical clock tick period (leader)
	SessionTTL   time.Duration // keepalive window for served sessions

	// TLS (optional) for management API
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger

	// Optional callbacks
	OnLeaderChange func(info cns.LeaderInfo)
}

// Build assembles a node.Node from Config without starting it.
func Build(cfg Config) (*node.Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	var disc discovery.Discovery = dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)

	// Consensus (Raft) hosting the group state machine
	cons, err := consraft.New(consraft.Options{NodeID: cfg.NodeID, BindAddr: cfg.RaftAddr, DataDir: cfg.DataDir, Bootstrap: cfg.Bootstrap, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	// Membership (memberlist)
	// Pass the management address via membership metadata so followers can
	// forward session and command traffic to the leader.
	memMeta := map[string]string{}
	if cfg.MgmtAddr != "" {
		memMeta["mgmt"] = cfg.MgmtAddr
	}
	mem, err := ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: memMeta})
	if err != nil {
		return nil, err
	}

	// Management API
	var srv transport.RPCServer
	var cli transport.RPCClient
	var srvTLS, cliTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
		// Prefer hot-reload configs to allow manual rotation by replacing files
		if s, err := topts.ServerHotReload(); err == nil {
			srvTLS = s
		} else {
			return nil, err
		}
		if c, err := topts.ClientHotReload(); err == nil {
			cliTLS = c
		} else {
			return nil, err
		}
	}
	switch cfg.MgmtProto {
	case "grpc":
		s := mgmtgrpc.NewServer(cfg.MgmtAddr)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := mgmtgrpc.NewClient(3 * time.Second)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		srv, cli = s, c
	default:
		s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := httpjson.NewClient(3 * time.Second)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		srv, cli = s, c
	}

	opts := node.Options{
		NodeID:         node.NodeID(cfg.NodeID),
		RaftAddr:       cfg.RaftAddr,
		Discovery:      disc,
		Logger:         cfg.Logger,
		Consensus:      cons,
		Membership:     mem,
		RPCServer:      srv,
		RPCClient:      cli,
		TickInterval:   cfg.TickInterval,
		SessionTTL:     cfg.SessionTTL,
		OnLeaderChange: cfg.OnLeaderChange,
	}
	return node.New(context.Background(), opts)
}

// Run builds and starts the node, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}
