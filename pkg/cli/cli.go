package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-group/pkg/bootstrap"
	"github.com/amirimatin/go-group/pkg/group"
	tracing "github.com/amirimatin/go-group/pkg/observability/tracing"
	tlsx "github.com/amirimatin/go-group/pkg/security/tlsconfig"
	"github.com/amirimatin/go-group/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-group/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-group/pkg/transport/httpjson"
)

// AddAll attaches group subcommands (run/status/join/leave/listen/send) to the
// provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewJoinCmd())
	root.AddCommand(NewLeaveCmd())
	root.AddCommand(NewListenCmd())
	root.AddCommand(NewSendCmd())
}

// tlsFlags bundles the repeated TLS flag set for client commands.
type tlsFlags struct {
	enable, skip              bool
	ca, cert, key, serverName string
}

func (f *tlsFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.enable, "tls-enable", false, "enable mTLS for management transport")
	cmd.Flags().StringVar(&f.ca, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&f.cert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(&f.key, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(&f.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&f.serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *tlsFlags) config() (*tls.Config, error) {
	if !f.enable {
		return nil, nil
	}
	topts := tlsx.Options{Enable: true, CAFile: f.ca, CertFile: f.cert, KeyFile: f.key, InsecureSkipVerify: f.skip, ServerName: f.serverName}
	return topts.Client()
}

func newRPCClient(proto string, timeout time.Duration, tlsCfg *tls.Config) transport.RPCClient {
	switch proto {
	case "grpc":
		cli := mgmtgrpc.NewClient(timeout)
		if tlsCfg != nil {
			cli.UseTLS(tlsCfg)
		}
		return cli
	default:
		cli := httpjson.NewClient(timeout)
		if tlsCfg != nil {
			cli.UseTLS(tlsCfg)
		}
		return cli
	}
}

// NewRunCmd returns the "run" command used to start a group node.
func NewRunCmd() *cobra.Command {
	var (
		id, raftAddr, memBind, memAdv, joinCSV, mgmtAddr, mgmtProto string
		tickInterval, sessionTTL                                    time.Duration
		tlsEnable, tlsSkip, traceEnable, doBootstrap                bool
		tlsCA, tlsCert, tlsKey, tlsServerName, dataDir              string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a group node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("missing -id")
			}
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg := bootstrap.Config{
				NodeID:        id,
				RaftAddr:      raftAddr,
				MemBind:       memBind,
				MemAdv:        memAdv,
				MgmtAddr:      mgmtAddr,
				MgmtProto:     mgmtProto,
				SeedsCSV:      joinCSV,
				DataDir:       dataDir,
				Bootstrap:     doBootstrap,
				TickInterval:  tickInterval,
				SessionTTL:    sessionTTL,
				TLSEnable:     tlsEnable,
				TLSCA:         tlsCA,
				TLSCert:       tlsCert,
				TLSKey:        tlsKey,
				TLSServerName: tlsServerName,
				TLSSkipVerify: tlsSkip,
				Logger:        log.Default(),
			}
			n, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer n.Close()

			fmt.Println("group node running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id (required)")
	cmd.Flags().StringVar(&raftAddr, "raft-addr", ":9520", "raft bind addr (tcp)")
	cmd.Flags().StringVar(&memBind, "mem-bind", ":7946", "membership bind addr (host:port)")
	cmd.Flags().StringVar(&memAdv, "mem-adv", "", "membership advertise addr (host:port, optional)")
	cmd.Flags().StringVar(&joinCSV, "join", "", "comma-separated seed nodes (host:port)")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp), separate from membership port")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&tickInterval, "tick", time.Second, "logical clock tick period on the leader")
	cmd.Flags().DurationVar(&sessionTTL, "session-ttl", 10*time.Second, "keepalive window before a served session expires")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for management transport")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&doBootstrap, "bootstrap", false, "bootstrap single-node raft (development)")
	cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir (snapshots)")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node and group status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			client := httpjson.NewClient(timeout)
			data, err := client.GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management HTTP address of a node (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

// NewJoinCmd returns the "join" command (adds a serving node as raft voter).
func NewJoinCmd() *cobra.Command {
	var (
		id, raftAddr, addr, mgmtProto string
		timeout                       time.Duration
		tf                            tlsFlags
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Request to add a node to the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || raftAddr == "" {
				return fmt.Errorf("missing required flags: -id and -raft-addr")
			}
			tlsCfg, err := tf.config()
			if err != nil {
				return fmt.Errorf("tls client config: %w", err)
			}
			client := newRPCClient(mgmtProto, timeout, tlsCfg)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.PostJoin(ctx, addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
			if err != nil {
				return fmt.Errorf("join error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
	cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node raft address (host:port, required)")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	tf.register(cmd)
	return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
	var (
		id, addr, mgmtProto string
		timeout             time.Duration
		tf                  tlsFlags
	)
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Request to remove a node from the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("missing required flag: -id")
			}
			tlsCfg, err := tf.config()
			if err != nil {
				return fmt.Errorf("tls client config: %w", err)
			}
			client := newRPCClient(mgmtProto, timeout, tlsCfg)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.PostLeave(ctx, addr, transport.LeaveRequest{ID: id})
			if err != nil {
				return fmt.Errorf("leave error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	tf.register(cmd)
	return cmd
}

// NewListenCmd returns the "listen" command: it opens a session, joins the
// listener set and prints group events until interrupted.
func NewListenCmd() *cobra.Command {
	var (
		addr, mgmtProto string
		timeout         time.Duration
		alsoJoin        bool
		tf              tlsFlags
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Open a session, listen for group events and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			tlsCfg, err := tf.config()
			if err != nil {
				return fmt.Errorf("tls client config: %w", err)
			}
			client := newRPCClient(mgmtProto, timeout, tlsCfg)
			ctx, cancel := signalContext()
			defer cancel()

			open, err := client.OpenSession(ctx, addr)
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			session := open.Session
			fmt.Printf("session %d opened\n", session)
			defer func() {
				cctx, ccancel := context.WithTimeout(context.Background(), timeout)
				defer ccancel()
				_, _ = client.CloseSession(cctx, addr, transport.SessionRequest{Session: session})
			}()

			listenOp, err := group.EncodeOperation(&group.Listen{})
			if err != nil {
				return err
			}
			resp, err := client.Submit(ctx, addr, transport.SubmitRequest{Session: session, Command: listenOp})
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			if resp.Error != "" {
				return fmt.Errorf("listen: %s", resp.Error)
			}
			fmt.Printf("members: %s\n", string(resp.Result))

			var member json.RawMessage
			if alsoJoin {
				joinOp, err := group.EncodeOperation(&group.Join{})
				if err != nil {
					return err
				}
				jr, err := client.Submit(ctx, addr, transport.SubmitRequest{Session: session, Command: joinOp})
				if err != nil {
					return fmt.Errorf("join group: %w", err)
				}
				if jr.Error != "" {
					return fmt.Errorf("join group: %s", jr.Error)
				}
				member = jr.Result
				fmt.Printf("joined as member %s\n", string(member))
			}

			// Keepalive in the background, drain events in the foreground.
			go func() {
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						_, _ = client.KeepAlive(ctx, addr, transport.SessionRequest{Session: session})
					}
				}
			}()
			for ctx.Err() == nil {
				er, err := client.Events(ctx, addr, transport.EventsRequest{Session: session, WaitMillis: 1000})
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("events: %w", err)
				}
				for _, e := range er.Events {
					fmt.Printf("%s %s\n", e.Name, string(e.Payload))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	cmd.Flags().BoolVar(&alsoJoin, "member", false, "also join the group as a member")
	tf.register(cmd)
	return cmd
}

// NewSendCmd returns the "send" command: it delivers a direct message to a
// group member.
func NewSendCmd() *cobra.Command {
	var (
		addr, mgmtProto, topic, body string
		member                       uint64
		timeout                      time.Duration
		tf                           tlsFlags
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a direct message to a group member",
		RunE: func(cmd *cobra.Command, args []string) error {
			tlsCfg, err := tf.config()
			if err != nil {
				return fmt.Errorf("tls client config: %w", err)
			}
			client := newRPCClient(mgmtProto, timeout, tlsCfg)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			open, err := client.OpenSession(ctx, addr)
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			defer func() {
				_, _ = client.CloseSession(ctx, addr, transport.SessionRequest{Session: open.Session})
			}()

			payload, err := json.Marshal(body)
			if err != nil {
				return err
			}
			op, err := group.EncodeOperation(&group.Send{Member: member, Topic: topic, Body: payload})
			if err != nil {
				return err
			}
			resp, err := client.Submit(ctx, addr, transport.SubmitRequest{Session: open.Session, Command: op})
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			if resp.Error != "" {
				return fmt.Errorf("send: %s", resp.Error)
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().Uint64Var(&member, "to", 0, "target member id (required)")
	cmd.Flags().StringVar(&topic, "topic", "", "message topic")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	tf.register(cmd)
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
