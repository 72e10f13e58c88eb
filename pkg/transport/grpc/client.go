package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-group/pkg/transport"
)

type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	// conn manager wired lazily after the dialer is configured (including TLS)
	return &Client{timeout: timeout}
}

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	// Use JSON codec and set content subtype accordingly.
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// getConn returns a managed connection, creating a manager if absent.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dialCtx)
	}
	return c.cm.Get(ctx, addr)
}

// invoke performs a unary call over a managed connection.
func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	return cc.Invoke(cctx, method, in, out)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	out := new(statusBlob)
	if err := c.invoke(ctx, addr, "/group.v1.Management/GetStatus", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
	var resp transport.JoinResponse
	err := c.invoke(ctx, addr, "/group.v1.Management/Join", &req, &resp)
	return resp, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	var resp transport.LeaveResponse
	err := c.invoke(ctx, addr, "/group.v1.Management/Leave", &req, &resp)
	return resp, err
}

func (c *Client) OpenSession(ctx context.Context, addr string) (transport.OpenSessionResponse, error) {
	var resp transport.OpenSessionResponse
	err := c.invoke(ctx, addr, "/group.v1.Management/OpenSession", &empty{}, &resp)
	if err == nil && resp.Error != "" {
		err = errors.New(resp.Error)
	}
	return resp, err
}

func (c *Client) CloseSession(ctx context.Context, addr string, req transport.SessionRequest) (transport.SessionResponse, error) {
	var resp transport.SessionResponse
	err := c.invoke(ctx, addr, "/group.v1.Management/CloseSession", &req, &resp)
	return resp, err
}

func (c *Client) KeepAlive(ctx context.Context, addr string, req transport.SessionRequest) (transport.SessionResponse, error) {
	var resp transport.SessionResponse
	err := c.invoke(ctx, addr, "/group.v1.Management/KeepAlive", &req, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
	var resp transport.SubmitResponse
	err := c.invoke(ctx, addr, "/group.v1.Management/Submit", &req, &resp)
	return resp, err
}

func (c *Client) Events(ctx context.Context, addr string, req transport.EventsRequest) (transport.EventsResponse, error) {
	var resp transport.EventsResponse
	err := c.invoke(ctx, addr, "/group.v1.Management/Events", &req, &resp)
	return resp, err
}

var _ transport.RPCClient = (*Client)(nil)

// Subscribe establishes a server-stream to the events service and invokes
// onEvent for every received group event. It blocks until the stream ends or
// ctx is done.
func (c *Client) Subscribe(ctx context.Context, addr string, session uint64, onEvent func(transport.Event)) error {
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dialCtx)
	}
	cc, rel, err := c.cm.Get(ctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	// Build a client stream manually
	sd := &grpc.StreamDesc{ServerStreams: true}
	cs, err := cc.NewStream(ctx, sd, "/group.v1.Events/Subscribe")
	if err != nil {
		return err
	}
	if err := cs.SendMsg(&transport.EventsRequest{Session: session}); err != nil {
		return err
	}
	// close send errors are irrelevant for server streaming
	_ = cs.CloseSend()
	for {
		var b eventBatch
		if err := cs.RecvMsg(&b); err != nil {
			return err
		}
		if onEvent != nil {
			for _, e := range b.Events {
				onEvent(e)
			}
		}
	}
}

var _ transport.EventStreamClient = (*Client)(nil)
