package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-group/pkg/observability/tracing"
	"github.com/amirimatin/go-group/pkg/transport"
)

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}

// managementServer defines the methods we expose.
type managementServer interface {
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
	Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
	Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
	OpenSession(ctx context.Context, in *empty) (*transport.OpenSessionResponse, error)
	CloseSession(ctx context.Context, in *transport.SessionRequest) (*transport.SessionResponse, error)
	KeepAlive(ctx context.Context, in *transport.SessionRequest) (*transport.SessionResponse, error)
	Submit(ctx context.Context, in *transport.SubmitRequest) (*transport.SubmitResponse, error)
	Events(ctx context.Context, in *transport.EventsRequest) (*transport.EventsResponse, error)
}

type mgmtImpl struct {
	h transport.Handlers
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	defer end()
	b, err := m.h.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
	if in == nil {
		in = &transport.JoinRequest{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.join")
	defer end()
	out, err := m.h.Join(ctx, *in)
	if err != nil {
		return &transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
	}
	return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
	if in == nil {
		in = &transport.LeaveRequest{}
	}
	if m.h.Leave == nil {
		return &transport.LeaveResponse{Accepted: false, Error: "leave not supported"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.leave")
	defer end()
	out, err := m.h.Leave(ctx, *in)
	if err != nil {
		return &transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil
	}
	return &out, nil
}

func (m *mgmtImpl) OpenSession(ctx context.Context, _ *empty) (*transport.OpenSessionResponse, error) {
	if m.h.OpenSession == nil {
		return &transport.OpenSessionResponse{Error: "not implemented"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.session.open")
	defer end()
	out, err := m.h.OpenSession(ctx)
	if err != nil {
		return &transport.OpenSessionResponse{Error: err.Error()}, nil
	}
	return &out, nil
}

func (m *mgmtImpl) CloseSession(ctx context.Context, in *transport.SessionRequest) (*transport.SessionResponse, error) {
	if in == nil {
		in = &transport.SessionRequest{}
	}
	if m.h.CloseSession == nil {
		return &transport.SessionResponse{Error: "not implemented"}, nil
	}
	out, err := m.h.CloseSession(ctx, *in)
	if err != nil {
		return &transport.SessionResponse{Error: err.Error()}, nil
	}
	return &out, nil
}

func (m *mgmtImpl) KeepAlive(ctx context.Context, in *transport.SessionRequest) (*transport.SessionResponse, error) {
	if in == nil {
		in = &transport.SessionRequest{}
	}
	if m.h.KeepAlive == nil {
		return &transport.SessionResponse{Error: "not implemented"}, nil
	}
	out, err := m.h.KeepAlive(ctx, *in)
	if err != nil {
		return &transport.SessionResponse{Error: err.Error()}, nil
	}
	return &out, nil
}

func (m *mgmtImpl) Submit(ctx context.Context, in *transport.SubmitRequest) (*transport.SubmitResponse, error) {
	if in == nil {
		in = &transport.SubmitRequest{}
	}
	if m.h.Submit == nil {
		return &transport.SubmitResponse{Error: "not implemented"}, nil
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.submit")
	defer end()
	out, err := m.h.Submit(ctx, *in)
	if err != nil {
		return &transport.SubmitResponse{Error: err.Error()}, nil
	}
	return &out, nil
}

func (m *mgmtImpl) Events(ctx context.Context, in *transport.EventsRequest) (*transport.EventsResponse, error) {
	if in == nil {
		in = &transport.EventsRequest{}
	}
	if m.h.Events == nil {
		return &transport.EventsResponse{Error: "not implemented"}, nil
	}
	out, err := m.h.Events(ctx, *in)
	if err != nil {
		return &transport.EventsResponse{Error: err.Error()}, nil
	}
	return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: "group.v1.Management",
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
		{MethodName: "Join", Handler: _Management_Join_Handler},
		{MethodName: "Leave", Handler: _Management_Leave_Handler},
		{MethodName: "OpenSession", Handler: _Management_OpenSession_Handler},
		{MethodName: "CloseSession", Handler: _Management_CloseSession_Handler},
		{MethodName: "KeepAlive", Handler: _Management_KeepAlive_Handler},
		{MethodName: "Submit", Handler: _Management_Submit_Handler},
		{MethodName: "Events", Handler: _Management_Events_Handler},
	},
}

func unaryHandler[Req any](method string, call func(managementServer, context.Context, *Req) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	full := "/group.v1.Management/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(managementServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(managementServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var _Management_GetStatus_Handler = unaryHandler[empty]("GetStatus", func(s managementServer, ctx context.Context, in *empty) (interface{}, error) {
	return s.GetStatus(ctx, in)
})
var _Management_Join_Handler = unaryHandler[transport.JoinRequest]("Join", func(s managementServer, ctx context.Context, in *transport.JoinRequest) (interface{}, error) {
	return s.Join(ctx, in)
})
var _Management_Leave_Handler = unaryHandler[transport.LeaveRequest]("Leave", func(s managementServer, ctx context.Context, in *transport.LeaveRequest) (interface{}, error) {
	return s.Leave(ctx, in)
})
var _Management_OpenSession_Handler = unaryHandler[empty]("OpenSession", func(s managementServer, ctx context.Context, in *empty) (interface{}, error) {
	return s.OpenSession(ctx, in)
})
var _Management_CloseSession_Handler = unaryHandler[transport.SessionRequest]("CloseSession", func(s managementServer, ctx context.Context, in *transport.SessionRequest) (interface{}, error) {
	return s.CloseSession(ctx, in)
})
var _Management_KeepAlive_Handler = unaryHandler[transport.SessionRequest]("KeepAlive", func(s managementServer, ctx context.Context, in *transport.SessionRequest) (interface{}, error) {
	return s.KeepAlive(ctx, in)
})
var _Management_Submit_Handler = unaryHandler[transport.SubmitRequest]("Submit", func(s managementServer, ctx context.Context, in *transport.SubmitRequest) (interface{}, error) {
	return s.Submit(ctx, in)
})
var _Management_Events_Handler = unaryHandler[transport.EventsRequest]("Events", func(s managementServer, ctx context.Context, in *transport.EventsRequest) (interface{}, error) {
	return s.Events(ctx, in)
})

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis
	// Force JSON codec to avoid requiring protobuf types
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	// keepalive settings for long-lived streams
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv
	// Health service (always serving for now)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	// Register management service
	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{h: h})
	// Register event streaming service
	srv.RegisterService(&_Events_serviceDesc, &eventsImpl{h: h})

	go func() {
		<-ctx.Done()
		// Graceful stop with a small timeout fallback
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

func (s *Server) Addr() string { return s.bind }

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.srv = nil
	if s.lis != nil {
		_ = s.lis.Close()
		s.lis = nil
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)

// --- Event streaming ---

type eventBatch struct {
	Events []transport.Event `json:"events,omitempty"`
}

type eventsServer interface {
	Subscribe(*transport.EventsRequest, Events_SubscribeServer) error
}

type Events_SubscribeServer interface {
	Send(*eventBatch) error
	grpc.ServerStream
}

type eventsImpl struct {
	h transport.Handlers
}

// Subscribe repeatedly drains the session's event buffer and streams batches
// to the client until it disconnects.
func (e *eventsImpl) Subscribe(req *transport.EventsRequest, stream Events_SubscribeServer) error {
	if e.h.Events == nil {
		return nil
	}
	ctx := stream.Context()
	for {
		if ctx.Err() != nil {
			return nil
		}
		r := transport.EventsRequest{Session: req.Session, WaitMillis: 1000}
		resp, err := e.h.Events(ctx, r)
		if err != nil {
			return err
		}
		if resp.Error != "" {
			return nil
		}
		if len(resp.Events) == 0 {
			// Unknown or closed sessions return immediately and quiet ones
			// after the wait; avoid hot-looping.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err := stream.Send(&eventBatch{Events: resp.Events}); err != nil {
			return err
		}
	}
}

var _Events_serviceDesc = grpc.ServiceDesc{
	ServiceName: "group.v1.Events",
	HandlerType: (*eventsServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		ServerStreams: true,
		Handler:       _Events_Subscribe_Handler,
	}},
}

func _Events_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(transport.EventsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(eventsServer).Subscribe(m, &eventsSubscribeServer{stream})
}

type eventsSubscribeServer struct{ grpc.ServerStream }

func (x *eventsSubscribeServer) Send(m *eventBatch) error { return x.ServerStream.SendMsg(m) }
