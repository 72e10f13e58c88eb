package httpjson

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/amirimatin/go-group/pkg/transport"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	defer l.Close()
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Addr().(*net.TCPAddr).Port))
}

func TestHTTPJSON_RoundTrip(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(addr, nil)
	h := transport.Handlers{
		Status: func(ctx context.Context) ([]byte, error) {
			return []byte(`{"healthy":true}`), nil
		},
		OpenSession: func(ctx context.Context) (transport.OpenSessionResponse, error) {
			return transport.OpenSessionResponse{Session: 7}, nil
		},
		Submit: func(ctx context.Context, req transport.SubmitRequest) (transport.SubmitResponse, error) {
			if req.Session != 7 {
				return transport.SubmitResponse{Error: fmt.Sprintf("unknown session %d", req.Session)}, nil
			}
			return transport.SubmitResponse{Result: json.RawMessage(`42`)}, nil
		},
		Events: func(ctx context.Context, req transport.EventsRequest) (transport.EventsResponse, error) {
			return transport.EventsResponse{Events: []transport.Event{{Name: "join", Payload: json.RawMessage(`42`)}}}, nil
		},
		KeepAlive: func(ctx context.Context, req transport.SessionRequest) (transport.SessionResponse, error) {
			return transport.SessionResponse{}, nil
		},
		CloseSession: func(ctx context.Context, req transport.SessionRequest) (transport.SessionResponse, error) {
			return transport.SessionResponse{}, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, h); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer srv.Stop(context.Background())
	// give the listener a moment
	time.Sleep(50 * time.Millisecond)

	cli := NewClient(2 * time.Second)

	data, err := cli.GetStatus(ctx, addr)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var st struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(data, &st); err != nil || !st.Healthy {
		t.Fatalf("status = %s (%v)", data, err)
	}

	open, err := cli.OpenSession(ctx, addr)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if open.Session != 7 {
		t.Fatalf("session = %d, want 7", open.Session)
	}

	sub, err := cli.Submit(ctx, addr, transport.SubmitRequest{Session: 7, Command: json.RawMessage(`{"kind":"join"}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if string(sub.Result) != `42` {
		t.Fatalf("submit result = %s, want 42", sub.Result)
	}

	// Submit on an unknown session surfaces the handler error in-band.
	sub, err = cli.Submit(ctx, addr, transport.SubmitRequest{Session: 8, Command: json.RawMessage(`{"kind":"join"}`)})
	if err != nil {
		t.Fatalf("submit unknown: %v", err)
	}
	if sub.Error == "" {
		t.Fatalf("expected in-band error for unknown session")
	}

	ev, err := cli.Events(ctx, addr, transport.EventsRequest{Session: 7, WaitMillis: 100})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(ev.Events) != 1 || ev.Events[0].Name != "join" {
		t.Fatalf("events = %+v, want one join", ev.Events)
	}

	if _, err := cli.KeepAlive(ctx, addr, transport.SessionRequest{Session: 7}); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if _, err := cli.CloseSession(ctx, addr, transport.SessionRequest{Session: 7}); err != nil {
		t.Fatalf("close session: %v", err)
	}
}
