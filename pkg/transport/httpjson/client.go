package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/go-group/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// postJSON posts req to addr+path and decodes the JSON response into out,
// retrying transient failures with exponential backoff.
func (c *Client) postJSON(ctx context.Context, addr, path string, req any, out interface{ errText() string }) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.httpc.Do(httpReq)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				b, _ := io.ReadAll(resp.Body)
				_ = json.Unmarshal(b, out)
				if resp.StatusCode != http.StatusOK {
					if msg := out.errText(); msg != "" {
						lastErr = errors.New(msg)
					} else {
						lastErr = fmt.Errorf("%s status %d: %s", path, resp.StatusCode, string(b))
					}
				} else {
					lastErr = nil
				}
			}()
			if lastErr == nil {
				return nil
			}
		}
		// backoff unless context is done
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return lastErr
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

// errText adapters: each response type exposes its error field to postJSON.
type joinResp struct{ transport.JoinResponse }

func (r *joinResp) errText() string { return r.Error }

type leaveResp struct{ transport.LeaveResponse }

func (r *leaveResp) errText() string { return r.Error }

type openResp struct{ transport.OpenSessionResponse }

func (r *openResp) errText() string { return r.Error }

type sessResp struct{ transport.SessionResponse }

func (r *sessResp) errText() string { return r.Error }

type submitResp struct{ transport.SubmitResponse }

func (r *submitResp) errText() string { return r.Error }

type eventsResp struct{ transport.EventsResponse }

func (r *eventsResp) errText() string { return r.Error }

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				b, _ := io.ReadAll(resp.Body)
				lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
			} else {
				return io.ReadAll(resp.Body)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
	var out joinResp
	err := c.postJSON(ctx, addr, "/join", req, &out)
	return out.JoinResponse, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	var out leaveResp
	err := c.postJSON(ctx, addr, "/leave", req, &out)
	return out.LeaveResponse, err
}

func (c *Client) OpenSession(ctx context.Context, addr string) (transport.OpenSessionResponse, error) {
	var out openResp
	err := c.postJSON(ctx, addr, "/session/open", struct{}{}, &out)
	return out.OpenSessionResponse, err
}

func (c *Client) CloseSession(ctx context.Context, addr string, req transport.SessionRequest) (transport.SessionResponse, error) {
	var out sessResp
	err := c.postJSON(ctx, addr, "/session/close", req, &out)
	return out.SessionResponse, err
}

func (c *Client) KeepAlive(ctx context.Context, addr string, req transport.SessionRequest) (transport.SessionResponse, error) {
	var out sessResp
	err := c.postJSON(ctx, addr, "/session/keepalive", req, &out)
	return out.SessionResponse, err
}

func (c *Client) Submit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
	var out submitResp
	err := c.postJSON(ctx, addr, "/submit", req, &out)
	return out.SubmitResponse, err
}

func (c *Client) Events(ctx context.Context, addr string, req transport.EventsRequest) (transport.EventsResponse, error) {
	var out eventsResp
	err := c.postJSON(ctx, addr, "/events", req, &out)
	return out.EventsResponse, err
}

var _ transport.RPCClient = (*Client)(nil)
