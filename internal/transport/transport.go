// Package transport sends gateway requests and classifies the responses.
//
// Send only reports connection-level failures (fault.KindNetwork). Status
// codes and body shape are judged by DecodeJSON, which returns
// fault.KindHTTP for non-2xx responses and fault.KindParse for bodies that
// are not JSON. Nothing here retries; that is the batch executor's job.
package transport

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/roach88/paybench/internal/fault"
)

// DefaultTimeout bounds a request whose context has no deadline.
const DefaultTimeout = 25 * time.Second

// Request is one outgoing gateway call.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is a fully read gateway response.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Sender issues requests. Client is the production implementation.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req Request) (*Response, error)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Client sends requests over a pooled fasthttp client.
// Safe for concurrent use.
type Client struct {
	http    *fasthttp.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the fallback timeout for contexts without a deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxConnsPerHost caps the connection pool per gateway host.
func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) {
		c.http.MaxConnsPerHost = n
	}
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http: &fasthttp.Client{
			Name:            "paybench",
			MaxConnsPerHost: 64,
		},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send issues req and reads the whole response. The context deadline, or
// the client timeout when ctx has none, bounds the exchange.
func (c *Client) Send(ctx context.Context, r Request) (*Response, error) {
	const op = "transport.Send"

	method := r.Method
	if method == "" {
		method = http.MethodPost
		if len(r.Body) == 0 {
			method = http.MethodGet
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fault.Wrapf(fault.KindNetwork, op, err, "%s %s", method, r.URL)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.SetRequestURI(r.URL)
	req.Header.SetMethod(method)
	if len(r.Body) > 0 {
		req.Header.SetContentType("application/json")
		req.SetBody(r.Body)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fault.Wrapf(fault.KindNetwork, op, err, "%s %s", method, r.URL)
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrapf(fault.KindNetwork, op, err, "%s %s", method, r.URL)
	}

	out := &Response{
		Status:  resp.StatusCode(),
		Headers: make(map[string]string),
		Body:    bytes.Clone(resp.Body()),
	}
	resp.Header.VisitAll(func(k, v []byte) {
		out.Headers[string(k)] = string(v)
	})
	return out, nil
}
