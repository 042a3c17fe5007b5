package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

var ErrResponseTooLarge = errors.New("response body exceeds max response bytes")

// Response is a fully buffered reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport issues a single wire-level call. Implementations must be safe for
// concurrent use.
type Transport interface {
	Issue(ctx context.Context, method string, url string, header map[string]string, body []byte) (*Response, error)
}

type TransportFunc func(ctx context.Context, method string, url string, header map[string]string, body []byte) (*Response, error)

func (f TransportFunc) Issue(ctx context.Context, method string, url string, header map[string]string, body []byte) (*Response, error) {
	return f(ctx, method, url, header, body)
}

// HTTPTransport is a Transport backed by net/http.
type HTTPTransport struct {
	client           *http.Client
	transport        *http.Transport
	maxResponseBytes int64
	userAgent        string
	propagator       propagation.TextMapPropagator
}

func NewHTTPTransport(opts Options) *HTTPTransport {
	opts = normalizeOptions(opts)
	rt := NewTransport(opts)
	return &HTTPTransport{
		client:           &http.Client{Transport: rt, Timeout: opts.RequestTimeout},
		transport:        rt,
		maxResponseBytes: opts.MaxResponseBytes,
		userAgent:        opts.UserAgent,
		propagator:       propagation.TraceContext{},
	}
}

// Issue sends the request and reads the whole body. Any status code is a
// successful Issue; only a missing response is an error, and it is always a
// *Error.
func (t *HTTPTransport) Issue(ctx context.Context, method string, url string, header map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &Error{Op: "build", Category: CategoryInvalidRequest, Err: err}
	}
	for name, value := range header {
		req.Header.Set(name, value)
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	t.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, newError("do", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponseBytes+1))
	if err != nil {
		return nil, newError("read", err)
	}
	if int64(len(data)) > t.maxResponseBytes {
		return nil, &Error{Op: "read", Category: CategoryTooLarge, Err: fmt.Errorf("%w: limit %d", ErrResponseTooLarge, t.maxResponseBytes)}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

func (t *HTTPTransport) CloseIdleConnections() {
	if t == nil || t.transport == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	t.transport.CloseIdleConnections()
}
