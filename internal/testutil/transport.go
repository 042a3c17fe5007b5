package testutil

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"httpcoord/internal/transport"
)

type Call struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

type Handler func(ctx context.Context, call Call) (*transport.Response, error)

// FakeTransport counts calls and can hold them until released, which lets a
// test line up concurrent callers behind one in-flight call.
type FakeTransport struct {
	handler Handler
	count   atomic.Int32
	started chan Call

	mu    sync.Mutex
	calls []Call
	gate  chan struct{}
}

func NewFakeTransport(handler Handler) *FakeTransport {
	if handler == nil {
		handler = Respond(http.StatusOK, []byte("ok"))
	}
	return &FakeTransport{handler: handler, started: make(chan Call, 1024)}
}

// Respond answers every call with status and body.
func Respond(status int, body []byte) Handler {
	return func(context.Context, Call) (*transport.Response, error) {
		return &transport.Response{StatusCode: status, Header: http.Header{}, Body: body}, nil
	}
}

// Fail makes every call end without a response.
func Fail(err error) Handler {
	return func(context.Context, Call) (*transport.Response, error) {
		return nil, err
	}
}

func (f *FakeTransport) Issue(ctx context.Context, method string, url string, header map[string]string, body []byte) (*transport.Response, error) {
	call := Call{Method: method, URL: url, Header: header, Body: body}
	f.count.Add(1)
	f.mu.Lock()
	f.calls = append(f.calls, call)
	gate := f.gate
	f.mu.Unlock()

	select {
	case f.started <- call:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.handler(ctx, call)
}

// Hold blocks calls issued from now on until Release.
func (f *FakeTransport) Hold() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

func (f *FakeTransport) Release() {
	f.mu.Lock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
	f.mu.Unlock()
}

// Started delivers each call as it enters the transport.
func (f *FakeTransport) Started() <-chan Call {
	return f.started
}

func (f *FakeTransport) Count() int {
	return int(f.count.Load())
}

func (f *FakeTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}
