package coordinator

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrNilDescriptor = errors.New("nil request descriptor")

// ResponseMeta describes a non-success response handed to an ErrorFactory.
type ResponseMeta struct {
	Method string
	URL    string
	Status int
	Header http.Header
}

// ErrorFactory turns a non-200 response into a domain error.
type ErrorFactory interface {
	Build(body []byte, meta ResponseMeta) error
}

type ErrorFactoryFunc func(body []byte, meta ResponseMeta) error

func (f ErrorFactoryFunc) Build(body []byte, meta ResponseMeta) error {
	return f(body, meta)
}

// HTTPError is what the default ErrorFactory builds.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, http.StatusText(e.Status))
}

func defaultErrorFactory(body []byte, meta ResponseMeta) error {
	return &HTTPError{Status: meta.Status, Body: body}
}

// TransportError means the call produced no response at all.
type TransportError struct {
	Method   string
	URL      string
	Category string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError means the call got a response other than 200. Err is the value
// built by the ErrorFactory.
type StatusError struct {
	Method string
	URL    string
	Status int
	Header http.Header
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %v", e.Method, e.URL, e.Status, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// DecodeError means the payload did not match what one caller asked for.
// Other callers sharing the same payload are unaffected.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
