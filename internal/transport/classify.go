package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

const (
	CategoryDial           = "dial"
	CategoryDNS            = "dns"
	CategoryRefused        = "refused"
	CategoryReset          = "reset"
	CategoryTimeout        = "timeout"
	CategoryEOF            = "eof"
	CategoryCanceled       = "canceled"
	CategoryInvalidRequest = "invalid_request"
	CategoryTooLarge       = "too_large"
	CategoryUnknown        = "unknown"
)

// Error reports a call that produced no usable response.
type Error struct {
	Op       string
	Category string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *Error {
	category, _ := ClassifyError(err)
	if category == "" {
		category = CategoryUnknown
	}
	return &Error{Op: op, Category: category, Err: err}
}

// ClassifyError maps a low-level failure to a category. The bool reports
// whether the category was recognised.
func ClassifyError(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Category, transportErr.Category != CategoryUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCanceled, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryDNS, true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return CategoryRefused, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CategoryDial, true
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return CategoryReset, true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryEOF, true
	}
	return "", false
}

// IsConnectivityError reports whether err means the remote side could not be
// reached at all.
func IsConnectivityError(err error) bool {
	category, ok := ClassifyError(err)
	if !ok {
		return false
	}
	switch category {
	case CategoryDial, CategoryDNS, CategoryRefused, CategoryReset:
		return true
	default:
		return false
	}
}
