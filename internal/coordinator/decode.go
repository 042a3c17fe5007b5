package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"httpcoord/internal/request"
)

type Decoder[T any] interface {
	Decode(data []byte) (T, error)
}

type DecoderFunc[T any] func(data []byte) (T, error)

func (f DecoderFunc[T]) Decode(data []byte) (T, error) {
	return f(data)
}

type JSONDecoder[T any] struct{}

func (JSONDecoder[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// RawDecoder hands back the payload untouched.
type RawDecoder struct{}

func (RawDecoder) Decode(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

type Result[T any] struct {
	Value T
	Err   error
}

// Do runs desc through c and decodes the payload with dec, JSON when dec is
// nil. Decoding happens on the caller's goroutine only.
func Do[T any](ctx context.Context, c *Coordinator, desc *request.Descriptor, dec Decoder[T]) (T, error) {
	var zero T
	body, err := c.Call(ctx, desc)
	if err != nil {
		return zero, err
	}
	if dec == nil {
		dec = JSONDecoder[T]{}
	}
	value, err := dec.Decode(body)
	if err != nil {
		c.metrics.RecordDecodeError()
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return zero, err
		}
		return zero, &DecodeError{Err: err}
	}
	return value, nil
}

// Go is the asynchronous form of Do. The result is delivered through the
// coordinator's Dispatcher and the channel is closed afterwards.
func Go[T any](ctx context.Context, c *Coordinator, desc *request.Descriptor, dec Decoder[T]) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		value, err := Do(ctx, c, desc, dec)
		c.dispatcher.Dispatch(func() {
			out <- Result[T]{Value: value, Err: err}
			close(out)
		})
	}()
	return out
}
