package coordinator

import (
	"context"
	"sync"
)

// inflight counts running transport calls and lets callers wait for zero.
type inflight struct {
	mu     sync.Mutex
	count  int
	zeroCh chan struct{}
}

func newInflight() *inflight {
	zeroCh := make(chan struct{})
	close(zeroCh)
	return &inflight{zeroCh: zeroCh}
}

func (t *inflight) inc() {
	t.mu.Lock()
	if t.count == 0 {
		t.zeroCh = make(chan struct{})
	}
	t.count++
	t.mu.Unlock()
}

func (t *inflight) dec() {
	t.mu.Lock()
	t.count--
	if t.count == 0 {
		close(t.zeroCh)
	}
	t.mu.Unlock()
}

func (t *inflight) wait(ctx context.Context) error {
	t.mu.Lock()
	waitCh := t.zeroCh
	t.mu.Unlock()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain blocks until every transport call started so far has finished and
// its bookkeeping (cache write, metrics, spans, logs) is done.
func (c *Coordinator) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.drivers.wait(ctx)
}
