package coordinator

import "sync"

// Dispatcher decides which goroutine observes a finished result.
type Dispatcher interface {
	Dispatch(fn func())
}

type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(fn func()) {
	fn()
}

// Inline runs deliveries on the goroutine that finished the call.
func Inline() Dispatcher {
	return inlineDispatcher{}
}

// Loop runs every delivery, in order, on one dedicated goroutine.
type Loop struct {
	mu     sync.RWMutex
	queue  chan func()
	done   chan struct{}
	closed bool
}

func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	l := &Loop{queue: make(chan func(), buffer), done: make(chan struct{})}
	go l.run()
	return l
}

// Dispatch queues fn. After Close, fn runs inline so no result is dropped.
func (l *Loop) Dispatch(fn func()) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		fn()
		return
	}
	l.queue <- fn
	l.mu.RUnlock()
}

// Close drains queued deliveries and stops the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for fn := range l.queue {
		fn()
	}
}
