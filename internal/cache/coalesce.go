package cache

import (
	"context"
	"net/http"
	"sync"

	"httpcoord/internal/request"
)

const DefaultMaxFlights = 10000

// Result is the single outcome of a flight, shared by every waiter.
type Result struct {
	Body   []byte
	Status int
	Header http.Header
	Err    error
}

type Flight struct {
	key    string
	desc   *request.Descriptor
	done   chan struct{}
	result Result
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Registry.mu
	waiters   int
	completed bool
}

func (f *Flight) Descriptor() *request.Descriptor {
	return f.desc
}

// Context is the context the shared call runs under. It ignores the driving
// caller's cancellation and is cancelled once every waiter has left.
func (f *Flight) Context() context.Context {
	return f.ctx
}

// Wait blocks until the flight completes or ctx ends. A result that is
// already available wins over a cancelled ctx.
func (f *Flight) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.result, nil
		default:
		}
		return Result{}, ctx.Err()
	}
}

// Registry tracks in-flight logical requests so each one runs once.
type Registry struct {
	mu         sync.Mutex
	flights    map[string]*Flight
	maxFlights int
}

func NewRegistry(maxFlights int) *Registry {
	if maxFlights <= 0 {
		maxFlights = DefaultMaxFlights
	}
	return &Registry{flights: make(map[string]*Flight), maxFlights: maxFlights}
}

// Join attaches the caller to a pending flight equal to desc, or starts a new
// one. driver is true when the caller must issue the call. coalesced is false
// when the flight could not be registered (registry full or key collision);
// such a flight is private to the caller.
func (r *Registry) Join(ctx context.Context, desc *request.Descriptor) (flight *Flight, driver bool, coalesced bool) {
	key := desc.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.flights[key]; ok {
		if request.Equal(existing.desc, desc) {
			existing.waiters++
			return existing, false, true
		}
		return newFlight(ctx, key, desc), true, false
	}
	if r.maxFlights > 0 && len(r.flights) >= r.maxFlights {
		return newFlight(ctx, key, desc), true, false
	}
	flight = newFlight(ctx, key, desc)
	r.flights[key] = flight
	return flight, true, true
}

// Complete publishes result to every waiter and unregisters the flight. Only
// the first call has any effect.
func (r *Registry) Complete(flight *Flight, result Result) {
	if r == nil || flight == nil {
		return
	}
	r.mu.Lock()
	if flight.completed {
		r.mu.Unlock()
		return
	}
	flight.completed = true
	if current, exists := r.flights[flight.key]; exists && current == flight {
		delete(r.flights, flight.key)
	}
	flight.result = result
	r.mu.Unlock()

	close(flight.done)
	flight.cancel()
}

// Leave drops one waiter. When the last waiter leaves an unfinished flight it
// is unregistered and its call cancelled; Leave then reports true.
func (r *Registry) Leave(flight *Flight) bool {
	if r == nil || flight == nil {
		return false
	}
	r.mu.Lock()
	if flight.completed || flight.waiters == 0 {
		r.mu.Unlock()
		return false
	}
	flight.waiters--
	if flight.waiters > 0 {
		r.mu.Unlock()
		return false
	}
	if current, exists := r.flights[flight.key]; exists && current == flight {
		delete(r.flights, flight.key)
	}
	r.mu.Unlock()

	flight.cancel()
	return true
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flights)
}

// Waiters returns the number of callers still attached to flight.
func (r *Registry) Waiters(flight *Flight) int {
	if r == nil || flight == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return flight.waiters
}

// Lookup returns the pending flight equal to desc, if any.
func (r *Registry) Lookup(desc *request.Descriptor) (*Flight, bool) {
	if r == nil || desc == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	flight, ok := r.flights[desc.Key()]
	if !ok || !request.Equal(flight.desc, desc) {
		return nil, false
	}
	return flight, true
}

func newFlight(ctx context.Context, key string, desc *request.Descriptor) *Flight {
	if ctx == nil {
		ctx = context.Background()
	}
	flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Flight{
		key:     key,
		desc:    desc,
		done:    make(chan struct{}),
		ctx:     flightCtx,
		cancel:  cancel,
		waiters: 1,
	}
}
