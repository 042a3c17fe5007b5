package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"httpcoord/internal/cache"
	"httpcoord/internal/obs"
	"httpcoord/internal/request"
	"httpcoord/internal/transport"
)

// Coordinator serves each descriptor from the cache, from an equal call
// already in flight, or by issuing exactly one new transport call whose
// outcome is shared with everyone who asked for it meanwhile.
//
// The cache read, the in-flight lookup and the in-flight insert happen under
// one mutex, as do the cache write and the completion of a flight. The
// transport call itself runs outside the lock.
type Coordinator struct {
	mu           sync.Mutex
	store        cache.Store
	registry     *cache.Registry
	transport    transport.Transport
	clock        clock.PassiveClock
	errorFactory ErrorFactory
	dispatcher   Dispatcher
	logger       *zap.Logger
	metrics      *obs.Metrics
	tracer       trace.Tracer
	drivers      *inflight
}

type Option func(*Coordinator)

func WithStore(store cache.Store) Option {
	return func(c *Coordinator) {
		c.store = store
	}
}

func WithRegistry(registry *cache.Registry) Option {
	return func(c *Coordinator) {
		c.registry = registry
	}
}

func WithCache(layer *cache.Cache) Option {
	return func(c *Coordinator) {
		if layer == nil {
			return
		}
		c.store = layer.Store
		c.registry = layer.Registry
	}
}

func WithClock(clk clock.PassiveClock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(c *Coordinator) {
		c.errorFactory = factory
	}
}

func WithDispatcher(dispatcher Dispatcher) Option {
	return func(c *Coordinator) {
		c.dispatcher = dispatcher
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithMetrics(metrics *obs.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

func New(tr transport.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{transport: tr, drivers: newInflight()}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.store == nil {
		c.store = cache.NewMemoryStore(c.clock, cache.DefaultMaxObjectBytes)
	}
	if c.registry == nil {
		c.registry = cache.NewRegistry(cache.DefaultMaxFlights)
	}
	if c.errorFactory == nil {
		c.errorFactory = ErrorFactoryFunc(defaultErrorFactory)
	}
	if c.dispatcher == nil {
		c.dispatcher = Inline()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Call returns the raw payload for desc. Errors are *TransportError,
// *StatusError, or the ctx error when the caller stops waiting.
func (c *Coordinator) Call(ctx context.Context, desc *request.Descriptor) ([]byte, error) {
	if desc == nil {
		return nil, ErrNilDescriptor
	}
	if ctx == nil {
		ctx = context.Background()
	}
	method := string(desc.Method())
	host := hostOf(desc.ResolvedURL())

	c.mu.Lock()
	if entry, ok := c.lookupLocked(desc); ok {
		c.mu.Unlock()
		c.metrics.RecordCall(host, method, obs.OutcomeHit)
		c.logger.Debug("cache hit", zap.String("method", method), zap.String("url", desc.ResolvedURL()))
		return bytes.Clone(entry.Body), nil
	}
	flight, driver, coalesced := c.registry.Join(ctx, desc)
	c.metrics.SetPendingFlights(c.registry.Len())
	c.mu.Unlock()

	outcome := obs.OutcomeCoalesced
	switch {
	case !coalesced:
		outcome = obs.OutcomeUncoalesced
		c.logger.Debug("driving uncoalesced call", zap.String("method", method), zap.String("url", desc.ResolvedURL()))
	case driver:
		outcome = obs.OutcomeDriver
		c.logger.Debug("driving call", zap.String("method", method), zap.String("url", desc.ResolvedURL()))
	default:
		c.logger.Debug("joined call in flight", zap.String("method", method), zap.String("url", desc.ResolvedURL()))
	}
	c.metrics.RecordCall(host, method, outcome)
	if driver {
		c.drivers.inc()
		go c.drive(flight, host, outcome)
	}

	result, err := flight.Wait(ctx)
	if err != nil {
		c.mu.Lock()
		abandoned := c.registry.Leave(flight)
		c.metrics.SetPendingFlights(c.registry.Len())
		c.mu.Unlock()
		c.metrics.RecordWaiterAbandoned()
		if abandoned {
			c.logger.Debug("last waiter left, cancelling call", zap.String("method", method), zap.String("url", desc.ResolvedURL()))
		}
		return nil, err
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return bytes.Clone(result.Body), nil
}

// Pending reports how many logical requests are in flight.
func (c *Coordinator) Pending() int {
	return c.registry.Len()
}

func (c *Coordinator) lookupLocked(desc *request.Descriptor) (cache.Entry, bool) {
	if desc.IgnoreCache() {
		return cache.Entry{}, false
	}
	key, ok := cache.StoreKey(desc)
	if !ok {
		return cache.Entry{}, false
	}
	return c.store.Get(key)
}

func (c *Coordinator) drive(flight *cache.Flight, host string, outcome string) {
	defer c.drivers.dec()
	desc := flight.Descriptor()
	method := string(desc.Method())
	rawURL := desc.ResolvedURL()

	ctx, span := obs.StartSpan(flight.Context(), c.tracer, "httpcoord.transport",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(obs.AttrMethod.String(method), obs.AttrURL.String(rawURL), obs.AttrOutcome.String(outcome)),
	)
	defer span.End()

	started := c.clock.Now()
	result := c.issue(ctx, desc)
	elapsed := c.clock.Since(started)

	event := obs.CallEvent{
		RequestID: desc.ID(),
		Method:    method,
		URL:       rawURL,
		Headers:   desc.Headers(),
		Outcome:   outcome,
		Status:    result.Status,
		Duration:  elapsed,
		Bytes:     len(result.Body),
		Err:       result.Err,
	}
	var transportErr *TransportError
	if errors.As(result.Err, &transportErr) {
		event.ErrorCategory = transportErr.Category
		c.metrics.RecordTransportError(host, transportErr.Category, elapsed)
	} else {
		c.metrics.ObserveTransport(host, method, result.Status, elapsed)
		span.SetAttributes(obs.AttrStatus.Int(result.Status))
	}
	if result.Err != nil {
		if event.ErrorCategory != "" {
			span.SetAttributes(obs.AttrErrCategory.String(event.ErrorCategory))
		}
		obs.RecordError(span, result.Err)
	}

	span.SetAttributes(obs.AttrWaiters.Int(c.registry.Waiters(flight)))

	c.mu.Lock()
	if result.Err == nil && desc.Cacheable() {
		c.storeLocked(desc, result.Body)
	}
	c.registry.Complete(flight, result)
	c.metrics.SetPendingFlights(c.registry.Len())
	c.mu.Unlock()

	obs.LogCall(c.logger, event)
}

// issue performs the transport call and folds every way it can end into a
// single Result. A panicking transport still completes the flight.
func (c *Coordinator) issue(ctx context.Context, desc *request.Descriptor) (result cache.Result) {
	method := string(desc.Method())
	rawURL := desc.ResolvedURL()
	defer func() {
		if r := recover(); r != nil {
			result = cache.Result{Err: &TransportError{
				Method:   method,
				URL:      rawURL,
				Category: transport.CategoryUnknown,
				Err:      fmt.Errorf("transport panic: %v", r),
			}}
		}
	}()

	resp, err := c.transport.Issue(ctx, method, rawURL, desc.Headers(), desc.Body())
	if err == nil && resp == nil {
		err = errors.New("transport returned no response")
	}
	if err != nil {
		category, _ := transport.ClassifyError(err)
		if category == "" {
			category = transport.CategoryUnknown
		}
		return cache.Result{Err: &TransportError{Method: method, URL: rawURL, Category: category, Err: err}}
	}

	result = cache.Result{Body: resp.Body, Status: resp.StatusCode, Header: resp.Header}
	if resp.StatusCode != http.StatusOK {
		domainErr := c.errorFactory.Build(resp.Body, ResponseMeta{
			Method: method,
			URL:    rawURL,
			Status: resp.StatusCode,
			Header: resp.Header,
		})
		result.Err = &StatusError{Method: method, URL: rawURL, Status: resp.StatusCode, Header: resp.Header, Err: domainErr}
	}
	return result
}

func (c *Coordinator) storeLocked(desc *request.Descriptor, body []byte) {
	key, ok := cache.StoreKey(desc)
	if !ok {
		return
	}
	now := c.clock.Now()
	entry := cache.Entry{Body: body, StoredAt: now, ExpiresAt: now.Add(desc.CacheTTL())}
	if err := c.store.Set(key, entry); err != nil {
		c.metrics.RecordCacheStoreFail()
		c.logger.Warn("cache store failed", zap.String("url", desc.ResolvedURL()), zap.Error(err))
	}
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}
