package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
	testingclock "k8s.io/utils/clock/testing"

	"httpcoord/internal/cache"
	"httpcoord/internal/obs"
	"httpcoord/internal/request"
	"httpcoord/internal/testutil"
	"httpcoord/internal/transport"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clock     *testingclock.FakeClock
	store     *cache.MemoryStore
	registry  *cache.Registry
	transport *testutil.FakeTransport
	coord     *Coordinator
}

func newFixture(t *testing.T, handler testutil.Handler, opts ...Option) *fixture {
	t.Helper()
	clk := testingclock.NewFakeClock(epoch)
	f := &fixture{
		clock:     clk,
		store:     cache.NewMemoryStore(clk, 0),
		registry:  cache.NewRegistry(0),
		transport: testutil.NewFakeTransport(handler),
	}
	opts = append([]Option{WithClock(clk), WithStore(f.store), WithRegistry(f.registry)}, opts...)
	f.coord = New(f.transport, opts...)
	return f
}

// waitForWaiters blocks until n callers are attached to the flight for desc.
func (f *fixture) waitForWaiters(t *testing.T, desc *request.Descriptor, n int) *cache.Flight {
	t.Helper()
	var flight *cache.Flight
	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() error {
		current, ok := f.registry.Lookup(desc)
		if !ok {
			return errors.New("no flight")
		}
		if got := f.registry.Waiters(current); got != n {
			return fmt.Errorf("waiters=%d want %d", got, n)
		}
		flight = current
		return nil
	})
	return flight
}

type callResult struct {
	body []byte
	err  error
}

func (f *fixture) callAsync(ctx context.Context, desc *request.Descriptor) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		body, err := f.coord.Call(ctx, desc)
		out <- callResult{body: body, err: err}
	}()
	return out
}

func receive(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call")
		return callResult{}
	}
}

func TestConcurrentEqualCallsShareOneTransportCall(t *testing.T) {
	f := newFixture(t, testutil.Respond(http.StatusOK, []byte(`{"x":1}`)))
	desc := testutil.MustGet(t, "https://api.local/a", 10*time.Second)
	f.transport.Hold()

	var group errgroup.Group
	bodies := make([][]byte, 3)
	for i := range bodies {
		i := i
		group.Go(func() error {
			body, err := f.coord.Call(context.Background(), testutil.MustGet(t, "https://api.local/a", 10*time.Second))
			bodies[i] = body
			return err
		})
	}

	f.waitForWaiters(t, desc, 3)
	f.transport.Release()
	require.NoError(t, group.Wait())

	assert.Equal(t, 1, f.transport.Count())
	for _, body := range bodies {
		assert.Equal(t, []byte(`{"x":1}`), body)
	}
	assert.Equal(t, 0, f.coord.Pending())
}

func TestDifferentHeadersAreDistinctCalls(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.Hold()

	first := testutil.MustDescriptor(t, "GET", "https://api.local/a", map[string]string{"X-Tenant": "1"}, nil)
	second := testutil.MustDescriptor(t, "GET", "https://api.local/a", map[string]string{"X-Tenant": "2"}, nil)
	a := f.callAsync(context.Background(), first)
	b := f.callAsync(context.Background(), second)

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() error {
		if f.transport.Count() != 2 {
			return errors.New("second call not issued")
		}
		return nil
	})
	f.transport.Release()
	require.NoError(t, receive(t, a).err)
	require.NoError(t, receive(t, b).err)
	assert.Equal(t, 2, f.transport.Count())
}

func TestCacheBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t, testutil.Respond(http.StatusOK, []byte("payload")))
	desc := testutil.MustGet(t, "https://api.local/a", 5*time.Second)

	_, err := f.coord.Call(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, 1, f.transport.Count())

	f.clock.Step(5 * time.Second)
	body, err := f.coord.Call(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), body)
	assert.Equal(t, 1, f.transport.Count(), "exactly at expiry is still a hit")

	f.clock.Step(time.Millisecond)
	_, err = f.coord.Call(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, 2, f.transport.Count())
}

func TestCachedGetRepeatedLater(t *testing.T) {
	var hits atomic.Int32
	baseURL, stop := testutil.StartUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"x":1}`))
	}))
	defer stop()

	clk := testingclock.NewFakeClock(epoch)
	httpTransport := transport.NewHTTPTransport(transport.Options{})
	defer httpTransport.CloseIdleConnections()
	coord := New(httpTransport, WithClock(clk))

	desc, err := request.NewBuilder(baseURL, request.MethodGet, "a").SetCacheTTL(10 * time.Second).Build()
	require.NoError(t, err)

	type payload struct {
		X int `json:"x"`
	}
	first, err := Do[payload](context.Background(), coord, desc, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.X)

	clk.Step(3 * time.Second)
	second, err := Do[payload](context.Background(), coord, desc, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, second.X)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNonGetIsNeverCached(t *testing.T) {
	f := newFixture(t, nil)
	desc, err := request.NewBuilder("https://api.local", request.MethodPost, "a").
		SetBody([]byte("x")).
		SetCacheTTL(time.Minute).
		Build()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.coord.Call(context.Background(), desc)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.transport.Count())
	assert.Equal(t, 0, f.store.Len())
}

func TestNonGetSkipsCachedGetForSameURL(t *testing.T) {
	f := newFixture(t, func(_ context.Context, call testutil.Call) (*transport.Response, error) {
		return &transport.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(strings.ToLower(call.Method))}, nil
	})
	get := testutil.MustGet(t, "https://api.local/a", time.Minute)
	post, err := request.NewBuilder("https://api.local", request.MethodPost, "a").SetCacheTTL(time.Minute).Build()
	require.NoError(t, err)
	require.Equal(t, get.ResolvedURL(), post.ResolvedURL())

	body, err := f.coord.Call(context.Background(), get)
	require.NoError(t, err)
	assert.Equal(t, []byte("get"), body)

	body, err = f.coord.Call(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, []byte("post"), body)
	assert.Equal(t, 2, f.transport.Count())

	body, err = f.coord.Call(context.Background(), get)
	require.NoError(t, err)
	assert.Equal(t, []byte("get"), body)
	assert.Equal(t, 2, f.transport.Count())

	entry, ok := f.store.Get(get.ResolvedURL())
	require.True(t, ok)
	assert.Equal(t, []byte("get"), entry.Body)
}

func TestSharedCallCarriesDescriptor(t *testing.T) {
	f := newFixture(t, nil)
	build := func() *request.Descriptor {
		desc, err := request.NewBuilder("https://api.local", request.MethodPost, "items").
			AddHeader("X-Tenant", "t1").
			SetBody([]byte(`{"id":1}`)).
			Build()
		require.NoError(t, err)
		return desc
	}
	desc := build()
	f.transport.Hold()

	a := f.callAsync(context.Background(), desc)
	b := f.callAsync(context.Background(), build())
	f.waitForWaiters(t, desc, 2)
	f.transport.Release()
	require.NoError(t, receive(t, a).err)
	require.NoError(t, receive(t, b).err)

	calls := f.transport.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "POST", calls[0].Method)
	assert.Equal(t, "https://api.local/items", calls[0].URL)
	assert.Equal(t, map[string]string{"X-Tenant": "t1"}, calls[0].Header)
	assert.Equal(t, []byte(`{"id":1}`), calls[0].Body)
}

func TestUntracedCallLeavesCallerSpanAlone(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, parent := provider.Tracer("app").Start(context.Background(), "app.request")

	f := newFixture(t, testutil.Respond(http.StatusNotFound, []byte("missing")))
	_, err := f.coord.Call(ctx, testutil.MustGet(t, "https://api.local/a", 0))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.coord.Drain(drainCtx))
	assert.Empty(t, recorder.Ended())

	parent.End()
	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "app.request", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Empty(t, ended[0].Attributes())
}

func TestIgnoreCacheBypassesStoreButCoalesces(t *testing.T) {
	f := newFixture(t, testutil.Respond(http.StatusOK, []byte("fresh")))
	desc := testutil.MustGet(t, "https://api.local/a", time.Minute)
	require.NoError(t, f.store.Put(desc.ResolvedURL(), []byte("stale"), time.Minute))

	body, err := f.coord.Call(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, []byte("stale"), body)
	assert.Equal(t, 0, f.transport.Count())

	bypass := desc.WithIgnoreCache(true)
	f.transport.Hold()
	a := f.callAsync(context.Background(), bypass)
	b := f.callAsync(context.Background(), desc.WithIgnoreCache(true))
	f.waitForWaiters(t, bypass, 2)
	f.transport.Release()

	resA, resB := receive(t, a), receive(t, b)
	require.NoError(t, resA.err)
	require.NoError(t, resB.err)
	assert.Equal(t, []byte("fresh"), resA.body)
	assert.Equal(t, []byte("fresh"), resB.body)
	assert.Equal(t, 1, f.transport.Count())

	entry, ok := f.store.Get(desc.ResolvedURL())
	require.True(t, ok)
	assert.Equal(t, []byte("stale"), entry.Body)
}

func TestNonSuccessFansOutSameErrorAndIsNotCached(t *testing.T) {
	f := newFixture(t, testutil.Respond(http.StatusNotFound, []byte("missing")))
	desc := testutil.MustGet(t, "https://api.local/a", time.Minute)
	f.transport.Hold()

	results := make([]<-chan callResult, 3)
	for i := range results {
		results[i] = f.callAsync(context.Background(), desc)
	}
	f.waitForWaiters(t, desc, 3)
	f.transport.Release()

	var errs []error
	for _, ch := range results {
		res := receive(t, ch)
		require.Error(t, res.err)
		assert.Nil(t, res.body)
		errs = append(errs, res.err)
	}
	assert.Same(t, errs[0], errs[1])
	assert.Same(t, errs[0], errs[2])

	var statusErr *StatusError
	require.True(t, errors.As(errs[0], &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Status)

	var httpErr *HTTPError
	require.True(t, errors.As(errs[0], &httpErr))
	assert.Equal(t, []byte("missing"), httpErr.Body)

	assert.Equal(t, 1, f.transport.Count())
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.coord.Pending())
}

type notFound struct{ path string }

func (e notFound) Error() string { return "not found: " + e.path }

func TestCustomErrorFactory(t *testing.T) {
	factory := ErrorFactoryFunc(func(body []byte, meta ResponseMeta) error {
		return notFound{path: string(body)}
	})
	f := newFixture(t, testutil.Respond(http.StatusNotFound, []byte("/a")), WithErrorFactory(factory))

	_, err := f.coord.Call(context.Background(), testutil.MustGet(t, "https://api.local/a", 0))
	var domainErr notFound
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "/a", domainErr.path)
}

func TestCompletedFlightIsForgotten(t *testing.T) {
	f := newFixture(t, nil)
	desc := testutil.MustGet(t, "https://api.local/a", 0)

	_, err := f.coord.Call(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, 0, f.coord.Pending())
	_, ok := f.registry.Lookup(desc)
	assert.False(t, ok)

	_, err = f.coord.Call(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, 2, f.transport.Count())
}

func TestCancelledWaiterDoesNotCancelSharedCall(t *testing.T) {
	f := newFixture(t, testutil.Respond(http.StatusOK, []byte("done")))
	desc := testutil.MustGet(t, "https://api.local/a", 0)
	f.transport.Hold()

	ctx, cancel := context.WithCancel(context.Background())
	leaving := f.callAsync(ctx, desc)
	staying := f.callAsync(context.Background(), desc)
	flight := f.waitForWaiters(t, desc, 2)

	cancel()
	res := receive(t, leaving)
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, 1, f.registry.Waiters(flight))
	assert.NoError(t, flight.Context().Err())

	f.transport.Release()
	res = receive(t, staying)
	require.NoError(t, res.err)
	assert.Equal(t, []byte("done"), res.body)
	assert.Equal(t, 1, f.transport.Count())
}

func TestLastWaiterLeavingCancelsCall(t *testing.T) {
	f := newFixture(t, nil)
	desc := testutil.MustGet(t, "https://api.local/a", 0)
	f.transport.Hold()
	defer f.transport.Release()

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	a := f.callAsync(ctxA, desc)
	b := f.callAsync(ctxB, desc)
	flight := f.waitForWaiters(t, desc, 2)

	cancelA()
	cancelB()
	assert.ErrorIs(t, receive(t, a).err, context.Canceled)
	assert.ErrorIs(t, receive(t, b).err, context.Canceled)

	select {
	case <-flight.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shared call was not cancelled")
	}
	assert.Equal(t, 0, f.coord.Pending())
}

func TestTransportFailure(t *testing.T) {
	f := newFixture(t, testutil.Fail(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))

	body, err := f.coord.Call(context.Background(), testutil.MustGet(t, "https://api.local/a", time.Minute))
	assert.Nil(t, body)
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, transport.CategoryRefused, transportErr.Category)
	assert.Equal(t, "GET", transportErr.Method)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 0, f.store.Len())
}

func TestNilResponseIsTransportError(t *testing.T) {
	tr := transport.TransportFunc(func(context.Context, string, string, map[string]string, []byte) (*transport.Response, error) {
		return nil, nil
	})
	_, err := New(tr).Call(context.Background(), testutil.MustGet(t, "https://api.local/a", 0))
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, transport.CategoryUnknown, transportErr.Category)
}

func TestPanickingTransportCompletesFlight(t *testing.T) {
	tr := transport.TransportFunc(func(context.Context, string, string, map[string]string, []byte) (*transport.Response, error) {
		panic("boom")
	})
	coord := New(tr)

	_, err := coord.Call(context.Background(), testutil.MustGet(t, "https://api.local/a", 0))
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 0, coord.Pending())
}

func TestNilDescriptor(t *testing.T) {
	_, err := New(testutil.NewFakeTransport(nil)).Call(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilDescriptor)
}

func TestDecodeFailureIsPerCaller(t *testing.T) {
	metrics := obs.NewMetrics(obs.MetricsConfig{})
	f := newFixture(t, testutil.Respond(http.StatusOK, []byte(`{"x":1}`)), WithMetrics(metrics))
	desc := testutil.MustGet(t, "https://api.local/a", 0)
	f.transport.Hold()

	type payload struct {
		X int `json:"x"`
	}
	var group errgroup.Group
	var good payload
	var badErr error
	group.Go(func() error {
		var err error
		good, err = Do[payload](context.Background(), f.coord, desc, nil)
		return err
	})
	group.Go(func() error {
		_, badErr = Do[[]int](context.Background(), f.coord, desc, JSONDecoder[[]int]{})
		return nil
	})
	f.waitForWaiters(t, desc, 2)
	f.transport.Release()
	require.NoError(t, group.Wait())

	assert.Equal(t, 1, good.X)
	var decodeErr *DecodeError
	require.True(t, errors.As(badErr, &decodeErr))
	assert.Equal(t, 1, f.transport.Count())

	count, err := promtest.GatherAndCount(metrics.Registry(), "httpcoord_decode_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRawDecoder(t *testing.T) {
	f := newFixture(t, testutil.Respond(http.StatusOK, []byte("plain")))
	body, err := Do[[]byte](context.Background(), f.coord, testutil.MustGet(t, "https://api.local/a", 0), RawDecoder{})
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), body)
}

func TestGoDeliversThroughLoop(t *testing.T) {
	loop := NewLoop(4)
	defer loop.Close()
	f := newFixture(t, testutil.Respond(http.StatusOK, []byte(`{"x":2}`)), WithDispatcher(loop))

	ch := Go[map[string]int](context.Background(), f.coord, testutil.MustGet(t, "https://api.local/a", 0), nil)
	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.Equal(t, 2, res.Value["x"])
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
	_, open := <-ch
	assert.False(t, open)
}

func TestCallerMutationDoesNotLeakIntoCache(t *testing.T) {
	f := newFixture(t, testutil.Respond(http.StatusOK, []byte("abc")))
	desc := testutil.MustGet(t, "https://api.local/a", time.Minute)

	body, err := f.coord.Call(context.Background(), desc)
	require.NoError(t, err)
	body[0] = 'z'

	again, err := f.coord.Call(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestOversizedPayloadIsServedButNotCached(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	clk := testingclock.NewFakeClock(epoch)
	store := cache.NewMemoryStore(clk, 2)
	tr := testutil.NewFakeTransport(testutil.Respond(http.StatusOK, []byte("too big")))
	coord := New(tr, WithClock(clk), WithStore(store), WithLogger(zap.New(core)))

	body, err := coord.Call(context.Background(), testutil.MustGet(t, "https://api.local/a", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []byte("too big"), body)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 1, logs.FilterMessage("cache store failed").Len())
}

func TestCallsAreObserved(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := obs.NewMetrics(obs.MetricsConfig{})

	f := newFixture(t, testutil.Respond(http.StatusOK, []byte("ok")),
		WithTracer(provider.Tracer(obs.TracerName)),
		WithLogger(zap.New(core)),
		WithMetrics(metrics),
	)
	desc := testutil.MustGet(t, "https://api.local/a", time.Minute)
	for i := 0; i < 2; i++ {
		_, err := f.coord.Call(context.Background(), desc)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.coord.Drain(ctx))
	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "httpcoord.transport", recorder.Ended()[0].Name())
	assert.Equal(t, 1, logs.FilterMessage("cache hit").Len())

	count, err := promtest.GatherAndCount(metrics.Registry(), "httpcoord_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series each for driver and hit")
}

func TestDrainWaitsForRunningCalls(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.Hold()

	ctx, cancel := context.WithCancel(context.Background())
	res := f.callAsync(ctx, testutil.MustGet(t, "https://api.local/a", 0))
	<-f.transport.Started()

	short, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	assert.ErrorIs(t, f.coord.Drain(short), context.DeadlineExceeded)

	f.transport.Release()
	require.NoError(t, receive(t, res).err)
	cancel()
	require.NoError(t, f.coord.Drain(context.Background()))
}
