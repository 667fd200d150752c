package tokengate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a configurable CredentialProvider for transport tests.
// The credential is guarded because Refresh and Token race under the
// interceptor's concurrency.
type fakeProvider struct {
	mu    sync.Mutex
	token string

	refreshErr     error
	refreshGate    chan struct{} // if non-nil, Refresh blocks until closed
	refreshStarted chan struct{} // if non-nil, closed when Refresh is entered
	refreshTo      string        // credential after a successful Refresh

	tokenCalls   atomic.Int32
	refreshCalls atomic.Int32
}

func (p *fakeProvider) Token(ctx context.Context) (string, error) {
	p.tokenCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, nil
}

func (p *fakeProvider) Refresh(ctx context.Context) error {
	p.refreshCalls.Add(1)
	if p.refreshStarted != nil {
		close(p.refreshStarted)
		p.refreshStarted = nil
	}
	if p.refreshGate != nil {
		select {
		case <-p.refreshGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.refreshErr != nil {
		return p.refreshErr
	}
	p.mu.Lock()
	p.token = p.refreshTo
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) ShouldRefresh(resp *http.Response, err error) bool {
	return resp != nil && resp.StatusCode == http.StatusUnauthorized
}

// statusTransport answers 200 when the expected authorization header is
// present and 401 otherwise, counting both.
type statusTransport struct {
	expect       string
	calls        atomic.Int32
	unauthorized atomic.Int32
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	status := http.StatusOK
	if req.Header.Get("Authorization") != t.expect {
		status = http.StatusUnauthorized
		t.unauthorized.Add(1)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

// barrierTransport holds the first target sends until all of them are in
// flight, then releases the whole batch at once. Later sends (retries after
// renewal) pass straight through.
type barrierTransport struct {
	statusTransport
	target   int32
	arrivals atomic.Int32
	barrier  chan struct{}
}

func newBarrierTransport(target int, expect string) *barrierTransport {
	return &barrierTransport{
		statusTransport: statusTransport{expect: expect},
		target:          int32(target),
		barrier:         make(chan struct{}),
	}
}

func (t *barrierTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.arrivals.Add(1) == t.target {
		close(t.barrier)
	}
	<-t.barrier
	return t.statusTransport.RoundTrip(req)
}

func newRequest(t *testing.T, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	require.NoError(t, err)
	return req
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNilProvider)
}

func TestCredentialAttachment(t *testing.T) {
	provider := &fakeProvider{token: "tok-1"}
	transport := &statusTransport{expect: "Bearer tok-1"}
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	resp, err := interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/things", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestEmptyCredentialForwardsUnmodified(t *testing.T) {
	provider := &fakeProvider{token: ""}
	var seen http.Header
	transport := RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		seen = req.Header
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	})
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	_, err = interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/things", nil))
	require.NoError(t, err)
	assert.Empty(t, seen.Get("Authorization"))
}

func TestCallerRequestNeverMutated(t *testing.T) {
	provider := &fakeProvider{token: "tok-1"}
	transport := &statusTransport{expect: "Bearer tok-1"}
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	req := newRequest(t, http.MethodGet, "https://api.example.com/v1/things", nil)
	_, err = interceptor.RoundTrip(req)
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"), "credential must be attached to a clone")
}

func TestSuccessfulRenewalRetriesOnce(t *testing.T) {
	provider := &fakeProvider{token: "stale", refreshTo: "fresh"}
	transport := &statusTransport{expect: "Bearer fresh"}
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	resp, err := interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/things", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), provider.refreshCalls.Load())
	assert.Equal(t, int32(2), transport.calls.Load(), "original send plus exactly one retry")
}

func TestSecondFailureAfterRenewalIsSurfaced(t *testing.T) {
	// Renewal succeeds but the server keeps rejecting: the second 401 must be
	// returned to the caller, not fed into another renewal cycle.
	provider := &fakeProvider{token: "stale", refreshTo: "still-stale"}
	transport := &statusTransport{expect: "Bearer never-matches"}
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	resp, err := interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/things", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), provider.refreshCalls.Load())
	assert.Equal(t, int32(2), transport.calls.Load())
}

func TestFailedRenewalPropagatesOriginalFailure(t *testing.T) {
	provider := &fakeProvider{token: "stale", refreshErr: errors.New("refresh token revoked")}
	transport := &statusTransport{expect: "Bearer fresh"}
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	resp, err := interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/things", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "caller gets its own original failure")
	assert.Equal(t, int32(1), transport.calls.Load(), "no retry after a failed renewal")
}

func TestSingleFlightAcrossConcurrentFailures(t *testing.T) {
	const concurrency = 16

	release := make(chan struct{})
	provider := &fakeProvider{token: "stale", refreshTo: "fresh", refreshGate: release}

	// The barrier guarantees all sends go out with the stale credential, so
	// every goroutine observes its own 401 rather than queueing pre-flight.
	transport := newBarrierTransport(concurrency, "Bearer fresh")
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/things", nil))
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}()
	}

	// Settle the cycle only once one goroutine owns the renewal and every
	// other one is blocked on it; none can straggle in after settlement and
	// start a second cycle.
	waitFor(t, func() bool {
		return provider.refreshCalls.Load() == 1 && interceptor.coord.Waiters() == concurrency-1
	})
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), provider.refreshCalls.Load(), "one renewal for the whole burst")
	assert.Equal(t, int32(concurrency), transport.unauthorized.Load(), "every initial send failed with the stale credential")
}

func TestQueuedRequestFailsWithRenewalError(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	renewalErr := errors.New("refresh token revoked")
	provider := &fakeProvider{
		token:          "stale",
		refreshErr:     renewalErr,
		refreshGate:    release,
		refreshStarted: started,
	}

	transport := &statusTransport{expect: "Bearer fresh"}
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Triggering request: fails, starts the cycle, gets its 401 back.
		resp, err := interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/things", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}()

	<-started

	// Pre-flight request: queues behind the cycle, never reaches the
	// transport, fails with the renewal error.
	var queuedErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, queuedErr = interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/other", nil))
	}()

	waitFor(t, func() bool { return interceptor.coord.Waiters() == 1 })
	close(release)
	wg.Wait()

	require.Error(t, queuedErr)
	assert.ErrorIs(t, queuedErr, ErrRenewalFailed)
	assert.ErrorIs(t, queuedErr, renewalErr)
	assert.Equal(t, int32(1), transport.calls.Load(), "the queued request was never sent")
}

func TestNonReplayableBodyIsNotRetried(t *testing.T) {
	provider := &fakeProvider{token: "stale", refreshTo: "fresh"}
	transport := &statusTransport{expect: "Bearer fresh"}
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	// A bare io.Reader gives http.NewRequest no way to build GetBody.
	body := io.MultiReader(strings.NewReader("payload"))
	resp, err := interceptor.RoundTrip(newRequest(t, http.MethodPost, "https://api.example.com/v1/things", body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), provider.refreshCalls.Load(), "renewal still happens for the next request")
	assert.Equal(t, int32(1), transport.calls.Load(), "body cannot be replayed, no retry")
}

func TestWaiterRecoversAfterJoinedCycleSucceeds(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	provider := &fakeProvider{
		token:          "stale",
		refreshTo:      "fresh",
		refreshGate:    release,
		refreshStarted: started,
	}

	transport := &statusTransport{expect: "Bearer fresh"}
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/things", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}()

	<-started

	// Pre-flight request arriving mid-cycle waits, then proceeds with the
	// fresh credential without having seen a failure of its own.
	var queuedResp *http.Response
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		queuedResp, err = interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/other", nil))
		require.NoError(t, err)
	}()

	waitFor(t, func() bool { return interceptor.coord.Waiters() == 1 })
	close(release)
	wg.Wait()

	require.NotNil(t, queuedResp)
	assert.Equal(t, http.StatusOK, queuedResp.StatusCode)
	assert.Equal(t, int32(1), provider.refreshCalls.Load())
}

func TestRenewalSurvivesTriggeringClientDisconnect(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	provider := &fakeProvider{
		token:          "stale",
		refreshTo:      "fresh",
		refreshGate:    release,
		refreshStarted: started,
	}

	transport := &statusTransport{expect: "Bearer fresh"}
	interceptor, err := New(provider, WithBase(transport))
	require.NoError(t, err)

	ownerCtx, disconnect := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Triggering request whose client goes away mid-renewal.
		req, err := http.NewRequestWithContext(ownerCtx, http.MethodGet, "https://api.example.com/v1/things", nil)
		require.NoError(t, err)
		_, _ = interceptor.RoundTrip(req)
	}()

	<-started

	// Pre-flight request on an unrelated context queues behind the cycle.
	var queuedResp *http.Response
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		queuedResp, err = interceptor.RoundTrip(newRequest(t, http.MethodGet, "https://api.example.com/v1/other", nil))
		require.NoError(t, err)
	}()

	waitFor(t, func() bool { return interceptor.coord.Waiters() == 1 })

	// The triggering client disconnects while the renewal is still running;
	// the cycle must settle on the refresh result, not the disconnect.
	disconnect()
	close(release)
	wg.Wait()

	require.NotNil(t, queuedResp)
	assert.Equal(t, http.StatusOK, queuedResp.StatusCode)
	assert.Equal(t, int32(1), provider.refreshCalls.Load())
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
