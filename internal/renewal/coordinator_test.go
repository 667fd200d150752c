package renewal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenewSingleFlight(t *testing.T) {
	coord := New(nil)

	const concurrency = 32

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	refresh := func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	}
	joinRefresh := func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, concurrency)

	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err := coord.Renew(context.Background(), refresh)
		require.NoError(t, err)
		outcomes <- out
	}()

	// Make sure the owner holds the cycle before the waiters pile in.
	<-started

	for range concurrency - 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := coord.Renew(context.Background(), joinRefresh)
			require.NoError(t, err)
			outcomes <- out
		}()
	}

	// Settle the cycle only once every waiter is subscribed, so none can
	// straggle past settlement and start a second cycle.
	waitForWaiters(t, coord, concurrency-1)
	close(release)
	wg.Wait()
	close(outcomes)

	assert.Equal(t, int32(1), calls.Load(), "refresh must run exactly once per cycle")

	received := 0
	for out := range outcomes {
		received++
		assert.True(t, out.OK)
		assert.NoError(t, out.Err)
	}
	assert.Equal(t, concurrency, received, "every participant receives exactly one outcome")
}

func TestRenewFailureDeliveredToAllWaiters(t *testing.T) {
	coord := New(nil)

	renewalErr := errors.New("token endpoint rejected refresh")
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		out, err := coord.Renew(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return renewalErr
		})
		require.NoError(t, err)
		assert.False(t, out.OK)
		assert.ErrorIs(t, out.Err, renewalErr)
	}()

	<-started

	const waiters = 8
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, joined, err := coord.Join(context.Background())
			require.NoError(t, err)
			assert.True(t, joined)
			assert.False(t, out.OK)
			assert.ErrorIs(t, out.Err, renewalErr)
		}()
	}

	waitForWaiters(t, coord, waiters)
	close(release)
	wg.Wait()

	assert.False(t, coord.InFlight(), "coordinator must return to idle after a failed cycle")
}

func TestJoinWhenIdle(t *testing.T) {
	coord := New(nil)

	out, joined, err := coord.Join(context.Background())
	require.NoError(t, err)
	assert.False(t, joined, "idle coordinator must not block a pre-flight request")
	assert.False(t, out.OK)
}

func TestJoinDoesNotObserveSettledCycle(t *testing.T) {
	coord := New(nil)

	out, err := coord.Renew(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, out.OK)

	// The broadcast is not buffered: a subscriber arriving after settlement
	// sees idle and must trigger its own cycle.
	_, joined, err := coord.Join(context.Background())
	require.NoError(t, err)
	assert.False(t, joined)
}

func TestCycleReset(t *testing.T) {
	coord := New(nil)

	firstErr := errors.New("first cycle fails")
	out, err := coord.Renew(context.Background(), func(ctx context.Context) error { return firstErr })
	require.NoError(t, err)
	assert.False(t, out.OK)

	// A later failure starts a brand-new cycle; the previous outcome does not
	// leak into it.
	var calls atomic.Int32
	out, err = coord.Renew(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWaiterContextCancellation(t *testing.T) {
	coord := New(nil)

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := coord.Renew(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		require.NoError(t, err)
	}()

	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, joined, err := coord.Join(ctx)
	assert.True(t, joined)
	assert.ErrorIs(t, err, context.Canceled)

	// The abandoned subscription must not disturb the cycle.
	close(release)
	wg.Wait()
	assert.False(t, coord.InFlight())
}

func TestRefreshDetachedFromOwnerCancellation(t *testing.T) {
	coord := New(nil)

	// The owner is one caller among many; its client disconnecting must not
	// abort the refresh the whole cycle depends on.
	ctx, cancel := context.WithCancel(context.Background())
	out, err := coord.Renew(ctx, func(refreshCtx context.Context) error {
		cancel()
		return refreshCtx.Err()
	})
	require.NoError(t, err)
	assert.True(t, out.OK, "owner cancellation must not fail the shared cycle")
	assert.NoError(t, out.Err)
}

func TestWaitersReporting(t *testing.T) {
	coord := New(nil)
	assert.Equal(t, 0, coord.Waiters())

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := coord.Renew(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
		require.NoError(t, err)
	}()

	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, joined, err := coord.Join(context.Background())
		require.NoError(t, err)
		assert.True(t, joined)
	}()

	// The owner is not a waiter; only the joined caller counts.
	waitForWaiters(t, coord, 1)

	close(release)
	wg.Wait()
	assert.Equal(t, 0, coord.Waiters())
}

func TestSequentialCyclesRunIndependently(t *testing.T) {
	coord := New(nil)

	var calls atomic.Int32
	for range 5 {
		out, err := coord.Renew(context.Background(), func(ctx context.Context) error {
			calls.Add(1)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, out.OK)
	}
	assert.Equal(t, int32(5), calls.Load(), "sequential triggers each start a fresh cycle")
}

// waitForWaiters polls until n callers are blocked on the in-flight cycle.
func waitForWaiters(t *testing.T, coord *Coordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if coord.Waiters() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d waiters, have %d", n, coord.Waiters())
}
