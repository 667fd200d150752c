package renewal

import (
	"context"
	"log/slog"
	"sync"
)

// Outcome is the settled result of one renewal cycle, delivered to every
// participant of that cycle.
type Outcome struct {
	// OK reports whether the renewal operation succeeded.
	OK bool
	// Err is the error returned by the renewal operation when OK is false.
	Err error
}

// cycle is one renewal attempt, from trigger to settlement. Participants hold
// a pointer to the cycle they subscribed to, so a settled cycle can never be
// confused with the next one.
type cycle struct {
	done    chan struct{} // closed exactly once, on settlement
	outcome Outcome       // written before done is closed, read only after
}

// Coordinator serializes credential renewal across concurrently issued
// requests: at most one renewal operation is in flight at any time, every
// request that arrives while one is in flight waits for its outcome, and the
// outcome is delivered to each waiter exactly once.
//
// The zero value is not usable; create one with New.
type Coordinator struct {
	logger *slog.Logger

	mu      sync.Mutex
	current *cycle // non-nil while a renewal is in flight
	cycles  uint64 // completed + in-flight cycle count, for logging
	waiting int    // callers currently blocked on the in-flight cycle
}

// New creates a Coordinator. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger}
}

// Renew ensures a renewal operation runs and returns its outcome.
//
// The first caller while the Coordinator is idle becomes the cycle owner: it
// runs refresh on its own goroutine and settles the cycle with the result.
// Any caller that arrives while a cycle is in flight joins it as a waiter and
// receives the same outcome; refresh is invoked at most once per cycle.
//
// A waiter whose context is cancelled stops waiting and returns ctx.Err();
// the cycle itself keeps running and settles normally for the remaining
// waiters. The owner always runs refresh to completion: because the outcome
// is shared by every participant, refresh runs detached from the owner's
// cancellation, keeping only its values (trace context and the like).
func (c *Coordinator) Renew(ctx context.Context, refresh func(context.Context) error) (Outcome, error) {
	c.mu.Lock()
	if cyc := c.current; cyc != nil {
		c.mu.Unlock()
		return c.wait(ctx, cyc)
	}

	cyc := &cycle{done: make(chan struct{})}
	c.current = cyc
	c.cycles++
	seq := c.cycles
	c.mu.Unlock()

	c.logger.Debug("credential renewal started", "cycle", seq)

	// The owner is just the first caller to observe the failure; its client
	// disconnecting must not fail the cycle for the waiters behind it.
	err := refresh(context.WithoutCancel(ctx))

	c.mu.Lock()
	cyc.outcome = Outcome{OK: err == nil, Err: err}
	c.current = nil
	close(cyc.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("credential renewal failed", "cycle", seq, "error", err)
	} else {
		c.logger.Debug("credential renewal succeeded", "cycle", seq)
	}

	return cyc.outcome, nil
}

// Join subscribes to the in-flight renewal cycle, if any. When the
// Coordinator is idle it reports joined=false immediately; the caller should
// proceed with the credential state as it currently stands. When a cycle is
// in flight it blocks until that cycle settles and returns its outcome.
//
// The idle check and the subscription are a single atomic step, so a caller
// can never observe "in flight" and then miss the broadcast.
func (c *Coordinator) Join(ctx context.Context) (Outcome, bool, error) {
	c.mu.Lock()
	cyc := c.current
	c.mu.Unlock()

	if cyc == nil {
		return Outcome{}, false, nil
	}

	out, err := c.wait(ctx, cyc)
	return out, true, err
}

// InFlight reports whether a renewal cycle is currently outstanding.
// Intended for health reporting; callers coordinating requests must use
// Join or Renew, which check and subscribe atomically.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Waiters reports how many callers are currently blocked on the in-flight
// cycle. Like InFlight, intended for health and metrics reporting only.
func (c *Coordinator) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// wait blocks until cyc settles or ctx is done. An abandoned subscription has
// no observable effect on the cycle.
func (c *Coordinator) wait(ctx context.Context, cyc *cycle) (Outcome, error) {
	c.mu.Lock()
	c.waiting++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiting--
		c.mu.Unlock()
	}()

	select {
	case <-cyc.done:
		return cyc.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
