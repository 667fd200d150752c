// Package renewal implements single-flight coordination of credential
// renewal across concurrent HTTP requests.
//
// The Coordinator is a two-state machine (idle / renewing). The first
// request that observes an expired-credential failure while idle starts a
// renewal cycle and becomes its owner; every request that needs the
// credential while the cycle is in flight subscribes to its outcome instead
// of starting a second renewal. Settlement is broadcast by closing the
// cycle's done channel, which delivers the outcome to all subscribers
// exactly once. Requests arriving after settlement observe the idle state
// and, on a fresh failure, start a new cycle with an empty subscriber set.
//
// Typical use from a transport:
//
//	out, joined, err := coord.Join(ctx)   // pre-flight: never attach mid-renewal
//	...
//	out, err := coord.Renew(ctx, provider.Refresh) // on expired-credential failure
//	if out.OK { /* retry the request once */ }
//
// The Coordinator never retries a failed renewal; recovery is limited to
// delivering the failure to every subscriber.
package renewal
