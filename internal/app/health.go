package app

import (
	"sync/atomic"

	"github.com/jnickel/tokengate/internal/proxy"
)

// Health tracks readiness for the proxy's probe endpoints. Ready means the
// forwarding pipeline is wired and serving; it does not imply a valid
// credential exists yet (that is discovered on first forward).
// All methods are thread-safe.
type Health struct {
	ready atomic.Bool
}

// Compile-time check that Health implements proxy.ReadinessChecker
var _ proxy.ReadinessChecker = (*Health)(nil)

// NewHealth creates a Health instance initialized as not ready.
func NewHealth() *Health {
	return &Health{}
}

// SetReady updates the readiness state.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns the current readiness state.
func (h *Health) IsReady() bool {
	return h.ready.Load()
}
