package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the probe when a
// reference's breaker is open.
var ErrCircuitOpen = errors.New("registry probe suppressed: too many recent failures")

// Breaker tuning. A scan with many targets against one broken image
// would otherwise re-run the failing probe on every cache miss; after
// breakerThreshold consecutive failures the reference is suppressed for
// breakerCooldown, then a single probe is let through to test recovery.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

type breakerEntry struct {
	failures int
	openedAt time.Time
	probing  bool
}

// CircuitBreaker isolates failing registry references so one broken
// image cannot starve a scan's worker pool. Failure counts are tracked
// per reference, not per registry: a single bad repository shouldn't
// suppress probes for its healthy neighbors.
type CircuitBreaker struct {
	mu        sync.Mutex
	entries   map[string]*breakerEntry
	threshold int
	cooldown  time.Duration
}

// NewCircuitBreaker builds an empty breaker; every reference starts
// closed.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		entries:   make(map[string]*breakerEntry),
		threshold: breakerThreshold,
		cooldown:  breakerCooldown,
	}
}

// Allow reports whether a probe for ref may proceed. While open, it
// returns false until the cooldown elapses, then admits exactly one
// recovery probe at a time.
func (cb *CircuitBreaker) Allow(ref string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[ref]
	if !ok || e.failures < cb.threshold {
		return true
	}
	if e.probing {
		return false
	}
	if time.Since(e.openedAt) < cb.cooldown {
		return false
	}
	e.probing = true
	return true
}

// RecordSuccess closes ref's breaker.
func (cb *CircuitBreaker) RecordSuccess(ref string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.entries, ref)
}

// RecordFailure counts a failed probe for ref, opening (or re-opening)
// the breaker once the threshold is reached.
func (cb *CircuitBreaker) RecordFailure(ref string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[ref]
	if !ok {
		e = &breakerEntry{}
		cb.entries[ref] = e
	}
	e.failures++
	e.probing = false
	if e.failures >= cb.threshold {
		e.openedAt = time.Now()
	}
}

// IsOpen reports whether probes for ref are currently suppressed.
func (cb *CircuitBreaker) IsOpen(ref string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[ref]
	if !ok || e.failures < cb.threshold {
		return false
	}
	return e.probing || time.Since(e.openedAt) < cb.cooldown
}
