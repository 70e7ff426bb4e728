package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	cb := NewCircuitBreaker()
	cb.threshold = threshold
	cb.cooldown = cooldown
	return cb
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker()
	assert.True(t, cb.Allow("docker.io/library/nginx"))
	assert.False(t, cb.IsOpen("docker.io/library/nginx"))
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)
	ref := "docker.io/library/broken"

	cb.RecordFailure(ref)
	cb.RecordFailure(ref)
	assert.True(t, cb.Allow(ref), "below threshold should stay closed")

	cb.RecordFailure(ref)
	assert.False(t, cb.Allow(ref))
	assert.True(t, cb.IsOpen(ref))
}

func TestBreakerIsolatesReferences(t *testing.T) {
	cb := newTestBreaker(1, time.Minute)

	cb.RecordFailure("docker.io/library/broken")
	assert.False(t, cb.Allow("docker.io/library/broken"))

	// a different reference is unaffected
	assert.True(t, cb.Allow("docker.io/library/nginx"))
}

func TestBreakerSuccessCloses(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)
	ref := "docker.io/library/flaky"

	cb.RecordFailure(ref)
	cb.RecordSuccess(ref)
	cb.RecordFailure(ref)

	// the success reset the count, so one failure is still below threshold
	assert.True(t, cb.Allow(ref))
}

func TestBreakerAdmitsSingleRecoveryProbe(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)
	ref := "docker.io/library/recovering"

	cb.RecordFailure(ref)
	require.False(t, cb.Allow(ref))

	time.Sleep(20 * time.Millisecond)

	// after the cooldown exactly one probe passes; a second concurrent
	// attempt is held back until the probe reports
	assert.True(t, cb.Allow(ref))
	assert.False(t, cb.Allow(ref))

	cb.RecordSuccess(ref)
	assert.True(t, cb.Allow(ref))
	assert.False(t, cb.IsOpen(ref))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)
	ref := "docker.io/library/still-broken"

	cb.RecordFailure(ref)
	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.Allow(ref))

	cb.RecordFailure(ref)
	assert.False(t, cb.Allow(ref), "failed recovery probe re-opens the breaker")
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cb.Allow("docker.io/library/nginx")
				cb.RecordFailure("docker.io/library/nginx")
				cb.RecordSuccess("docker.io/library/nginx")
			}
		}()
	}
	wg.Wait()
}
