package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"
)

type breakerState string

const (
	stateClosed   breakerState = "CLOSED"
	stateOpen     breakerState = "OPEN"
	stateHalfOpen breakerState = "HALF_OPEN"
)

// circuitBreaker stops calling a failing gateway until resetTimeout passes.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        stateClosed,
		now:          time.Now,
	}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == stateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}

// backoff returns base*2^attempt capped at max, plus jitter derived from
// the request key so retries of the same call are reproducible.
func backoff(key string, attempt int, base, max time.Duration) time.Duration {
	factor := time.Duration(1)
	if attempt > 0 {
		if attempt > 20 {
			attempt = 20
		}
		factor = 1 << attempt
	}
	d := base * factor
	if d > max {
		d = max
	}
	sum := sha256.Sum256([]byte(key + ":" + string(rune('0'+attempt%10))))
	jitter := time.Duration(binary.BigEndian.Uint64(sum[:8])%uint64(base/2+1)) //nolint:gosec // base is positive
	return d + jitter
}
