package connector

import (
	"sync"
	"time"
)

// Breaker states.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultBreakerConfig opens after five consecutive failures with a 30s
// cooldown.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	Cooldown:         30 * time.Second,
}

// breaker is one circuit for a platform:account:action key. After cooldown,
// exactly one caller wins the half-open probe; everyone else keeps getting
// rejected until the probe resolves.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type breaker struct {
	config        BreakerConfig
	mu            sync.Mutex
	state         breakerState
	failureCount  int
	openedAt      time.Time
	probeInFlight bool
	now           func() time.Time
}

func newBreaker(config BreakerConfig, now func() time.Time) *breaker {
	return &breaker{config: config, state: stateClosed, now: now}
}

// allow reports whether a call may proceed. When rejected it returns the
// remaining cooldown so callers can surface retryAfterMs.
func (b *breaker) allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true, 0

	case stateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.config.Cooldown {
			return false, b.config.Cooldown - elapsed
		}
		b.state = stateHalfOpen
		b.probeInFlight = true
		return true, 0

	case stateHalfOpen:
		if b.probeInFlight {
			return false, b.config.Cooldown
		}
		b.probeInFlight = true
		return true, 0

	default:
		return false, b.config.Cooldown
	}
}

// record resolves a call outcome. Success closes the circuit and resets the
// failure count; failure in half-open re-opens immediately.
func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = stateClosed
		b.failureCount = 0
		b.probeInFlight = false
		return
	}

	b.failureCount++
	b.probeInFlight = false
	if b.state == stateHalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakerSet keys breakers by platform:account:action. Per-replica state;
// dispatch-key dedup covers the cross-replica gap.
type breakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

func newBreakerSet(config BreakerConfig, now func() time.Time) *breakerSet {
	return &breakerSet{
		config:   config,
		breakers: make(map[string]*breaker),
		now:      now,
	}
}

func (s *breakerSet) get(key string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = newBreaker(s.config, s.now)
		s.breakers[key] = b
	}
	return b
}
