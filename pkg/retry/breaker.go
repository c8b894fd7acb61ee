package retry

import (
	"sync"
	"time"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold" toml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker stops sending to a route after repeated transient failures and
// probes it again once Timeout has passed.
type Breaker struct {
	config    BreakerConfig
	state     BreakerState
	failures  int
	successes int
	lastError time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Breaker{config: config, now: time.Now}
}

// Allow reports whether a call may be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastError) > b.config.Timeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// Record feeds the outcome of an attempt into the breaker. Only transient
// failures count against the route.
func (b *Breaker) Record(class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch class {
	case ClassNone:
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.state = BreakerClosed
			}
		}
	case ClassTransient:
		b.lastError = b.now()
		b.failures++
		if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
			b.state = BreakerOpen
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
