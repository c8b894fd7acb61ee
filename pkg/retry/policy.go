// Package retry decides whether a failed attempt should be retried and how
// long to wait before the next one.
package retry

import (
	cryptorand "crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

// Config holds the retry parameters.
type Config struct {
	// MaxAttempts bounds the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	// Multiplier grows the delay between attempts.
	Multiplier float64 `json:"multiplier" yaml:"multiplier" toml:"multiplier"`
	// Jitter is the fraction of the delay randomised in both directions.
	Jitter float64 `json:"jitter" yaml:"jitter" toml:"jitter"`
	// MaxElapsed bounds the total time spent on a call. Zero disables the bound.
	MaxElapsed time.Duration `json:"max_elapsed" yaml:"max_elapsed" toml:"max_elapsed"`
}

// DefaultConfig returns the retry parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		MaxElapsed:   30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Retry        bool
	Delay        time.Duration
	RefreshToken bool
	Class        Class
	Reason       string
}

// Policy computes retry decisions. It is safe for concurrent use.
type Policy struct {
	cfg  Config
	rand func() float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithRand replaces the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(p *Policy) {
		p.rand = f
	}
}

// New creates a policy. Zero attempt counts, delays and multipliers take
// their default values; zero Jitter and MaxElapsed disable them.
func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		cfg:  cfg.normalized(),
		rand: secureRandFloat64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective parameters.
func (p *Policy) Config() Config {
	return p.cfg
}

// ShouldRetry decides whether attempt (1-based) that failed with err after
// elapsed time since the first attempt started should be followed by another.
// Ambiguous failures are only retried for idempotent calls.
func (p *Policy) ShouldRetry(attempt int, elapsed time.Duration, err error, idempotent bool) Decision {
	class := Classify(err)
	d := Decision{Class: class}

	switch class {
	case ClassNone:
		d.Reason = "success"
		return d
	case ClassFatal:
		d.Reason = "non-retryable"
		return d
	case ClassCancelled:
		d.Reason = "cancelled"
		return d
	}

	if attempt >= p.cfg.MaxAttempts {
		d.Reason = "attempts exhausted"
		return d
	}

	if class == ClassRefresh {
		d.Retry = true
		d.RefreshToken = true
		d.Reason = "refresh token"
		return d
	}

	if sdkerrors.IsAmbiguous(err) && !idempotent {
		d.Reason = "ambiguous delivery"
		return d
	}

	delay := p.Backoff(attempt)
	if hint := sdkerrors.RetryAfter(err); hint > delay {
		delay = hint
	}
	if p.cfg.MaxElapsed > 0 && elapsed+delay > p.cfg.MaxElapsed {
		d.Reason = "time budget exhausted"
		return d
	}

	d.Retry = true
	d.Delay = delay
	d.Reason = "transient"
	return d
}

// Backoff returns the jittered delay after the given failed attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter > 0 {
		delay += delay * p.cfg.Jitter * (p.rand()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// NewBackOff returns a backoff schedule with the policy's parameters that
// stops after maxRetries delays. A non-positive maxRetries never stops on
// count.
func (p *Policy) NewBackOff(maxRetries int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialDelay
	eb.MaxInterval = p.cfg.MaxDelay
	eb.Multiplier = p.cfg.Multiplier
	eb.RandomizationFactor = p.cfg.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	if maxRetries > 0 {
		return backoff.WithMaxRetries(eb, uint64(maxRetries))
	}
	return eb
}

// Tracker follows one logical call across attempts. It is not safe for
// concurrent use.
type Tracker struct {
	policy     *Policy
	idempotent bool
	start      time.Time
	now        func() time.Time
	attempt    int
	refreshed  bool
}

// Start begins tracking a call.
func (p *Policy) Start(idempotent bool) *Tracker {
	return &Tracker{
		policy:     p,
		idempotent: idempotent,
		start:      time.Now(),
		now:        time.Now,
	}
}

// Attempt returns the number of the attempt in progress, starting at 1.
func (t *Tracker) Attempt() int {
	return t.attempt
}

// Begin marks the start of the next attempt and returns its number.
func (t *Tracker) Begin() int {
	t.attempt++
	return t.attempt
}

// Next consults the policy about the attempt that just failed with err. A
// second refresh-class failure within one call is treated as fatal.
func (t *Tracker) Next(err error) Decision {
	d := t.policy.ShouldRetry(t.attempt, t.now().Sub(t.start), err, t.idempotent)
	if d.RefreshToken {
		if t.refreshed {
			return Decision{Class: ClassFatal, Reason: "token rejected after refresh"}
		}
		t.refreshed = true
	}
	return d
}

// secureRandFloat64 generates a cryptographically secure random float64 in [0, 1)
func secureRandFloat64() float64 {
	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(1<<53)
}
