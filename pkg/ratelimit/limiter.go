// Package ratelimit admits outbound requests per route using token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
)

// RouteLimit describes one route's bucket. A non-positive Rate disables
// limiting for the route.
type RouteLimit struct {
	// Rate is the sustained number of requests per second.
	Rate float64 `json:"rate" yaml:"rate" toml:"rate"`
	// Burst is the bucket capacity.
	Burst int `json:"burst" yaml:"burst" toml:"burst"`
}

// Unlimited reports whether the route is not limited.
func (l RouteLimit) Unlimited() bool {
	return l.Rate <= 0
}

// Config holds the limits for all routes.
type Config struct {
	Default RouteLimit            `json:"default" yaml:"default" toml:"default"`
	Routes  map[string]RouteLimit `json:"routes" yaml:"routes" toml:"routes"`
	// IdleTimeout is how long an unused bucket is kept.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" toml:"idle_timeout"`
}

// DefaultConfig returns an unlimited default route with buckets swept after
// ten minutes of inactivity.
func DefaultConfig() Config {
	return Config{
		Routes:      map[string]RouteLimit{},
		IdleTimeout: 10 * time.Minute,
	}
}

// limitFor returns the configured limit for route.
func (c Config) limitFor(route string) RouteLimit {
	if l, ok := c.Routes[route]; ok {
		return l
	}
	return c.Default
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter tracks one token bucket per route. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  Config
	logger  logging.Logger
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter's logger.
func WithLogger(l logging.Logger) Option {
	return func(rl *Limiter) {
		rl.logger = logging.OrNop(l)
	}
}

// New creates a limiter.
func New(config Config, opts ...Option) *Limiter {
	if config.Routes == nil {
		config.Routes = map[string]RouteLimit{}
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		config:  config,
		logger:  logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithFields(logging.Component("ratelimit"))
	return l
}

// bucketFor returns the route's limiter, creating it on first use. It
// returns nil for unlimited routes.
func (l *Limiter) bucketFor(route string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[route]
	if !ok {
		limit := l.config.limitFor(route)
		if limit.Unlimited() {
			return nil
		}
		burst := limit.Burst
		if burst < 1 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(limit.Rate), burst)}
		l.buckets[route] = b
	}
	b.lastUsed = l.now()
	return b.limiter
}

// Admit blocks until route has a token. It fails with a RateLimited error
// when the token would only become available after ctx's deadline, and with
// a Cancelled error when ctx is cancelled while waiting.
func (l *Limiter) Admit(ctx context.Context, route string) error {
	lim := l.bucketFor(route)
	if lim == nil {
		return nil
	}

	now := l.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return sdkerrors.RateLimited(route, 0)
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}

	if deadline, ok := ctx.Deadline(); ok && now.Add(delay).After(deadline) {
		r.CancelAt(now)
		l.logger.Debug("admission would exceed deadline",
			logging.String("route", route),
			logging.Duration("wait", delay))
		return sdkerrors.RateLimited(route, delay)
	}

	l.logger.Debug("waiting for token",
		logging.String("route", route),
		logging.Duration("wait", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return sdkerrors.RateLimited(route, delay)
		}
		return sdkerrors.Cancelled("rate limit admission")
	}
}

// Allow takes a token for route without waiting.
func (l *Limiter) Allow(route string) bool {
	lim := l.bucketFor(route)
	if lim == nil {
		return true
	}
	return lim.AllowN(l.now(), 1)
}

// Remaining returns the tokens currently available for route. Unlimited
// routes report -1.
func (l *Limiter) Remaining(route string) float64 {
	lim := l.bucketFor(route)
	if lim == nil {
		return -1
	}
	return lim.TokensAt(l.now())
}

// SetLimit changes a route's limit. Existing buckets are updated in place.
func (l *Limiter) SetLimit(route string, limit RouteLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.config.Routes[route] = limit
	b, ok := l.buckets[route]
	if !ok {
		return
	}
	if limit.Unlimited() {
		delete(l.buckets, route)
		return
	}
	now := l.now()
	b.limiter.SetLimitAt(now, rate.Limit(limit.Rate))
	burst := limit.Burst
	if burst < 1 {
		burst = 1
	}
	b.limiter.SetBurstAt(now, burst)
}

// Reset drops the bucket for route.
func (l *Limiter) Reset(route string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, route)
}

// Sweep removes buckets not used for idle. It returns the number removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for route, b := range l.buckets {
		if now.Sub(b.lastUsed) > idle {
			delete(l.buckets, route)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Start sweeps idle buckets until ctx is done.
func (l *Limiter) Start(ctx context.Context) {
	idle := l.config.IdleTimeout
	if idle <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(idle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(idle); n > 0 {
					l.logger.Debug("swept idle buckets", logging.Int("count", n))
				}
			}
		}
	}()
}
