package retry

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

func fixedRand(v float64) Option {
	return WithRand(func() float64 { return v })
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"context cancelled", context.Canceled, ClassCancelled},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), ClassCancelled},
		{"timeout category", sdkerrors.Timeout("call", 0), ClassCancelled},
		{"401", sdkerrors.HTTPStatus("GET", "", 401, 0, ""), ClassRefresh},
		{"403", sdkerrors.HTTPStatus("GET", "", 403, 0, ""), ClassFatal},
		{"429", sdkerrors.HTTPStatus("GET", "", 429, 0, ""), ClassTransient},
		{"503", sdkerrors.HTTPStatus("GET", "", 503, 0, ""), ClassTransient},
		{"404", sdkerrors.HTTPStatus("GET", "", 404, 0, ""), ClassFatal},
		{"local rate limit", sdkerrors.RateLimited("tx", 0), ClassFatal},
		{"exchange failure", sdkerrors.AuthFailed("denied", nil), ClassFatal},
		{"expired on receipt", sdkerrors.TokenExpired("alice", time.Unix(0, 0)), ClassFatal},
		{"protocol", sdkerrors.ProtocolViolation(0, "bad frame"), ClassFatal},
		{"connection lost", sdkerrors.ConnectionLost("websocket", "", nil), ClassTransient},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassTransient},
		{"eof", io.ErrUnexpectedEOF, ClassTransient},
		{"plain", fmt.Errorf("boom"), ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := New(Config{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}, fixedRand(0.5))

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(8))
}

func TestBackoffJitterBounds(t *testing.T) {
	low := New(Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.2}, fixedRand(0))
	high := New(Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.2}, fixedRand(0.999999))

	assert.Equal(t, 800*time.Millisecond, low.Backoff(1))
	assert.InDelta(t, float64(1200*time.Millisecond), float64(high.Backoff(1)), float64(time.Millisecond))

	real := New(Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.2})
	for i := 0; i < 50; i++ {
		d := real.Backoff(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestShouldRetryTransient(t *testing.T) {
	p := New(Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, Jitter: 0.0001}, fixedRand(0.5))
	err := sdkerrors.HTTPStatus("POST", "", 503, 0, "")

	d := p.ShouldRetry(1, 0, err, false)
	assert.True(t, d.Retry)
	assert.Equal(t, ClassTransient, d.Class)
	assert.Equal(t, 10*time.Millisecond, d.Delay)

	d = p.ShouldRetry(3, 0, err, false)
	assert.False(t, d.Retry)
	assert.Equal(t, "attempts exhausted", d.Reason)
}

func TestShouldRetryHonoursRetryAfter(t *testing.T) {
	p := New(Config{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxElapsed: time.Minute}, fixedRand(0.5))
	err := sdkerrors.HTTPStatus("POST", "", 429, 2*time.Second, "")

	d := p.ShouldRetry(1, 0, err, false)
	require.True(t, d.Retry)
	assert.Equal(t, 2*time.Second, d.Delay)
}

func TestShouldRetryElapsedBudget(t *testing.T) {
	p := New(Config{MaxAttempts: 10, InitialDelay: time.Second, MaxElapsed: 5 * time.Second}, fixedRand(0.5))
	err := sdkerrors.HTTPStatus("POST", "", 500, 0, "")

	assert.True(t, p.ShouldRetry(1, 3*time.Second, err, false).Retry)

	d := p.ShouldRetry(1, 4500*time.Millisecond, err, false)
	assert.False(t, d.Retry)
	assert.Equal(t, "time budget exhausted", d.Reason)
}

func TestShouldRetryAmbiguous(t *testing.T) {
	p := New(Config{MaxAttempts: 3}, fixedRand(0.5))
	err := sdkerrors.ConnectionLost("websocket", "", nil)

	assert.False(t, p.ShouldRetry(1, 0, err, false).Retry)
	assert.True(t, p.ShouldRetry(1, 0, err, true).Retry)

	dialErr := sdkerrors.ConnectionFailed("http", "", fmt.Errorf("refused"))
	assert.True(t, p.ShouldRetry(1, 0, dialErr, false).Retry)
}

func TestShouldRetryFatalAndCancelled(t *testing.T) {
	p := New(DefaultConfig())

	assert.False(t, p.ShouldRetry(1, 0, sdkerrors.HTTPStatus("GET", "", 400, 0, ""), true).Retry)
	assert.False(t, p.ShouldRetry(1, 0, context.Canceled, true).Retry)
}

func TestTrackerRefreshOnce(t *testing.T) {
	p := New(Config{MaxAttempts: 5}, fixedRand(0.5))
	tr := p.Start(false)
	unauthorized := sdkerrors.HTTPStatus("GET", "", 401, 0, "")

	assert.Equal(t, 1, tr.Begin())
	d := tr.Next(unauthorized)
	assert.True(t, d.Retry)
	assert.True(t, d.RefreshToken)
	assert.Zero(t, d.Delay)

	assert.Equal(t, 2, tr.Begin())
	d = tr.Next(unauthorized)
	assert.False(t, d.Retry)
	assert.Equal(t, ClassFatal, d.Class)
}

func TestNewBackOffStopsAfterMaxRetries(t *testing.T) {
	p := New(Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2, Jitter: 0.0001})
	b := p.NewBackOff(3)

	for i := 0; i < 3; i++ {
		d := b.NextBackOff()
		assert.NotEqual(t, backoff.Stop, d)
		assert.LessOrEqual(t, d, 41*time.Millisecond)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	assert.NotEqual(t, backoff.Stop, b.NextBackOff())
}

func TestBreaker(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{Enabled: true, FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second})
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.Record(ClassTransient)
	b.Record(ClassFatal)
	assert.Equal(t, BreakerClosed, b.State())
	b.Record(ClassTransient)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.Record(ClassNone)
	assert.Equal(t, BreakerClosed, b.State())
}
