package credentials

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
)

// Config controls token lifetime handling.
type Config struct {
	// TokenTTL is the lifetime requested for each assertion.
	TokenTTL time.Duration `json:"token_ttl" yaml:"token_ttl" toml:"token_ttl"`
	// SafetyMargin is how long before expiry a token stops being handed out.
	SafetyMargin time.Duration `json:"safety_margin" yaml:"safety_margin" toml:"safety_margin"`
	// ClockSkew is how far in the future a received token's issue time may
	// lie before it is replaced by the local receive time. Expiry is never
	// relaxed by it.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew" toml:"clock_skew"`
	// ExchangeTimeout bounds a single exchange independently of the callers
	// waiting on it.
	ExchangeTimeout time.Duration `json:"exchange_timeout" yaml:"exchange_timeout" toml:"exchange_timeout"`
}

// DefaultConfig returns one-hour tokens refreshed a minute before expiry.
func DefaultConfig() Config {
	return Config{
		TokenTTL:        time.Hour,
		SafetyMargin:    time.Minute,
		ClockSkew:       30 * time.Second,
		ExchangeTimeout: 30 * time.Second,
	}
}

// cached is the token cell. refreshAt is ExpiresAt minus the effective
// safety margin, which is capped at half the token's lifetime.
type cached struct {
	token     AccessToken
	refreshAt time.Time
}

// Store owns the current access token for one credential. Concurrent
// refreshes are coalesced so that at most one exchange is in flight.
type Store struct {
	cred      Credential
	exchanger Exchanger
	config    Config
	logger    logging.Logger
	now       func() time.Time

	mu      sync.RWMutex
	current *cached

	group     singleflight.Group
	exchanges atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		s.logger = logging.OrNop(l)
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithExchanger replaces the exchanger. The default is SelfSigned.
func WithExchanger(e Exchanger) Option {
	return func(s *Store) {
		s.exchanger = e
	}
}

// NewStore creates a store for cred.
func NewStore(cred Credential, config Config, opts ...Option) (*Store, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	d := DefaultConfig()
	if config.TokenTTL <= 0 {
		config.TokenTTL = d.TokenTTL
	}
	if config.SafetyMargin < 0 {
		config.SafetyMargin = 0
	}
	if config.ClockSkew < 0 {
		config.ClockSkew = 0
	}
	if config.ExchangeTimeout <= 0 {
		config.ExchangeTimeout = d.ExchangeTimeout
	}

	s := &Store{
		cred:      cred,
		exchanger: SelfSigned{},
		config:    config,
		logger:    logging.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(logging.Component("credentials"), logging.String("subject", cred.Subject))
	return s, nil
}

// CurrentToken returns a token valid for at least the safety margin,
// refreshing it first when needed.
func (s *Store) CurrentToken(ctx context.Context) (AccessToken, error) {
	if tok, ok := s.fresh(); ok {
		return tok, nil
	}
	return s.refresh(ctx, "")
}

// Token returns the bearer string of CurrentToken.
func (s *Store) Token(ctx context.Context) (string, error) {
	tok, err := s.CurrentToken(ctx)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// ForceRefresh discards the current token and obtains a new one. It joins a
// refresh already in flight.
func (s *Store) ForceRefresh(ctx context.Context) (AccessToken, error) {
	s.mu.RLock()
	rejected := ""
	if s.current != nil {
		rejected = s.current.token.Token
	}
	s.mu.RUnlock()
	return s.refresh(ctx, rejected)
}

// Refresh replaces the token rejected by a server. If the current token is
// already a different one, it is returned without a new exchange.
func (s *Store) Refresh(ctx context.Context, rejected string) (string, error) {
	s.mu.RLock()
	if s.current != nil && s.current.token.Token != rejected && s.now().Before(s.current.refreshAt) {
		tok := s.current.token.Token
		s.mu.RUnlock()
		return tok, nil
	}
	s.mu.RUnlock()

	if rejected == "" {
		rejected = "\x00"
	}
	tok, err := s.refresh(ctx, rejected)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// Invalidate drops the cached token.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Exchanges returns the number of exchanges performed.
func (s *Store) Exchanges() int64 {
	return s.exchanges.Load()
}

func (s *Store) fresh() (AccessToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || !s.now().Before(s.current.refreshAt) {
		return AccessToken{}, false
	}
	return s.current.token, true
}

// refresh runs or joins the single in-flight exchange. A non-empty rejected
// token forces an exchange even if the cached token is still fresh, unless
// the cache already holds a different token.
func (s *Store) refresh(ctx context.Context, rejected string) (AccessToken, error) {
	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		s.mu.RLock()
		cur := s.current
		s.mu.RUnlock()
		if cur != nil && s.now().Before(cur.refreshAt) && (rejected == "" || cur.token.Token != rejected) {
			return cur.token, nil
		}

		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ExchangeTimeout)
		defer cancel()
		return s.exchange(exCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	case <-ctx.Done():
		return AccessToken{}, sdkerrors.FromContext(ctx.Err(), "token refresh")
	}
}

func (s *Store) exchange(ctx context.Context) (AccessToken, error) {
	now := s.now()
	assertion, err := s.cred.Sign(now, s.config.TokenTTL)
	if err != nil {
		return AccessToken{}, err
	}

	s.exchanges.Add(1)
	tok, err := s.exchanger.Exchange(ctx, assertion)
	if err != nil {
		s.logger.WithError(err).Warn("token exchange failed")
		return AccessToken{}, err
	}

	received := s.now()
	if !received.Before(tok.ExpiresAt) {
		s.logger.Warn("received expired token", logging.Time("expires_at", tok.ExpiresAt))
		return AccessToken{}, sdkerrors.TokenExpired(s.cred.Subject, tok.ExpiresAt)
	}
	if tok.IssuedAt.IsZero() || tok.IssuedAt.After(received.Add(s.config.ClockSkew)) {
		tok.IssuedAt = received
	}

	margin := s.config.SafetyMargin
	if lifetime := tok.ExpiresAt.Sub(received); margin > lifetime/2 {
		margin = lifetime / 2
	}

	s.mu.Lock()
	s.current = &cached{token: tok, refreshAt: tok.ExpiresAt.Add(-margin)}
	s.mu.Unlock()

	s.logger.Debug("token refreshed",
		logging.Time("expires_at", tok.ExpiresAt),
		logging.Duration("margin", margin))
	return tok, nil
}
