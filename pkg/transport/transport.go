package transport

import (
	"context"
	"time"

	"github.com/ajitpratap0/platform-client-go/pkg/retry"
)

// TokenSource supplies bearer tokens. Refresh is called with the token a
// server rejected and returns its replacement.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, rejected string) (string, error)
}

// Admitter gates outbound attempts per route.
type Admitter interface {
	Admit(ctx context.Context, route string) error
}

// AdmitterFunc adapts a function to the Admitter interface.
type AdmitterFunc func(ctx context.Context, route string) error

func (f AdmitterFunc) Admit(ctx context.Context, route string) error {
	return f(ctx, route)
}

// TransportType identifies the wire used for an endpoint.
type TransportType string

const (
	TransportTypeHTTP      TransportType = "http"
	TransportTypeWebSocket TransportType = "ws"
)

// HTTPConfig configures an HTTPPipeline.
type HTTPConfig struct {
	// Timeout bounds a single attempt, including reading the body.
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	// MaxIdleConns and IdleConnTimeout tune the underlying connection pool.
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	IdleConnTimeout time.Duration `json:"idle_conn_timeout" yaml:"idle_conn_timeout" toml:"idle_conn_timeout"`
	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	UserAgent    string `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
	// Breaker enables a per-route circuit breaker in front of the wire.
	Breaker retry.BreakerConfig `json:"breaker" yaml:"breaker" toml:"breaker"`
}

// DefaultHTTPConfig returns the defaults used for zero fields.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:         30 * time.Second,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		MaxBodyBytes:    16 << 20,
		UserAgent:       "platform-client-go",
	}
}

func (c HTTPConfig) normalized() HTTPConfig {
	d := DefaultHTTPConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = d.IdleConnTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return c
}

// SessionConfig configures a WebSocket Session.
type SessionConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `json:"url" yaml:"url" toml:"url"`
	// Name labels logs and metrics; it defaults to the URL host.
	Name string `json:"name" yaml:"name" toml:"name"`
	// TokenInPath appends the bearer token as the last path segment of URL,
	// which is how transactor endpoints identify the workspace.
	TokenInPath bool `json:"token_in_path" yaml:"token_in_path" toml:"token_in_path"`

	HandshakeTimeout  time.Duration `json:"handshake_timeout" yaml:"handshake_timeout" toml:"handshake_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	DrainTimeout      time.Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`

	AutoReconnect        bool `json:"auto_reconnect" yaml:"auto_reconnect" toml:"auto_reconnect"`
	MaxReconnectAttempts int  `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`

	SendQueueSize int `json:"send_queue_size" yaml:"send_queue_size" toml:"send_queue_size"`
	EventBuffer   int `json:"event_buffer" yaml:"event_buffer" toml:"event_buffer"`
}

// DefaultSessionConfig returns the defaults used for zero fields.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		HeartbeatTimeout:     5 * time.Minute,
		WriteTimeout:         10 * time.Second,
		DrainTimeout:         10 * time.Second,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		SendQueueSize:        64,
		EventBuffer:          128,
	}
}

func (c SessionConfig) normalized() SessionConfig {
	d := DefaultSessionConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
