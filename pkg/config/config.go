// Package config loads client configuration from YAML, TOML or JSON files
// and PLATFORM_* environment variables, and converts it into the settings
// each component takes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/platform-client-go/pkg/credentials"
	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
	"github.com/ajitpratap0/platform-client-go/pkg/observability"
	"github.com/ajitpratap0/platform-client-go/pkg/ratelimit"
	"github.com/ajitpratap0/platform-client-go/pkg/retry"
	"github.com/ajitpratap0/platform-client-go/pkg/transport"
)

// Config holds the complete client configuration.
type Config struct {
	Credentials   CredentialsConfig       `json:"credentials" yaml:"credentials" toml:"credentials"`
	Services      ServicesConfig          `json:"services" yaml:"services" toml:"services"`
	RateLimits    ratelimit.Config        `json:"rate_limits" yaml:"rate_limits" toml:"rate_limits"`
	Retry         retry.Config            `json:"retry" yaml:"retry" toml:"retry"`
	HTTP          transport.HTTPConfig    `json:"http" yaml:"http" toml:"http"`
	Session       transport.SessionConfig `json:"session" yaml:"session" toml:"session"`
	Logging       LoggingConfig           `json:"logging" yaml:"logging" toml:"logging"`
	Observability ObservabilityConfig     `json:"observability" yaml:"observability" toml:"observability"`

	// ExternalRegions lists regions served by other deployments.
	ExternalRegions []string `json:"external_regions" yaml:"external_regions" toml:"external_regions"`
}

// CredentialsConfig holds the material the credential store signs with.
type CredentialsConfig struct {
	// TokenSecret is the shared HS256 secret.
	TokenSecret string            `json:"token_secret" yaml:"token_secret" toml:"token_secret"`
	Issuer      string            `json:"issuer" yaml:"issuer" toml:"issuer"`
	Subject     string            `json:"subject" yaml:"subject" toml:"subject"`
	Audience    []string          `json:"audience" yaml:"audience" toml:"audience"`
	KeyID       string            `json:"key_id" yaml:"key_id" toml:"key_id"`
	Workspace   string            `json:"workspace" yaml:"workspace" toml:"workspace"`
	Claims      map[string]string `json:"claims" yaml:"claims" toml:"claims"`
	// ExchangeURL is the identity endpoint. When empty the signed assertion
	// is used as the bearer token directly.
	ExchangeURL string             `json:"exchange_url" yaml:"exchange_url" toml:"exchange_url"`
	Token       credentials.Config `json:"token" yaml:"token" toml:"token"`
}

// ServiceEndpoint locates one backend service.
type ServiceEndpoint struct {
	URL       string                  `json:"url" yaml:"url" toml:"url"`
	Transport transport.TransportType `json:"transport" yaml:"transport" toml:"transport"`
}

// ServicesConfig holds the backend service endpoints.
type ServicesConfig struct {
	Account    ServiceEndpoint `json:"account" yaml:"account" toml:"account"`
	KVS        ServiceEndpoint `json:"kvs" yaml:"kvs" toml:"kvs"`
	Transactor ServiceEndpoint `json:"transactor" yaml:"transactor" toml:"transactor"`
	// KVSNamespace prefixes every key-value path.
	KVSNamespace string `json:"kvs_namespace" yaml:"kvs_namespace" toml:"kvs_namespace"`
}

// LoggingConfig selects the logger.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" toml:"level"`
	// Format is "text" or "json" for the built-in backend.
	Format string `json:"format" yaml:"format" toml:"format"`
	// Backend is "builtin" or "zap".
	Backend string `json:"backend" yaml:"backend" toml:"backend"`
}

// ObservabilityConfig selects the telemetry sinks.
type ObservabilityConfig struct {
	// LogAttempts writes one debug entry per attempt.
	LogAttempts    bool                        `json:"log_attempts" yaml:"log_attempts" toml:"log_attempts"`
	MetricsEnabled bool                        `json:"metrics_enabled" yaml:"metrics_enabled" toml:"metrics_enabled"`
	Metrics        observability.MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`
	Tracing        observability.TracingConfig `json:"tracing" yaml:"tracing" toml:"tracing"`
}

// Default returns a configuration pointing at a local development stack.
func Default() *Config {
	session := transport.DefaultSessionConfig()
	session.TokenInPath = true
	return &Config{
		Credentials: CredentialsConfig{
			TokenSecret: "secret",
			Token:       credentials.DefaultConfig(),
		},
		Services: ServicesConfig{
			Account:      ServiceEndpoint{URL: "http://localhost:8080/account", Transport: transport.TransportTypeHTTP},
			KVS:          ServiceEndpoint{URL: "http://localhost:8094", Transport: transport.TransportTypeHTTP},
			Transactor:   ServiceEndpoint{URL: "ws://localhost:3333", Transport: transport.TransportTypeWebSocket},
			KVSNamespace: "platform",
		},
		RateLimits: ratelimit.DefaultConfig(),
		Retry:      retry.DefaultConfig(),
		HTTP:       transport.DefaultHTTPConfig(),
		Session:    session,
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Backend: "builtin",
		},
		Observability: ObservabilityConfig{
			Metrics: observability.MetricsConfig{Namespace: "platform_client"},
			Tracing: observability.TracingConfig{
				ServiceName:  "platform-client",
				ExporterType: observability.ExporterTypeNoop,
				SampleRate:   1.0,
			},
		},
	}
}

// Load reads path over the defaults, applies PLATFORM_* overrides and
// validates the result. The format is chosen by extension.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := cfg.decode(filepath.Ext(path), data); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by PLATFORM_CONFIG, or the defaults with
// environment overrides when it is unset.
func LoadFromEnv() (*Config, error) {
	if path, ok := os.LookupEnv(EnvPrefix + "CONFIG"); ok && path != "" {
		return Load(path)
	}
	cfg := Default()
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".toml":
		_, err := toml.Decode(string(data), c)
		return err
	case ".json":
		return json.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

// Validate checks URLs, transports and numeric ranges. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	for name, ep := range map[string]ServiceEndpoint{
		"services.account":    c.Services.Account,
		"services.kvs":        c.Services.KVS,
		"services.transactor": c.Services.Transactor,
	} {
		if err := validateEndpoint(name, ep); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Credentials.ExchangeURL != "" {
		if err := validateURL("credentials.exchange_url", c.Credentials.ExchangeURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Credentials.Token.SafetyMargin < 0 || c.Credentials.Token.TokenTTL < 0 {
		errs = append(errs, sdkerrors.InvalidArgument("credentials.token", "durations must not be negative"))
	}

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, sdkerrors.InvalidArgument("retry.max_attempts", "must not be negative"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, sdkerrors.InvalidArgument("retry.jitter", "must be between 0 and 1"))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, sdkerrors.InvalidArgument("retry.multiplier", "must be at least 1"))
	}

	if err := validateLimit("rate_limits.default", c.RateLimits.Default); err != nil {
		errs = append(errs, err)
	}
	for route, l := range c.RateLimits.Routes {
		if err := validateLimit("rate_limits.routes."+route, l); err != nil {
			errs = append(errs, err)
		}
	}

	s := c.Session
	if s.HeartbeatInterval > 0 && s.HeartbeatTimeout > 0 && s.HeartbeatTimeout <= s.HeartbeatInterval {
		errs = append(errs, sdkerrors.InvalidArgument("session.heartbeat_timeout", "must exceed heartbeat_interval"))
	}
	if s.MaxReconnectAttempts < 0 {
		errs = append(errs, sdkerrors.InvalidArgument("session.max_reconnect_attempts", "must not be negative"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, sdkerrors.InvalidArgument("logging.level", err.Error()))
	}
	switch c.Logging.Backend {
	case "", "builtin", "zap":
	default:
		errs = append(errs, sdkerrors.InvalidArgument("logging.backend", fmt.Sprintf("unknown backend %q", c.Logging.Backend)))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, sdkerrors.InvalidArgument("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format)))
	}

	if r := c.Observability.Tracing.SampleRate; r < 0 || r > 1 {
		errs = append(errs, sdkerrors.InvalidArgument("observability.tracing.sample_rate", "must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

func validateEndpoint(name string, ep ServiceEndpoint) error {
	if ep.URL == "" {
		return nil
	}
	switch ep.Transport {
	case "", transport.TransportTypeHTTP:
		return validateURL(name+".url", ep.URL, "http", "https", "ws", "wss")
	case transport.TransportTypeWebSocket:
		return validateURL(name+".url", ep.URL, "ws", "wss", "http", "https")
	default:
		return sdkerrors.InvalidArgument(name+".transport", fmt.Sprintf("unknown transport %q", ep.Transport))
	}
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return sdkerrors.InvalidArgument(name, err.Error())
	}
	if u.Host == "" {
		return sdkerrors.InvalidArgument(name, "host is required")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return sdkerrors.InvalidArgument(name, fmt.Sprintf("unsupported scheme %q", u.Scheme))
}

func validateLimit(name string, l ratelimit.RouteLimit) error {
	if l.Unlimited() {
		return nil
	}
	if l.Burst < 1 {
		return sdkerrors.InvalidArgument(name+".burst", "must be at least 1 when rate is set")
	}
	return nil
}
