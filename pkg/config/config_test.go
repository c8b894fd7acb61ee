package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/platform-client-go/pkg/credentials"
	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/ratelimit"
	"github.com/ajitpratap0/platform-client-go/pkg/transport"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://localhost:8080/account", cfg.Services.Account.URL)
	assert.Equal(t, transport.TransportTypeWebSocket, cfg.Services.Transactor.Transport)
	assert.True(t, cfg.Session.TokenInPath)
	assert.Equal(t, 5*time.Minute, cfg.Session.HeartbeatTimeout)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "client.yaml", `
credentials:
  token_secret: s3cret
  subject: user@example.com
  workspace: ws-1
  token:
    token_ttl: 30m
services:
  kvs:
    url: https://kvs.example.com
  kvs_namespace: tests
retry:
  max_attempts: 6
  initial_delay: 100ms
rate_limits:
  default:
    rate: 10
    burst: 5
  routes:
    kvs:
      rate: 2
      burst: 1
session:
  heartbeat_interval: 5s
  heartbeat_timeout: 1m
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Credentials.TokenSecret)
	assert.Equal(t, 30*time.Minute, cfg.Credentials.Token.TokenTTL)
	assert.Equal(t, time.Minute, cfg.Credentials.Token.SafetyMargin, "unset fields keep defaults")
	assert.Equal(t, "https://kvs.example.com", cfg.Services.KVS.URL)
	assert.Equal(t, "http://localhost:8080/account", cfg.Services.Account.URL)
	assert.Equal(t, "tests", cfg.Services.KVSNamespace)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 2.0, cfg.RateLimits.Routes["kvs"].Rate)
	assert.Equal(t, 5*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "client.toml", `
external_regions = ["eu", "us"]

[credentials]
token_secret = "toml-secret"
subject = "svc"

[services.transactor]
url = "wss://tx.example.com"
transport = "ws"

[session]
heartbeat_interval = "2s"
heartbeat_timeout = "30s"
max_reconnect_attempts = 9
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "toml-secret", cfg.Credentials.TokenSecret)
	assert.Equal(t, "wss://tx.example.com", cfg.Services.Transactor.URL)
	assert.Equal(t, 2*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 9, cfg.Session.MaxReconnectAttempts)
	assert.Equal(t, []string{"eu", "us"}, cfg.ExternalRegions)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "client.json", `{"logging": {"level": "warn", "format": "json"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "client.ini", "x=1"))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(writeFile(t, "client.yaml", "retry: [1, 2"))
	assert.ErrorContains(t, err, "failed to parse")

	_, err = Load(writeFile(t, "client.yaml", "services:\n  kvs:\n    url: ftp://kvs\n"))
	assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeInvalidParams), "got %v", err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PLATFORM_TOKEN_SECRET":       "from-env",
		"PLATFORM_ACCOUNT_SERVICE":    "https://account.example.com",
		"PLATFORM_LOG":                "error",
		"PLATFORM_EXTERNAL_REGIONS":   "eu, ,us",
		"PLATFORM_RETRY_MAX_ATTEMPTS": "7",
		"PLATFORM_METRICS_ENABLED":    "true",
		"PLATFORM_SESSION_RECONNECTS": "not-a-number",
		"UNRELATED":                   "ignored",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "from-env", cfg.Credentials.TokenSecret)
	assert.Equal(t, "https://account.example.com", cfg.Services.Account.URL)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, []string{"eu", "us"}, cfg.ExternalRegions)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Observability.MetricsEnabled)
	assert.Equal(t, 5, cfg.Session.MaxReconnectAttempts, "unparseable values are ignored")
}

func TestLoadAppliesEnvOverFile(t *testing.T) {
	t.Setenv("PLATFORM_KVS_NAMESPACE", "env-ns")
	path := writeFile(t, "client.yaml", "services:\n  kvs_namespace: file-ns\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-ns", cfg.Services.KVSNamespace)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		param  string
	}{
		{"bad scheme", func(c *Config) { c.Services.Account.URL = "ftp://x" }, "services.account.url"},
		{"no host", func(c *Config) { c.Services.KVS.URL = "http://" }, "services.kvs.url"},
		{"bad transport", func(c *Config) { c.Services.Transactor.Transport = "grpc" }, "services.transactor.transport"},
		{"jitter", func(c *Config) { c.Retry.Jitter = 2 }, "retry.jitter"},
		{"burst", func(c *Config) { c.RateLimits.Routes = map[string]ratelimit.RouteLimit{"kvs": {Rate: 1}} }, "rate_limits.routes.kvs.burst"},
		{"heartbeat", func(c *Config) { c.Session.HeartbeatTimeout = c.Session.HeartbeatInterval }, "session.heartbeat_timeout"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"backend", func(c *Config) { c.Logging.Backend = "syslog" }, "logging.backend"},
		{"sample rate", func(c *Config) { c.Observability.Tracing.SampleRate = 1.5 }, "observability.tracing.sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.param)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Retry.Jitter = -1
	cfg.Logging.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry.jitter")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Credentials.Subject = "svc"
	cfg.Credentials.Workspace = "ws-9"
	cfg.Credentials.Claims = map[string]string{"role": "reader"}

	cred := cfg.Credential()
	assert.Equal(t, []byte("secret"), cred.Secret)
	assert.Equal(t, "ws-9", cred.Claims["workspace"])
	assert.Equal(t, "reader", cred.Claims["role"])
	require.NoError(t, cred.Validate())

	assert.IsType(t, credentials.SelfSigned{}, cfg.Exchanger(nil))
	cfg.Credentials.ExchangeURL = "https://id.example.com/token"
	assert.IsType(t, &credentials.HTTPExchanger{}, cfg.Exchanger(nil))

	s := cfg.SessionConfig("ws://tx", "transactor")
	assert.Equal(t, "ws://tx", s.URL)
	assert.Equal(t, "transactor", s.Name)
	assert.Equal(t, cfg.Session.HeartbeatInterval, s.HeartbeatInterval)

	assert.Equal(t, cfg.Retry.MaxAttempts, cfg.RetryPolicy().Config().MaxAttempts)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "json"
	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)
	logger.Info("hello")
	assert.Contains(t, buf.String(), `"hello"`)

	cfg.Logging.Level = "loud"
	_, err = cfg.Logger(&buf)
	assert.Error(t, err)

	cfg.Logging.Level = "info"
	cfg.Logging.Backend = "zap"
	logger, err = cfg.Logger(nil)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
