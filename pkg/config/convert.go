package config

import (
	"io"
	"net/http"

	"github.com/ajitpratap0/platform-client-go/pkg/credentials"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
	"github.com/ajitpratap0/platform-client-go/pkg/retry"
	"github.com/ajitpratap0/platform-client-go/pkg/transport"
)

// Credential builds the signing credential. A configured workspace is added
// as the "workspace" claim.
func (c *Config) Credential() credentials.Credential {
	cc := c.Credentials
	claims := make(map[string]interface{}, len(cc.Claims)+1)
	for k, v := range cc.Claims {
		claims[k] = v
	}
	if cc.Workspace != "" {
		claims["workspace"] = cc.Workspace
	}
	return credentials.Credential{
		Secret:   []byte(cc.TokenSecret),
		Issuer:   cc.Issuer,
		Subject:  cc.Subject,
		Audience: cc.Audience,
		KeyID:    cc.KeyID,
		Claims:   claims,
	}
}

// Exchanger returns the HTTP exchanger when an exchange URL is configured
// and the self-signed one otherwise.
func (c *Config) Exchanger(client *http.Client) credentials.Exchanger {
	if c.Credentials.ExchangeURL == "" {
		return credentials.SelfSigned{}
	}
	return &credentials.HTTPExchanger{URL: c.Credentials.ExchangeURL, Client: client}
}

// RetryPolicy builds the retry policy.
func (c *Config) RetryPolicy(opts ...retry.Option) *retry.Policy {
	return retry.New(c.Retry, opts...)
}

// SessionConfig returns the session template for one endpoint.
func (c *Config) SessionConfig(url, name string) transport.SessionConfig {
	s := c.Session
	s.URL = url
	s.Name = name
	return s
}

// Logger builds the configured logger. out is used by the built-in backend
// and defaults to stderr.
func (c *Config) Logger(out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	if c.Logging.Backend == "zap" {
		return logging.NewZapProduction(level)
	}

	var formatter logging.Formatter = logging.NewTextFormatter()
	if c.Logging.Format == "json" {
		formatter = logging.NewJSONFormatter()
	}
	logger := logging.New(out, formatter)
	logger.SetLevel(level)
	return logger, nil
}
