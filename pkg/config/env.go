package config

import (
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLATFORM_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// envOverrides maps variable names, without the prefix, to setters.
var envOverrides = map[string]func(c *Config, v string){
	"TOKEN_SECRET":           func(c *Config, v string) { c.Credentials.TokenSecret = v },
	"SUBJECT":                func(c *Config, v string) { c.Credentials.Subject = v },
	"WORKSPACE":              func(c *Config, v string) { c.Credentials.Workspace = v },
	"EXCHANGE_URL":           func(c *Config, v string) { c.Credentials.ExchangeURL = v },
	"ACCOUNT_SERVICE":        func(c *Config, v string) { c.Services.Account.URL = v },
	"KVS_SERVICE":            func(c *Config, v string) { c.Services.KVS.URL = v },
	"KVS_NAMESPACE":          func(c *Config, v string) { c.Services.KVSNamespace = v },
	"TRANSACTOR_SERVICE":     func(c *Config, v string) { c.Services.Transactor.URL = v },
	"LOG":                    func(c *Config, v string) { c.Logging.Level = v },
	"LOG_FORMAT":             func(c *Config, v string) { c.Logging.Format = v },
	"EXTERNAL_REGIONS":       func(c *Config, v string) { c.ExternalRegions = splitList(v) },
	"TRACING_ENDPOINT":       func(c *Config, v string) { c.Observability.Tracing.Endpoint = v },
	"TRACING_ENABLED":        func(c *Config, v string) { setBool(&c.Observability.Tracing.Enabled, v) },
	"METRICS_ENABLED":        func(c *Config, v string) { setBool(&c.Observability.MetricsEnabled, v) },
	"RETRY_MAX_ATTEMPTS":     func(c *Config, v string) { setInt(&c.Retry.MaxAttempts, v) },
	"SESSION_RECONNECTS":     func(c *Config, v string) { setInt(&c.Session.MaxReconnectAttempts, v) },
	"SESSION_AUTO_RECONNECT": func(c *Config, v string) { setBool(&c.Session.AutoReconnect, v) },
}

// ApplyEnv applies every PLATFORM_* variable lookup finds. Unparseable
// numbers and booleans are ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) {
	for name, set := range envOverrides {
		if v, ok := lookup(EnvPrefix + name); ok {
			set(c, v)
		}
	}
}

// splitList splits a comma separated value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func setBool(dst *bool, v string) {
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		*dst = b
	}
}

func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}
