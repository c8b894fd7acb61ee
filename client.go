package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ajitpratap0/platform-client-go/pkg/config"
	"github.com/ajitpratap0/platform-client-go/pkg/credentials"
	"github.com/ajitpratap0/platform-client-go/pkg/dispatcher"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
	"github.com/ajitpratap0/platform-client-go/pkg/observability"
	"github.com/ajitpratap0/platform-client-go/pkg/ratelimit"
	"github.com/ajitpratap0/platform-client-go/pkg/services"
	"github.com/ajitpratap0/platform-client-go/pkg/transport"
)

// Version represents the current version of the client
const Version = "0.3.0"

// Option configures a Client.
type Option func(*options)

type options struct {
	logger       logging.Logger
	registerer   prometheus.Registerer
	roundTripper http.RoundTripper
	dialer       transport.Dialer
	exchanger    credentials.Exchanger
}

// WithLogger replaces the logger built from the logging configuration.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer registers the client's metrics on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithRoundTripper replaces the HTTP transport underneath the pipeline.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(o *options) {
		o.roundTripper = rt
	}
}

// WithDialer replaces the WebSocket dialer used by sessions.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithExchanger replaces the token exchanger selected by the configuration.
func WithExchanger(e credentials.Exchanger) Option {
	return func(o *options) {
		o.exchanger = e
	}
}

// Client wires the credential store, the HTTP pipeline and the session
// dispatcher together and exposes the service clients built on them.
type Client struct {
	config     *config.Config
	logger     logging.Logger
	store      *credentials.Store
	limiter    *ratelimit.Limiter
	pipeline   *transport.HTTPPipeline
	dispatcher *dispatcher.Dispatcher
	metrics    *observability.MetricsRecorder
	tracing    *observability.TracingProvider

	account *services.AccountClient
	kvs     *services.KVSClient

	stopSweep context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New builds a client from cfg. A nil cfg uses config.Default.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		l, err := cfg.Logger(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
	}

	c := &Client{config: cfg, logger: logger}

	recorders := []observability.Recorder{}
	if cfg.Observability.LogAttempts {
		recorders = append(recorders, observability.NewLogRecorder(logger))
	}
	if cfg.Observability.MetricsEnabled {
		m, err := observability.NewMetricsRecorder(cfg.Observability.Metrics, o.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		c.metrics = m
		recorders = append(recorders, m)
	}
	if cfg.Observability.Tracing.Enabled {
		tp, err := observability.NewTracingProvider(cfg.Observability.Tracing)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracing provider: %w", err)
		}
		c.tracing = tp
		recorders = append(recorders, observability.NewTracingRecorder(tp.TracerProvider()))
	}
	recorder := observability.Multi(recorders...)

	exchanger := o.exchanger
	if exchanger == nil {
		exchanger = cfg.Exchanger(&http.Client{Timeout: cfg.Credentials.Token.ExchangeTimeout})
	}
	store, err := credentials.NewStore(cfg.Credential(), cfg.Credentials.Token,
		credentials.WithExchanger(exchanger),
		credentials.WithLogger(logger),
	)
	if err != nil {
		c.shutdownTracing()
		return nil, err
	}
	c.store = store

	c.limiter = ratelimit.New(cfg.RateLimits, ratelimit.WithLogger(logger))
	sweepCtx, cancel := context.WithCancel(context.Background())
	c.stopSweep = cancel
	c.limiter.Start(sweepCtx)

	policy := cfg.RetryPolicy()

	httpOpts := []transport.HTTPOption{
		transport.WithTokenSource(store),
		transport.WithAdmitter(c.limiter),
		transport.WithPolicy(policy),
		transport.WithRecorder(recorder),
		transport.WithHTTPLogger(logger),
	}
	if o.roundTripper != nil {
		httpOpts = append(httpOpts, transport.WithRoundTripper(o.roundTripper))
	}
	if c.tracing != nil {
		httpOpts = append(httpOpts, transport.WithPropagator(c.tracing.Propagator()))
	}
	c.pipeline = transport.NewHTTPPipeline(cfg.HTTP, httpOpts...)

	sessionOpts := []transport.SessionOption{
		transport.WithSessionTokens(store),
		transport.WithSessionPolicy(policy),
		transport.WithSessionRecorder(recorder),
		transport.WithSessionLogger(logger),
	}
	if c.metrics != nil {
		sessionOpts = append(sessionOpts, transport.WithSessionMetrics(c.metrics))
	}
	if o.dialer != nil {
		sessionOpts = append(sessionOpts, transport.WithDialer(o.dialer))
	}
	c.dispatcher = dispatcher.New(c.pipeline,
		dispatcher.WithSessionTemplate(cfg.Session),
		dispatcher.WithSessionOptions(sessionOpts...),
		dispatcher.WithLogger(logger),
	)

	c.account = services.NewAccountClient(c.dispatcher, endpoint("account", cfg.Services.Account))
	c.kvs, err = services.NewKVSClient(c.pipeline, cfg.Services.KVS.URL, cfg.Services.KVSNamespace, logger)
	if err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}

	logger.Info("Client created",
		logging.String("account", cfg.Services.Account.URL),
		logging.String("kvs", cfg.Services.KVS.URL),
		logging.Bool("metrics", c.metrics != nil),
		logging.Bool("tracing", c.tracing != nil))
	return c, nil
}

// NewFromFile loads the configuration at path and builds a client.
func NewFromFile(path string, opts ...Option) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

func endpoint(name string, se config.ServiceEndpoint) dispatcher.Endpoint {
	kind := se.Transport
	if kind == "" {
		kind = dispatcher.KindHTTP
	}
	return dispatcher.Endpoint{Name: name, BaseURL: se.URL, Kind: kind}
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config { return c.config }

// Logger returns the client's logger.
func (c *Client) Logger() logging.Logger { return c.logger }

// Credentials returns the token store shared by every transport.
func (c *Client) Credentials() *credentials.Store { return c.store }

// Limiter returns the per-route rate limiter.
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// Pipeline returns the HTTP pipeline.
func (c *Client) Pipeline() *transport.HTTPPipeline { return c.pipeline }

// Dispatcher returns the endpoint dispatcher.
func (c *Client) Dispatcher() *dispatcher.Dispatcher { return c.dispatcher }

// Metrics returns the Prometheus recorder, or nil when metrics are disabled.
func (c *Client) Metrics() *observability.MetricsRecorder { return c.metrics }

// Account returns the account service client.
func (c *Client) Account() *services.AccountClient { return c.account }

// KVS returns the key-value service client.
func (c *Client) KVS() *services.KVSClient { return c.kvs }

// Transactor returns a client for workspace on the transactor at url. An
// empty url uses the configured transactor endpoint. The transport is taken
// from the url scheme: http and https use the REST API, anything else a
// WebSocket session.
//
// The configured endpoint shares the session named "transactor"; any other
// url gets its own session named after the workspace.
func (c *Client) Transactor(url, workspace string) *services.TransactorClient {
	return c.transactor(url, workspace, nil)
}

func (c *Client) transactor(url, workspace string, tokens transport.TokenSource) *services.TransactorClient {
	se := c.config.Services.Transactor
	name := "transactor"
	if url != "" && url != se.URL {
		se = config.ServiceEndpoint{URL: url, Transport: transportFor(url)}
	}
	if se.URL != c.config.Services.Transactor.URL || tokens != nil {
		name = "transactor-" + workspace
	}
	ep := endpoint(name, se)
	ep.Tokens = tokens
	return services.NewTransactorClient(c.dispatcher, ep, workspace)
}

// TransactorFor selects the workspace with the given url through the
// account service and returns a client for the transactor endpoint it
// reports, authenticated with the workspace token it issued.
func (c *Client) TransactorFor(ctx context.Context, workspaceURL string) (*services.TransactorClient, *services.WorkspaceLoginInfo, error) {
	info, err := c.account.SelectWorkspace(ctx, services.SelectWorkspaceParams{
		WorkspaceURL:    workspaceURL,
		ExternalRegions: c.config.ExternalRegions,
	})
	if err != nil {
		return nil, nil, err
	}
	var tokens transport.TokenSource
	if info.Token != "" {
		tokens = credentials.Static(info.Token)
	}
	return c.transactor(info.Endpoint, info.Workspace, tokens), info, nil
}

func transportFor(url string) transport.TransportType {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return transport.TransportTypeHTTP
	}
	return transport.TransportTypeWebSocket
}

// Close closes every session, stops the limiter sweeper and flushes traces.
// It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.dispatcher != nil {
			errs = append(errs, c.dispatcher.Close(ctx))
		}
		if c.stopSweep != nil {
			c.stopSweep()
		}
		errs = append(errs, c.shutdownTracingCtx(ctx))
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *Client) shutdownTracing() {
	_ = c.shutdownTracingCtx(context.Background())
}

func (c *Client) shutdownTracingCtx(ctx context.Context) error {
	if c.tracing == nil {
		return nil
	}
	return c.tracing.Shutdown(ctx)
}
