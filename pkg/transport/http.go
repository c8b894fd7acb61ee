package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
	"github.com/ajitpratap0/platform-client-go/pkg/observability"
	"github.com/ajitpratap0/platform-client-go/pkg/retry"
)

// HTTPRequest is one logical HTTP call. Body is resent on every attempt.
type HTTPRequest struct {
	// Route selects the rate-limit bucket and labels telemetry. It defaults
	// to the URL host.
	Route       string
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	ContentType string
	// Idempotent allows retrying failures whose delivery is unknown.
	Idempotent bool
	// Anonymous requests carry no bearer token.
	Anonymous bool
	// Tokens replaces the pipeline's token source for this request.
	Tokens TokenSource
}

// HTTPResponse is a successful (2xx) reply.
type HTTPResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// DecodeJSON unmarshals the body into v.
func (r *HTTPResponse) DecodeJSON(v interface{}) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return sdkerrors.MalformedFrame(io.ErrUnexpectedEOF)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return sdkerrors.MalformedFrame(err)
	}
	return nil
}

// HTTPOption configures an HTTPPipeline.
type HTTPOption func(*HTTPPipeline)

// WithTokenSource attaches bearer tokens and enables refresh on 401.
func WithTokenSource(tokens TokenSource) HTTPOption {
	return func(p *HTTPPipeline) {
		p.tokens = tokens
	}
}

// WithAdmitter gates every attempt through a rate limiter.
func WithAdmitter(a Admitter) HTTPOption {
	return func(p *HTTPPipeline) {
		p.admitter = a
	}
}

// WithPolicy sets the retry policy.
func WithPolicy(policy *retry.Policy) HTTPOption {
	return func(p *HTTPPipeline) {
		p.policy = policy
	}
}

// WithRecorder sets the telemetry recorder.
func WithRecorder(r observability.Recorder) HTTPOption {
	return func(p *HTTPPipeline) {
		p.recorder = r
	}
}

// WithHTTPLogger sets the pipeline's logger.
func WithHTTPLogger(l logging.Logger) HTTPOption {
	return func(p *HTTPPipeline) {
		p.logger = logging.OrNop(l)
	}
}

// WithRoundTripper replaces the base round tripper under the middleware.
func WithRoundTripper(rt http.RoundTripper) HTTPOption {
	return func(p *HTTPPipeline) {
		p.base = rt
	}
}

// WithMiddleware appends middleware inside the built-in chain, just before
// the request reaches the wire.
func WithMiddleware(m ...Middleware) HTTPOption {
	return func(p *HTTPPipeline) {
		p.extra = append(p.extra, m...)
	}
}

// WithPropagator sets the trace propagator. The default is the global one.
func WithPropagator(prop propagation.TextMapPropagator) HTTPOption {
	return func(p *HTTPPipeline) {
		p.propagator = prop
	}
}

// HTTPPipeline runs logical HTTP requests as a series of attempts. Each
// attempt attaches the current bearer, is admitted by the rate limiter, is
// sent, and then the retry policy decides what happens next.
type HTTPPipeline struct {
	config     HTTPConfig
	client     *http.Client
	base       http.RoundTripper
	tokens     TokenSource
	admitter   Admitter
	policy     *retry.Policy
	recorder   observability.Recorder
	logger     logging.Logger
	extra      []Middleware
	propagator propagation.TextMapPropagator

	mu       sync.Mutex
	breakers map[string]*retry.Breaker
}

// NewHTTPPipeline creates a pipeline.
func NewHTTPPipeline(config HTTPConfig, opts ...HTTPOption) *HTTPPipeline {
	p := &HTTPPipeline{
		config:   config.normalized(),
		recorder: observability.Nop(),
		logger:   logging.Nop(),
		breakers: make(map[string]*retry.Breaker),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.policy == nil {
		p.policy = retry.New(retry.DefaultConfig())
	}
	if p.base == nil {
		p.base = &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			MaxIdleConns:      p.config.MaxIdleConns,
			IdleConnTimeout:   p.config.IdleConnTimeout,
			ForceAttemptHTTP2: true,
		}
	}
	p.logger = p.logger.WithFields(logging.Component("http"))

	chain := []Middleware{RequestIDMiddleware(), TracePropagationMiddleware(p.propagator), BearerMiddleware(p.tokens)}
	if p.admitter != nil {
		chain = append(chain, AdmitMiddleware(p.admitter))
	}
	chain = append(chain, p.extra...)

	p.client = &http.Client{Transport: ChainMiddleware(chain...).Wrap(p.base)}
	return p
}

// Send performs req, retrying as the policy allows. The returned error is a
// ClientError annotated with the route, method and final attempt number.
func (p *HTTPPipeline) Send(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	if req == nil || req.URL == "" {
		return nil, sdkerrors.InvalidArgument("url", "request url is required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	route := req.Route
	if route == "" {
		if u, err := url.Parse(req.URL); err == nil {
			route = u.Host
		}
	}

	ctx, requestID := logging.EnsureRequestID(ctx)
	ctx = logging.ContextWithRoute(ctx, route)
	logger := p.logger.WithContext(ctx)
	tracker := p.policy.Start(req.Idempotent)
	breaker := p.breakerFor(route)
	tokens := req.Tokens
	if tokens == nil {
		tokens = p.tokens
	}

	for {
		attempt := tracker.Begin()
		info := &attemptInfo{route: route, anonymous: req.Anonymous, tokens: req.Tokens}

		start := time.Now()
		var (
			resp *HTTPResponse
			err  error
		)
		if breaker != nil && !breaker.Allow() {
			err = sdkerrors.NewErrorf(sdkerrors.CodeServerUnavailable, sdkerrors.CategoryTransport,
				sdkerrors.SeverityWarning, "circuit open for route %s", route).WithRetryable(false)
		} else {
			resp, err = p.attempt(ctx, method, req, info)
			if breaker != nil {
				breaker.Record(retry.Classify(err))
			}
		}

		var d retry.Decision
		if err != nil {
			d = tracker.Next(err)
			if d.RefreshToken && (req.Anonymous || tokens == nil) {
				d = retry.Decision{Class: retry.ClassFatal, Reason: "no token to refresh"}
			}
		}

		status := sdkerrors.StatusCode(err)
		if resp != nil {
			status = resp.Status
		}
		p.recorder.Record(ctx, observability.Event{
			Kind:      observability.KindHTTP,
			Route:     route,
			Method:    method,
			RequestID: requestID,
			Attempt:   attempt,
			Outcome:   observability.OutcomeFor(err, d),
			Status:    status,
			Latency:   time.Since(start),
			Err:       err,
			Time:      time.Now(),
		})

		if err == nil {
			return resp, nil
		}
		if !d.Retry {
			logger.Debug("giving up", logging.Int("attempt", attempt), logging.String("reason", d.Reason))
			return nil, p.annotate(err, route, method, requestID, attempt)
		}

		if d.RefreshToken {
			logger.Info("token rejected, refreshing", logging.Int("attempt", attempt))
			if _, rerr := tokens.Refresh(ctx, info.token); rerr != nil {
				return nil, p.annotate(rerr, route, method, requestID, attempt)
			}
			continue
		}

		logger.Info("retrying request",
			logging.Int("attempt", attempt),
			logging.Duration("delay", d.Delay),
			logging.ErrorField(err))
		if werr := sleep(ctx, d.Delay); werr != nil {
			return nil, p.annotate(sdkerrors.FromContext(werr, route+" "+method), route, method, requestID, attempt)
		}
	}
}

func (p *HTTPPipeline) attempt(ctx context.Context, method string, req *HTTPRequest, info *attemptInfo) (*HTTPResponse, error) {
	actx, cancel := context.WithTimeout(withAttempt(ctx, info), p.config.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(actx, method, req.URL, body)
	if err != nil {
		return nil, sdkerrors.InvalidArgument("url", err.Error())
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		hreq.Header.Set("Content-Type", req.ContentType)
	} else if req.Body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}
	hreq.Header.Set("User-Agent", p.config.UserAgent)

	resp, err := p.client.Do(hreq)
	if err != nil {
		return nil, p.classify(ctx, actx, req.URL, info.route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, sdkerrors.FromContext(ctx.Err(), info.route+" "+method)
		}
		return nil, sdkerrors.ConnectionLost("http", req.URL, err)
	}
	p.logRateLimit(ctx, resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, sdkerrors.HTTPStatus(info.route, req.URL, resp.StatusCode, retryAfter, string(raw))
	}
	return &HTTPResponse{Status: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// classify maps a client.Do failure. Errors raised by middleware are already
// ClientErrors. A failed dial sent nothing; anything later is ambiguous.
func (p *HTTPPipeline) classify(ctx, actx context.Context, rawURL, route string, err error) error {
	if ce, ok := sdkerrors.AsClientError(err); ok {
		return ce
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return sdkerrors.FromContext(ctxErr, route)
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return sdkerrors.ConnectionTimeout("http", rawURL, p.config.Timeout).WithAmbiguous(true)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return sdkerrors.ConnectionFailed("http", rawURL, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return sdkerrors.ConnectionFailed("http", rawURL, err)
	}
	return sdkerrors.TransportFailure("http", route, err).WithAmbiguous(true)
}

func (p *HTTPPipeline) annotate(err error, route, method, requestID string, attempt int) error {
	return sdkerrors.Annotate(err, &sdkerrors.Context{
		RequestID: requestID,
		Route:     route,
		Method:    method,
		Attempt:   attempt,
		Component: "http",
		Timestamp: time.Now(),
	})
}

func (p *HTTPPipeline) breakerFor(route string) *retry.Breaker {
	if !p.config.Breaker.Enabled {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[route]
	if !ok {
		b = retry.NewBreaker(p.config.Breaker)
		p.breakers[route] = b
	}
	return b
}

// BreakerState returns the circuit state of route, or closed when breakers
// are disabled.
func (p *HTTPPipeline) BreakerState(route string) retry.BreakerState {
	if b := p.breakerFor(route); b != nil {
		return b.State()
	}
	return retry.BreakerClosed
}

func (p *HTTPPipeline) logRateLimit(ctx context.Context, h http.Header) {
	remaining := h.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	fields := []logging.Field{logging.String("remaining", remaining)}
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		fields = append(fields, logging.String("limit", v))
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		fields = append(fields, logging.String("reset", v))
	}
	p.logger.WithContext(ctx).Debug("server rate limit", fields...)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// String renders a request for logs without its body.
func (r *HTTPRequest) String() string {
	return fmt.Sprintf("%s %s [%s]", r.Method, r.URL, r.Route)
}
