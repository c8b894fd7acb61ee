// Package dispatcher routes logical calls to backend endpoints. HTTP
// endpoints are called through the request pipeline; WebSocket endpoints get
// one lazily opened session each, shared by every caller.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
	"github.com/ajitpratap0/platform-client-go/pkg/transport"
)

// Kind selects how an endpoint is reached.
type Kind = transport.TransportType

const (
	KindHTTP      = transport.TransportTypeHTTP
	KindWebSocket = transport.TransportTypeWebSocket
)

// Endpoint names one backend service. Endpoints are compared by Name; two
// endpoints with the same name share a session.
type Endpoint struct {
	Name    string
	BaseURL string
	Kind    Kind
	// Tokens authenticates calls to this endpoint instead of the
	// dispatcher's token source. Workspace-scoped tokens are passed here.
	Tokens transport.TokenSource
}

func (e Endpoint) key() string {
	if e.Name != "" {
		return e.Name
	}
	if u, err := url.Parse(e.BaseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return e.BaseURL
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	deadline   time.Time
	timeout    time.Duration
	idempotent bool
}

// WithDeadline bounds the call by an absolute time.
func WithDeadline(t time.Time) CallOption {
	return func(o *callOptions) {
		o.deadline = t
	}
}

// WithTimeout bounds the call by a duration from now.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// Idempotent marks the call as safe to repeat when its delivery is unknown.
func Idempotent() CallOption {
	return func(o *callOptions) {
		o.idempotent = true
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSessionTemplate sets the settings every new session starts from. URL
// and Name are taken from the endpoint.
func WithSessionTemplate(cfg transport.SessionConfig) Option {
	return func(d *Dispatcher) {
		d.template = cfg
	}
}

// WithSessionOptions adds options applied to every new session.
func WithSessionOptions(opts ...transport.SessionOption) Option {
	return func(d *Dispatcher) {
		d.sessionOpts = append(d.sessionOpts, opts...)
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logging.OrNop(l)
	}
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	pipeline    *transport.HTTPPipeline
	template    transport.SessionConfig
	sessionOpts []transport.SessionOption
	logger      logging.Logger

	opening  singleflight.Group
	mu       sync.Mutex
	sessions map[string]*transport.Session
	closed   bool
}

// New creates a dispatcher. pipeline serves HTTP endpoints; a nil pipeline
// gets one with default settings.
func New(pipeline *transport.HTTPPipeline, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pipeline: pipeline,
		template: transport.DefaultSessionConfig(),
		logger:   logging.Nop(),
		sessions: make(map[string]*transport.Session),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pipeline == nil {
		d.pipeline = transport.NewHTTPPipeline(transport.HTTPConfig{})
	}
	d.logger = d.logger.WithFields(logging.Component("dispatcher"))
	return d
}

// Pipeline returns the HTTP pipeline used for HTTP endpoints.
func (d *Dispatcher) Pipeline() *transport.HTTPPipeline {
	return d.pipeline
}

// Call invokes method on ep and returns the raw result. Every failure is a
// ClientError; an elapsed deadline is reported as a timeout whichever
// transport was used.
func (d *Dispatcher) Call(ctx context.Context, ep Endpoint, method string, params interface{}, opts ...CallOption) (json.RawMessage, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if method == "" {
		return nil, sdkerrors.InvalidArgument("method", "method is required")
	}

	var cancel context.CancelFunc
	if !o.deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, o.deadline)
		defer cancel()
	}
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	start := time.Now()

	var (
		result json.RawMessage
		err    error
	)
	switch ep.Kind {
	case KindHTTP, "":
		result, err = d.callHTTP(ctx, ep, method, params, o.idempotent)
	case KindWebSocket:
		result, err = d.callWS(ctx, ep, method, params)
	default:
		return nil, sdkerrors.InvalidArgument("endpoint.kind", "unknown kind "+string(ep.Kind))
	}

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !sdkerrors.IsCategory(err, sdkerrors.CategoryTimeout) {
		err = sdkerrors.Timeout(ep.key()+" "+method, time.Since(start))
	}
	return result, err
}

type rpcRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage   `json:"result"`
	Error  *sdkerrors.Status `json:"error"`
}

// callHTTP posts {method, params} to the endpoint and unwraps the
// {result} or {error} reply.
func (d *Dispatcher) callHTTP(ctx context.Context, ep Endpoint, method string, params interface{}, idempotent bool) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return nil, sdkerrors.InvalidArgument("params", err.Error())
	}

	resp, err := d.pipeline.Send(ctx, &transport.HTTPRequest{
		Route:      ep.key(),
		Method:     http.MethodPost,
		URL:        ep.BaseURL,
		Body:       body,
		Idempotent: idempotent,
		Tokens:     ep.Tokens,
	})
	if err != nil {
		return nil, err
	}

	var reply rpcResponse
	if err := resp.DecodeJSON(&reply); err != nil {
		return nil, err
	}
	hasResult := len(reply.Result) > 0 && string(reply.Result) != "null"
	switch {
	case reply.Error != nil && hasResult:
		return nil, sdkerrors.ProtocolViolation(sdkerrors.CodeMalformedFrame, "reply to "+method+" has both result and error")
	case reply.Error != nil:
		return nil, sdkerrors.ServiceStatus(method, reply.Error)
	case !hasResult:
		return json.RawMessage("null"), nil
	}
	return reply.Result, nil
}

func (d *Dispatcher) callWS(ctx context.Context, ep Endpoint, method string, params interface{}) (json.RawMessage, error) {
	s, err := d.session(ctx, ep)
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, method, params)
}

// Subscribe returns a subscription to ep's push events, opening its session
// if needed. Only WebSocket endpoints push events.
func (d *Dispatcher) Subscribe(ctx context.Context, ep Endpoint, buffer int) (*transport.Subscription, error) {
	if ep.Kind != KindWebSocket {
		return nil, sdkerrors.InvalidArgument("endpoint.kind", "push events need a websocket endpoint")
	}
	s, err := d.session(ctx, ep)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(buffer), nil
}

// Session returns the live session for ep, if one is open.
func (d *Dispatcher) Session(ep Endpoint) (*transport.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[ep.key()]
	if !ok || s.State() == transport.StateClosed {
		return nil, false
	}
	return s, true
}

// session returns the usable session for ep, opening one when there is none
// or the previous one has closed. Concurrent callers share a single open;
// each stops waiting when its own context ends.
func (d *Dispatcher) session(ctx context.Context, ep Endpoint) (*transport.Session, error) {
	key := ep.key()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, sdkerrors.SessionClosed(key, "dispatcher closed")
	}
	if s, ok := d.sessions[key]; ok && s.State() != transport.StateClosed {
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	ch := d.opening.DoChan(key, func() (interface{}, error) {
		return d.open(context.WithoutCancel(ctx), ep)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*transport.Session), nil
	case <-ctx.Done():
		return nil, sdkerrors.FromContext(ctx.Err(), "open session "+key)
	}
}

func (d *Dispatcher) open(ctx context.Context, ep Endpoint) (*transport.Session, error) {
	key := ep.key()
	d.mu.Lock()
	if s, ok := d.sessions[key]; ok && s.State() != transport.StateClosed {
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	cfg := d.template
	cfg.URL = ep.BaseURL
	cfg.Name = key
	opts := d.sessionOpts
	if ep.Tokens != nil {
		opts = append(append([]transport.SessionOption(nil), opts...), transport.WithSessionTokens(ep.Tokens))
	}
	s := transport.NewSession(cfg, opts...)

	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = transport.DefaultSessionConfig().HandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, 2*handshake)
	defer cancel()
	if err := s.Open(ctx); err != nil {
		d.logger.WithError(err).Warn("session open failed", logging.String("endpoint", key))
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = s.Close(context.Background())
		return nil, sdkerrors.SessionClosed(key, "dispatcher closed")
	}
	d.sessions[key] = s
	d.logger.Info("session opened", logging.String("endpoint", key))
	return s, nil
}

// Close drains every session. Calls made afterwards fail.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	sessions := d.sessions
	d.sessions = make(map[string]*transport.Session)
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return s.Close(gctx)
		})
	}
	return g.Wait()
}
