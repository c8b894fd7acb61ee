package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/logging"
	"github.com/ajitpratap0/platform-client-go/pkg/observability"
	"github.com/ajitpratap0/platform-client-go/pkg/retry"
)

// StateObserver is notified of every session transition. It runs with the
// session lock held and must not call back into the Session.
type StateObserver func(from, to State)

// SessionMetrics receives session gauges. *observability.MetricsRecorder
// implements it.
type SessionMetrics interface {
	SessionTransition(endpoint, from, to string)
	PendingCalls(endpoint string, n int)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionTokens sets the token source used for the handshake.
func WithSessionTokens(tokens TokenSource) SessionOption {
	return func(s *Session) {
		s.tokens = tokens
	}
}

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) SessionOption {
	return func(s *Session) {
		s.dialer = d
	}
}

// WithSessionPolicy sets the policy whose backoff paces reconnects.
func WithSessionPolicy(p *retry.Policy) SessionOption {
	return func(s *Session) {
		s.policy = p
	}
}

// WithSessionRecorder sets the telemetry recorder for calls.
func WithSessionRecorder(r observability.Recorder) SessionOption {
	return func(s *Session) {
		s.recorder = r
	}
}

// WithSessionMetrics sets the gauges fed on transitions and registrations.
func WithSessionMetrics(m SessionMetrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithSessionLogger sets the session's logger.
func WithSessionLogger(l logging.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logging.OrNop(l)
	}
}

// WithStateObserver registers an observer at construction time.
func WithStateObserver(o StateObserver) SessionOption {
	return func(s *Session) {
		s.observers = append(s.observers, o)
	}
}

// outbound is a queued message for the writer.
type outbound struct {
	kind int
	data []byte
}

// connection is one physical WebSocket and the goroutines serving it.
type connection struct {
	conn    Conn
	token   string
	sendCh  chan outbound
	done    chan struct{}
	cancel  context.CancelFunc
	closing atomic.Bool
	lastIn  atomic.Int64
	lastOut atomic.Int64
}

func newConnection(conn Conn, token string, queue int) *connection {
	c := &connection{
		conn:   conn,
		token:  token,
		sendCh: make(chan outbound, queue),
		done:   make(chan struct{}),
		cancel: func() {},
	}
	now := time.Now().UnixNano()
	c.lastIn.Store(now)
	c.lastOut.Store(now)
	return c
}

func (c *connection) touchIn()  { c.lastIn.Store(time.Now().UnixNano()) }
func (c *connection) touchOut() { c.lastOut.Store(time.Now().UnixNano()) }

func (c *connection) idleOut(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastOut.Load()))
}

func (c *connection) silentFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastIn.Load()))
}

// trySend queues a message without blocking.
func (c *connection) trySend(kind int, data []byte) bool {
	select {
	case c.sendCh <- outbound{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

// shutdown asks the writer to send a close frame and tears the connection
// down after grace at the latest.
func (c *connection) shutdown(grace time.Duration) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if c.trySend(websocket.CloseMessage, msg) {
		time.AfterFunc(grace, c.cancel)
		return
	}
	c.cancel()
}

// Session multiplexes logical calls over one WebSocket. It is safe for
// concurrent use.
type Session struct {
	cfg      SessionConfig
	name     string
	endpoint string
	tokens   TokenSource
	dialer   Dialer
	policy   *retry.Policy
	recorder observability.Recorder
	metrics  SessionMetrics
	logger   logging.Logger

	registry *Registry
	events   *Broadcaster
	nextID   atomic.Int64

	mu              sync.Mutex
	state           State
	conn            *connection
	observers       []StateObserver
	closed          chan struct{}
	reconnectCancel context.CancelFunc
}

// NewSession creates a session in the Disconnected state.
func NewSession(cfg SessionConfig, opts ...SessionOption) *Session {
	cfg = cfg.normalized()
	s := &Session{
		cfg:      cfg,
		endpoint: redactURL(cfg.URL),
		recorder: observability.Nop(),
		logger:   logging.Nop(),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = &WebSocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if s.policy == nil {
		s.policy = retry.New(retry.DefaultConfig())
	}
	s.name = cfg.Name
	if s.name == "" {
		if u, err := url.Parse(cfg.URL); err == nil {
			s.name = u.Host
		}
	}
	s.logger = s.logger.WithFields(logging.Component("session"), logging.String("endpoint", s.name))
	s.registry = NewRegistry(s.logger)
	s.events = NewBroadcaster(cfg.EventBuffer)
	return s
}

// Name returns the label used in logs and metrics.
func (s *Session) Name() string {
	return s.name
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers an observer for later transitions.
func (s *Session) OnStateChange(o StateObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Pending returns the number of calls awaiting a reply.
func (s *Session) Pending() int {
	return s.registry.Len()
}

// Subscribe returns a subscription to push events. A non-positive buffer
// uses the configured default.
func (s *Session) Subscribe(buffer int) *Subscription {
	return s.events.Subscribe(buffer)
}

// transitionLocked moves to the next state. s.mu must be held.
func (s *Session) transitionLocked(to State) error {
	from := s.state
	if !CanTransition(from, to) {
		return transitionError(from, to)
	}
	s.state = to
	s.logger.Debug("session state changed",
		logging.String("from", from.String()),
		logging.String("to", to.String()))
	if s.metrics != nil {
		s.metrics.SessionTransition(s.name, from.String(), to.String())
	}
	for _, o := range s.observers {
		o(from, to)
	}
	if to == StateClosed {
		close(s.closed)
	}
	return nil
}

// Open connects and performs the handshake. A failed handshake closes the
// session; it is not retried here.
func (s *Session) Open(ctx context.Context) error {
	if s.tokens == nil {
		return sdkerrors.InvalidArgument("tokens", "session has no token source")
	}

	s.mu.Lock()
	err := s.transitionLocked(StateConnecting)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	token, err := s.tokens.Token(ctx)
	var c *connection
	if err == nil {
		c, err = s.connect(ctx, token)
	}
	if err != nil {
		s.logger.WithError(err).Warn("session handshake failed")
		s.mu.Lock()
		if s.state != StateClosed {
			s.closeLocked(err)
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateOpen); err != nil {
		c.conn.Close()
		return sdkerrors.SessionClosed(s.endpoint, s.state.String())
	}
	s.attachLocked(c)
	s.logger.Info("session open")
	return nil
}

// connect dials and runs the hello exchange. The session must be
// Connecting; it is Authenticating once the socket is up.
func (s *Session) connect(ctx context.Context, token string) (*connection, error) {
	dialURL, err := sessionURL(s.cfg.URL, token, s.cfg.TokenInPath)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(hctx, dialURL, header)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	err = s.transitionLocked(StateAuthenticating)
	s.mu.Unlock()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.handshake(hctx, conn, token); err != nil {
		conn.Close()
		return nil, err
	}
	return newConnection(conn, token, s.cfg.SendQueueSize), nil
}

func (s *Session) handshake(ctx context.Context, conn Conn, token string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.cfg.HandshakeTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, newHelloFrame(token)); err != nil {
		return sdkerrors.ConnectionFailed("websocket", s.endpoint, err)
	}
	_ = conn.SetReadDeadline(deadline)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return sdkerrors.ConnectionTimeout("websocket", s.endpoint, s.cfg.HandshakeTimeout)
			}
			return sdkerrors.ConnectionFailed("websocket", s.endpoint, err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		in, err := decodeInbound(data, time.Now())
		if err != nil {
			return sdkerrors.ProtocolViolation(sdkerrors.CodeHandshakeRejected, "malformed hello reply")
		}
		if in.kind != inboundHello {
			s.logger.Debug("ignoring frame before hello", logging.String("kind", in.kind.String()))
			continue
		}
		if in.frame.Error != nil {
			return sdkerrors.AuthFailed("hello rejected: "+in.frame.Error.String(), nil).
				WithData(in.frame.Error)
		}
		if resultString(in.frame.Result) != methodHello {
			return sdkerrors.ProtocolViolation(sdkerrors.CodeHandshakeRejected, "unexpected hello reply")
		}
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
		return nil
	}
}

// attachLocked makes c the live connection and starts its reader, writer and
// heartbeat. s.mu must be held.
func (s *Session) attachLocked(c *connection) {
	s.conn = c

	if wc, ok := c.conn.(*websocket.Conn); ok {
		writeTimeout := s.cfg.WriteTimeout
		wc.SetPingHandler(func(data string) error {
			c.touchIn()
			return wc.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		})
		wc.SetPongHandler(func(string) error {
			c.touchIn()
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(c) })
	g.Go(func() error { return s.writeLoop(gctx, c) })
	g.Go(func() error { return s.heartbeatLoop(gctx, c) })
	g.Go(func() error {
		<-gctx.Done()
		_ = c.conn.Close()
		return nil
	})

	go func() {
		err := g.Wait()
		cancel()
		close(c.done)
		s.connectionLost(c, err)
	}()
}

func (s *Session) readLoop(c *connection) error {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.touchIn()
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		s.handleInbound(c, data)
	}
}

func (s *Session) handleInbound(c *connection, data []byte) {
	in, err := decodeInbound(data, time.Now())
	if err != nil {
		s.logger.WithError(err).Warn("dropping malformed frame")
		return
	}

	switch in.kind {
	case inboundReply:
		s.registry.Resolve(in.id, Reply{Result: in.frame.Result, Status: in.frame.Error})
	case inboundHello:
		if in.frame.Error != nil {
			s.logger.Warn("hello error after handshake", logging.String("status", in.frame.Error.String()))
		}
	case inboundPing:
		c.trySend(websocket.TextMessage, heartbeatFrame())
	case inboundPong:
	case inboundPush:
		for _, ev := range in.events {
			s.events.Publish(ev)
		}
	default:
		s.logger.Debug("ignoring unrecognized frame", logging.Int("size", len(data)))
	}
}

func (s *Session) writeLoop(ctx context.Context, c *connection) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
				return err
			}
			c.touchOut()
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, c *connection) error {
	tick := s.cfg.HeartbeatInterval / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if c.silentFor(now) > s.cfg.HeartbeatTimeout {
				s.logger.Warn("heartbeat timeout", logging.Duration("silent", c.silentFor(now)))
				return sdkerrors.ConnectionTimeout("websocket", s.endpoint, s.cfg.HeartbeatTimeout)
			}
			if c.idleOut(now) >= s.cfg.HeartbeatInterval {
				c.trySend(websocket.TextMessage, heartbeatFrame())
			}
			for _, id := range s.registry.Expired(now) {
				s.registry.Resolve(id, Reply{Err: sdkerrors.Timeout("websocket call", 0)})
			}
		}
	}
}

// connectionLost runs once per connection after its goroutines exit.
func (s *Session) connectionLost(c *connection, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		return
	}
	s.conn = nil

	lost := sdkerrors.ConnectionLost("websocket", s.endpoint, cause)
	switch {
	case s.state == StateClosed:
	case c.closing.Load() || s.state == StateDraining:
		s.closeLocked(lost)
	case s.cfg.AutoReconnect && s.cfg.MaxReconnectAttempts > 0:
		if err := s.transitionLocked(StateReconnecting); err != nil {
			s.logger.WithError(err).Error("cannot enter reconnecting")
			s.closeLocked(lost)
			return
		}
		n := s.registry.FailAll(lost)
		s.logger.Warn("connection lost, reconnecting",
			logging.Int("failed_calls", n),
			logging.ErrorField(cause))
		ctx, cancel := context.WithCancel(context.Background())
		s.reconnectCancel = cancel
		go s.reconnect(ctx)
	default:
		s.logger.Warn("connection lost", logging.ErrorField(cause))
		s.closeLocked(lost)
	}
}

// reconnect re-dials with backoff until the session is open again or the
// attempt ceiling is reached.
func (s *Session) reconnect(ctx context.Context) {
	b := backoff.WithContext(s.policy.NewBackOff(s.cfg.MaxReconnectAttempts), ctx)
	var lastErr error
	rejected := ""

	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		err := s.transitionLocked(StateConnecting)
		s.mu.Unlock()
		if err != nil {
			return
		}

		var token string
		if rejected != "" {
			token, err = s.tokens.Refresh(ctx, rejected)
		} else {
			token, err = s.tokens.Token(ctx)
		}
		var c *connection
		if err == nil {
			c, err = s.connect(ctx, token)
		}
		if err == nil {
			s.mu.Lock()
			if terr := s.transitionLocked(StateOpen); terr != nil {
				s.mu.Unlock()
				c.conn.Close()
				return
			}
			s.attachLocked(c)
			s.mu.Unlock()
			s.logger.Info("session reconnected", logging.Int("attempt", attempt))
			return
		}

		lastErr = err
		rejected = ""
		if sdkerrors.IsCategory(err, sdkerrors.CategoryAuth) {
			rejected = token
		}
		s.logger.Warn("reconnect attempt failed",
			logging.Int("attempt", attempt),
			logging.ErrorField(err))

		s.mu.Lock()
		err = s.transitionLocked(StateReconnecting)
		s.mu.Unlock()
		if err != nil {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReconnecting {
		s.logger.Error("giving up reconnecting", logging.ErrorField(lastErr))
		s.closeLocked(sdkerrors.ConnectionFailed("websocket", s.endpoint, lastErr))
	}
}

// closeLocked moves to Closed and releases everything. s.mu must be held.
func (s *Session) closeLocked(cause error) {
	if s.state == StateClosed {
		return
	}
	if err := s.transitionLocked(StateClosed); err != nil {
		s.logger.WithError(err).Error("cannot close session")
		return
	}
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	if c := s.conn; c != nil {
		s.conn = nil
		c.shutdown(s.cfg.WriteTimeout)
	}
	if cause == nil {
		cause = sdkerrors.SessionClosed(s.endpoint, StateClosed.String())
	}
	s.registry.Close(cause)
	s.events.Close()
	if s.metrics != nil {
		s.metrics.PendingCalls(s.name, 0)
	}
}

// Call sends method with params and waits for the correlated reply. The
// call is registered before its frame is queued.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := s.call(ctx, method, params)
	s.recorder.Record(ctx, observability.Event{
		Kind:      observability.KindWebSocket,
		Route:     s.name,
		Method:    method,
		RequestID: logging.RequestIDFromContext(ctx),
		Attempt:   1,
		Outcome:   observability.OutcomeFor(err, retry.Decision{}),
		Latency:   time.Since(start),
		Err:       err,
		Time:      time.Now(),
	})
	return result, err
}

func (s *Session) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	frame, err := newRequestFrame(id, method, params)
	if err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()

	s.mu.Lock()
	switch s.state {
	case StateOpen:
	case StateDraining:
		s.mu.Unlock()
		return nil, sdkerrors.SessionDraining(s.endpoint)
	default:
		st := s.state
		s.mu.Unlock()
		return nil, sdkerrors.SessionClosed(s.endpoint, st.String())
	}
	c := s.conn
	pending, err := s.registry.Register(id, method, deadline)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.reportPending()
	defer s.reportPending()

	select {
	case c.sendCh <- outbound{kind: websocket.TextMessage, data: frame}:
	case <-c.done:
		// the connection died with the call registered; FailAll delivers
		// its error below
	case <-ctx.Done():
		s.registry.Cancel(id)
		return nil, sdkerrors.FromContext(ctx.Err(), method)
	}

	select {
	case reply := <-pending.Done():
		if reply.Err != nil {
			return nil, sdkerrors.Annotate(reply.Err, &sdkerrors.Context{Method: method})
		}
		if reply.Status != nil {
			return nil, sdkerrors.ServiceStatus(method, reply.Status)
		}
		return reply.Result, nil
	case <-ctx.Done():
		s.registry.Cancel(id)
		return nil, sdkerrors.FromContext(ctx.Err(), method)
	}
}

func (s *Session) reportPending() {
	if s.metrics != nil {
		s.metrics.PendingCalls(s.name, s.registry.Len())
	}
}

// Close stops accepting calls, lets in-flight calls finish for up to the
// drain timeout, then tears the connection down.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateDraining:
		s.mu.Unlock()
		select {
		case <-s.closed:
			return nil
		case <-ctx.Done():
			return sdkerrors.FromContext(ctx.Err(), "session close")
		}
	case StateOpen:
		if err := s.transitionLocked(StateDraining); err != nil {
			s.mu.Unlock()
			return err
		}
	default:
		s.closeLocked(nil)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("session draining", logging.Int("pending", s.registry.Len()))
	s.drain(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.registry.Len(); n > 0 {
		s.logger.Warn("closing with calls in flight", logging.Int("pending", n))
	}
	s.closeLocked(nil)
	return nil
}

func (s *Session) drain(ctx context.Context) {
	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for s.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-s.closed:
			return
		case <-ticker.C:
		}
	}
}
