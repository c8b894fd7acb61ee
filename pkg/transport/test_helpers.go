package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

// MockHandler answers one method on a MockWSServer. A non-nil status is sent
// as the error reply.
type MockHandler func(params json.RawMessage) (interface{}, *sdkerrors.Status)

// mockFrame is what the mock reads off the wire.
type mockFrame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Token  string          `json:"token,omitempty"`
}

type mockConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *mockConn) write(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(kind, data)
}

// MockWSServer provides a scripted platform WebSocket endpoint for testing
type MockWSServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	handlers     map[string]MockHandler
	conns        []*mockConn
	calls        map[string]int
	held         []mockFrame
	paths        []string
	bearers      []string
	rejectStatus int
	rejectHello  bool
	holdReplies  bool
	silent       bool
	replyDelay   time.Duration

	connects atomic.Int32
}

// NewMockWSServer creates a new mock WebSocket server. "echo" is answered
// with its params by default.
func NewMockWSServer() *MockWSServer {
	m := &MockWSServer{
		handlers: make(map[string]MockHandler),
		calls:    make(map[string]int),
	}
	m.handlers["echo"] = func(params json.RawMessage) (interface{}, *sdkerrors.Status) {
		return params, nil
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handler))
	return m
}

// URL returns the ws:// base URL.
func (m *MockWSServer) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// HTTPURL returns the http:// base URL.
func (m *MockWSServer) HTTPURL() string {
	return m.server.URL
}

// Close shuts the server down
func (m *MockWSServer) Close() {
	m.DropConnections()
	m.server.Close()
}

// Handle registers a method handler.
func (m *MockWSServer) Handle(method string, h MockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// SetRejectStatus makes upgrades fail with status. Zero accepts again.
func (m *MockWSServer) SetRejectStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectStatus = status
}

// SetRejectHello answers the hello with an error status.
func (m *MockWSServer) SetRejectHello(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectHello = reject
}

// SetHoldReplies records calls without answering them.
func (m *MockWSServer) SetHoldReplies(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdReplies = hold
}

// SetSilent stops the server from answering heartbeats.
func (m *MockWSServer) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = silent
}

// SetReplyDelay delays every reply by d.
func (m *MockWSServer) SetReplyDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replyDelay = d
}

// Connects returns the number of accepted upgrades.
func (m *MockWSServer) Connects() int {
	return int(m.connects.Load())
}

// Calls returns how many times method was received.
func (m *MockWSServer) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Held returns the number of calls recorded while replies are held.
func (m *MockWSServer) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// Paths returns the request paths of accepted upgrades.
func (m *MockWSServer) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

// Bearers returns the Authorization tokens seen on upgrades.
func (m *MockWSServer) Bearers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bearers...)
}

// Push sends an event to every connected client.
func (m *MockWSServer) Push(event string, payload interface{}) {
	data, _ := json.Marshal(map[string]interface{}{"event": event, "payload": payload})
	m.broadcast(websocket.TextMessage, data)
}

// PushRaw sends data verbatim to every connected client.
func (m *MockWSServer) PushRaw(data string) {
	m.broadcast(websocket.TextMessage, []byte(data))
}

// DropConnections closes every connection without a close handshake.
func (m *MockWSServer) DropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.held = nil
	m.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

func (m *MockWSServer) broadcast(kind int, data []byte) {
	m.mu.Lock()
	conns := append([]*mockConn(nil), m.conns...)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.write(kind, data)
	}
}

// handler upgrades and serves one connection
func (m *MockWSServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reject := m.rejectStatus
	m.mu.Unlock()
	if reject != 0 {
		http.Error(w, "upgrade rejected", reject)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	mc := &mockConn{conn: conn}
	m.connects.Add(1)
	m.mu.Lock()
	m.conns = append(m.conns, mc)
	m.paths = append(m.paths, r.URL.Path)
	m.bearers = append(m.bearers, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	m.mu.Unlock()

	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f mockFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		m.serve(mc, f)
	}
}

func (m *MockWSServer) serve(c *mockConn, f mockFrame) {
	m.mu.Lock()
	m.calls[f.Method]++
	rejectHello := m.rejectHello
	hold := m.holdReplies
	silent := m.silent
	delay := m.replyDelay
	h := m.handlers[f.Method]
	if hold && f.Method != methodHello && f.Method != methodPing {
		m.held = append(m.held, f)
	}
	m.mu.Unlock()

	switch {
	case f.Method == methodHello:
		if rejectHello {
			_ = c.write(websocket.TextMessage, []byte(`{"id":-1,"error":{"severity":"ERROR","code":"Unauthorized"}}`))
			return
		}
		_ = c.write(websocket.TextMessage, []byte(`{"id":-1,"result":"hello","binary":false}`))
		return
	case f.Method == methodPing && len(f.ID) == 0:
		if !silent {
			_ = c.write(websocket.TextMessage, []byte(pongText))
		}
		return
	case hold:
		return
	}

	if delay > 0 {
		time.Sleep(delay)
	}
	reply := map[string]interface{}{"id": f.ID}
	switch {
	case h == nil:
		reply["error"] = &sdkerrors.Status{Severity: sdkerrors.StatusError, Code: "UnknownMethod",
			Params: map[string]interface{}{"method": f.Method}}
	default:
		result, status := h(f.Params)
		if status != nil {
			reply["error"] = status
		} else {
			reply["result"] = result
		}
	}
	data, _ := json.Marshal(reply)
	_ = c.write(websocket.TextMessage, data)
}

// SequenceTokens is a TokenSource for tests. Refresh moves to the next
// token in the list once the current one has been rejected.
type SequenceTokens struct {
	mu        sync.Mutex
	tokens    []string
	current   int
	refreshes int
}

// NewSequenceTokens creates a source that starts with tokens[0].
func NewSequenceTokens(tokens ...string) *SequenceTokens {
	return &SequenceTokens{tokens: tokens}
}

func (s *SequenceTokens) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[s.current], nil
}

func (s *SequenceTokens) Refresh(_ context.Context, rejected string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.tokens[s.current] != rejected {
		return s.tokens[s.current], nil
	}
	if s.current+1 >= len(s.tokens) {
		return "", sdkerrors.AuthFailed("no more tokens", nil)
	}
	s.current++
	return s.tokens[s.current], nil
}

// Refreshes returns how many times Refresh was called.
func (s *SequenceTokens) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// WaitForCondition waits for a condition to be true or times out
func WaitForCondition(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for condition: %s", msg)
}

// RunWithTimeout runs a function with a timeout
func RunWithTimeout(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	select {
	case <-done:
		// Success
	case <-time.After(timeout):
		t.Fatal("Test timed out")
	}
}
