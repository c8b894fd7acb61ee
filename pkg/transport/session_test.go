package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
	"github.com/ajitpratap0/platform-client-go/pkg/retry"
)

func fastPolicy() *retry.Policy {
	return retry.New(retry.Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2,
	})
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) observe(_, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, to)
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *stateLog) saw(s State) bool {
	for _, st := range l.snapshot() {
		if st == s {
			return true
		}
	}
	return false
}

func openSession(t *testing.T, srv *MockWSServer, cfg SessionConfig, opts ...SessionOption) (*Session, *stateLog) {
	t.Helper()
	log := &stateLog{}
	cfg.URL = srv.URL()
	opts = append([]SessionOption{
		WithSessionTokens(NewSequenceTokens("token-1", "token-2")),
		WithSessionPolicy(fastPolicy()),
		WithStateObserver(log.observe),
	}, opts...)
	s := NewSession(cfg, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Open(ctx))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, log
}

func TestSessionOpenAndCall(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()

	s, log := openSession(t, srv, SessionConfig{TokenInPath: true})
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, []State{StateConnecting, StateAuthenticating, StateOpen}, log.snapshot())
	assert.Equal(t, []string{"/token-1"}, srv.Paths())
	assert.Equal(t, []string{"token-1"}, srv.Bearers())

	result, err := s.Call(context.Background(), "echo", []interface{}{"a", 1})
	require.NoError(t, err)
	assert.JSONEq(t, `["a",1]`, string(result))
	assert.Equal(t, 0, s.Pending())
}

func TestSessionConcurrentCallsAreCorrelated(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	srv.Handle("double", func(params json.RawMessage) (interface{}, *sdkerrors.Status) {
		var args []int
		_ = json.Unmarshal(params, &args)
		return args[0] * 2, nil
	})

	s, _ := openSession(t, srv, SessionConfig{})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.Call(context.Background(), "double", []int{i})
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprint(i*2), string(result))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, srv.Calls("double"))
}

func TestSessionServiceStatus(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	srv.Handle("fail", func(json.RawMessage) (interface{}, *sdkerrors.Status) {
		return nil, &sdkerrors.Status{Severity: sdkerrors.StatusError, Code: "Forbidden"}
	})
	s, _ := openSession(t, srv, SessionConfig{})

	_, err := s.Call(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsCategory(err, sdkerrors.CategoryService))
	st, ok := sdkerrors.AsStatus(err)
	require.True(t, ok)
	assert.Equal(t, "Forbidden", st.Code)
	assert.False(t, sdkerrors.IsRetryable(err))

	_, err = s.Call(context.Background(), "missing", nil)
	st, ok = sdkerrors.AsStatus(err)
	require.True(t, ok)
	assert.Equal(t, "UnknownMethod", st.Code)
}

func TestSessionPushEvents(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	s, _ := openSession(t, srv, SessionConfig{})

	a := s.Subscribe(0)
	b := s.Subscribe(4)
	defer a.Close()
	defer b.Close()

	srv.Push("notify", map[string]string{"k": "v"})
	srv.PushRaw(`{"result":[{"_id":"tx1"},{"_id":"tx2"}]}`)

	for _, sub := range []*Subscription{a, b} {
		var got []PushEvent
		for len(got) < 3 {
			select {
			case ev := <-sub.C:
				got = append(got, ev)
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out after %d events", len(got))
			}
		}
		assert.Equal(t, "notify", got[0].Event)
		assert.JSONEq(t, `{"k":"v"}`, string(got[0].Payload))
		assert.Equal(t, TxEvent, got[1].Event)
		assert.JSONEq(t, `{"_id":"tx2"}`, string(got[2].Payload))
	}
}

func TestSessionReconnectFailsPendingCalls(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	s, log := openSession(t, srv, SessionConfig{AutoReconnect: true, MaxReconnectAttempts: 5})

	srv.SetHoldReplies(true)
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.Call(context.Background(), "echo", []int{1})
			errs <- err
		}()
	}
	WaitForCondition(t, 2*time.Second, func() bool { return srv.Held() == 3 }, "three calls on the wire")

	srv.SetHoldReplies(false)
	srv.DropConnections()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.True(t, sdkerrors.IsCategory(err, sdkerrors.CategoryTransport), "got %v", err)
			assert.True(t, sdkerrors.IsRetryable(err))
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was not failed")
		}
	}

	WaitForCondition(t, 3*time.Second, func() bool { return s.State() == StateOpen && srv.Connects() == 2 },
		"session reopened")
	assert.True(t, log.saw(StateReconnecting))

	result, err := s.Call(context.Background(), "echo", []int{2})
	require.NoError(t, err)
	assert.JSONEq(t, `[2]`, string(result))
}

func TestSessionReconnectCeiling(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	s, _ := openSession(t, srv, SessionConfig{AutoReconnect: true, MaxReconnectAttempts: 2})

	srv.SetRejectStatus(http.StatusServiceUnavailable)
	srv.DropConnections()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close after exhausting reconnects")
	}
	assert.Equal(t, StateClosed, s.State())

	_, err := s.Call(context.Background(), "echo", nil)
	assert.True(t, sdkerrors.IsCategory(err, sdkerrors.CategoryTransport))
}

func TestSessionReconnectRefreshesRejectedToken(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	tokens := NewSequenceTokens("token-1", "token-2")
	s, _ := openSession(t, srv, SessionConfig{AutoReconnect: true, MaxReconnectAttempts: 10, TokenInPath: true},
		WithSessionTokens(tokens))

	srv.SetRejectStatus(http.StatusUnauthorized)
	srv.DropConnections()
	WaitForCondition(t, 2*time.Second, func() bool { return tokens.Refreshes() > 0 }, "token refreshed")
	srv.SetRejectStatus(0)

	WaitForCondition(t, 3*time.Second, func() bool { return s.State() == StateOpen }, "session reopened")
	paths := srv.Paths()
	assert.Equal(t, "/token-2", paths[len(paths)-1])
}

func TestSessionHandshakeRejected(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	srv.SetRejectHello(true)

	s := NewSession(SessionConfig{URL: srv.URL()}, WithSessionTokens(NewSequenceTokens("t")))
	err := s.Open(context.Background())
	require.Error(t, err)
	assert.True(t, sdkerrors.IsCategory(err, sdkerrors.CategoryAuth))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, srv.Connects(), "handshake failures are not retried")
}

func TestSessionUpgradeUnauthorized(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	srv.SetRejectStatus(http.StatusUnauthorized)

	s := NewSession(SessionConfig{URL: srv.URL()}, WithSessionTokens(NewSequenceTokens("t")))
	err := s.Open(context.Background())
	assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeUnauthorized), "got %v", err)
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionDrainingRejectsNewCalls(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	srv.SetReplyDelay(200 * time.Millisecond)
	s, log := openSession(t, srv, SessionConfig{DrainTimeout: 2 * time.Second})

	inflight := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "echo", []int{1})
		inflight <- err
	}()
	WaitForCondition(t, time.Second, func() bool { return s.Pending() == 1 }, "call registered")

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()
	WaitForCondition(t, time.Second, func() bool { return s.State() == StateDraining }, "draining")

	_, err := s.Call(context.Background(), "echo", nil)
	assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeSessionDraining), "got %v", err)

	require.NoError(t, <-inflight, "in-flight call completes while draining")
	require.NoError(t, <-closed)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []State{StateConnecting, StateAuthenticating, StateOpen, StateDraining, StateClosed}, log.snapshot())
}

func TestSessionLossWhileDrainingCloses(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	srv.SetHoldReplies(true)
	s, log := openSession(t, srv, SessionConfig{AutoReconnect: true, MaxReconnectAttempts: 5, DrainTimeout: 5 * time.Second})

	inflight := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "echo", nil)
		inflight <- err
	}()
	WaitForCondition(t, time.Second, func() bool { return srv.Held() == 1 }, "call on the wire")

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()
	WaitForCondition(t, time.Second, func() bool { return s.State() == StateDraining }, "draining")

	srv.DropConnections()
	require.NoError(t, <-closed)
	err := <-inflight
	assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeConnectionLost), "got %v", err)
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, log.saw(StateReconnecting))
	assert.Equal(t, 1, srv.Connects())
}

func TestSessionDrainTimeoutFailsStragglers(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	srv.SetHoldReplies(true)
	s, _ := openSession(t, srv, SessionConfig{DrainTimeout: 50 * time.Millisecond})

	errs := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "echo", nil)
		errs <- err
	}()
	WaitForCondition(t, time.Second, func() bool { return srv.Held() == 1 }, "call on the wire")

	require.NoError(t, s.Close(context.Background()))
	err := <-errs
	assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeSessionClosed), "got %v", err)
}

func TestSessionCallTimeout(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	srv.SetHoldReplies(true)
	s, _ := openSession(t, srv, SessionConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, "echo", nil)
	assert.True(t, sdkerrors.IsCategory(err, sdkerrors.CategoryTimeout), "got %v", err)
	assert.Equal(t, 0, s.Pending(), "timed out call must be removed from the registry")
}

func TestSessionHeartbeatTimeout(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	srv.SetSilent(true)
	s, log := openSession(t, srv, SessionConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
	})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection was not torn down")
	}
	assert.True(t, srv.Calls(methodPing) > 0, "heartbeats should have been sent")
	assert.False(t, log.saw(StateReconnecting), "reconnect is disabled")
}

func TestSessionHeartbeatKeepsAlive(t *testing.T) {
	srv := NewMockWSServer()
	defer srv.Close()
	s, _ := openSession(t, srv, SessionConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
	})

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateOpen, s.State())
	assert.True(t, srv.Calls(methodPing) >= 3)
}

func TestSessionCallBeforeOpen(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ws://127.0.0.1:1"})
	_, err := s.Call(context.Background(), "echo", nil)
	assert.True(t, sdkerrors.IsCode(err, sdkerrors.CodeSessionClosed))

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.Error(t, s.Open(context.Background()))
}
