// Package transport carries logical calls to platform services over HTTP and
// WebSocket.
//
// # Key Features
//
//   - HTTPPipeline runs each attempt as bearer, admission, send and retry decision
//   - Session keeps one multiplexed WebSocket per endpoint alive with heartbeats
//   - Registry correlates replies with the calls waiting for them
//   - Broadcaster fans push events out to subscribers without blocking the reader
//
// # HTTP
//
// Every attempt of a logical request reads the current token, is admitted by
// the rate limiter for its route, and is then sent. A 401 triggers a single
// token refresh; transient failures are retried with jittered exponential
// backoff; a non-idempotent request whose outcome is unknown is not retried.
//
//	pipeline := transport.NewHTTPPipeline(transport.HTTPConfig{},
//		transport.WithTokenSource(store),
//		transport.WithAdmitter(limiter),
//		transport.WithPolicy(retry.New(retry.DefaultConfig())))
//	resp, err := pipeline.Send(ctx, &transport.HTTPRequest{
//		Route:  "kvs",
//		Method: http.MethodGet,
//		URL:    "https://kvs.example.com/api/ns/key",
//	})
//
// # WebSocket
//
// A Session moves through Disconnected, Connecting, Authenticating, Open,
// Draining and Closed, with Reconnecting entered from Open or Draining when the
// connection is lost and reconnects are enabled. Calls are registered before
// their frame is written so a fast reply always finds its waiter.
//
//	s := transport.NewSession(transport.SessionConfig{URL: "wss://tx.example.com"},
//		transport.WithSessionTokens(store))
//	if err := s.Open(ctx); err != nil {
//		return err
//	}
//	defer s.Close(context.Background())
//	result, err := s.Call(ctx, "findAll", []interface{}{"class", map[string]interface{}{}})
//
// # Error Handling
//
// All errors are pkg/errors ClientErrors. Transport failures are retryable,
// auth failures after one refresh and service status replies are not.
package transport
