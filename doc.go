// Package platform is a client for the platform's account, transactor and
// key-value services.
//
// The root package wires the building blocks from the sub-packages into a
// ready to use Client. The sub-packages can also be used on their own:
//
//   - pkg/credentials: JWT signing, token caching and coalesced refresh
//   - pkg/ratelimit: per-route token buckets
//   - pkg/retry: backoff, retry classification and circuit breaking
//   - pkg/transport: the HTTP pipeline and the multiplexed WebSocket session
//   - pkg/dispatcher: routes calls to HTTP or to one shared session per endpoint
//   - pkg/services: typed account, transactor and key-value clients
//   - pkg/config: YAML, TOML and JSON configuration with PLATFORM_* overrides
//   - pkg/observability: attempt events, Prometheus metrics and OpenTelemetry tracing
//   - pkg/logging: structured logging with a built-in and a zap backend
//   - pkg/errors: the error taxonomy shared by every component
//
// # Creating a Client
//
//	cfg, err := config.Load("platform.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := platform.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	info, err := client.Account().GetLoginInfoByToken(ctx)
//
// # Transactor sessions
//
// A transactor endpoint reached over ws:// or wss:// shares one WebSocket
// session among all callers. Replies are correlated by request id, so any
// number of goroutines may call FindAll or Tx concurrently:
//
//	tx, ws, err := client.TransactorFor(ctx, "my-workspace")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := tx.FindAll(ctx, "core:class:Space", map[string]interface{}{}, services.FindOptions{Limit: 10})
//
// Transactions pushed by the server are delivered to subscribers:
//
//	sub, err := tx.Events(ctx, 64)
//	defer sub.Close()
//	for ev := range sub.C {
//	    fmt.Println(ev.Event, string(ev.Payload))
//	}
//
// # Errors
//
// Every error returned by the client implements errors.ClientError and
// carries a category and a code. Use errors.IsCategory and errors.IsCode to
// branch on them, and errors.IsRetryable to learn whether the client would
// have retried the operation itself.
package platform
