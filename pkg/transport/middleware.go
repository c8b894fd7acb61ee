package transport

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ajitpratap0/platform-client-go/pkg/logging"
)

// Middleware wraps an http.RoundTripper to add behaviour to every attempt.
type Middleware interface {
	// Wrap wraps the given round tripper with middleware functionality
	Wrap(next http.RoundTripper) http.RoundTripper
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(http.RoundTripper) http.RoundTripper

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(next http.RoundTripper) http.RoundTripper {
	return f(next)
}

// RoundTripFunc adapts a function to http.RoundTripper.
type RoundTripFunc func(*http.Request) (*http.Response, error)

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// ChainMiddleware chains multiple middleware together
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(next http.RoundTripper) http.RoundTripper {
		// Apply middleware in reverse order so the first middleware is the outermost
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i].Wrap(next)
		}
		return next
	})
}

// attemptInfo travels with a single attempt so that middleware can report
// back what they did.
type attemptInfo struct {
	route     string
	anonymous bool
	// tokens overrides the middleware's source for this attempt.
	tokens TokenSource
	// token is the bearer attached by BearerMiddleware.
	token string
}

type attemptKey struct{}

func withAttempt(ctx context.Context, info *attemptInfo) context.Context {
	return context.WithValue(ctx, attemptKey{}, info)
}

func attemptFrom(ctx context.Context) *attemptInfo {
	info, _ := ctx.Value(attemptKey{}).(*attemptInfo)
	return info
}

// BearerMiddleware attaches the current token. Requests marked anonymous
// are sent without one, as are requests when no source is configured.
func BearerMiddleware(tokens TokenSource) Middleware {
	return MiddlewareFunc(func(next http.RoundTripper) http.RoundTripper {
		return RoundTripFunc(func(req *http.Request) (*http.Response, error) {
			info := attemptFrom(req.Context())
			src := tokens
			if info != nil && info.tokens != nil {
				src = info.tokens
			}
			if src == nil || (info != nil && info.anonymous) {
				return next.RoundTrip(req)
			}
			token, err := src.Token(req.Context())
			if err != nil {
				return nil, err
			}
			if info != nil {
				info.token = token
			}
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+token)
			return next.RoundTrip(req)
		})
	})
}

// AdmitMiddleware waits for the rate limiter to admit the attempt's route.
func AdmitMiddleware(a Admitter) Middleware {
	return MiddlewareFunc(func(next http.RoundTripper) http.RoundTripper {
		return RoundTripFunc(func(req *http.Request) (*http.Response, error) {
			route := logging.RouteFromContext(req.Context())
			if info := attemptFrom(req.Context()); info != nil {
				route = info.route
			}
			if err := a.Admit(req.Context(), route); err != nil {
				return nil, err
			}
			return next.RoundTrip(req)
		})
	})
}

// TracePropagationMiddleware injects the span context into request headers.
// A nil propagator uses the global one.
func TracePropagationMiddleware(p propagation.TextMapPropagator) Middleware {
	return MiddlewareFunc(func(next http.RoundTripper) http.RoundTripper {
		return RoundTripFunc(func(req *http.Request) (*http.Response, error) {
			prop := p
			if prop == nil {
				prop = otel.GetTextMapPropagator()
			}
			req = req.Clone(req.Context())
			prop.Inject(req.Context(), propagation.HeaderCarrier(req.Header))
			return next.RoundTrip(req)
		})
	})
}

// RequestIDHeader carries the logical request id on every attempt.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware copies the request id from the context into a header.
func RequestIDMiddleware() Middleware {
	return MiddlewareFunc(func(next http.RoundTripper) http.RoundTripper {
		return RoundTripFunc(func(req *http.Request) (*http.Response, error) {
			id := logging.RequestIDFromContext(req.Context())
			if id == "" || req.Header.Get(RequestIDHeader) != "" {
				return next.RoundTrip(req)
			}
			req = req.Clone(req.Context())
			req.Header.Set(RequestIDHeader, id)
			return next.RoundTrip(req)
		})
	})
}
