package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport    string        `json:"transport"`
	Operation    string        `json:"operation,omitempty"`
	Endpoint     string        `json:"endpoint,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
}

// ConnectionErrorData contains structured data for connection-related errors
type ConnectionErrorData struct {
	Transport string        `json:"transport"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Pending   int           `json:"pending,omitempty"`
}

func reason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func hostOf(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

// TransportFailure creates a generic retryable transport error.
func TransportFailure(transport, operation string, cause error) ClientError {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(cause, CodeTransportError, message, CategoryTransport, SeverityError).
		WithData(&TransportErrorData{
			Transport: transport,
			Operation: operation,
			Reason:    reason(cause),
		})
}

// ConnectionFailed creates an error for connection failures. Nothing was
// sent, so the failure is never ambiguous.
func ConnectionFailed(transport, endpoint string, cause error) ClientError {
	message := fmt.Sprintf("failed to connect via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("failed to connect to %s via %s", hostOf(endpoint), transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(cause, CodeConnectionFailed, message, CategoryTransport, SeverityCritical).
		WithData(&ConnectionErrorData{
			Transport: transport,
			Endpoint:  hostOf(endpoint),
			Reason:    reason(cause),
		})
}

// ConnectionLost creates an error for a connection that dropped while
// requests were outstanding. Such requests may have been processed.
func ConnectionLost(transport, endpoint string, cause error) ClientError {
	message := fmt.Sprintf("lost connection via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("lost connection to %s via %s", hostOf(endpoint), transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(cause, CodeConnectionLost, message, CategoryTransport, SeverityError).
		WithAmbiguous(true).
		WithData(&ConnectionErrorData{
			Transport: transport,
			Endpoint:  hostOf(endpoint),
			Reason:    reason(cause),
		})
}

// ConnectionTimeout creates an error for connection timeouts
func ConnectionTimeout(transport, endpoint string, timeout time.Duration) ClientError {
	message := fmt.Sprintf("connection timeout via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("connection timeout to %s via %s", hostOf(endpoint), transport)
	}
	if timeout > 0 {
		message = fmt.Sprintf("%s after %v", message, timeout)
	}

	return NewError(CodeConnectionTimeout, message, CategoryTransport, SeverityError).
		WithData(&ConnectionErrorData{
			Transport: transport,
			Endpoint:  hostOf(endpoint),
			Timeout:   timeout,
			Reason:    "timeout",
		})
}

// HTTPStatus maps a non-2xx HTTP response to the taxonomy: 401 and 403 are
// auth errors, 429 is a server side rate limit, 408 and 5xx are transient
// and everything else is a fatal transport error carrying the status.
func HTTPStatus(operation, endpoint string, status int, retryAfter time.Duration, body string) ClientError {
	var err ClientError
	switch {
	case status == 401:
		err = NewError(CodeUnauthorized, "server rejected bearer token", CategoryAuth, SeverityError)
	case status == 403:
		err = NewError(CodeForbidden, "access denied", CategoryAuth, SeverityError)
	case status == 429:
		err = NewError(CodeServerRateLimited, "server rate limited the request", CategoryRateLimited, SeverityWarning)
	case status == 408 || status >= 500:
		err = NewErrorf(CodeServerUnavailable, CategoryTransport, SeverityError, "server unavailable: HTTP %d", status)
	default:
		err = NewErrorf(CodeHTTPStatus, CategoryTransport, SeverityError, "unexpected HTTP status %d", status)
	}
	if body != "" {
		err = err.WithDetail(body)
	}
	return err.
		WithStatus(status).
		WithRetryAfter(retryAfter).
		WithContext(&Context{Operation: operation, Endpoint: endpoint}).
		WithData(&TransportErrorData{
			Transport:  "http",
			Operation:  operation,
			Endpoint:   hostOf(endpoint),
			StatusCode: status,
		})
}

// SessionClosed is returned for calls made while a session is not open.
func SessionClosed(endpoint string, state string) ClientError {
	return NewErrorf(CodeSessionClosed, CategoryTransport, SeverityError,
		"session to %s is %s", hostOf(endpoint), state)
}

// SessionDraining is returned for calls made after Close was requested.
func SessionDraining(endpoint string) ClientError {
	return NewErrorf(CodeSessionDraining, CategoryTransport, SeverityWarning,
		"session to %s is draining", hostOf(endpoint))
}
