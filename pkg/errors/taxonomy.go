package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// AuthErrorData describes why a credential or token could not be used.
type AuthErrorData struct {
	Subject string `json:"subject,omitempty"`
	Issuer  string `json:"issuer,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// AuthFailed creates an error for a credential that could not be turned into
// a usable token. It is never retried by the pipeline.
func AuthFailed(reason string, cause error) ClientError {
	message := "authentication failed"
	if reason != "" {
		message = fmt.Sprintf("authentication failed: %s", reason)
	}
	return WrapError(cause, CodeTokenExchangeFailed, message, CategoryAuth, SeverityError).
		WithData(&AuthErrorData{Reason: reason})
}

// InvalidCredential reports credential material that cannot sign assertions.
func InvalidCredential(reason string) ClientError {
	return NewErrorf(CodeInvalidCredential, CategoryAuth, SeverityCritical, "invalid credential: %s", reason)
}

// TokenExpired creates an error for a token that was already expired on receipt.
func TokenExpired(subject string, expiredAt time.Time) ClientError {
	return NewErrorf(CodeTokenExpired, CategoryAuth, SeverityWarning,
		"token for %q expired at %s", subject, expiredAt.UTC().Format(time.RFC3339)).
		WithData(&AuthErrorData{Subject: subject, Reason: "expired"})
}

// RateLimitData describes a local admission failure.
type RateLimitData struct {
	Route string        `json:"route"`
	Wait  time.Duration `json:"wait,omitempty"`
}

// RateLimited creates the error returned when a route's bucket could not
// admit a request before the caller's deadline.
func RateLimited(route string, wait time.Duration) ClientError {
	message := fmt.Sprintf("rate limit exceeded for route %q", route)
	if wait > 0 {
		message = fmt.Sprintf("%s (next token in %v)", message, wait)
	}
	return NewError(CodeRateLimited, message, CategoryRateLimited, SeverityWarning).
		WithRetryAfter(wait).
		WithContext(&Context{Route: route}).
		WithData(&RateLimitData{Route: route, Wait: wait})
}

// ProtocolViolation creates an error for frames or transitions that break
// the wire contract.
func ProtocolViolation(code int, reason string) ClientError {
	if code == 0 {
		code = CodeProtocolError
	}
	return NewErrorf(code, CategoryProtocol, SeverityError, "protocol error: %s", reason)
}

// MalformedFrame wraps a decode failure.
func MalformedFrame(cause error) ClientError {
	return WrapError(cause, CodeMalformedFrame, "malformed frame", CategoryProtocol, SeverityError).
		WithDetail(reason(cause))
}

// Timeout creates the error surfaced when a caller's deadline elapses.
func Timeout(operation string, after time.Duration) ClientError {
	message := fmt.Sprintf("%s timed out", operation)
	if after > 0 {
		message = fmt.Sprintf("%s timed out after %v", operation, after)
	}
	return NewError(CodeOperationTimeout, message, CategoryTimeout, SeverityError).
		WithContext(&Context{Operation: operation})
}

// Cancelled creates the error surfaced when a caller abandons an operation.
func Cancelled(operation string) ClientError {
	return NewErrorf(CodeOperationCancelled, CategoryCancelled, SeverityInfo, "%s cancelled", operation).
		WithContext(&Context{Operation: operation})
}

// InvalidArgument reports bad input supplied by the caller.
func InvalidArgument(param, reason string) ClientError {
	return NewErrorf(CodeInvalidParams, CategoryValidation, SeverityError, "invalid %s: %s", param, reason)
}

// Internal wraps an unexpected failure.
func Internal(operation string, cause error) ClientError {
	return WrapErrorf(cause, CodeInternalError, CategoryInternal, SeverityError, "internal error during %s", operation).
		WithDetail(reason(cause))
}

// StatusSeverity mirrors the severity levels reported by the backend services.
type StatusSeverity string

const (
	StatusOK      StatusSeverity = "OK"
	StatusInfo    StatusSeverity = "INFO"
	StatusWarning StatusSeverity = "WARNING"
	StatusError   StatusSeverity = "ERROR"
)

// Status is the error payload returned by the backend services.
type Status struct {
	Severity StatusSeverity         `json:"severity"`
	Code     string                 `json:"code"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

func (s *Status) String() string {
	if len(s.Params) == 0 {
		return fmt.Sprintf("%s %s", s.Severity, s.Code)
	}
	parts := make([]string, 0, len(s.Params))
	for k, v := range s.Params {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return fmt.Sprintf("%s %s (%s)", s.Severity, s.Code, strings.Join(parts, ", "))
}

// ServiceStatus wraps a backend status reply. Service errors are answers, so
// they are never retried.
func ServiceStatus(method string, status *Status) ClientError {
	sev := SeverityError
	if status != nil && status.Severity == StatusWarning {
		sev = SeverityWarning
	}
	code := "unknown"
	if status != nil {
		code = status.Code
	}
	return NewErrorf(CodeServiceStatus, CategoryService, sev, "%s failed: %s", method, code).
		WithContext(&Context{Method: method}).
		WithData(status)
}

// AsStatus extracts the backend status from a service error.
func AsStatus(err error) (*Status, bool) {
	ce, ok := AsClientError(err)
	if !ok || ce.Category() != CategoryService {
		return nil, false
	}
	st, ok := ce.Data().(*Status)
	return st, ok && st != nil
}

// FromContext maps a context error to Timeout or Cancelled.
func FromContext(err error, operation string) ClientError {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, context.DeadlineExceeded):
		return Timeout(operation, 0)
	case stderrors.Is(err, context.Canceled):
		return Cancelled(operation)
	}
	return Internal(operation, err)
}

// IsRetryable reports whether err is marked as worth another attempt.
func IsRetryable(err error) bool {
	if ce, ok := AsClientError(err); ok {
		return ce.Retryable()
	}
	return false
}

// IsAmbiguous reports whether the request behind err may have been applied.
func IsAmbiguous(err error) bool {
	if ce, ok := AsClientError(err); ok {
		return ce.Ambiguous()
	}
	return false
}

// StatusCode returns the HTTP status attached to err, or 0.
func StatusCode(err error) int {
	if ce, ok := AsClientError(err); ok {
		return ce.StatusCode()
	}
	return 0
}

// RetryAfter returns the server back-off hint attached to err, or 0.
func RetryAfter(err error) time.Duration {
	if ce, ok := AsClientError(err); ok {
		return ce.RetryAfter()
	}
	return 0
}

// Annotate attaches context to err if it is a ClientError and returns err
// unchanged otherwise.
func Annotate(err error, ctx *Context) error {
	if ce, ok := AsClientError(err); ok {
		return ce.WithContext(ctx)
	}
	return err
}
