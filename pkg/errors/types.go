// Package errors provides the structured error taxonomy shared by every
// component of the client. Each error carries a numeric code, a category used
// for programmatic handling (auth, rate limiting, transport, protocol,
// timeout), retry hints, and the context in which it occurred.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Category represents the type/category of an error for classification and handling
type Category string

const (
	CategoryAuth        Category = "auth"
	CategoryRateLimited Category = "rate_limited"
	CategoryTransport   Category = "transport"
	CategoryProtocol    Category = "protocol"
	CategoryTimeout     Category = "timeout"
	CategoryCancelled   Category = "cancelled"
	CategoryService     Category = "service"
	CategoryValidation  Category = "validation"
	CategoryInternal    Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context provides additional context about where and when an error occurred
type Context struct {
	RequestID string    `json:"request_id,omitempty"`
	Route     string    `json:"route,omitempty"`
	Method    string    `json:"method,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
}

// ClientError defines the interface for all client errors
type ClientError interface {
	error

	// Code returns the numeric error code
	Code() int

	// Message returns a human-readable error message
	Message() string

	// Details returns detailed technical description for debugging
	Details() string

	// Data returns structured error data for programmatic handling
	Data() interface{}

	Category() Category
	Severity() Severity
	Context() *Context

	// Retryable reports whether the failure is worth another attempt.
	Retryable() bool

	// Ambiguous reports whether the request may have reached the server
	// before the failure was observed.
	Ambiguous() bool

	// StatusCode is the HTTP status that produced the error, or 0.
	StatusCode() int

	// RetryAfter is the server supplied back-off hint, or 0.
	RetryAfter() time.Duration

	WithContext(ctx *Context) ClientError
	WithDetail(detail string) ClientError
	WithData(data interface{}) ClientError
	WithRetryable(retryable bool) ClientError
	WithAmbiguous(ambiguous bool) ClientError
	WithStatus(status int) ClientError
	WithRetryAfter(d time.Duration) ClientError

	// Unwrap returns the underlying error for error chain traversal
	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map
	ToJSON() map[string]interface{}
}

// baseError implements the ClientError interface
type baseError struct {
	code       int
	message    string
	details    string
	data       interface{}
	category   Category
	severity   Severity
	context    *Context
	retryable  bool
	ambiguous  bool
	status     int
	retryAfter time.Duration
	cause      error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Code() int                 { return e.code }
func (e *baseError) Message() string           { return e.message }
func (e *baseError) Details() string           { return e.details }
func (e *baseError) Data() interface{}         { return e.data }
func (e *baseError) Category() Category        { return e.category }
func (e *baseError) Severity() Severity        { return e.severity }
func (e *baseError) Context() *Context         { return e.context }
func (e *baseError) Retryable() bool           { return e.retryable }
func (e *baseError) Ambiguous() bool           { return e.ambiguous }
func (e *baseError) StatusCode() int           { return e.status }
func (e *baseError) RetryAfter() time.Duration { return e.retryAfter }
func (e *baseError) Unwrap() error             { return e.cause }

// WithContext returns a new error with the provided context. Zero fields of
// ctx keep the value already present on the error.
func (e *baseError) WithContext(ctx *Context) ClientError {
	newErr := *e
	if ctx == nil {
		return &newErr
	}
	merged := Context{}
	if e.context != nil {
		merged = *e.context
	}
	if ctx.RequestID != "" {
		merged.RequestID = ctx.RequestID
	}
	if ctx.Route != "" {
		merged.Route = ctx.Route
	}
	if ctx.Method != "" {
		merged.Method = ctx.Method
	}
	if ctx.SessionID != "" {
		merged.SessionID = ctx.SessionID
	}
	if ctx.Endpoint != "" {
		merged.Endpoint = ctx.Endpoint
	}
	if ctx.Attempt != 0 {
		merged.Attempt = ctx.Attempt
	}
	if !ctx.Timestamp.IsZero() {
		merged.Timestamp = ctx.Timestamp
	}
	if ctx.Component != "" {
		merged.Component = ctx.Component
	}
	if ctx.Operation != "" {
		merged.Operation = ctx.Operation
	}
	newErr.context = &merged
	return &newErr
}

// WithDetail returns a new error with additional detail
func (e *baseError) WithDetail(detail string) ClientError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

// WithData returns a new error with structured data
func (e *baseError) WithData(data interface{}) ClientError {
	newErr := *e
	newErr.data = data
	return &newErr
}

func (e *baseError) WithRetryable(retryable bool) ClientError {
	newErr := *e
	newErr.retryable = retryable
	return &newErr
}

func (e *baseError) WithAmbiguous(ambiguous bool) ClientError {
	newErr := *e
	newErr.ambiguous = ambiguous
	return &newErr
}

func (e *baseError) WithStatus(status int) ClientError {
	newErr := *e
	newErr.status = status
	return &newErr
}

func (e *baseError) WithRetryAfter(d time.Duration) ClientError {
	newErr := *e
	newErr.retryAfter = d
	return &newErr
}

// ToJSON returns the error as a JSON-serializable map
func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":      e.code,
		"message":   e.message,
		"category":  string(e.category),
		"severity":  string(e.severity),
		"retryable": e.retryable,
	}

	if e.details != "" {
		result["details"] = e.details
	}
	if e.data != nil {
		result["data"] = e.data
	}
	if e.context != nil {
		result["context"] = e.context
	}
	if e.status != 0 {
		result["status"] = e.status
	}
	if e.retryAfter > 0 {
		result["retry_after_ms"] = e.retryAfter.Milliseconds()
	}
	if e.ambiguous {
		result["ambiguous"] = true
	}
	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}

	return result
}

// MarshalJSON implements json.Marshaler for baseError
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewError creates a new ClientError with the specified parameters. The
// retryable flag defaults to what the code registry says about the code.
func NewError(code int, message string, category Category, severity Severity) ClientError {
	return &baseError{
		code:      code,
		message:   message,
		category:  category,
		severity:  severity,
		retryable: codeRetryable(code),
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// NewErrorf creates a new ClientError with formatted message
func NewErrorf(code int, category Category, severity Severity, format string, args ...interface{}) ClientError {
	return NewError(code, fmt.Sprintf(format, args...), category, severity)
}

// WrapError wraps an existing error as a ClientError
func WrapError(err error, code int, message string, category Category, severity Severity) ClientError {
	return &baseError{
		code:      code,
		message:   message,
		category:  category,
		severity:  severity,
		retryable: codeRetryable(code),
		cause:     err,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// WrapErrorf wraps an existing error as a ClientError with formatted message
func WrapErrorf(err error, code int, category Category, severity Severity, format string, args ...interface{}) ClientError {
	return WrapError(err, code, fmt.Sprintf(format, args...), category, severity)
}

// AsClientError extracts the outermost ClientError from an error chain.
func AsClientError(err error) (ClientError, bool) {
	if err == nil {
		return nil, false
	}
	var ce ClientError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsClientError checks if an error chain contains a ClientError
func IsClientError(err error) bool {
	_, ok := AsClientError(err)
	return ok
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	if ce, ok := AsClientError(err); ok {
		return ce.Category() == category
	}
	return false
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code int) bool {
	if ce, ok := AsClientError(err); ok {
		return ce.Code() == code
	}
	return false
}
