package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

// Class is the retry classification of a failure.
type Class int

const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota
	// ClassTransient failures may succeed on a later attempt.
	ClassTransient
	// ClassRefresh failures may succeed after the bearer token is refreshed.
	ClassRefresh
	// ClassFatal failures will fail again.
	ClassFatal
	// ClassCancelled failures come from the caller giving up.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassRefresh:
		return "refresh"
	case ClassFatal:
		return "fatal"
	case ClassCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Classify maps an error to a retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}

	if ce, ok := sdkerrors.AsClientError(err); ok {
		switch ce.Category() {
		case sdkerrors.CategoryCancelled, sdkerrors.CategoryTimeout:
			return ClassCancelled
		case sdkerrors.CategoryAuth:
			// only a server 401 triggers a refresh
			if ce.Code() == sdkerrors.CodeUnauthorized {
				return ClassRefresh
			}
			return ClassFatal
		}
		if ce.Retryable() {
			return ClassTransient
		}
		return ClassFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return ClassTransient
	}
	return ClassFatal
}
