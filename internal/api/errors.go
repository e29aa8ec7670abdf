package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"tally/internal/log"
)

// Kind classifies a failed request.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindUnauthorized Kind = "unauthorized"
	KindValidation   Kind = "validation"
	KindServer       Kind = "server"
	KindDecode       Kind = "decode"
)

// Sentinel errors matched by errors.Is against an *Error of the same kind.
var (
	ErrNetwork      = errors.New("network error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("validation error")
	ErrServer       = errors.New("server error")
	ErrDecode       = errors.New("malformed response")
)

const (
	msgNetwork      = "Unable to reach the server. Check your connection and try again."
	msgUnauthorized = "Your session has expired. Please log in again."
	msgServer       = "Something went wrong on our side. Please try again later."
	msgDecode       = "The server sent an unexpected response."
)

// Error is returned for every request that did not produce a usable 2xx
// response, except cancellation which returns the context error.
type Error struct {
	Kind      Kind
	Status    int    // 0 for network failures
	Message   string // safe to show to the user
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// logType maps the kind onto the log error_type vocabulary.
func (e *Error) logType() string {
	switch e.Kind {
	case KindNetwork:
		return log.ErrorTypeNetwork
	case KindUnauthorized:
		return log.ErrorTypeAuth
	case KindValidation:
		return log.ErrorTypeValidation
	case KindDecode:
		return log.ErrorTypeDecode
	default:
		return log.ErrorTypeServer
	}
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindNetwork:
		return target == ErrNetwork
	case KindUnauthorized:
		return target == ErrUnauthorized
	case KindValidation:
		return target == ErrValidation
	case KindServer:
		return target == ErrServer
	case KindDecode:
		return target == ErrDecode
	}
	return false
}

// retryable reports whether a read may be attempted again after e.
func (e *Error) retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// statusError classifies a non-2xx response.
func statusError(status int, serverMsg, requestID string) *Error {
	e := &Error{Status: status, RequestID: requestID}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
		e.Message = msgUnauthorized
		if serverMsg != "" {
			e.Message = serverMsg
		}
	case status >= 500:
		e.Kind = KindServer
		e.Message = msgServer
	default:
		e.Kind = KindValidation
		e.Message = serverMsg
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
	}
	return e
}

// UserMessage returns the text a view should display for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		switch apiErr.Kind {
		case KindNetwork:
			return msgNetwork
		case KindDecode:
			return msgDecode
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return msgNetwork
	}
	return err.Error()
}
