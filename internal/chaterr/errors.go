// ABOUTME: Error taxonomy shared by the request client, realtime channel and synchronizer
// ABOUTME: Backend HTTP failures keep their status and message and unwrap to a sentinel

package chaterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Taxonomy sentinels. Test with errors.Is.
var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrNetwork             = errors.New("network error")
	ErrTimeout             = errors.New("timeout")
	ErrChannelDisconnected = errors.New("realtime channel disconnected")
)

// StatusError is a non-2xx response from the backend, surfaced unchanged.
type StatusError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// Unwrap exposes the taxonomy sentinel for errors.Is.
func (e *StatusError) Unwrap() error {
	return e.kind
}

// FromStatus builds a StatusError for the given HTTP status and backend message.
func FromStatus(code int, message string) error {
	return &StatusError{
		StatusCode: code,
		Message:    message,
		kind:       kindForStatus(code),
	}
}

func kindForStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthentication
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrInvalidArgument
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		return ErrNetwork
	}
}

// FromTransport classifies an error raised before a response was received.
// Caller cancellation is returned unchanged.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// Retryable reports whether the failed request/response call is safe to repeat.
// The core never retries on its own; this is for callers.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
