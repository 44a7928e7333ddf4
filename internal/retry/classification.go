package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
)

type FailureClass string

const (
	ClassRetryable FailureClass = "retryable"
	ClassTerminal  FailureClass = "terminal"
)

// classifier is implemented by typed errors that know whether a later attempt can succeed.
type classifier interface {
	Retryable() bool
}

type retryableError struct {
	err error
}

func (e retryableError) Error() string   { return e.err.Error() }
func (e retryableError) Unwrap() error   { return e.err }
func (e retryableError) Retryable() bool { return true }

type terminalError struct {
	err error
}

func (e terminalError) Error() string   { return e.err.Error() }
func (e terminalError) Unwrap() error   { return e.err }
func (e terminalError) Retryable() bool { return false }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// ClassifyError labels a collection failure. The label drives logs and metrics; every
// failure still goes through the same mark-failed path.
func ClassifyError(err error) FailureClass {
	if err == nil {
		return ClassTerminal
	}

	var c classifier
	if errors.As(err, &c) {
		if c.Retryable() {
			return ClassRetryable
		}
		return ClassTerminal
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	if errors.Is(err, net.ErrClosed) {
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return ClassRetryable
	}

	return ClassTerminal
}

// ClassifyStatus maps an upstream HTTP status to a failure class.
func ClassifyStatus(code int) FailureClass {
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return ClassRetryable
	}
	return ClassTerminal
}
