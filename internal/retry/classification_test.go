package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
)

type selfClassified struct{ retry bool }

func (e selfClassified) Error() string   { return "self classified" }
func (e selfClassified) Retryable() bool { return e.retry }

func TestClassifyErrorExplicitRetryable(t *testing.T) {
	err := Retryable(errors.New("upstream unavailable"))
	if got := ClassifyError(err); got != ClassRetryable {
		t.Fatalf("expected retryable, got %s", got)
	}
}

func TestClassifyErrorExplicitTerminal(t *testing.T) {
	err := Terminal(errors.New("response date missing"))
	if got := ClassifyError(err); got != ClassTerminal {
		t.Fatalf("expected terminal, got %s", got)
	}
}

func TestClassifyErrorHonoursTypedErrors(t *testing.T) {
	if got := ClassifyError(fmt.Errorf("put object: %w", selfClassified{retry: true})); got != ClassRetryable {
		t.Fatalf("expected retryable, got %s", got)
	}
	if got := ClassifyError(fmt.Errorf("geocode: %w", selfClassified{retry: false})); got != ClassTerminal {
		t.Fatalf("expected terminal, got %s", got)
	}
}

func TestClassifyErrorKnownRetryableFailures(t *testing.T) {
	cases := []error{
		context.Canceled,
		context.DeadlineExceeded,
		net.ErrClosed,
		syscall.ECONNRESET,
		syscall.ETIMEDOUT,
	}

	for _, err := range cases {
		if got := ClassifyError(err); got != ClassRetryable {
			t.Fatalf("expected retryable for %T (%v), got %s", err, err, got)
		}
	}
}

func TestClassifyErrorDefaultsToTerminal(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", io.EOF)
	if got := ClassifyError(err); got != ClassTerminal {
		t.Fatalf("expected terminal, got %s", got)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]FailureClass{
		http.StatusInternalServerError: ClassRetryable,
		http.StatusBadGateway:          ClassRetryable,
		http.StatusTooManyRequests:     ClassRetryable,
		http.StatusBadRequest:          ClassTerminal,
		http.StatusUnauthorized:        ClassTerminal,
		http.StatusNotFound:            ClassTerminal,
	}
	for code, want := range cases {
		if got := ClassifyStatus(code); got != want {
			t.Fatalf("status %d: expected %s, got %s", code, want, got)
		}
	}
}
