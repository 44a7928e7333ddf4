package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDPropagationFromHeader(t *testing.T) {
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := requestIDFromContext(r.Context()); got != "req-123" {
			t.Fatalf("expected context request_id req-123, got %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "req-123" {
		t.Fatalf("expected response header request_id req-123, got %q", got)
	}
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestLoggingMiddlewareRecordsRequestFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	handler := requestIDMiddleware(loggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodPost, "/progress/pause", nil)
	req.Header.Set(requestIDHeader, "req-abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["method"] != http.MethodPost {
		t.Fatalf("expected method=%s, got %v", http.MethodPost, fields["method"])
	}
	if fields["path"] != "/progress/pause" {
		t.Fatalf("expected path=/progress/pause, got %v", fields["path"])
	}
	if fields["status"] != int64(http.StatusAccepted) {
		t.Fatalf("expected status=%d, got %v", http.StatusAccepted, fields["status"])
	}
	if fields["request_id"] != "req-abc" {
		t.Fatalf("expected request_id=req-abc, got %v", fields["request_id"])
	}
	if _, ok := fields["latency_ms"]; !ok {
		t.Fatal("expected latency_ms in log fields")
	}
}
