package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRecoveryMiddleware_PanicReturnsInternalError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewRecoveryMiddleware(logger))
	r.Post("/api/brands/{brandID}/sync", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/brands/b1/sync", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body ErrorResponseBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value must not leak into the response")
	}

	var panicLog, requestLog map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("parse log: %v", err)
		}
		switch entry["msg"] {
		case "panic recovered":
			panicLog = entry
		case "http_request":
			requestLog = entry
		}
	}
	if panicLog == nil || requestLog == nil {
		t.Fatalf("expected panic and request logs, got %s", buf.String())
	}
	if panicLog["brand_id"] != "b1" {
		t.Errorf("brand_id = %v, want b1", panicLog["brand_id"])
	}
	if panicLog["request_id"] == "" || panicLog["request_id"] != requestLog["request_id"] {
		t.Errorf("request_id mismatch: panic=%v request=%v", panicLog["request_id"], requestLog["request_id"])
	}
	if requestLog["status"] != float64(500) {
		t.Errorf("request log status = %v, want 500", requestLog["status"])
	}
}

func TestRecoveryMiddleware_AbortHandlerIsRepanicked(t *testing.T) {
	handler := NewRecoveryMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recover() = %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	t.Error("ServeHTTP should re-panic")
}

func TestRecoveryMiddleware_NoPanicPassesThrough(t *testing.T) {
	handler := NewRecoveryMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}
