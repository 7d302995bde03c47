package platform

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestHTTPClient(t *testing.T, p model.Platform, retries int) *HTTPClient {
	t.Helper()
	var buf bytes.Buffer
	cfg := HTTPConfig{
		Platform:          p,
		Timeout:           5 * time.Second,
		RateLimitRetries:  retries,
		RateLimitBaseWait: time.Millisecond,
		RateLimitMaxWait:  5 * time.Millisecond,
		BreakerTimeout:    time.Minute,
	}
	if p == model.PlatformMeta {
		cfg.IsRateLimited = metaRateLimited
	}
	return NewHTTPClient(cfg, nil, newTestLogger(&buf))
}

func mustRange(t *testing.T, start, end string) model.DateRange {
	t.Helper()
	r, err := model.ParseDateRange(start, end)
	if err != nil {
		t.Fatalf("ParseDateRange(%s, %s): %v", start, end, err)
	}
	return r
}

func requireKind(t *testing.T, err error, want model.ErrorKind) *model.SyncError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	se := model.AsSyncError(err)
	if se.Kind != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, se.Kind, err)
	}
	return se
}
