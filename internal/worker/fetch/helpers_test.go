package fetch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/brandsync/internal/ledger"
	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/platform"
	"github.com/hitoshi/brandsync/internal/progress"
	"github.com/hitoshi/brandsync/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// syncBuffer は並行書き込みに対応したログ出力先。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeSource はSourceのテスト用モック。
type fakeSource struct {
	mu        sync.Mutex
	calls     int
	fetchFunc func(ctx context.Context, conn *model.Connection, entity model.Entity, r model.DateRange) (*platform.Result, error)
}

func (s *fakeSource) Fetch(ctx context.Context, conn *model.Connection, entity model.Entity, r model.DateRange) (*platform.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fetchFunc != nil {
		return s.fetchFunc(ctx, conn, entity, r)
	}
	return dailyRecords(conn.BrandID, entity, r), nil
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// dailyRecords は期間の各日に1件ずつレコードを返す。
func dailyRecords(brandID string, entity model.Entity, r model.DateRange) *platform.Result {
	res := &platform.Result{}
	for _, d := range r.Each() {
		res.Records = append(res.Records, model.FactRecord{
			BrandID:  brandID,
			Entity:   entity,
			EntityID: "ad-1",
			Date:     d,
			Metrics:  model.Metrics{Spend: 10, Impressions: 100},
		})
	}
	return res
}

// failingFacts は保存に失敗するFactRepository。
type failingFacts struct {
	repository.FactRepository
}

func (failingFacts) Store(context.Context, string, model.Entity, model.DateRange, []model.FactRecord) (int, error) {
	return 0, errors.New("disk full")
}

type fixture struct {
	store   *repository.MemStore
	ledger  *ledger.Ledger
	clock   *fakeClock
	source  *fakeSource
	fetcher *Fetcher
	logs    *syncBuffer
}

func day(s string) time.Time {
	t, _ := time.Parse(model.DateLayout, s)
	return t
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemStore()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := ledger.New(store, ledger.Config{MaxAttempts: 3, RetryBaseDelay: time.Minute, RetryMaxDelay: time.Hour, LeaseDuration: 10 * time.Minute}, nil, logger)
	l.SetClock(clock.Now)

	if _, err := store.Upsert(context.Background(), &model.Connection{
		BrandID: "brand-1", Platform: model.PlatformMeta, AccessToken: "t", ExternalAccountID: "act_1",
		Status: model.ConnectionActive, BackfillStart: day("2024-01-01"),
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	source := &fakeSource{}
	f := NewFetcher(store, store, source, l, nil, logger, 2*time.Minute)
	f.now = clock.Now
	return &fixture{store: store, ledger: l, clock: clock, source: source, fetcher: f, logs: logs}
}

func (f *fixture) enqueue(t *testing.T, start, end string) {
	t.Helper()
	r, err := model.ParseDateRange(start, end)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Enqueue(context.Background(), ledger.EnqueueRequest{
		BrandID: "brand-1", Platform: model.PlatformMeta, Entity: model.EntityAdInsights,
		Range: r, Reason: model.ReasonManual, InitialLoad: true,
	}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
}

func (f *fixture) claim(t *testing.T) *model.SyncJob {
	t.Helper()
	job, err := f.ledger.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if job == nil {
		t.Fatal("Claim() returned no job")
	}
	return job
}

func (f *fixture) scheduler(concurrency int) *Scheduler {
	var buf bytes.Buffer
	agg := progress.NewAggregator(f.store, f.store, f.store, newTestLogger(&buf))
	s := NewScheduler(f.ledger, f.fetcher, agg, nil, nil, slog.New(slog.NewJSONHandler(f.logs, nil)), concurrency, 45*time.Second)
	s.now = f.clock.Now
	return s
}

// jobsByKey は各キーの最新の試行を返す。
func (f *fixture) latest(t *testing.T) []*model.SyncJob {
	t.Helper()
	jobs, err := f.store.ListLatest(context.Background(), "brand-1", model.PlatformMeta)
	if err != nil {
		t.Fatal(err)
	}
	return jobs
}
