package ledger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
	"github.com/hitoshi/brandsync/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func day(s string) time.Time {
	t, _ := time.Parse(model.DateLayout, s)
	return t
}

type fixture struct {
	store  *repository.MemStore
	ledger *Ledger
	clock  *fakeClock
	logs   *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemStore()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	logs := &bytes.Buffer{}
	l := New(store, Config{MaxAttempts: 3, RetryBaseDelay: time.Minute, RetryMaxDelay: time.Hour, LeaseDuration: 10 * time.Minute}, nil, newTestLogger(logs))
	l.SetClock(clock.Now)

	if _, err := store.Upsert(context.Background(), &model.Connection{
		BrandID: "brand-1", Platform: model.PlatformMeta, AccessToken: "t", ExternalAccountID: "act_1",
		Status: model.ConnectionActive, BackfillStart: day("2024-01-01"),
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	return &fixture{store: store, ledger: l, clock: clock, logs: logs}
}

func (f *fixture) enqueue(t *testing.T, reason model.Reason, force bool) EnqueueResult {
	t.Helper()
	res, err := f.ledger.Enqueue(context.Background(), EnqueueRequest{
		BrandID:  "brand-1",
		Platform: model.PlatformMeta,
		Entity:   model.EntityAdInsights,
		Range:    model.DateRange{Start: day("2024-01-01"), End: day("2024-01-30")},
		Reason:   reason,
		Force:    force,
	})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	return res
}

func (f *fixture) claim(t *testing.T) *model.SyncJob {
	t.Helper()
	job, err := f.ledger.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	return job
}

func TestEnqueue_IdempotentWhilePending(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, model.ReasonManual, false)
	second := f.enqueue(t, model.ReasonCron, false)

	if !first.Created || second.Created {
		t.Errorf("Created = %v, %v; want true, false", first.Created, second.Created)
	}
	if first.JobID != second.JobID {
		t.Errorf("second enqueue returned %s, want %s", second.JobID, first.JobID)
	}
	if n := len(f.store.Jobs()); n != 1 {
		t.Errorf("jobs = %d, want 1", n)
	}
}

func TestEnqueue_CompletedIsNoOpUnlessForced(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, model.ReasonManual, false)
	job := f.claim(t)
	if err := f.ledger.Complete(context.Background(), job, model.JobResult{RecordsWritten: 5}); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	noop := f.enqueue(t, model.ReasonManual, false)
	if noop.Created || noop.JobID != first.JobID {
		t.Errorf("enqueue of completed key = %+v, want no-op returning %s", noop, first.JobID)
	}

	forced := f.enqueue(t, model.ReasonCron, true)
	if !forced.Created {
		t.Fatal("forced enqueue did not create a new attempt")
	}
	jobs := f.store.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].Status != model.JobCompleted || jobs[0].RecordsWritten != 5 {
		t.Errorf("completed row was modified: %+v", jobs[0])
	}
	if jobs[1].Attempt != 1 || jobs[1].PreviousJobID != first.JobID {
		t.Errorf("forced row = %+v, want attempt 1 linked to %s", jobs[1], first.JobID)
	}
}

func TestFail_RequeuesWithBackoffUntilExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, model.ReasonManual, false)
	failure := &model.SyncError{Kind: model.KindTotalFetchFailure, HTTPStatus: 502, Message: "bad gateway"}

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute}
	for attempt := 1; attempt <= 3; attempt++ {
		job := f.claim(t)
		if job == nil {
			t.Fatalf("attempt %d: nothing claimable", attempt)
		}
		if job.Attempt != attempt {
			t.Fatalf("claimed attempt %d, want %d", job.Attempt, attempt)
		}
		exhausted, err := f.ledger.Fail(ctx, job, failure)
		if err != nil {
			t.Fatalf("Fail() error: %v", err)
		}
		if exhausted != (attempt == 3) {
			t.Fatalf("attempt %d: exhausted = %v", attempt, exhausted)
		}
		if attempt == 3 {
			break
		}

		// バックオフ期間中は取得できない
		if got := f.claim(t); got != nil {
			t.Fatalf("attempt %d: claimed %s before backoff elapsed", attempt, got.ID)
		}
		f.clock.Advance(wantDelays[attempt-1])
	}

	f.clock.Advance(24 * time.Hour)
	if got := f.claim(t); got != nil {
		t.Errorf("exhausted key was claimed again: %+v", got)
	}
	jobs := f.store.Jobs()
	if len(jobs) != 3 || !jobs[2].Exhausted {
		t.Errorf("jobs = %+v, want 3 attempts with the last exhausted", jobs)
	}
	if !strings.Contains(f.logs.String(), "リトライ上限") {
		t.Error("exhaustion was not logged")
	}
}

func TestFail_NonRetryableKindExhaustsImmediately(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, model.ReasonManual, false)
	job := f.claim(t)

	exhausted, err := f.ledger.Fail(context.Background(), job, &model.SyncError{Kind: model.KindInvalidRange})
	if err != nil {
		t.Fatalf("Fail() error: %v", err)
	}
	if !exhausted {
		t.Error("invalid range failure should not be retried")
	}
}

func TestEnqueue_ExhaustedKeyOnlyReopenedByExplicitReason(t *testing.T) {
	f := newFixture(t)
	f.ledger.cfg.MaxAttempts = 1
	f.enqueue(t, model.ReasonManual, false)
	job := f.claim(t)
	if _, err := f.ledger.Fail(context.Background(), job, &model.SyncError{Kind: model.KindRateLimited}); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}

	for _, reason := range []model.Reason{model.ReasonCron, model.ReasonGap} {
		res := f.enqueue(t, reason, true)
		if res.Created || !res.Skipped {
			t.Errorf("%s enqueue of exhausted key = %+v, want skipped", reason, res)
		}
	}

	res := f.enqueue(t, model.ReasonRepair, false)
	if !res.Created {
		t.Fatalf("repair enqueue = %+v, want created", res)
	}
	if got := f.claim(t); got == nil || got.Attempt != 1 {
		t.Errorf("reopened job = %+v, want claimable attempt 1", got)
	}
}

func TestRelease_DoesNotConsumeAttempt(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, model.ReasonManual, false)
	job := f.claim(t)

	if err := f.ledger.Release(context.Background(), job, 0, model.KindAuthExpired); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	again := f.claim(t)
	if again == nil || again.ID != job.ID || again.Attempt != 1 {
		t.Errorf("re-claimed = %+v, want same job at attempt 1", again)
	}
}

func TestReclaimExpired_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, model.ReasonManual, false)
	job := f.claim(t)

	f.clock.Advance(5 * time.Minute)
	reclaimed, err := f.ledger.ReclaimExpired(ctx)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("ReclaimExpired() within lease = %d, %v; want 0", len(reclaimed), err)
	}

	f.clock.Advance(6 * time.Minute)
	reclaimed, err = f.ledger.ReclaimExpired(ctx)
	if err != nil || len(reclaimed) != 1 || reclaimed[0].ID != job.ID {
		t.Fatalf("ReclaimExpired() = %d, %v; want 1", len(reclaimed), err)
	}
	reclaimed, err = f.ledger.ReclaimExpired(ctx)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("second ReclaimExpired() = %d, %v; want 0", len(reclaimed), err)
	}

	// 遅れて届いた完了は受け付けない
	if err := f.ledger.Complete(ctx, job, model.JobResult{}); !errors.Is(err, repository.ErrNotRunning) {
		t.Errorf("late Complete() = %v, want ErrNotRunning", err)
	}

	jobs := f.store.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].ErrorKind != model.KindStuckJob || jobs[0].Status != model.JobFailed {
		t.Errorf("reclaimed row = %+v, want failed stuck_job", jobs[0])
	}
	if jobs[1].Attempt != 2 || jobs[1].Status != model.JobPending {
		t.Errorf("requeued row = %+v, want pending attempt 2", jobs[1])
	}
	if !strings.Contains(f.logs.String(), "停止したジョブを回収しました") {
		t.Error("reclaim was not logged distinctly")
	}
}

func TestEnqueue_RejectsInvertedRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Enqueue(context.Background(), EnqueueRequest{
		BrandID: "brand-1", Platform: model.PlatformMeta, Entity: model.EntityAdInsights,
		Range:  model.DateRange{Start: day("2024-02-01"), End: day("2024-01-01")},
		Reason: model.ReasonManual,
	})
	if !model.IsKind(err, model.KindInvalidRange) {
		t.Errorf("Enqueue() = %v, want invalid range", err)
	}
}

type recordingMetrics struct {
	enqueued, claimed, completed, failed, released, reclaimed int
}

func (m *recordingMetrics) RecordJobEnqueued(_, _, _ string)       { m.enqueued++ }
func (m *recordingMetrics) RecordJobClaimed(_, _ string)           { m.claimed++ }
func (m *recordingMetrics) RecordJobCompleted(_, _ string)         { m.completed++ }
func (m *recordingMetrics) RecordJobFailed(_, _, _ string, _ bool) { m.failed++ }
func (m *recordingMetrics) RecordJobReleased(_, _, _ string)       { m.released++ }
func (m *recordingMetrics) RecordJobReclaimed(_, _ string)         { m.reclaimed++ }

func TestLedger_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	m := &recordingMetrics{}
	f.ledger.metrics = m

	f.enqueue(t, model.ReasonManual, false)
	job := f.claim(t)
	if err := f.ledger.Complete(context.Background(), job, model.JobResult{}); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if m.enqueued != 1 || m.claimed != 1 || m.completed != 1 {
		t.Errorf("metrics = %+v", m)
	}
}
