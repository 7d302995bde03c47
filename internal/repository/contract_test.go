package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/brandsync/internal/model"
)

// storeSet はリポジトリ実装の組を表す。MemStoreとPostgreSQL実装の両方で同じ検証を行う。
type storeSet struct {
	conns  ConnectionRepository
	jobs   JobRepository
	facts  FactRepository
	status StatusRepository
	limits RateLimitRepository
}

func day(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func testRange(start, end string) model.DateRange {
	return model.DateRange{Start: day(start), End: day(end)}
}

func seedConnection(t *testing.T, s storeSet, brandID string, platform model.Platform, status model.ConnectionStatus) *model.Connection {
	t.Helper()
	now := time.Now().UTC()
	c, err := s.conns.Upsert(context.Background(), &model.Connection{
		ID:                newID(),
		BrandID:           brandID,
		Platform:          platform,
		AccessToken:       "token",
		ExternalAccountID: "act_1",
		Status:            status,
		BackfillStart:     day("2024-01-01"),
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	return c
}

func newJob(brandID string, entity model.Entity, r model.DateRange, eligibleAt time.Time) *model.SyncJob {
	spec, _ := model.LookupEntity(entity)
	return &model.SyncJob{
		ID:         newID(),
		JobKey:     model.JobKey(brandID, spec.Platform, entity, r),
		BrandID:    brandID,
		Platform:   spec.Platform,
		Entity:     entity,
		Range:      r,
		Attempt:    1,
		Reason:     model.ReasonManual,
		EligibleAt: eligibleAt,
		CreatedAt:  eligibleAt,
	}
}

func runContract(t *testing.T, newStores func(t *testing.T) storeSet) {
	t.Run("InsertIsIdempotentWhileActive", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		now := time.Now().UTC()
		job := newJob("brand-a", model.EntityOrders, testRange("2024-01-01", "2024-01-30"), now)

		first, created, err := s.jobs.Insert(ctx, job)
		if err != nil || !created {
			t.Fatalf("first Insert() = %v, %v", created, err)
		}
		dup := *job
		dup.ID = newID()
		second, created, err := s.jobs.Insert(ctx, &dup)
		if err != nil {
			t.Fatalf("second Insert() error: %v", err)
		}
		if created {
			t.Error("second Insert() created a duplicate active job")
		}
		if second.ID != first.ID {
			t.Errorf("second Insert() returned %s, want existing %s", second.ID, first.ID)
		}
	})

	t.Run("ClaimSkipsInactiveConnectionsAndFutureJobs", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		now := time.Now().UTC()
		seedConnection(t, s, "brand-expired", model.PlatformShopify, model.ConnectionExpired)
		seedConnection(t, s, "brand-active", model.PlatformShopify, model.ConnectionActive)

		mustInsert(t, s, newJob("brand-expired", model.EntityOrders, testRange("2024-01-01", "2024-01-30"), now.Add(-time.Minute)))
		mustInsert(t, s, newJob("brand-active", model.EntityOrders, testRange("2024-01-01", "2024-01-30"), now.Add(time.Hour)))

		got, err := s.jobs.Claim(ctx, now)
		if err != nil {
			t.Fatalf("Claim() error: %v", err)
		}
		if got != nil {
			t.Fatalf("Claim() = %s, want nil", got.JobKey)
		}

		got, err = s.jobs.Claim(ctx, now.Add(2*time.Hour))
		if err != nil || got == nil {
			t.Fatalf("Claim() after eligibility = %v, %v", got, err)
		}
		if got.BrandID != "brand-active" || got.Status != model.JobRunning || got.StartedAt == nil {
			t.Errorf("Claim() = %+v, want running job of brand-active", got)
		}
	})

	t.Run("ConcurrentClaimsNeverShareAJob", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		now := time.Now().UTC()
		seedConnection(t, s, "brand-c", model.PlatformMeta, model.ConnectionActive)

		const jobs = 20
		start := day("2023-01-01")
		for i := 0; i < jobs; i++ {
			d := start.AddDate(0, 0, i)
			mustInsert(t, s, newJob("brand-c", model.EntityAdInsights, model.DateRange{Start: d, End: d}, now.Add(-time.Minute)))
		}

		var mu sync.Mutex
		claimed := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := s.jobs.Claim(ctx, now)
					if err != nil {
						t.Errorf("Claim() error: %v", err)
						return
					}
					if j == nil {
						return
					}
					mu.Lock()
					claimed[j.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(claimed) != jobs {
			t.Errorf("claimed %d distinct jobs, want %d", len(claimed), jobs)
		}
		for id, n := range claimed {
			if n != 1 {
				t.Errorf("job %s claimed %d times", id, n)
			}
		}
	})

	t.Run("FailRequeuesAndCompleteRejectsStaleTransitions", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		now := time.Now().UTC()
		seedConnection(t, s, "brand-f", model.PlatformShopify, model.ConnectionActive)
		job := mustInsert(t, s, newJob("brand-f", model.EntityOrders, testRange("2024-02-01", "2024-02-10"), now.Add(-time.Minute)))

		claimed, err := s.jobs.Claim(ctx, now)
		if err != nil || claimed == nil {
			t.Fatalf("Claim() = %v, %v", claimed, err)
		}

		next := newJob("brand-f", model.EntityOrders, job.Range, now.Add(time.Minute))
		next.Attempt = 2
		next.PreviousJobID = claimed.ID
		failure := &model.SyncError{Kind: model.KindTotalFetchFailure, HTTPStatus: 503, Message: "unavailable"}
		if err := s.jobs.Fail(ctx, claimed.ID, failure, next, now); err != nil {
			t.Fatalf("Fail() error: %v", err)
		}

		// 2回目の終端遷移は受け付けない
		if err := s.jobs.Complete(ctx, claimed.ID, model.JobResult{}, now); !IsNotRunning(err) {
			t.Errorf("Complete() after Fail = %v, want ErrNotRunning", err)
		}
		if err := s.jobs.Fail(ctx, claimed.ID, failure, nil, now); !IsNotRunning(err) {
			t.Errorf("second Fail() = %v, want ErrNotRunning", err)
		}

		latest, err := s.jobs.Latest(ctx, job.JobKey)
		if err != nil || latest == nil {
			t.Fatalf("Latest() = %v, %v", latest, err)
		}
		if latest.Attempt != 2 || latest.Status != model.JobPending || latest.PreviousJobID != claimed.ID {
			t.Errorf("Latest() = %+v, want pending attempt 2 linked to %s", latest, claimed.ID)
		}
	})

	t.Run("FailWithoutNextMarksExhausted", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		now := time.Now().UTC()
		seedConnection(t, s, "brand-x", model.PlatformShopify, model.ConnectionActive)
		job := mustInsert(t, s, newJob("brand-x", model.EntityOrders, testRange("2024-02-01", "2024-02-10"), now.Add(-time.Minute)))

		claimed, _ := s.jobs.Claim(ctx, now)
		if err := s.jobs.Fail(ctx, claimed.ID, &model.SyncError{Kind: model.KindRateLimited, HTTPStatus: 429}, nil, now); err != nil {
			t.Fatalf("Fail() error: %v", err)
		}
		latest, _ := s.jobs.Latest(ctx, job.JobKey)
		if !latest.Exhausted || latest.Status != model.JobFailed || latest.HTTPStatus != 429 {
			t.Errorf("Latest() = %+v, want exhausted failed job with http 429", latest)
		}
		if got, _ := s.jobs.Claim(ctx, now.Add(24*time.Hour)); got != nil {
			t.Errorf("Claim() returned exhausted key %s", got.JobKey)
		}
	})

	t.Run("ReleaseReturnsJobToPending", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		now := time.Now().UTC()
		seedConnection(t, s, "brand-r", model.PlatformMeta, model.ConnectionActive)
		mustInsert(t, s, newJob("brand-r", model.EntityAdInsights, testRange("2024-03-01", "2024-03-05"), now.Add(-time.Minute)))

		claimed, _ := s.jobs.Claim(ctx, now)
		if err := s.jobs.Release(ctx, claimed.ID, now, now); err != nil {
			t.Fatalf("Release() error: %v", err)
		}
		latest, _ := s.jobs.Latest(ctx, claimed.JobKey)
		if latest.Status != model.JobPending || latest.Attempt != 1 || latest.StartedAt != nil {
			t.Errorf("Latest() = %+v, want pending attempt 1 without started_at", latest)
		}
	})

	t.Run("ListExpiredAndListLatest", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		now := time.Now().UTC()
		seedConnection(t, s, "brand-l", model.PlatformMeta, model.ConnectionActive)
		mustInsert(t, s, newJob("brand-l", model.EntityAdInsights, testRange("2024-03-01", "2024-03-05"), now.Add(-time.Hour)))
		mustInsert(t, s, newJob("brand-l", model.EntityDemographics, testRange("2024-03-01", "2024-03-05"), now.Add(time.Hour)))

		if _, err := s.jobs.Claim(ctx, now.Add(-30*time.Minute)); err != nil {
			t.Fatalf("Claim() error: %v", err)
		}
		expired, err := s.jobs.ListExpired(ctx, now.Add(-10*time.Minute))
		if err != nil || len(expired) != 1 {
			t.Fatalf("ListExpired() = %v, %v; want 1 job", expired, err)
		}
		latest, err := s.jobs.ListLatest(ctx, "brand-l", model.PlatformMeta)
		if err != nil || len(latest) != 2 {
			t.Fatalf("ListLatest() = %v, %v; want 2 keys", latest, err)
		}
	})

	t.Run("StoreIsIdempotentAndRecordsCoverage", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		r := testRange("2024-04-01", "2024-04-03")
		batch := []model.FactRecord{
			{EntityID: "ad-1", Date: day("2024-04-01"), Metrics: model.Metrics{Spend: 10, Clicks: 3}},
			{EntityID: "ad-1", Date: day("2024-04-02"), Metrics: model.Metrics{Spend: 12, Clicks: 4}, Attributes: map[string]string{"campaign": "spring"}},
		}

		for i := 0; i < 2; i++ {
			n, err := s.facts.Store(ctx, "brand-s", model.EntityAdInsights, r, batch)
			if err != nil || n != 2 {
				t.Fatalf("Store() #%d = %d, %v", i+1, n, err)
			}
		}

		totals, err := s.facts.DailyTotals(ctx, "brand-s", model.EntityAdInsights, r)
		if err != nil {
			t.Fatalf("DailyTotals() error: %v", err)
		}
		if len(totals) != 2 || totals[0].Metrics.Spend != 10 || totals[1].Metrics.Clicks != 4 {
			t.Errorf("DailyTotals() = %+v, want the batch stored once", totals)
		}

		observed, err := s.facts.ObservedDates(ctx, "brand-s", model.EntityAdInsights, testRange("2024-03-30", "2024-04-05"))
		if err != nil {
			t.Fatalf("ObservedDates() error: %v", err)
		}
		if len(observed) != 3 {
			t.Errorf("ObservedDates() = %v, want the 3 covered days", observed)
		}
	})

	t.Run("PurgeRemovesEverythingForThePair", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		now := time.Now().UTC()
		seedConnection(t, s, "brand-p", model.PlatformMeta, model.ConnectionActive)
		seedConnection(t, s, "brand-p", model.PlatformShopify, model.ConnectionActive)
		r := testRange("2024-04-01", "2024-04-01")
		mustInsert(t, s, newJob("brand-p", model.EntityAdInsights, r, now))
		if _, err := s.facts.Store(ctx, "brand-p", model.EntityAdInsights, r, []model.FactRecord{{EntityID: "ad", Date: r.Start}}); err != nil {
			t.Fatalf("Store() error: %v", err)
		}
		if _, err := s.facts.Store(ctx, "brand-p", model.EntityOrders, r, []model.FactRecord{{EntityID: "order", Date: r.Start}}); err != nil {
			t.Fatalf("Store() error: %v", err)
		}

		if err := s.conns.Purge(ctx, "brand-p", model.PlatformMeta, model.FactTablesFor(model.PlatformMeta)); err != nil {
			t.Fatalf("Purge() error: %v", err)
		}

		if c, _ := s.conns.Get(ctx, "brand-p", model.PlatformMeta); c != nil {
			t.Error("meta connection still exists")
		}
		if c, _ := s.conns.Get(ctx, "brand-p", model.PlatformShopify); c == nil {
			t.Error("shopify connection was purged")
		}
		if jobs, _ := s.jobs.ListLatest(ctx, "brand-p", model.PlatformMeta); len(jobs) != 0 {
			t.Errorf("meta jobs remain: %d", len(jobs))
		}
		if days, _ := s.facts.ObservedDates(ctx, "brand-p", model.EntityAdInsights, r); len(days) != 0 {
			t.Errorf("meta facts remain: %v", days)
		}
		if days, _ := s.facts.ObservedDates(ctx, "brand-p", model.EntityOrders, r); len(days) != 1 {
			t.Errorf("shopify facts were purged: %v", days)
		}
	})

	t.Run("RateLimitCounterIncrements", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		window := time.Now().UTC().Truncate(time.Minute)
		for want := 1; want <= 3; want++ {
			got, err := s.limits.Increment(ctx, "sync:brand-rl", window, window.Add(2*time.Minute))
			if err != nil || got != want {
				t.Fatalf("Increment() = %d, %v; want %d", got, err, want)
			}
		}
		n, err := s.limits.DeleteExpired(ctx, window.Add(3*time.Minute))
		if err != nil || n != 1 {
			t.Errorf("DeleteExpired() = %d, %v; want 1", n, err)
		}
	})

	t.Run("StatusRoundTrip", func(t *testing.T) {
		s := newStores(t)
		ctx := context.Background()
		st := &model.SyncStatus{
			BrandID: "brand-st", Platform: model.PlatformMeta, Completed: 7, Pending: 3, Total: 10,
			Phase: model.PhaseHistorical, Percent: 70, ComputedAt: time.Now().UTC().Truncate(time.Second),
			FailedRanges: []model.FailedRange{{Entity: model.EntityAdInsights, Start: "2024-01-01", End: "2024-01-30", ErrorKind: model.KindRateLimited}},
		}
		if err := s.status.Save(ctx, st); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
		got, err := s.status.GetStatus(ctx, "brand-st", model.PlatformMeta)
		if err != nil || got == nil {
			t.Fatalf("GetStatus() = %v, %v", got, err)
		}
		if got.Percent != 70 || got.Phase != model.PhaseHistorical || len(got.FailedRanges) != 1 {
			t.Errorf("GetStatus() = %+v", got)
		}
	})
}

func mustInsert(t *testing.T, s storeSet, job *model.SyncJob) *model.SyncJob {
	t.Helper()
	j, created, err := s.jobs.Insert(context.Background(), job)
	if err != nil || !created {
		t.Fatalf("Insert(%s) = %v, %v", job.JobKey, created, err)
	}
	return j
}

func TestMemStore_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) storeSet {
		m := NewMemStore()
		return storeSet{conns: m, jobs: m, facts: m, status: m, limits: m}
	})
}

func TestMemStore_PruneHistoryKeepsLatest(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	s := storeSet{conns: m, jobs: m, facts: m, status: m, limits: m}
	seedConnection(t, s, "brand-h", model.PlatformShopify, model.ConnectionActive)
	job := mustInsert(t, s, newJob("brand-h", model.EntityOrders, testRange("2024-01-01", "2024-01-02"), now.Add(-time.Hour)))

	claimed, _ := m.Claim(ctx, now)
	next := newJob("brand-h", model.EntityOrders, job.Range, now)
	next.Attempt = 2
	if err := m.Fail(ctx, claimed.ID, &model.SyncError{Kind: model.KindTotalFetchFailure}, next, now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}

	n, err := m.PruneHistory(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneHistory() = %d, %v; want 1", n, err)
	}
	if jobs := m.Jobs(); len(jobs) != 1 || jobs[0].Attempt != 2 {
		t.Errorf("remaining jobs = %+v, want only attempt 2", jobs)
	}
}
