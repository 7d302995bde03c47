package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/brandsync/internal/model"
)

type connKey struct {
	brandID  string
	platform model.Platform
}

type coverageKey struct {
	brandID string
	entity  model.Entity
	date    string
}

type counterKey struct {
	key         string
	windowStart int64
}

type memCounter struct {
	count     int
	expiresAt time.Time
}

// MemStore は全リポジトリインターフェースのインメモリ実装。
// STORAGE_DRIVER=memory での単一プロセス実行とテストで使用する。
// ジョブは挿入順に保持し、スライス内の位置を seq として扱う。
type MemStore struct {
	lk sync.RWMutex

	conns    map[connKey]*model.Connection
	jobs     []*model.SyncJob
	facts    map[model.Entity]map[model.FactKey]model.FactRecord
	coverage map[coverageKey]time.Time
	statuses map[connKey]*model.SyncStatus
	counters map[counterKey]*memCounter
}

// NewMemStore はMemStoreを生成する。
func NewMemStore() *MemStore {
	return &MemStore{
		conns:    make(map[connKey]*model.Connection),
		facts:    make(map[model.Entity]map[model.FactKey]model.FactRecord),
		coverage: make(map[coverageKey]time.Time),
		statuses: make(map[connKey]*model.SyncStatus),
		counters: make(map[counterKey]*memCounter),
	}
}

var (
	_ ConnectionRepository = (*MemStore)(nil)
	_ JobRepository        = (*MemStore)(nil)
	_ FactRepository       = (*MemStore)(nil)
	_ StatusRepository     = (*MemStore)(nil)
	_ RateLimitRepository  = (*MemStore)(nil)
	_ Pinger               = (*MemStore)(nil)
)

// PingContext は常に成功する。
func (s *MemStore) PingContext(ctx context.Context) error {
	return ctx.Err()
}

func copyConn(c *model.Connection) *model.Connection {
	cp := *c
	return &cp
}

func copyJob(j *model.SyncJob) *model.SyncJob {
	cp := *j
	return &cp
}

// --- ConnectionRepository ---

func (s *MemStore) Get(ctx context.Context, brandID string, platform model.Platform) (*model.Connection, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	c, ok := s.conns[connKey{brandID, platform}]
	if !ok {
		return nil, nil
	}
	return copyConn(c), nil
}

func (s *MemStore) ListByBrand(ctx context.Context, brandID string) ([]*model.Connection, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	var out []*model.Connection
	for k, c := range s.conns {
		if k.brandID == brandID {
			out = append(out, copyConn(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (s *MemStore) ListActive(ctx context.Context) ([]*model.Connection, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	var out []*model.Connection
	for _, c := range s.conns {
		if c.Status == model.ConnectionActive {
			out = append(out, copyConn(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BrandID != out[j].BrandID {
			return out[i].BrandID < out[j].BrandID
		}
		return out[i].Platform < out[j].Platform
	})
	return out, nil
}

func (s *MemStore) Upsert(ctx context.Context, conn *model.Connection) (*model.Connection, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	k := connKey{conn.BrandID, conn.Platform}
	next := copyConn(conn)
	if existing, ok := s.conns[k]; ok {
		next.ID = existing.ID
		next.BackfillStart = existing.BackfillStart
		next.LastSyncedAt = existing.LastSyncedAt
		next.SyncedThrough = existing.SyncedThrough
		next.CreatedAt = existing.CreatedAt
	} else if next.ID == "" {
		next.ID = uuid.New().String()
	}
	s.conns[k] = next
	return copyConn(next), nil
}

func (s *MemStore) UpdateStatus(ctx context.Context, brandID string, platform model.Platform, status model.ConnectionStatus) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	c, ok := s.conns[connKey{brandID, platform}]
	if !ok {
		return nil
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) TouchSynced(ctx context.Context, brandID string, platform model.Platform, at time.Time, syncedThrough time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	c, ok := s.conns[connKey{brandID, platform}]
	if !ok {
		return nil
	}
	at = at.UTC()
	c.LastSyncedAt = &at
	through := model.Day(syncedThrough)
	if c.SyncedThrough == nil || through.After(*c.SyncedThrough) {
		c.SyncedThrough = &through
	}
	c.UpdatedAt = at
	return nil
}

func (s *MemStore) Purge(ctx context.Context, brandID string, platform model.Platform, factTables []string) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	owned := make(map[model.Entity]bool)
	for _, spec := range model.EntitiesFor(platform) {
		for _, t := range factTables {
			if spec.FactTable == t {
				owned[spec.Entity] = true
			}
		}
	}

	for entity := range owned {
		for k := range s.facts[entity] {
			if k.BrandID == brandID {
				delete(s.facts[entity], k)
			}
		}
	}
	for k := range s.coverage {
		if k.brandID == brandID && owned[k.entity] {
			delete(s.coverage, k)
		}
	}
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if j.BrandID == brandID && j.Platform == platform {
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	delete(s.statuses, connKey{brandID, platform})
	delete(s.conns, connKey{brandID, platform})
	return nil
}

// --- JobRepository ---

func (s *MemStore) latestLocked(jobKey string) *model.SyncJob {
	for i := len(s.jobs) - 1; i >= 0; i-- {
		if s.jobs[i].JobKey == jobKey {
			return s.jobs[i]
		}
	}
	return nil
}

func (s *MemStore) findLocked(jobID string) *model.SyncJob {
	for _, j := range s.jobs {
		if j.ID == jobID {
			return j
		}
	}
	return nil
}

func (s *MemStore) insertLocked(job *model.SyncJob) (*model.SyncJob, bool) {
	if latest := s.latestLocked(job.JobKey); latest != nil && !latest.Status.Terminal() {
		return copyJob(latest), false
	}
	j := copyJob(job)
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.Status = model.JobPending
	s.jobs = append(s.jobs, j)
	return copyJob(j), true
}

func (s *MemStore) Latest(ctx context.Context, jobKey string) (*model.SyncJob, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	if j := s.latestLocked(jobKey); j != nil {
		return copyJob(j), nil
	}
	return nil, nil
}

func (s *MemStore) Insert(ctx context.Context, job *model.SyncJob) (*model.SyncJob, bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	j, created := s.insertLocked(job)
	return j, created, nil
}

func (s *MemStore) Claim(ctx context.Context, now time.Time) (*model.SyncJob, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	var picked *model.SyncJob
	for _, j := range s.jobs {
		if j.Status != model.JobPending || j.EligibleAt.After(now) {
			continue
		}
		c, ok := s.conns[connKey{j.BrandID, j.Platform}]
		if !ok || c.Status != model.ConnectionActive {
			continue
		}
		if picked == nil || j.EligibleAt.Before(picked.EligibleAt) {
			picked = j
		}
	}
	if picked == nil {
		return nil, nil
	}
	started := now
	picked.Status = model.JobRunning
	picked.StartedAt = &started
	picked.UpdatedAt = now
	return copyJob(picked), nil
}

func (s *MemStore) Complete(ctx context.Context, jobID string, result model.JobResult, now time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	j := s.findLocked(jobID)
	if j == nil || j.Status != model.JobRunning {
		return ErrNotRunning
	}
	completed := now
	j.Status = model.JobCompleted
	j.RecordsWritten = result.RecordsWritten
	j.RecordsRejected = result.RecordsRejected
	j.CompletedAt = &completed
	j.UpdatedAt = now
	return nil
}

func (s *MemStore) Fail(ctx context.Context, jobID string, failure *model.SyncError, next *model.SyncJob, now time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	j := s.findLocked(jobID)
	if j == nil || j.Status != model.JobRunning {
		return ErrNotRunning
	}
	completed := now
	j.Status = model.JobFailed
	j.ErrorKind = failure.Kind
	j.ErrorMessage = failure.Error()
	j.HTTPStatus = failure.HTTPStatus
	j.ErrorCode = failure.Code
	j.CompletedAt = &completed
	j.UpdatedAt = now
	if next == nil {
		j.Exhausted = true
		return nil
	}
	s.insertLocked(next)
	return nil
}

func (s *MemStore) Release(ctx context.Context, jobID string, eligibleAt time.Time, now time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	j := s.findLocked(jobID)
	if j == nil || j.Status != model.JobRunning {
		return ErrNotRunning
	}
	j.Status = model.JobPending
	j.StartedAt = nil
	j.EligibleAt = eligibleAt
	j.UpdatedAt = now
	return nil
}

func (s *MemStore) ListExpired(ctx context.Context, startedBefore time.Time) ([]*model.SyncJob, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	var out []*model.SyncJob
	for _, j := range s.jobs {
		if j.Status == model.JobRunning && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func (s *MemStore) ListLatest(ctx context.Context, brandID string, platform model.Platform) ([]*model.SyncJob, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	seen := make(map[string]bool)
	var out []*model.SyncJob
	for i := len(s.jobs) - 1; i >= 0; i-- {
		j := s.jobs[i]
		if j.BrandID != brandID || j.Platform != platform || seen[j.JobKey] {
			continue
		}
		seen[j.JobKey] = true
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobKey < out[j].JobKey })
	return out, nil
}

func (s *MemStore) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	latest := make(map[string]*model.SyncJob)
	for _, j := range s.jobs {
		latest[j.JobKey] = j
	}
	var deleted int64
	kept := s.jobs[:0]
	for _, j := range s.jobs {
		if latest[j.JobKey] != j && j.Status.Terminal() && j.UpdatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	return deleted, nil
}

// Jobs はテストと診断用に全ジョブの複製を挿入順で返す。
func (s *MemStore) Jobs() []*model.SyncJob {
	s.lk.RLock()
	defer s.lk.RUnlock()

	out := make([]*model.SyncJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	return out
}

// --- FactRepository ---

func (s *MemStore) Store(ctx context.Context, brandID string, entity model.Entity, r model.DateRange, records []model.FactRecord) (int, error) {
	if _, err := model.FactTable(entity); err != nil {
		return 0, err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	table, ok := s.facts[entity]
	if !ok {
		table = make(map[model.FactKey]model.FactRecord)
		s.facts[entity] = table
	}
	now := time.Now().UTC()
	for _, rec := range records {
		rec.BrandID = brandID
		rec.Entity = entity
		rec.Date = model.Day(rec.Date)
		if rec.SyncedAt.IsZero() {
			rec.SyncedAt = now
		}
		table[rec.Key()] = rec
	}
	for _, d := range r.Each() {
		s.coverage[coverageKey{brandID, entity, d.Format(model.DateLayout)}] = now
	}
	return len(records), nil
}

func (s *MemStore) ObservedDates(ctx context.Context, brandID string, entity model.Entity, r model.DateRange) ([]time.Time, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	seen := make(map[time.Time]bool)
	for k, rec := range s.facts[entity] {
		if k.BrandID == brandID && r.Contains(rec.Date) {
			seen[rec.Date] = true
		}
	}
	for k := range s.coverage {
		if k.brandID != brandID || k.entity != entity {
			continue
		}
		d, err := time.Parse(model.DateLayout, k.date)
		if err == nil && r.Contains(d) {
			seen[d] = true
		}
	}
	out := make([]time.Time, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemStore) DailyTotals(ctx context.Context, brandID string, entity model.Entity, r model.DateRange) ([]model.DailyTotal, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	totals := make(map[time.Time]*model.Metrics)
	for k, rec := range s.facts[entity] {
		if k.BrandID != brandID || !r.Contains(rec.Date) {
			continue
		}
		m, ok := totals[rec.Date]
		if !ok {
			m = &model.Metrics{}
			totals[rec.Date] = m
		}
		m.Spend += rec.Metrics.Spend
		m.Impressions += rec.Metrics.Impressions
		m.Clicks += rec.Metrics.Clicks
		m.Reach += rec.Metrics.Reach
		m.Conversions += rec.Metrics.Conversions
		m.Revenue += rec.Metrics.Revenue
		m.Quantity += rec.Metrics.Quantity
	}
	out := make([]model.DailyTotal, 0, len(totals))
	for d, m := range totals {
		out = append(out, model.DailyTotal{Date: d, Metrics: *m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Facts はテストと診断用にエンティティの全レコードを返す。
func (s *MemStore) Facts(entity model.Entity) []model.FactRecord {
	s.lk.RLock()
	defer s.lk.RUnlock()

	out := make([]model.FactRecord, 0, len(s.facts[entity]))
	for _, rec := range s.facts[entity] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Breakdown < b.Breakdown
	})
	return out
}

// --- StatusRepository ---

func (s *MemStore) Save(ctx context.Context, status *model.SyncStatus) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	cp := *status
	s.statuses[connKey{status.BrandID, status.Platform}] = &cp
	return nil
}

func (s *MemStore) GetStatus(ctx context.Context, brandID string, platform model.Platform) (*model.SyncStatus, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	st, ok := s.statuses[connKey{brandID, platform}]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// --- RateLimitRepository ---

func (s *MemStore) Increment(ctx context.Context, key string, windowStart time.Time, expiresAt time.Time) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	k := counterKey{key, windowStart.UnixNano()}
	c, ok := s.counters[k]
	if !ok {
		c = &memCounter{expiresAt: expiresAt}
		s.counters[k] = c
	}
	c.count++
	return c.count, nil
}

func (s *MemStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	var deleted int64
	for k, c := range s.counters {
		if c.expiresAt.Before(before) {
			delete(s.counters, k)
			deleted++
		}
	}
	return deleted, nil
}
