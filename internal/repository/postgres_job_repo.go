package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/brandsync/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用した同期ジョブ台帳リポジトリ。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

var _ JobRepository = (*PostgresJobRepo)(nil)

const jobColumns = `id, job_key, brand_id, platform, entity, range_start, range_end, status,
	attempt, exhausted, reason, initial_load, error_kind, error_message, http_status, error_code,
	records_written, records_rejected, previous_job_id, eligible_at, created_at, started_at,
	completed_at, updated_at`

func scanJob(row rowScanner) (*model.SyncJob, error) {
	j := &model.SyncJob{}
	var errorKind, errorMessage, previousJobID sql.NullString
	var httpStatus, errorCode sql.NullInt64
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.JobKey, &j.BrandID, &j.Platform, &j.Entity, &j.Range.Start, &j.Range.End, &j.Status,
		&j.Attempt, &j.Exhausted, &j.Reason, &j.InitialLoad, &errorKind, &errorMessage, &httpStatus, &errorCode,
		&j.RecordsWritten, &j.RecordsRejected, &previousJobID, &j.EligibleAt, &j.CreatedAt, &startedAt,
		&completedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Range.Start = model.Day(j.Range.Start)
	j.Range.End = model.Day(j.Range.End)
	j.ErrorKind = model.ErrorKind(nullStringValue(errorKind))
	j.ErrorMessage = nullStringValue(errorMessage)
	j.HTTPStatus = int(httpStatus.Int64)
	j.ErrorCode = int(errorCode.Int64)
	j.PreviousJobID = nullStringValue(previousJobID)
	j.StartedAt = nullTimePtr(startedAt)
	j.CompletedAt = nullTimePtr(completedAt)
	return j, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Latest はキーの最新の試行を返す。見つからない場合はnilを返す。
func (r *PostgresJobRepo) Latest(ctx context.Context, jobKey string) (*model.SyncJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE job_key = $1 ORDER BY seq DESC LIMIT 1`,
		jobKey,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	return j, nil
}

// Insert はpendingのジョブを挿入する。
// 部分ユニークインデックスと競合した場合は既存の未終了ジョブを返す。
func (r *PostgresJobRepo) Insert(ctx context.Context, job *model.SyncJob) (*model.SyncJob, bool, error) {
	j, created, err := insertJob(ctx, r.db, job)
	if err != nil {
		return nil, false, err
	}
	return j, created, nil
}

func insertJob(ctx context.Context, q execQuerier, job *model.SyncJob) (*model.SyncJob, bool, error) {
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	inserted, err := scanJob(q.QueryRowContext(ctx,
		`INSERT INTO sync_jobs (id, job_key, brand_id, platform, entity, range_start, range_end, status,
		                        attempt, reason, initial_load, previous_job_id, eligible_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT (job_key) WHERE status IN ('pending', 'running') DO NOTHING
		 RETURNING `+jobColumns,
		id, job.JobKey, job.BrandID, job.Platform, job.Entity, job.Range.Start, job.Range.End,
		job.Attempt, job.Reason, job.InitialLoad, nullString(job.PreviousJobID), job.EligibleAt, job.CreatedAt,
	))
	if err == nil {
		return inserted, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("ジョブの挿入に失敗しました: %w", err)
	}

	existing, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE job_key = $1 AND status IN ('pending', 'running')`,
		job.JobKey,
	))
	if err != nil {
		return nil, false, fmt.Errorf("既存ジョブの取得に失敗しました: %w", err)
	}
	return existing, false, nil
}

// Claim はpendingジョブを1件、単一のUPDATE ... RETURNINGでrunningへ遷移させて返す。
// 副問い合わせのFOR UPDATE SKIP LOCKEDにより、並行する呼び出しが同じジョブを取得することはない。
func (r *PostgresJobRepo) Claim(ctx context.Context, now time.Time) (*model.SyncJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx,
		`UPDATE sync_jobs SET status = 'running', started_at = $1, updated_at = $1
		 WHERE id = (
		     SELECT j.id FROM sync_jobs j
		     JOIN connections c ON c.brand_id = j.brand_id AND c.platform = j.platform
		     WHERE j.status = 'pending'
		       AND j.eligible_at <= $1
		       AND c.status = 'active'
		     ORDER BY j.eligible_at, j.seq
		     LIMIT 1
		     FOR UPDATE OF j SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+jobColumns,
		now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得（claim）に失敗しました: %w", err)
	}
	return j, nil
}

// Complete は実行中のジョブをcompletedにする。
func (r *PostgresJobRepo) Complete(ctx context.Context, jobID string, result model.JobResult, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = 'completed', records_written = $2, records_rejected = $3,
		     completed_at = $4, updated_at = $4
		 WHERE id = $1 AND status = 'running'`,
		jobID, result.RecordsWritten, result.RecordsRejected, now,
	)
	if err != nil {
		return fmt.Errorf("ジョブの完了処理に失敗しました: %w", err)
	}
	return requireOneRow(res)
}

// Fail は実行中のジョブをfailedにし、次の試行を同一トランザクションで挿入する。
func (r *PostgresJobRepo) Fail(ctx context.Context, jobID string, failure *model.SyncError, next *model.SyncJob, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sync_jobs SET status = 'failed', exhausted = $2, error_kind = $3, error_message = $4,
		     http_status = $5, error_code = $6, completed_at = $7, updated_at = $7
		 WHERE id = $1 AND status = 'running'`,
		jobID, next == nil, string(failure.Kind), failure.Error(),
		nullInt(failure.HTTPStatus), nullInt(failure.Code), now,
	)
	if err != nil {
		return fmt.Errorf("ジョブの失敗処理に失敗しました: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return err
	}

	if next != nil {
		if _, _, err := insertJob(ctx, tx, next); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Release は実行中のジョブを試行回数を変えずにpendingへ戻す。
func (r *PostgresJobRepo) Release(ctx context.Context, jobID string, eligibleAt time.Time, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = 'pending', started_at = NULL, eligible_at = $2, updated_at = $3
		 WHERE id = $1 AND status = 'running'`,
		jobID, eligibleAt, now,
	)
	if err != nil {
		return fmt.Errorf("ジョブの保留戻しに失敗しました: %w", err)
	}
	return requireOneRow(res)
}

// ListExpired はstarted_atがstartedBeforeより古い実行中ジョブを返す。
func (r *PostgresJobRepo) ListExpired(ctx context.Context, startedBefore time.Time) ([]*model.SyncJob, error) {
	return r.list(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE status = 'running' AND started_at < $1 ORDER BY started_at`,
		startedBefore,
	)
}

// ListLatest はブランド・プラットフォームの各キーの最新の試行を返す。
func (r *PostgresJobRepo) ListLatest(ctx context.Context, brandID string, platform model.Platform) ([]*model.SyncJob, error) {
	return r.list(ctx,
		`SELECT `+jobColumns+` FROM (
		     SELECT DISTINCT ON (job_key) * FROM sync_jobs
		     WHERE brand_id = $1 AND platform = $2
		     ORDER BY job_key, seq DESC
		 ) latest ORDER BY job_key`,
		brandID, platform,
	)
}

func (r *PostgresJobRepo) list(ctx context.Context, query string, args ...any) ([]*model.SyncJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ジョブ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ジョブのスキャンに失敗しました: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブ一覧の走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// PruneHistory はキーの最新でない終端状態の行のうち、古いものを削除する。
func (r *PostgresJobRepo) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_jobs j
		 WHERE j.status IN ('completed', 'failed')
		   AND j.updated_at < $1
		   AND EXISTS (SELECT 1 FROM sync_jobs n WHERE n.job_key = j.job_key AND n.seq > j.seq)`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("ジョブ履歴の削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return ErrNotRunning
	}
	return nil
}

// IsNotRunning はエラーがErrNotRunningかどうかを返す。
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning)
}
