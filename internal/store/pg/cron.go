package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/joilabs/joi-gateway/internal/store"
)

// CronStore implements store.CronStore. Claim is the DB-level CAS on
// running_at that guarantees at-most-one concurrent run per job.
type CronStore struct {
	db *sql.DB
}

func NewCronStore(db *sql.DB) *CronStore {
	return &CronStore{db: db}
}

const cronCols = `id, agent_id, name, enabled, schedule_kind, schedule_at, every_ms, cron_expr, timezone,
	session_target, payload_kind, payload_text, model, timeout_sec,
	next_run_at, running_at, last_run_at, last_status, last_error, last_duration_ms,
	consecutive_errors, delete_after_run, created_at, updated_at`

func (s *CronStore) Create(ctx context.Context, job *store.CronJob) error {
	if job.ID == uuid.Nil {
		job.ID = store.NewID()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (id, agent_id, name, enabled, schedule_kind, schedule_at, every_ms, cron_expr, timezone,
		   session_target, payload_kind, payload_text, model, timeout_sec, next_run_at, delete_after_run, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)`,
		job.ID, job.AgentID, job.Name, job.Enabled, job.ScheduleKind,
		nullTime(job.ScheduleAt), job.EveryMS, nullStr(job.CronExpr), nullStr(job.Timezone),
		job.SessionTarget, job.PayloadKind, job.PayloadText, nullStr(job.Model), job.TimeoutSec,
		nullTime(job.NextRunAt), job.DeleteAfterRun, now)
	return store.NewStorageError("cron create", err)
}

func (s *CronStore) Update(ctx context.Context, job *store.CronJob) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET agent_id = $2, name = $3, enabled = $4, schedule_kind = $5,
		   schedule_at = $6, every_ms = $7, cron_expr = $8, timezone = $9,
		   session_target = $10, payload_kind = $11, payload_text = $12, model = $13, timeout_sec = $14,
		   next_run_at = $15, delete_after_run = $16, updated_at = now()
		 WHERE id = $1`,
		job.ID, job.AgentID, job.Name, job.Enabled, job.ScheduleKind,
		nullTime(job.ScheduleAt), job.EveryMS, nullStr(job.CronExpr), nullStr(job.Timezone),
		job.SessionTarget, job.PayloadKind, job.PayloadText, nullStr(job.Model), job.TimeoutSec,
		nullTime(job.NextRunAt), job.DeleteAfterRun)
	if err != nil {
		return store.NewStorageError("cron update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CronStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id)
	if err != nil {
		return store.NewStorageError("cron delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CronStore) Get(ctx context.Context, id uuid.UUID) (*store.CronJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cronCols+` FROM cron_jobs WHERE id = $1`, id)
	return scanCronJob(row)
}

func (s *CronStore) GetByName(ctx context.Context, name string) (*store.CronJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cronCols+` FROM cron_jobs WHERE name = $1`, name)
	return scanCronJob(row)
}

func (s *CronStore) List(ctx context.Context) ([]store.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cronCols+` FROM cron_jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCronJobs(rows)
}

// Due returns enabled jobs whose next_run_at has passed and which are not
// already running.
func (s *CronStore) Due(ctx context.Context, now time.Time) ([]store.CronJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cronCols+` FROM cron_jobs
		 WHERE enabled AND running_at IS NULL AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY next_run_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCronJobs(rows)
}

// NextDeadline returns the earliest pending next_run_at, or nil when no
// job is scheduled.
func (s *CronStore) NextDeadline(ctx context.Context) (*time.Time, error) {
	var next sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT min(next_run_at) FROM cron_jobs WHERE enabled AND running_at IS NULL AND next_run_at IS NOT NULL`).
		Scan(&next)
	if err != nil {
		return nil, err
	}
	return timePtr(next), nil
}

// Claim sets running_at iff it is currently NULL. Returns false when the
// job is already running (another instance won).
func (s *CronStore) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET running_at = $2, updated_at = now()
		 WHERE id = $1 AND running_at IS NULL AND enabled`, id, now)
	if err != nil {
		return false, store.NewStorageError("cron claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finish clears running_at, records the run outcome and applies the
// recomputed schedule (or one-shot disable/delete).
func (s *CronStore) Finish(ctx context.Context, id uuid.UUID, fin store.CronFinish) error {
	if fin.Delete {
		return s.Delete(ctx, id)
	}

	errCase := `0`
	if fin.Status != "ok" {
		errCase = `consecutive_errors + 1`
	}
	enabledSet := ``
	if fin.Disable {
		enabledSet = `, enabled = false`
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs
		 SET running_at = NULL,
		     last_run_at = now(),
		     last_status = $2,
		     last_error = $3,
		     last_duration_ms = $4,
		     next_run_at = $5,
		     consecutive_errors = `+errCase+enabledSet+`,
		     updated_at = now()
		 WHERE id = $1`,
		id, fin.Status, nullStr(fin.Error), fin.DurationMS, nullTime(fin.NextRunAt))
	return store.NewStorageError("cron finish", err)
}

func (s *CronStore) InsertRun(ctx context.Context, run *store.CronJobRun) error {
	if run.ID == uuid.Nil {
		run.ID = store.NewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_job_runs (id, job_id, started_at, finished_at, status, error, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.JobID, run.StartedAt, run.FinishedAt, run.Status, nullStr(run.Error), run.DurationMS)
	return store.NewStorageError("cron run insert", err)
}

// RecoverAbandoned clears stale running_at marks left by a crashed
// process and records the interrupted runs as errored.
func (s *CronStore) RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, running_at FROM cron_jobs
		 WHERE running_at IS NOT NULL AND running_at < $1`, cutoff)
	if err != nil {
		return 0, store.NewStorageError("cron recover", err)
	}

	type abandoned struct {
		id        uuid.UUID
		startedAt time.Time
	}
	var recovered []abandoned
	for rows.Next() {
		var a abandoned
		if err := rows.Scan(&a.id, &a.startedAt); err != nil {
			rows.Close()
			return 0, err
		}
		recovered = append(recovered, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, a := range recovered {
		_, err := s.db.ExecContext(ctx,
			`UPDATE cron_jobs
			 SET running_at = NULL,
			     last_status = 'error',
			     last_error = 'abandoned: process restarted mid-run',
			     consecutive_errors = consecutive_errors + 1,
			     updated_at = now()
			 WHERE id = $1 AND running_at IS NOT NULL`, a.id)
		if err != nil {
			return 0, store.NewStorageError("cron recover", err)
		}
	}

	now := time.Now()
	for _, a := range recovered {
		_ = s.InsertRun(ctx, &store.CronJobRun{
			JobID:      a.id,
			StartedAt:  a.startedAt,
			FinishedAt: now,
			Status:     "error",
			Error:      "abandoned: process restarted mid-run",
			DurationMS: now.Sub(a.startedAt).Milliseconds(),
		})
	}
	return len(recovered), nil
}

func scanCronJob(row rowScanner) (*store.CronJob, error) {
	var j store.CronJob
	var cronExpr, timezone, model, lastStatus, lastError sql.NullString
	var scheduleAt, nextRunAt, runningAt, lastRunAt sql.NullTime

	err := row.Scan(&j.ID, &j.AgentID, &j.Name, &j.Enabled, &j.ScheduleKind,
		&scheduleAt, &j.EveryMS, &cronExpr, &timezone,
		&j.SessionTarget, &j.PayloadKind, &j.PayloadText, &model, &j.TimeoutSec,
		&nextRunAt, &runningAt, &lastRunAt, &lastStatus, &lastError, &j.LastDurationMS,
		&j.ConsecutiveErrors, &j.DeleteAfterRun, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.CronExpr = strPtr(cronExpr)
	j.Timezone = strPtr(timezone)
	j.Model = strPtr(model)
	j.LastStatus = strPtr(lastStatus)
	j.LastError = strPtr(lastError)
	j.ScheduleAt = timePtr(scheduleAt)
	j.NextRunAt = timePtr(nextRunAt)
	j.RunningAt = timePtr(runningAt)
	j.LastRunAt = timePtr(lastRunAt)
	return &j, nil
}

func collectCronJobs(rows *sql.Rows) ([]store.CronJob, error) {
	var out []store.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
