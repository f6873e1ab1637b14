package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// enqueueBatchSize bounds the multi-row INSERT used by EnqueueJobs.
const enqueueBatchSize = 200

// EnqueueJobs inserts jobs in batches and returns how many rows were
// written. A duplicate (sample, type) resets unconditionally to pending with
// the new content hash: the newer enqueue supersedes whatever the row was
// doing, including a running claim (the stale run finalizes as a no-op).
func (s *Store) EnqueueJobs(ctx context.Context, specs []JobSpec) (int64, error) {
	now := time.Now().UTC().UnixNano()

	var written int64
	for start := 0; start < len(specs); start += enqueueBatchSize {
		end := start + enqueueBatchSize
		if end > len(specs) {
			end = len(specs)
		}
		batch := specs[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO analysis_jobs (sample_id, job_type, content_hash, status, attempts, created_at) VALUES `)
		args := make([]any, 0, len(batch)*4)
		for i, spec := range batch {
			if !KnownJobType(spec.JobType) {
				return written, fmt.Errorf("enqueue job for %q: unknown job type %q", spec.SampleID, spec.JobType)
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, 'pending', 0, ?)")
			args = append(args, spec.SampleID, string(spec.JobType), nullableString(spec.ContentHash), now)
		}
		sb.WriteString(` ON CONFLICT (sample_id, job_type) DO UPDATE SET
            content_hash = excluded.content_hash,
            status = 'pending',
            attempts = 0,
            created_at = excluded.created_at,
            running_at = NULL,
            last_error = NULL`)

		res, err := s.db.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return written, fmt.Errorf("enqueue jobs: %w", err)
		}
		changed, err := res.RowsAffected()
		if err != nil {
			return written, fmt.Errorf("enqueue jobs: %w", err)
		}
		written += changed
	}
	return written, nil
}

// ClaimPending atomically marks up to limit pending jobs as running and
// returns them, oldest first. The IMMEDIATE transaction keeps two claimers
// from handing out the same row. Exclude lists job ids that must not be
// claimed even if pending, e.g. rows reset by a re-enqueue while a worker
// still holds the previous claim.
func (s *Store) ClaimPending(ctx context.Context, limit int, exclude ...int64) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC().UnixNano()

	filter := ""
	args := []any{now}
	if len(exclude) > 0 {
		filter = ` AND id NOT IN (?` + strings.Repeat(", ?", len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	args = append(args, limit)

	var claimed []*Job
	err := s.withImmediate(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`UPDATE analysis_jobs
             SET status = 'running', attempts = attempts + 1, running_at = ?
             WHERE id IN (
                 SELECT id FROM analysis_jobs
                 WHERE status = 'pending'`+filter+`
                 ORDER BY created_at ASC, id ASC
                 LIMIT ?
             )
             RETURNING `+jobColumns,
			args...,
		)
		if err != nil {
			return fmt.Errorf("claim pending jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan claimed job: %w", err)
			}
			claimed = append(claimed, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TouchJobs refreshes the heartbeat timestamp for running jobs.
func (s *Store) TouchJobs(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC().UnixNano())
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE analysis_jobs SET running_at = ? WHERE id IN (` + makePlaceholders(len(ids)) + `) AND status = 'running'`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch jobs: %w", err)
	}
	return nil
}

// MarkDone finishes a job successfully. Only a running row transitions, so
// a re-enqueue that already reset the row back to pending is never
// clobbered by the worker it superseded.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = 'done', running_at = NULL, last_error = NULL WHERE id = ? AND status = 'running'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	return nil
}

// MarkFailed records a job failure. The job returns to pending while
// attempts remain, otherwise it lands in failed. Reports whether the
// failure was final.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause string, maxAttempts int) (bool, error) {
	var final bool
	err := s.withImmediate(ctx, func(conn *sql.Conn) error {
		var attempts int
		row := conn.QueryRowContext(ctx, `SELECT attempts FROM analysis_jobs WHERE id = ?`, id)
		if err := row.Scan(&attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("read attempts: %w", err)
		}

		next := StatusPending
		if attempts >= maxAttempts {
			next = StatusFailed
			final = true
		}
		_, err := conn.ExecContext(ctx,
			`UPDATE analysis_jobs SET status = ?, running_at = NULL, last_error = ? WHERE id = ? AND status = 'running'`,
			string(next), nullableString(cause), id,
		)
		if err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		return nil
	})
	return final, err
}

// ResetRunning returns every running job to pending. Run at startup so jobs
// orphaned by a crash get claimed again.
func (s *Store) ResetRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = 'pending', running_at = NULL WHERE status = 'running'`,
	)
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStale returns running jobs whose heartbeat predates cutoff back to
// pending. Attempts already counted stay counted.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs
         SET status = 'pending', running_at = NULL
         WHERE status = 'running' AND running_at IS NOT NULL AND running_at < ?`,
		cutoff.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed moves failed jobs back to pending. With no IDs every failed
// job is retried.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE analysis_jobs
             SET status = 'pending', attempts = 0, running_at = NULL, last_error = NULL
             WHERE status = 'failed'`,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed jobs: %w", err)
		}
		return res.RowsAffected()
	}

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE analysis_jobs
        SET status = 'pending', attempts = 0, running_at = NULL, last_error = NULL
        WHERE id IN (` + makePlaceholders(len(ids)) + `) AND status = 'failed'`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected jobs: %w", err)
	}
	return res.RowsAffected()
}

// GetJob fetches a job by identifier, or nil when absent.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CurrentProgress aggregates job counts per status plus the sample total.
func (s *Store) CurrentProgress(ctx context.Context) (Progress, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM analysis_jobs GROUP BY status`)
	if err != nil {
		return Progress{}, fmt.Errorf("job counts: %w", err)
	}
	defer rows.Close()

	var progress Progress
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Progress{}, err
		}
		switch Status(status) {
		case StatusPending:
			progress.Pending = count
		case StatusRunning:
			progress.Running = count
		case StatusDone:
			progress.Done = count
		case StatusFailed:
			progress.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Progress{}, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM samples`)
	if err := row.Scan(&progress.Samples); err != nil {
		return Progress{}, fmt.Errorf("sample count: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT sample_id) FROM analysis_jobs WHERE status IN ('pending', 'running')`)
	if err := row.Scan(&progress.SamplesActive); err != nil {
		return Progress{}, fmt.Errorf("active sample count: %w", err)
	}
	return progress, nil
}

// ActiveJobCount counts pending and running jobs of one type.
func (s *Store) ActiveJobCount(ctx context.Context, jobType JobType) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM analysis_jobs WHERE job_type = ? AND status IN ('pending', 'running')`,
		string(jobType),
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("active job count: %w", err)
	}
	return count, nil
}

// CurrentRunningJobs lists in-flight jobs ordered by heartbeat age, oldest
// first.
func (s *Store) CurrentRunningJobs(ctx context.Context, limit int) ([]RunningJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sample_id, job_type, attempts, running_at
         FROM analysis_jobs
         WHERE status = 'running' AND running_at IS NOT NULL
         ORDER BY running_at ASC
         LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("running jobs: %w", err)
	}
	defer rows.Close()

	var jobs []RunningJob
	for rows.Next() {
		var (
			job       RunningJob
			jobType   string
			runningNS int64
		)
		if err := rows.Scan(&job.ID, &job.SampleID, &jobType, &job.Attempts, &runningNS); err != nil {
			return nil, err
		}
		job.JobType = JobType(jobType)
		job.RunningAt = time.Unix(0, runningNS).UTC()
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const jobColumns = "id, sample_id, job_type, content_hash, status, attempts, created_at, running_at, last_error"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id          int64
		sampleID    string
		jobType     string
		contentHash sql.NullString
		statusStr   string
		attempts    int
		createdNS   int64
		runningNS   sql.NullInt64
		lastError   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&sampleID,
		&jobType,
		&contentHash,
		&statusStr,
		&attempts,
		&createdNS,
		&runningNS,
		&lastError,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:          id,
		SampleID:    sampleID,
		JobType:     JobType(jobType),
		ContentHash: contentHash.String,
		Status:      Status(statusStr),
		Attempts:    attempts,
		CreatedAt:   time.Unix(0, createdNS).UTC(),
		LastError:   lastError.String,
	}
	if runningNS.Valid {
		running := time.Unix(0, runningNS.Int64).UTC()
		job.RunningAt = &running
	}
	return job, nil
}
