package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/util"
)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// EnqueueJob implements JobRepo.
func (s *sqlStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.NewID(util.PrefixJob)
	now := time.Now().UTC()

	if dedupeKey != "" {
		var existingID string
		err := s.queryRow(ctx, s.db,
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN (?, ?, ?)`,
			dedupeKey, JobStatusDone, JobStatusCanceled, JobStatusFailed,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, JobStatusQueued, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

// ClaimDueJobs implements JobRepo. PostgreSQL claims with SKIP LOCKED so
// several processes can poll the same table; SQLite serializes through its
// single connection.
func (s *sqlStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	if s.dialect == dialectPostgres {
		rows, err := s.query(ctx, s.db,
			`UPDATE jobs SET status = ?, locked_at = ?, updated_at = ?
			 WHERE id IN (
			   SELECT id FROM jobs WHERE status = ? AND run_at <= ?
			   ORDER BY run_at ASC LIMIT ?
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+jobColumns,
			JobStatusRunning, now, now, JobStatusQueued, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim due jobs failed: %w", err)
		}
		defer rows.Close()
		var jobs []Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}
		return jobs, rows.Err()
	}

	var jobs []Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
			JobStatusQueued, now, limit)
		if err != nil {
			return fmt.Errorf("claim due jobs query failed: %w", err)
		}
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("claim due jobs iteration failed: %w", err)
		}
		for i := range jobs {
			if _, err := s.exec(ctx, tx,
				`UPDATE jobs SET status = ?, locked_at = ?, updated_at = ? WHERE id = ?`,
				JobStatusRunning, now, now, jobs[i].ID); err != nil {
				return fmt.Errorf("mark job running failed: %w", err)
			}
			jobs[i].Status = JobStatusRunning
			lockedAt := now
			jobs[i].LockedAt = &lockedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// CompleteJob implements JobRepo.
func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		JobStatusDone, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

// FailJob implements JobRepo.
func (s *sqlStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var attempt, maxAttempts int
		err := s.queryRow(ctx, tx, `SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("fail job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("fail job lookup failed: %w", err)
		}

		attempt++
		if attempt >= maxAttempts {
			_, err = s.exec(ctx, tx,
				`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				JobStatusFailed, attempt, errMsg, now, id)
		} else {
			_, err = s.exec(ctx, tx,
				`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				JobStatusQueued, attempt, errMsg, nextRunAt.UTC(), now, id)
		}
		if err != nil {
			return fmt.Errorf("fail job update failed: %w", err)
		}
		return nil
	})
}

// CancelJob implements JobRepo.
func (s *sqlStore) CancelJob(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		JobStatusCanceled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

// RequeueStaleRunningJobs implements JobRepo.
func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx, s.db,
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		JobStatusQueued, time.Now().UTC(), JobStatusRunning, staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

// GetJob implements JobRepo.
func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

// ListJobsByStatus implements JobRepo.
func (s *sqlStore) ListJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs failed: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
