package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"reelcast/internal/models"
)

const jobColumns = `id, item_id, task_type, status, attempt, error_message, created_at, started_at, finished_at`

// CreateStepJob allocates a new pending job record for (itemID, taskType)
// with the next attempt number. Attempt numbering is derived from the prior
// maximum so history survives retries.
func (s *Store) CreateStepJob(ctx context.Context, itemID, taskType string) (models.JobRecord, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	var attempt int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO step_jobs (id, item_id, task_type, status, attempt, created_at)
		VALUES ($1, $2, $3, $4,
			1 + COALESCE((SELECT MAX(attempt) FROM step_jobs WHERE item_id = $2 AND task_type = $3), 0),
			$5)
		RETURNING attempt
	`, id, itemID, taskType, models.JobPending, now).Scan(&attempt)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("insert step job: %w", err)
	}
	return models.JobRecord{
		ID:        id,
		ItemID:    itemID,
		TaskType:  taskType,
		Status:    models.JobPending,
		Attempt:   attempt,
		CreatedAt: now,
	}, nil
}

// MarkJobStarted transitions a pending record to started.
func (s *Store) MarkJobStarted(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_jobs SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3
	`, jobID, models.JobStarted, models.JobPending)
	if err != nil {
		return fmt.Errorf("mark job started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionConflict(ctx, jobID, models.JobStarted)
	}
	return nil
}

// MarkJobCompleted finalizes a record as completed. Calling it on a record
// already in that terminal state is a no-op success.
func (s *Store) MarkJobCompleted(ctx context.Context, jobID string) error {
	return s.finishJob(ctx, jobID, models.JobCompleted, nil)
}

// MarkJobFailed finalizes a record as failed with a human-readable message.
// Idempotent like MarkJobCompleted.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, errorMessage string) error {
	return s.finishJob(ctx, jobID, models.JobFailed, &errorMessage)
}

func (s *Store) finishJob(ctx context.Context, jobID, status string, errorMessage *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_jobs SET status = $2, error_message = $3, finished_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, jobID, status, errorMessage, models.JobPending, models.JobStarted)
	if err != nil {
		return fmt.Errorf("finish step job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobTransitionConflict(ctx, jobID, status)
	}
	return nil
}

// jobTransitionConflict distinguishes duplicate delivery (same terminal state,
// tolerated) from genuinely invalid transitions.
func (s *Store) jobTransitionConflict(ctx context.Context, jobID, wanted string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM step_jobs WHERE id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("query step job status: %w", err)
	}
	if current == wanted {
		return nil
	}
	return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrInvariant, jobID, current, wanted)
}

// ListJobs returns the full job record history for one item, newest first.
func (s *Store) ListJobs(ctx context.Context, itemID string) ([]models.JobRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM step_jobs
		WHERE item_id = $1
		ORDER BY created_at DESC, attempt DESC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list step jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.JobRecord{}
	for rows.Next() {
		var job models.JobRecord
		var errMsg pgtype.Text
		var startedAt, finishedAt pgtype.Timestamptz
		if err := rows.Scan(&job.ID, &job.ItemID, &job.TaskType, &job.Status, &job.Attempt,
			&errMsg, &job.CreatedAt, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan step job: %w", err)
		}
		job.ErrorMessage = textPtr(errMsg)
		job.StartedAt = timePtr(startedAt)
		job.FinishedAt = timePtr(finishedAt)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
