package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sqlc-dev/pqtype"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
)

// SystemTeamID is substituted when a job payload carries no tenant.
const SystemTeamID = "system"

// CreateJob writes a new job with status=waiting and progress 0. A job
// id may only be created once; a second create with the same id fails
// with ErrConflict so enqueue paths stay idempotent.
func (s *Store) CreateJob(ctx context.Context, jobID, name string, data model.JobData, opts model.JobOptions) error {
	if data.TeamID == "" {
		data.TeamID = SystemTeamID
	}
	opts.JobID = jobID

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal job data: %w", err)
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("marshal job options: %w", err)
	}
	progressJSON, _ := json.Marshal(model.Progress{Current: 0, Total: 100})

	return s.withRetry(ctx, "create_job", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, name, data, options, status, progress, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			ON CONFLICT (id) DO NOTHING`,
			jobID, name, dataJSON, optsJSON, string(model.StatusWaiting), progressJSON)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("job %s: %w", jobID, ErrConflict)
		}
		return nil
	})
}

// MarkJobStarted transitions waiting -> active. Re-marking an active job
// is a no-op so at-least-once delivery does not trip the state machine.
func (s *Store) MarkJobStarted(ctx context.Context, jobID string) error {
	return s.withRetry(ctx, "mark_job_started", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = $2, updated_at = now()
			WHERE id = $1 AND status IN ($3, $2)`,
			jobID, string(model.StatusActive), string(model.StatusWaiting))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		status, err := s.jobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if status == model.StatusUnknown {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return fmt.Errorf("job %s is %s: %w", jobID, status, ErrIllegalTransition)
	})
}

// MarkJobCompleted stores the result and transitions the job to
// completed with progress 100. A missing job gets a minimal placeholder
// so a lost creation never loses the terminal transition. Oversized
// results are truncated to the store budget, and if even the truncated
// shape cannot be written the status-only transition is applied.
func (s *Store) MarkJobCompleted(ctx context.Context, jobID string, result model.ScrapeResult) error {
	payload, truncated := TruncateResult(result, s.maxResultBytes)
	if truncated {
		s.logger.Warn("job result truncated", "job_id", jobID, "budget_bytes", s.maxResultBytes)
	}

	err := s.completeWithResult(ctx, jobID, payload)
	if err != nil && !errors.Is(err, ErrIllegalTransition) {
		// Fallback 1: minimal result. Fallback 2: status only.
		minimal, _ := json.Marshal(map[string]any{
			"success": result.Success,
			"message": "result payload could not be stored",
			"docs":    []model.Document{},
		})
		if err2 := s.completeWithResult(ctx, jobID, minimal); err2 != nil && !errors.Is(err2, ErrIllegalTransition) {
			err = s.completeWithResult(ctx, jobID, nil)
		} else {
			err = err2
		}
	}
	if errors.Is(err, ErrIllegalTransition) {
		// Already terminal; completion is idempotent under re-delivery.
		if status, serr := s.jobStatus(ctx, jobID); serr == nil && status == model.StatusCompleted {
			err = nil
		}
	}
	if err != nil {
		return err
	}

	if crawlID := s.jobCrawlID(ctx, jobID); crawlID != "" {
		if perr := s.UpdateCrawlProgress(ctx, crawlID, jobID, result.Success); perr != nil {
			s.logger.Error("crawl progress update failed", "crawl_id", crawlID, "job_id", jobID, "error", perr)
		}
	}
	return nil
}

func (s *Store) completeWithResult(ctx context.Context, jobID string, payload []byte) error {
	progressJSON, _ := json.Marshal(model.Progress{Current: 100, Total: 100, Step: "DONE"})
	var result pqtype.NullRawMessage
	if len(payload) > 0 {
		result = pqtype.NullRawMessage{RawMessage: payload, Valid: true}
	}

	return s.withRetry(ctx, "mark_job_completed", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = $2, progress = $3, result = $4, updated_at = now()
			WHERE id = $1 AND status NOT IN ($5, $6)`,
			jobID, string(model.StatusCompleted), progressJSON, result,
			string(model.StatusCompleted), string(model.StatusFailed))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		status, err := s.jobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if status == model.StatusUnknown {
			// Tolerate a lost creation: write a placeholder in the
			// terminal state so the transition itself is never dropped.
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO jobs (id, name, data, options, status, progress, result, created_at, updated_at)
				VALUES ($1, 'scrape', '{}', '{}', $2, $3, $4, now(), now())
				ON CONFLICT (id) DO NOTHING`,
				jobID, string(model.StatusCompleted), progressJSON, result)
			return err
		}
		return fmt.Errorf("job %s is %s: %w", jobID, status, ErrIllegalTransition)
	})
}

// MarkJobFailed transitions the job to failed with the given error
// message, creating a placeholder when the job record is missing.
func (s *Store) MarkJobFailed(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	err := s.withRetry(ctx, "mark_job_failed", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = $2, error = $3, updated_at = now()
			WHERE id = $1 AND status NOT IN ($2, $4)`,
			jobID, string(model.StatusFailed), msg, string(model.StatusCompleted))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		status, err := s.jobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if status == model.StatusUnknown {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO jobs (id, name, data, options, status, error, progress, created_at, updated_at)
				VALUES ($1, 'scrape', '{}', '{}', $2, $3, '{}', now(), now())
				ON CONFLICT (id) DO NOTHING`,
				jobID, string(model.StatusFailed), msg)
			return err
		}
		return fmt.Errorf("job %s is %s: %w", jobID, status, ErrIllegalTransition)
	})
	if errors.Is(err, ErrIllegalTransition) {
		if status, serr := s.jobStatus(ctx, jobID); serr == nil && status == model.StatusFailed {
			err = nil
		}
	}
	if err != nil {
		return err
	}

	if crawlID := s.jobCrawlID(ctx, jobID); crawlID != "" {
		if perr := s.UpdateCrawlProgress(ctx, crawlID, jobID, false); perr != nil {
			s.logger.Error("crawl progress update failed", "crawl_id", crawlID, "job_id", jobID, "error", perr)
		}
	}
	return nil
}

// UpdateJobProgress overwrites the progress descriptor without touching
// the job status.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress model.Progress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return s.withRetry(ctx, "update_job_progress", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET progress = $2, updated_at = now() WHERE id = $1`,
			jobID, progressJSON)
		return err
	})
}

func (s *Store) jobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return model.StatusUnknown, nil
	}
	if err != nil {
		return model.StatusUnknown, err
	}
	return model.JobStatus(status), nil
}

// jobCrawlID returns the crawl id embedded in the job payload, or "".
func (s *Store) jobCrawlID(ctx context.Context, jobID string) string {
	var crawlID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT data->>'crawl_id' FROM jobs WHERE id = $1`, jobID).Scan(&crawlID)
	if err != nil || !crawlID.Valid {
		return ""
	}
	return crawlID.String
}

// GetJobState returns the job status, or "unknown" when the id is absent.
func (s *Store) GetJobState(ctx context.Context, jobID string) (model.JobStatus, error) {
	return s.jobStatus(ctx, jobID)
}

// GetJobResult returns the stored result payload, or nil when absent.
func (s *Store) GetJobResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	var result pqtype.NullRawMessage
	err := s.db.QueryRowContext(ctx, `SELECT result FROM jobs WHERE id = $1`, jobID).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, nil
	}
	return json.RawMessage(result.RawMessage), nil
}

// GetJobError returns the stored error string, or "" when absent.
func (s *Store) GetJobError(ctx context.Context, jobID string) (string, error) {
	var msg sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT error FROM jobs WHERE id = $1`, jobID).Scan(&msg)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return msg.String, nil
}

// GetJob reads the full durable view of a job, or nil when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var (
		job       model.Job
		dataJSON  []byte
		optsJSON  []byte
		status    string
		errMsg    sql.NullString
		createdAt time.Time
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, data, options, status, error, created_at, updated_at
		FROM jobs WHERE id = $1`, jobID).
		Scan(&job.ID, &job.Name, &dataJSON, &optsJSON, &status, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(dataJSON, &job.Data); err != nil {
		return nil, fmt.Errorf("unmarshal job data: %w", err)
	}
	if err := json.Unmarshal(optsJSON, &job.Options); err != nil {
		return nil, fmt.Errorf("unmarshal job options: %w", err)
	}
	job.Status = model.JobStatus(status)
	job.Error = errMsg.String
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt
	return &job, nil
}

// SetJobCloudTasksID records the dispatcher-assigned task name inside
// the job payload; the caller-supplied job id stays canonical.
func (s *Store) SetJobCloudTasksID(ctx context.Context, jobID, taskName string) error {
	return s.withRetry(ctx, "set_cloud_tasks_id", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET data = jsonb_set(data, '{cloudTasksId}', to_jsonb($2::text)), updated_at = now()
			WHERE id = $1`, jobID, taskName)
		return err
	})
}

// RemoveJob deletes the durable job record. Missing ids are a no-op.
func (s *Store) RemoveJob(ctx context.Context, jobID string) error {
	return s.withRetry(ctx, "remove_job", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
		return err
	})
}

// DeleteCompletedJobsBefore sweeps completed jobs whose last update is
// older than the cutoff. Used by the retention pass.
func (s *Store) DeleteCompletedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status = $1 AND updated_at < $2`,
		string(model.StatusCompleted), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
