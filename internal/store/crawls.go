package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
)

// SaveCrawl writes a crawl root with status=created and a 24h expiry.
// Re-saving an existing id fails with ErrConflict.
func (s *Store) SaveCrawl(ctx context.Context, c model.Crawl) error {
	crawlerJSON, err := json.Marshal(c.CrawlerOptions)
	if err != nil {
		return fmt.Errorf("marshal crawler options: %w", err)
	}
	pageJSON, err := json.Marshal(c.PageOptions)
	if err != nil {
		return fmt.Errorf("marshal page options: %w", err)
	}
	if c.TeamID == "" {
		c.TeamID = SystemTeamID
	}
	if c.Status == "" {
		c.Status = model.CrawlCreated
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = time.Now().Add(24 * time.Hour)
	}

	return s.withRetry(ctx, "save_crawl", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO crawls (id, origin_url, crawler_options, page_options, team_id, plan,
				robots_txt, cancelled, status, total_urls, completed_urls, failed_urls,
				created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, 0, 0, 0, now(), $9)
			ON CONFLICT (id) DO NOTHING`,
			c.ID, c.OriginURL, crawlerJSON, pageJSON, c.TeamID, c.Plan,
			c.RobotsTxt, string(c.Status), c.ExpiresAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("crawl %s: %w", c.ID, ErrConflict)
		}
		return nil
	})
}

// GetCrawl reads the full crawl record, or ErrNotFound.
func (s *Store) GetCrawl(ctx context.Context, crawlID string) (*model.Crawl, error) {
	var (
		c           model.Crawl
		crawlerJSON []byte
		pageJSON    []byte
		status      string
		robots      sql.NullString
		startTime   sql.NullTime
		endTime     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, origin_url, crawler_options, page_options, team_id, plan, robots_txt,
			cancelled, status, total_urls, completed_urls, failed_urls,
			start_time, end_time, created_at, expires_at
		FROM crawls WHERE id = $1`, crawlID).
		Scan(&c.ID, &c.OriginURL, &crawlerJSON, &pageJSON, &c.TeamID, &c.Plan, &robots,
			&c.Cancelled, &status, &c.TotalURLs, &c.CompletedURLs, &c.FailedURLs,
			&startTime, &endTime, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("crawl %s: %w", crawlID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(crawlerJSON, &c.CrawlerOptions); err != nil {
		return nil, fmt.Errorf("unmarshal crawler options: %w", err)
	}
	if err := json.Unmarshal(pageJSON, &c.PageOptions); err != nil {
		return nil, fmt.Errorf("unmarshal page options: %w", err)
	}
	c.RobotsTxt = robots.String
	c.Status = model.CrawlStatus(status)
	if startTime.Valid {
		c.StartTime = startTime.Time
	}
	if endTime.Valid {
		t := endTime.Time
		c.EndTime = &t
	}
	return &c, nil
}

// GetCrawlExpiry returns when the crawl record lapses. Missing crawls
// report the zero time so callers treat them as already expired.
func (s *Store) GetCrawlExpiry(ctx context.Context, crawlID string) (time.Time, error) {
	var expires time.Time
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM crawls WHERE id = $1`, crawlID).Scan(&expires)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// AddCrawlJob registers one job id under a crawl.
func (s *Store) AddCrawlJob(ctx context.Context, crawlID, jobID string) error {
	return s.AddCrawlJobs(ctx, crawlID, []string{jobID})
}

// AddCrawlJobs registers job ids under a crawl inside one transaction:
// each new membership row bumps total_urls, and the first registration
// moves the crawl from created/pending to scraping with a start time.
// Already-registered ids are skipped, so re-delivered fan-outs do not
// inflate the total.
func (s *Store) AddCrawlJobs(ctx context.Context, crawlID string, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return s.withRetry(ctx, "add_crawl_jobs", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		added := 0
		for _, jobID := range jobIDs {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO crawl_jobs (crawl_id, job_id, done, success)
				VALUES ($1, $2, false, false)
				ON CONFLICT (crawl_id, job_id) DO NOTHING`, crawlID, jobID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			added += int(n)
		}
		if added > 0 {
			res, err := tx.ExecContext(ctx, `
				UPDATE crawls SET
					total_urls = total_urls + $2,
					status = CASE WHEN status IN ($3, $4) THEN $5 ELSE status END,
					start_time = COALESCE(start_time, now())
				WHERE id = $1`,
				crawlID, added,
				string(model.CrawlCreated), string(model.CrawlPending), string(model.CrawlScraping))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("crawl %s: %w", crawlID, ErrNotFound)
			}
		}
		return tx.Commit()
	})
}

// UpdateCrawlProgress records one member job's terminal outcome. The
// membership row is flipped to done exactly once (re-deliveries are
// no-ops), the matching counter is bumped, and when the termination
// predicate holds the crawl is closed with an end time. A terminal
// report that arrives before its membership registration inserts the
// row itself, counting toward total_urls; the late registration then
// hits the conflict and does not recount it. Cancelled crawls keep
// counting but never leave the cancelled status.
func (s *Store) UpdateCrawlProgress(ctx context.Context, crawlID, jobID string, success bool) error {
	return s.withRetry(ctx, "update_crawl_progress", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE crawl_jobs SET done = true, success = $3, done_seq = nextval('crawl_jobs_done_seq')
			WHERE crawl_id = $1 AND job_id = $2 AND NOT done`,
			crawlID, jobID, success)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		registered := 0
		if n == 0 {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO crawl_jobs (crawl_id, job_id, done, success, done_seq)
				VALUES ($1, $2, true, $3, nextval('crawl_jobs_done_seq'))
				ON CONFLICT (crawl_id, job_id) DO NOTHING`,
				crawlID, jobID, success)
			if err != nil {
				return err
			}
			ins, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if ins == 0 {
				// Already counted.
				return tx.Commit()
			}
			registered = 1
		}

		column := "failed_urls"
		if success {
			column = "completed_urls"
		}
		var (
			total, completed, failed int
			status                   string
			cancelled                bool
		)
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			UPDATE crawls SET %s = %s + 1, total_urls = total_urls + $2 WHERE id = $1
			RETURNING total_urls, completed_urls, failed_urls, status, cancelled`, column, column),
			crawlID, registered).Scan(&total, &completed, &failed, &status, &cancelled)
		if err == sql.ErrNoRows {
			return fmt.Errorf("crawl %s: %w", crawlID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if total > 0 && completed+failed >= total && !cancelled &&
			model.CrawlStatus(status) != model.CrawlCompleted && model.CrawlStatus(status) != model.CrawlFailed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE crawls SET status = $2, end_time = now() WHERE id = $1`,
				crawlID, string(model.CrawlCompleted)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// DoneJobsCount returns how many member jobs have reached a terminal state.
func (s *Store) DoneJobsCount(ctx context.Context, crawlID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM crawl_jobs WHERE crawl_id = $1 AND done`, crawlID).Scan(&n)
	return n, err
}

// DoneJobsOrdered returns job ids of terminal members in completion
// order, sliced [start, end]. A negative end means "to the last".
func (s *Store) DoneJobsOrdered(ctx context.Context, crawlID string, start, end int) ([]string, error) {
	if start < 0 {
		start = 0
	}
	query := `
		SELECT job_id FROM crawl_jobs
		WHERE crawl_id = $1 AND done
		ORDER BY done_seq
		OFFSET $2`
	args := []any{crawlID, start}
	if end >= 0 {
		if end < start {
			return []string{}, nil
		}
		query += ` LIMIT $3`
		args = append(args, end-start+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsCrawlFinished reports whether every member job is terminal and at
// least one member exists.
func (s *Store) IsCrawlFinished(ctx context.Context, crawlID string) (bool, error) {
	var total, completed, failed int
	err := s.db.QueryRowContext(ctx, `
		SELECT total_urls, completed_urls, failed_urls FROM crawls WHERE id = $1`, crawlID).
		Scan(&total, &completed, &failed)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("crawl %s: %w", crawlID, ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return total > 0 && completed+failed >= total, nil
}

// FinishCrawl closes the crawl when its termination predicate holds.
// Idempotent: already-terminal and not-yet-finished crawls are no-ops.
func (s *Store) FinishCrawl(ctx context.Context, crawlID string) error {
	return s.withRetry(ctx, "finish_crawl", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE crawls SET status = $2, end_time = COALESCE(end_time, now())
			WHERE id = $1
			  AND NOT cancelled
			  AND status NOT IN ($2, $3)
			  AND total_urls > 0
			  AND completed_urls + failed_urls >= total_urls`,
			crawlID, string(model.CrawlCompleted), string(model.CrawlFailed))
		return err
	})
}

// SetCancelled flags the crawl cancelled. In-flight jobs finish on their
// own; fan-out checks this flag before enqueueing new members.
func (s *Store) SetCancelled(ctx context.Context, crawlID string) error {
	return s.withRetry(ctx, "cancel_crawl", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE crawls SET cancelled = true, status = $2, end_time = COALESCE(end_time, now())
			WHERE id = $1`, crawlID, string(model.CrawlCancelled))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("crawl %s: %w", crawlID, ErrNotFound)
		}
		return nil
	})
}
