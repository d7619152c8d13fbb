package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// Store is the single writer-of-record for durable job and crawl state.
// Jobs, crawls and crawl membership live in Postgres; URL locks and
// team-job records live in Redis because their lifecycle is pure TTL.
type Store struct {
	db     *sql.DB
	rdb    *redis.Client
	logger *slog.Logger

	maxResultBytes int
}

// New creates a Store over a shared *sql.DB with pooling and a redis
// client for the TTL-scoped collections.
func New(db *sql.DB, rdb *redis.Client, logger *slog.Logger, maxResultBytes int) *Store {
	if maxResultBytes <= 0 {
		maxResultBytes = 990000
	}
	return &Store{db: db, rdb: rdb, logger: logger, maxResultBytes: maxResultBytes}
}

// DB exposes the underlying handle for retention sweeps and health checks.
func (s *Store) DB() *sql.DB { return s.db }

const (
	writeRetries  = 3
	retryBaseWait = 100 * time.Millisecond
)

// withRetry retries a write up to writeRetries times with exponential
// backoff, then surfaces ErrStoreUnavailable. Logical errors (NotFound,
// Conflict, IllegalTransition) are never retried.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrIllegalTransition) {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		wait := retryBaseWait * (1 << attempt)
		s.logger.Warn("store write retry", "op", op, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}
