package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
)

const (
	waitPollInterval  = 250 * time.Millisecond
	waitPollDeadline  = 4 * time.Second
	maxDeadlineMisses = 10
)

// WaitForJob polls the state store until the job reaches a terminal
// state or the wait ceiling elapses. Each poll runs under its own inner
// deadline; maxDeadlineMisses consecutive misses surface as
// ErrStoreUnstable so a sick store is distinguishable from a slow job.
// A failed job returns the stored error wrapped in ErrExecutionFailure.
func WaitForJob(ctx context.Context, p Provider, jobID string, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("job %s: %w", jobID, ErrJobWaitTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		pollCtx, pollCancel := context.WithTimeout(ctx, waitPollDeadline)
		state, err := p.GetJobState(pollCtx, jobID)
		pollCancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				misses++
				if misses >= maxDeadlineMisses {
					return nil, fmt.Errorf("job %s: %w", jobID, ErrStoreUnstable)
				}
				continue
			}
			return nil, err
		}
		misses = 0

		switch state {
		case model.StatusCompleted:
			return p.GetJobResult(ctx, jobID)
		case model.StatusFailed:
			msg, gerr := p.GetJobError(ctx, jobID)
			if gerr != nil || msg == "" {
				msg = "job failed"
			}
			return nil, fmt.Errorf("%s: %w", msg, ErrExecutionFailure)
		}
	}
}
