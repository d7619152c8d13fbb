package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
)

var (
	// ErrQueueUnavailable is returned when the broker or dispatcher
	// cannot be reached after retries.
	ErrQueueUnavailable = errors.New("queue: unavailable")
	// ErrStoreUnstable is returned by the waiter when consecutive polls
	// keep missing their inner deadline.
	ErrStoreUnstable = errors.New("queue: state store unstable")
	// ErrJobWaitTimeout is returned when a job does not reach a terminal
	// state before the wait ceiling.
	ErrJobWaitTimeout = errors.New("queue: job wait timed out")
	// ErrExecutionFailure wraps the stored error of a failed job.
	ErrExecutionFailure = errors.New("queue: job execution failed")
)

// CompleteFunc is invoked once per job that reaches completed.
type CompleteFunc func(jobID string, result model.ScrapeResult)

// FailedFunc is invoked once per job that reaches failed.
type FailedFunc func(jobID string, err error)

// Provider is the uniform queue surface over the two backends. Durable
// job state always lives in the state store; the provider only owns
// transient in-queue state.
type Provider interface {
	// AddJob enqueues a job. The jobId in opts is canonical and returned
	// unchanged; the durable record is created before the broker or
	// dispatcher insertion. A repeated jobId enqueues nothing new.
	AddJob(ctx context.Context, name string, data model.JobData, opts model.JobOptions) (string, error)

	// GetJob returns a handle for a known job, or nil when absent.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// RemoveJob best-effort deletes the job from the backend and the store.
	RemoveJob(ctx context.Context, jobID string) error

	GetJobState(ctx context.Context, jobID string) (model.JobStatus, error)
	GetJobResult(ctx context.Context, jobID string) (json.RawMessage, error)
	GetJobError(ctx context.Context, jobID string) (string, error)

	// ActiveCount and WaitingCount report real values on the broker
	// variant only; the dispatcher variant returns 0.
	ActiveCount(ctx context.Context) (int, error)
	WaitingCount(ctx context.Context) (int, error)

	// Next hands the worker identified by token the next ready job under
	// a fresh lease, or nil when the queue is empty. Dispatcher-variant
	// workers are passive and always receive nil.
	Next(ctx context.Context, token string) (*Job, error)

	// ExtendLock pushes out the lease expiry for a job the token owns.
	ExtendLock(ctx context.Context, jobID, token string, extension int) error

	// Complete records the terminal result and releases in-queue state.
	// Idempotent: a second delivery of a completed job is a no-op.
	Complete(ctx context.Context, job *Job, result model.ScrapeResult) error

	// Fail either schedules a retry with backoff or, when attempts are
	// exhausted, records the terminal failure.
	Fail(ctx context.Context, job *Job, jobErr error) error

	OnJobComplete(cb CompleteFunc)
	OnJobFailed(cb FailedFunc)

	Close() error
}

// Job is the in-flight handle a worker operates on.
type Job struct {
	ID           string
	Name         string
	Data         model.JobData
	Opts         model.JobOptions
	LeaseToken   string
	AttemptsMade int

	provider Provider
}

// State reads the authoritative status from the state store.
func (j *Job) State(ctx context.Context) (model.JobStatus, error) {
	return j.provider.GetJobState(ctx, j.ID)
}

// UpdateProgress writes the structured progress descriptor.
func (j *Job) UpdateProgress(ctx context.Context, p model.Progress) error {
	if pu, ok := j.provider.(progressUpdater); ok {
		return pu.UpdateJobProgress(ctx, j.ID, p)
	}
	return nil
}

// MoveToCompleted transitions the job to completed with its result.
func (j *Job) MoveToCompleted(ctx context.Context, result model.ScrapeResult) error {
	return j.provider.Complete(ctx, j, result)
}

// MoveToFailed retries or terminally fails the job.
func (j *Job) MoveToFailed(ctx context.Context, jobErr error) error {
	return j.provider.Fail(ctx, j, jobErr)
}

type progressUpdater interface {
	UpdateJobProgress(ctx context.Context, jobID string, p model.Progress) error
}
