package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/store"
)

// TasksQueue is the dispatcher-backed provider: each enqueue creates a
// one-shot HTTP task addressed at the worker's /tasks/process endpoint.
// The dispatcher owns scheduling and retry; workers are passive. The
// dispatcher-assigned task name is recorded as cloudTasksId inside the
// job payload while the caller-supplied jobId stays canonical.
type TasksQueue struct {
	store  *store.Store
	cfg    config.TasksConfig
	client *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	onComplete CompleteFunc
	onFailed   FailedFunc
}

// TaskPayload is the base64-encoded body carried by each dispatched task.
type TaskPayload struct {
	JobID   string           `json:"jobId"`
	Name    string           `json:"name"`
	Data    model.JobData    `json:"data"`
	Options model.JobOptions `json:"options"`
}

func NewTasksQueue(st *store.Store, cfg config.TasksConfig, logger *slog.Logger) *TasksQueue {
	return &TasksQueue{
		store:  st,
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (q *TasksQueue) tasksURL() string {
	return fmt.Sprintf("%s/v2/projects/%s/locations/%s/queues/%s/tasks",
		q.cfg.DispatcherURL, q.cfg.Project, q.cfg.Location, q.cfg.Queue)
}

// AddJob creates the durable record, then submits the dispatcher task.
// Priority is advisory only on this variant; the dispatcher may reorder.
func (q *TasksQueue) AddJob(ctx context.Context, name string, data model.JobData, opts model.JobOptions) (string, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	jobID := opts.JobID

	if err := q.store.CreateJob(ctx, jobID, name, data, opts); err != nil {
		if errors.Is(err, store.ErrConflict) {
			q.logger.Debug("duplicate enqueue dropped", "job_id", jobID)
			return jobID, nil
		}
		return "", err
	}

	payload, err := json.Marshal(TaskPayload{JobID: jobID, Name: name, Data: data, Options: opts})
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	body := map[string]any{
		"task": map[string]any{
			"httpRequest": map[string]any{
				"httpMethod": "POST",
				"url":        q.cfg.ServiceURL + "/tasks/process",
				"headers":    map[string]string{"Content-Type": "application/json"},
				"body":       base64.StdEncoding.EncodeToString(payload),
				"oidcToken": map[string]string{
					"serviceAccountEmail": q.cfg.ServiceAccountEmail,
				},
			},
		},
	}
	reqBody, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.tasksURL(), bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch %s: %v: %w", jobID, err, ErrQueueUnavailable)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("dispatch %s: status %d: %s: %w", jobID, resp.StatusCode, raw, ErrQueueUnavailable)
	}

	var created struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &created); err == nil && created.Name != "" {
		if err := q.store.SetJobCloudTasksID(ctx, jobID, created.Name); err != nil {
			q.logger.Warn("cloud tasks id not recorded", "job_id", jobID, "error", err)
		}
	}
	return jobID, nil
}

// DecodeTaskPayload parses a /tasks/process request body.
func DecodeTaskPayload(body []byte) (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("decode task payload: %w", err)
	}
	if p.JobID == "" {
		p.JobID = p.Options.JobID
	}
	return p, nil
}

// JobFromPayload wraps a delivered task in a worker-facing handle.
func (q *TasksQueue) JobFromPayload(p TaskPayload) *Job {
	return &Job{ID: p.JobID, Name: p.Name, Data: p.Data, Opts: p.Options, AttemptsMade: 1, provider: q}
}

// Next always returns nil: the dispatcher pushes work over HTTP.
func (q *TasksQueue) Next(ctx context.Context, token string) (*Job, error) {
	return nil, nil
}

// ExtendLock is a no-op: the dispatcher owns delivery timeouts.
func (q *TasksQueue) ExtendLock(ctx context.Context, jobID, token string, extension int) error {
	return nil
}

func (q *TasksQueue) Complete(ctx context.Context, job *Job, result model.ScrapeResult) error {
	if err := q.store.MarkJobCompleted(ctx, job.ID, result); err != nil {
		return err
	}
	if cb := q.completeCB(); cb != nil {
		cb(job.ID, result)
	}
	return nil
}

func (q *TasksQueue) Fail(ctx context.Context, job *Job, jobErr error) error {
	if err := q.store.MarkJobFailed(ctx, job.ID, jobErr); err != nil {
		return err
	}
	if cb := q.failedCB(); cb != nil {
		cb(job.ID, jobErr)
	}
	return nil
}

func (q *TasksQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	rec, err := q.store.GetJob(ctx, jobID)
	if err != nil || rec == nil {
		return nil, err
	}
	return &Job{ID: rec.ID, Name: rec.Name, Data: rec.Data, Opts: rec.Options, provider: q}, nil
}

// RemoveJob deletes the dispatcher task when its name is known, then the
// durable record. Dispatcher deletion is best-effort.
func (q *TasksQueue) RemoveJob(ctx context.Context, jobID string) error {
	if rec, err := q.store.GetJob(ctx, jobID); err == nil && rec != nil && rec.Data.CloudTasksID != "" {
		url := q.cfg.DispatcherURL + "/v2/" + rec.Data.CloudTasksID
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err == nil {
			if resp, err := q.client.Do(req); err != nil {
				q.logger.Warn("dispatcher task delete failed", "job_id", jobID, "error", err)
			} else {
				resp.Body.Close()
			}
		}
	}
	return q.store.RemoveJob(ctx, jobID)
}

func (q *TasksQueue) GetJobState(ctx context.Context, jobID string) (model.JobStatus, error) {
	return q.store.GetJobState(ctx, jobID)
}

func (q *TasksQueue) GetJobResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	return q.store.GetJobResult(ctx, jobID)
}

func (q *TasksQueue) GetJobError(ctx context.Context, jobID string) (string, error) {
	return q.store.GetJobError(ctx, jobID)
}

func (q *TasksQueue) UpdateJobProgress(ctx context.Context, jobID string, p model.Progress) error {
	return q.store.UpdateJobProgress(ctx, jobID, p)
}

// ActiveCount is not supported by the dispatcher variant.
func (q *TasksQueue) ActiveCount(ctx context.Context) (int, error) {
	q.logger.Debug("active count not supported by cloud-tasks provider")
	return 0, nil
}

// WaitingCount is not supported by the dispatcher variant.
func (q *TasksQueue) WaitingCount(ctx context.Context) (int, error) {
	q.logger.Debug("waiting count not supported by cloud-tasks provider")
	return 0, nil
}

func (q *TasksQueue) OnJobComplete(cb CompleteFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onComplete = cb
}

func (q *TasksQueue) OnJobFailed(cb FailedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailed = cb
}

func (q *TasksQueue) completeCB() CompleteFunc {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.onComplete
}

func (q *TasksQueue) failedCB() FailedFunc {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.onFailed
}

func (q *TasksQueue) Close() error { return nil }
