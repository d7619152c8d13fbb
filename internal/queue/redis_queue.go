package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/store"
)

// RedisQueue is the broker-backed provider: an ordered priority queue in
// Redis with leases, stalled-job reclaim, retry backoff and a 25h job TTL.
//
// Key layout under "<prefix>:<name>:":
//
//	waiting   ZSET  member=jobId, score=priority*2^40+enqueueMillis
//	delayed   ZSET  member=jobId, score=readyAtMillis
//	active    SET   member=jobId
//	job:<id>  HASH  name, data, options, priority, attempts, stalls  (TTL 25h)
//	lock:<id> STRING lease token, PX lockDuration
type RedisQueue struct {
	rdb    *redis.Client
	store  *store.Store
	cfg    config.QueueConfig
	logger *slog.Logger

	mu         sync.Mutex
	onComplete CompleteFunc
	onFailed   FailedFunc

	stopMonitor chan struct{}
	monitorDone chan struct{}
	closeOnce   sync.Once
}

// priorityStride leaves 2^40 ms (~35 years) of FIFO room per priority level.
const priorityStride = float64(1 << 40)

// NewRedisQueue builds the broker variant and starts its stalled-job monitor.
func NewRedisQueue(rdb *redis.Client, st *store.Store, cfg config.QueueConfig, logger *slog.Logger) *RedisQueue {
	q := &RedisQueue{
		rdb:         rdb,
		store:       st,
		cfg:         cfg,
		logger:      logger,
		stopMonitor: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	go q.monitorStalled()
	return q
}

func (q *RedisQueue) key(parts ...string) string {
	k := q.cfg.Prefix + ":" + q.cfg.Name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) jobTTL() time.Duration {
	return time.Duration(q.cfg.JobTTLHours) * time.Hour
}

func (q *RedisQueue) lockDuration() time.Duration {
	return time.Duration(q.cfg.LockDurationMs) * time.Millisecond
}

// AddJob creates the durable record, then inserts the broker entry. A
// repeated jobId is detected at the store and skips the insertion, so at
// most one in-queue entry exists per id.
func (q *RedisQueue) AddJob(ctx context.Context, name string, data model.JobData, opts model.JobOptions) (string, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = q.cfg.MaxAttempts
	}
	jobID := opts.JobID

	if err := q.store.CreateJob(ctx, jobID, name, data, opts); err != nil {
		if errors.Is(err, store.ErrConflict) {
			q.logger.Debug("duplicate enqueue dropped", "job_id", jobID)
			return jobID, nil
		}
		return "", err
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal job data: %w", err)
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("marshal job options: %w", err)
	}

	score := float64(opts.Priority)*priorityStride + float64(time.Now().UnixMilli())
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("job", jobID), "name", name, "data", dataJSON, "options", optsJSON, "priority", opts.Priority, "attempts", 0, "stalls", 0)
	pipe.Expire(ctx, q.key("job", jobID), q.jobTTL())
	pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: score, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %v: %w", jobID, err, ErrQueueUnavailable)
	}
	return jobID, nil
}

// Next promotes due delayed jobs, pops the lowest-scored waiting job and
// hands it out under a fresh lease. Returns nil when nothing is ready.
func (q *RedisQueue) Next(ctx context.Context, token string) (*Job, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		q.logger.Warn("delayed promotion failed", "error", err)
	}

	for {
		members, err := q.rdb.ZPopMin(ctx, q.key("waiting"), 1).Result()
		if err != nil {
			return nil, fmt.Errorf("pop waiting: %v: %w", err, ErrQueueUnavailable)
		}
		if len(members) == 0 {
			return nil, nil
		}
		jobID, _ := members[0].Member.(string)

		job, err := q.loadJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			// Hash expired under the TTL; skip the orphaned entry.
			q.logger.Warn("queue entry without job data dropped", "job_id", jobID)
			continue
		}

		attempts, err := q.rdb.HIncrBy(ctx, q.key("job", jobID), "attempts", 1).Result()
		if err != nil {
			return nil, err
		}
		pipe := q.rdb.TxPipeline()
		pipe.SAdd(ctx, q.key("active"), jobID)
		pipe.Set(ctx, q.key("lock", jobID), token, q.lockDuration())
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("lease %s: %v: %w", jobID, err, ErrQueueUnavailable)
		}

		job.LeaseToken = token
		job.AttemptsMade = int(attempts)
		return job, nil
	}
}

func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 50,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, jobID := range due {
		pipe.ZRem(ctx, q.key("delayed"), jobID)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: q.requeueScore(ctx, jobID), Member: jobID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// requeueScore recomputes the waiting score from the job's stored
// priority so a requeued job slots back into its band instead of
// jumping ahead of all waiting work.
func (q *RedisQueue) requeueScore(ctx context.Context, jobID string) float64 {
	now := float64(time.Now().UnixMilli())
	prio, err := q.rdb.HGet(ctx, q.key("job", jobID), "priority").Int()
	if err != nil {
		return now
	}
	return float64(prio)*priorityStride + now
}

func (q *RedisQueue) loadJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.key("job", jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &Job{ID: jobID, Name: fields["name"], provider: q}
	if raw := fields["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Data); err != nil {
			return nil, fmt.Errorf("unmarshal job data: %w", err)
		}
	}
	if raw := fields["options"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Opts); err != nil {
			return nil, fmt.Errorf("unmarshal job options: %w", err)
		}
	}
	return job, nil
}

// extendLockScript extends the lease only while the caller still owns it.
var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// ExtendLock pushes the lease out by extension milliseconds. Losing the
// lease is reported as an error so the worker can stop trusting its
// ownership.
func (q *RedisQueue) ExtendLock(ctx context.Context, jobID, token string, extension int) error {
	ok, err := extendLockScript.Run(ctx, q.rdb, []string{q.key("lock", jobID)}, token, extension).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("job %s: lease not owned by token", jobID)
	}
	return nil
}

// releaseLockScript deletes the lease only if the caller owns it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (q *RedisQueue) release(ctx context.Context, job *Job) {
	if job.LeaseToken != "" {
		if _, err := releaseLockScript.Run(ctx, q.rdb, []string{q.key("lock", job.ID)}, job.LeaseToken).Int(); err != nil {
			q.logger.Warn("lease release failed", "job_id", job.ID, "error", err)
		}
	}
	if err := q.rdb.SRem(ctx, q.key("active"), job.ID).Err(); err != nil {
		q.logger.Warn("active removal failed", "job_id", job.ID, "error", err)
	}
}

// Complete writes the terminal result through the store and releases the
// broker entry. The store transition is authoritative; broker cleanup is
// best-effort.
func (q *RedisQueue) Complete(ctx context.Context, job *Job, result model.ScrapeResult) error {
	if err := q.store.MarkJobCompleted(ctx, job.ID, result); err != nil {
		return err
	}
	q.release(ctx, job)
	if cb := q.completeCB(); cb != nil {
		cb(job.ID, result)
	}
	return nil
}

// Fail schedules a retry with exponential backoff while attempts remain,
// otherwise records the terminal failure. Retried jobs keep their active
// durable status so the observable status sequence stays monotonic.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, jobErr error) error {
	maxAttempts := job.Opts.Attempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	if job.AttemptsMade < maxAttempts {
		delay := time.Duration(q.cfg.BackoffBaseMs) * time.Millisecond
		for i := 1; i < job.AttemptsMade; i++ {
			delay *= 2
		}
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
			return fmt.Errorf("schedule retry %s: %v: %w", job.ID, err, ErrQueueUnavailable)
		}
		q.release(ctx, job)
		q.logger.Info("job scheduled for retry", "job_id", job.ID, "attempt", job.AttemptsMade, "delay", delay, "error", jobErr)
		return nil
	}

	if err := q.store.MarkJobFailed(ctx, job.ID, jobErr); err != nil {
		return err
	}
	q.release(ctx, job)
	if cb := q.failedCB(); cb != nil {
		cb(job.ID, jobErr)
	}
	return nil
}

// monitorStalled periodically scans active jobs whose lease has expired
// and either requeues them or, past maxStalledCount reclaims, fails them.
func (q *RedisQueue) monitorStalled() {
	defer close(q.monitorDone)
	interval := q.lockDuration() / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopMonitor:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			q.reclaimStalled(ctx)
			cancel()
		}
	}
}

func (q *RedisQueue) reclaimStalled(ctx context.Context) {
	active, err := q.rdb.SMembers(ctx, q.key("active")).Result()
	if err != nil {
		q.logger.Warn("stalled scan failed", "error", err)
		return
	}
	for _, jobID := range active {
		exists, err := q.rdb.Exists(ctx, q.key("lock", jobID)).Result()
		if err != nil || exists > 0 {
			continue
		}

		stalls, err := q.rdb.HIncrBy(ctx, q.key("job", jobID), "stalls", 1).Result()
		if err != nil {
			continue
		}
		if int(stalls) > q.cfg.MaxStalledCount {
			stallErr := fmt.Errorf("job stalled more than allowable limit")
			if err := q.store.MarkJobFailed(ctx, jobID, stallErr); err != nil {
				q.logger.Error("stalled job fail transition", "job_id", jobID, "error", err)
				continue
			}
			q.rdb.SRem(ctx, q.key("active"), jobID)
			q.logger.Warn("stalled job failed", "job_id", jobID, "stalls", stalls)
			if cb := q.failedCB(); cb != nil {
				cb(jobID, stallErr)
			}
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.SRem(ctx, q.key("active"), jobID)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: q.requeueScore(ctx, jobID), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Warn("stalled requeue failed", "job_id", jobID, "error", err)
			continue
		}
		q.logger.Info("stalled job requeued", "job_id", jobID, "stalls", stalls)
	}
}

// GetJob reads the durable record and wraps it in a handle.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	rec, err := q.store.GetJob(ctx, jobID)
	if err != nil || rec == nil {
		return nil, err
	}
	return &Job{ID: rec.ID, Name: rec.Name, Data: rec.Data, Opts: rec.Options, provider: q}, nil
}

// RemoveJob deletes the job from the broker and the store.
func (q *RedisQueue) RemoveJob(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("waiting"), jobID)
	pipe.ZRem(ctx, q.key("delayed"), jobID)
	pipe.SRem(ctx, q.key("active"), jobID)
	pipe.Del(ctx, q.key("job", jobID), q.key("lock", jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("broker removal failed", "job_id", jobID, "error", err)
	}
	return q.store.RemoveJob(ctx, jobID)
}

func (q *RedisQueue) GetJobState(ctx context.Context, jobID string) (model.JobStatus, error) {
	return q.store.GetJobState(ctx, jobID)
}

func (q *RedisQueue) GetJobResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	return q.store.GetJobResult(ctx, jobID)
}

func (q *RedisQueue) GetJobError(ctx context.Context, jobID string) (string, error) {
	return q.store.GetJobError(ctx, jobID)
}

func (q *RedisQueue) UpdateJobProgress(ctx context.Context, jobID string, p model.Progress) error {
	return q.store.UpdateJobProgress(ctx, jobID, p)
}

func (q *RedisQueue) ActiveCount(ctx context.Context) (int, error) {
	n, err := q.rdb.SCard(ctx, q.key("active")).Result()
	return int(n), err
}

func (q *RedisQueue) WaitingCount(ctx context.Context) (int, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(waiting.Val() + delayed.Val()), nil
}

func (q *RedisQueue) OnJobComplete(cb CompleteFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onComplete = cb
}

func (q *RedisQueue) OnJobFailed(cb FailedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailed = cb
}

func (q *RedisQueue) completeCB() CompleteFunc {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.onComplete
}

func (q *RedisQueue) failedCB() FailedFunc {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.onFailed
}

// Close stops the stalled-job monitor.
func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.stopMonitor)
		<-q.monitorDone
	})
	return nil
}
