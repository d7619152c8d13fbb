package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/store"
)

func testQueue(t *testing.T) (*RedisQueue, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.QueueConfig{
		Name:            "scrapeQueue",
		Prefix:          "firecrawl",
		LockDurationMs:  60000,
		MaxStalledCount: 2,
		MaxAttempts:     3,
		BackoffBaseMs:   1,
		JobTTLHours:     25,
	}
	st := store.New(nil, rdb, logger, 0)
	q := NewRedisQueue(rdb, st, cfg, logger)
	t.Cleanup(func() { q.Close() })
	return q, rdb, mr
}

// seedJob writes broker state directly, bypassing the durable store.
func seedJob(t *testing.T, q *RedisQueue, rdb *redis.Client, jobID string, prio int) {
	t.Helper()
	ctx := context.Background()
	data, _ := json.Marshal(model.JobData{URL: "https://a.example/" + jobID, Mode: model.ModeCrawl})
	opts, _ := json.Marshal(model.JobOptions{JobID: jobID, Priority: prio, Attempts: 3})
	if err := rdb.HSet(ctx, q.key("job", jobID), "name", "scrape", "data", data, "options", opts, "priority", prio, "attempts", 0, "stalls", 0).Err(); err != nil {
		t.Fatalf("seed hash: %v", err)
	}
	score := float64(prio)*priorityStride + float64(time.Now().UnixMilli())
	if err := rdb.ZAdd(ctx, q.key("waiting"), redis.Z{Score: score, Member: jobID}).Err(); err != nil {
		t.Fatalf("seed waiting: %v", err)
	}
}

func TestNextHandsOutLease(t *testing.T) {
	q, rdb, _ := testQueue(t)
	ctx := context.Background()
	seedJob(t, q, rdb, "j1", 10)

	job, err := q.Next(ctx, "worker-token")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if job == nil || job.ID != "j1" {
		t.Fatalf("job = %+v, want j1", job)
	}
	if job.LeaseToken != "worker-token" || job.AttemptsMade != 1 {
		t.Fatalf("lease fields: token=%q attempts=%d", job.LeaseToken, job.AttemptsMade)
	}
	if job.Data.URL != "https://a.example/j1" {
		t.Fatalf("payload url = %q", job.Data.URL)
	}

	if token, _ := rdb.Get(ctx, q.key("lock", "j1")).Result(); token != "worker-token" {
		t.Fatalf("lock holder = %q", token)
	}
	if active, _ := rdb.SMembers(ctx, q.key("active")).Result(); len(active) != 1 || active[0] != "j1" {
		t.Fatalf("active set = %v", active)
	}
}

func TestNextEmptyQueue(t *testing.T) {
	q, _, _ := testQueue(t)
	job, err := q.Next(context.Background(), "worker-token")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if job != nil {
		t.Fatalf("job = %+v, want nil", job)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q, rdb, _ := testQueue(t)
	ctx := context.Background()

	// Lower priority value is served first regardless of enqueue order.
	seedJob(t, q, rdb, "j-late", 10)
	seedJob(t, q, rdb, "j-urgent", 1)

	first, err := q.Next(ctx, "t1")
	if err != nil || first == nil {
		t.Fatalf("first next: %+v %v", first, err)
	}
	if first.ID != "j-urgent" {
		t.Fatalf("first = %s, want j-urgent", first.ID)
	}

	second, err := q.Next(ctx, "t2")
	if err != nil || second == nil || second.ID != "j-late" {
		t.Fatalf("second = %+v %v, want j-late", second, err)
	}
}

func TestExtendLockOwnership(t *testing.T) {
	q, rdb, _ := testQueue(t)
	ctx := context.Background()
	seedJob(t, q, rdb, "j1", 10)

	job, _ := q.Next(ctx, "owner")
	if job == nil {
		t.Fatal("no job")
	}

	if err := q.ExtendLock(ctx, "j1", "owner", 120000); err != nil {
		t.Fatalf("owner extend: %v", err)
	}
	if err := q.ExtendLock(ctx, "j1", "imposter", 120000); err == nil {
		t.Fatal("imposter extend succeeded")
	}
}

func TestFailSchedulesRetry(t *testing.T) {
	q, rdb, _ := testQueue(t)
	ctx := context.Background()
	seedJob(t, q, rdb, "j1", 10)

	job, _ := q.Next(ctx, "owner")
	if job == nil {
		t.Fatal("no job")
	}

	if err := q.Fail(ctx, job, context.DeadlineExceeded); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if n, _ := rdb.SCard(ctx, q.key("active")).Result(); n != 0 {
		t.Fatalf("active after retry schedule = %d", n)
	}
	if n, _ := rdb.ZCard(ctx, q.key("delayed")).Result(); n != 1 {
		t.Fatalf("delayed = %d, want 1", n)
	}

	// The 1ms backoff lapses immediately; the next poll promotes and
	// re-delivers with a bumped attempt counter.
	time.Sleep(5 * time.Millisecond)
	again, err := q.Next(ctx, "owner-2")
	if err != nil || again == nil {
		t.Fatalf("redelivery: %+v %v", again, err)
	}
	if again.ID != "j1" || again.AttemptsMade != 2 {
		t.Fatalf("redelivered = %s attempts=%d, want j1/2", again.ID, again.AttemptsMade)
	}
}

func TestPromotionKeepsPriorityBand(t *testing.T) {
	q, rdb, _ := testQueue(t)
	ctx := context.Background()

	// A low-priority job parked in the delayed set, already due.
	seedJob(t, q, rdb, "j-low", 10)
	if err := rdb.ZRem(ctx, q.key("waiting"), "j-low").Err(); err != nil {
		t.Fatalf("clear waiting: %v", err)
	}
	due := float64(time.Now().Add(-time.Second).UnixMilli())
	if err := rdb.ZAdd(ctx, q.key("delayed"), redis.Z{Score: due, Member: "j-low"}).Err(); err != nil {
		t.Fatalf("seed delayed: %v", err)
	}
	seedJob(t, q, rdb, "j-high", 1)

	// Promotion must slot the retried job back into its band, not ahead
	// of higher-priority waiting work.
	first, err := q.Next(ctx, "t1")
	if err != nil || first == nil {
		t.Fatalf("first next: %+v %v", first, err)
	}
	if first.ID != "j-high" {
		t.Fatalf("first = %s, want j-high", first.ID)
	}
	second, err := q.Next(ctx, "t2")
	if err != nil || second == nil || second.ID != "j-low" {
		t.Fatalf("second = %+v %v, want j-low", second, err)
	}
}

func TestStalledRequeue(t *testing.T) {
	q, rdb, mr := testQueue(t)
	ctx := context.Background()
	seedJob(t, q, rdb, "j1", 10)

	job, _ := q.Next(ctx, "owner")
	if job == nil {
		t.Fatal("no job")
	}

	// Lease lapses without extension; the reclaim pass requeues the job.
	mr.FastForward(q.lockDuration() + time.Second)
	q.reclaimStalled(ctx)

	if n, _ := rdb.SCard(ctx, q.key("active")).Result(); n != 0 {
		t.Fatalf("active after reclaim = %d", n)
	}
	if n, _ := rdb.ZCard(ctx, q.key("waiting")).Result(); n != 1 {
		t.Fatalf("waiting after reclaim = %d, want 1", n)
	}
	if stalls, _ := rdb.HGet(ctx, q.key("job", "j1"), "stalls").Int(); stalls != 1 {
		t.Fatalf("stall count = %d, want 1", stalls)
	}
	// The requeued score keeps the priority component.
	if score, _ := rdb.ZScore(ctx, q.key("waiting"), "j1").Result(); score < 10*priorityStride {
		t.Fatalf("requeue score = %f, lost the priority band", score)
	}
}

func TestWaitingCount(t *testing.T) {
	q, rdb, _ := testQueue(t)
	ctx := context.Background()
	seedJob(t, q, rdb, "j1", 10)
	seedJob(t, q, rdb, "j2", 10)

	if n, err := q.WaitingCount(ctx); err != nil || n != 2 {
		t.Fatalf("waiting = %d err=%v, want 2", n, err)
	}
	if n, err := q.ActiveCount(ctx); err != nil || n != 0 {
		t.Fatalf("active = %d err=%v, want 0", n, err)
	}

	q.Next(ctx, "t")
	if n, _ := q.ActiveCount(ctx); n != 1 {
		t.Fatalf("active after next = %d, want 1", n)
	}
}
