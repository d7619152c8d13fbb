package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/crawl"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/metrics"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/queue"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/scrape"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/store"
)

// Worker drains the queue under local resource pressure, executes one
// scrape per job, keeps the lease alive while work is in flight, and
// always moves the job to a terminal state.
type Worker struct {
	cfg          config.WorkerConfig
	provider     queue.Provider
	store        *store.Store
	coordinator  *crawl.Coordinator
	orchestrator *scrape.Orchestrator
	sysinfo      *SysInfo
	metrics      *metrics.Registry
	logger       *slog.Logger

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

func New(cfg config.WorkerConfig, provider queue.Provider, st *store.Store, coord *crawl.Coordinator, orch *scrape.Orchestrator, m *metrics.Registry, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:          cfg,
		provider:     provider,
		store:        st,
		coordinator:  coord,
		orchestrator: orch,
		sysinfo:      NewSysInfo(),
		metrics:      m,
		logger:       logger,
	}
}

// ActiveJobs reports in-flight handlers; the health gate serves 503
// while this is nonzero.
func (w *Worker) ActiveJobs() int {
	return int(w.inFlight.Load())
}

// Run polls until ctx is cancelled, then drains in-flight handlers for
// at most the shutdown grace period.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker loop started")
	emptyPolls := 0

	for {
		if ctx.Err() != nil {
			break
		}

		if cpuFrac, ramFrac := w.sysinfo.Read(); cpuFrac > w.cfg.MaxCPU || ramFrac > w.cfg.MaxRAM {
			w.logger.Warn("resource pressure, not accepting jobs", "cpu", cpuFrac, "ram", ramFrac)
			if !sleepCtx(ctx, time.Duration(w.cfg.CantAcceptConnectionIntervalMs)*time.Millisecond) {
				break
			}
			continue
		}

		token := uuid.New().String()
		job, err := w.provider.Next(ctx, token)
		if err != nil {
			w.logger.Error("queue poll failed", "error", err)
			if !sleepCtx(ctx, time.Duration(w.cfg.ConnectionMonitorIntervalMs)*time.Millisecond) {
				break
			}
			continue
		}

		if job == nil {
			emptyPolls++
			if !sleepCtx(ctx, w.emptyPollDelay(emptyPolls)) {
				break
			}
			continue
		}
		emptyPolls = 0

		w.wg.Add(1)
		w.inFlight.Add(1)
		go func(job *queue.Job) {
			defer w.wg.Done()
			defer w.inFlight.Add(-1)
			w.Process(context.WithoutCancel(ctx), job)
		}(job)

		if !sleepCtx(ctx, time.Duration(w.cfg.GotJobIntervalMs)*time.Millisecond) {
			break
		}
	}

	w.logger.Info("worker loop stopping, draining in-flight jobs", "in_flight", w.ActiveJobs())
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("worker drained cleanly")
	case <-time.After(time.Duration(w.cfg.ShutdownGraceMs) * time.Millisecond):
		w.logger.Warn("shutdown grace elapsed with jobs in flight", "in_flight", w.ActiveJobs())
	}
}

// emptyPollDelay doubles every MaxEmptyPolls consecutive misses, capped.
func (w *Worker) emptyPollDelay(emptyPolls int) time.Duration {
	delay := time.Duration(w.cfg.EmptyPollBaseMs) * time.Millisecond
	maxDelay := time.Duration(w.cfg.EmptyPollCapMs) * time.Millisecond
	for i := 0; i < emptyPolls/w.cfg.MaxEmptyPolls; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// Process executes one job to a terminal state. Also the entry point for
// dispatcher-delivered jobs arriving over /tasks/process.
func (w *Worker) Process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	logger := w.logger.With("job_id", job.ID, "url", job.Data.URL)
	logger.Info("job started", "attempt", job.AttemptsMade)
	w.metrics.IncJobsStarted()

	stopExtend := w.startLeaseExtension(ctx, job)
	defer stopExtend()

	teamID := job.Data.TeamID
	if teamID == "" {
		teamID = store.SystemTeamID
	}
	if err := w.store.AddTeamJob(ctx, teamID, job.ID); err != nil {
		logger.Warn("team job tracking failed", "error", err)
	}
	defer func() {
		if err := w.store.RemoveTeamJob(ctx, teamID, job.ID); err != nil {
			logger.Warn("team job cleanup failed", "error", err)
		}
	}()

	if err := w.store.MarkJobStarted(ctx, job.ID); err != nil && !errors.Is(err, store.ErrIllegalTransition) {
		logger.Warn("start transition failed", "error", err)
	}

	if blocked := w.blockedURL(job.Data.URL); blocked != "" {
		result := model.ScrapeResult{
			Success: false,
			Message: "URL is blocked; scraping this resource is not allowed",
			Docs:    []model.Document{},
		}
		logger.Warn("blocked URL short-circuited", "match", blocked)
		w.complete(ctx, job, result, logger)
		w.metrics.IncJobsBlocked()
		return
	}

	if err := job.UpdateProgress(ctx, model.Progress{Current: 1, Total: 100, Step: "SCRAPING", CurrentURL: job.Data.URL}); err != nil {
		logger.Warn("initial progress write failed", "error", err)
	}

	result, err := w.orchestrator.Run(ctx, scrape.Options{
		URL:            job.Data.URL,
		Mode:           job.Data.Mode,
		TeamID:         teamID,
		JobID:          job.ID,
		CrawlID:        job.Data.CrawlID,
		PageOptions:    job.Data.PageOptions,
		CrawlerOptions: job.Data.CrawlerOptions,
		OnProgress: func(p model.Progress) {
			if perr := job.UpdateProgress(ctx, p); perr != nil {
				logger.Warn("progress write failed", "error", perr)
			}
		},
	})
	if err != nil {
		logger.Error("scrape failed", "error", err, "duration", time.Since(start))
		if ferr := job.MoveToFailed(ctx, err); ferr != nil {
			logger.Error("failure transition failed", "error", ferr)
		}
		w.metrics.IncJobsFailed()
		return
	}

	// Fan-out runs before the terminal transition so new children are
	// registered before this job's completion can close the crawl.
	if job.Data.CrawlID != "" {
		links := firstDocLinks(result)
		if ferr := w.coordinator.FanOut(ctx, job.Data.CrawlID, links, job.Data.SentFromSitemap); ferr != nil {
			logger.Error("fan-out failed", "crawl_id", job.Data.CrawlID, "error", ferr)
		}
	}

	w.complete(ctx, job, result, logger)

	if job.Data.CrawlID != "" {
		if ferr := w.coordinator.FinishCrawl(ctx, job.Data.CrawlID); ferr != nil {
			logger.Error("crawl finish check failed", "crawl_id", job.Data.CrawlID, "error", ferr)
		}
	}

	w.metrics.IncJobsCompleted()
	w.metrics.ObserveJobDuration(time.Since(start))
	logger.Info("job finished", "duration", time.Since(start), "docs", len(result.Docs))
}

// complete applies the terminal transition with its two fallbacks: a
// direct durable write, then outright removal from the queue. The store
// transition is authoritative; in-queue state is best-effort.
func (w *Worker) complete(ctx context.Context, job *queue.Job, result model.ScrapeResult, logger *slog.Logger) {
	err := job.MoveToCompleted(ctx, result)
	if err == nil {
		return
	}
	logger.Error("completion transition failed", "error", err)

	err = w.store.MarkJobCompleted(ctx, job.ID, result)
	if err == nil {
		return
	}
	logger.Error("durable completion fallback failed", "error", err)

	if err := w.provider.RemoveJob(ctx, job.ID); err != nil {
		logger.Error("queue removal fallback failed", "error", err)
	}
}

// startLeaseExtension keeps the broker lease alive while the handler
// runs. Extension errors are logged and swallowed; losing the lease only
// means another worker may pick the job up, and the idempotent terminal
// transition tolerates that.
func (w *Worker) startLeaseExtension(ctx context.Context, job *queue.Job) func() {
	if job.LeaseToken == "" {
		return func() {}
	}
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(time.Duration(w.cfg.JobLockExtendIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := w.provider.ExtendLock(ctx, job.ID, job.LeaseToken, w.cfg.JobLockExtensionTimeMs); err != nil {
					w.logger.Warn("lease extension failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (w *Worker) blockedURL(url string) string {
	for _, sub := range w.cfg.BlockedURLSubstrings {
		if sub != "" && strings.Contains(url, sub) {
			return sub
		}
	}
	return ""
}

func firstDocLinks(result model.ScrapeResult) []string {
	if len(result.Docs) == 0 {
		return nil
	}
	return result.Docs[0].Links
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

