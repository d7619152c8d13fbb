package crawl

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/temoto/robotstxt"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/priority"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/queue"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/scrapeutil"
)

// Store is the durable state surface the coordinator drives.
type Store interface {
	SaveCrawl(ctx context.Context, c model.Crawl) error
	GetCrawl(ctx context.Context, crawlID string) (*model.Crawl, error)
	LockURLs(ctx context.Context, crawlID string, urls []string) ([]string, error)
	AddCrawlJobs(ctx context.Context, crawlID string, jobIDs []string) error
	UpdateCrawlProgress(ctx context.Context, crawlID, jobID string, success bool) error
	DoneJobsOrdered(ctx context.Context, crawlID string, start, end int) ([]string, error)
	FinishCrawl(ctx context.Context, crawlID string) error
	SetCancelled(ctx context.Context, crawlID string) error
}

// readBudgetBytes caps one ordered-results read; a crossing element is
// dropped rather than split.
const readBudgetBytes = 10 << 20

// readChunkSize is how many job ids are resolved per store round trip.
const readChunkSize = 100

// Coordinator owns the crawl lifecycle: seed registration, the
// lock -> enqueue -> register fan-out sequence, and ordered result reads.
type Coordinator struct {
	store    Store
	provider queue.Provider
	priority *priority.Engine
	logger   *slog.Logger
}

func New(st Store, provider queue.Provider, pe *priority.Engine, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: st, provider: provider, priority: pe, logger: logger}
}

// StartCrawl registers a new crawl root and returns its id. The caller
// then expands the seed via EnqueueURLs.
func (c *Coordinator) StartCrawl(ctx context.Context, originURL string, crawlerOpts model.CrawlerOptions, pageOpts model.PageOptions, teamID, plan, robots string) (string, error) {
	crawlID := uuid.New().String()
	err := c.store.SaveCrawl(ctx, model.Crawl{
		ID:             crawlID,
		OriginURL:      originURL,
		CrawlerOptions: crawlerOpts,
		PageOptions:    pageOpts,
		TeamID:         teamID,
		Plan:           plan,
		RobotsTxt:      robots,
		Status:         model.CrawlCreated,
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		return "", err
	}
	return crawlID, nil
}

// EnqueueURLs runs the lock -> register -> enqueue sequence for a URL
// set. Only newly locked URLs proceed, so concurrent fan-out attempts
// for the same URL produce at most one child job. Membership rows are
// written before any job is dispatched: a child that reaches a terminal
// state immediately after enqueue must find its crawl_jobs row when it
// reports the outcome. Returns the job ids handed to the queue.
func (c *Coordinator) EnqueueURLs(ctx context.Context, cr *model.Crawl, urls []string, fromSitemap bool) ([]string, error) {
	claimed, err := c.store.LockURLs(ctx, cr.ID, urls)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	jobIDs := make([]string, len(claimed))
	for i := range claimed {
		jobIDs[i] = uuid.New().String()
	}
	if err := c.store.AddCrawlJobs(ctx, cr.ID, jobIDs); err != nil {
		return nil, err
	}

	enqueued := make([]string, 0, len(claimed))
	for i, u := range claimed {
		jobID := jobIDs[i]
		prio := c.priority.JobPriority(ctx, cr.Plan, cr.TeamID, 10)
		_, err := c.provider.AddJob(ctx, "scrape", model.JobData{
			URL:             u,
			Mode:            model.ModeCrawl,
			TeamID:          cr.TeamID,
			PageOptions:     cr.PageOptions,
			CrawlerOptions:  cr.CrawlerOptions,
			CrawlID:         cr.ID,
			SentFromSitemap: fromSitemap,
		}, model.JobOptions{JobID: jobID, Priority: prio})
		if err != nil {
			c.logger.Error("crawl child enqueue failed", "crawl_id", cr.ID, "url", u, "error", err)
			// The membership row already counts toward total_urls; close
			// it as failed so the crawl can still terminate.
			if perr := c.store.UpdateCrawlProgress(ctx, cr.ID, jobID, false); perr != nil {
				c.logger.Error("failed enqueue not recorded", "crawl_id", cr.ID, "job_id", jobID, "error", perr)
			}
			continue
		}
		enqueued = append(enqueued, jobID)
	}
	return enqueued, nil
}

// FanOut expands the links discovered by a completed child into new
// child jobs. Cancelled crawls and sitemap-seeded jobs never fan out.
func (c *Coordinator) FanOut(ctx context.Context, crawlID string, links []string, fromSitemap bool) error {
	if fromSitemap || len(links) == 0 {
		return nil
	}
	cr, err := c.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return err
	}
	if cr.Cancelled {
		c.logger.Info("fan-out skipped for cancelled crawl", "crawl_id", crawlID)
		return nil
	}

	eligible := c.filterLinks(cr, links)
	if limit := cr.CrawlerOptions.Limit; limit > 0 {
		remaining := limit - cr.TotalURLs
		if remaining <= 0 {
			return nil
		}
		if len(eligible) > remaining {
			eligible = eligible[:remaining]
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	_, err = c.EnqueueURLs(ctx, cr, eligible, false)
	return err
}

// filterLinks applies domain, robots, include/exclude and depth rules.
func (c *Coordinator) filterLinks(cr *model.Crawl, links []string) []string {
	var robots *robotstxt.RobotsData
	if cr.RobotsTxt != "" {
		if rd, err := robotstxt.FromString(cr.RobotsTxt); err == nil {
			robots = rd
		}
	}

	includes := compilePatterns(cr.CrawlerOptions.Includes)
	excludes := compilePatterns(cr.CrawlerOptions.Excludes)

	out := make([]string, 0, len(links))
	for _, link := range links {
		if !scrapeutil.SameDomain(link, cr.OriginURL, cr.CrawlerOptions.AllowSubdomains) {
			continue
		}
		if cr.CrawlerOptions.MaxDepth > 0 && scrapeutil.URLDepth(link) > cr.CrawlerOptions.MaxDepth {
			continue
		}
		if robots != nil && !robots.TestAgent(urlPath(link), "FirecrawlAgent") {
			continue
		}
		if len(includes) > 0 && !matchAny(includes, link) {
			continue
		}
		if matchAny(excludes, link) {
			continue
		}
		out = append(out, link)
	}
	return out
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// DoneJobsWithinBudget reads the results of terminal children in
// completion order, resolving ids in chunks and stopping before the
// response would cross the byte budget. The element that would cross the
// budget is dropped entirely. Returns the raw result payloads and the
// index of the next unread element (-1 when the range was exhausted).
func (c *Coordinator) DoneJobsWithinBudget(ctx context.Context, crawlID string, start, end int) ([]json.RawMessage, int, error) {
	ids, err := c.store.DoneJobsOrdered(ctx, crawlID, start, end)
	if err != nil {
		return nil, 0, err
	}

	results := make([]json.RawMessage, 0, len(ids))
	used := 0
	for chunkStart := 0; chunkStart < len(ids); chunkStart += readChunkSize {
		chunkEnd := chunkStart + readChunkSize
		if chunkEnd > len(ids) {
			chunkEnd = len(ids)
		}
		for i, id := range ids[chunkStart:chunkEnd] {
			raw, err := c.provider.GetJobResult(ctx, id)
			if err != nil {
				return nil, 0, err
			}
			if raw == nil {
				continue
			}
			if used+len(raw) > readBudgetBytes {
				return results, start + chunkStart + i, nil
			}
			used += len(raw)
			results = append(results, raw)
		}
	}
	return results, -1, nil
}

// FinishCrawl closes the crawl if its termination predicate holds.
func (c *Coordinator) FinishCrawl(ctx context.Context, crawlID string) error {
	return c.store.FinishCrawl(ctx, crawlID)
}

// CancelCrawl flags the crawl cancelled; in-flight children complete on
// their own and future fan-out is skipped.
func (c *Coordinator) CancelCrawl(ctx context.Context, crawlID string) error {
	return c.store.SetCancelled(ctx, crawlID)
}
