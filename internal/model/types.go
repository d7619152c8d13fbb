package model

import "time"

// Mode distinguishes single-URL scrapes from recursive crawls.
type Mode string

const (
	ModeSingleURLs Mode = "single_urls"
	ModeCrawl      Mode = "crawl"
)

// JobStatus is the durable lifecycle of a job. Transitions strictly
// follow waiting -> active -> {completed | failed}; terminal statuses
// never change.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusUnknown   JobStatus = "unknown"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CrawlStatus is the lifecycle of a crawl root.
type CrawlStatus string

const (
	CrawlCreated   CrawlStatus = "created"
	CrawlPending   CrawlStatus = "pending"
	CrawlScraping  CrawlStatus = "scraping"
	CrawlCompleted CrawlStatus = "completed"
	CrawlFailed    CrawlStatus = "failed"
	CrawlCancelled CrawlStatus = "cancelled"
)

// PageOptions controls per-page fetch and normalization behavior.
type PageOptions struct {
	IncludeHTML    bool              `json:"includeHtml,omitempty"`
	IncludeRawHTML bool              `json:"includeRawHtml,omitempty"`
	SkipMarkdown   bool              `json:"skipMarkdown,omitempty"`
	WaitFor        int               `json:"waitFor,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// CrawlerOptions shapes link discovery during crawl fan-out.
type CrawlerOptions struct {
	Includes        []string `json:"includes,omitempty"`
	Excludes        []string `json:"excludes,omitempty"`
	MaxDepth        int      `json:"maxCrawledDepth,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	IgnoreSitemap   bool     `json:"ignoreSitemap,omitempty"`
	AllowSubdomains bool     `json:"allowSubdomains,omitempty"`
}

// WebhookConfig is passed through to the caller-facing notifier; the
// core stores it on the job but never invokes it itself.
type WebhookConfig struct {
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// JobData is the payload carried by every queued job.
type JobData struct {
	URL             string          `json:"url"`
	Mode            Mode            `json:"mode"`
	TeamID          string          `json:"team_id,omitempty"`
	PageOptions     PageOptions     `json:"pageOptions,omitempty"`
	CrawlerOptions  CrawlerOptions  `json:"crawlerOptions,omitempty"`
	CrawlID         string          `json:"crawl_id,omitempty"`
	SentFromSitemap bool            `json:"sitemapped,omitempty"`
	Webhook         *WebhookConfig  `json:"webhook,omitempty"`
	// CloudTasksID records the dispatcher-assigned task name for the
	// cloud-tasks provider; the caller-supplied job id stays canonical.
	CloudTasksID string `json:"cloudTasksId,omitempty"`
}

// JobOptions mirrors the enqueue-time options understood by both queue
// providers. Priority is a non-negative integer, lower = earlier service.
type JobOptions struct {
	JobID    string `json:"jobId"`
	Priority int    `json:"priority,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Progress is the structured step descriptor written while a job runs.
type Progress struct {
	Current     int        `json:"current"`
	Total       int        `json:"total"`
	Step        string     `json:"step"`
	CurrentURL  string     `json:"current_url,omitempty"`
	PartialDocs []Document `json:"partialDocs,omitempty"`
}

// DocumentMetadata is the normalized per-document metadata block.
type DocumentMetadata struct {
	Title          string `json:"title,omitempty"`
	SourceURL      string `json:"sourceURL,omitempty"`
	PageStatusCode int    `json:"pageStatusCode,omitempty"`
	PageError      string `json:"pageError,omitempty"`
}

// Document is one scraped page. Index and Provider are internal fields
// stripped during normalization before the document leaves the core.
type Document struct {
	Content  string           `json:"content,omitempty"`
	Markdown string           `json:"markdown,omitempty"`
	HTML     string           `json:"html,omitempty"`
	RawHTML  string           `json:"rawHtml,omitempty"`
	Links    []string         `json:"linksOnPage,omitempty"`
	Metadata DocumentMetadata `json:"metadata"`
	Index    int              `json:"index,omitempty"`
	Provider string           `json:"provider,omitempty"`
}

// ScrapeResult is the fixed outer shape of every job result.
type ScrapeResult struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Docs    []Document `json:"docs"`
}

// Crawl is the durable record of a crawl root.
type Crawl struct {
	ID             string         `json:"id"`
	OriginURL      string         `json:"originUrl"`
	CrawlerOptions CrawlerOptions `json:"crawlerOptions"`
	PageOptions    PageOptions    `json:"pageOptions"`
	TeamID         string         `json:"team_id"`
	Plan           string         `json:"plan"`
	RobotsTxt      string         `json:"robots,omitempty"`
	Cancelled      bool           `json:"cancelled"`
	Status         CrawlStatus    `json:"status"`
	TotalURLs      int            `json:"totalUrls"`
	CompletedURLs  int            `json:"completedUrls"`
	FailedURLs     int            `json:"failedUrls"`
	StartTime      time.Time      `json:"startTime"`
	EndTime        *time.Time     `json:"endTime,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
}

// Finished reports the crawl termination predicate: every member job has
// reached a terminal state and at least one job exists.
func (c *Crawl) Finished() bool {
	return c.TotalURLs > 0 && c.CompletedURLs+c.FailedURLs >= c.TotalURLs
}

// Job is the durable view of a queued job as read back from the store.
type Job struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Data      JobData    `json:"data"`
	Options   JobOptions `json:"options"`
	Status    JobStatus  `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}
