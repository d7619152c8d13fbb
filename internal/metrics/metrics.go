package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Simple Prometheus-style metrics for the worker and API tiers.
// This is intentionally minimal and in-memory only.

// Registry collects counters for one process.
type Registry struct {
	mu sync.RWMutex

	jobsStarted   int64
	jobsCompleted int64
	jobsFailed    int64
	jobsBlocked   int64

	jobDurationMsSum   int64
	jobDurationMsCount int64

	requestsTotal map[reqKey]int64

	retentionJobsDeleted int64
}

type reqKey struct {
	Method string
	Path   string
	Status int
}

func NewRegistry() *Registry {
	return &Registry{requestsTotal: make(map[reqKey]int64)}
}

func (r *Registry) IncJobsStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobsStarted++
}

func (r *Registry) IncJobsCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobsCompleted++
}

func (r *Registry) IncJobsFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobsFailed++
}

func (r *Registry) IncJobsBlocked() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobsBlocked++
}

// ObserveJobDuration records one handler execution time.
func (r *Registry) ObserveJobDuration(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobDurationMsSum += d.Milliseconds()
	r.jobDurationMsCount++
}

// RecordRequest increments the HTTP request counter.
func (r *Registry) RecordRequest(method, path string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestsTotal[reqKey{Method: method, Path: path, Status: status}]++
}

// RecordRetentionJobs adds to the counter of jobs deleted by TTL.
func (r *Registry) RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retentionJobsDeleted += deleted
}

// Export returns Prometheus-style metrics text.
func (r *Registry) Export() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder

	counter := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
	}

	counter("firecrawl_jobs_started_total", "Total jobs picked up by this worker", r.jobsStarted)
	counter("firecrawl_jobs_completed_total", "Total jobs completed", r.jobsCompleted)
	counter("firecrawl_jobs_failed_total", "Total jobs terminally failed", r.jobsFailed)
	counter("firecrawl_jobs_blocked_total", "Total jobs short-circuited by the URL blocklist", r.jobsBlocked)
	counter("firecrawl_job_duration_ms_sum", "Total job execution time in milliseconds", r.jobDurationMsSum)
	counter("firecrawl_job_duration_ms_count", "Job count for the duration metric", r.jobDurationMsCount)

	b.WriteString("# HELP firecrawl_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE firecrawl_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range r.requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "firecrawl_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, r.requestsTotal[k])
	}

	counter("firecrawl_retention_jobs_deleted_total", "Total completed jobs deleted by TTL", r.retentionJobsDeleted)

	return b.String()
}
