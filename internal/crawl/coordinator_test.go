package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/priority"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/queue"
)

func testCoordinator() *Coordinator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Coordinator{logger: logger}
}

func TestFilterLinksSameDomain(t *testing.T) {
	c := testCoordinator()
	cr := &model.Crawl{OriginURL: "https://a.example/"}

	got := c.filterLinks(cr, []string{
		"https://a.example/keep",
		"https://other.com/drop",
		"https://docs.a.example/drop-subdomain",
	})
	if len(got) != 1 || got[0] != "https://a.example/keep" {
		t.Fatalf("filtered = %v", got)
	}

	cr.CrawlerOptions.AllowSubdomains = true
	got = c.filterLinks(cr, []string{"https://docs.a.example/keep"})
	if len(got) != 1 {
		t.Fatalf("subdomain filtered = %v", got)
	}
}

func TestFilterLinksDepth(t *testing.T) {
	c := testCoordinator()
	cr := &model.Crawl{
		OriginURL:      "https://a.example/",
		CrawlerOptions: model.CrawlerOptions{MaxDepth: 2},
	}

	got := c.filterLinks(cr, []string{
		"https://a.example/a",
		"https://a.example/a/b",
		"https://a.example/a/b/c",
	})
	if len(got) != 2 {
		t.Fatalf("depth filtered = %v, want 2 survivors", got)
	}
}

func TestFilterLinksIncludesExcludes(t *testing.T) {
	c := testCoordinator()
	cr := &model.Crawl{
		OriginURL: "https://a.example/",
		CrawlerOptions: model.CrawlerOptions{
			Includes: []string{`/docs/`},
			Excludes: []string{`/docs/private/`},
		},
	}

	got := c.filterLinks(cr, []string{
		"https://a.example/docs/intro",
		"https://a.example/blog/post",
		"https://a.example/docs/private/secret",
	})
	if len(got) != 1 || got[0] != "https://a.example/docs/intro" {
		t.Fatalf("filtered = %v", got)
	}
}

func TestFilterLinksRobots(t *testing.T) {
	c := testCoordinator()
	cr := &model.Crawl{
		OriginURL: "https://a.example/",
		RobotsTxt: "User-agent: *\nDisallow: /admin/\n",
	}

	got := c.filterLinks(cr, []string{
		"https://a.example/public",
		"https://a.example/admin/panel",
	})
	if len(got) != 1 || got[0] != "https://a.example/public" {
		t.Fatalf("robots filtered = %v", got)
	}
}

// callLog records the cross-fake call order.
type callLog struct{ calls []string }

func (l *callLog) add(s string) { l.calls = append(l.calls, s) }

type fakeCrawlStore struct {
	log        *callLog
	crawl      *model.Crawl
	registered []string
	closed     []string
}

func (f *fakeCrawlStore) SaveCrawl(_ context.Context, _ model.Crawl) error { return nil }
func (f *fakeCrawlStore) GetCrawl(_ context.Context, _ string) (*model.Crawl, error) {
	return f.crawl, nil
}
func (f *fakeCrawlStore) LockURLs(_ context.Context, _ string, urls []string) ([]string, error) {
	f.log.add("lock")
	return urls, nil
}
func (f *fakeCrawlStore) AddCrawlJobs(_ context.Context, _ string, jobIDs []string) error {
	f.log.add("register")
	f.registered = append(f.registered, jobIDs...)
	return nil
}
func (f *fakeCrawlStore) UpdateCrawlProgress(_ context.Context, _, jobID string, _ bool) error {
	f.log.add("close")
	f.closed = append(f.closed, jobID)
	return nil
}
func (f *fakeCrawlStore) DoneJobsOrdered(_ context.Context, _ string, _, _ int) ([]string, error) {
	return nil, nil
}
func (f *fakeCrawlStore) FinishCrawl(_ context.Context, _ string) error  { return nil }
func (f *fakeCrawlStore) SetCancelled(_ context.Context, _ string) error { return nil }

type fakeDispatch struct {
	log      *callLog
	failURLs map[string]bool
}

func (f *fakeDispatch) AddJob(_ context.Context, _ string, data model.JobData, opts model.JobOptions) (string, error) {
	f.log.add("enqueue")
	if f.failURLs[data.URL] {
		return "", errors.New("dispatcher down")
	}
	return opts.JobID, nil
}
func (f *fakeDispatch) GetJob(_ context.Context, _ string) (*queue.Job, error) { return nil, nil }
func (f *fakeDispatch) RemoveJob(_ context.Context, _ string) error            { return nil }
func (f *fakeDispatch) GetJobState(_ context.Context, _ string) (model.JobStatus, error) {
	return model.StatusUnknown, nil
}
func (f *fakeDispatch) GetJobResult(_ context.Context, _ string) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeDispatch) GetJobError(_ context.Context, _ string) (string, error) { return "", nil }
func (f *fakeDispatch) ActiveCount(_ context.Context) (int, error)              { return 0, nil }
func (f *fakeDispatch) WaitingCount(_ context.Context) (int, error)             { return 0, nil }
func (f *fakeDispatch) Next(_ context.Context, _ string) (*queue.Job, error)    { return nil, nil }
func (f *fakeDispatch) ExtendLock(_ context.Context, _, _ string, _ int) error  { return nil }
func (f *fakeDispatch) Complete(_ context.Context, _ *queue.Job, _ model.ScrapeResult) error {
	return nil
}
func (f *fakeDispatch) Fail(_ context.Context, _ *queue.Job, _ error) error { return nil }
func (f *fakeDispatch) OnJobComplete(_ queue.CompleteFunc)                  {}
func (f *fakeDispatch) OnJobFailed(_ queue.FailedFunc)                      {}
func (f *fakeDispatch) Close() error                                        { return nil }

func TestEnqueueRegistersMembershipBeforeDispatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := &callLog{}
	st := &fakeCrawlStore{log: log}
	disp := &fakeDispatch{log: log}
	c := New(st, disp, priority.New(nil, logger), logger)

	cr := &model.Crawl{ID: "c1", OriginURL: "https://a.example/"}
	ids, err := c.EnqueueURLs(context.Background(), cr, []string{
		"https://a.example/1",
		"https://a.example/2",
	}, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(ids) != 2 || len(st.registered) != 2 {
		t.Fatalf("ids = %v registered = %v", ids, st.registered)
	}

	// A child can finish before the dispatch loop ends, so every
	// membership row must already be committed when the first job
	// becomes poppable.
	registerAt, enqueueAt := -1, -1
	for i, call := range log.calls {
		switch call {
		case "register":
			registerAt = i
		case "enqueue":
			if enqueueAt == -1 {
				enqueueAt = i
			}
		}
	}
	if registerAt == -1 || enqueueAt == -1 || registerAt > enqueueAt {
		t.Fatalf("call order = %v, want register before first enqueue", log.calls)
	}
}

func TestEnqueueFailureClosesMembership(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := &callLog{}
	st := &fakeCrawlStore{log: log}
	disp := &fakeDispatch{log: log, failURLs: map[string]bool{"https://a.example/2": true}}
	c := New(st, disp, priority.New(nil, logger), logger)

	cr := &model.Crawl{ID: "c1", OriginURL: "https://a.example/"}
	ids, err := c.EnqueueURLs(context.Background(), cr, []string{
		"https://a.example/1",
		"https://a.example/2",
	}, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("enqueued ids = %v, want 1", ids)
	}
	// The registered-but-undispatched child is reported failed so the
	// counters still converge on the termination predicate.
	if len(st.closed) != 1 {
		t.Fatalf("closed = %v, want the failed child", st.closed)
	}
	for _, id := range ids {
		if id == st.closed[0] {
			t.Fatalf("dispatched job %s was closed", id)
		}
	}
}

func TestCompilePatternsSkipsInvalid(t *testing.T) {
	res := compilePatterns([]string{`/docs/`, `([`, ``})
	if len(res) != 1 {
		t.Fatalf("compiled = %d, want 1", len(res))
	}
	if !matchAny(res, "https://a.example/docs/x") {
		t.Fatal("valid pattern did not match")
	}
}
