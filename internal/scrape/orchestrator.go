package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/scrapeutil"
)

// Options parameterize one orchestrated scrape run.
type Options struct {
	URL            string
	Mode           model.Mode
	TeamID         string
	JobID          string
	CrawlID        string
	PageOptions    model.PageOptions
	CrawlerOptions model.CrawlerOptions

	// OnProgress is emitted at most once per fetched URL.
	OnProgress func(p model.Progress)
}

// Orchestrator runs the scrape pipeline: resolve the URL set, fetch each
// page through the engine, convert and normalize the documents.
type Orchestrator struct {
	engine Engine
	cfg    config.ScrapeConfig
	logger *slog.Logger
}

func NewOrchestrator(engine Engine, cfg config.ScrapeConfig, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{engine: engine, cfg: cfg, logger: logger}
}

// Run fetches every URL of the job and returns the fixed result shape.
// Any engine failure yields {success:false, message, docs:[]} plus the
// error itself so the caller can route it to the failure path.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (model.ScrapeResult, error) {
	urls := o.resolveURLs(opts)
	if len(urls) == 0 {
		err := fmt.Errorf("no URLs to scrape")
		return model.ScrapeResult{Success: false, Message: err.Error(), Docs: []model.Document{}}, err
	}

	docs := make([]model.Document, 0, len(urls))
	for i, pageURL := range urls {
		page, err := o.engine.FetchPage(ctx, pageURL, opts.PageOptions.WaitFor, opts.PageOptions.Headers)
		if err != nil {
			return model.ScrapeResult{Success: false, Message: err.Error(), Docs: []model.Document{}}, err
		}

		doc := o.buildDocument(page, pageURL, opts.PageOptions)
		doc.Index = i
		doc.Provider = "browser"
		docs = append(docs, doc)

		if opts.OnProgress != nil {
			partial := docs
			if len(partial) > o.cfg.MaxPartialDocs {
				partial = partial[len(partial)-o.cfg.MaxPartialDocs:]
			}
			opts.OnProgress(model.Progress{
				Current:     i + 1,
				Total:       len(urls),
				Step:        "SCRAPING",
				CurrentURL:  pageURL,
				PartialDocs: partial,
			})
		}
	}

	return model.ScrapeResult{
		Success: true,
		Docs:    NormalizeDocuments(docs, opts.PageOptions),
	}, nil
}

func (o *Orchestrator) resolveURLs(opts Options) []string {
	if opts.Mode == model.ModeCrawl {
		if opts.URL == "" {
			return nil
		}
		return []string{opts.URL}
	}
	parts := strings.Split(opts.URL, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

// buildDocument converts one fetched page into a document: markdown via
// the CommonMark converter, metadata and links via goquery.
func (o *Orchestrator) buildDocument(page *Page, pageURL string, po model.PageOptions) model.Document {
	doc := model.Document{
		HTML:    page.HTML,
		RawHTML: page.HTML,
		Metadata: model.DocumentMetadata{
			SourceURL:      pageURL,
			PageStatusCode: page.StatusCode,
			PageError:      page.PageError,
		},
	}

	if !po.SkipMarkdown {
		host := ""
		if u, err := url.Parse(pageURL); err == nil {
			host = u.Hostname()
		}
		converter := htmlmd.NewConverter(host, true, nil)
		if md, err := converter.ConvertString(page.HTML); err == nil {
			doc.Markdown = md
			doc.Content = md
		}
	}

	if gq, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML)); err == nil {
		doc.Metadata.Title = strings.TrimSpace(gq.Find("title").First().Text())
		if doc.Content == "" {
			doc.Content = strings.TrimSpace(gq.Text())
		}
	}
	doc.Links = scrapeutil.ExtractLinks(page.HTML, pageURL)
	return doc
}

// NormalizeDocuments strips internal fields and applies the pageOptions
// output toggles before a document leaves the core.
func NormalizeDocuments(docs []model.Document, po model.PageOptions) []model.Document {
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		d.Index = 0
		d.Provider = ""
		if !po.IncludeHTML {
			d.HTML = ""
		}
		if !po.IncludeRawHTML {
			d.RawHTML = ""
		}
		if po.SkipMarkdown {
			d.Markdown = ""
		}
		out = append(out, d)
	}
	return out
}
