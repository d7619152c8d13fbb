package scrape

import (
	"context"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// RodEngine renders pages with a local (or remote-DevTools) browser via
// rod. It is the fallback when no browser microservice URL is configured.
type RodEngine struct {
	ControlURL string
	Timeout    time.Duration
}

func NewRodEngine(controlURL string, timeout time.Duration) *RodEngine {
	return &RodEngine{ControlURL: controlURL, Timeout: timeout}
}

func (r *RodEngine) FetchPage(ctx context.Context, rawURL string, waitAfterLoad int, headers map[string]string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	browser := rod.New().Context(ctx).Timeout(r.Timeout)
	if r.ControlURL != "" {
		browser = browser.ControlURL(r.ControlURL)
	}
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	defer browser.MustClose()

	page, err := browser.Page(proto.TargetCreateTarget{URL: u.String()})
	if err != nil {
		return nil, err
	}
	defer page.MustClose()

	if len(headers) > 0 {
		kv := make([]string, 0, len(headers)*2)
		for k, v := range headers {
			kv = append(kv, k, v)
		}
		if _, err := page.SetExtraHeaders(kv); err != nil {
			return nil, err
		}
	}

	if err := page.WaitLoad(); err != nil {
		return nil, err
	}
	if waitAfterLoad > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(waitAfterLoad) * time.Millisecond):
		}
	}

	htmlStr, err := page.HTML()
	if err != nil {
		return nil, err
	}
	return &Page{HTML: htmlStr, StatusCode: 200}, nil
}
