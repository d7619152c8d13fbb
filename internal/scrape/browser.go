package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
)

// BrowserClient fetches pages through the headless-browser microservice.
// The service speaks two response dialects; both are accepted.
type BrowserClient struct {
	cfg    config.ScrapeConfig
	client *http.Client
	logger *slog.Logger
}

func NewBrowserClient(cfg config.ScrapeConfig, logger *slog.Logger) *BrowserClient {
	return &BrowserClient{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

type browserRequest struct {
	URL           string            `json:"url"`
	WaitAfterLoad int               `json:"wait_after_load"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// browserResponse merges the two response shapes the microservice may
// return: {content, pageStatusCode, pageError} or {html, status, error}.
type browserResponse struct {
	Content        string `json:"content"`
	PageStatusCode int    `json:"pageStatusCode"`
	PageError      string `json:"pageError"`

	HTML   string `json:"html"`
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// FetchPage posts the URL to the microservice with the universal timeout
// ceiling plus the explicit wait, retrying transient network errors.
func (c *BrowserClient) FetchPage(ctx context.Context, url string, waitAfterLoad int, headers map[string]string) (*Page, error) {
	timeout := time.Duration(c.cfg.TimeoutMs+waitAfterLoad) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(browserRequest{URL: url, WaitAfterLoad: waitAfterLoad, Headers: headers})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		page, err := c.fetchOnce(ctx, body)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("browser fetch retry", "url", url, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(c.cfg.RetryGapMs) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("browser fetch %s: %w", url, lastErr)
}

func (c *BrowserClient) fetchOnce(ctx context.Context, body []byte) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BrowserURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.UseIdentityToken {
		if token, err := c.identityToken(ctx); err != nil {
			c.logger.Warn("identity token unavailable", "error", err)
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("browser service status %d: %s", resp.StatusCode, raw)
	}

	var br browserResponse
	if err := json.Unmarshal(raw, &br); err != nil {
		return nil, fmt.Errorf("decode browser response: %w", err)
	}

	page := &Page{HTML: br.Content, StatusCode: br.PageStatusCode, PageError: br.PageError}
	if page.HTML == "" && br.HTML != "" {
		page.HTML = br.HTML
	}
	if page.StatusCode == 0 {
		page.StatusCode = br.Status
	}
	if page.PageError == "" {
		page.PageError = br.Error
	}
	if page.StatusCode == 0 {
		page.StatusCode = 200
	}
	return page, nil
}

// identityToken fetches an OIDC token for the browser service from the
// instance metadata endpoint.
func (c *BrowserClient) identityToken(ctx context.Context) (string, error) {
	if c.cfg.MetadataTokenURL == "" {
		return "", fmt.Errorf("no metadata token url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.MetadataTokenURL+"?audience="+c.cfg.BrowserURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata status %d", resp.StatusCode)
	}
	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(token), nil
}
