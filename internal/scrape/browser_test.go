package scrape

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
)

func testClient(serverURL string) *BrowserClient {
	cfg := config.ScrapeConfig{
		BrowserURL: serverURL,
		TimeoutMs:  5000,
		MaxRetries: 3,
		RetryGapMs: 1,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBrowserClient(cfg, logger)
}

func TestFetchPagePrimaryShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req browserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("request decode: %v", err)
		}
		if req.URL != "https://a.example/" || req.WaitAfterLoad != 100 {
			t.Fatalf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content":        "<html><body>hi</body></html>",
			"pageStatusCode": 200,
		})
	}))
	defer srv.Close()

	page, err := testClient(srv.URL).FetchPage(context.Background(), "https://a.example/", 100, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.HTML != "<html><body>hi</body></html>" || page.StatusCode != 200 {
		t.Fatalf("page = %+v", page)
	}
}

func TestFetchPageAlternateShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"html":   "<html>alt</html>",
			"status": 404,
			"error":  "not found",
		})
	}))
	defer srv.Close()

	page, err := testClient(srv.URL).FetchPage(context.Background(), "https://a.example/missing", 0, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.HTML != "<html>alt</html>" || page.StatusCode != 404 || page.PageError != "not found" {
		t.Fatalf("page = %+v", page)
	}
}

func TestFetchPageRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"content": "<html>ok</html>", "pageStatusCode": 200})
	}))
	defer srv.Close()

	page, err := testClient(srv.URL).FetchPage(context.Background(), "https://a.example/", 0, nil)
	if err != nil {
		t.Fatalf("fetch after retries: %v", err)
	}
	if page.HTML != "<html>ok</html>" {
		t.Fatalf("page = %+v", page)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestFetchPageGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchPage(context.Background(), "https://a.example/", 0, nil)
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestFetchPageForwardsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req browserRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Headers["X-Custom"] != "yes" {
			t.Fatalf("headers = %v", req.Headers)
		}
		json.NewEncoder(w).Encode(map[string]any{"content": "<html></html>", "pageStatusCode": 200})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchPage(context.Background(), "https://a.example/", 0, map[string]string{"X-Custom": "yes"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
}
