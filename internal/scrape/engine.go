package scrape

import (
	"context"
)

// Page is the raw output of a page-fetch backend.
type Page struct {
	HTML       string
	StatusCode int
	PageError  string
}

// Engine fetches one rendered page. waitAfterLoad is milliseconds of
// extra settling time after the load event.
type Engine interface {
	FetchPage(ctx context.Context, url string, waitAfterLoad int, headers map[string]string) (*Page, error)
}
