package store

import (
	"encoding/json"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/model"
)

const truncationMarker = "... [content truncated]"

// truncatedDoc is the per-document shape stored when a result exceeds
// the per-document budget.
type truncatedDoc struct {
	URL                   string `json:"url,omitempty"`
	Content               string `json:"content,omitempty"`
	ContentTruncated      bool   `json:"contentTruncated"`
	OriginalContentLength int    `json:"originalContentLength"`
}

type truncatedResult struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message,omitempty"`
	Truncated    bool           `json:"truncated"`
	OriginalSize int            `json:"originalSize"`
	Docs         []truncatedDoc `json:"docs"`
}

// TruncateResult serializes a scrape result, clipping per-document
// content until the payload fits under maxBytes. The returned payload is
// always strictly smaller than maxBytes; the second return reports
// whether truncation happened.
func TruncateResult(result model.ScrapeResult, maxBytes int) ([]byte, bool) {
	raw, err := json.Marshal(result)
	if err == nil && len(raw) < maxBytes {
		return raw, false
	}

	originalSize := len(raw)
	out := truncatedResult{
		Success:      result.Success,
		Message:      result.Message,
		Truncated:    true,
		OriginalSize: originalSize,
		Docs:         make([]truncatedDoc, 0, len(result.Docs)),
	}
	for _, doc := range result.Docs {
		content := doc.Content
		if content == "" {
			content = doc.Markdown
		}
		out.Docs = append(out.Docs, truncatedDoc{
			URL:                   doc.Metadata.SourceURL,
			Content:               content,
			ContentTruncated:      true,
			OriginalContentLength: len(content),
		})
	}

	// Halve the per-document clip until the serialized shape fits. The
	// envelope is small, so this converges in a handful of rounds.
	clip := maxBytes
	if n := len(out.Docs); n > 0 {
		clip = maxBytes / n
	}
	for round := 0; round < 24; round++ {
		for i := range out.Docs {
			if len(out.Docs[i].Content) > clip {
				cut := clip - len(truncationMarker)
				if cut < 0 {
					cut = 0
				}
				out.Docs[i].Content = out.Docs[i].Content[:cut] + truncationMarker
			}
		}
		raw, err := json.Marshal(out)
		if err == nil && len(raw) < maxBytes {
			return raw, true
		}
		clip /= 2
		if clip <= len(truncationMarker) {
			break
		}
	}

	// Last resort: keep the envelope only, halving the message until it
	// fits so an oversized message cannot push the envelope past the cap.
	out.Docs = []truncatedDoc{}
	for {
		raw, err := json.Marshal(out)
		if err == nil && len(raw) < maxBytes {
			return raw, true
		}
		if out.Message == "" {
			return raw, true
		}
		out.Message = out.Message[:len(out.Message)/2]
	}
}
