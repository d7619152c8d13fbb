package scrapeutil

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ToString safely converts an interface value to string.
func ToString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// NormalizeURL resolves a possibly-relative href against its base page,
// drops the fragment, and strips a single trailing slash so the same
// page never dedupes as two URLs.
func NormalizeURL(base, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "tel:") {
		return "", false
	}

	bu, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	u, err := bu.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	out := u.String()
	if strings.HasSuffix(u.Path, "/") && u.Path != "/" {
		out = strings.TrimSuffix(out, "/")
	}
	return out, true
}

// ExtractLinks pulls all anchor hrefs from an HTML document, normalized
// against the page URL and deduplicated in discovery order.
func ExtractLinks(html, pageURL string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	seen := map[string]bool{}
	links := []string{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		normalized, ok := NormalizeURL(pageURL, href)
		if !ok || seen[normalized] {
			return
		}
		seen[normalized] = true
		links = append(links, normalized)
	})
	return links
}

// URLDepth counts path segments of a URL; used against maxCrawledDepth.
func URLDepth(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return 0
	}
	return len(strings.Split(path, "/"))
}

// SameDomain reports whether link shares the base URL's host, optionally
// accepting subdomains of it.
func SameDomain(link, base string, allowSubdomains bool) bool {
	lu, err := url.Parse(link)
	if err != nil {
		return false
	}
	bu, err := url.Parse(base)
	if err != nil {
		return false
	}
	lh := strings.ToLower(lu.Hostname())
	bh := strings.ToLower(bu.Hostname())
	if lh == bh {
		return true
	}
	return allowSubdomains && strings.HasSuffix(lh, "."+bh)
}

// FilterLinks applies basic link filters.
// sameDomainOnly restricts links to those matching the base URL's host.
// maxPerDocument > 0 limits the number of links returned.
func FilterLinks(links []string, baseURL string, sameDomainOnly bool, maxPerDocument int) []string {
	if len(links) == 0 {
		return links
	}

	filtered := make([]string, 0, len(links))
	for _, link := range links {
		if link == "" {
			continue
		}
		if sameDomainOnly && !SameDomain(link, baseURL, false) {
			continue
		}
		filtered = append(filtered, link)
		if maxPerDocument > 0 && len(filtered) >= maxPerDocument {
			break
		}
	}
	return filtered
}
