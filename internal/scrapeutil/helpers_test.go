package scrapeutil

import "testing"

func TestToString(t *testing.T) {
	if got := ToString(nil); got != "" {
		t.Fatalf("ToString(nil) = %q, want empty string", got)
	}
	if got := ToString("hello"); got != "hello" {
		t.Fatalf("ToString(\"hello\") = %q, want \"hello\"", got)
	}
	if got := ToString(123); got != "" {
		t.Fatalf("ToString(123) = %q, want empty string for non-string", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	base := "https://example.com/docs/"

	got, ok := NormalizeURL(base, "guide/intro")
	if !ok || got != "https://example.com/docs/guide/intro" {
		t.Fatalf("relative href = %q ok=%v", got, ok)
	}

	got, ok = NormalizeURL(base, "/pricing#plans")
	if !ok || got != "https://example.com/pricing" {
		t.Fatalf("fragment not stripped: %q ok=%v", got, ok)
	}

	got, ok = NormalizeURL(base, "https://example.com/a/")
	if !ok || got != "https://example.com/a" {
		t.Fatalf("trailing slash not stripped: %q ok=%v", got, ok)
	}

	for _, href := range []string{"", "#top", "mailto:x@y.z", "javascript:void(0)", "ftp://example.com/f"} {
		if _, ok := NormalizeURL(base, href); ok {
			t.Fatalf("expected %q to be rejected", href)
		}
	}
}

func TestExtractLinks(t *testing.T) {
	html := `<html><body>
		<a href="/a">A</a>
		<a href="/a">dup</a>
		<a href="https://other.com/x">other</a>
		<a href="#frag">frag</a>
		<a href="b/c">rel</a>
	</body></html>`

	links := ExtractLinks(html, "https://example.com/base/")
	want := []string{
		"https://example.com/a",
		"https://other.com/x",
		"https://example.com/base/b/c",
	}
	if len(links) != len(want) {
		t.Fatalf("got %d links %v, want %d", len(links), links, len(want))
	}
	for i := range want {
		if links[i] != want[i] {
			t.Fatalf("links[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestURLDepth(t *testing.T) {
	cases := map[string]int{
		"https://example.com":         0,
		"https://example.com/":        0,
		"https://example.com/a":       1,
		"https://example.com/a/b/c":   3,
		"https://example.com/a/b/c/":  3,
	}
	for raw, want := range cases {
		if got := URLDepth(raw); got != want {
			t.Fatalf("URLDepth(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestSameDomain(t *testing.T) {
	base := "https://example.com/start"
	if !SameDomain("https://example.com/a", base, false) {
		t.Fatal("same host rejected")
	}
	if SameDomain("https://docs.example.com/a", base, false) {
		t.Fatal("subdomain accepted without allowSubdomains")
	}
	if !SameDomain("https://docs.example.com/a", base, true) {
		t.Fatal("subdomain rejected with allowSubdomains")
	}
	if SameDomain("https://other.com/a", base, true) {
		t.Fatal("foreign host accepted")
	}
}

func TestFilterLinks(t *testing.T) {
	links := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://other.com/x",
		"",
	}

	filtered := FilterLinks(links, "https://example.com/base", true, 0)
	if len(filtered) != 2 {
		t.Fatalf("expected 2 filtered links, got %d (%v)", len(filtered), filtered)
	}

	filtered = FilterLinks(links, "https://example.com/base", false, 1)
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered link with maxPerDocument=1, got %d", len(filtered))
	}
}
