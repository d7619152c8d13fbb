package model

import "testing"

func TestJobStatusTerminal(t *testing.T) {
	cases := map[JobStatus]bool{
		StatusWaiting:   false,
		StatusActive:    false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusUnknown:   false,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestCrawlFinished(t *testing.T) {
	cases := []struct {
		name                     string
		total, completed, failed int
		want                     bool
	}{
		{"empty crawl never finishes", 0, 0, 0, false},
		{"in progress", 5, 2, 1, false},
		{"all completed", 3, 3, 0, true},
		{"mixed outcomes", 4, 2, 2, true},
		{"all failed", 2, 0, 2, true},
	}
	for _, tc := range cases {
		c := Crawl{TotalURLs: tc.total, CompletedURLs: tc.completed, FailedURLs: tc.failed}
		if got := c.Finished(); got != tc.want {
			t.Fatalf("%s: Finished() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
