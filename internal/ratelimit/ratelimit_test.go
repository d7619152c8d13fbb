package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
)

func testLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.RateLimitConfig{
		Table: map[string]map[string]int{
			"crawl":  {"free": 2, "standard": 5, "default": 3},
			"scrape": {"free": 10, "default": 20},
		},
		TestSuiteTokens:       []string{"a01ccae"},
		TestSuitePointsPerMin: 10000,
		DevTeamID:             "dev-team",
		DevPointsPerMin:       1200,
		ManualTeamIDs:         []string{"manual-1"},
		ManualPointsPerMin:    2000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, cfg, logger), mr
}

func TestTableLookup(t *testing.T) {
	l, _ := testLimiter(t)

	cases := []struct {
		mode, plan string
		want       int
	}{
		{"crawl", "free", 2},
		{"crawl", "standard", 5},
		{"crawl", "unknownplan", 3},
		{"crawl", "", 3},
		{"scrape", "free", 10},
		{"scrape", "growth", 20},
		{"map", "free", fallbackPoints},
	}
	for _, tc := range cases {
		b := l.Get(tc.mode, "tok", tc.plan, "team-x")
		if b.Points() != tc.want {
			t.Fatalf("mode=%s plan=%q: points = %d, want %d", tc.mode, tc.plan, b.Points(), tc.want)
		}
	}
}

func TestPlanKeyStripsDashes(t *testing.T) {
	l, _ := testLimiter(t)
	b := l.Get("crawl", "tok", "stan-dard", "team-x")
	if b.Points() != 5 {
		t.Fatalf("dashed plan points = %d, want 5", b.Points())
	}
}

func TestOverrideOrder(t *testing.T) {
	l, _ := testLimiter(t)

	if b := l.Get("crawl", "key-a01ccae-x", "free", "team-x"); b.Points() != 10000 {
		t.Fatalf("test-suite token points = %d, want 10000", b.Points())
	}
	if b := l.Get("crawl", "tok", "free", "dev-team"); b.Points() != 1200 {
		t.Fatalf("dev team points = %d, want 1200", b.Points())
	}
	if b := l.Get("crawl", "tok", "free", "manual-1"); b.Points() != 2000 {
		t.Fatalf("manual team points = %d, want 2000", b.Points())
	}
}

func TestConsumeWindow(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()
	b := l.Get("crawl", "tok", "free", "team-x") // 2 points

	if remaining, err := b.Consume(ctx, "team-x", 1); err != nil || remaining != 1 {
		t.Fatalf("first consume: remaining=%d err=%v", remaining, err)
	}
	if remaining, err := b.Consume(ctx, "team-x", 1); err != nil || remaining != 0 {
		t.Fatalf("second consume: remaining=%d err=%v", remaining, err)
	}
	if _, err := b.Consume(ctx, "team-x", 1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third consume err = %v, want ErrRateLimited", err)
	}
}

func TestWindowResets(t *testing.T) {
	l, mr := testLimiter(t)
	ctx := context.Background()
	b := l.Get("crawl", "tok", "free", "team-x")

	b.Consume(ctx, "team-x", 2)
	if _, err := b.Consume(ctx, "team-x", 1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected exhausted window, got %v", err)
	}

	mr.FastForward(window)
	if remaining, err := b.Consume(ctx, "team-x", 1); err != nil || remaining != 1 {
		t.Fatalf("post-window consume: remaining=%d err=%v", remaining, err)
	}
}

func TestBlock(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()
	b := l.Get("crawl", "tok", "free", "team-x")

	if err := b.Block(ctx, "team-x", 60); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := b.Consume(ctx, "team-x", 1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("blocked consume err = %v, want ErrRateLimited", err)
	}
}

func TestFailOpenOnStoreError(t *testing.T) {
	l, mr := testLimiter(t)
	b := l.Get("crawl", "tok", "free", "team-x")
	mr.Close()

	remaining, err := b.Consume(context.Background(), "team-x", 1)
	if err != nil {
		t.Fatalf("consume with dead store: %v, want allow", err)
	}
	if remaining != b.Points() {
		t.Fatalf("fail-open remaining = %d, want %d", remaining, b.Points())
	}
}

func TestUnlimitedFlag(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(rdb, config.RateLimitConfig{Unlimited: true, TestSuitePointsPerMin: 10000}, logger)

	if b := l.Get("crawl", "tok", "free", "team-x"); b.Points() != 10000 {
		t.Fatalf("unlimited points = %d, want 10000", b.Points())
	}
}
