package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
)

// ErrRateLimited is returned when a bucket has no points left in the
// current window or the key is explicitly blocked.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// window is the fixed rate-limit window.
const window = 60 * time.Second

// fallbackPoints applies when the table carries no row for a mode.
const fallbackPoints = 20

// Limiter hands out fixed-window buckets keyed by mode and plan, with
// tenant overrides checked before the table lookup.
type Limiter struct {
	rdb    *redis.Client
	cfg    config.RateLimitConfig
	logger *slog.Logger
}

func New(rdb *redis.Client, cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, logger: logger}
}

// Get resolves the bucket for a request. Override order: unlimited flag,
// test-suite token substrings, the dev tenant, the manual tenant set,
// then the {mode}-{planKey} table entry with the row default as fallback.
func (l *Limiter) Get(mode, token, plan, teamID string) *Bucket {
	if l.cfg.Unlimited {
		return l.bucket("unlimited", l.cfg.TestSuitePointsPerMin)
	}
	for _, sub := range l.cfg.TestSuiteTokens {
		if sub != "" && strings.Contains(token, sub) {
			return l.bucket("testSuite", l.cfg.TestSuitePointsPerMin)
		}
	}
	if teamID != "" && teamID == l.cfg.DevTeamID {
		return l.bucket("dev", l.cfg.DevPointsPerMin)
	}
	for _, id := range l.cfg.ManualTeamIDs {
		if teamID == id {
			return l.bucket("manual", l.cfg.ManualPointsPerMin)
		}
	}

	planKey := strings.ReplaceAll(plan, "-", "")
	if planKey == "" {
		planKey = "default"
	}
	points := fallbackPoints
	if row, ok := l.cfg.Table[mode]; ok {
		if p, ok := row[planKey]; ok {
			points = p
		} else if p, ok := row["default"]; ok {
			points = p
		}
	}
	return l.bucket(mode+"-"+planKey, points)
}

func (l *Limiter) bucket(name string, points int) *Bucket {
	return &Bucket{rdb: l.rdb, logger: l.logger, name: name, points: points}
}

// Bucket is a fixed-window token bucket over a 60-second window. All
// operations are allow-by-default on transient store errors so an
// infrastructure outage never turns into user-visible rate denials.
type Bucket struct {
	rdb    *redis.Client
	logger *slog.Logger
	name   string
	points int
}

// Points reports the bucket capacity per window.
func (b *Bucket) Points() int { return b.points }

func (b *Bucket) counterKey(key string) string {
	return "rate-limit:" + b.name + ":" + key
}

func (b *Bucket) blockKey(key string) string {
	return "rate-limit:block:" + b.name + ":" + key
}

// Consume charges points against the key's window and returns the
// remaining allowance. ErrRateLimited is returned when the window is
// exhausted or the key is blocked.
func (b *Bucket) Consume(ctx context.Context, key string, points int) (int, error) {
	if points <= 0 {
		points = 1
	}

	blocked, err := b.rdb.Exists(ctx, b.blockKey(key)).Result()
	if err != nil {
		b.logger.Warn("rate limiter block check failed, allowing", "bucket", b.name, "error", err)
		return b.points, nil
	}
	if blocked > 0 {
		return 0, fmt.Errorf("%s blocked: %w", key, ErrRateLimited)
	}

	used, err := b.rdb.IncrBy(ctx, b.counterKey(key), int64(points)).Result()
	if err != nil {
		b.logger.Warn("rate limiter consume failed, allowing", "bucket", b.name, "error", err)
		return b.points, nil
	}
	if used == int64(points) {
		if err := b.rdb.Expire(ctx, b.counterKey(key), window).Err(); err != nil {
			b.logger.Warn("rate limiter expire failed", "bucket", b.name, "error", err)
		}
	}
	if used > int64(b.points) {
		return 0, fmt.Errorf("%s over %d/%s: %w", key, b.points, window, ErrRateLimited)
	}
	return b.points - int(used), nil
}

// Block denies the key outright for the given duration.
func (b *Bucket) Block(ctx context.Context, key string, seconds int) error {
	return b.rdb.Set(ctx, b.blockKey(key), 1, time.Duration(seconds)*time.Second).Err()
}

// Penalty charges extra points without gating the current request.
func (b *Bucket) Penalty(ctx context.Context, key string, points int) error {
	return b.rdb.IncrBy(ctx, b.counterKey(key), int64(points)).Err()
}

// Reward refunds points to the key's window.
func (b *Bucket) Reward(ctx context.Context, key string, points int) error {
	return b.rdb.DecrBy(ctx, b.counterKey(key), int64(points)).Err()
}
