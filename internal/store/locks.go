package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	urlLockTTL = 24 * time.Hour
	teamJobTTL = 10 * time.Minute
)

// urlHash collapses a normalized URL to a short fixed-width key segment.
func urlHash(url string) string {
	h := fnv.New64a()
	h.Write([]byte(url))
	return fmt.Sprintf("%016x", h.Sum64())
}

func urlLockKey(crawlID, url string) string {
	return "url-lock:" + crawlID + ":" + urlHash(url)
}

// LockURL claims a URL for a crawl. Returns true exactly once per
// (crawl, URL) within the lock TTL; later claims return false.
func (s *Store) LockURL(ctx context.Context, crawlID, url string) (bool, error) {
	return s.rdb.SetNX(ctx, urlLockKey(crawlID, url), 1, urlLockTTL).Result()
}

// LockURLs claims a batch of URLs in one pipeline round trip and returns
// the subset that was newly claimed, preserving input order.
func (s *Store) LockURLs(ctx context.Context, crawlID string, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.BoolCmd, len(urls))
	for i, u := range urls {
		cmds[i] = pipe.SetNX(ctx, urlLockKey(crawlID, u), 1, urlLockTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	claimed := make([]string, 0, len(urls))
	for i, cmd := range cmds {
		ok, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if ok {
			claimed = append(claimed, urls[i])
		}
	}
	return claimed, nil
}

func teamJobKey(teamID, jobID string) string {
	return "team-jobs:" + teamID + ":" + jobID
}

// AddTeamJob records a job as in flight for a team. The record expires
// on its own so a crashed worker cannot pin the team's concurrency.
func (s *Store) AddTeamJob(ctx context.Context, teamID, jobID string) error {
	return s.rdb.Set(ctx, teamJobKey(teamID, jobID), 1, teamJobTTL).Err()
}

// RemoveTeamJob drops the in-flight record once the job settles.
func (s *Store) RemoveTeamJob(ctx context.Context, teamID, jobID string) error {
	return s.rdb.Del(ctx, teamJobKey(teamID, jobID)).Err()
}

// GetTeamJobCount counts the team's in-flight jobs.
func (s *Store) GetTeamJobCount(ctx context.Context, teamID string) (int, error) {
	var (
		cursor uint64
		count  int
	)
	pattern := "team-jobs:" + teamID + ":*"
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}
