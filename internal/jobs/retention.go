package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/config"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/metrics"
	"github.com/ChainOfAgents/coa-firecrawl-simple/internal/store"
)

// CleanCompletedJobs deletes completed jobs past the retention TTL so
// the database does not grow without bound. Returns the deleted count.
func CleanCompletedJobs(ctx context.Context, cfg config.RetentionConfig, st *store.Store, m *metrics.Registry, logger *slog.Logger) int64 {
	cutoff := time.Now().UTC().Add(-time.Duration(cfg.CompletedJobTTLHours) * time.Hour)
	n, err := st.DeleteCompletedJobsBefore(ctx, cutoff)
	if err != nil {
		logger.Error("retention sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		m.RecordRetentionJobs(n)
		logger.Info("retention sweep deleted completed jobs", "count", n, "cutoff", cutoff)
	}
	return n
}

// RunRetentionLoop sweeps on the configured interval until ctx ends.
func RunRetentionLoop(ctx context.Context, cfg config.RetentionConfig, st *store.Store, m *metrics.Registry, logger *slog.Logger) {
	if !cfg.Enabled {
		logger.Info("retention sweeps disabled")
		return
	}
	ticker := time.NewTicker(time.Duration(cfg.SweepIntervalMinutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			CleanCompletedJobs(ctx, cfg, st, m, logger)
		}
	}
}
