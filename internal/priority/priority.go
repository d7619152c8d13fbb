package priority

import (
	"context"
	"log/slog"
)

// TeamJobCounter reports how many jobs a team currently has in flight.
type TeamJobCounter interface {
	GetTeamJobCount(ctx context.Context, teamID string) (int, error)
}

// Engine computes enqueue priority (lower = earlier service) from the
// tenant's plan and in-flight load, so a tenant flooding the queue is
// gradually deprioritized instead of hard-rejected.
type Engine struct {
	counter TeamJobCounter
	logger  *slog.Logger
}

func New(counter TeamJobCounter, logger *slog.Logger) *Engine {
	return &Engine{counter: counter, logger: logger}
}

// JobPriority resolves the priority band. The system tenant always gets
// 1. A store error falls back to basePriority so the enqueue proceeds.
func (e *Engine) JobPriority(ctx context.Context, plan, teamID string, basePriority int) int {
	if teamID == "" {
		teamID = "system"
	}
	if teamID == "system" {
		return 1
	}

	jobCount, err := e.counter.GetTeamJobCount(ctx, teamID)
	if err != nil {
		e.logger.Warn("team job count failed, using base priority", "team_id", teamID, "error", err)
		return basePriority
	}

	switch plan {
	case "free":
		switch {
		case jobCount > 10:
			return 15
		case jobCount > 5:
			return 12
		default:
			return 10
		}
	case "starter", "hobby":
		switch {
		case jobCount > 20:
			return 12
		case jobCount > 10:
			return 10
		default:
			return 8
		}
	case "standard", "standardnew":
		switch {
		case jobCount > 30:
			return 8
		case jobCount > 15:
			return 6
		default:
			return 5
		}
	case "scale", "growth", "growthdouble":
		switch {
		case jobCount > 50:
			return 5
		case jobCount > 25:
			return 3
		default:
			return 2
		}
	default:
		return basePriority
	}
}
