package db

import (
	"context"
	"sync"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// TimelineRepoStub keeps events in memory and logs them. Used when the timeline is not
// persisted and by plan/apply runs without a database.
type TimelineRepoStub struct {
	logger *logger.Logger
	mu     sync.Mutex
	events []domain.TimelineEvent
}

func NewTimelineRepoStub(log *logger.Logger) ports.TimelineRepository {
	return &TimelineRepoStub{logger: log}
}

func (r *TimelineRepoStub) Create(ctx context.Context, event *domain.TimelineEvent) error {
	r.logger.Infow("timeline event",
		"run_id", event.RunID,
		"type", event.Type,
		"status", event.Status,
		"procedure", event.Procedure,
		"message", event.Message,
	)
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = uint(len(r.events) + 1)
	r.events = append(r.events, *event)
	return nil
}

func (r *TimelineRepoStub) GetByRun(ctx context.Context, runID string) ([]domain.TimelineEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TimelineEvent
	for _, ev := range r.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *TimelineRepoStub) GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TimelineEvent, 0, limit)
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.events[i])
	}
	return out, nil
}
