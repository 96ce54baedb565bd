package progress

import (
	"context"
	"sync"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

const writeTimeout = 5 * time.Second

// Timeline forwards to another sink and records messages as timeline events of the current run.
// Messages outside a run are only forwarded.
type Timeline struct {
	next   ports.ProgressSink
	repo   ports.TimelineRepository
	logger *logger.Logger

	mu    sync.Mutex
	runID string
	label string
}

var (
	_ ports.ProgressSink = (*Timeline)(nil)
	_ ports.RunRecorder  = (*Timeline)(nil)
)

func NewTimeline(next ports.ProgressSink, repo ports.TimelineRepository, log *logger.Logger) *Timeline {
	if next == nil {
		next = ports.NopProgress{}
	}
	return &Timeline{next: next, repo: repo, logger: log}
}

func (t *Timeline) record(eventType string, status domain.EventStatus, msg string, meta domain.JSONB) {
	t.mu.Lock()
	runID, label := t.runID, t.label
	t.mu.Unlock()
	if runID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	event := &domain.TimelineEvent{
		RunID:     runID,
		Type:      eventType,
		Status:    status,
		Procedure: label,
		Message:   msg,
		Meta:      meta,
	}
	if err := t.repo.Create(ctx, event); err != nil {
		t.logger.Warnw("timeline_record_failed", "run_id", runID, "type", eventType, "error", err)
	}
}

func (t *Timeline) BeginRun(runID string, summary []string) {
	t.mu.Lock()
	t.runID, t.label = runID, ""
	t.mu.Unlock()
	t.record(domain.EventTypeRolloutStart, domain.EventStatusPending, "rollout started", domain.JSONB{"summary": summary})
}

func (t *Timeline) EndRun(runID string, err error) {
	if err != nil {
		t.record(domain.EventTypeRolloutFailed, domain.EventStatusFailed, err.Error(), nil)
	} else {
		t.record(domain.EventTypeRolloutDone, domain.EventStatusSuccess, "rollout finished", nil)
	}
	t.mu.Lock()
	if t.runID == runID {
		t.runID, t.label = "", ""
	}
	t.mu.Unlock()
}

func (t *Timeline) Info(msg string) {
	t.next.Info(msg)
	t.record(domain.EventTypeProcedureStep, domain.EventStatusSuccess, msg, nil)
}

func (t *Timeline) Error(msg string) {
	t.next.Error(msg)
	t.record(domain.EventTypeNodeResult, domain.EventStatusFailed, msg, nil)
}

func (t *Timeline) StartProgress(label string, total int) {
	t.mu.Lock()
	t.label = label
	t.mu.Unlock()
	t.next.StartProgress(label, total)
	t.record(domain.EventTypeProcedureStep, domain.EventStatusPending, label, domain.JSONB{"total": total})
}

func (t *Timeline) Advance(done int) {
	t.next.Advance(done)
}

func (t *Timeline) EndProgress() {
	t.next.EndProgress()
}
