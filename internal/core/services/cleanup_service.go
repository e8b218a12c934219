package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// CleanupReport counts what one retention pass removed.
type CleanupReport struct {
	Executions int64 `json:"executions"`
	Timeline   int64 `json:"timeline_events"`
}

// CleanupService enforces history retention: finished executions and
// timeline events older than the retention window are deleted.
type CleanupService struct {
	executions   *ExecutionService
	timelineRepo ports.TimelineRepository
	retention    time.Duration
	logger       *logger.Logger
}

func NewCleanupService(executions *ExecutionService, timeline ports.TimelineRepository, retention time.Duration, log *logger.Logger) *CleanupService {
	if log == nil {
		log = logger.NewNop()
	}
	return &CleanupService{
		executions:   executions,
		timelineRepo: timeline,
		retention:    retention,
		logger:       log,
	}
}

// RunOnce performs a single pass. Both stores are always attempted; the
// errors are joined.
func (s *CleanupService) RunOnce(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	if s.retention <= 0 {
		return report, nil
	}

	var errs []error
	if s.executions != nil {
		n, err := s.executions.PruneHistory(ctx, s.retention)
		if err != nil {
			errs = append(errs, err)
		}
		report.Executions = n
	}
	if s.timelineRepo != nil {
		n, err := s.timelineRepo.DeleteOlderThan(ctx, time.Now().Add(-s.retention))
		if err != nil {
			s.logger.Errorw("cleanup_timeline_prune_failed", "error", err)
			errs = append(errs, fmt.Errorf("prune timeline: %w", err))
		}
		report.Timeline = n
	}

	if report.Executions > 0 || report.Timeline > 0 {
		s.logCleanupEvent(ctx, report)
	}
	return report, errors.Join(errs...)
}

// Start runs a pass every interval until ctx is cancelled.
func (s *CleanupService) Start(ctx context.Context, every time.Duration) {
	if s.retention <= 0 || every <= 0 {
		s.logger.Infow("cleanup_disabled", "retention", s.retention, "every", every)
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.Warnw("cleanup_pass_failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *CleanupService) logCleanupEvent(ctx context.Context, report CleanupReport) {
	s.logger.Infow("cleanup_pass_done", "executions", report.Executions, "timeline_events", report.Timeline)
	if s.timelineRepo == nil {
		return
	}

	event := &domain.TimelineEvent{
		Type:   domain.EventTypeHistoryPruned,
		Status: domain.EventStatusSuccess,
		Message: fmt.Sprintf("Removed %d execution(s) and %d timeline event(s) older than %s",
			report.Executions, report.Timeline, s.retention),
		Meta: domain.JSONB{
			"executions":      report.Executions,
			"timeline_events": report.Timeline,
			"retention":       s.retention.String(),
		},
		ResourceType: domain.ResourceTypeExecution,
		CreatedAt:    time.Now(),
	}
	if err := s.timelineRepo.Create(ctx, event); err != nil {
		s.logger.Errorw("cleanup_timeline_event_failed", "error", err)
	}
}
