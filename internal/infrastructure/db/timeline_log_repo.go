package db

import (
	"context"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// TimelineLogRepo writes timeline events to the log only. It backs the
// timeline when features.enable_timeline is off, and fleetctl.
type TimelineLogRepo struct {
	logger *logger.Logger
}

func NewTimelineLogRepo(log *logger.Logger) ports.TimelineRepository {
	return &TimelineLogRepo{logger: log}
}

func (r *TimelineLogRepo) Create(ctx context.Context, event *domain.TimelineEvent) error {
	r.logger.Infow("timeline_event",
		"type", event.Type,
		"status", event.Status,
		"message", event.Message,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
	)
	return nil
}

func (r *TimelineLogRepo) GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error) {
	return nil, nil
}

func (r *TimelineLogRepo) GetByResource(ctx context.Context, resourceType string, resourceID uint) ([]domain.TimelineEvent, error) {
	return nil, nil
}

func (r *TimelineLogRepo) GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error) {
	return nil, nil
}

func (r *TimelineLogRepo) Update(ctx context.Context, event *domain.TimelineEvent) error {
	return nil
}

func (r *TimelineLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
