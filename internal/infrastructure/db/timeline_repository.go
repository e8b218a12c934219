package db

import (
	"context"
	"errors"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type timelineRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTimelineRepository(db *gorm.DB, log *logger.Logger) ports.TimelineRepository {
	return &timelineRepository{
		db:  db,
		log: log,
	}
}

func (r *timelineRepository) Create(ctx context.Context, event *domain.TimelineEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		r.log.Errorw("timeline_repo_create_failed", "type", event.Type, "status", event.Status, "error", err)
		return err
	}
	r.log.Debugw("timeline_repo_create_ok", "id", event.ID, "type", event.Type, "status", event.Status)
	return nil
}

func (r *timelineRepository) GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error) {
	var events []domain.TimelineEvent
	q := r.db.WithContext(ctx).Order("created_at desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		r.log.Errorw("timeline_repo_list_failed", "error", err)
		return nil, err
	}
	return events, nil
}

func (r *timelineRepository) GetByResource(ctx context.Context, resourceType string, resourceID uint) ([]domain.TimelineEvent, error) {
	var events []domain.TimelineEvent
	err := r.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("created_at desc").
		Limit(50).
		Find(&events).Error
	if err != nil {
		r.log.Errorw("timeline_repo_get_by_resource_failed", "resource_type", resourceType, "resource_id", resourceID, "error", err)
		return nil, err
	}
	return events, nil
}

func (r *timelineRepository) GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error) {
	var event domain.TimelineEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Errorw("timeline_repo_get_failed", "id", id, "error", err)
		return nil, err
	}
	return &event, nil
}

func (r *timelineRepository) Update(ctx context.Context, event *domain.TimelineEvent) error {
	if err := r.db.WithContext(ctx).Save(event).Error; err != nil {
		r.log.Errorw("timeline_repo_update_failed", "id", event.ID, "error", err)
		return err
	}
	r.log.Infow("timeline_repo_update_ok", "id", event.ID)
	return nil
}

// DeleteOlderThan removes events created before cutoff.
func (r *timelineRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.TimelineEvent{})
	if res.Error != nil {
		r.log.Errorw("timeline_repo_cleanup_failed", "error", res.Error)
		return 0, res.Error
	}
	r.log.Infow("timeline_repo_cleanup_ok", "deleted", res.RowsAffected)
	return res.RowsAffected, nil
}
