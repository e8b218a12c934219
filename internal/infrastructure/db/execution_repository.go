package db

import (
	"context"
	"errors"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var terminalStatuses = []domain.ExecutionStatus{
	domain.ExecutionCompleted,
	domain.ExecutionFailed,
	domain.ExecutionCancelled,
}

type executionRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExecutionRepository(db *gorm.DB, log *logger.Logger) ports.ExecutionRepository {
	return &executionRepository{db: db, log: log}
}

// Append writes the whole snapshot, replacing any earlier one with the same id.
func (r *executionRepository) Append(ctx context.Context, exec *domain.CommandExecution) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(exec).Error
	if err != nil {
		r.log.Errorw("execution_repo_append_failed", "id", exec.ID, "status", exec.Status, "error", err)
		return err
	}
	r.log.Debugw("execution_repo_append_ok", "id", exec.ID, "status", exec.Status)
	return nil
}

func (r *executionRepository) Get(ctx context.Context, id string) (*domain.CommandExecution, error) {
	var exec domain.CommandExecution
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&exec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Errorw("execution_repo_get_failed", "id", id, "error", err)
		return nil, err
	}
	return &exec, nil
}

func (r *executionRepository) List(ctx context.Context, limit int) ([]domain.CommandExecution, error) {
	var execs []domain.CommandExecution
	q := r.db.WithContext(ctx).Order("started_at desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&execs).Error; err != nil {
		r.log.Errorw("execution_repo_list_failed", "error", err)
		return nil, err
	}
	return execs, nil
}

// DeleteOlderThan prunes finished executions started before cutoff. Running
// ones are kept whatever their age.
func (r *executionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("started_at < ? AND status IN ?", cutoff, terminalStatuses).
		Delete(&domain.CommandExecution{})
	if res.Error != nil {
		r.log.Errorw("execution_repo_prune_failed", "cutoff", cutoff, "error", res.Error)
		return 0, res.Error
	}
	r.log.Infow("execution_repo_prune_ok", "cutoff", cutoff, "deleted", res.RowsAffected)
	return res.RowsAffected, nil
}
