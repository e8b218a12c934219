package db

import (
	"context"
	"errors"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type connectionRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConnectionRepository(db *gorm.DB, log *logger.Logger) ports.ConnectionRepository {
	return &connectionRepository{db: db, log: log}
}

func (r *connectionRepository) Create(ctx context.Context, conn *domain.Connection) error {
	if err := r.db.WithContext(ctx).Create(conn).Error; err != nil {
		r.log.Errorw("connection_repo_create_failed", "hostname", conn.Hostname, "error", err)
		return err
	}
	r.log.Infow("connection_repo_create_ok", "id", conn.ID, "hostname", conn.Hostname)
	return nil
}

func (r *connectionRepository) GetByID(ctx context.Context, id uint) (*domain.Connection, error) {
	var conn domain.Connection
	if err := r.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Errorw("connection_repo_get_failed", "id", id, "error", err)
		return nil, err
	}
	return &conn, nil
}

func (r *connectionRepository) GetByIDs(ctx context.Context, ids []uint) ([]domain.Connection, error) {
	var conns []domain.Connection
	if len(ids) == 0 {
		return conns, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id asc").Find(&conns).Error; err != nil {
		r.log.Errorw("connection_repo_get_many_failed", "count", len(ids), "error", err)
		return nil, err
	}
	return conns, nil
}

func (r *connectionRepository) GetAll(ctx context.Context) ([]domain.Connection, error) {
	var conns []domain.Connection
	if err := r.db.WithContext(ctx).Order("id asc").Find(&conns).Error; err != nil {
		r.log.Errorw("connection_repo_list_failed", "error", err)
		return nil, err
	}
	r.log.Debugw("connection_repo_list_ok", "count", len(conns))
	return conns, nil
}

func (r *connectionRepository) Update(ctx context.Context, conn *domain.Connection) error {
	if err := r.db.WithContext(ctx).Save(conn).Error; err != nil {
		r.log.Errorw("connection_repo_update_failed", "id", conn.ID, "error", err)
		return err
	}
	r.log.Infow("connection_repo_update_ok", "id", conn.ID)
	return nil
}

// Delete soft-deletes the connection and drops it from every static group.
func (r *connectionRepository) Delete(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ?", id).Delete(&domain.GroupMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Connection{}, id).Error
	})
	if err != nil {
		r.log.Errorw("connection_repo_delete_failed", "id", id, "error", err)
		return err
	}
	r.log.Infow("connection_repo_delete_ok", "id", id)
	return nil
}
