package db

import (
	"context"
	"errors"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type groupRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGroupRepository(db *gorm.DB, log *logger.Logger) ports.GroupRepository {
	return &groupRepository{db: db, log: log}
}

func (r *groupRepository) Create(ctx context.Context, group *domain.Group) error {
	if err := r.db.WithContext(ctx).Omit("Members").Create(group).Error; err != nil {
		r.log.Errorw("group_repo_create_failed", "name", group.Name, "error", err)
		return err
	}
	r.log.Infow("group_repo_create_ok", "id", group.ID, "name", group.Name)
	return nil
}

func (r *groupRepository) GetByID(ctx context.Context, id uint) (*domain.Group, error) {
	var group domain.Group
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		First(&group, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Errorw("group_repo_get_failed", "id", id, "error", err)
		return nil, err
	}
	return &group, nil
}

func (r *groupRepository) GetAll(ctx context.Context) ([]domain.Group, error) {
	var groups []domain.Group
	err := r.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Order("name asc").
		Find(&groups).Error
	if err != nil {
		r.log.Errorw("group_repo_list_failed", "error", err)
		return nil, err
	}
	return groups, nil
}

func (r *groupRepository) SetMembers(ctx context.Context, groupID uint, connectionIDs []uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", groupID).Delete(&domain.GroupMember{}).Error; err != nil {
			return err
		}
		if len(connectionIDs) == 0 {
			return nil
		}
		members := make([]domain.GroupMember, len(connectionIDs))
		for i, id := range connectionIDs {
			members[i] = domain.GroupMember{GroupID: groupID, ConnectionID: id, Position: i}
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		r.log.Errorw("group_repo_set_members_failed", "group_id", groupID, "error", err)
		return err
	}
	r.log.Infow("group_repo_set_members_ok", "group_id", groupID, "count", len(connectionIDs))
	return nil
}

func (r *groupRepository) Members(ctx context.Context, groupID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&domain.GroupMember{}).
		Where("group_id = ?", groupID).
		Order("position asc").
		Pluck("connection_id", &ids).Error
	if err != nil {
		r.log.Errorw("group_repo_members_failed", "group_id", groupID, "error", err)
		return nil, err
	}
	return ids, nil
}

func (r *groupRepository) Delete(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", id).Delete(&domain.GroupMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Group{}, id).Error
	})
	if err != nil {
		r.log.Errorw("group_repo_delete_failed", "id", id, "error", err)
		return err
	}
	r.log.Infow("group_repo_delete_ok", "id", id)
	return nil
}
