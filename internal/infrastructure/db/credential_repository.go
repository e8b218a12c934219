package db

import (
	"context"
	"errors"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type credentialRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCredentialRepository(db *gorm.DB, log *logger.Logger) ports.CredentialRepository {
	return &credentialRepository{db: db, log: log}
}

func (r *credentialRepository) Create(ctx context.Context, cred *domain.Credential) error {
	if err := r.db.WithContext(ctx).Create(cred).Error; err != nil {
		r.log.Errorw("credential_repo_create_failed", "name", cred.Name, "error", err)
		return err
	}
	r.log.Infow("credential_repo_create_ok", "id", cred.ID, "name", cred.Name)
	return nil
}

func (r *credentialRepository) GetByID(ctx context.Context, id uint) (*domain.Credential, error) {
	var cred domain.Credential
	if err := r.db.WithContext(ctx).First(&cred, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Errorw("credential_repo_get_failed", "id", id, "error", err)
		return nil, err
	}
	return &cred, nil
}

func (r *credentialRepository) GetAll(ctx context.Context) ([]domain.Credential, error) {
	var creds []domain.Credential
	if err := r.db.WithContext(ctx).Order("priority desc, id asc").Find(&creds).Error; err != nil {
		r.log.Errorw("credential_repo_list_failed", "error", err)
		return nil, err
	}
	return creds, nil
}

// Delete also clears the explicit assignment on every connection using it.
func (r *credentialRepository) Delete(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Connection{}).Where("credential_id = ?", id).Update("credential_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Credential{}, id).Error
	})
	if err != nil {
		r.log.Errorw("credential_repo_delete_failed", "id", id, "error", err)
		return err
	}
	r.log.Infow("credential_repo_delete_ok", "id", id)
	return nil
}
