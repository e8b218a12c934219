package ports

import (
	"context"
	"time"

	"github.com/netly/fleet/internal/domain"
)

// Lookups by id return (nil, nil) when the record does not exist.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *domain.Connection) error
	GetByID(ctx context.Context, id uint) (*domain.Connection, error)
	GetByIDs(ctx context.Context, ids []uint) ([]domain.Connection, error)
	GetAll(ctx context.Context) ([]domain.Connection, error)
	Update(ctx context.Context, conn *domain.Connection) error
	Delete(ctx context.Context, id uint) error
}

type GroupRepository interface {
	Create(ctx context.Context, group *domain.Group) error
	GetByID(ctx context.Context, id uint) (*domain.Group, error)
	GetAll(ctx context.Context) ([]domain.Group, error)
	// SetMembers replaces the static member list, preserving the given order.
	SetMembers(ctx context.Context, groupID uint, connectionIDs []uint) error
	Members(ctx context.Context, groupID uint) ([]uint, error)
	Delete(ctx context.Context, id uint) error
}

type CredentialRepository interface {
	Create(ctx context.Context, cred *domain.Credential) error
	GetByID(ctx context.Context, id uint) (*domain.Credential, error)
	GetAll(ctx context.Context) ([]domain.Credential, error)
	Delete(ctx context.Context, id uint) error
}

// ExecutionRepository is the execution history store. Append is an
// idempotent overwrite keyed by execution id. Get returns (nil, nil) for an
// unknown id.
type ExecutionRepository interface {
	Append(ctx context.Context, exec *domain.CommandExecution) error
	Get(ctx context.Context, id string) (*domain.CommandExecution, error)
	List(ctx context.Context, limit int) ([]domain.CommandExecution, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type TimelineRepository interface {
	Create(ctx context.Context, event *domain.TimelineEvent) error
	GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error)
	GetByResource(ctx context.Context, resourceType string, resourceID uint) ([]domain.TimelineEvent, error)
	GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error)
	Update(ctx context.Context, event *domain.TimelineEvent) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type SystemSettingRepository interface {
	Get(ctx context.Context, key string) (*domain.SystemSetting, error)
	Set(ctx context.Context, setting *domain.SystemSetting) error
	GetByCategory(ctx context.Context, category string) ([]domain.SystemSetting, error)
	Delete(ctx context.Context, key string) error
}
