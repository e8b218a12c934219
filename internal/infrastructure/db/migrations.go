package db

import (
	"github.com/netly/fleet/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Credential{},
		&domain.Connection{},
		&domain.Group{},
		&domain.GroupMember{},
		&domain.CommandExecution{},
		&domain.TimelineEvent{},
		&domain.SystemSetting{},
	)
	if err != nil {
		return err
	}

	return createCustomIndexes(db)
}

// createCustomIndexes adds the postgres-only indexes. MySQL gets the ones
// declared in the model tags.
func createCustomIndexes(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}

	// History listing is always newest first.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_command_executions_started_id
		ON command_executions (started_at DESC, id DESC)
	`).Error; err != nil {
		return err
	}

	// Index for timeline events querying by resource
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_timeline_events_resource
		ON timeline_events (resource_type, resource_id)
		WHERE deleted_at IS NULL
	`).Error; err != nil {
		return err
	}

	return nil
}
