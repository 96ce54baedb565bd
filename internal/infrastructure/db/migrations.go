package db

import (
	"github.com/netly/fleet/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&domain.Scope{},
		&domain.Server{},
		&domain.Service{},
		&domain.Instance{},
		&domain.TimelineEvent{},
	)
	if err != nil {
		return err
	}

	if err := createCustomIndexes(db); err != nil {
		return err
	}

	return nil
}

func createCustomIndexes(db *gorm.DB) error {
	// One instance of a service per server
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_service_server
		ON instances (service_id, server_id)
		WHERE deleted_at IS NULL
	`).Error; err != nil {
		return err
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_timeline_events_run
		ON timeline_events (run_id, created_at)
		WHERE deleted_at IS NULL
	`).Error; err != nil {
		return err
	}

	return nil
}
