package db

import (
	"fmt"

	"github.com/zulandar/whisprnet/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the session store migrates.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.Message{},
		&models.OutboxEvent{},
	}
}

// AutoMigrate creates or updates the session store tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
