package db

import (
	"gorm.io/gorm"

	"github.com/streamhost/streamhost/internal/models"
)

// Migrate runs gorm auto-migration for all persisted models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.MediaItem{},
		&models.QueueEntry{},
		&models.StreamSession{},
		&models.PlayHistory{},
	)
}
