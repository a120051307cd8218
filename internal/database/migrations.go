package database

import (
	"gorm.io/gorm"

	"github.com/charlesng35/inboxd/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Recipient{},
		&models.Message{},
		&models.DeliveryRecord{},
		&models.Preferences{},
	)
}
