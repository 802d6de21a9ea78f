package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/models"
)

// Migrate applies the schema for every ledger model.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if err := conn.AutoMigrate(
		&models.Account{},
		&models.CreditTransaction{},
		&models.Deployment{},
		&models.DeploymentUsage{},
		&models.StoragePeak{},
		&models.MeterReport{},
		&models.AutoReplenishConfig{},
		&models.UsageEvent{},
		&models.Setting{},
	); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
