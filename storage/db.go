package storage

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ledger-voting/config"
	"ledger-voting/models"
)

// Open opens a database connection using the provided configuration. It
// returns nil when no database is configured.
func Open(cfg config.Config) (*gorm.DB, error) {
	if cfg.DBDialect == "" || cfg.DBDsn == "" {
		return nil, nil
	}

	gormCfg := &gorm.Config{
		// Silent: the service logs its own failures.
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	}

	switch cfg.DBDialect {
	case config.DatabaseSchemePostgres:
		return gorm.Open(postgres.Open(cfg.DBDsn), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database dialect: %s", cfg.DBDialect)
	}
}

// AutoMigrate creates or updates the identities table.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	return db.AutoMigrate(&models.Identity{})
}
