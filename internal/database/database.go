// Package database opens the configured store and brings its schema up to date.
package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/config"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/sharelinks"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects with the configured driver and performs schema migrations.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	location := ""
	switch cfg.Driver {
	case config.DatabaseDriverSQLite, "":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		dialector = sqlite.Open(cfg.Path)
		location = cfg.Path
	case config.DatabaseDriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(cfg.DSN)
		location = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	if cfg.Driver != config.DatabaseDriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// A single connection serializes writers, which sqlite needs for the
		// conditional link update to be atomic.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized",
		zap.String("driver", db.Dialector.Name()),
		zap.String("location", location),
	)
	return db, nil
}

// Migrate creates missing tables and columns and applies named data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&users.User{},
		&users.Identity{},
		&clients.Client{},
		&measurements.Measurement{},
		&sharelinks.ShareLink{},
		&audit.Entry{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
