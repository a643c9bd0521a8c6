package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMeasurementUnit = "2026-03-02_backfill_measurement_unit"
	migrationLowercaseEmails         = "2026-03-09_lowercase_emails"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillMeasurementUnit, apply: backfillMeasurementUnit},
		{name: migrationLowercaseEmails, apply: lowercaseEmails},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Accounts created before units were configurable read in inches.
func backfillMeasurementUnit(db *gorm.DB) error {
	return db.Exec("UPDATE users SET measurement_unit = 'in' WHERE measurement_unit IS NULL OR measurement_unit = ''").Error
}

func lowercaseEmails(db *gorm.DB) error {
	if err := db.Exec("UPDATE users SET email = LOWER(TRIM(email)) WHERE email <> LOWER(TRIM(email))").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE clients SET email = LOWER(TRIM(email)) WHERE email <> LOWER(TRIM(email))").Error
}
