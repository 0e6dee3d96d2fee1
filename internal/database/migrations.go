package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillActivatedTimestamps = "2026-09-14_backfill_editor_session_activation"
	migrationDropUnaddressableSessions   = "2026-09-21_drop_unaddressable_editor_sessions"
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

var migrations = []migrationDefinition{
	{name: migrationBackfillActivatedTimestamps, apply: backfillActivatedTimestamps},
	{name: migrationDropUnaddressableSessions, apply: dropUnaddressableSessions},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
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

// Rows written before activation was tracked carry 0; the first heartbeat is the best estimate.
func backfillActivatedTimestamps(db *gorm.DB) error {
	return db.Model(&sessions.EditorSessionRecord{}).
		Where("activated_ms <= 0 OR activated_ms > last_modified_ms").
		Update("activated_ms", gorm.Expr("last_modified_ms")).Error
}

func dropUnaddressableSessions(db *gorm.DB) error {
	return db.Where("TRIM(doc_id) = '' OR TRIM(doc_collection_path) = ''").
		Delete(&sessions.EditorSessionRecord{}).Error
}
