package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillDocumentHeads = "2026-08-12_backfill_document_heads"

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
		{name: migrationBackfillDocumentHeads, apply: backfillDocumentHeads},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillDocumentHeads points documents written before head tracking at
// their newest stored revision, keeping the head-resolves invariant for rows
// created by early builds.
func backfillDocumentHeads(db *gorm.DB) error {
	const statement = `
UPDATE documents SET head = (
	SELECT revision_id FROM document_revisions
	WHERE document_revisions.document_id = documents.document_id
	ORDER BY created_at_ms DESC, revision_id ASC
	LIMIT 1
)
WHERE head = '' AND EXISTS (
	SELECT 1 FROM document_revisions
	WHERE document_revisions.document_id = documents.document_id
);`
	return db.Exec(statement).Error
}
