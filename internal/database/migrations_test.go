package database

import (
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/mathedit-labs/mathedit/internal/store"
)

func newMigrationDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.LocalDocument{}, &store.Revision{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestBackfillDocumentHeadsPointsAtNewestRevision(t *testing.T) {
	db := newMigrationDB(t)

	doc := store.LocalDocument{
		DocumentID:  "8f14e45f-ceea-467f-a1d6-91b50e4103d5",
		Name:        "Legacy",
		Head:        "",
		CreatedAtMs: 1700000000000,
		UpdatedAtMs: 1700000200000,
	}
	if err := db.Create(&doc).Error; err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}
	revisions := []store.Revision{
		{RevisionID: "rev-old", DocumentID: doc.DocumentID, AuthorID: "u1", CreatedAtMs: 1700000100000, ContentJSON: "{}"},
		{RevisionID: "rev-new", DocumentID: doc.DocumentID, AuthorID: "u1", CreatedAtMs: 1700000200000, ContentJSON: "{}"},
	}
	for _, revision := range revisions {
		rev := revision
		if err := db.Create(&rev).Error; err != nil {
			t.Fatalf("failed to seed revision: %v", err)
		}
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var migrated store.LocalDocument
	if err := db.Where("document_id = ?", doc.DocumentID).Take(&migrated).Error; err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if migrated.Head != "rev-new" {
		t.Fatalf("expected head rev-new, got %q", migrated.Head)
	}

	var records int64
	if err := db.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if records == 0 {
		t.Fatalf("expected a recorded migration")
	}

	// A second run must be a no-op.
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("re-applying migrations must be idempotent: %v", err)
	}
}

func TestBackfillLeavesDocumentsWithoutRevisionsUntouched(t *testing.T) {
	db := newMigrationDB(t)

	doc := store.LocalDocument{
		DocumentID:  "b2c3d4e5-f607-4890-a123-456789abcdef",
		Name:        "Empty",
		Head:        "",
		CreatedAtMs: 1700000000000,
		UpdatedAtMs: 1700000000000,
	}
	if err := db.Create(&doc).Error; err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var migrated store.LocalDocument
	if err := db.Where("document_id = ?", doc.DocumentID).Take(&migrated).Error; err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if migrated.Head != "" {
		t.Fatalf("document without revisions must keep an empty head, got %q", migrated.Head)
	}
}
