package store

// LocalDocument models the persisted on-device document row.
type LocalDocument struct {
	DocumentID  string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Name        string `gorm:"column:name;size:320;not null;default:''"`
	Head        string `gorm:"column:head;size:190;not null;default:''"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_documents_updated"`
}

// TableName provides the explicit table binding for GORM.
func (LocalDocument) TableName() string {
	return "documents"
}

// Revision models an immutable persisted revision row.
type Revision struct {
	RevisionID  string `gorm:"column:revision_id;primaryKey;size:190;not null"`
	DocumentID  string `gorm:"column:document_id;size:190;not null;index:idx_revisions_document,priority:1"`
	AuthorID    string `gorm:"column:author_id;size:190;not null"`
	AuthorName  string `gorm:"column:author_name;size:320;not null;default:''"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null;index:idx_revisions_document,priority:2"`
	ContentJSON string `gorm:"column:content_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "document_revisions"
}
