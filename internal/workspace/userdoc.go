package workspace

import (
	"github.com/mathedit-labs/mathedit/internal/cloud"
	"github.com/mathedit-labs/mathedit/internal/document"
)

// UserDocument is the merged logical view of one document: the unit the
// presentation layer operates on. It has no persistence of its own and is
// recomputed whenever either side changes. At least one side is present.
type UserDocument struct {
	ID    document.DocumentID
	Local *document.LocalDocument
	Cloud *cloud.Document

	// Revisions is the reconciled union of both sides, newest first.
	Revisions []document.Revision
	// HasUnsavedChanges reports a local head with no matching known revision.
	HasUnsavedChanges bool
	// HeadOutOfSync reports independently advanced local and cloud heads.
	HeadOutOfSync bool
	Coauthors     []document.UserRef
	Collaborators []document.UserRef
}

// Name returns the document's display name, preferring the local side.
func (d UserDocument) Name() string {
	if d.Local != nil {
		return d.Local.Name
	}
	if d.Cloud != nil {
		return d.Cloud.Handle
	}
	return ""
}

// UpdatedAtMs returns the most recent update timestamp across both sides.
func (d UserDocument) UpdatedAtMs() int64 {
	var updated int64
	if d.Local != nil {
		updated = d.Local.UpdatedAtMs
	}
	if d.Cloud != nil && d.Cloud.UpdatedAtMs > updated {
		updated = d.Cloud.UpdatedAtMs
	}
	return updated
}
