package cloud

import (
	"github.com/mathedit-labs/mathedit/internal/document"
)

// Document is the server-authoritative view of a document: the full revision
// chain plus author and coauthor sets. It is owned and mutated by the remote
// store; this side only reads it.
type Document struct {
	ID          document.DocumentID
	Head        document.RevisionID
	Author      document.UserRef
	Coauthors   []document.UserRef
	Revisions   []document.Revision
	Published   bool
	Collab      bool
	Handle      string
	CreatedAtMs int64
	UpdatedAtMs int64
}
