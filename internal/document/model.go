package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is not a valid UUID.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidRevisionID indicates that a revision identifier is empty or exceeds storage bounds.
	ErrInvalidRevisionID = errors.New("document: invalid revision id")
	// ErrInvalidUserRef indicates that a user reference lacks an identifier.
	ErrInvalidUserRef = errors.New("document: invalid user reference")
)

// DocumentID represents a validated document identifier. Document identity is
// always a UUID; entries without one are rejected at the import boundary.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if _, err := uuid.Parse(trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentID, trimmed)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// RevisionID represents a validated revision identifier. Local heads may
// reference revisions that have not round-tripped through the cloud, so only
// shape, not provenance, is enforced here.
type RevisionID string

// NewRevisionID validates raw input and returns a RevisionID.
func NewRevisionID(rawInput string) (RevisionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRevisionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRevisionID, maxIdentifierLength)
	}
	return RevisionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RevisionID) String() string {
	return string(id)
}

// UserRef identifies a revision author or document participant.
type UserRef struct {
	ID   string
	Name string
}

// NewUserRef validates raw input and returns a UserRef.
func NewUserRef(id, name string) (UserRef, error) {
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return UserRef{}, fmt.Errorf("%w: empty id", ErrInvalidUserRef)
	}
	return UserRef{ID: trimmedID, Name: strings.TrimSpace(name)}, nil
}

// EditorDocument is the portable unit carried by bundles: the document
// metadata plus its opaque serialized editor state.
type EditorDocument struct {
	ID          DocumentID
	Name        string
	Head        RevisionID
	Content     json.RawMessage
	CreatedAtMs int64
	UpdatedAtMs int64
}

// LocalDocument is the on-device representation of a document, independent of
// server sync. Head points at the revision considered current locally.
type LocalDocument struct {
	ID          DocumentID
	Name        string
	Head        RevisionID
	CreatedAtMs int64
	UpdatedAtMs int64
}

// Revision is an immutable, authored snapshot of document content. Revisions
// are append-only and keyed by ID; no revision is mutated once created.
type Revision struct {
	ID          RevisionID
	DocumentID  DocumentID
	Author      UserRef
	CreatedAtMs int64
	Content     json.RawMessage
}
