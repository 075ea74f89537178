// Package bundle implements the portable .me file format: UTF-8 JSON holding
// either a single editor document or a mapping of opaque keys to documents.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mathedit-labs/mathedit/internal/document"
)

// Extension is the conventional file extension for exported bundles.
const Extension = ".me"

// ErrInvalidBundle indicates that bundle content is not parseable or contains
// no entry with a syntactically valid document identifier. Decoding never
// yields a partial result alongside this error.
var ErrInvalidBundle = errors.New("bundle: invalid bundle")

// Kind discriminates the two bundle forms.
type Kind string

const (
	// KindSingle is a bundle denoting exactly one document (form a).
	KindSingle Kind = "single"
	// KindCollection is a bundle mapping opaque keys to documents (form b).
	KindCollection Kind = "collection"
)

// Bundle is the decoded, fully-typed result of parsing bundle text. Shape
// probing stays inside Decode; downstream code only ever sees this
// discriminated form.
type Bundle struct {
	Kind      Kind
	Documents []document.EditorDocument
}

type documentPayload struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Head        string          `json:"head,omitempty"`
	Content     json.RawMessage `json:"data,omitempty"`
	CreatedAtMs int64           `json:"createdAt,omitempty"`
	UpdatedAtMs int64           `json:"updatedAt,omitempty"`
}

// Decode parses bundle text. A top-level object carrying a valid UUID id is a
// single document; otherwise every value of the top-level mapping is treated
// as an independent document candidate, silently skipping entries that fail
// validation. No partial document is ever produced.
func Decode(text string) (Bundle, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Bundle{}, fmt.Errorf("%w: empty input", ErrInvalidBundle)
	}

	var single documentPayload
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil {
		if doc, ok := toEditorDocument(single); ok {
			return Bundle{Kind: KindSingle, Documents: []document.EditorDocument{doc}}, nil
		}
	}

	var mapping map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &mapping); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	keys := make([]string, 0, len(mapping))
	for key := range mapping {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	documents := make([]document.EditorDocument, 0, len(mapping))
	for _, key := range keys {
		var candidate documentPayload
		if err := json.Unmarshal(mapping[key], &candidate); err != nil {
			continue
		}
		if doc, ok := toEditorDocument(candidate); ok {
			documents = append(documents, doc)
		}
	}
	if len(documents) == 0 {
		return Bundle{}, fmt.Errorf("%w: no valid documents", ErrInvalidBundle)
	}
	return Bundle{Kind: KindCollection, Documents: documents}, nil
}

// EncodeDocument produces a form-(a) single-document bundle.
func EncodeDocument(doc document.EditorDocument) (string, error) {
	encoded, err := json.Marshal(toPayload(doc))
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// EncodeBackup produces a form-(b) bundle keyed by document id, used when
// backing up the full store.
func EncodeBackup(docs []document.EditorDocument) (string, error) {
	mapping := make(map[string]documentPayload, len(docs))
	for _, doc := range docs {
		mapping[doc.ID.String()] = toPayload(doc)
	}
	encoded, err := json.Marshal(mapping)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func toPayload(doc document.EditorDocument) documentPayload {
	return documentPayload{
		ID:          doc.ID.String(),
		Name:        doc.Name,
		Head:        doc.Head.String(),
		Content:     doc.Content,
		CreatedAtMs: doc.CreatedAtMs,
		UpdatedAtMs: doc.UpdatedAtMs,
	}
}

func toEditorDocument(payload documentPayload) (document.EditorDocument, bool) {
	id, err := document.NewDocumentID(payload.ID)
	if err != nil {
		return document.EditorDocument{}, false
	}
	doc := document.EditorDocument{
		ID:          id,
		Name:        payload.Name,
		Content:     payload.Content,
		CreatedAtMs: payload.CreatedAtMs,
		UpdatedAtMs: payload.UpdatedAtMs,
	}
	if trimmed := strings.TrimSpace(payload.Head); trimmed != "" {
		head, err := document.NewRevisionID(trimmed)
		if err != nil {
			return document.EditorDocument{}, false
		}
		doc.Head = head
	}
	return doc, true
}
