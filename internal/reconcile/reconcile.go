// Package reconcile computes the unified revision view of a document that may
// exist locally, in the cloud, or in both places at once. Every function here
// is pure: the caller supplies both sides explicitly and receives a result
// with no side effects on either.
package reconcile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mathedit-labs/mathedit/internal/cloud"
	"github.com/mathedit-labs/mathedit/internal/document"
)

var (
	// ErrNoSides indicates that neither a local nor a cloud side was supplied.
	// A document with no sides is a precondition violation, not valid input.
	ErrNoSides = errors.New("reconcile: document has neither local nor cloud side")
	// ErrConsistencyViolation indicates that a local head does not resolve to
	// any known revision and no placeholder could be synthesized. This is a
	// defect signal: the store's append contract guarantees a resolvable head.
	ErrConsistencyViolation = errors.New("reconcile: local head does not resolve")
)

// Input carries both sides of a document. Local and Cloud may each be nil,
// but not both. LocalRevisions are the revisions stored on-device for the
// document; LocalAuthor attributes synthesized placeholder revisions.
type Input struct {
	Local          *document.LocalDocument
	LocalRevisions []document.Revision
	LocalAuthor    document.UserRef
	Cloud          *cloud.Document
}

// Result is the reconciled view consumed by the projector.
type Result struct {
	// Revisions is the union of both sides, deduplicated by revision id,
	// newest first. A synthesized unsaved placeholder, when present, is
	// always first.
	Revisions []document.Revision
	// HasUnsavedChanges reports a local head that has not round-tripped into
	// any known revision.
	HasUnsavedChanges bool
	// HeadOutOfSync reports that local and cloud heads have each advanced
	// independently. Computed independently of HasUnsavedChanges.
	HeadOutOfSync bool
	Coauthors     []document.UserRef
	Collaborators []document.UserRef
}

// Reconcile merges the local and cloud sides of one document.
func Reconcile(input Input) (Result, error) {
	if input.Local == nil && input.Cloud == nil {
		return Result{}, ErrNoSides
	}

	merged := mergeRevisions(input.LocalRevisions, input.Cloud)
	result := Result{}

	if input.Local != nil && input.Local.Head != "" && !containsRevision(merged, input.Local.Head) {
		if input.Cloud == nil {
			// A local-only head must resolve against the local revision set;
			// anything else means the store's append atomicity was broken.
			return Result{}, fmt.Errorf("%w: %s", ErrConsistencyViolation, input.Local.Head.String())
		}
		placeholder, err := synthesizeUnsaved(*input.Local, input.LocalAuthor)
		if err != nil {
			return Result{}, err
		}
		merged = append([]document.Revision{placeholder}, merged...)
		result.HasUnsavedChanges = true
	}

	if input.Local != nil && input.Cloud != nil &&
		input.Local.Head != "" && input.Cloud.Head != "" &&
		input.Local.Head != input.Cloud.Head {
		result.HeadOutOfSync = true
	}

	result.Revisions = merged
	if input.Cloud != nil {
		result.Coauthors = append([]document.UserRef(nil), input.Cloud.Coauthors...)
		result.Collaborators = deriveCollaborators(merged, input.Cloud.Author, input.Cloud.Coauthors)
	}
	return result, nil
}

// mergeRevisions unions local revisions with the cloud revision list,
// deduplicated by id, ordered newest first with id as the deterministic
// tie-breaker.
func mergeRevisions(localRevisions []document.Revision, cloudSide *cloud.Document) []document.Revision {
	seen := make(map[document.RevisionID]struct{}, len(localRevisions))
	merged := make([]document.Revision, 0, len(localRevisions))
	for _, revision := range localRevisions {
		if _, ok := seen[revision.ID]; ok {
			continue
		}
		seen[revision.ID] = struct{}{}
		merged = append(merged, revision)
	}
	if cloudSide != nil {
		for _, revision := range cloudSide.Revisions {
			if _, ok := seen[revision.ID]; ok {
				continue
			}
			seen[revision.ID] = struct{}{}
			merged = append(merged, revision)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAtMs != merged[j].CreatedAtMs {
			return merged[i].CreatedAtMs > merged[j].CreatedAtMs
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// synthesizeUnsaved builds the placeholder entry for a head that has not yet
// produced a server-acknowledged revision.
func synthesizeUnsaved(local document.LocalDocument, author document.UserRef) (document.Revision, error) {
	if local.UpdatedAtMs == 0 {
		return document.Revision{}, fmt.Errorf("%w: no updated timestamp for head %s", ErrConsistencyViolation, local.Head.String())
	}
	return document.Revision{
		ID:          local.Head,
		DocumentID:  local.ID,
		Author:      author,
		CreatedAtMs: local.UpdatedAtMs,
	}, nil
}

func containsRevision(revisions []document.Revision, id document.RevisionID) bool {
	for _, revision := range revisions {
		if revision.ID == id {
			return true
		}
	}
	return false
}

// deriveCollaborators returns revision authors who are neither the document
// author nor a listed coauthor, deduplicated by user id in first-seen order.
func deriveCollaborators(revisions []document.Revision, author document.UserRef, coauthors []document.UserRef) []document.UserRef {
	known := make(map[string]struct{}, len(coauthors)+1)
	known[author.ID] = struct{}{}
	for _, coauthor := range coauthors {
		known[coauthor.ID] = struct{}{}
	}

	collaborators := make([]document.UserRef, 0)
	for _, revision := range revisions {
		if revision.Author.ID == "" {
			continue
		}
		if _, ok := known[revision.Author.ID]; ok {
			continue
		}
		known[revision.Author.ID] = struct{}{}
		collaborators = append(collaborators, revision.Author)
	}
	return collaborators
}
