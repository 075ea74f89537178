// Package workspace maintains the live set of merged document views. Local
// truth lives in the store; the latest cloud snapshot per document is held
// here and merged on read through the reconciler.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mathedit-labs/mathedit/internal/bundle"
	"github.com/mathedit-labs/mathedit/internal/cloud"
	"github.com/mathedit-labs/mathedit/internal/document"
	"github.com/mathedit-labs/mathedit/internal/reconcile"
	"github.com/mathedit-labs/mathedit/internal/store"
	"github.com/mathedit-labs/mathedit/internal/users"
)

var (
	errMissingStore       = errors.New("document store is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingLocalAuthor = errors.New("local author is required")

	// ErrDocumentNotFound indicates that a document exists on neither side.
	ErrDocumentNotFound = errors.New("workspace: document not found")
)

// ServiceConfig describes the dependencies required by the workspace.
type ServiceConfig struct {
	Store       *store.Service
	IDProvider  store.IDProvider
	Fetcher     cloud.Fetcher
	Authors     *users.Registry
	LocalAuthor document.UserRef
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service is the document view projector.
type Service struct {
	store       *store.Service
	idProvider  store.IDProvider
	fetcher     cloud.Fetcher
	authors     *users.Registry
	localAuthor document.UserRef
	clock       func() time.Time
	logger      *zap.Logger
	dispatcher  *Dispatcher

	mu        sync.RWMutex
	snapshots map[document.DocumentID]*cloud.Document
}

// NewService constructs the workspace with validated configuration. Fetcher
// and Authors are optional; without a fetcher the workspace is purely local.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("workspace: %w", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("workspace: %w", errMissingIDProvider)
	}
	if cfg.LocalAuthor.ID == "" {
		return nil, fmt.Errorf("workspace: %w", errMissingLocalAuthor)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		store:       cfg.Store,
		idProvider:  cfg.IDProvider,
		fetcher:     cfg.Fetcher,
		authors:     cfg.Authors,
		localAuthor: cfg.LocalAuthor,
		clock:       clock,
		logger:      logger,
		dispatcher:  NewDispatcher(),
		snapshots:   make(map[document.DocumentID]*cloud.Document),
	}, nil
}

// Subscribe registers a listener for workspace events.
func (s *Service) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return s.dispatcher.Subscribe(ctx)
}

// Documents returns the merged view of every known document, most recently
// updated first.
func (s *Service) Documents(ctx context.Context) ([]UserDocument, error) {
	locals, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	localByID := make(map[document.DocumentID]document.LocalDocument, len(locals))
	ids := make([]document.DocumentID, 0, len(locals))
	for _, local := range locals {
		localByID[local.ID] = local
		ids = append(ids, local.ID)
	}

	s.mu.RLock()
	for id := range s.snapshots {
		if _, ok := localByID[id]; !ok {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	documents := make([]UserDocument, 0, len(ids))
	for _, id := range ids {
		var localPtr *document.LocalDocument
		if local, ok := localByID[id]; ok {
			localCopy := local
			localPtr = &localCopy
		}
		projected, err := s.project(ctx, id, localPtr)
		if err != nil {
			return nil, err
		}
		documents = append(documents, projected)
	}

	sort.SliceStable(documents, func(i, j int) bool {
		return documents[i].UpdatedAtMs() > documents[j].UpdatedAtMs()
	})
	return documents, nil
}

// Document returns the merged view of one document.
func (s *Service) Document(ctx context.Context, id document.DocumentID) (UserDocument, error) {
	local, err := s.store.Get(ctx, id)
	if err != nil && !errors.Is(err, store.ErrDocumentNotFound) {
		return UserDocument{}, err
	}
	var localPtr *document.LocalDocument
	if err == nil {
		localPtr = &local
	}
	return s.project(ctx, id, localPtr)
}

// CreateDocument creates a local document with its first revision and
// returns the merged view.
func (s *Service) CreateDocument(ctx context.Context, name string, content json.RawMessage) (UserDocument, error) {
	rawID, err := s.idProvider.NewID()
	if err != nil {
		return UserDocument{}, fmt.Errorf("workspace: generating document id: %w", err)
	}
	id, err := document.NewDocumentID(rawID)
	if err != nil {
		return UserDocument{}, err
	}

	if err := s.store.Put(ctx, document.LocalDocument{ID: id, Name: name}); err != nil {
		return UserDocument{}, err
	}
	if _, err := s.store.AppendRevision(ctx, id, s.localAuthor, content); err != nil {
		return UserDocument{}, err
	}
	s.rememberAuthor(ctx, s.localAuthor)

	projected, err := s.project(ctx, id, nil)
	if err != nil {
		return UserDocument{}, err
	}
	s.publish(EventDocumentChanged, id)
	return projected, nil
}

// SaveRevision appends a revision for the document and recomputes the merged
// view synchronously before returning: local changes have no eventual
// consistency window.
func (s *Service) SaveRevision(ctx context.Context, id document.DocumentID, content json.RawMessage) (document.Revision, error) {
	revision, err := s.store.AppendRevision(ctx, id, s.localAuthor, content)
	if err != nil {
		return document.Revision{}, err
	}
	s.rememberAuthor(ctx, s.localAuthor)
	s.publish(EventDocumentChanged, id)
	return revision, nil
}

// RenameDocument updates the document's display name.
func (s *Service) RenameDocument(ctx context.Context, id document.DocumentID, name string) error {
	local, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	local.Name = name
	if err := s.store.Put(ctx, local); err != nil {
		return err
	}
	s.publish(EventDocumentChanged, id)
	return nil
}

// DeleteDocument removes the local side of a document along with its local
// revisions. A cloud snapshot, when present, keeps the document visible as
// cloud-only.
func (s *Service) DeleteDocument(ctx context.Context, id document.DocumentID) error {
	if err := s.store.Remove(ctx, id, true); err != nil {
		return err
	}
	s.mu.RLock()
	_, cloudRemains := s.snapshots[id]
	s.mu.RUnlock()
	if cloudRemains {
		s.publish(EventDocumentChanged, id)
	} else {
		s.publish(EventDocumentRemoved, id)
	}
	return nil
}

// ApplyCloudSnapshot replaces the held cloud snapshot for the document and
// recomputes divergence. Cloud arrival is asynchronous relative to local
// editing and never blocks it: local truth is stored separately.
func (s *Service) ApplyCloudSnapshot(ctx context.Context, snapshot cloud.Document) {
	s.mu.Lock()
	snapshotCopy := snapshot
	s.snapshots[snapshot.ID] = &snapshotCopy
	s.mu.Unlock()

	s.rememberAuthor(ctx, snapshot.Author)
	for _, coauthor := range snapshot.Coauthors {
		s.rememberAuthor(ctx, coauthor)
	}
	for _, revision := range snapshot.Revisions {
		s.rememberAuthor(ctx, revision.Author)
	}

	s.publish(EventCloudRefreshed, snapshot.ID)
}

// RefreshCloud fetches the latest cloud view of the document from the remote
// revision feed and merges it. A not-found response clears the held snapshot.
func (s *Service) RefreshCloud(ctx context.Context, id document.DocumentID) error {
	if s.fetcher == nil {
		return nil
	}
	snapshot, err := s.fetcher.FetchDocument(ctx, id, "")
	if errors.Is(err, cloud.ErrDocumentNotFound) {
		s.mu.Lock()
		delete(s.snapshots, id)
		s.mu.Unlock()
		s.publish(EventCloudRefreshed, id)
		return nil
	}
	if err != nil {
		s.logger.Warn("cloud refresh failed", zap.String("document_id", id.String()), zap.Error(err))
		return err
	}
	s.ApplyCloudSnapshot(ctx, *snapshot)
	return nil
}

// ImportResult reports the per-document outcome of a bundle import.
type ImportResult struct {
	Imported []document.DocumentID
	Skipped  []document.DocumentID
}

// ImportBundle decodes bundle text and imports each valid document. An id
// collision consults confirmOverwrite: declining leaves the existing local
// document untouched. Each document commits independently, so an abandoned
// bulk import leaves the store consistent.
func (s *Service) ImportBundle(ctx context.Context, text string, confirmOverwrite func(document.DocumentID) bool) (ImportResult, error) {
	decoded, err := bundle.Decode(text)
	if err != nil {
		return ImportResult{}, err
	}

	result := ImportResult{}
	for _, doc := range decoded.Documents {
		_, getErr := s.store.Get(ctx, doc.ID)
		exists := getErr == nil
		if getErr != nil && !errors.Is(getErr, store.ErrDocumentNotFound) {
			return result, getErr
		}
		if exists && (confirmOverwrite == nil || !confirmOverwrite(doc.ID)) {
			result.Skipped = append(result.Skipped, doc.ID)
			continue
		}

		local := document.LocalDocument{
			ID:          doc.ID,
			Name:        doc.Name,
			CreatedAtMs: doc.CreatedAtMs,
		}
		if err := s.store.Put(ctx, local); err != nil {
			return result, err
		}
		if _, err := s.store.AppendRevision(ctx, doc.ID, s.localAuthor, doc.Content); err != nil {
			return result, err
		}
		result.Imported = append(result.Imported, doc.ID)
		s.publish(EventDocumentChanged, doc.ID)
	}
	s.rememberAuthor(ctx, s.localAuthor)
	return result, nil
}

// ExportBackup encodes the full store as a collection bundle. Content is
// taken from each document's head revision.
func (s *Service) ExportBackup(ctx context.Context) (string, error) {
	locals, err := s.store.GetAll(ctx)
	if err != nil {
		return "", err
	}

	docs := make([]document.EditorDocument, 0, len(locals))
	for _, local := range locals {
		exported := document.EditorDocument{
			ID:          local.ID,
			Name:        local.Name,
			Head:        local.Head,
			CreatedAtMs: local.CreatedAtMs,
			UpdatedAtMs: local.UpdatedAtMs,
		}
		if local.Head != "" {
			revision, err := s.store.GetRevision(ctx, local.Head)
			if err != nil {
				return "", err
			}
			exported.Content = revision.Content
		}
		docs = append(docs, exported)
	}
	return bundle.EncodeBackup(docs)
}

// project merges one document through the reconciler.
func (s *Service) project(ctx context.Context, id document.DocumentID, local *document.LocalDocument) (UserDocument, error) {
	if local == nil {
		stored, err := s.store.Get(ctx, id)
		if err == nil {
			stored := stored
			local = &stored
		} else if !errors.Is(err, store.ErrDocumentNotFound) {
			return UserDocument{}, err
		}
	}

	s.mu.RLock()
	snapshot := s.snapshots[id]
	s.mu.RUnlock()

	if local == nil && snapshot == nil {
		return UserDocument{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id.String())
	}

	var localRevisions []document.Revision
	if local != nil {
		revisions, err := s.store.Revisions(ctx, id)
		if err != nil {
			return UserDocument{}, err
		}
		localRevisions = revisions
	}

	reconciled, err := reconcile.Reconcile(reconcile.Input{
		Local:          local,
		LocalRevisions: localRevisions,
		LocalAuthor:    s.localAuthor,
		Cloud:          snapshot,
	})
	if err != nil {
		s.logger.Error("reconciliation failed",
			zap.String("operation", "workspace.project"),
			zap.String("document_id", id.String()),
			zap.Error(err))
		return UserDocument{}, err
	}

	return UserDocument{
		ID:                id,
		Local:             local,
		Cloud:             snapshot,
		Revisions:         reconciled.Revisions,
		HasUnsavedChanges: reconciled.HasUnsavedChanges,
		HeadOutOfSync:     reconciled.HeadOutOfSync,
		Coauthors:         reconciled.Coauthors,
		Collaborators:     reconciled.Collaborators,
	}, nil
}

func (s *Service) rememberAuthor(ctx context.Context, ref document.UserRef) {
	if s.authors == nil || ref.ID == "" {
		return
	}
	if err := s.authors.Remember(ctx, ref); err != nil {
		s.logger.Warn("author registry update failed", zap.String("user_id", ref.ID), zap.Error(err))
	}
}

func (s *Service) publish(eventType string, id document.DocumentID) {
	s.dispatcher.Publish(Event{
		Type:        eventType,
		DocumentIDs: []document.DocumentID{id},
		Timestamp:   s.clock().UTC(),
	})
}
