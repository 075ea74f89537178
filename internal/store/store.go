package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mathedit-labs/mathedit/internal/document"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrDocumentNotFound indicates that no document exists for the identifier.
	ErrDocumentNotFound = errors.New("store: document not found")
	// ErrRevisionNotFound indicates that no revision exists for the identifier.
	ErrRevisionNotFound = errors.New("store: revision not found")
	// ErrStorageUnavailable indicates that the store cannot durably persist.
	// The root cause is external (disk quota, read-only database) and is never
	// retried automatically.
	ErrStorageUnavailable = errors.New("store: storage unavailable")
)

const (
	opStoreNew        = "store.new"
	opPut             = "store.put"
	opGet             = "store.get"
	opGetAll          = "store.get_all"
	opRemove          = "store.remove"
	opAppendRevision  = "store.append_revision"
	opListRevisions   = "store.list_revisions"
	opGetRevision     = "store.get_revision"
	fieldDocumentID   = "document_id"
	fieldRevisionID   = "revision_id"
	queryDocumentID   = fieldDocumentID + " = ?"
	queryRevisionID   = fieldRevisionID + " = ?"
	orderUpdatedDesc  = "updated_at_ms DESC"
	orderRevisionDesc = "created_at_ms DESC, revision_id ASC"
)

// ServiceError carries an operation.reason failure code for store operations.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason failure code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new revisions.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required by the document store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service provides durable on-device storage of documents and revisions.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the store with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Put upserts a document keyed by its identifier. The operation is
// idempotent; UpdatedAtMs is refreshed from the clock on every call.
func (s *Service) Put(ctx context.Context, doc document.LocalDocument) error {
	nowMs := s.clock().UTC().UnixMilli()
	createdAtMs := doc.CreatedAtMs
	if createdAtMs == 0 {
		createdAtMs = nowMs
	}
	model := LocalDocument{
		DocumentID:  doc.ID.String(),
		Name:        doc.Name,
		Head:        doc.Head.String(),
		CreatedAtMs: createdAtMs,
		UpdatedAtMs: nowMs,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldDocumentID}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "head", "updated_at_ms"}),
	}).Create(&model).Error
	if err != nil {
		s.logError(opPut, "upsert_failed", err, zap.String(fieldDocumentID, doc.ID.String()))
		return newServiceError(opPut, "upsert_failed", classifyStorageError(err))
	}
	return nil
}

// Get returns the document for the identifier or ErrDocumentNotFound.
func (s *Service) Get(ctx context.Context, id document.DocumentID) (document.LocalDocument, error) {
	var model LocalDocument
	err := s.db.WithContext(ctx).Where(queryDocumentID, id.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return document.LocalDocument{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id.String())
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String(fieldDocumentID, id.String()))
		return document.LocalDocument{}, newServiceError(opGet, "query_failed", classifyStorageError(err))
	}
	return toDomainDocument(model)
}

// GetAll returns every stored document, most recently updated first.
func (s *Service) GetAll(ctx context.Context) ([]document.LocalDocument, error) {
	var models []LocalDocument
	if err := s.db.WithContext(ctx).Order(orderUpdatedDesc).Find(&models).Error; err != nil {
		s.logError(opGetAll, "query_failed", err)
		return nil, newServiceError(opGetAll, "query_failed", classifyStorageError(err))
	}
	docs := make([]document.LocalDocument, 0, len(models))
	for _, model := range models {
		doc, err := toDomainDocument(model)
		if err != nil {
			s.logError(opGetAll, "row_invalid", err, zap.String(fieldDocumentID, model.DocumentID))
			return nil, newServiceError(opGetAll, "row_invalid", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Remove deletes the document row. Revisions are dropped only when requested;
// deletion is always an explicit caller action, never implicit cleanup.
func (s *Service) Remove(ctx context.Context, id document.DocumentID, dropRevisions bool) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where(queryDocumentID, id.String()).Delete(&LocalDocument{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, id.String())
		}
		if dropRevisions {
			return tx.Where(queryDocumentID, id.String()).Delete(&Revision{}).Error
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return err
		}
		s.logError(opRemove, "delete_failed", err, zap.String(fieldDocumentID, id.String()))
		return newServiceError(opRemove, "delete_failed", classifyStorageError(err))
	}
	return nil
}

// AppendRevision creates a new immutable revision and advances the owning
// document's head to it. Both writes happen in one transaction: partial
// advancement would leave head pointing at a revision absent from the
// revision set.
func (s *Service) AppendRevision(ctx context.Context, documentID document.DocumentID, author document.UserRef, content json.RawMessage) (document.Revision, error) {
	revisionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendRevision, "id_generation_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return document.Revision{}, newServiceError(opAppendRevision, "id_generation_failed", err)
	}

	nowMs := s.clock().UTC().UnixMilli()
	model := Revision{
		RevisionID:  revisionID,
		DocumentID:  documentID.String(),
		AuthorID:    author.ID,
		AuthorName:  author.Name,
		CreatedAtMs: nowMs,
		ContentJSON: string(content),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner LocalDocument
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentID, documentID.String()).
			Take(&owner).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID.String())
		}
		if err != nil {
			return err
		}

		if err := tx.Create(&model).Error; err != nil {
			return err
		}

		owner.Head = revisionID
		owner.UpdatedAtMs = nowMs
		return tx.Save(&owner).Error
	})
	if txErr != nil {
		if errors.Is(txErr, ErrDocumentNotFound) {
			return document.Revision{}, txErr
		}
		s.logError(opAppendRevision, "transaction_failed", txErr, zap.String(fieldDocumentID, documentID.String()))
		return document.Revision{}, newServiceError(opAppendRevision, "transaction_failed", classifyStorageError(txErr))
	}

	return toDomainRevision(model)
}

// Revisions returns the stored revisions for a document, newest first.
func (s *Service) Revisions(ctx context.Context, documentID document.DocumentID) ([]document.Revision, error) {
	var models []Revision
	if err := s.db.WithContext(ctx).
		Where(queryDocumentID, documentID.String()).
		Order(orderRevisionDesc).
		Find(&models).Error; err != nil {
		s.logError(opListRevisions, "query_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opListRevisions, "query_failed", classifyStorageError(err))
	}
	revisions := make([]document.Revision, 0, len(models))
	for _, model := range models {
		revision, err := toDomainRevision(model)
		if err != nil {
			s.logError(opListRevisions, "row_invalid", err, zap.String(fieldRevisionID, model.RevisionID))
			return nil, newServiceError(opListRevisions, "row_invalid", err)
		}
		revisions = append(revisions, revision)
	}
	return revisions, nil
}

// GetRevision returns the revision for the identifier or ErrRevisionNotFound.
func (s *Service) GetRevision(ctx context.Context, revisionID document.RevisionID) (document.Revision, error) {
	var model Revision
	err := s.db.WithContext(ctx).Where(queryRevisionID, revisionID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return document.Revision{}, fmt.Errorf("%w: %s", ErrRevisionNotFound, revisionID.String())
	}
	if err != nil {
		s.logError(opGetRevision, "query_failed", err, zap.String(fieldRevisionID, revisionID.String()))
		return document.Revision{}, newServiceError(opGetRevision, "query_failed", classifyStorageError(err))
	}
	return toDomainRevision(model)
}

func toDomainDocument(model LocalDocument) (document.LocalDocument, error) {
	id, err := document.NewDocumentID(model.DocumentID)
	if err != nil {
		return document.LocalDocument{}, err
	}
	doc := document.LocalDocument{
		ID:          id,
		Name:        model.Name,
		CreatedAtMs: model.CreatedAtMs,
		UpdatedAtMs: model.UpdatedAtMs,
	}
	if model.Head != "" {
		head, err := document.NewRevisionID(model.Head)
		if err != nil {
			return document.LocalDocument{}, err
		}
		doc.Head = head
	}
	return doc, nil
}

func toDomainRevision(model Revision) (document.Revision, error) {
	revisionID, err := document.NewRevisionID(model.RevisionID)
	if err != nil {
		return document.Revision{}, err
	}
	documentID, err := document.NewDocumentID(model.DocumentID)
	if err != nil {
		return document.Revision{}, err
	}
	author, err := document.NewUserRef(model.AuthorID, model.AuthorName)
	if err != nil {
		return document.Revision{}, err
	}
	return document.Revision{
		ID:          revisionID,
		DocumentID:  documentID,
		Author:      author,
		CreatedAtMs: model.CreatedAtMs,
		Content:     json.RawMessage(model.ContentJSON),
	}, nil
}

// classifyStorageError folds driver-level persistence failures into
// ErrStorageUnavailable so callers can distinguish "free up space" conditions
// from programming errors.
func classifyStorageError(err error) error {
	if err == nil {
		return nil
	}
	message := strings.ToLower(err.Error())
	for _, marker := range []string{"disk is full", "disk full", "database is full", "readonly database", "read-only", "out of memory", "unable to open database"} {
		if strings.Contains(message, marker) {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document store error", attrs...)
}
