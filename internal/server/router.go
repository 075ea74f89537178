package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mathedit-labs/mathedit/internal/auth"
	"github.com/mathedit-labs/mathedit/internal/bundle"
	"github.com/mathedit-labs/mathedit/internal/cloud"
	"github.com/mathedit-labs/mathedit/internal/document"
	"github.com/mathedit-labs/mathedit/internal/store"
	"github.com/mathedit-labs/mathedit/internal/workspace"
)

const userIDContextKey = "mathedit_user_id"

var (
	errMissingValidator     = errors.New("session validator dependency required")
	errMissingWorkspace     = errors.New("workspace dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionValidator validates bearer tokens on protected routes.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies bundles the collaborators required by the HTTP surface.
type Dependencies struct {
	Validator SessionValidator
	Workspace *workspace.Service
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin handler exposing the document workspace.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Workspace == nil {
		return nil, errMissingWorkspace
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.Validator,
		workspace: deps.Workspace,
		logger:    logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents", handler.handleListDocuments)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/export", handler.handleExportBackup)
	protected.POST("/documents/import", handler.handleImportBundle)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.POST("/documents/:id/revisions", handler.handleSaveRevision)
	protected.POST("/documents/:id/cloud", handler.handleCloudSnapshot)

	return router, nil
}

type httpHandler struct {
	validator SessionValidator
	workspace *workspace.Service
	logger    *zap.Logger
}

type userPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type revisionPayload struct {
	ID          string          `json:"id"`
	DocumentID  string          `json:"documentId"`
	Author      userPayload     `json:"author"`
	CreatedAtMs int64           `json:"createdAt"`
	Content     json.RawMessage `json:"data,omitempty"`
}

type localDocumentPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Head        string `json:"head"`
	CreatedAtMs int64  `json:"createdAt"`
	UpdatedAtMs int64  `json:"updatedAt"`
}

type cloudDocumentPayload struct {
	ID          string        `json:"id"`
	Head        string        `json:"head"`
	Author      userPayload   `json:"author"`
	Coauthors   []userPayload `json:"coauthors"`
	Published   bool          `json:"published"`
	Collab      bool          `json:"collab"`
	Handle      string        `json:"handle,omitempty"`
	CreatedAtMs int64         `json:"createdAt"`
	UpdatedAtMs int64         `json:"updatedAt"`
}

type userDocumentPayload struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	Local             *localDocumentPayload `json:"local,omitempty"`
	Cloud             *cloudDocumentPayload `json:"cloud,omitempty"`
	Revisions         []revisionPayload     `json:"revisions"`
	HasUnsavedChanges bool                  `json:"hasUnsavedChanges"`
	HeadOutOfSync     bool                  `json:"headOutOfSync"`
	Coauthors         []userPayload         `json:"coauthors"`
	Collaborators     []userPayload         `json:"collaborators"`
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	documents, err := h.workspace.Documents(c.Request.Context())
	if err != nil {
		h.respondError(c, "list documents failed", err)
		return
	}
	payload := make([]userDocumentPayload, 0, len(documents))
	for _, doc := range documents {
		payload = append(payload, toUserDocumentPayload(doc))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payload})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	id, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	doc, err := h.workspace.Document(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "get document failed", err)
		return
	}
	c.JSON(http.StatusOK, toUserDocumentPayload(doc))
}

type createDocumentPayload struct {
	Name    string          `json:"name"`
	Content json.RawMessage `json:"data"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	doc, err := h.workspace.CreateDocument(c.Request.Context(), request.Name, request.Content)
	if err != nil {
		h.respondError(c, "create document failed", err)
		return
	}
	c.JSON(http.StatusCreated, toUserDocumentPayload(doc))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	id, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	if err := h.workspace.DeleteDocument(c.Request.Context(), id); err != nil {
		h.respondError(c, "delete document failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type saveRevisionPayload struct {
	Content json.RawMessage `json:"data"`
}

func (h *httpHandler) handleSaveRevision(c *gin.Context) {
	id, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var request saveRevisionPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Content) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	revision, err := h.workspace.SaveRevision(c.Request.Context(), id, request.Content)
	if err != nil {
		h.respondError(c, "save revision failed", err)
		return
	}
	c.JSON(http.StatusCreated, toRevisionPayload(revision))
}

type importResponsePayload struct {
	Imported []string `json:"imported"`
	Skipped  []string `json:"skipped"`
}

func (h *httpHandler) handleImportBundle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	overwrite := strings.EqualFold(c.Query("overwrite"), "true")
	confirm := func(document.DocumentID) bool { return overwrite }

	result, err := h.workspace.ImportBundle(c.Request.Context(), string(body), confirm)
	if err != nil {
		h.respondError(c, "bundle import failed", err)
		return
	}

	response := importResponsePayload{
		Imported: make([]string, 0, len(result.Imported)),
		Skipped:  make([]string, 0, len(result.Skipped)),
	}
	for _, id := range result.Imported {
		response.Imported = append(response.Imported, id.String())
	}
	for _, id := range result.Skipped {
		response.Skipped = append(response.Skipped, id.String())
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleExportBackup(c *gin.Context) {
	encoded, err := h.workspace.ExportBackup(c.Request.Context())
	if err != nil {
		h.respondError(c, "backup export failed", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="backup`+bundle.Extension+`"`)
	c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(encoded))
}

type cloudSnapshotPayload struct {
	Head        string            `json:"head"`
	Author      userPayload       `json:"author"`
	Coauthors   []userPayload     `json:"coauthors"`
	Revisions   []revisionPayload `json:"revisions"`
	Published   bool              `json:"published"`
	Collab      bool              `json:"collab"`
	Handle      string            `json:"handle"`
	CreatedAtMs int64             `json:"createdAt"`
	UpdatedAtMs int64             `json:"updatedAt"`
}

// handleCloudSnapshot is the remote feed's push endpoint: it injects the
// latest cloud view of a document into the workspace.
func (h *httpHandler) handleCloudSnapshot(c *gin.Context) {
	id, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var request cloudSnapshotPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := toCloudDocument(id, request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot"})
		return
	}
	h.workspace.ApplyCloudSnapshot(c.Request.Context(), snapshot)
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) documentIDParam(c *gin.Context) (document.DocumentID, bool) {
	id, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return id, true
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, bundle.ErrInvalidBundle):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bundle"})
	case errors.Is(err, store.ErrDocumentNotFound), errors.Is(err, workspace.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
	case errors.Is(err, store.ErrStorageUnavailable):
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": "storage_unavailable"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func toUserDocumentPayload(doc workspace.UserDocument) userDocumentPayload {
	payload := userDocumentPayload{
		ID:                doc.ID.String(),
		Name:              doc.Name(),
		HasUnsavedChanges: doc.HasUnsavedChanges,
		HeadOutOfSync:     doc.HeadOutOfSync,
		Revisions:         make([]revisionPayload, 0, len(doc.Revisions)),
		Coauthors:         toUserPayloads(doc.Coauthors),
		Collaborators:     toUserPayloads(doc.Collaborators),
	}
	for _, revision := range doc.Revisions {
		payload.Revisions = append(payload.Revisions, toRevisionPayload(revision))
	}
	if doc.Local != nil {
		payload.Local = &localDocumentPayload{
			ID:          doc.Local.ID.String(),
			Name:        doc.Local.Name,
			Head:        doc.Local.Head.String(),
			CreatedAtMs: doc.Local.CreatedAtMs,
			UpdatedAtMs: doc.Local.UpdatedAtMs,
		}
	}
	if doc.Cloud != nil {
		payload.Cloud = &cloudDocumentPayload{
			ID:          doc.Cloud.ID.String(),
			Head:        doc.Cloud.Head.String(),
			Author:      userPayload{ID: doc.Cloud.Author.ID, Name: doc.Cloud.Author.Name},
			Coauthors:   toUserPayloads(doc.Cloud.Coauthors),
			Published:   doc.Cloud.Published,
			Collab:      doc.Cloud.Collab,
			Handle:      doc.Cloud.Handle,
			CreatedAtMs: doc.Cloud.CreatedAtMs,
			UpdatedAtMs: doc.Cloud.UpdatedAtMs,
		}
	}
	return payload
}

func toRevisionPayload(revision document.Revision) revisionPayload {
	return revisionPayload{
		ID:          revision.ID.String(),
		DocumentID:  revision.DocumentID.String(),
		Author:      userPayload{ID: revision.Author.ID, Name: revision.Author.Name},
		CreatedAtMs: revision.CreatedAtMs,
		Content:     revision.Content,
	}
}

func toUserPayloads(refs []document.UserRef) []userPayload {
	payloads := make([]userPayload, 0, len(refs))
	for _, ref := range refs {
		payloads = append(payloads, userPayload{ID: ref.ID, Name: ref.Name})
	}
	return payloads
}

func toCloudDocument(id document.DocumentID, payload cloudSnapshotPayload) (cloud.Document, error) {
	author, err := document.NewUserRef(payload.Author.ID, payload.Author.Name)
	if err != nil {
		return cloud.Document{}, err
	}
	snapshot := cloud.Document{
		ID:          id,
		Author:      author,
		Published:   payload.Published,
		Collab:      payload.Collab,
		Handle:      payload.Handle,
		CreatedAtMs: payload.CreatedAtMs,
		UpdatedAtMs: payload.UpdatedAtMs,
	}
	if trimmed := strings.TrimSpace(payload.Head); trimmed != "" {
		head, err := document.NewRevisionID(trimmed)
		if err != nil {
			return cloud.Document{}, err
		}
		snapshot.Head = head
	}
	for _, coauthor := range payload.Coauthors {
		ref, err := document.NewUserRef(coauthor.ID, coauthor.Name)
		if err != nil {
			return cloud.Document{}, err
		}
		snapshot.Coauthors = append(snapshot.Coauthors, ref)
	}
	for _, revision := range payload.Revisions {
		revisionID, err := document.NewRevisionID(revision.ID)
		if err != nil {
			return cloud.Document{}, err
		}
		revisionAuthor, err := document.NewUserRef(revision.Author.ID, revision.Author.Name)
		if err != nil {
			return cloud.Document{}, err
		}
		snapshot.Revisions = append(snapshot.Revisions, document.Revision{
			ID:          revisionID,
			DocumentID:  id,
			Author:      revisionAuthor,
			CreatedAtMs: revision.CreatedAtMs,
			Content:     revision.Content,
		})
	}
	return snapshot, nil
}
