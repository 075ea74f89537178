package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mathedit-labs/mathedit/internal/document"
)

var (
	// ErrDocumentNotFound indicates that the remote store has no document for
	// the identifier.
	ErrDocumentNotFound = errors.New("cloud: document not found")
	// ErrFetchFailed indicates that the remote feed returned an unusable
	// response. Retry and backoff are the transport collaborator's concern,
	// not this package's.
	ErrFetchFailed = errors.New("cloud: fetch failed")
	// ErrInvalidFetcherConfig indicates an unusable fetcher configuration.
	ErrInvalidFetcherConfig = errors.New("cloud: invalid fetcher config")

	errMissingBaseURL = errors.New("base url required")
)

const defaultFetchTimeout = 15 * time.Second

// Fetcher retrieves the cloud view of a document. The revision selector is
// optional; empty selects the head chain.
type Fetcher interface {
	FetchDocument(ctx context.Context, id document.DocumentID, revisionSelector string) (*Document, error)
}

// HTTPFetcherConfig bundles configuration for the HTTP revision feed client.
type HTTPFetcherConfig struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// HTTPFetcher consumes the remote revision feed over HTTP.
type HTTPFetcher struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewHTTPFetcher constructs a fetcher with validated configuration.
func NewHTTPFetcher(cfg HTTPFetcherConfig) (*HTTPFetcher, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFetcherConfig, errMissingBaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPFetcher{
		baseURL:     baseURL,
		bearerToken: strings.TrimSpace(cfg.BearerToken),
		httpClient:  httpClient,
		logger:      logger,
	}, nil
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

type documentResponsePayload struct {
	ID          string            `json:"id"`
	Head        string            `json:"head"`
	Author      userPayload       `json:"author"`
	Coauthors   []userPayload     `json:"coauthors"`
	Revisions   []revisionPayload `json:"revisions"`
	Published   bool              `json:"published"`
	Collab      bool              `json:"collab"`
	Handle      string            `json:"handle,omitempty"`
	CreatedAtMs int64             `json:"createdAt"`
	UpdatedAtMs int64             `json:"updatedAt"`
}

// FetchDocument retrieves the cloud document, or ErrDocumentNotFound when the
// remote store has none.
func (f *HTTPFetcher) FetchDocument(ctx context.Context, id document.DocumentID, revisionSelector string) (*Document, error) {
	endpoint := fmt.Sprintf("%s/documents/%s", f.baseURL, url.PathEscape(id.String()))
	if selector := strings.TrimSpace(revisionSelector); selector != "" {
		endpoint = fmt.Sprintf("%s?revision=%s", endpoint, url.QueryEscape(selector))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if f.bearerToken != "" {
		request.Header.Set("Authorization", "Bearer "+f.bearerToken)
	}

	response, err := f.httpClient.Do(request)
	if err != nil {
		f.logger.Warn("cloud fetch failed", zap.String("document_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id.String())
	}
	if response.StatusCode != http.StatusOK {
		f.logger.Warn("cloud fetch returned unexpected status",
			zap.String("document_id", id.String()),
			zap.Int("status", response.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	var payload documentResponsePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return toDocument(payload)
}

func toDocument(payload documentResponsePayload) (*Document, error) {
	id, err := document.NewDocumentID(payload.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	author, err := document.NewUserRef(payload.Author.ID, payload.Author.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	doc := &Document{
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
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		doc.Head = head
	}

	for _, coauthor := range payload.Coauthors {
		ref, err := document.NewUserRef(coauthor.ID, coauthor.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		doc.Coauthors = append(doc.Coauthors, ref)
	}

	for _, revision := range payload.Revisions {
		revisionID, err := document.NewRevisionID(revision.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		revisionAuthor, err := document.NewUserRef(revision.Author.ID, revision.Author.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		doc.Revisions = append(doc.Revisions, document.Revision{
			ID:          revisionID,
			DocumentID:  id,
			Author:      revisionAuthor,
			CreatedAtMs: revision.CreatedAtMs,
			Content:     revision.Content,
		})
	}
	return doc, nil
}
