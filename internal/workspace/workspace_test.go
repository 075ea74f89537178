package workspace

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/mathedit-labs/mathedit/internal/bundle"
	"github.com/mathedit-labs/mathedit/internal/cloud"
	"github.com/mathedit-labs/mathedit/internal/document"
	"github.com/mathedit-labs/mathedit/internal/store"
)

const (
	workspaceDocID = "8f14e45f-ceea-467f-a1d6-91b50e4103d5"
	secondDocID    = "b2c3d4e5-f607-4890-a123-456789abcdef"
)

var testAuthor = document.UserRef{ID: "user-local", Name: "Local User"}

type sequenceIDGenerator struct {
	ids   []string
	index int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type fakeFetcher struct {
	document *cloud.Document
	err      error
	calls    int
}

func (f *fakeFetcher) FetchDocument(ctx context.Context, id document.DocumentID, revisionSelector string) (*cloud.Document, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	snapshot := *f.document
	return &snapshot, nil
}

type workspaceFixture struct {
	service *Service
	store   *store.Service
	clock   *tickingClock
}

type tickingClock struct {
	current time.Time
}

func (c *tickingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func newFixture(t *testing.T, fetcher cloud.Fetcher, documentIDs []string, revisionIDs []string) *workspaceFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.LocalDocument{}, &store.Revision{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &tickingClock{current: time.UnixMilli(1700000000000).UTC()}
	documentStore, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDGenerator{ids: revisionIDs},
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Store:       documentStore,
		IDProvider:  &sequenceIDGenerator{ids: documentIDs},
		Fetcher:     fetcher,
		LocalAuthor: testAuthor,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected workspace error: %v", err)
	}
	return &workspaceFixture{service: service, store: documentStore, clock: clock}
}

func mustWorkspaceDocID(t *testing.T, value string) document.DocumentID {
	t.Helper()
	id, err := document.NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func TestCreateDocumentProjectsMergedView(t *testing.T) {
	fixture := newFixture(t, nil, []string{workspaceDocID}, []string{"rev-1"})
	ctx := context.Background()

	created, err := fixture.service.CreateDocument(ctx, "Quadratics", []byte(`{"root":{}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Name() != "Quadratics" {
		t.Fatalf("unexpected name %q", created.Name())
	}
	if created.Local == nil || created.Local.Head.String() != "rev-1" {
		t.Fatalf("expected local head rev-1, got %#v", created.Local)
	}
	if created.HasUnsavedChanges || created.HeadOutOfSync {
		t.Fatalf("fresh document must not diverge: %#v", created)
	}
	if len(created.Revisions) != 1 {
		t.Fatalf("expected the initial revision, got %d", len(created.Revisions))
	}
}

func TestDocumentsSortsByMostRecentUpdate(t *testing.T) {
	fixture := newFixture(t, nil, []string{workspaceDocID, secondDocID}, []string{"rev-1", "rev-2", "rev-3"})
	ctx := context.Background()

	first, err := fixture.service.CreateDocument(ctx, "Older", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := fixture.service.CreateDocument(ctx, "Newer", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	listed, err := fixture.service.Documents(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(listed))
	}
	if listed[0].ID != second.ID || listed[1].ID != first.ID {
		t.Fatalf("expected most recently updated first, got %s then %s", listed[0].ID, listed[1].ID)
	}

	// Touching the older document must move it to the front.
	if _, err := fixture.service.SaveRevision(ctx, first.ID, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	listed, err = fixture.service.Documents(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if listed[0].ID != first.ID {
		t.Fatalf("expected refreshed document first, got %s", listed[0].ID)
	}
}

func TestSaveRevisionPublishesSynchronously(t *testing.T) {
	fixture := newFixture(t, nil, []string{workspaceDocID}, []string{"rev-1", "rev-2"})
	ctx := context.Background()

	created, err := fixture.service.CreateDocument(ctx, "Notes", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, cancel := fixture.service.Subscribe(ctx)
	defer cancel()

	if _, err := fixture.service.SaveRevision(ctx, created.ID, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case event := <-events:
		if event.Type != EventDocumentChanged {
			t.Fatalf("unexpected event type %q", event.Type)
		}
		if len(event.DocumentIDs) != 1 || event.DocumentIDs[0] != created.ID {
			t.Fatalf("unexpected event payload %#v", event)
		}
	default:
		t.Fatalf("expected a published event before SaveRevision returned")
	}

	merged, err := fixture.service.Document(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.Local.Head.String() != "rev-2" {
		t.Fatalf("expected head rev-2 after save, got %s", merged.Local.Head)
	}
}

func TestApplyCloudSnapshotReportsDivergence(t *testing.T) {
	fixture := newFixture(t, nil, []string{workspaceDocID}, []string{"rev-1"})
	ctx := context.Background()

	created, err := fixture.service.CreateDocument(ctx, "Shared", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cloudAuthor := document.UserRef{ID: "user-cloud", Name: "Cloud Author"}
	fixture.service.ApplyCloudSnapshot(ctx, cloud.Document{
		ID:     created.ID,
		Head:   "cloud-rev",
		Author: cloudAuthor,
		Revisions: []document.Revision{
			{
				ID:          "cloud-rev",
				DocumentID:  created.ID,
				Author:      cloudAuthor,
				CreatedAtMs: 1700009900000,
			},
		},
		UpdatedAtMs: 1700009900000,
	})

	merged, err := fixture.service.Document(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !merged.HeadOutOfSync {
		t.Fatalf("expected out-of-sync heads after divergent snapshot")
	}
	if merged.HasUnsavedChanges {
		t.Fatalf("resolved local head must not report unsaved changes")
	}
	if len(merged.Revisions) != 2 {
		t.Fatalf("expected merged revisions from both sides, got %d", len(merged.Revisions))
	}
}

func TestRefreshCloudNotFoundClearsSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{err: cloud.ErrDocumentNotFound}
	fixture := newFixture(t, fetcher, []string{workspaceDocID}, []string{"rev-1"})
	ctx := context.Background()

	created, err := fixture.service.CreateDocument(ctx, "Ephemeral", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fixture.service.ApplyCloudSnapshot(ctx, cloud.Document{ID: created.ID, Head: "cloud-rev", UpdatedAtMs: 1700009900000})

	if err := fixture.service.RefreshCloud(ctx, created.ID); err != nil {
		t.Fatalf("not-found refresh must not fail: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected one fetch, got %d", fetcher.calls)
	}

	merged, err := fixture.service.Document(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.Cloud != nil {
		t.Fatalf("snapshot must be cleared after not-found refresh")
	}
}

func TestDeleteDocumentKeepsCloudOnlyView(t *testing.T) {
	fixture := newFixture(t, nil, []string{workspaceDocID}, []string{"rev-1"})
	ctx := context.Background()

	created, err := fixture.service.CreateDocument(ctx, "Shared", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cloudAuthor := document.UserRef{ID: "user-cloud", Name: "Cloud Author"}
	fixture.service.ApplyCloudSnapshot(ctx, cloud.Document{
		ID:     created.ID,
		Head:   "cloud-rev",
		Author: cloudAuthor,
		Handle: "shared-handle",
		Revisions: []document.Revision{
			{ID: "cloud-rev", DocumentID: created.ID, Author: cloudAuthor, CreatedAtMs: 1700009900000},
		},
		UpdatedAtMs: 1700009900000,
	})

	if err := fixture.service.DeleteDocument(ctx, created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	merged, err := fixture.service.Document(ctx, created.ID)
	if err != nil {
		t.Fatalf("cloud snapshot must keep the document visible: %v", err)
	}
	if merged.Local != nil {
		t.Fatalf("local side must be gone after delete")
	}
	if merged.Name() != "shared-handle" {
		t.Fatalf("cloud-only document must fall back to the handle, got %q", merged.Name())
	}
}

func TestDeleteDocumentWithoutSnapshotRemovesView(t *testing.T) {
	fixture := newFixture(t, nil, []string{workspaceDocID}, []string{"rev-1"})
	ctx := context.Background()

	created, err := fixture.service.CreateDocument(ctx, "Local Only", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fixture.service.DeleteDocument(ctx, created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := fixture.service.Document(ctx, created.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestImportBundleRejectsInvalidTextWithoutWrites(t *testing.T) {
	fixture := newFixture(t, nil, nil, nil)
	ctx := context.Background()

	if _, err := fixture.service.ImportBundle(ctx, "not a bundle", nil); !errors.Is(err, bundle.ErrInvalidBundle) {
		t.Fatalf("expected ErrInvalidBundle, got %v", err)
	}

	docs, err := fixture.service.Documents(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("failed import must leave the store empty, got %d documents", len(docs))
	}
}

func TestImportBundleSkipsDeclinedDuplicates(t *testing.T) {
	fixture := newFixture(t, nil, []string{workspaceDocID}, []string{"rev-1", "rev-2"})
	ctx := context.Background()

	created, err := fixture.service.CreateDocument(ctx, "Original", []byte(`{"v":"original"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text, err := bundle.EncodeDocument(document.EditorDocument{
		ID:      created.ID,
		Name:    "Imported",
		Content: []byte(`{"v":"imported"}`),
	})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	result, err := fixture.service.ImportBundle(ctx, text, func(document.DocumentID) bool { return false })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Imported) != 0 || len(result.Skipped) != 1 || result.Skipped[0] != created.ID {
		t.Fatalf("expected the duplicate to be skipped, got %#v", result)
	}

	merged, err := fixture.service.Document(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.Name() != "Original" {
		t.Fatalf("declined import must leave the document untouched, got %q", merged.Name())
	}
	if merged.Local.Head.String() != "rev-1" {
		t.Fatalf("declined import must not append revisions, head %s", merged.Local.Head)
	}
}

func TestImportBundleOverwritesWhenConfirmed(t *testing.T) {
	fixture := newFixture(t, nil, []string{workspaceDocID}, []string{"rev-1", "rev-2"})
	ctx := context.Background()

	created, err := fixture.service.CreateDocument(ctx, "Original", []byte(`{"v":"original"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text, err := bundle.EncodeDocument(document.EditorDocument{
		ID:      created.ID,
		Name:    "Imported",
		Content: []byte(`{"v":"imported"}`),
	})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	result, err := fixture.service.ImportBundle(ctx, text, func(document.DocumentID) bool { return true })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Imported) != 1 || result.Imported[0] != created.ID {
		t.Fatalf("expected the duplicate to be imported, got %#v", result)
	}

	merged, err := fixture.service.Document(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.Name() != "Imported" {
		t.Fatalf("confirmed import must replace the name, got %q", merged.Name())
	}
	if merged.Local.Head.String() != "rev-2" {
		t.Fatalf("confirmed import must append a revision, head %s", merged.Local.Head)
	}
}

func TestExportBackupRoundTrips(t *testing.T) {
	fixture := newFixture(t, nil, []string{workspaceDocID, secondDocID}, []string{"rev-1", "rev-2", "rev-3", "rev-4"})
	ctx := context.Background()

	if _, err := fixture.service.CreateDocument(ctx, "First", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := fixture.service.CreateDocument(ctx, "Second", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	encoded, err := fixture.service.ExportBackup(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := bundle.Decode(encoded)
	if err != nil {
		t.Fatalf("backup must decode: %v", err)
	}
	if decoded.Kind != bundle.KindCollection {
		t.Fatalf("expected collection bundle, got %q", decoded.Kind)
	}
	if len(decoded.Documents) != 2 {
		t.Fatalf("expected 2 documents in backup, got %d", len(decoded.Documents))
	}
	names := map[string]bool{}
	for _, doc := range decoded.Documents {
		names[doc.Name] = true
		if len(doc.Content) == 0 {
			t.Fatalf("backup entry %s must carry head content", doc.ID)
		}
	}
	if !names["First"] || !names["Second"] {
		t.Fatalf("unexpected backup names %#v", names)
	}
}
