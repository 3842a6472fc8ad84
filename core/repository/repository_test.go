package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	merrors "github.com/FocuswithJustin/marginalia/core/errors"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r
}

func TestDocumentCRUD(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	doc := &Document{Name: "chapter one", Source: []byte("<html/>"), Selector: "//p"}
	if err := r.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("no id assigned")
	}

	got, err := r.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Name != doc.Name || string(got.Source) != "<html/>" || got.Selector != "//p" || !got.CreatedAt.Equal(doc.CreatedAt) {
		t.Errorf("GetDocument = %+v", got)
	}

	second := &Document{Name: "chapter two", Source: []byte("<html/>")}
	if err := r.CreateDocument(ctx, second); err != nil {
		t.Fatal(err)
	}
	list, err := r.ListDocuments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].Source != nil {
		t.Errorf("ListDocuments = %+v", list)
	}

	if err := r.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetDocument(ctx, doc.ID); !errors.Is(err, merrors.ErrNotFound) {
		t.Errorf("GetDocument after delete: %v", err)
	}
	if err := r.DeleteDocument(ctx, doc.ID); !errors.Is(err, merrors.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestCreateDocumentValidation(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	if err := r.CreateDocument(ctx, &Document{Source: []byte("x")}); !errors.Is(err, merrors.ErrInvalidInput) {
		t.Errorf("no name: %v", err)
	}
	if err := r.CreateDocument(ctx, &Document{Name: "x"}); !errors.Is(err, merrors.ErrInvalidInput) {
		t.Errorf("no source: %v", err)
	}
	doc := &Document{ID: "fixed", Name: "x", Source: []byte("x")}
	if err := r.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := r.CreateDocument(ctx, &Document{ID: "fixed", Name: "y", Source: []byte("y")}); !errors.Is(err, merrors.ErrAlreadyExists) {
		t.Errorf("duplicate id: %v", err)
	}
}

func TestRevisions(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	doc := &Document{Name: "d", Source: []byte("<html/>")}
	if err := r.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}

	if _, err := r.LatestRevision(ctx, doc.ID); !errors.Is(err, merrors.ErrNotFound) {
		t.Errorf("LatestRevision on empty: %v", err)
	}

	first, created, err := r.SaveRevision(ctx, doc.ID, []byte("state one"))
	if err != nil || !created {
		t.Fatalf("SaveRevision = %v, %v", created, err)
	}
	same, created, err := r.SaveRevision(ctx, doc.ID, []byte("state one"))
	if err != nil || created || same.ID != first.ID {
		t.Errorf("duplicate SaveRevision = %+v, %v, %v", same, created, err)
	}
	second, created, err := r.SaveRevision(ctx, doc.ID, []byte("state two"))
	if err != nil || !created {
		t.Fatalf("SaveRevision = %v, %v", created, err)
	}

	latest, err := r.LatestRevision(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second.ID || string(latest.State) != "state two" || latest.Hash != second.Hash {
		t.Errorf("LatestRevision = %+v", latest)
	}

	byHash, err := r.GetRevision(ctx, doc.ID, first.Hash)
	if err != nil || string(byHash.State) != "state one" {
		t.Errorf("GetRevision = %+v, %v", byHash, err)
	}

	revs, err := r.ListRevisions(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 || revs[0].ID != first.ID || revs[1].Size != len("state two") {
		t.Errorf("ListRevisions = %+v", revs)
	}

	got, err := r.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("updated_at not bumped: %+v", got)
	}

	if err := r.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if revs, _ := r.ListRevisions(ctx, doc.ID); len(revs) != 0 {
		t.Errorf("revisions survived delete: %+v", revs)
	}
}

func TestSaveRevisionUnknownDocument(t *testing.T) {
	r := newRepo(t)
	_, _, err := r.SaveRevision(context.Background(), "missing", []byte("x"))
	if !errors.Is(err, merrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "marginalia.db")
	r, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	doc := &Document{Name: "d", Source: []byte("x")}
	if err := r.CreateDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	r.Close()

	r, err = Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.GetDocument(ctx, doc.ID); err != nil {
		t.Errorf("document not persisted: %v", err)
	}
}
