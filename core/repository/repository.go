// Package repository persists imported documents and their annotation
// revisions in SQLite.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/snapshot"
	"github.com/FocuswithJustin/marginalia/core/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	source     BLOB NOT NULL,
	selector   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS revisions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	hash        TEXT NOT NULL,
	state       BLOB NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS revisions_document ON revisions(document_id, id);
`

// Document is an imported XHTML source.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Source    []byte    `json:"-"`
	Selector  string    `json:"selector,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Revision is one saved snapshot of a document's annotations.
type Revision struct {
	ID         int64     `json:"id"`
	DocumentID string    `json:"document_id"`
	Hash       string    `json:"hash"`
	State      []byte    `json:"-"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository stores documents and revisions. It is safe for concurrent use.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func Open(ctx context.Context, path string) (*Repository, error) {
	var (
		db  *sql.DB
		err error
	)
	if path == ":memory:" {
		db, err = sqlite.OpenMemory()
	} else {
		db, err = sqlite.Open(path)
	}
	if err != nil {
		return nil, merrors.NewIO("open", path, err)
	}
	r, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps db and creates the schema if needed.
func New(ctx context.Context, db *sql.DB) (*Repository, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Repository{db: db, now: time.Now}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateDocument inserts doc, assigning an id when it has none.
func (r *Repository) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.Name == "" {
		return merrors.NewValidation("name", "document name is required")
	}
	if len(doc.Source) == 0 {
		return merrors.NewValidation("source", "document source is empty")
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	now := r.now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (id, name, source, selector, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Name, doc.Source, doc.Selector, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if found, _ := exists(ctx, r.db, doc.ID); found {
			return fmt.Errorf("document %s: %w", doc.ID, merrors.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func exists(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// GetDocument returns document id with its source.
func (r *Repository) GetDocument(ctx context.Context, id string) (*Document, error) {
	var (
		doc              Document
		created, updated int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, source, selector, created_at, updated_at FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.Name, &doc.Source, &doc.Selector, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.NewNotFound("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	doc.CreatedAt = time.UnixMilli(created).UTC()
	doc.UpdatedAt = time.UnixMilli(updated).UTC()
	return &doc, nil
}

// ListDocuments returns every document without its source, newest first.
func (r *Repository) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, selector, created_at, updated_at FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			doc              Document
			created, updated int64
		)
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.Selector, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.CreatedAt = time.UnixMilli(created).UTC()
		doc.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, doc)
	}
	return out, rows.Err()
}

// DeleteDocument removes document id and all its revisions.
func (r *Repository) DeleteDocument(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return merrors.NewNotFound("document", id)
	}
	return nil
}

// SaveRevision appends state as the newest revision of document id. When
// the newest revision already holds identical bytes nothing is written and
// that revision is returned with created false.
func (r *Repository) SaveRevision(ctx context.Context, id string, state []byte) (rev *Revision, created bool, err error) {
	hash := snapshot.Hash(state)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	latest, err := latestRevision(ctx, tx, id)
	switch {
	case err == nil && latest.Hash == hash:
		return latest, false, tx.Commit()
	case err != nil && !errors.Is(err, merrors.ErrNotFound):
		return nil, false, err
	}

	now := r.now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO revisions (document_id, hash, state, created_at) VALUES (?, ?, ?, ?)`,
		id, hash, state, now.UnixMilli())
	if err != nil {
		if ok, _ := exists(ctx, tx, id); !ok {
			return nil, false, merrors.NewNotFound("document", id)
		}
		return nil, false, fmt.Errorf("failed to insert revision: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE documents SET updated_at = ? WHERE id = ?`, now.UnixMilli(), id); err != nil {
		return nil, false, fmt.Errorf("failed to touch document: %w", err)
	}
	revID, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read revision id: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit revision: %w", err)
	}
	return &Revision{ID: revID, DocumentID: id, Hash: hash, State: state, Size: len(state), CreatedAt: now}, true, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestRevision(ctx context.Context, q querier, id string) (*Revision, error) {
	var (
		rev     Revision
		created int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, document_id, hash, state, created_at FROM revisions WHERE document_id = ? ORDER BY id DESC LIMIT 1`, id).
		Scan(&rev.ID, &rev.DocumentID, &rev.Hash, &rev.State, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.NewNotFound("revision", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read revision: %w", err)
	}
	rev.Size = len(rev.State)
	rev.CreatedAt = time.UnixMilli(created).UTC()
	return &rev, nil
}

// LatestRevision returns the newest revision of document id.
func (r *Repository) LatestRevision(ctx context.Context, id string) (*Revision, error) {
	return latestRevision(ctx, r.db, id)
}

// GetRevision returns the revision of document id with the given hash.
func (r *Repository) GetRevision(ctx context.Context, id, hash string) (*Revision, error) {
	var (
		rev     Revision
		created int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, document_id, hash, state, created_at FROM revisions WHERE document_id = ? AND hash = ? ORDER BY id DESC LIMIT 1`, id, hash).
		Scan(&rev.ID, &rev.DocumentID, &rev.Hash, &rev.State, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.NewNotFound("revision", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read revision: %w", err)
	}
	rev.Size = len(rev.State)
	rev.CreatedAt = time.UnixMilli(created).UTC()
	return &rev, nil
}

// ListRevisions returns the revisions of document id without their state,
// oldest first.
func (r *Repository) ListRevisions(ctx context.Context, id string) ([]Revision, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, document_id, hash, length(state), created_at FROM revisions WHERE document_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var (
			rev     Revision
			created int64
		)
		if err := rows.Scan(&rev.ID, &rev.DocumentID, &rev.Hash, &rev.Size, &created); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		rev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rev)
	}
	return out, rows.Err()
}
