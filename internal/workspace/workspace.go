// Package workspace is the service layer shared by the CLI and the HTTP
// API. It loads documents from the repository, applies components over
// addresses and persists a new revision after every change.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/marginalia/core/address"
	"github.com/FocuswithJustin/marginalia/core/cache"
	"github.com/FocuswithJustin/marginalia/core/codec"
	"github.com/FocuswithJustin/marginalia/core/component"
	"github.com/FocuswithJustin/marginalia/core/document"
	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/render/xhtml"
	"github.com/FocuswithJustin/marginalia/core/repository"
	"github.com/FocuswithJustin/marginalia/core/snapshot"
	"github.com/FocuswithJustin/marginalia/internal/logging"
)

// Options configures a Workspace.
type Options struct {
	// DBPath is the SQLite database. ":memory:" keeps everything in memory.
	DBPath string
	// SnapshotDir, when set, also keeps every revision in a
	// content-addressed snapshot store under this directory.
	SnapshotDir string
	// Snapshot controls revision compression.
	Snapshot snapshot.Options
	// Registry describes the kinds in use. Nil means flags.DefaultRegistry.
	Registry *flags.Registry
	// Logger defaults to the global logger tagged component=workspace.
	Logger *slog.Logger
	// ExportWorkers bounds ExportAll's concurrency. Zero means 4.
	ExportWorkers int
	// MaxOpen bounds how many documents stay loaded. Zero means 64.
	MaxOpen int
}

// Workspace serialises access per document; different documents can be
// used concurrently.
type Workspace struct {
	opts  Options
	repo  *repository.Repository
	snaps *snapshot.Store

	mu   sync.Mutex
	open *cache.LRU[string, *entry]

	subMu   sync.RWMutex
	subs    map[int]func(document.Event)
	nextSub int
}

type entry struct {
	mu       sync.Mutex
	doc      *document.Document
	renderer *xhtml.Renderer
	stale    bool // evicted or replaced; reload before use
}

// Open opens the repository described by opts.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	if opts.DBPath == "" {
		return nil, merrors.NewValidation("db", "database path is required")
	}
	if opts.Registry == nil {
		opts.Registry = flags.DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logging.With("component", "workspace")
	}
	if opts.ExportWorkers <= 0 {
		opts.ExportWorkers = 4
	}
	if opts.MaxOpen <= 0 {
		opts.MaxOpen = 64
	}
	if opts.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0755); err != nil {
			return nil, merrors.NewIO("mkdir", filepath.Dir(opts.DBPath), err)
		}
	}

	repo, err := repository.Open(ctx, opts.DBPath)
	if err != nil {
		return nil, err
	}
	w := &Workspace{
		opts: opts,
		repo: repo,
		open: cache.New(cache.Config[string, *entry]{
			MaxSize: opts.MaxOpen,
			OnEvict: func(_ string, e *entry) {
				e.mu.Lock()
				e.stale = true
				e.mu.Unlock()
			},
		}),
		subs: make(map[int]func(document.Event)),
	}
	if opts.SnapshotDir != "" {
		if w.snaps, err = snapshot.NewStore(opts.SnapshotDir); err != nil {
			repo.Close()
			return nil, err
		}
	}
	return w, nil
}

// Close closes the repository.
func (w *Workspace) Close() error {
	return w.repo.Close()
}

// Subscribe registers fn for the events of every open document.
func (w *Workspace) Subscribe(fn func(document.Event)) (cancel func()) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	return func() {
		w.subMu.Lock()
		defer w.subMu.Unlock()
		delete(w.subs, id)
	}
}

func (w *Workspace) publish(ev document.Event) {
	w.subMu.RLock()
	defer w.subMu.RUnlock()
	for _, fn := range w.subs {
		fn(ev)
	}
}

// Import stores a new XHTML document. The source is parsed first so that
// documents which cannot be annotated are never stored.
func (w *Workspace) Import(ctx context.Context, name string, source []byte, selector string) (*repository.Document, error) {
	x, err := xhtml.ParseBytes(source, selector)
	if err != nil {
		return nil, err
	}
	doc := &repository.Document{Name: name, Source: source, Selector: selector}
	if err := w.repo.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("document_imported", "document", doc.ID, "name", name, "blocks", len(x.Blocks()))
	return doc, nil
}

// Documents lists the stored documents.
func (w *Workspace) Documents(ctx context.Context) ([]repository.Document, error) {
	return w.repo.ListDocuments(ctx)
}

// Document returns the stored metadata and source of document id.
func (w *Workspace) Document(ctx context.Context, id string) (*repository.Document, error) {
	return w.repo.GetDocument(ctx, id)
}

// Revisions lists the saved revisions of document id.
func (w *Workspace) Revisions(ctx context.Context, id string) ([]repository.Revision, error) {
	return w.repo.ListRevisions(ctx, id)
}

// Delete removes document id and its revisions.
func (w *Workspace) Delete(ctx context.Context, id string) error {
	if err := w.repo.DeleteDocument(ctx, id); err != nil {
		return err
	}
	w.mu.Lock()
	w.open.Remove(id)
	w.mu.Unlock()
	return nil
}

// with runs fn with document id loaded and locked.
func (w *Workspace) with(ctx context.Context, id string, fn func(e *entry) error) error {
	for {
		e, err := w.entry(ctx, id)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.stale {
			e.mu.Unlock()
			continue
		}
		defer e.mu.Unlock()
		return fn(e)
	}
}

func (w *Workspace) entry(ctx context.Context, id string) (*entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.open.Get(id); ok {
		return e, nil
	}
	e, err := w.load(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	w.open.Put(id, e)
	return e, nil
}

// load parses the source of document id and restores state, or the
// latest revision when state is nil.
func (w *Workspace) load(ctx context.Context, id string, state *codec.SaveState) (*entry, error) {
	meta, err := w.repo.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	x, err := xhtml.ParseBytes(meta.Source, meta.Selector)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", id, err)
	}

	revision := ""
	if state == nil {
		rev, err := w.repo.LatestRevision(ctx, id)
		switch {
		case err == nil:
			s, err := snapshot.Decode(rev.State)
			if err != nil {
				return nil, fmt.Errorf("document %s revision %s: %w", id, rev.Hash, err)
			}
			state = &s
			revision = rev.Hash
		case !errors.Is(err, merrors.ErrNotFound):
			return nil, err
		}
	}

	blocks := x.Blocks()
	opts := document.Options{ID: id, Registry: w.opts.Registry, Logger: w.opts.Logger}
	var doc *document.Document
	if state != nil {
		refs := make([]document.BlockRef, len(blocks))
		for i, b := range blocks {
			refs[i] = document.BlockRef{Handle: b.Handle, Length: b.Length}
		}
		if doc, err = document.Load(*state, x, refs, opts); err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
	} else {
		doc = document.New(x, opts)
		for _, b := range blocks {
			doc.RegisterBlock(b.Handle, b.Length)
		}
	}
	doc.Subscribe(w.publish)
	logging.DocumentLoaded(ctx, id, len(blocks), revision)
	return &entry{doc: doc, renderer: x}, nil
}

// persist saves the document's state as a new revision.
func (w *Workspace) persist(ctx context.Context, e *entry) (*repository.Revision, error) {
	data, err := snapshot.Encode(e.doc.Save(), w.opts.Snapshot)
	if err != nil {
		return nil, err
	}
	rev, created, err := w.repo.SaveRevision(ctx, e.doc.ID(), data)
	if err != nil {
		return nil, err
	}
	if w.snaps != nil {
		if _, err := w.snaps.Put(data); err != nil {
			return nil, err
		}
	}
	logging.SnapshotWritten(ctx, e.doc.ID(), rev.Hash, len(data), created)
	return rev, nil
}

// Apply runs the named component over addr.
func (w *Workspace) Apply(ctx context.Context, id, name, addr string, payload []byte) (component.Result, error) {
	c, err := component.ByName(name)
	if err != nil {
		return component.Result{}, err
	}
	var res component.Result
	err = w.with(ctx, id, func(e *entry) error {
		r, err := w.resolve(e, c, addr)
		if err != nil {
			return err
		}
		if res, err = c.Apply(e.doc, r, payload); err != nil {
			return err
		}
		if _, ok := c.(component.List); ok {
			return nil
		}
		_, err = w.persist(ctx, e)
		return err
	})
	if err != nil {
		return component.Result{}, err
	}
	logging.AnnotationApplied(ctx, id, c.Name(), addr, "added", res.Added)
	return res, nil
}

func (w *Workspace) resolve(e *entry, c component.Component, addr string) (document.Resolved, error) {
	if _, ok := c.(component.List); ok && addr == "" {
		return document.Resolved{}, nil
	}
	a, err := address.Parse(addr)
	if err != nil {
		return document.Resolved{}, err
	}
	return a.Resolve(e.doc)
}

// Unannotate removes the named kinds over addr. With resplit the address
// boundaries stay segment boundaries.
func (w *Workspace) Unannotate(ctx context.Context, id, addr string, kinds []string, resplit bool) error {
	if len(kinds) == 0 {
		return merrors.NewValidation("kinds", "at least one kind is required")
	}
	ks := make([]flags.Kind, 0, len(kinds))
	for _, name := range kinds {
		k, ok := w.opts.Registry.ByName(name)
		if !ok {
			return merrors.NewNotFound("kind", name)
		}
		ks = append(ks, k)
	}
	a, err := address.Parse(addr)
	if err != nil {
		return err
	}
	return w.with(ctx, id, func(e *entry) error {
		r, err := a.Resolve(e.doc)
		if err != nil {
			return err
		}
		if err := e.doc.Remove(r, flags.Of(ks...), document.RemoveOptions{Resplit: resplit}); err != nil {
			return err
		}
		_, err = w.persist(ctx, e)
		return err
	})
}

// UpdatePayload replaces the bytes of payload pid.
func (w *Workspace) UpdatePayload(ctx context.Context, id string, pid flags.PayloadID, payload []byte) error {
	return w.with(ctx, id, func(e *entry) error {
		if err := e.doc.UpdatePayload(pid, payload); err != nil {
			return err
		}
		_, err := w.persist(ctx, e)
		return err
	})
}

// RemovePayload removes payload pid and its flag everywhere.
func (w *Workspace) RemovePayload(ctx context.Context, id string, pid flags.PayloadID) error {
	err := w.with(ctx, id, func(e *entry) error {
		if err := e.doc.RemovePayload(pid); err != nil {
			return err
		}
		_, err := w.persist(ctx, e)
		return err
	})
	if err == nil {
		logging.PayloadRemoved(ctx, id, uint32(pid))
	}
	return err
}

// Payload is a stored payload as reported to clients.
type Payload struct {
	ID      flags.PayloadID `json:"id"`
	Kind    string          `json:"kind"`
	Payload string          `json:"payload"`
}

// List returns the annotated runs and payloads of document id.
func (w *Workspace) List(ctx context.Context, id string) ([]document.Run, []Payload, error) {
	var (
		runs     []document.Run
		payloads []Payload
	)
	err := w.with(ctx, id, func(e *entry) error {
		runs = e.doc.Flagged()
		for i, item := range e.doc.Payloads() {
			name := item.Kind.String()
			if desc, ok := w.opts.Registry.Lookup(item.Kind); ok {
				name = desc.Class
			}
			payloads = append(payloads, Payload{ID: flags.PayloadID(i), Kind: name, Payload: string(item.Payload)})
		}
		return nil
	})
	return runs, payloads, err
}

// Render returns the annotated markup of document id.
func (w *Workspace) Render(ctx context.Context, id string) (string, error) {
	var out string
	err := w.with(ctx, id, func(e *entry) error {
		out = e.renderer.Render()
		return nil
	})
	return out, err
}

// State returns the current engine state of document id.
func (w *Workspace) State(ctx context.Context, id string) (codec.SaveState, error) {
	var s codec.SaveState
	err := w.with(ctx, id, func(e *entry) error {
		s = e.doc.Save()
		return nil
	})
	return s, err
}

// Export returns document id's current state as a snapshot envelope.
func (w *Workspace) Export(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := w.with(ctx, id, func(e *entry) error {
		var err error
		data, err = snapshot.Encode(e.doc.Save(), w.opts.Snapshot)
		return err
	})
	return data, err
}

// ExportResult reports one file written by ExportAll.
type ExportResult struct {
	Document string `json:"document"`
	Path     string `json:"path"`
	Hash     string `json:"hash"`
}

// ExportAll writes <dir>/<id>.mgsn for every stored document.
func (w *Workspace) ExportAll(ctx context.Context, dir string) ([]ExportResult, error) {
	docs, err := w.repo.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, merrors.NewIO("mkdir", dir, err)
	}

	results := make([]ExportResult, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.ExportWorkers)
	for i, doc := range docs {
		g.Go(func() error {
			data, err := w.Export(gctx, doc.ID)
			if err != nil {
				return fmt.Errorf("export %s: %w", doc.ID, err)
			}
			path := filepath.Join(dir, doc.ID+".mgsn")
			if err := os.WriteFile(path, data, 0644); err != nil {
				return merrors.NewIO("write", path, err)
			}
			results[i] = ExportResult{Document: doc.ID, Path: path, Hash: snapshot.Hash(data)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Document < results[j].Document })
	return results, nil
}

// ImportSnapshot replaces the annotations of document id with a snapshot
// envelope. The snapshot is checked against a fresh parse of the source,
// so a rejected snapshot leaves the open document untouched.
func (w *Workspace) ImportSnapshot(ctx context.Context, id string, data []byte) (*repository.Revision, error) {
	state, err := snapshot.Decode(data)
	if err != nil {
		return nil, err
	}
	var rev *repository.Revision
	err = w.with(ctx, id, func(cur *entry) error {
		e, err := w.load(ctx, id, &state)
		if err != nil {
			return err
		}
		if rev, err = w.persist(ctx, e); err != nil {
			return err
		}
		cur.doc, cur.renderer = e.doc, e.renderer
		return nil
	})
	return rev, err
}
