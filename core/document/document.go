// Package document is the annotation engine for one rendered document. A
// Document owns the segmentation of every registered block and the payload
// store they share, resolves selections into exact segment ranges and
// applies flag changes under each kind's sibling policy.
//
// A Document is not safe for concurrent use; callers serialise access.
package document

import (
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/segment"
	"github.com/FocuswithJustin/marginalia/core/store"
)

// Options configures a Document.
type Options struct {
	// ID identifies the document in events and logs. Empty means a new
	// random UUID.
	ID string
	// Registry describes the kinds in use. Nil means flags.DefaultRegistry.
	Registry *flags.Registry
	// Logger receives debug output. Nil means slog.Default.
	Logger *slog.Logger
}

// Document is the engine context for one document.
type Document struct {
	id       string
	registry *flags.Registry
	renderer segment.Renderer
	logger   *slog.Logger

	blocks  []*segment.Text // nil once released
	store   *store.Store
	flagged *roaring.Bitmap // blocks holding at least one flag
	moves   []store.Relocation

	observers map[int]func(Event)
	nextObs   int
}

// New returns an empty document rendered by r.
func New(r segment.Renderer, opts Options) *Document {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Registry == nil {
		opts.Registry = flags.DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Document{
		id:        opts.ID,
		registry:  opts.Registry,
		renderer:  r,
		logger:    opts.Logger.With("document", opts.ID),
		store:     store.New(),
		flagged:   roaring.New(),
		observers: make(map[int]func(Event)),
	}
}

// ID returns the document id.
func (d *Document) ID() string { return d.id }

// Registry returns the kind registry.
func (d *Document) Registry() *flags.Registry { return d.registry }

// RegisterBlock adds a block of length characters rendered by h and
// returns its index. Indexes are stable for the life of the document.
func (d *Document) RegisterBlock(h segment.Handle, length uint32) int {
	d.blocks = append(d.blocks, segment.New(h, length, d.renderer, d.registry))
	return len(d.blocks) - 1
}

// BlockCount returns the number of registered blocks, released included.
func (d *Document) BlockCount() int { return len(d.blocks) }

// Block returns the segmentation of block i. Released or unknown blocks
// panic.
func (d *Document) Block(i int) *segment.Text {
	if i < 0 || i >= len(d.blocks) || d.blocks[i] == nil {
		panic(fmt.Sprintf("document: block %d is not registered", i))
	}
	return d.blocks[i]
}

// HasBlock reports whether block i is registered and live.
func (d *Document) HasBlock(i int) bool {
	return i >= 0 && i < len(d.blocks) && d.blocks[i] != nil
}

// ReleaseBlock clears the flags of block i so its render nodes are plain
// text again, then forgets the block. Payloads only it referenced are
// dropped from the store.
func (d *Document) ReleaseBlock(i int) error {
	txt := d.Block(i)
	orphans := pairsOf(txt)
	err := txt.Release()
	d.blocks[i] = nil
	d.flagged.Remove(uint32(i))
	if gcErr := d.collect(orphans); gcErr != nil && err == nil {
		err = gcErr
	}
	d.emit(Event{Type: EventBlockReleased, Blocks: []int{i}})
	return err
}

// Payload returns the stored payload id.
func (d *Document) Payload(id flags.PayloadID) (store.Item, bool) {
	return d.store.Lookup(id)
}

// Payloads returns every stored payload in id order.
func (d *Document) Payloads() []store.Item {
	return d.store.Items()
}

// locate finds the block and segment index rendered by h. Handles the
// document never handed out panic.
func (d *Document) locate(h segment.Handle) (block, index int) {
	for b, txt := range d.blocks {
		if txt == nil {
			continue
		}
		if i, ok := txt.IndexOf(h); ok {
			return b, i
		}
	}
	panic(fmt.Sprintf("document: handle %v is not registered", h))
}

// refresh keeps the flagged index in step with block b.
func (d *Document) refresh(b int) {
	if d.blocks[b] == nil || d.blocks[b].AreAllFlagsEmpty() {
		d.flagged.Remove(uint32(b))
	} else {
		d.flagged.Add(uint32(b))
	}
}

// FlaggedBlocks returns the indexes of blocks with at least one flag.
func (d *Document) FlaggedBlocks() []int {
	arr := d.flagged.ToArray()
	out := make([]int, len(arr))
	for i, v := range arr {
		out[i] = int(v)
	}
	return out
}

// Check verifies every block's coverage invariant.
func (d *Document) Check() error {
	for i, txt := range d.blocks {
		if txt == nil {
			continue
		}
		if err := txt.Check(); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}
