package document

import (
	"fmt"

	"github.com/FocuswithJustin/marginalia/core/codec"
	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/segment"
	"github.com/FocuswithJustin/marginalia/core/store"
)

// BlockRef is a fresh, unflagged render node for one block.
type BlockRef struct {
	Handle segment.Handle
	Length uint32
}

// Save snapshots the store and every flagged block. Unflagged segments
// are implicit: each run records its offset, and its length unless it
// is the last segment of the block.
func (d *Document) Save() codec.SaveState {
	state := codec.SaveState{
		Version: codec.CurrentVersion,
		Data:    d.store.Items(),
	}
	if len(state.Data) == 0 {
		state.Data = nil
	}
	for _, b := range d.FlaggedBlocks() {
		txt := d.blocks[b]
		node := codec.SavedSegmentation{BlockIndex: uint64(b)}
		for i := 0; i < txt.Count(); i++ {
			seg := txt.Segment(i)
			if seg.Flags.IsEmpty() {
				continue
			}
			run := codec.SavedFlagRun{Offset: seg.Offset, Singles: seg.Flags.Singles()}
			if i+1 < txt.Count() {
				run.HasLength = true
				run.Length = txt.SegmentLen(i)
			}
			node.Runs = append(node.Runs, run)
		}
		state.Nodes = append(state.Nodes, node)
	}
	return state
}

// Marshal encodes Save with the wire codec.
func (d *Document) Marshal() ([]byte, error) {
	return codec.Marshal(d.Save())
}

// Load builds a document from state over freshly rendered blocks. The
// state is validated in full before any block is touched, so a rejected
// state leaves the render nodes as they were.
func Load(state codec.SaveState, r segment.Renderer, blocks []BlockRef, opts Options) (*Document, error) {
	d := New(r, opts)
	if err := d.check(state, blocks); err != nil {
		return nil, err
	}

	d.store = store.FromItems(state.Data)
	for _, b := range blocks {
		d.RegisterBlock(b.Handle, b.Length)
	}
	for _, node := range state.Nodes {
		b := int(node.BlockIndex)
		txt := d.blocks[b]
		for _, run := range node.Runs {
			end := txt.Len()
			if run.HasLength {
				end = run.Offset + run.Length
			}
			first, last, _, err := txt.SplitRange(run.Offset, end)
			if err != nil {
				return nil, fmt.Errorf("load block %d: %w", b, err)
			}
			set := run.Flags()
			if err := txt.Update(first, last, func(flags.Set) flags.Set { return set }, false); err != nil {
				return nil, fmt.Errorf("load block %d: %w", b, err)
			}
		}
		if err := txt.Merge(); err != nil {
			return nil, fmt.Errorf("load block %d: %w", b, err)
		}
		d.refresh(b)
	}

	d.logger.Debug("loaded state", "blocks", len(blocks), "payloads", d.store.Len(), "flagged", len(state.Nodes))
	return d, nil
}

// Unmarshal decodes b and loads it like Load.
func Unmarshal(b []byte, r segment.Renderer, blocks []BlockRef, opts Options) (*Document, error) {
	state, err := codec.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	return Load(state, r, blocks, opts)
}

// check validates state against the registry and the supplied blocks.
func (d *Document) check(state codec.SaveState, blocks []BlockRef) error {
	if state.Version > codec.CurrentVersion {
		return merrors.NewUnsupported("state version", fmt.Sprintf("%d (newest known %d)", state.Version, codec.CurrentVersion))
	}
	for i, it := range state.Data {
		if _, ok := d.registry.Lookup(it.Kind); !ok {
			return corrupt("data.kind", "payload %d has unknown kind %#x", i, uint32(it.Kind))
		}
	}

	known := d.registry.Known()
	seen := make(map[uint64]bool, len(state.Nodes))
	for _, node := range state.Nodes {
		if node.BlockIndex >= uint64(len(blocks)) {
			return corrupt("block_index", "block %d of %d", node.BlockIndex, len(blocks))
		}
		if seen[node.BlockIndex] {
			return corrupt("block_index", "block %d appears twice", node.BlockIndex)
		}
		seen[node.BlockIndex] = true

		length := blocks[node.BlockIndex].Length
		var next uint32
		for j, run := range node.Runs {
			if j > 0 && run.Offset < next {
				return corrupt("run.offset", "block %d run %d at %d overlaps previous run ending at %d", node.BlockIndex, j, run.Offset, next)
			}
			if run.Offset >= length {
				return corrupt("run.offset", "block %d run %d at %d past length %d", node.BlockIndex, j, run.Offset, length)
			}
			if run.HasLength {
				if run.Length == 0 || uint64(run.Offset)+uint64(run.Length) > uint64(length) {
					return corrupt("run.length", "block %d run %d spans %d+%d of %d", node.BlockIndex, j, run.Offset, run.Length, length)
				}
				next = run.Offset + run.Length
			} else {
				if j != len(node.Runs)-1 {
					return corrupt("run.length", "block %d run %d is open ended but not last", node.BlockIndex, j)
				}
				next = length
			}
			set := run.Flags()
			bits := set.Bits()
			if unknown := bits &^ known; unknown != 0 {
				return corrupt("run.single", "block %d run %d has unknown kinds %#x", node.BlockIndex, j, uint32(unknown))
			}
			for _, e := range set.Entries() {
				desc := d.registry.MustLookup(e.Kind)
				if others := bits &^ e.Kind.Mask(); others&^desc.AllowedSiblings != 0 {
					return corrupt("run.single", "block %d run %d combines %s with %v", node.BlockIndex, j, desc.Class, d.kindNames(others&^desc.AllowedSiblings))
				}
				if !e.HasPayload {
					continue
				}
				if int64(e.Payload) >= int64(len(state.Data)) {
					return corrupt("run.single", "block %d run %d references payload %d of %d", node.BlockIndex, j, e.Payload, len(state.Data))
				}
				if state.Data[e.Payload].Kind != e.Kind {
					return corrupt("run.single", "block %d run %d payload %d belongs to another kind", node.BlockIndex, j, e.Payload)
				}
			}
		}
	}
	return nil
}

func corrupt(field, format string, args ...any) error {
	return merrors.NewCodec(-1, field, fmt.Sprintf(format, args...))
}
