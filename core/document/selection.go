package document

import (
	"fmt"

	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/segment"
)

// Selection is what the render layer reports for a user selection: the
// handles inside it in document order, an offset into the first handle
// and an offset into the last.
type Selection struct {
	Handles []segment.Handle
	Start   uint32
	End     uint32
}

// Span is a half-open character range within one block.
type Span struct {
	Block int
	Start uint32
	End   uint32
}

// Resolved is a selection whose boundaries have been split into segment
// boundaries. Spans are in document order and never empty.
type Resolved struct {
	Spans []Span
}

// Empty reports whether the selection touches no characters.
func (r Resolved) Empty() bool { return len(r.Spans) == 0 }

// Located is one segment touched by a resolved selection.
type Located struct {
	Block   int
	Index   int
	Segment segment.Segment
	Length  uint32
}

// Point is a character position in a block.
type Point struct {
	Block  int
	Offset uint32
}

// ResolveSelection turns a render-layer selection into segment ranges,
// splitting at the selection boundaries.
//
// A single handle is split at End and then at Start. With several handles
// only the first is split at Start and only the last at End; interior
// handles are taken whole. A Start equal to the first handle's length
// drops that handle and starts the selection at offset 0 of the next.
// A degenerate single-handle selection resolves to nothing.
//
// Handles the document does not know and offsets past a handle's length
// panic.
func (d *Document) ResolveSelection(sel Selection) (Resolved, error) {
	if len(sel.Handles) == 0 {
		return Resolved{}, nil
	}

	handles := sel.Handles
	start := sel.Start
	if len(handles) > 1 {
		b, i := d.locate(handles[0])
		if start == d.blocks[b].SegmentLen(i) {
			d.logger.Debug("selection start at end of handle, dropping it",
				"handle", handles[0], "offset", start)
			handles = handles[1:]
			start = 0
		}
	}

	// Collect absolute spans before any split moves a handle.
	var spans []Span
	for n, h := range handles {
		b, i := d.locate(h)
		txt := d.blocks[b]
		segStart, segLen := txt.Segment(i).Offset, txt.SegmentLen(i)

		lo, hi := uint32(0), segLen
		if n == 0 {
			lo = start
		}
		if n == len(handles)-1 {
			hi = sel.End
		}
		if lo > segLen || hi > segLen {
			panic(fmt.Sprintf("document: offsets %d..%d outside handle %v of length %d", lo, hi, h, segLen))
		}
		if lo >= hi {
			continue
		}
		sp := Span{Block: b, Start: segStart + lo, End: segStart + hi}
		// Adjacent handles of one block join into one span.
		if k := len(spans) - 1; k >= 0 && spans[k].Block == b && spans[k].End == sp.Start {
			spans[k].End = sp.End
			continue
		}
		spans = append(spans, sp)
	}
	return d.Resolve(spans...)
}

// Resolve splits every span's boundaries and returns them as a Resolved.
// Empty spans are dropped. Spans outside a block panic.
func (d *Document) Resolve(spans ...Span) (Resolved, error) {
	var out Resolved
	for _, sp := range spans {
		txt := d.Block(sp.Block)
		if sp.End > txt.Len() {
			panic(fmt.Sprintf("document: span %d..%d outside block %d of length %d", sp.Start, sp.End, sp.Block, txt.Len()))
		}
		if sp.Start >= sp.End {
			continue
		}
		if _, _, _, err := txt.SplitRange(sp.Start, sp.End); err != nil {
			return Resolved{}, fmt.Errorf("resolve block %d: %w", sp.Block, err)
		}
		out.Spans = append(out.Spans, sp)
	}
	return out, nil
}

// SelectionBetween builds the render-layer selection covering from..to,
// the way a host would report a drag between two points.
func (d *Document) SelectionBetween(from, to Point) Selection {
	fb, fi, startLocal := d.locateStart(from)
	tb, ti, endLocal := d.locateEnd(to)

	var sel Selection
	sel.Start, sel.End = startLocal, endLocal
	for b := fb; b <= tb; b++ {
		if !d.HasBlock(b) {
			continue
		}
		txt := d.blocks[b]
		lo, hi := 0, txt.Count()-1
		if b == fb {
			lo = fi
		}
		if b == tb {
			hi = ti
		}
		for i := lo; i <= hi; i++ {
			sel.Handles = append(sel.Handles, txt.Segment(i).Handle)
		}
	}
	return sel
}

// locateStart maps a start point to the segment beginning at or
// containing it. The end of a block maps to its last segment with an
// offset equal to that segment's length.
func (d *Document) locateStart(p Point) (block, index int, local uint32) {
	txt := d.Block(p.Block)
	i := txt.Find(p.Offset)
	return p.Block, i, p.Offset - txt.Segment(i).Offset
}

// locateEnd maps an end point to the segment ending at or containing it.
func (d *Document) locateEnd(p Point) (block, index int, local uint32) {
	txt := d.Block(p.Block)
	i := txt.Find(p.Offset)
	if i > 0 && txt.Segment(i).Offset == p.Offset {
		i--
	}
	return p.Block, i, p.Offset - txt.Segment(i).Offset
}

// Segments lists the segments covered by r.
func (d *Document) Segments(r Resolved) []Located {
	var out []Located
	for _, sp := range r.Spans {
		txt := d.Block(sp.Block)
		first, last := indexRange(txt, sp)
		for i := first; i <= last; i++ {
			out = append(out, Located{Block: sp.Block, Index: i, Segment: txt.Segment(i), Length: txt.SegmentLen(i)})
		}
	}
	return out
}

// FlagIDs returns the distinct (kind, payload) pairs carried by the
// segments of r, in document order.
func (d *Document) FlagIDs(r Resolved) []flags.Entry {
	seen := make(map[flags.Entry]bool)
	var out []flags.Entry
	for _, loc := range d.Segments(r) {
		for _, e := range loc.Segment.Flags.Pairs() {
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

// indexRange maps a non-empty span to the inclusive range of segments
// overlapping it.
func indexRange(txt *segment.Text, sp Span) (first, last int) {
	return txt.Find(sp.Start), txt.Find(sp.End - 1)
}
