package segment

import (
	"errors"
	"fmt"

	"github.com/FocuswithJustin/marginalia/core/flags"
)

// Segment is one contiguous run of a block.
type Segment struct {
	Handle Handle
	Offset uint32 // start within the block
	Flags  flags.Set
}

// Text is the segmentation of one block. Segments are ordered by offset,
// the first starts at 0, and together they cover exactly Len characters.
//
// Text is not safe for concurrent use.
type Text struct {
	segs     []Segment
	length   uint32
	renderer Renderer
	registry *flags.Registry
}

// New registers a block of length characters rendered by h. The block
// starts as a single unflagged segment.
func New(h Handle, length uint32, r Renderer, reg *flags.Registry) *Text {
	if reg == nil {
		reg = flags.DefaultRegistry()
	}
	return &Text{
		segs:     []Segment{{Handle: h, Offset: 0}},
		length:   length,
		renderer: r,
		registry: reg,
	}
}

// Len returns the block length in characters.
func (t *Text) Len() uint32 { return t.length }

// Count returns the number of segments.
func (t *Text) Count() int { return len(t.segs) }

// Segment returns segment i.
func (t *Text) Segment(i int) Segment { return t.segs[i] }

// Segments returns a copy of all segments.
func (t *Text) Segments() []Segment {
	out := make([]Segment, len(t.segs))
	copy(out, t.segs)
	return out
}

// End returns the offset one past the last character of segment i.
func (t *Text) End(i int) uint32 {
	if i+1 < len(t.segs) {
		return t.segs[i+1].Offset
	}
	return t.length
}

// SegmentLen returns the length of segment i.
func (t *Text) SegmentLen(i int) uint32 {
	return t.End(i) - t.segs[i].Offset
}

// IndexOf returns the index of the segment rendered by h.
func (t *Text) IndexOf(h Handle) (int, bool) {
	for i := range t.segs {
		if t.segs[i].Handle == h {
			return i, true
		}
	}
	return -1, false
}

// Find returns the index of the segment containing offset. An offset equal
// to Len maps to the last segment. Offsets past Len panic.
func (t *Text) Find(offset uint32) int {
	if offset > t.length {
		panic(fmt.Sprintf("segment: offset %d outside block of length %d", offset, t.length))
	}
	lo, hi := 0, len(t.segs)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if t.segs[mid].Offset <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// SplitAt makes offset a segment boundary and returns the index of the
// segment starting there, or Count when offset is Len. Splitting at an
// existing boundary changes nothing. Offsets past Len panic.
func (t *Text) SplitAt(offset uint32) (int, error) {
	if offset == t.length {
		return len(t.segs), nil
	}
	i := t.Find(offset)
	seg := t.segs[i]
	if seg.Offset == offset {
		return i, nil
	}

	left, right, err := t.renderer.Split(seg.Handle, offset-seg.Offset)
	if err != nil {
		return 0, fmt.Errorf("split %v at %d: %w", seg.Handle, offset, err)
	}

	t.segs[i].Handle = left
	t.segs = append(t.segs, Segment{})
	copy(t.segs[i+2:], t.segs[i+1:])
	t.segs[i+1] = Segment{Handle: right, Offset: offset, Flags: seg.Flags}
	return i + 1, nil
}

// SplitRange splits at both ends of [start, end) and returns the inclusive
// index range covering it. ok is false for an empty range.
func (t *Text) SplitRange(start, end uint32) (first, last int, ok bool, err error) {
	if start >= end {
		return 0, 0, false, nil
	}
	// End first so the start split cannot move the end offset.
	if _, err := t.SplitAt(end); err != nil {
		return 0, 0, false, err
	}
	first, err = t.SplitAt(start)
	if err != nil {
		return 0, 0, false, err
	}
	last = len(t.segs) - 1
	if end < t.length {
		last = t.Find(end) - 1
	}
	return first, last, true, nil
}

// Add inserts delta into segments first..last and merges.
func (t *Text) Add(first, last int, delta flags.Set) error {
	return t.Update(first, last, func(s flags.Set) flags.Set { return s.Insert(delta) }, true)
}

// Remove drops the kinds of delta from segments first..last and merges.
func (t *Text) Remove(first, last int, delta flags.Set) error {
	return t.Update(first, last, func(s flags.Set) flags.Set { return s.Remove(delta) }, true)
}

// SetFlags overwrites the flags of segments first..last and merges.
func (t *Text) SetFlags(first, last int, value flags.Set) error {
	return t.Update(first, last, func(flags.Set) flags.Set { return value }, true)
}

// Update replaces the flags of segments first..last with fn(old) and
// re-presents every changed segment. When merge is set, equal neighbours
// in and around the range are joined afterwards.
//
// Presentation failures do not roll back flag changes; they are collected
// and returned once the whole range has been processed.
func (t *Text) Update(first, last int, fn func(flags.Set) flags.Set, merge bool) error {
	t.checkRange(first, last)

	var errs []error
	for i := first; i <= last; i++ {
		old := t.segs[i].Flags
		next := fn(old)
		if next.Equal(old) {
			continue
		}
		t.segs[i].Flags = next
		if err := t.present(t.segs[i].Handle, old, next); err != nil {
			errs = append(errs, err)
		}
	}
	if merge {
		if err := t.merge(first, last); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Merge joins equal neighbours across the whole block.
func (t *Text) Merge() error {
	return t.merge(0, len(t.segs)-1)
}

// merge folds equal neighbours over first-1..last+1. Walking right to left
// means a fold at i only shifts indices that have already been visited.
func (t *Text) merge(first, last int) error {
	lo := max(first-1, 0)
	hi := min(last+1, len(t.segs)-1)

	var errs []error
	for i := hi; i > lo; i-- {
		prev, cur := t.segs[i-1], t.segs[i]
		if !prev.Flags.Equal(cur.Flags) {
			continue
		}
		h, err := t.renderer.Join(prev.Handle, cur.Handle)
		if err != nil {
			errs = append(errs, fmt.Errorf("join %v and %v: %w", prev.Handle, cur.Handle, err))
			continue
		}
		t.segs[i-1].Handle = h
		t.segs = append(t.segs[:i], t.segs[i+1:]...)
	}
	return errors.Join(errs...)
}

func (t *Text) present(h Handle, old, next flags.Set) error {
	switch {
	case old.IsEmpty() && !next.IsEmpty():
		return t.renderer.Wrap(h, t.registry.ClassName(next.Bits()))
	case !old.IsEmpty() && next.IsEmpty():
		return t.renderer.Unwrap(h)
	case old.Bits() != next.Bits():
		return t.renderer.SetClass(h, t.registry.ClassName(next.Bits()))
	}
	return nil
}

// Rewrite replaces payload from with to for kind k on every segment and
// merges any neighbours that became equal. It returns the number of
// segments rewritten.
func (t *Text) Rewrite(k flags.Kind, from, to flags.PayloadID) (int, error) {
	n := 0
	for i := range t.segs {
		if s, ok := t.segs[i].Flags.Rewrite(k, from, to); ok {
			t.segs[i].Flags = s
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, t.Merge()
}

// AreAllFlagsEmpty reports whether no segment carries a flag.
func (t *Text) AreAllFlagsEmpty() bool {
	for i := range t.segs {
		if !t.segs[i].Flags.IsEmpty() {
			return false
		}
	}
	return true
}

// References reports whether any segment holds payload id for kind k.
func (t *Text) References(k flags.Kind, id flags.PayloadID) bool {
	for i := range t.segs {
		if t.segs[i].Flags.ContainsPair(k, id) {
			return true
		}
	}
	return false
}

// Release clears every flag so the renderer can take its nodes back.
func (t *Text) Release() error {
	return t.SetFlags(0, len(t.segs)-1, flags.Empty())
}

// Check verifies the coverage invariant.
func (t *Text) Check() error {
	if len(t.segs) == 0 {
		return errors.New("no segments")
	}
	if t.segs[0].Offset != 0 {
		return fmt.Errorf("first segment starts at %d", t.segs[0].Offset)
	}
	for i := 1; i < len(t.segs); i++ {
		if t.segs[i].Offset <= t.segs[i-1].Offset {
			return fmt.Errorf("segment %d offset %d not after %d", i, t.segs[i].Offset, t.segs[i-1].Offset)
		}
	}
	if last := t.segs[len(t.segs)-1].Offset; last > t.length || (last == t.length && t.length > 0) {
		return fmt.Errorf("last segment offset %d past block length %d", last, t.length)
	}
	return nil
}

func (t *Text) checkRange(first, last int) {
	if first < 0 || last >= len(t.segs) || first > last {
		panic(fmt.Sprintf("segment: range [%d,%d] outside %d segments", first, last, len(t.segs)))
	}
}
