package document

import (
	"errors"
	"fmt"
	"sort"

	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/segment"
)

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// Resplit keeps the selection boundaries as segment boundaries instead
	// of merging the range with equal neighbours.
	Resplit bool
}

// Insert adds delta to every segment of r under the sibling policy of
// each kind in delta:
//
//   - a kind whose allowed siblings exclude kinds already present is
//     refused when it is exclusive and may not overwrite;
//   - a kind that may overwrite strips every conflicting kind first;
//   - any other kind strips only the kinds outside its allowed siblings.
//
// A kind already present whose own policy refuses the new kind refuses
// the insert unless the new kind may overwrite. Refusals return a
// *errors.PolicyError and leave the segments exactly as they were: the
// policy is evaluated over the segments overlapping r before any split.
func (d *Document) Insert(r Resolved, delta flags.Set) error {
	if r.Empty() || delta.IsEmpty() {
		return nil
	}
	if err := d.validate(delta); err != nil {
		return err
	}
	strip, err := d.policy(r, delta)
	if err != nil {
		return err
	}
	if err := d.split(r); err != nil {
		return err
	}

	touched, err := d.apply(r, func(s flags.Set) flags.Set {
		return s.RemoveBits(strip).Insert(delta)
	}, true)
	if err != nil {
		return err
	}

	d.logger.Debug("inserted flags", "kinds", d.kindNames(delta.Bits()), "stripped", d.kindNames(strip), "blocks", touched)
	d.emit(Event{Type: EventFlagsAdded, Blocks: touched, Kinds: d.kindNames(delta.Bits())})
	return nil
}

// Remove drops the kinds of delta from every segment of r. Payloads no
// segment references afterwards are removed from the store.
func (d *Document) Remove(r Resolved, delta flags.Set, opts RemoveOptions) error {
	if r.Empty() || delta.IsEmpty() {
		return nil
	}
	if err := d.split(r); err != nil {
		return err
	}
	touched, err := d.apply(r, func(s flags.Set) flags.Set {
		return s.Remove(delta)
	}, !opts.Resplit)
	if err != nil {
		return err
	}

	d.logger.Debug("removed flags", "kinds", d.kindNames(delta.Bits()), "blocks", touched, "resplit", opts.Resplit)
	d.emit(Event{Type: EventFlagsRemoved, Blocks: touched, Kinds: d.kindNames(delta.Bits())})
	return nil
}

// Set overwrites the flags of every segment of r with value.
func (d *Document) Set(r Resolved, value flags.Set) error {
	if r.Empty() {
		return nil
	}
	if err := d.validate(value); err != nil {
		return err
	}
	if err := d.split(r); err != nil {
		return err
	}
	touched, err := d.apply(r, func(flags.Set) flags.Set { return value }, true)
	if err != nil {
		return err
	}

	d.emit(Event{Type: EventFlagsSet, Blocks: touched, Kinds: d.kindNames(value.Bits())})
	return nil
}

// Toggle removes delta when every segment of r already carries all of its
// kinds and inserts it otherwise. It reports whether delta was inserted.
func (d *Document) Toggle(r Resolved, delta flags.Set) (added bool, err error) {
	if r.Empty() || delta.IsEmpty() {
		return false, nil
	}
	all := true
	for _, loc := range d.Segments(r) {
		if !loc.Segment.Flags.ContainsBits(delta.Bits()) {
			all = false
			break
		}
	}
	if all {
		return false, d.Remove(r, delta, RemoveOptions{})
	}
	return true, d.Insert(r, delta)
}

// Annotate stores payload for kind and inserts the kind with the new id
// over r. When the insert is refused the payload is removed again.
func (d *Document) Annotate(r Resolved, kind flags.Kind, payload []byte) (flags.PayloadID, error) {
	desc, ok := d.registry.Lookup(kind)
	if !ok {
		return 0, merrors.NewUnsupported("annotation kind", kind.String())
	}
	if !desc.HasPayload {
		return 0, merrors.NewValidation("payload", fmt.Sprintf("%s does not carry data", desc.Class))
	}
	if err := checkPayloadSize(desc, payload); err != nil {
		return 0, err
	}
	if r.Empty() {
		return 0, merrors.NewValidation("selection", "empty selection")
	}

	id := d.store.Put(kind, payload)
	d.moves = d.moves[:0]
	err := d.Insert(r, flags.WithPayload(kind, id))
	// Collecting orphans during the insert may have moved the new payload.
	for _, mv := range d.moves {
		if mv.Kind == kind && mv.From == id {
			id = mv.To
		}
	}
	if err != nil {
		if !d.referenced(kind, id) {
			_ = d.dropPayload(id)
		}
		return 0, err
	}
	return id, nil
}

// UpdatePayload replaces the payload stored at id.
func (d *Document) UpdatePayload(id flags.PayloadID, payload []byte) error {
	item, ok := d.store.Lookup(id)
	if !ok {
		return merrors.NewNotFound("payload", fmt.Sprint(id))
	}
	if desc, ok := d.registry.Lookup(item.Kind); ok {
		if err := checkPayloadSize(desc, payload); err != nil {
			return err
		}
	}
	d.store.Update(id, payload)
	d.emit(Event{Type: EventPayloadUpdated, Kinds: d.kindNames(item.Kind.Mask()), Payload: payloadRef(id)})
	return nil
}

// RemovePayload strips the payload's kind from every segment referencing
// id, removes it from the store and rewrites references to the payload
// that moved into its slot. The whole sequence completes before it
// returns.
func (d *Document) RemovePayload(id flags.PayloadID) error {
	item, ok := d.store.Lookup(id)
	if !ok {
		return merrors.NewNotFound("payload", fmt.Sprint(id))
	}
	d.moves = d.moves[:0]

	var errs []error
	var touched []int
	for b, txt := range d.blocks {
		if txt == nil || !txt.References(item.Kind, id) {
			continue
		}
		err := txt.Update(0, txt.Count()-1, func(s flags.Set) flags.Set {
			if s.ContainsPair(item.Kind, id) {
				return s.RemoveBits(item.Kind.Mask())
			}
			return s
		}, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("block %d: %w", b, err))
		}
		d.refresh(b)
		touched = append(touched, b)
	}
	if err := d.dropPayload(id); err != nil {
		errs = append(errs, err)
	}

	d.logger.Debug("removed payload", "payload", id, "kind", item.Kind, "blocks", touched)
	d.emit(Event{Type: EventPayloadRemoved, Blocks: touched, Kinds: d.kindNames(item.Kind.Mask()), Payload: payloadRef(id)})
	return errors.Join(errs...)
}

// dropPayload swap-removes id and rewrites every reference to the
// payload that took its place.
func (d *Document) dropPayload(id flags.PayloadID) error {
	moved, ok := d.store.Remove(id)
	if !ok {
		return nil
	}
	d.moves = append(d.moves, moved)
	var errs []error
	for b, txt := range d.blocks {
		if txt == nil {
			continue
		}
		if _, err := txt.Rewrite(moved.Kind, moved.From, moved.To); err != nil {
			errs = append(errs, fmt.Errorf("block %d: %w", b, err))
		}
	}
	return errors.Join(errs...)
}

// split makes every span boundary a segment boundary.
func (d *Document) split(r Resolved) error {
	for _, sp := range r.Spans {
		if _, _, _, err := d.Block(sp.Block).SplitRange(sp.Start, sp.End); err != nil {
			return fmt.Errorf("block %d: %w", sp.Block, err)
		}
	}
	return nil
}

// Normalize folds equal neighbouring segments in every block r touches.
// Resolving a selection splits segments; callers that resolve without
// mutating use this to undo the split.
func (d *Document) Normalize(r Resolved) error {
	var errs []error
	for _, sp := range r.Spans {
		if err := d.Block(sp.Block).Merge(); err != nil {
			errs = append(errs, fmt.Errorf("block %d: %w", sp.Block, err))
		}
	}
	return errors.Join(errs...)
}

// apply runs fn over every segment of r, then removes payloads that fn
// dropped and nothing references any more. It returns the touched blocks.
func (d *Document) apply(r Resolved, fn func(flags.Set) flags.Set, merge bool) ([]int, error) {
	d.moves = d.moves[:0]
	var dropped []flags.Entry
	wrapped := func(old flags.Set) flags.Set {
		next := fn(old)
		for _, e := range old.Pairs() {
			if !next.ContainsPair(e.Kind, e.Payload) {
				dropped = append(dropped, e)
			}
		}
		return next
	}

	var errs []error
	var touched []int
	for _, sp := range r.Spans {
		txt := d.Block(sp.Block)
		first, last, ok, err := txt.SplitRange(sp.Start, sp.End)
		if err != nil {
			errs = append(errs, fmt.Errorf("block %d: %w", sp.Block, err))
			continue
		}
		if !ok {
			continue
		}
		if err := txt.Update(first, last, wrapped, merge); err != nil {
			errs = append(errs, fmt.Errorf("block %d: %w", sp.Block, err))
		}
		d.refresh(sp.Block)
		if len(touched) == 0 || touched[len(touched)-1] != sp.Block {
			touched = append(touched, sp.Block)
		}
	}
	if err := d.collect(dropped); err != nil {
		errs = append(errs, err)
	}
	return touched, errors.Join(errs...)
}

// collect removes candidate payloads that no segment references. Removal
// runs from the highest id down so a swap never moves a pending candidate.
func (d *Document) collect(candidates []flags.Entry) error {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Payload > candidates[j].Payload })

	var errs []error
	seen := make(map[flags.Entry]bool, len(candidates))
	for _, e := range candidates {
		if seen[e] {
			continue
		}
		seen[e] = true
		if !d.store.Has(e.Payload) || d.store.Get(e.Payload).Kind != e.Kind || d.referenced(e.Kind, e.Payload) {
			continue
		}
		d.logger.Debug("dropping orphaned payload", "payload", e.Payload, "kind", e.Kind)
		if err := d.dropPayload(e.Payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Document) referenced(k flags.Kind, id flags.PayloadID) bool {
	for _, txt := range d.blocks {
		if txt != nil && txt.References(k, id) {
			return true
		}
	}
	return false
}

// validate checks that every kind in s is registered, that kinds in s
// accept each other and that every payload exists and belongs to its kind.
func (d *Document) validate(s flags.Set) error {
	bits := s.Bits()
	for _, e := range s.Entries() {
		desc, ok := d.registry.Lookup(e.Kind)
		if !ok {
			return merrors.NewUnsupported("annotation kind", e.Kind.String())
		}
		if others := bits &^ e.Kind.Mask(); others&^desc.AllowedSiblings != 0 {
			return merrors.NewValidation("flags", fmt.Sprintf("%s cannot be combined with %v",
				desc.Class, d.kindNames(others&^desc.AllowedSiblings)))
		}
		if !e.HasPayload {
			continue
		}
		if !desc.HasPayload {
			return merrors.NewValidation("payload", fmt.Sprintf("%s does not carry data", desc.Class))
		}
		item, ok := d.store.Lookup(e.Payload)
		if !ok {
			return merrors.NewNotFound("payload", fmt.Sprint(e.Payload))
		}
		if item.Kind != e.Kind {
			return merrors.NewValidation("payload", fmt.Sprintf("payload %d belongs to %v, not %v", e.Payload, item.Kind, e.Kind))
		}
	}
	return nil
}

// policy evaluates the sibling policy of every kind in delta against the
// segments of r. It returns the kinds to strip before inserting.
func (d *Document) policy(r Resolved, delta flags.Set) (flags.Mask, error) {
	incoming := delta.Bits()
	var strip flags.Mask

	for _, k := range incoming.Kinds() {
		desc := d.registry.MustLookup(k)

		var outside, refusing flags.Mask
		for _, loc := range d.Segments(r) {
			present := loc.Segment.Flags.Bits() &^ incoming
			outside |= present &^ desc.AllowedSiblings
			for _, e := range present.Kinds() {
				if other, ok := d.registry.Lookup(e); ok && !other.AllowedSiblings.Has(k) {
					refusing |= e.Mask()
				}
			}
		}

		conflict := outside | refusing
		switch {
		case conflict == 0:
		case desc.OverwriteInvalid:
			strip |= conflict
		case desc.Exclusive():
			return 0, merrors.NewPolicy(desc.Class, d.kindNames(conflict), desc.Class+" must be the only annotation on its text")
		case refusing != 0:
			return 0, merrors.NewPolicy(desc.Class, d.kindNames(refusing), "existing annotation does not allow "+desc.Class)
		default:
			strip |= outside
		}
	}
	return strip, nil
}

func checkPayloadSize(desc flags.Descriptor, payload []byte) error {
	if desc.MaxPayload > 0 && len(payload) > desc.MaxPayload {
		return merrors.NewValidation("payload", fmt.Sprintf("%s data is %d bytes, limit %d", desc.Class, len(payload), desc.MaxPayload))
	}
	return nil
}

func pairsOf(txt *segment.Text) []flags.Entry {
	var out []flags.Entry
	for _, s := range txt.Segments() {
		out = append(out, s.Flags.Pairs()...)
	}
	return out
}
