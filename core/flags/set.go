package flags

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// PayloadID indexes the annotation store.
type PayloadID uint32

// NoPayload marks a kind present without auxiliary data when a Set is
// flattened to singles.
const NoPayload PayloadID = math.MaxUint32

// Entry is one kind held by a Set, with its optional payload.
type Entry struct {
	Kind       Kind
	Payload    PayloadID
	HasPayload bool
}

// Single packs e as (kind << 32) | payload.
func (e Entry) Single() uint64 {
	p := NoPayload
	if e.HasPayload {
		p = e.Payload
	}
	return uint64(e.Kind)<<32 | uint64(p)
}

// EntryFromSingle unpacks a value produced by Entry.Single.
func EntryFromSingle(v uint64) Entry {
	e := Entry{Kind: Kind(v >> 32), Payload: PayloadID(uint32(v))}
	if e.Payload == NoPayload {
		e.Payload = 0
	} else {
		e.HasPayload = true
	}
	return e
}

// Set maps kinds to optional payload ids. The bit mask is derived from the
// keys, so a payload can never exist without its kind.
//
// Set is an immutable value: every mutator returns a new Set and never
// changes the receiver, so Sets may be shared between segments freely.
type Set struct {
	entries []Entry // sorted by Kind, unique
}

// Empty returns the empty set.
func Empty() Set { return Set{} }

// Of returns a set holding the given kinds without payloads.
func Of(kinds ...Kind) Set {
	var s Set
	for _, k := range kinds {
		s = s.with(Entry{Kind: k})
	}
	return s
}

// WithPayload returns a single-kind set carrying id.
func WithPayload(k Kind, id PayloadID) Set {
	return Set{entries: []Entry{{Kind: k, Payload: id, HasPayload: true}}}
}

// FromEntries builds a set. Later entries for the same kind win.
func FromEntries(entries ...Entry) Set {
	var s Set
	for _, e := range entries {
		s = s.with(e)
	}
	return s
}

// FromSingles builds a set from packed (kind, payload) values.
func FromSingles(singles []uint64) Set {
	var s Set
	for _, v := range singles {
		s = s.with(EntryFromSingle(v))
	}
	return s
}

// Bits returns the mask of kinds present.
func (s Set) Bits() Mask {
	var m Mask
	for _, e := range s.entries {
		m |= e.Kind.Mask()
	}
	return m
}

// IsEmpty reports whether no kind is present.
func (s Set) IsEmpty() bool { return len(s.entries) == 0 }

// Len returns the number of kinds present.
func (s Set) Len() int { return len(s.entries) }

// Entries returns a copy of the entries in ascending kind order.
func (s Set) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Pairs returns the (kind, payload) entries that carry a payload.
func (s Set) Pairs() []Entry {
	var out []Entry
	for _, e := range s.entries {
		if e.HasPayload {
			out = append(out, e)
		}
	}
	return out
}

// Singles flattens the set for the wire.
func (s Set) Singles() []uint64 {
	out := make([]uint64, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Single()
	}
	return out
}

// Payload returns the payload id stored for k.
func (s Set) Payload(k Kind) (PayloadID, bool) {
	if i, ok := s.find(k); ok && s.entries[i].HasPayload {
		return s.entries[i].Payload, true
	}
	return 0, false
}

// Has reports whether k is present.
func (s Set) Has(k Kind) bool {
	_, ok := s.find(k)
	return ok
}

// Insert unions other into s. For every kind in other the payload of other
// wins; a kind in other without a payload keeps the payload s already had.
func (s Set) Insert(other Set) Set {
	out := s.clone()
	for _, e := range other.entries {
		if !e.HasPayload {
			if i, ok := out.find(e.Kind); ok {
				e = out.entries[i]
			}
		}
		out = out.with(e)
	}
	return out
}

// Remove drops every kind in other, regardless of payload ids.
func (s Set) Remove(other Set) Set {
	return s.RemoveBits(other.Bits())
}

// RemoveBits drops every kind in m.
func (s Set) RemoveBits(m Mask) Set {
	var out Set
	for _, e := range s.entries {
		if !m.Has(e.Kind) {
			out.entries = append(out.entries, e)
		}
	}
	return out
}

// Clear returns the empty set.
func (s Set) Clear() Set { return Set{} }

// Equal compares kinds and payloads. Equality is the merge test.
func (s Set) Equal(other Set) bool {
	if len(s.entries) != len(other.entries) {
		return false
	}
	for i := range s.entries {
		if s.entries[i] != other.entries[i] {
			return false
		}
	}
	return true
}

// IntersectsBits reports whether any kind in m is present. Payloads are
// not consulted.
func (s Set) IntersectsBits(m Mask) bool {
	return s.Bits()&m != 0
}

// ContainsBits reports whether every kind in m is present. Payloads are
// not consulted.
func (s Set) ContainsBits(m Mask) bool {
	return s.Bits()&m == m
}

// ContainsPair reports whether k is present with exactly payload id.
func (s Set) ContainsPair(k Kind, id PayloadID) bool {
	i, ok := s.find(k)
	return ok && s.entries[i].HasPayload && s.entries[i].Payload == id
}

// Contains is the data-sensitive subset test: every kind of other must be
// present, and every payload other carries must match exactly.
func (s Set) Contains(other Set) bool {
	if !s.ContainsBits(other.Bits()) {
		return false
	}
	for _, e := range other.entries {
		if e.HasPayload && !s.ContainsPair(e.Kind, e.Payload) {
			return false
		}
	}
	return true
}

// Rewrite replaces payload from with to on kind k. The second result
// reports whether anything changed.
func (s Set) Rewrite(k Kind, from, to PayloadID) (Set, bool) {
	i, ok := s.find(k)
	if !ok || !s.entries[i].HasPayload || s.entries[i].Payload != from {
		return s, false
	}
	out := s.clone()
	out.entries[i].Payload = to
	return out, true
}

func (s Set) String() string {
	if len(s.entries) == 0 {
		return "{}"
	}
	parts := make([]string, len(s.entries))
	for i, e := range s.entries {
		if e.HasPayload {
			parts[i] = fmt.Sprintf("%s:%d", e.Kind, e.Payload)
		} else {
			parts[i] = e.Kind.String()
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (s Set) find(k Kind) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Kind >= k })
	return i, i < len(s.entries) && s.entries[i].Kind == k
}

func (s Set) clone() Set {
	if s.entries == nil {
		return Set{}
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return Set{entries: out}
}

// with sets e, copying the backing slice.
func (s Set) with(e Entry) Set {
	if !e.HasPayload {
		e.Payload = 0
	}
	i, ok := s.find(e.Kind)
	out := make([]Entry, 0, len(s.entries)+1)
	out = append(out, s.entries[:i]...)
	out = append(out, e)
	if ok {
		out = append(out, s.entries[i+1:]...)
	} else {
		out = append(out, s.entries[i:]...)
	}
	return Set{entries: out}
}
