// Package store holds the auxiliary payloads referenced by flagged
// segments. Ids are positions in a dense array; removal swaps the last
// item into the freed slot and reports the move so callers can rewrite
// references.
package store

import (
	"fmt"

	"github.com/FocuswithJustin/marginalia/core/flags"
)

// Item is one stored payload and the kind that owns it.
type Item struct {
	Kind    flags.Kind
	Payload []byte
}

// Relocation reports that the item of Kind stored at From now lives at To.
type Relocation struct {
	Kind flags.Kind
	From flags.PayloadID
	To   flags.PayloadID
}

// Store is a dense payload table. Store is not safe for concurrent use.
type Store struct {
	items []Item
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// FromItems returns a store holding items in order. The slice is copied.
func FromItems(items []Item) *Store {
	s := &Store{items: make([]Item, len(items))}
	for i, it := range items {
		s.items[i] = Item{Kind: it.Kind, Payload: clone(it.Payload)}
	}
	return s
}

// Len returns the number of items.
func (s *Store) Len() int { return len(s.items) }

// Put appends a payload and returns its id.
func (s *Store) Put(kind flags.Kind, payload []byte) flags.PayloadID {
	id := flags.PayloadID(len(s.items))
	s.items = append(s.items, Item{Kind: kind, Payload: clone(payload)})
	return id
}

// Get returns the item at id. Unknown ids panic.
func (s *Store) Get(id flags.PayloadID) Item {
	s.mustHave(id)
	it := s.items[id]
	return Item{Kind: it.Kind, Payload: clone(it.Payload)}
}

// Lookup is Get for ids that come from outside the engine.
func (s *Store) Lookup(id flags.PayloadID) (Item, bool) {
	if int64(id) >= int64(len(s.items)) {
		return Item{}, false
	}
	return s.Get(id), true
}

// Has reports whether id is in range.
func (s *Store) Has(id flags.PayloadID) bool {
	return int64(id) < int64(len(s.items))
}

// Update overwrites the payload at id. Unknown ids panic.
func (s *Store) Update(id flags.PayloadID, payload []byte) {
	s.mustHave(id)
	s.items[id].Payload = clone(payload)
}

// Remove swap-removes id. When another item moved into the freed slot the
// move is returned with ok set; every reference to (Kind, From) must then
// be rewritten to To.
func (s *Store) Remove(id flags.PayloadID) (moved Relocation, ok bool) {
	s.mustHave(id)
	last := flags.PayloadID(len(s.items) - 1)
	if id != last {
		s.items[id] = s.items[last]
		moved = Relocation{Kind: s.items[id].Kind, From: last, To: id}
		ok = true
	}
	s.items[last] = Item{}
	s.items = s.items[:last]
	return moved, ok
}

// Items returns a copy of all items in id order.
func (s *Store) Items() []Item {
	out := make([]Item, len(s.items))
	for i, it := range s.items {
		out[i] = Item{Kind: it.Kind, Payload: clone(it.Payload)}
	}
	return out
}

func (s *Store) mustHave(id flags.PayloadID) {
	if int64(id) >= int64(len(s.items)) {
		panic(fmt.Sprintf("store: payload id %d outside %d items", id, len(s.items)))
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
