// Package flags defines annotation kinds, the registry that describes how
// kinds behave, and Set, the per-segment value pairing kinds with optional
// payload ids.
package flags

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"
)

// Kind is a single annotation kind. Every kind occupies exactly one bit.
type Kind uint32

// Built-in kinds. Bit values are part of the persisted format.
const (
	Italicize Kind = 1 << 0
	Highlight Kind = 1 << 1
	Underline Kind = 1 << 2
	Note      Kind = 1 << 3
)

// Valid reports whether k is a single bit.
func (k Kind) Valid() bool {
	return k != 0 && k&(k-1) == 0
}

// Mask returns k as a single-member mask.
func (k Kind) Mask() Mask {
	return Mask(k)
}

func (k Kind) String() string {
	switch k {
	case Italicize:
		return "italicize"
	case Highlight:
		return "highlight"
	case Underline:
		return "underline"
	case Note:
		return "note"
	}
	return fmt.Sprintf("kind(%#x)", uint32(k))
}

// Mask is a set of kinds.
type Mask uint32

// MaskAll allows every kind.
const MaskAll Mask = ^Mask(0)

// MaskNone is the empty mask.
const MaskNone Mask = 0

// Has reports whether k is in m.
func (m Mask) Has(k Kind) bool {
	return m&Mask(k) != 0
}

// Kinds returns the members of m in ascending bit order.
func (m Mask) Kinds() []Kind {
	out := make([]Kind, 0, bits.OnesCount32(uint32(m)))
	for v := uint32(m); v != 0; v &= v - 1 {
		out = append(out, Kind(v&-v))
	}
	return out
}

// StylingPrefixClass is the first class of every presentation class string.
const StylingPrefixClass = "editor-styling"

// Descriptor describes how a kind behaves.
type Descriptor struct {
	Kind  Kind
	Title string // short label shown on toolbar buttons
	Class string // presentation class name

	// AllowedSiblings lists the kinds that may share a segment with Kind.
	AllowedSiblings Mask
	// OverwriteInvalid strips disallowed siblings instead of refusing.
	OverwriteInvalid bool
	// HasPayload marks kinds that carry auxiliary data in the store.
	HasPayload bool
	// MaxPayload bounds the payload size in bytes. Zero means unbounded.
	MaxPayload int
}

// Exclusive reports whether the kind refuses every sibling.
func (d Descriptor) Exclusive() bool {
	return d.AllowedSiblings&^d.Kind.Mask() == 0
}

// Registry maps kinds to descriptors. A Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[Kind]Descriptor
	names map[string]Kind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[Kind]Descriptor),
		names: make(map[string]Kind),
	}
}

// DefaultRegistry returns a registry holding the built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range builtins {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

var builtins = []Descriptor{
	{Kind: Italicize, Title: "I", Class: "italicize", AllowedSiblings: MaskAll},
	{Kind: Highlight, Title: "H", Class: "highlight", AllowedSiblings: MaskAll, HasPayload: true, MaxPayload: 64},
	{Kind: Underline, Title: "U", Class: "underline", AllowedSiblings: MaskAll},
	{Kind: Note, Title: "Note", Class: "note", AllowedSiblings: MaskNone, OverwriteInvalid: true, HasPayload: true, MaxPayload: 500},
}

// Register adds a kind. The kind must be a single unused bit and its class
// name must be unique.
func (r *Registry) Register(d Descriptor) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("kind %#x is not a single bit", uint32(d.Kind))
	}
	if d.Class == "" {
		return fmt.Errorf("kind %#x has no class name", uint32(d.Kind))
	}
	if strings.ContainsAny(d.Class, " \t\n") {
		return fmt.Errorf("class name %q contains whitespace", d.Class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.kinds[d.Kind]; ok {
		return fmt.Errorf("kind %#x already registered", uint32(d.Kind))
	}
	if _, ok := r.names[d.Class]; ok {
		return fmt.Errorf("class name %q already registered", d.Class)
	}
	r.kinds[d.Kind] = d
	r.names[d.Class] = d.Kind
	return nil
}

// Lookup returns the descriptor for k.
func (r *Registry) Lookup(k Kind) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.kinds[k]
	return d, ok
}

// MustLookup returns the descriptor for k and panics for unknown kinds.
func (r *Registry) MustLookup(k Kind) Descriptor {
	d, ok := r.Lookup(k)
	if !ok {
		panic(fmt.Sprintf("flags: unregistered kind %v", k))
	}
	return d
}

// ByName resolves a kind from its class name or title (case-insensitive).
func (r *Registry) ByName(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name = strings.ToLower(strings.TrimSpace(name))
	if k, ok := r.names[name]; ok {
		return k, true
	}
	for k, d := range r.kinds {
		if strings.ToLower(d.Title) == name {
			return k, true
		}
	}
	return 0, false
}

// Known returns the union of every registered kind.
func (r *Registry) Known() Mask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var m Mask
	for k := range r.kinds {
		m |= k.Mask()
	}
	return m
}

// ClassName derives the presentation class for a mask. The same mask always
// yields the same string. An empty mask yields "".
func (r *Registry) ClassName(m Mask) string {
	if m == 0 {
		return ""
	}
	parts := []string{StylingPrefixClass}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range m.Kinds() {
		if d, ok := r.kinds[k]; ok {
			parts = append(parts, d.Class)
		} else {
			parts = append(parts, fmt.Sprintf("kind-%x", uint32(k)))
		}
	}
	return strings.Join(parts, " ")
}
