// Package segment models one block of text as an ordered run of segments,
// each carrying a flags.Set, and keeps a render collaborator in step with
// every split, merge and flag change.
package segment

import "fmt"

// Handle is an opaque reference to a render node. The engine copies and
// compares handles but never dereferences them.
type Handle uint64

func (h Handle) String() string {
	return fmt.Sprintf("#%d", uint64(h))
}

// Renderer is the collaborator that owns the presentation nodes behind
// handles. Offsets are in characters.
type Renderer interface {
	// Split carves h at offset. Both halves keep the presentation h had.
	Split(h Handle, offset uint32) (left, right Handle, err error)
	// Join splices b onto the end of a and returns the surviving handle.
	// Join is only called for neighbours with identical presentation.
	Join(a, b Handle) (Handle, error)
	// Wrap places h inside a presentation container carrying class.
	Wrap(h Handle, class string) error
	// Unwrap removes the presentation container around h.
	Unwrap(h Handle) error
	// SetClass replaces the class of the container around h.
	SetClass(h Handle, class string) error
}

// TextSource is implemented by renderers that can report the characters
// behind a handle.
type TextSource interface {
	Text(h Handle) (string, error)
}
