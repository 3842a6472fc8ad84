package component

import (
	"github.com/FocuswithJustin/marginalia/core/document"
	"github.com/FocuswithJustin/marginalia/core/flags"
)

// Highlight toggles a highlight. With a payload it applies a highlight
// carrying that colour instead.
type Highlight struct{}

func (Highlight) Name() string  { return "highlight" }
func (Highlight) Title() string { return "H" }

func (Highlight) Apply(d *document.Document, r document.Resolved, payload []byte) (Result, error) {
	if len(payload) == 0 {
		return toggle(d, r, flags.Highlight)
	}
	id, err := d.Annotate(r, flags.Highlight, payload)
	if err != nil {
		return Result{}, err
	}
	return Result{Added: true, Payload: &id}, nil
}

// Underline toggles an underline.
type Underline struct{}

func (Underline) Name() string  { return "underline" }
func (Underline) Title() string { return "U" }

func (Underline) Apply(d *document.Document, r document.Resolved, _ []byte) (Result, error) {
	return toggle(d, r, flags.Underline)
}

// Italicize toggles italics.
type Italicize struct{}

func (Italicize) Name() string  { return "italicize" }
func (Italicize) Title() string { return "I" }

func (Italicize) Apply(d *document.Document, r document.Resolved, _ []byte) (Result, error) {
	return toggle(d, r, flags.Italicize)
}
