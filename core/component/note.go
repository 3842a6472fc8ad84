package component

import (
	"strings"

	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/document"
	"github.com/FocuswithJustin/marginalia/core/flags"
)

// Note attaches free text to a selection. A note owns its text
// exclusively: applying one strips every other kind underneath it.
//
// When the selection already touches a note, Apply edits that note's text
// rather than creating a new one.
type Note struct{}

func (Note) Name() string  { return "note" }
func (Note) Title() string { return "Note" }

func (Note) Apply(d *document.Document, r document.Resolved, payload []byte) (Result, error) {
	if strings.TrimSpace(string(payload)) == "" {
		return Result{}, merrors.NewValidation("note", "text is empty")
	}
	if id, ok := Editing(d, r); ok {
		if err := d.UpdatePayload(id, payload); err != nil {
			return Result{}, err
		}
		if err := d.Normalize(r); err != nil {
			return Result{}, err
		}
		return Result{Payload: &id}, nil
	}
	id, err := d.Annotate(r, flags.Note, payload)
	if err != nil {
		return Result{}, err
	}
	return Result{Added: true, Payload: &id}, nil
}

// Editing returns the first note touched by r.
func Editing(d *document.Document, r document.Resolved) (flags.PayloadID, bool) {
	for _, e := range d.FlagIDs(r) {
		if e.Kind == flags.Note {
			return e.Payload, true
		}
	}
	return 0, false
}

// DeleteNote removes note id and its text everywhere.
func DeleteNote(d *document.Document, id flags.PayloadID) error {
	item, ok := d.Payload(id)
	if !ok {
		return merrors.NewNotFound("note", "")
	}
	if item.Kind != flags.Note {
		return merrors.NewValidation("note", "payload is not a note")
	}
	return d.RemovePayload(id)
}

// List reports every annotated run of the document. It never changes
// flags.
type List struct{}

func (List) Name() string  { return "list" }
func (List) Title() string { return "List" }

func (List) Apply(d *document.Document, _ document.Resolved, _ []byte) (Result, error) {
	return Result{Runs: d.Flagged()}, nil
}
