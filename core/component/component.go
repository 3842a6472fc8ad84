// Package component implements the toolbar actions a host exposes over a
// selection: Highlight, Underline, Italicize, Note and List.
package component

import (
	"sort"
	"strings"

	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/document"
	"github.com/FocuswithJustin/marginalia/core/flags"
)

// Result reports what a component did.
type Result struct {
	Added   bool             `json:"added"`
	Payload *flags.PayloadID `json:"payload,omitempty"`
	Runs    []document.Run   `json:"runs,omitempty"`
}

// Component is one toolbar action.
type Component interface {
	// Name is the lower-case identifier used by the CLI and API.
	Name() string
	// Title is the short button label.
	Title() string
	// Apply runs the action over r. Payload is component specific and may
	// be nil.
	Apply(d *document.Document, r document.Resolved, payload []byte) (Result, error)
}

var components = map[string]Component{}

func register(c Component) {
	components[c.Name()] = c
}

func init() {
	register(Highlight{})
	register(Underline{})
	register(Italicize{})
	register(Note{})
	register(List{})
}

// ByName returns the component called name, ignoring case.
func ByName(name string) (Component, error) {
	if c, ok := components[strings.ToLower(strings.TrimSpace(name))]; ok {
		return c, nil
	}
	return nil, merrors.NewNotFound("component", name)
}

// Names lists the registered component names.
func Names() []string {
	out := make([]string, 0, len(components))
	for n := range components {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// toggle flips kind over r.
func toggle(d *document.Document, r document.Resolved, kind flags.Kind) (Result, error) {
	added, err := d.Toggle(r, flags.Of(kind))
	return Result{Added: added}, err
}
