// Package address parses the textual range addresses the CLI and HTTP API
// accept and resolves them against a document.
//
// Grammar:
//
//	address = range { "," range }
//	range   = point [ "-" point ]
//	point   = block [ ":" ( offset | "$" ) ]
//
// A bare block means the whole block. When both sides of a range carry an
// offset the right side is block:offset; "2:3-7" is shorthand for
// "2:3-2:7". "$" is the end of a block.
package address

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/FocuswithJustin/marginalia/core/document"
	merrors "github.com/FocuswithJustin/marginalia/core/errors"
)

// Point is a character position in a block. End marks the end of the
// block whatever its length.
type Point struct {
	Block  int    `json:"block"`
	Offset uint32 `json:"offset"`
	End    bool   `json:"end,omitempty"`
}

// Range runs from From (inclusive) to To (exclusive).
type Range struct {
	From Point `json:"from"`
	To   Point `json:"to"`
}

// Address is a list of ranges.
type Address []Range

//nolint:govet // participle grammar tags are not standard struct tags
type addressGrammar struct {
	Ranges []*rangePart `@@ ( "," @@ )*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type rangePart struct {
	From *pointPart `@@`
	To   *pointPart `( "-" @@ )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type pointPart struct {
	Number int     `@Int`
	Offset *string `( ":" @( Int | "$" ) )?`
}

var addressLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Punct", Pattern: `[:,\-$]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var addressParser = participle.MustBuild[addressGrammar](
	participle.Lexer(addressLexer),
	participle.Elide("Whitespace"),
)

// Parse parses an address such as "0", "1:4-9", "0:2-3:5" or "0,2:1-$".
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, merrors.NewValidation("address", "empty address")
	}
	parsed, err := addressParser.ParseString("", s)
	if err != nil {
		return nil, merrors.NewParse("address", s, err.Error())
	}

	out := make(Address, 0, len(parsed.Ranges))
	for _, rp := range parsed.Ranges {
		r, err := rp.build()
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", s, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// MustParse is Parse that panics on error.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (rp *rangePart) build() (Range, error) {
	from, err := rp.From.point()
	if err != nil {
		return Range{}, err
	}
	if rp.To == nil {
		if rp.From.Offset != nil {
			return Range{}, merrors.NewValidation("address", "a point needs an end")
		}
		return Range{From: from, To: Point{Block: from.Block, End: true}}, nil
	}

	var to Point
	switch {
	case rp.To.Offset != nil:
		if to, err = rp.To.point(); err != nil {
			return Range{}, err
		}
	case rp.From.Offset != nil:
		off, err := offset(strconv.Itoa(rp.To.Number))
		if err != nil {
			return Range{}, err
		}
		to = Point{Block: from.Block, Offset: off}
	default:
		to = Point{Block: rp.To.Number, End: true}
	}
	if from.End {
		return Range{}, merrors.NewValidation("address", "range cannot start at \"$\"")
	}
	return Range{From: from, To: to}, nil
}

func (p *pointPart) point() (Point, error) {
	pt := Point{Block: p.Number}
	if p.Offset == nil {
		return pt, nil
	}
	if *p.Offset == "$" {
		pt.End = true
		return pt, nil
	}
	off, err := offset(*p.Offset)
	if err != nil {
		return Point{}, err
	}
	pt.Offset = off
	return pt, nil
}

func offset(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n > math.MaxUint32 {
		return 0, merrors.NewValidation("offset", fmt.Sprintf("%s is out of range", s))
	}
	return uint32(n), nil
}

// String returns the canonical form of a.
func (a Address) String() string {
	parts := make([]string, len(a))
	for i, r := range a {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

func (r Range) String() string {
	if r.From.Offset == 0 && r.To.End {
		if r.From.Block == r.To.Block {
			return strconv.Itoa(r.From.Block)
		}
		return fmt.Sprintf("%d-%d", r.From.Block, r.To.Block)
	}
	return r.From.String() + "-" + r.To.String()
}

func (p Point) String() string {
	if p.End {
		return fmt.Sprintf("%d:$", p.Block)
	}
	return fmt.Sprintf("%d:%d", p.Block, p.Offset)
}

// Spans converts a into per-block spans of d. Blocks released between the
// two ends of a range are skipped; the ends themselves must be live.
func (a Address) Spans(d *document.Document) ([]document.Span, error) {
	var out []document.Span
	for _, r := range a {
		spans, err := r.spans(d)
		if err != nil {
			return nil, err
		}
		out = append(out, spans...)
	}
	return out, nil
}

func (r Range) spans(d *document.Document) ([]document.Span, error) {
	for _, p := range []Point{r.From, r.To} {
		if !d.HasBlock(p.Block) {
			return nil, merrors.NewNotFound("block", strconv.Itoa(p.Block))
		}
		if !p.End && p.Offset > d.Block(p.Block).Len() {
			return nil, merrors.NewValidation("address",
				fmt.Sprintf("offset %d is past the end of block %d (length %d)", p.Offset, p.Block, d.Block(p.Block).Len()))
		}
	}
	start := r.From.Offset
	end := r.To.Offset
	if r.To.End {
		end = d.Block(r.To.Block).Len()
	}
	if r.From.Block > r.To.Block || (r.From.Block == r.To.Block && start > end) {
		return nil, merrors.NewValidation("address", fmt.Sprintf("range %s runs backwards", r))
	}

	if r.From.Block == r.To.Block {
		return []document.Span{{Block: r.From.Block, Start: start, End: end}}, nil
	}
	out := []document.Span{{Block: r.From.Block, Start: start, End: d.Block(r.From.Block).Len()}}
	for b := r.From.Block + 1; b < r.To.Block; b++ {
		if d.HasBlock(b) {
			out = append(out, document.Span{Block: b, Start: 0, End: d.Block(b).Len()})
		}
	}
	return append(out, document.Span{Block: r.To.Block, Start: 0, End: end}), nil
}

// Resolve resolves a against d, splitting segments at its boundaries.
func (a Address) Resolve(d *document.Document) (document.Resolved, error) {
	spans, err := a.Spans(d)
	if err != nil {
		return document.Resolved{}, err
	}
	return d.Resolve(spans...)
}
