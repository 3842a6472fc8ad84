// Package xhtml renders a document's segmentation into XHTML markup. Each
// non-blank text node under the selected containers is one block; styled
// runs are wrapped in <span class="editor-styling ..."> elements.
//
// Security Notes:
//   - Entity expansion is disabled while checking well-formedness, and the
//     xmlquery parser inherits encoding/xml's refusal to fetch external
//     entities.
package xhtml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/segment"
)

// DefaultSelector selects the document body.
const DefaultSelector = "//body"

// ErrStaleHandle is returned for handles the renderer does not own.
var ErrStaleHandle = errors.New("stale handle")

// skipped elements never contribute blocks.
var skipped = map[string]bool{"script": true, "style": true, "head": true}

// Block is one text node found at parse time.
type Block struct {
	Handle segment.Handle `json:"handle"`
	Length uint32         `json:"length"`
	// Element is the name of the element holding the text.
	Element string `json:"element"`
}

// Renderer owns a parsed XHTML tree and implements segment.Renderer over
// its text nodes. It is safe for concurrent use.
type Renderer struct {
	mu     sync.Mutex
	root   *xmlquery.Node
	texts  map[segment.Handle]*xmlquery.Node
	wraps  map[segment.Handle]*xmlquery.Node // styling span around a text node
	blocks []Block
	next   segment.Handle
}

// Parse reads an XHTML document and registers the text nodes under every
// element matched by selector. An empty selector means DefaultSelector.
// Styling spans left by an earlier render are removed first.
func Parse(r io.Reader, selector string) (*Renderer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, merrors.NewIO("read", "xhtml", err)
	}
	return ParseBytes(data, selector)
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte, selector string) (*Renderer, error) {
	if selector == "" {
		selector = DefaultSelector
	}
	expr, err := xpath.Compile(selector)
	if err != nil {
		return nil, merrors.NewValidation("selector", fmt.Sprintf("invalid xpath %q: %v", selector, err))
	}
	if err := Validate(data); err != nil {
		return nil, err
	}
	root, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, merrors.NewParse("xhtml", "", err.Error())
	}
	strip(root)

	x := &Renderer{
		root:  root,
		texts: make(map[segment.Handle]*xmlquery.Node),
		wraps: make(map[segment.Handle]*xmlquery.Node),
		next:  1,
	}
	containers := xmlquery.QuerySelectorAll(root, expr)
	if len(containers) == 0 {
		return nil, merrors.NewNotFound("container", selector)
	}
	seen := make(map[*xmlquery.Node]bool)
	for _, c := range containers {
		x.collect(c, seen)
	}
	return x, nil
}

// Validate checks that data is well-formed XML, reporting the line of the
// first error.
func Validate(data []byte) error {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Entity = map[string]string{}
	for {
		_, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			line, _ := decoder.InputPos()
			return merrors.NewParse("xhtml", fmt.Sprintf("line %d", line), err.Error())
		}
	}
}

func (x *Renderer) collect(n *xmlquery.Node, seen map[*xmlquery.Node]bool) {
	if seen[n] {
		return
	}
	seen[n] = true
	switch n.Type {
	case xmlquery.TextNode:
		if strings.TrimFunc(n.Data, unicode.IsSpace) == "" {
			return
		}
		h := x.alloc()
		x.texts[h] = n
		el := ""
		if n.Parent != nil {
			el = n.Parent.Data
		}
		x.blocks = append(x.blocks, Block{Handle: h, Length: uint32(utf8.RuneCountInString(n.Data)), Element: el})
		return
	case xmlquery.ElementNode:
		if skipped[strings.ToLower(n.Data)] {
			return
		}
	case xmlquery.DocumentNode:
	default:
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		x.collect(c, seen)
	}
}

// strip unwraps styling spans and joins the text nodes they separated.
func strip(n *xmlquery.Node) {
	for c := n.FirstChild; c != nil; {
		if !isStyling(c) {
			strip(c)
			c = c.NextSibling
			continue
		}
		anchor := c
		for gc := c.FirstChild; gc != nil; {
			next := gc.NextSibling
			xmlquery.RemoveFromTree(gc)
			xmlquery.AddImmediateSibling(anchor, gc)
			anchor = gc
			gc = next
		}
		next := c.NextSibling
		xmlquery.RemoveFromTree(c)
		c = next
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		for c.Type == xmlquery.TextNode && c.NextSibling != nil && c.NextSibling.Type == xmlquery.TextNode {
			c.Data += c.NextSibling.Data
			xmlquery.RemoveFromTree(c.NextSibling)
		}
	}
}

func isStyling(n *xmlquery.Node) bool {
	if n.Type != xmlquery.ElementNode || n.Data != "span" {
		return false
	}
	cls := strings.Fields(n.SelectAttr("class"))
	return len(cls) > 0 && cls[0] == flags.StylingPrefixClass
}

func (x *Renderer) alloc() segment.Handle {
	h := x.next
	x.next++
	return h
}

func (x *Renderer) get(h segment.Handle) (*xmlquery.Node, error) {
	n, ok := x.texts[h]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrStaleHandle, h)
	}
	return n, nil
}

// Blocks returns the blocks found at parse time, in document order.
func (x *Renderer) Blocks() []Block {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]Block(nil), x.blocks...)
}

// Split implements segment.Renderer. A wrapped node gets a second span
// with the same class.
func (x *Renderer) Split(h segment.Handle, offset uint32) (segment.Handle, segment.Handle, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, err := x.get(h)
	if err != nil {
		return 0, 0, err
	}
	runes := []rune(t.Data)
	if offset == 0 || int(offset) >= len(runes) {
		return 0, 0, fmt.Errorf("split offset %d outside node of length %d", offset, len(runes))
	}

	right := x.alloc()
	rt := &xmlquery.Node{Type: xmlquery.TextNode, Data: string(runes[offset:])}
	t.Data = string(runes[:offset])
	if span, ok := x.wraps[h]; ok {
		ns := newSpan(span.SelectAttr("class"))
		xmlquery.AddImmediateSibling(span, ns)
		xmlquery.AddChild(ns, rt)
		x.wraps[right] = ns
	} else {
		xmlquery.AddImmediateSibling(t, rt)
	}
	x.texts[right] = rt
	return h, right, nil
}

// Join implements segment.Renderer.
func (x *Renderer) Join(a, b segment.Handle) (segment.Handle, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	ta, err := x.get(a)
	if err != nil {
		return 0, err
	}
	tb, err := x.get(b)
	if err != nil {
		return 0, err
	}
	ta.Data += tb.Data
	if span, ok := x.wraps[b]; ok {
		xmlquery.RemoveFromTree(span)
		delete(x.wraps, b)
	} else {
		xmlquery.RemoveFromTree(tb)
	}
	delete(x.texts, b)
	return a, nil
}

// Wrap implements segment.Renderer.
func (x *Renderer) Wrap(h segment.Handle, class string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, err := x.get(h)
	if err != nil {
		return err
	}
	if span, ok := x.wraps[h]; ok {
		span.SetAttr("class", class)
		return nil
	}
	span := newSpan(class)
	xmlquery.AddImmediateSibling(t, span)
	xmlquery.RemoveFromTree(t)
	xmlquery.AddChild(span, t)
	x.wraps[h] = span
	return nil
}

// Unwrap implements segment.Renderer.
func (x *Renderer) Unwrap(h segment.Handle) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, err := x.get(h)
	if err != nil {
		return err
	}
	span, ok := x.wraps[h]
	if !ok {
		return nil
	}
	xmlquery.RemoveFromTree(t)
	xmlquery.AddImmediateSibling(span, t)
	xmlquery.RemoveFromTree(span)
	delete(x.wraps, h)
	return nil
}

// SetClass implements segment.Renderer.
func (x *Renderer) SetClass(h segment.Handle, class string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, err := x.get(h); err != nil {
		return err
	}
	span, ok := x.wraps[h]
	if !ok {
		return fmt.Errorf("set class on unwrapped node %v", h)
	}
	span.SetAttr("class", class)
	return nil
}

// Text implements segment.TextSource.
func (x *Renderer) Text(h segment.Handle) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, err := x.get(h)
	if err != nil {
		return "", err
	}
	return t.Data, nil
}

// Class returns the class of the span around h, or "" when h is not
// wrapped.
func (x *Renderer) Class(h segment.Handle) string {
	x.mu.Lock()
	defer x.mu.Unlock()

	if span, ok := x.wraps[h]; ok {
		return span.SelectAttr("class")
	}
	return ""
}

// WriteTo writes the current markup to w.
func (x *Renderer) WriteTo(w io.Writer) (int64, error) {
	s := x.Render()
	n, err := io.WriteString(w, s)
	return int64(n), err
}

// Render returns the current markup.
func (x *Renderer) Render() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.root.OutputXML(true)
}

func newSpan(class string) *xmlquery.Node {
	span := &xmlquery.Node{Type: xmlquery.ElementNode, Data: "span"}
	span.SetAttr("class", class)
	return span
}
