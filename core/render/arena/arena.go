// Package arena is an in-memory render collaborator. Nodes live in a map
// keyed by handle, which makes the engine usable without any markup.
package arena

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/segment"
)

// ErrStaleHandle is returned for handles the arena does not own.
var ErrStaleHandle = errors.New("stale handle")

type node struct {
	text    []rune
	wrapped bool
	class   string
	block   int
}

// Arena owns text runs. The zero value is not usable; call New.
type Arena struct {
	mu    sync.Mutex
	nodes map[segment.Handle]*node
	order [][]segment.Handle // per block, in reading order
	next  segment.Handle
}

// New returns an empty arena.
func New() *Arena {
	return &Arena{nodes: make(map[segment.Handle]*node), next: 1}
}

// AddBlock stores text as a new block and returns its handle and length.
func (a *Arena) AddBlock(text string) (segment.Handle, uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.alloc()
	n := &node{text: []rune(text), block: len(a.order)}
	a.nodes[h] = n
	a.order = append(a.order, []segment.Handle{h})
	return h, uint32(len(n.text))
}

func (a *Arena) alloc() segment.Handle {
	h := a.next
	a.next++
	return h
}

func (a *Arena) get(h segment.Handle) (*node, error) {
	n, ok := a.nodes[h]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrStaleHandle, h)
	}
	return n, nil
}

// Split implements segment.Renderer.
func (a *Arena) Split(h segment.Handle, offset uint32) (segment.Handle, segment.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.get(h)
	if err != nil {
		return 0, 0, err
	}
	if offset == 0 || int(offset) >= len(n.text) {
		return 0, 0, fmt.Errorf("split offset %d outside node of length %d", offset, len(n.text))
	}

	right := a.alloc()
	rn := &node{
		text:    append([]rune(nil), n.text[offset:]...),
		wrapped: n.wrapped,
		class:   n.class,
		block:   n.block,
	}
	n.text = n.text[:offset:offset]
	a.nodes[right] = rn

	order := a.order[n.block]
	for i, oh := range order {
		if oh == h {
			order = append(order, 0)
			copy(order[i+2:], order[i+1:])
			order[i+1] = right
			break
		}
	}
	a.order[n.block] = order
	return h, right, nil
}

// Join implements segment.Renderer.
func (a *Arena) Join(x, y segment.Handle) (segment.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nx, err := a.get(x)
	if err != nil {
		return 0, err
	}
	ny, err := a.get(y)
	if err != nil {
		return 0, err
	}
	nx.text = append(nx.text, ny.text...)
	delete(a.nodes, y)

	order := a.order[ny.block]
	for i, oh := range order {
		if oh == y {
			a.order[ny.block] = append(order[:i], order[i+1:]...)
			break
		}
	}
	return x, nil
}

// Wrap implements segment.Renderer.
func (a *Arena) Wrap(h segment.Handle, class string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.get(h)
	if err != nil {
		return err
	}
	n.wrapped = true
	n.class = class
	return nil
}

// Unwrap implements segment.Renderer.
func (a *Arena) Unwrap(h segment.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.get(h)
	if err != nil {
		return err
	}
	n.wrapped = false
	n.class = ""
	return nil
}

// SetClass implements segment.Renderer.
func (a *Arena) SetClass(h segment.Handle, class string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.get(h)
	if err != nil {
		return err
	}
	if !n.wrapped {
		return fmt.Errorf("set class on unwrapped node %v", h)
	}
	n.class = class
	return nil
}

// Text implements segment.TextSource.
func (a *Arena) Text(h segment.Handle) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.get(h)
	if err != nil {
		return "", err
	}
	return string(n.text), nil
}

// Class returns the class of the container around h, or "" when h is not
// wrapped.
func (a *Arena) Class(h segment.Handle) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n, ok := a.nodes[h]; ok && n.wrapped {
		return n.class
	}
	return ""
}

// Drop forgets h. Later calls with h fail with ErrStaleHandle.
func (a *Arena) Drop(h segment.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, h)
}

// Len returns the number of live nodes.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

// Render writes block i with wrapped runs in brackets, e.g.
// "plain [highlight:marked] plain".
func (a *Arena) Render(block int) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var b strings.Builder
	for _, h := range a.order[block] {
		n, ok := a.nodes[h]
		if !ok {
			continue
		}
		if n.wrapped {
			cls := strings.TrimSpace(strings.TrimPrefix(n.class, flags.StylingPrefixClass))
			fmt.Fprintf(&b, "[%s:%s]", cls, string(n.text))
		} else {
			b.WriteString(string(n.text))
		}
	}
	return b.String()
}
