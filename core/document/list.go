package document

import (
	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/segment"
)

// Run is one flagged segment as listed to a user.
type Run struct {
	Block  int       `json:"block"`
	Offset uint32    `json:"offset"`
	Length uint32    `json:"length"`
	Flags  flags.Set `json:"-"`
	Kinds  []string  `json:"kinds"`
	Text   string    `json:"text,omitempty"`
}

// Flagged lists every flagged segment in document order. Text is filled
// in when the renderer can report it.
func (d *Document) Flagged() []Run {
	src, _ := d.renderer.(segment.TextSource)

	var out []Run
	for _, b := range d.FlaggedBlocks() {
		txt := d.blocks[b]
		for i := 0; i < txt.Count(); i++ {
			seg := txt.Segment(i)
			if seg.Flags.IsEmpty() {
				continue
			}
			run := Run{
				Block:  b,
				Offset: seg.Offset,
				Length: txt.SegmentLen(i),
				Flags:  seg.Flags,
				Kinds:  d.kindNames(seg.Flags.Bits()),
			}
			if src != nil {
				if s, err := src.Text(seg.Handle); err == nil {
					run.Text = s
				}
			}
			out = append(out, run)
		}
	}
	return out
}
