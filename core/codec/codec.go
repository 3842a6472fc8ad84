// Package codec serialises annotation state to the compact big-endian
// byte format used for persistence.
//
// Layout:
//
//	SaveState         := version:u64
//	                     data_count:u32 (kind:u32 len:u32 bytes[len])*
//	                     node_count:u32 SavedSegmentation*
//	SavedSegmentation := block_index:u64 run_count:u32 SavedFlagRun*
//	SavedFlagRun      := offset:u32 has_length:u8 [length:u32]
//	                     pair_count:u8 single:u64*
//	single            := kind:u32 << 32 | payload_id:u32
//
// Run offsets are absolute within the block.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/store"
)

// CurrentVersion is written by Marshal.
const CurrentVersion uint64 = 1

// MaxPairs is the most kinds a single run can carry on the wire.
const MaxPairs = math.MaxUint8

// SaveState is a snapshot of one document's annotations.
type SaveState struct {
	Version uint64              `json:"version"`
	Data    []store.Item        `json:"data,omitempty"`
	Nodes   []SavedSegmentation `json:"nodes,omitempty"`
}

// SavedSegmentation holds the flagged runs of one block.
type SavedSegmentation struct {
	BlockIndex uint64         `json:"block"`
	Runs       []SavedFlagRun `json:"runs"`
}

// SavedFlagRun is one flagged run. A run without a length extends to the
// end of its block.
type SavedFlagRun struct {
	Offset    uint32   `json:"offset"`
	Length    uint32   `json:"length,omitempty"`
	HasLength bool     `json:"has_length"`
	Singles   []uint64 `json:"singles"`
}

// Flags returns the run's singles as a set.
func (r SavedFlagRun) Flags() flags.Set {
	return flags.FromSingles(r.Singles)
}

// Marshal encodes s.
func Marshal(s SaveState) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint64(buf, s.Version)

	if uint64(len(s.Data)) > math.MaxUint32 {
		return nil, fmt.Errorf("too many payloads: %d", len(s.Data))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Data)))
	for i, it := range s.Data {
		if uint64(len(it.Payload)) > math.MaxUint32 {
			return nil, fmt.Errorf("payload %d too large: %d bytes", i, len(it.Payload))
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(it.Kind))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(it.Payload)))
		buf = append(buf, it.Payload...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Nodes)))
	for _, n := range s.Nodes {
		buf = binary.BigEndian.AppendUint64(buf, n.BlockIndex)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.Runs)))
		for _, r := range n.Runs {
			if len(r.Singles) > MaxPairs {
				return nil, fmt.Errorf("block %d run at %d carries %d kinds, max %d",
					n.BlockIndex, r.Offset, len(r.Singles), MaxPairs)
			}
			buf = binary.BigEndian.AppendUint32(buf, r.Offset)
			if r.HasLength {
				buf = append(buf, 1)
				buf = binary.BigEndian.AppendUint32(buf, r.Length)
			} else {
				buf = append(buf, 0)
			}
			buf = append(buf, uint8(len(r.Singles)))
			for _, v := range r.Singles {
				buf = binary.BigEndian.AppendUint64(buf, v)
			}
		}
	}
	return buf, nil
}

// Encode writes the encoding of s to w.
func Encode(w io.Writer, s SaveState) error {
	b, err := Marshal(s)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Unmarshal decodes b. Any truncation, trailing byte or malformed field
// yields a *errors.CodecError.
func Unmarshal(b []byte) (SaveState, error) {
	d := &decoder{buf: b}
	var s SaveState

	s.Version = d.u64("version")

	nData := d.count("data_count", 8)
	if nData > 0 {
		s.Data = make([]store.Item, nData)
	}
	for i := range s.Data {
		s.Data[i].Kind = flags.Kind(d.u32("data.kind"))
		s.Data[i].Payload = d.bytes("data.bytes", int(d.u32("data.len")))
	}

	nNodes := d.count("node_count", 12)
	if nNodes > 0 {
		s.Nodes = make([]SavedSegmentation, nNodes)
	}
	for i := range s.Nodes {
		n := &s.Nodes[i]
		n.BlockIndex = d.u64("block_index")
		nRuns := d.count("run_count", 6)
		if nRuns > 0 {
			n.Runs = make([]SavedFlagRun, nRuns)
		}
		for j := range n.Runs {
			r := &n.Runs[j]
			r.Offset = d.u32("run.offset")
			switch d.u8("run.has_length") {
			case 0:
			case 1:
				r.HasLength = true
				r.Length = d.u32("run.length")
			default:
				d.fail("run.has_length", "flag is not 0 or 1")
			}
			if pairs := int(d.u8("run.pair_count")); pairs > 0 && d.err == nil {
				r.Singles = make([]uint64, pairs)
				for k := range r.Singles {
					r.Singles[k] = d.u64("run.single")
				}
			}
		}
	}

	if d.err == nil && d.off != len(d.buf) {
		d.fail("trailer", fmt.Sprintf("%d unexpected trailing bytes", len(d.buf)-d.off))
	}
	if d.err != nil {
		return SaveState{}, d.err
	}
	return s, nil
}

// Decode reads r to EOF and decodes the result.
func Decode(r io.Reader) (SaveState, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return SaveState{}, merrors.Wrap(err, "read state")
	}
	return Unmarshal(b)
}

// decoder reads fixed-width fields and latches the first error. Once an
// error is set every read returns zero.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(field, msg string) {
	if d.err == nil {
		d.err = merrors.NewCodec(d.off, field, msg)
	}
}

func (d *decoder) take(field string, n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.fail(field, fmt.Sprintf("need %d bytes, have %d", n, len(d.buf)-d.off))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8(field string) uint8 {
	if b := d.take(field, 1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32(field string) uint32 {
	if b := d.take(field, 4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64(field string) uint64 {
	if b := d.take(field, 8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) bytes(field string, n int) []byte {
	b := d.take(field, n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// count reads a u32 element count and rejects counts that could not fit
// in the remaining input given each element's minimum encoded size.
func (d *decoder) count(field string, minSize int) int {
	n := d.u32(field)
	if d.err != nil {
		return 0
	}
	if uint64(n)*uint64(minSize) > uint64(len(d.buf)-d.off) {
		d.fail(field, fmt.Sprintf("count %d exceeds remaining input", n))
		return 0
	}
	return int(n)
}
