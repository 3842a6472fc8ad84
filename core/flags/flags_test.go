package flags

import (
	"testing"
)

func TestKindValid(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Italicize, true},
		{Note, true},
		{0, false},
		{Highlight | Underline, false},
		{1 << 31, true},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("Kind(%#x).Valid() = %v, want %v", uint32(tt.kind), got, tt.want)
		}
	}
}

func TestMaskKindsAscending(t *testing.T) {
	m := Note.Mask() | Italicize.Mask() | Underline.Mask()
	got := m.Kinds()
	want := []Kind{Italicize, Underline, Note}
	if len(got) != len(want) {
		t.Fatalf("Kinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Kinds()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRegistryDefaults(t *testing.T) {
	r := DefaultRegistry()

	note := r.MustLookup(Note)
	if !note.Exclusive() || !note.OverwriteInvalid {
		t.Errorf("note descriptor = %+v, want exclusive and overwriting", note)
	}
	hl := r.MustLookup(Highlight)
	if hl.Exclusive() || hl.Title != "H" {
		t.Errorf("highlight descriptor = %+v", hl)
	}

	if k, ok := r.ByName("U"); !ok || k != Underline {
		t.Errorf("ByName(U) = %v, %v", k, ok)
	}
	if k, ok := r.ByName("Highlight"); !ok || k != Highlight {
		t.Errorf("ByName(Highlight) = %v, %v", k, ok)
	}
	if _, ok := r.ByName("strike"); ok {
		t.Error("ByName(strike) should fail")
	}
}

func TestRegistryRegister(t *testing.T) {
	r := DefaultRegistry()

	if err := r.Register(Descriptor{Kind: Note, Class: "other"}); err == nil {
		t.Error("expected duplicate kind error")
	}
	if err := r.Register(Descriptor{Kind: 1 << 4, Class: "note"}); err == nil {
		t.Error("expected duplicate class error")
	}
	if err := r.Register(Descriptor{Kind: 3, Class: "bad"}); err == nil {
		t.Error("expected multi-bit error")
	}
	if err := r.Register(Descriptor{Kind: 1 << 4, Class: "strike", Title: "S", AllowedSiblings: MaskAll}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := r.ClassName(Mask(1<<4) | Highlight.Mask()); got != "editor-styling highlight strike" {
		t.Errorf("ClassName = %q", got)
	}
}

func TestClassNameDeterministic(t *testing.T) {
	r := DefaultRegistry()
	tests := []struct {
		mask Mask
		want string
	}{
		{0, ""},
		{Highlight.Mask(), "editor-styling highlight"},
		{Underline.Mask() | Highlight.Mask(), "editor-styling highlight underline"},
		{Note.Mask() | Italicize.Mask(), "editor-styling italicize note"},
	}
	for _, tt := range tests {
		if got := r.ClassName(tt.mask); got != tt.want {
			t.Errorf("ClassName(%b) = %q, want %q", tt.mask, got, tt.want)
		}
	}
}

func TestSetInsertLastWriterWins(t *testing.T) {
	s := WithPayload(Highlight, 3)
	s = s.Insert(WithPayload(Highlight, 7))
	if id, ok := s.Payload(Highlight); !ok || id != 7 {
		t.Errorf("payload = %d, %v; want 7", id, ok)
	}

	// A kind without payload keeps the existing id.
	s = s.Insert(Of(Highlight, Underline))
	if id, _ := s.Payload(Highlight); id != 7 {
		t.Errorf("payload after bare insert = %d, want 7", id)
	}
	if s.Bits() != Highlight.Mask()|Underline.Mask() {
		t.Errorf("bits = %b", s.Bits())
	}
}

func TestSetRemoveIgnoresPayload(t *testing.T) {
	s := FromEntries(
		Entry{Kind: Highlight, Payload: 2, HasPayload: true},
		Entry{Kind: Underline},
	)
	s = s.Remove(WithPayload(Highlight, 9))
	if s.Has(Highlight) {
		t.Error("highlight should be removed regardless of payload id")
	}
	if !s.Has(Underline) {
		t.Error("underline should remain")
	}
}

func TestSetContainsIsDataSensitive(t *testing.T) {
	s := FromEntries(
		Entry{Kind: Highlight, Payload: 3, HasPayload: true},
		Entry{Kind: Underline},
	)

	if !s.Contains(WithPayload(Highlight, 3)) {
		t.Error("should contain highlight:3")
	}
	if s.Contains(WithPayload(Highlight, 4)) {
		t.Error("should not contain highlight:4")
	}
	if !s.IntersectsBits(Highlight.Mask()) {
		t.Error("bit test should ignore payload")
	}
	if !s.Contains(Of(Highlight, Underline)) {
		t.Error("bare kinds should be contained")
	}
	if s.Contains(Of(Note)) {
		t.Error("note is absent")
	}
}

func TestSetEqual(t *testing.T) {
	a := FromEntries(Entry{Kind: Underline}, Entry{Kind: Highlight, Payload: 1, HasPayload: true})
	b := FromEntries(Entry{Kind: Highlight, Payload: 1, HasPayload: true}, Entry{Kind: Underline})
	if !a.Equal(b) {
		t.Errorf("%v != %v", a, b)
	}
	c := FromEntries(Entry{Kind: Highlight, Payload: 2, HasPayload: true}, Entry{Kind: Underline})
	if a.Equal(c) {
		t.Errorf("%v == %v", a, c)
	}
	if !Empty().Equal(Of().Clear()) {
		t.Error("empty sets should be equal")
	}
}

func TestSetImmutable(t *testing.T) {
	base := Of(Highlight)
	_ = base.Insert(Of(Underline))
	_ = base.Remove(Of(Highlight))
	if !base.Equal(Of(Highlight)) {
		t.Errorf("receiver mutated: %v", base)
	}
}

func TestSinglesRoundTrip(t *testing.T) {
	s := FromEntries(
		Entry{Kind: Italicize},
		Entry{Kind: Note, Payload: 11, HasPayload: true},
	)
	singles := s.Singles()
	if singles[1] != uint64(Note)<<32|11 {
		t.Errorf("single = %#x", singles[1])
	}
	if singles[0] != uint64(Italicize)<<32|uint64(NoPayload) {
		t.Errorf("bare single = %#x", singles[0])
	}
	if got := FromSingles(singles); !got.Equal(s) {
		t.Errorf("FromSingles = %v, want %v", got, s)
	}
}

func TestSetRewrite(t *testing.T) {
	s := WithPayload(Note, 2)
	got, ok := s.Rewrite(Note, 2, 0)
	if !ok || !got.ContainsPair(Note, 0) {
		t.Errorf("Rewrite = %v, %v", got, ok)
	}
	if _, ok := s.Rewrite(Note, 5, 0); ok {
		t.Error("rewrite of absent id should report no change")
	}
	if _, ok := s.Rewrite(Highlight, 2, 0); ok {
		t.Error("rewrite of other kind should report no change")
	}
}
