package store

import (
	"bytes"
	"testing"

	"github.com/FocuswithJustin/marginalia/core/flags"
)

func TestPutGet(t *testing.T) {
	s := New()
	for i, p := range []string{"red", "green", "blue"} {
		id := s.Put(flags.Highlight, []byte(p))
		if id != flags.PayloadID(i) {
			t.Errorf("Put(%q) = %d, want %d", p, id, i)
		}
	}
	if got := s.Get(1); got.Kind != flags.Highlight || string(got.Payload) != "green" {
		t.Errorf("Get(1) = %+v", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	buf := []byte("note")
	id := s.Put(flags.Note, buf)
	buf[0] = 'X'
	got := s.Get(id)
	got.Payload[1] = 'Y'
	if !bytes.Equal(s.Get(id).Payload, []byte("note")) {
		t.Errorf("payload aliased: %q", s.Get(id).Payload)
	}
}

func TestGetOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	New().Get(0)
}

func TestUpdate(t *testing.T) {
	s := New()
	id := s.Put(flags.Note, []byte("draft"))
	s.Update(id, []byte("final"))
	if got := s.Get(id); string(got.Payload) != "final" || got.Kind != flags.Note {
		t.Errorf("after update: %+v", got)
	}
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name      string
		remove    flags.PayloadID
		wantMoved bool
		want      Relocation
		wantItems []string
	}{
		{"first", 0, true, Relocation{Kind: flags.Underline, From: 2, To: 0}, []string{"c", "b"}},
		{"middle", 1, true, Relocation{Kind: flags.Underline, From: 2, To: 1}, []string{"a", "c"}},
		{"last", 2, false, Relocation{}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.Put(flags.Highlight, []byte("a"))
			s.Put(flags.Note, []byte("b"))
			s.Put(flags.Underline, []byte("c"))

			moved, ok := s.Remove(tt.remove)
			if ok != tt.wantMoved || moved != tt.want {
				t.Errorf("Remove = %+v, %v; want %+v, %v", moved, ok, tt.want, tt.wantMoved)
			}
			if s.Len() != len(tt.wantItems) {
				t.Fatalf("Len = %d", s.Len())
			}
			for i, w := range tt.wantItems {
				if got := string(s.Get(flags.PayloadID(i)).Payload); got != w {
					t.Errorf("item %d = %q, want %q", i, got, w)
				}
			}
		})
	}
}

func TestLookup(t *testing.T) {
	s := FromItems([]Item{{Kind: flags.Note, Payload: []byte("x")}})
	if _, ok := s.Lookup(1); ok {
		t.Error("Lookup(1) should miss")
	}
	if it, ok := s.Lookup(0); !ok || string(it.Payload) != "x" {
		t.Errorf("Lookup(0) = %+v, %v", it, ok)
	}
}
