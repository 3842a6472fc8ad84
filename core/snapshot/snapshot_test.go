package snapshot

import (
	"bytes"
	"errors"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/marginalia/core/codec"
	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/store"
)

func sampleState() codec.SaveState {
	return codec.SaveState{
		Version: codec.CurrentVersion,
		Data: []store.Item{
			{Kind: flags.Note, Payload: []byte(strings.Repeat("a long note ", 40))},
		},
		Nodes: []codec.SavedSegmentation{{
			BlockIndex: 2,
			Runs: []codec.SavedFlagRun{
				{Offset: 0, Length: 4, HasLength: true, Singles: []uint64{uint64(flags.Note) << 32}},
				{Offset: 9, Singles: []uint64{uint64(flags.Underline)<<32 | uint64(flags.NoPayload)}},
			},
		}},
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionXZ, CompressionZstd, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			b, err := Encode(sampleState(), Options{Compression: c})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			h, err := Inspect(b)
			if err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if h.Version != Version || h.Compression != c {
				t.Errorf("header = %+v", h)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, sampleState()) {
				t.Errorf("Decode = %+v", got)
			}
		})
	}
}

func TestZstdLevels(t *testing.T) {
	if _, err := Encode(sampleState(), Options{Compression: CompressionZstd, Level: 4}); err != nil {
		t.Errorf("level 4: %v", err)
	}
	if _, err := Encode(sampleState(), Options{Compression: CompressionZstd, Level: 9}); !errors.Is(err, merrors.ErrInvalidInput) {
		t.Errorf("level 9: err = %v", err)
	}
}

func TestLZ4IncompressibleFallsBack(t *testing.T) {
	b, err := Wrap([]byte{1, 2, 3}, Options{Compression: CompressionLZ4})
	if err != nil {
		t.Fatal(err)
	}
	h, _ := Inspect(b)
	if h.Compression != CompressionNone {
		t.Errorf("compression = %v, want none", h.Compression)
	}
	raw, err := Unwrap(b)
	if err != nil || !bytes.Equal(raw, []byte{1, 2, 3}) {
		t.Errorf("Unwrap = %v, %v", raw, err)
	}
}

func TestParseCompression(t *testing.T) {
	tests := map[string]Compression{"": CompressionXZ, "XZ": CompressionXZ, "none": CompressionNone, "zstd": CompressionZstd, " lz4": CompressionLZ4}
	for in, want := range tests {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCompression("bzip2"); !errors.Is(err, merrors.ErrUnsupported) {
		t.Errorf("bzip2: err = %v", err)
	}
}

func TestUnwrapRejects(t *testing.T) {
	good, err := Encode(sampleState(), Options{Compression: CompressionNone})
	if err != nil {
		t.Fatal(err)
	}
	mutate := func(fn func(b []byte) []byte) []byte {
		return fn(append([]byte(nil), good...))
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"truncated header", good[:HeaderSize-1], merrors.ErrCorrupt},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'X'; return b }), merrors.ErrCorrupt},
		{"newer version", mutate(func(b []byte) []byte { b[4] = Version + 1; return b }), merrors.ErrUnsupported},
		{"unknown compression", mutate(func(b []byte) []byte { b[5] = 9; return b }), merrors.ErrCorrupt},
		{"flipped body", mutate(func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }), merrors.ErrCorrupt},
		{"short body", good[:len(good)-1], merrors.ErrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestXZWriterError(t *testing.T) {
	orig := xzNewWriter
	defer func() { xzNewWriter = orig }()
	xzNewWriter = func(io.Writer) (*xz.Writer, error) {
		return nil, errors.New("xz unavailable")
	}
	if _, err := Encode(sampleState(), DefaultOptions()); err == nil {
		t.Error("expected error from xz writer")
	}
}

func TestStorePutGet(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(sampleState(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	hash, err := s.Put(b)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hash != Hash(b) {
		t.Errorf("hash = %s, want %s", hash, Hash(b))
	}
	again, err := s.Put(b)
	if err != nil || again != hash {
		t.Errorf("second Put = %s, %v", again, err)
	}
	if !s.Exists(hash) {
		t.Error("Exists = false")
	}

	got, err := s.Get(hash)
	if err != nil || !bytes.Equal(got, b) {
		t.Fatalf("Get = %v", err)
	}
	list, err := s.List()
	if err != nil || !reflect.DeepEqual(list, []string{hash}) {
		t.Errorf("List = %v, %v", list, err)
	}

	if err := s.Delete(hash); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(hash); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
}

func TestStoreRejects(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put([]byte("not a snapshot")); !errors.Is(err, merrors.ErrCorrupt) {
		t.Errorf("Put garbage: %v", err)
	}
	if _, err := s.Get("xyz"); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("Get bad hash: %v", err)
	}
	if s.Exists("xyz") {
		t.Error("Exists(bad hash) = true")
	}
}

func TestStoreRenameError(t *testing.T) {
	orig := osRename
	defer func() { osRename = orig }()
	osRename = func(string, string) error { return os.ErrPermission }

	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Encode(sampleState(), Options{Compression: CompressionNone})
	if _, err := s.Put(b); err == nil {
		t.Fatal("expected rename error")
	}
	if list, _ := s.List(); len(list) != 0 {
		t.Errorf("temp file left behind as snapshot: %v", list)
	}
}

func TestStoreWriteError(t *testing.T) {
	orig := tempFileWrite
	defer func() { tempFileWrite = orig }()
	tempFileWrite = func(*os.File, []byte) (int, error) { return 0, io.ErrShortWrite }

	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Encode(sampleState(), Options{Compression: CompressionNone})
	if _, err := s.Put(b); err == nil {
		t.Fatal("expected write error")
	}
}
