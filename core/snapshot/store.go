package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// osRename is a variable to allow testing of rename errors.
var osRename = os.Rename

// tempFileWrite is a function variable for writing to temp files (for testing).
var tempFileWrite = func(f *os.File, data []byte) (int, error) {
	return f.Write(data)
}

// tempFileClose is a function variable for closing temp files (for testing).
var tempFileClose = func(f io.Closer) error {
	return f.Close()
}

// ErrSnapshotNotFound is returned when no snapshot has the given hash.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrInvalidHash is returned when a hash string is not a valid BLAKE3 hex string.
var ErrInvalidHash = errors.New("invalid hash format")

var hashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

const ext = ".mgsn"

// Store keeps snapshot envelopes on disk addressed by the BLAKE3 hash of
// their bytes. Identical snapshots are stored once.
type Store struct {
	root string
}

// NewStore creates a store at root, creating directories as needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "snapshots", "blake3"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Put stores an envelope and returns its hash. The envelope is checked
// before it is written.
func (s *Store) Put(data []byte) (string, error) {
	if _, err := Inspect(data); err != nil {
		return "", err
	}
	hash := Hash(data)
	path := s.pathForHash(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create prefix directory: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	if _, err := tempFileWrite(tempFile, data); err != nil {
		tempFileClose(tempFile)
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tempFileClose(tempFile); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := osRename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return hash, nil
}

// Get returns the envelope stored under hash.
func (s *Store) Get(hash string) ([]byte, error) {
	if !hashPattern.MatchString(hash) {
		return nil, ErrInvalidHash
	}
	data, err := os.ReadFile(s.pathForHash(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// Exists reports whether hash is stored.
func (s *Store) Exists(hash string) bool {
	if !hashPattern.MatchString(hash) {
		return false
	}
	_, err := os.Stat(s.pathForHash(hash))
	return err == nil
}

// Delete removes hash. Deleting a missing snapshot is not an error.
func (s *Store) Delete(hash string) error {
	if !hashPattern.MatchString(hash) {
		return ErrInvalidHash
	}
	if err := os.Remove(s.pathForHash(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// List returns every stored hash in sorted order.
func (s *Store) List() ([]string, error) {
	var out []string
	base := filepath.Join(s.root, "snapshots", "blake3")
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ext) {
			return nil
		}
		if h := strings.TrimSuffix(name, ext); hashPattern.MatchString(h) {
			out = append(out, h)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// pathForHash returns <root>/snapshots/blake3/<first2>/<hash>.mgsn.
func (s *Store) pathForHash(hash string) string {
	return filepath.Join(s.root, "snapshots", "blake3", hash[:2], hash+ext)
}

// Hash computes the BLAKE3 hash of data as lowercase hex.
func Hash(data []byte) string {
	h := blake3.Sum256(data)
	return hex.EncodeToString(h[:])
}
