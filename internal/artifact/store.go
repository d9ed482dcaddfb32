// Package artifact persists byte content under a run's artifact namespace
// and hands back stable artifact:// references with content digests.
//
// Structured content (maps, slices) is serialized to canonical indented JSON
// before hashing and storage; Go's encoding/json sorts map keys, so the same
// value always produces the same bytes and the same digest.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// RefPrefix is the scheme + namespace every reference carries. Resolving a
// reference means stripping this prefix and reading the relative path under
// the run's artifacts directory.
const RefPrefix = "artifact://artifacts/"

// ErrNotFound is returned when a reference points at no stored artifact.
var ErrNotFound = errors.New("artifact: not found")

// ErrInvalidRef is returned for references outside the artifact:// namespace
// or whose relative path escapes the run's artifact directory.
var ErrInvalidRef = errors.New("artifact: invalid reference")

// Saved describes one completed write. The fields feed directly into the
// artifact.saved event.
type Saved struct {
	ArtifactID string // relative path under artifacts/, primary key within the run
	Ref        string // artifact://artifacts/<rel>
	MIME       string
	SHA256     string
	Bytes      int64
	Path       string // absolute path on disk
}

// Store is the artifact namespace of a single run: <runDir>/artifacts.
type Store struct {
	dir string
}

// NewStore creates the artifacts directory for a run if needed.
func NewStore(runDir string) (*Store, error) {
	dir := filepath.Join(runDir, "artifacts")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("artifact: create directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the absolute artifacts directory.
func (s *Store) Dir() string { return s.dir }

// Save writes content under relPath and returns the reference and digest.
// Writing the same relPath twice overwrites the previous bytes; the trace log
// keeps both artifact.saved events, so the log is a history of writes rather
// than a snapshot. Nested relative paths get their directories created.
func (s *Store) Save(relPath string, content any, mime string) (Saved, error) {
	rel, err := cleanRel(relPath)
	if err != nil {
		return Saved{}, err
	}

	data, err := Canonicalize(content)
	if err != nil {
		return Saved{}, err
	}

	abs := filepath.Join(s.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return Saved{}, fmt.Errorf("artifact: create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o640); err != nil {
		return Saved{}, fmt.Errorf("artifact: write %s: %w", rel, err)
	}

	sum := sha256.Sum256(data)
	return Saved{
		ArtifactID: rel,
		Ref:        RefPrefix + rel,
		MIME:       mime,
		SHA256:     hex.EncodeToString(sum[:]),
		Bytes:      int64(len(data)),
		Path:       abs,
	}, nil
}

// Resolve reads back the bytes a reference points at.
func (s *Store) Resolve(ref string) ([]byte, error) {
	rel, err := RelFromRef(ref)
	if err != nil {
		return nil, err
	}
	return s.Read(rel)
}

// Read returns the bytes stored under a relative artifact path.
func (s *Store) Read(relPath string) ([]byte, error) {
	rel, err := cleanRel(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", rel, err)
	}
	return data, nil
}

// RelFromRef strips the artifact:// prefix and validates the remainder.
func RelFromRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, RefPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return cleanRel(strings.TrimPrefix(ref, RefPrefix))
}

// cleanRel normalizes a caller-supplied relative path and rejects anything
// that would escape the artifacts directory.
func cleanRel(relPath string) (string, error) {
	rel := strings.TrimPrefix(relPath, "/")
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidRef)
	}
	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %q escapes the artifact namespace", ErrInvalidRef, relPath)
	}
	return cleaned, nil
}

// Canonicalize converts arbitrary content to the exact bytes that are stored
// and hashed. Byte slices pass through untouched, strings become UTF-8, and
// everything else is marshaled as indented JSON with stable key order.
func Canonicalize(content any) ([]byte, error) {
	switch v := content.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("artifact: serialize content: %w", err)
		}
		return data, nil
	}
}
