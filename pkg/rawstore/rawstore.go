// Package rawstore provides the append-only, content-addressed object store
// for raw MIME, attachment blobs, and derived attachment text. Objects live
// at raw_store/<kind>/<hex_sha256><ext>; a path collision either dedupes
// (same bytes) or fails with IMMUTABILITY_VIOLATION (different bytes).
package rawstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// PutResult describes a stored object.
type PutResult struct {
	URI       string `json:"uri"`
	SHA256    string `json:"sha256"`
	SizeBytes int    `json:"size_bytes"`
}

// Store is the content-addressed object store contract. Put is idempotent
// for identical bytes and fatal for divergent bytes at the same address.
type Store interface {
	Put(ctx context.Context, kind string, data []byte, ext string) (PutResult, error)
	Get(ctx context.Context, uri string) ([]byte, error)
}

func validateKindExt(kind, ext string) error {
	if kind == "" || strings.ContainsAny(kind, `/\`) {
		return ieimerr.New(ieimerr.CodeConfigInvalid, "kind must be a simple token, got %q", kind)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		return ieimerr.New(ieimerr.CodeConfigInvalid, "file extension must start with '.', got %q", ext)
	}
	return nil
}

// ObjectURI computes the store-relative URI for the given content.
func ObjectURI(kind string, sha256Prefixed, ext string) string {
	hexHash := strings.TrimPrefix(sha256Prefixed, "sha256:")
	return path.Join("raw_store", kind, hexHash+ext)
}

// FileStore is the local-filesystem Store. Writes go to a sibling .tmp file
// followed by an atomic rename.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// BaseDir returns the store root.
func (s *FileStore) BaseDir() string { return s.baseDir }

// Put stores data under its content address and returns the reference.
func (s *FileStore) Put(_ context.Context, kind string, data []byte, ext string) (PutResult, error) {
	if err := validateKindExt(kind, ext); err != nil {
		return PutResult{}, err
	}

	sha := canonicalize.HashBytes(data)
	rel := ObjectURI(kind, sha, ext)
	abs := filepath.Join(s.baseDir, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("rawstore mkdir: %w", err)
	}

	existing, err := os.ReadFile(abs)
	switch {
	case err == nil:
		if canonicalize.HashBytes(existing) != sha {
			return PutResult{}, ieimerr.New(ieimerr.CodeImmutabilityViolation,
				"existing content mismatch at %s", rel)
		}
		return PutResult{URI: rel, SHA256: sha, SizeBytes: len(data)}, nil
	case errors.Is(err, fs.ErrNotExist):
		// fall through to write
	default:
		return PutResult{}, fmt.Errorf("rawstore read existing: %w", err)
	}

	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return PutResult{}, fmt.Errorf("rawstore write tmp: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return PutResult{}, fmt.Errorf("rawstore rename: %w", err)
	}
	return PutResult{URI: rel, SHA256: sha, SizeBytes: len(data)}, nil
}

// Get returns the bytes for a store-relative URI.
func (s *FileStore) Get(_ context.Context, uri string) ([]byte, error) {
	abs := filepath.Join(s.baseDir, filepath.FromSlash(uri))
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ieimerr.New(ieimerr.CodeNotFound, "object %s", uri)
		}
		return nil, fmt.Errorf("rawstore get %s: %w", uri, err)
	}
	return data, nil
}

// MirroredStore writes through a primary Store and then a mirror. Reads are
// served by the primary; the mirror is a durability copy (S3 or GCS).
// Mirror failures surface to the caller so a half-written pair is visible.
type MirroredStore struct {
	Primary Store
	Mirror  Store
}

// Put stores in the primary first, then the mirror. Both must agree on the
// content address.
func (m *MirroredStore) Put(ctx context.Context, kind string, data []byte, ext string) (PutResult, error) {
	res, err := m.Primary.Put(ctx, kind, data, ext)
	if err != nil {
		return PutResult{}, err
	}
	mres, err := m.Mirror.Put(ctx, kind, data, ext)
	if err != nil {
		return PutResult{}, fmt.Errorf("rawstore mirror put: %w", err)
	}
	if mres.SHA256 != res.SHA256 {
		return PutResult{}, ieimerr.New(ieimerr.CodeImmutabilityViolation,
			"mirror hash %s diverges from primary %s", mres.SHA256, res.SHA256)
	}
	return res, nil
}

// Get reads from the primary store.
func (m *MirroredStore) Get(ctx context.Context, uri string) ([]byte, error) {
	return m.Primary.Get(ctx, uri)
}
