//go:build gcp

package rawstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// GCSStore mirrors the content-addressed layout into a GCS bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSStore creates a GCS-backed store mirror (ADC credentials).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "create GCS client")
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectPath(uri string) string {
	if s.prefix == "" {
		return uri
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + uri
}

// Put uploads data under its content address. An existing object with a
// conflicting metadata sha256 is an immutability violation.
func (s *GCSStore) Put(ctx context.Context, kind string, data []byte, ext string) (PutResult, error) {
	if err := validateKindExt(kind, ext); err != nil {
		return PutResult{}, err
	}

	sha := canonicalize.HashBytes(data)
	uri := ObjectURI(kind, sha, ext)
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(uri))

	attrs, err := obj.Attrs(ctx)
	if err == nil {
		if metaSha := attrs.Metadata["sha256"]; metaSha != "" && metaSha != sha {
			return PutResult{}, ieimerr.New(ieimerr.CodeImmutabilityViolation,
				"existing object metadata sha256 mismatch at %s", uri)
		}
		return PutResult{URI: uri, SHA256: sha, SizeBytes: len(data)}, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return PutResult{}, ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "gcs attrs %s", uri)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{
		"sha256":     sha,
		"size_bytes": strconv.Itoa(len(data)),
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return PutResult{}, ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "gcs write %s", uri)
	}
	if err := w.Close(); err != nil {
		return PutResult{}, ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "gcs close %s", uri)
	}

	return PutResult{URI: uri, SHA256: sha, SizeBytes: len(data)}, nil
}

// Get downloads the object at a store-relative URI.
func (s *GCSStore) Get(ctx context.Context, uri string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.objectPath(uri)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ieimerr.New(ieimerr.CodeNotFound, "object %s", uri)
		}
		return nil, ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "gcs get %s", uri)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read body %s: %w", uri, err)
	}
	return data, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func init() {
	mirrorOpeners["gs"] = func(ctx context.Context, u *url.URL) (Store, error) {
		if u.Host == "" {
			return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "gs mirror URI needs a bucket: %s", u.String())
		}
		return NewGCSStore(ctx, GCSStoreConfig{
			Bucket: u.Host,
			Prefix: strings.TrimPrefix(u.Path, "/"),
		})
	}
}
