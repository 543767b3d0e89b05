package rawstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// S3Store mirrors the content-addressed layout into an S3 bucket. Object
// metadata carries the prefixed sha256 so divergent rewrites are detected
// without downloading the body.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string // Optional key prefix
}

// NewS3Store creates an S3-backed store mirror.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "load AWS config")
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(uri string) string {
	if s.prefix == "" {
		return uri
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + uri
}

// Put uploads data under its content address. An existing object with a
// conflicting metadata sha256 is an immutability violation.
func (s *S3Store) Put(ctx context.Context, kind string, data []byte, ext string) (PutResult, error) {
	if err := validateKindExt(kind, ext); err != nil {
		return PutResult{}, err
	}

	sha := canonicalize.HashBytes(data)
	uri := ObjectURI(kind, sha, ext)
	key := s.key(uri)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		if metaSha := head.Metadata["sha256"]; metaSha != "" && metaSha != sha {
			return PutResult{}, ieimerr.New(ieimerr.CodeImmutabilityViolation,
				"existing object metadata sha256 mismatch at %s", key)
		}
		return PutResult{URI: uri, SHA256: sha, SizeBytes: len(data)}, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"sha256":     sha,
			"size_bytes": strconv.Itoa(len(data)),
		},
	})
	if err != nil {
		return PutResult{}, ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "s3 put %s", key)
	}

	return PutResult{URI: uri, SHA256: sha, SizeBytes: len(data)}, nil
}

// Get downloads the object at a store-relative URI.
func (s *S3Store) Get(ctx context.Context, uri string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(uri)),
	})
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "s3 get %s", uri)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read body %s: %w", uri, err)
	}
	return data, nil
}
