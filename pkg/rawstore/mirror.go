package rawstore

import (
	"context"
	"net/url"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// mirrorOpeners maps URI schemes to store constructors. Backends behind
// build tags register themselves from their own files.
var mirrorOpeners = map[string]func(ctx context.Context, u *url.URL) (Store, error){
	"s3": openS3Mirror,
}

// OpenMirror builds the Store for a mirror URI: s3://bucket[/prefix]
// (query params region and endpoint), gs://bucket[/prefix] under the gcp
// build tag, or a plain directory path for a filesystem mirror.
func OpenMirror(ctx context.Context, rawURI string) (Store, error) {
	u, err := url.Parse(rawURI)
	if err != nil || u.Scheme == "" {
		return NewFileStore(rawURI), nil
	}
	open, ok := mirrorOpeners[u.Scheme]
	if !ok {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "unsupported mirror scheme %q in %s", u.Scheme, rawURI)
	}
	return open(ctx, u)
}

func openS3Mirror(ctx context.Context, u *url.URL) (Store, error) {
	if u.Host == "" {
		return nil, ieimerr.New(ieimerr.CodeConfigInvalid, "s3 mirror URI needs a bucket: %s", u.String())
	}
	q := u.Query()
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   u.Host,
		Region:   q.Get("region"),
		Endpoint: q.Get("endpoint"),
		Prefix:   strings.TrimPrefix(u.Path, "/"),
	})
}
