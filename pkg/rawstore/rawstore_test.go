package rawstore_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/rawstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_Put_ContentAddressedLayout(t *testing.T) {
	store := rawstore.NewFileStore(t.TempDir())

	res, err := store.Put(context.Background(), "raw_mime", []byte("From: a@b\r\n\r\nhello"), ".eml")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.SHA256, "sha256:"))
	hexHash := strings.TrimPrefix(res.SHA256, "sha256:")
	assert.Equal(t, "raw_store/raw_mime/"+hexHash+".eml", res.URI)
	assert.Equal(t, 18, res.SizeBytes)

	got, err := store.Get(context.Background(), res.URI)
	require.NoError(t, err)
	assert.Equal(t, []byte("From: a@b\r\n\r\nhello"), got)
}

func TestFileStore_Put_IdempotentForSameBytes(t *testing.T) {
	store := rawstore.NewFileStore(t.TempDir())
	ctx := context.Background()

	first, err := store.Put(ctx, "attachments", []byte("blob"), ".pdf")
	require.NoError(t, err)
	second, err := store.Put(ctx, "attachments", []byte("blob"), ".pdf")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFileStore_Put_DivergentBytesAtSamePath(t *testing.T) {
	dir := t.TempDir()
	store := rawstore.NewFileStore(dir)
	ctx := context.Background()

	res, err := store.Put(ctx, "attachments", []byte("original"), "")
	require.NoError(t, err)

	// Corrupt the stored object in place, then re-put the original bytes.
	abs := filepath.Join(dir, filepath.FromSlash(res.URI))
	require.NoError(t, os.WriteFile(abs, []byte("tampered"), 0o644))

	_, err = store.Put(ctx, "attachments", []byte("original"), "")
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeImmutabilityViolation, ieimerr.CodeOf(err))
}

func TestFileStore_Put_RejectsBadKindAndExt(t *testing.T) {
	store := rawstore.NewFileStore(t.TempDir())
	ctx := context.Background()

	_, err := store.Put(ctx, "a/b", []byte("x"), "")
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))

	_, err = store.Put(ctx, "", []byte("x"), "")
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))

	_, err = store.Put(ctx, "raw_mime", []byte("x"), "eml")
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))
}

func TestFileStore_Get_NotFound(t *testing.T) {
	store := rawstore.NewFileStore(t.TempDir())

	_, err := store.Get(context.Background(), "raw_store/raw_mime/deadbeef.eml")
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeNotFound, ieimerr.CodeOf(err))
}

func TestFileStore_Put_NoTmpLeftovers(t *testing.T) {
	dir := t.TempDir()
	store := rawstore.NewFileStore(dir)

	_, err := store.Put(context.Background(), "attachment_text", []byte("text"), ".txt")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "raw_store", "attachment_text"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, strings.HasSuffix(entries[0].Name(), ".tmp"))
}

func TestMirroredStore_PutWritesBoth(t *testing.T) {
	primary := rawstore.NewFileStore(t.TempDir())
	mirrorDir := t.TempDir()
	mirror := rawstore.NewFileStore(mirrorDir)
	store := &rawstore.MirroredStore{Primary: primary, Mirror: mirror}
	ctx := context.Background()

	res, err := store.Put(ctx, "raw_mime", []byte("mirrored"), ".eml")
	require.NoError(t, err)

	fromMirror, err := mirror.Get(ctx, res.URI)
	require.NoError(t, err)
	assert.Equal(t, []byte("mirrored"), fromMirror)

	fromStore, err := store.Get(ctx, res.URI)
	require.NoError(t, err)
	assert.Equal(t, []byte("mirrored"), fromStore)
}

func TestOpenMirror_DirectoryPath(t *testing.T) {
	mirrorDir := t.TempDir()
	mirror, err := rawstore.OpenMirror(context.Background(), mirrorDir)
	require.NoError(t, err)

	store := &rawstore.MirroredStore{Primary: rawstore.NewFileStore(t.TempDir()), Mirror: mirror}
	res, err := store.Put(context.Background(), "mime", []byte("via uri"), ".eml")
	require.NoError(t, err)

	mirrored, err := os.ReadFile(filepath.Join(mirrorDir, filepath.FromSlash(res.URI)))
	require.NoError(t, err)
	assert.Equal(t, []byte("via uri"), mirrored)
}

func TestOpenMirror_RejectsUnknownScheme(t *testing.T) {
	_, err := rawstore.OpenMirror(context.Background(), "ftp://bucket/prefix")
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))
}

func TestOpenMirror_S3NeedsBucket(t *testing.T) {
	_, err := rawstore.OpenMirror(context.Background(), "s3://")
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))
}
