package ingest_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/ieim/pkg/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func corpusFixture(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	rawDir := filepath.Join(root, "raw_mime")
	attDir := filepath.Join(root, "attachments")

	writeFile(t, filepath.Join(root, "MANIFEST.sha256"), "")
	writeFile(t, filepath.Join(rawDir, "msg-a.eml"),
		"From: kunde@example.at\nDate: Tue, 25 Aug 2026 09:15:00 +0200\nSubject: Schadenmeldung\n\nHallo\n")
	writeFile(t, filepath.Join(rawDir, "msg-b.eml"),
		"From: kunde@example.at\nDate: 2026-08-25T08:00:00Z\nSubject: Frage\n\nHallo\n")
	writeFile(t, filepath.Join(rawDir, "msg-c.eml"),
		"From: kunde@example.at\nDate: 2026-08-25T09:00:00Z\nSubject: Update\n\nHallo\n")

	writeFile(t, filepath.Join(root, "extracted", "att-1.txt"), "Gutachten Graz")
	writeFile(t, filepath.Join(attDir, "att-1.artifact.json"), `{
  "message_id": "msg-a",
  "attachment_id": "att-1",
  "filename": "gutachten.pdf",
  "mime_type": "application/pdf",
  "size_bytes": 14,
  "extracted_text_uri": "extracted/att-1.txt"
}`)
	return rawDir, attDir
}

func TestFilesystemAdapterCursorPaging(t *testing.T) {
	rawDir, attDir := corpusFixture(t)
	adapter, err := ingest.NewFilesystemAdapter(rawDir, attDir, "")
	require.NoError(t, err)
	ctx := context.Background()

	refs, cursor, err := adapter.ListMessageRefs(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "msg-a", refs[0].SourceMessageID)
	assert.Equal(t, "msg-b", refs[1].SourceMessageID)
	require.NotNil(t, cursor)
	assert.Equal(t, "msg-b", *cursor)

	refs, cursor, err = adapter.ListMessageRefs(ctx, cursor, 2)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "msg-c", refs[0].SourceMessageID)
	require.NotNil(t, cursor)
	assert.Equal(t, "msg-c", *cursor)

	// drained: cursor stays put
	refs, cursor, err = adapter.ListMessageRefs(ctx, cursor, 2)
	require.NoError(t, err)
	assert.Empty(t, refs)
	require.NotNil(t, cursor)
	assert.Equal(t, "msg-c", *cursor)

	_, _, err = adapter.ListMessageRefs(ctx, nil, 0)
	assert.Error(t, err)
}

func TestFilesystemAdapterReceivedAt(t *testing.T) {
	rawDir, attDir := corpusFixture(t)
	adapter, err := ingest.NewFilesystemAdapter(rawDir, attDir, "")
	require.NoError(t, err)
	ctx := context.Background()

	rfc5322, err := adapter.ReceivedAt(ctx, ingest.MessageRef{SourceMessageID: "msg-a"})
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25T07:15:00Z", rfc5322.Format("2006-01-02T15:04:05Z"))

	rfc3339, err := adapter.ReceivedAt(ctx, ingest.MessageRef{SourceMessageID: "msg-b"})
	require.NoError(t, err)
	assert.Equal(t, "2026-08-25T08:00:00Z", rfc3339.Format("2006-01-02T15:04:05Z"))
}

func TestFilesystemAdapterAttachments(t *testing.T) {
	rawDir, attDir := corpusFixture(t)
	adapter, err := ingest.NewFilesystemAdapter(rawDir, attDir, "")
	require.NoError(t, err)
	ctx := context.Background()

	atts, err := adapter.ListAttachments(ctx, ingest.MessageRef{SourceMessageID: "msg-a"})
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "att-1", atts[0].AttachmentID)
	assert.Equal(t, "gutachten.pdf", atts[0].Filename)

	data, err := adapter.FetchAttachmentBytes(ctx, atts[0])
	require.NoError(t, err)
	assert.Equal(t, "Gutachten Graz", string(data))

	_, err = adapter.FetchAttachmentBytes(ctx, ingest.AttachmentRef{AttachmentID: "nope"})
	assert.Error(t, err)
}

func TestCursorAndDedupeStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cursorPath := filepath.Join(dir, "state", "ingest_cursor.json")

	state, err := ingest.ReadCursor(cursorPath)
	require.NoError(t, err)
	assert.Nil(t, state.Cursor)

	c := "msg-b"
	require.NoError(t, ingest.WriteCursor(cursorPath, ingest.CursorState{Cursor: &c}))
	state, err = ingest.ReadCursor(cursorPath)
	require.NoError(t, err)
	require.NotNil(t, state.Cursor)
	assert.Equal(t, "msg-b", *state.Cursor)

	dedupePath := filepath.Join(dir, "state", "dedupe_state.json")
	dedupe, err := ingest.ReadDedupeState(dedupePath)
	require.NoError(t, err)
	assert.False(t, dedupe.Seen("sha256:aa"))

	dedupe.Add("sha256:bb")
	dedupe.Add("sha256:aa")
	require.NoError(t, dedupe.Write(dedupePath))

	reloaded, err := ingest.ReadDedupeState(dedupePath)
	require.NoError(t, err)
	assert.True(t, reloaded.Seen("sha256:aa"))
	assert.True(t, reloaded.Seen("sha256:bb"))
	assert.False(t, reloaded.Seen("sha256:cc"))
}

func TestGatewayAcceptsAndRejects(t *testing.T) {
	gw := ingest.NewGateway(func(raw []byte, headers http.Header) (string, error) {
		if strings.Contains(string(raw), "boom") {
			return "", errors.New("processing failed")
		}
		return "src-123", nil
	}, ingest.GatewayOptions{})
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/ingest", "message/rfc822", strings.NewReader("From: a@b\n\nhi"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/ingest", "message/rfc822", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/ingest", "message/rfc822", strings.NewReader("boom"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGatewayRateLimit(t *testing.T) {
	gw := ingest.NewGateway(func(raw []byte, headers http.Header) (string, error) {
		return "src", nil
	}, ingest.GatewayOptions{RatePerSecond: 0.001, Burst: 1})
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/ingest", "message/rfc822", strings.NewReader("one"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/ingest", "message/rfc822", strings.NewReader("two"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
