package retention_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/retention"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// Two messages: msg-old is past the window, msg-new is not. Both share
// attachment att-shared; only msg-old references att-old.
func retentionFixture(t *testing.T) (base, normalizedDir, attachmentsDir string) {
	t.Helper()
	base = t.TempDir()
	normalizedDir = filepath.Join(base, "normalized")
	attachmentsDir = filepath.Join(base, "attachments")

	writeFile(t, filepath.Join(normalizedDir, "msg-old.json"), `{
  "message_id": "msg-old",
  "run_id": "run-1",
  "ingested_at": "2026-01-01T00:00:00Z",
  "raw_mime_uri": "raw_store/raw_mime/aaaa.eml",
  "raw_mime_sha256": "sha256:1111111111111111111111111111111111111111111111111111111111111111",
  "attachment_ids": ["att-old", "att-shared"]
}`)
	writeFile(t, filepath.Join(normalizedDir, "msg-new.json"), `{
  "message_id": "msg-new",
  "run_id": "run-1",
  "ingested_at": "2026-08-20T00:00:00Z",
  "raw_mime_uri": "raw_store/raw_mime/bbbb.eml",
  "raw_mime_sha256": "sha256:2222222222222222222222222222222222222222222222222222222222222222",
  "attachment_ids": ["att-shared"]
}`)

	writeFile(t, filepath.Join(attachmentsDir, "att-old.artifact.json"), `{
  "attachment_id": "att-old",
  "sha256": "sha256:aaaa000000000000000000000000000000000000000000000000000000000000",
  "extracted_text_uri": "extracted_text/att-old.txt"
}`)
	writeFile(t, filepath.Join(attachmentsDir, "att-shared.artifact.json"), `{
  "attachment_id": "att-shared",
  "sha256": "sha256:bbbb000000000000000000000000000000000000000000000000000000000000",
  "extracted_text_uri": "extracted_text/att-shared.txt"
}`)

	writeFile(t, filepath.Join(base, "raw_store", "raw_mime", "aaaa.eml"), "old raw")
	writeFile(t, filepath.Join(base, "raw_store", "raw_mime", "bbbb.eml"), "new raw")
	writeFile(t, filepath.Join(base, "raw_store", "attachments", "aaaa000000000000000000000000000000000000000000000000000000000000.pdf"), "old blob")
	writeFile(t, filepath.Join(base, "raw_store", "attachments", "bbbb000000000000000000000000000000000000000000000000000000000000.pdf"), "shared blob")
	writeFile(t, filepath.Join(base, "extracted_text", "att-old.txt"), "old text")
	writeFile(t, filepath.Join(base, "extracted_text", "att-shared.txt"), "shared text")
	return base, normalizedDir, attachmentsDir
}

func runParams(base, normalizedDir, attachmentsDir string, dryRun bool) retention.Params {
	return retention.Params{
		BaseDir:        base,
		NormalizedDir:  normalizedDir,
		AttachmentsDir: attachmentsDir,
		RawDays:        90,
		Now:            time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		DryRun:         dryRun,
	}
}

func TestRunDryRunDeletesNothing(t *testing.T) {
	base, nd, ad := retentionFixture(t)

	report, err := retention.Run(runParams(base, nd, ad, true))
	require.NoError(t, err)
	assert.Equal(t, "DRY_RUN", report.Status)

	// refcounting: shared blob and text are retained by msg-new
	assert.Equal(t, []string{"raw_store/raw_mime/aaaa.eml"}, report.Candidates["raw_mime_uris"])
	assert.Equal(t, []string{"sha256:aaaa000000000000000000000000000000000000000000000000000000000000"}, report.Candidates["attachment_sha256"])
	assert.Equal(t, []string{"extracted_text/att-old.txt"}, report.Candidates["extracted_text_uris"])

	assert.FileExists(t, filepath.Join(base, "raw_store", "raw_mime", "aaaa.eml"))
	assert.FileExists(t, filepath.Join(base, "extracted_text", "att-old.txt"))
	for _, d := range report.Applied["raw_mime"] {
		assert.Equal(t, "DRY_RUN", d.Status)
	}
}

func TestRunAppliesRefcountAwareDeletion(t *testing.T) {
	base, nd, ad := retentionFixture(t)

	report, err := retention.Run(runParams(base, nd, ad, false))
	require.NoError(t, err)
	assert.Equal(t, "APPLIED", report.Status)

	assert.NoFileExists(t, filepath.Join(base, "raw_store", "raw_mime", "aaaa.eml"))
	assert.NoFileExists(t, filepath.Join(base, "raw_store", "attachments", "aaaa000000000000000000000000000000000000000000000000000000000000.pdf"))
	assert.NoFileExists(t, filepath.Join(base, "extracted_text", "att-old.txt"))

	// retained by the fresh message
	assert.FileExists(t, filepath.Join(base, "raw_store", "raw_mime", "bbbb.eml"))
	assert.FileExists(t, filepath.Join(base, "raw_store", "attachments", "bbbb000000000000000000000000000000000000000000000000000000000000.pdf"))
	assert.FileExists(t, filepath.Join(base, "extracted_text", "att-shared.txt"))
}

func TestRunRejectsPathEscape(t *testing.T) {
	base := t.TempDir()
	normalizedDir := filepath.Join(base, "normalized")
	writeFile(t, filepath.Join(normalizedDir, "msg-evil.json"), `{
  "message_id": "msg-evil",
  "run_id": "run-1",
  "ingested_at": "2026-01-01T00:00:00Z",
  "raw_mime_uri": "../outside.eml",
  "raw_mime_sha256": "sha256:1111111111111111111111111111111111111111111111111111111111111111",
  "attachment_ids": []
}`)

	_, err := retention.Run(retention.Params{
		BaseDir:        base,
		NormalizedDir:  normalizedDir,
		AttachmentsDir: filepath.Join(base, "attachments"),
		RawDays:        30,
		Now:            time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		DryRun:         true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside base dir")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev.yaml")
	writeFile(t, path, "retention:\n  raw_days: 180\n  normalized_days: 365\n  audit_years: 10\n")

	cfg, err := retention.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 180, cfg.RawDays)
	assert.Equal(t, 365, cfg.NormalizedDays)
	assert.Equal(t, 10, cfg.AuditYears)

	writeFile(t, path, "retention:\n  raw_days: -1\n  normalized_days: 0\n  audit_years: 0\n")
	_, err = retention.LoadConfig(path)
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))

	writeFile(t, path, "pack: {}\n")
	_, err = retention.LoadConfig(path)
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeConfigInvalid, ieimerr.CodeOf(err))
}
