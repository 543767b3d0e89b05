package normalize_test

import (
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainMessage = "From: Erika Musterfrau <erika@example.com>\r\n" +
	"To: intake@versicherung.example\r\n" +
	"Cc: broker@example.com\r\n" +
	"Subject: Schadenmeldung Polizze 12-3456789\r\n" +
	"Message-ID: <abc-123@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Guten Tag,\r\n" +
	"bitte um Rueckmeldung.\r\n\r\n"

func buildInput(raw string) normalize.Input {
	sha := canonicalize.HashBytes([]byte(raw))
	mid := normalize.MessageID("filesystem", "msg-001")
	return normalize.Input{
		RawMIME:         []byte(raw),
		MessageID:       mid,
		RunID:           normalize.RunID(mid, sha),
		IngestedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ReceivedAt:      time.Date(2026, 3, 1, 11, 59, 30, 0, time.UTC),
		IngestionSource: "filesystem",
		RawMIMEURI:      "raw_store/raw_mime/deadbeef.eml",
		RawMIMESHA256:   sha,
		AttachmentIDs:   []string{},
	}
}

func TestBuildNormalizedMessage(t *testing.T) {
	nm, err := normalize.Build(buildInput(plainMessage))
	require.NoError(t, err)

	assert.Equal(t, "erika@example.com", nm.FromEmail)
	require.NotNil(t, nm.FromDisplayName)
	assert.Equal(t, "Erika Musterfrau", *nm.FromDisplayName)
	assert.Equal(t, []string{"intake@versicherung.example"}, nm.ToEmails)
	assert.Equal(t, []string{"broker@example.com"}, nm.CCEmails)
	assert.Equal(t, "schadenmeldung polizze 12-3456789", nm.SubjectC14N)
	assert.Equal(t, "Guten Tag,\r\nbitte um Rueckmeldung.", nm.BodyText, "trailing newlines stripped")
	assert.Equal(t, strings.ToLower(nm.BodyText), nm.BodyTextC14N)
	assert.Equal(t, "de", nm.Language)
	assert.Equal(t, "2026-03-01T12:00:00Z", nm.IngestedAt)
	require.NotNil(t, nm.ThreadKeys.InternetMessageID)
	assert.True(t, strings.HasPrefix(nm.MessageFingerprint, "sha256:"))
	assert.True(t, canonicalize.IsUUID(nm.MessageID))
	assert.True(t, canonicalize.IsUUID(nm.RunID))
}

func TestBuildRejectsMissingFrom(t *testing.T) {
	raw := "To: intake@versicherung.example\r\nSubject: x\r\n\r\nbody\r\n"
	_, err := normalize.Build(buildInput(raw))
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeNormalizationInvalid, ieimerr.CodeOf(err))
}

func TestBuildRejectsMissingTo(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: x\r\n\r\nbody\r\n"
	_, err := normalize.Build(buildInput(raw))
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeNormalizationInvalid, ieimerr.CodeOf(err))
}

func TestFingerprintIgnoresHeaderOrder(t *testing.T) {
	a, err := normalize.Build(buildInput(plainMessage))
	require.NoError(t, err)

	b, err := normalize.Build(buildInput(plainMessage))
	require.NoError(t, err)
	// Same content, reordered recipient lists.
	b.ToEmails = append([]string{}, a.ToEmails...)
	b.CCEmails = []string{"broker@example.com"}

	fpA, err := normalize.Fingerprint(a)
	require.NoError(t, err)
	fpB, err := normalize.Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}

func TestDetectLanguageFallsBackToEnglish(t *testing.T) {
	assert.Equal(t, "en", normalize.DetectLanguage("Claim update", "please see attached"))
	assert.Equal(t, "de", normalize.DetectLanguage("Rechnung offen", ""))
}

func TestMultipartBodySelection(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: mixed\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<b>ignored</b>\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain body wins\r\n" +
		"--XYZ--\r\n"

	nm, err := normalize.Build(buildInput(raw))
	require.NoError(t, err)
	assert.Equal(t, "plain body wins", nm.BodyText)
}

func TestExtractMIMEAttachments(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: with attachment\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"police.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi0xLjQ=\r\n" +
		"--XYZ--\r\n"

	atts, err := normalize.ExtractMIMEAttachments([]byte(raw))
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "police.pdf", atts[0].Filename)
	assert.Equal(t, "application/pdf", atts[0].MIMEType)
	assert.Equal(t, "%PDF-1.4", string(atts[0].Content))
}
