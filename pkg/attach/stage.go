package attach

import (
	"context"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/rawstore"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// SourceAttachment is one attachment as delivered by the ingest adapter.
type SourceAttachment struct {
	SourceID string
	Filename string
	MIMEType string
	Data     []byte
}

// Processed links a stored attachment to its artifact for audit refs.
type Processed struct {
	AttachmentID string
	RawRef       artifacts.Ref
	ArtifactRef  artifacts.Ref
	Artifact     *artifacts.AttachmentArtifact
}

// DocTyper proposes weak document-type candidates for an attachment.
type DocTyper interface {
	Candidates(filename, mimeType string, extractedText string) []artifacts.DocTypeCandidate
}

// FilenameDocTyper guesses a document type from the file name and MIME type.
type FilenameDocTyper struct{}

func (FilenameDocTyper) Candidates(filename, mimeType, _ string) []artifacts.DocTypeCandidate {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return []artifacts.DocTypeCandidate{{Label: "DOC_PHOTO_EVIDENCE", Confidence: 0.6}}
	case strings.Contains(lower, "rechnung") || strings.Contains(lower, "invoice"):
		return []artifacts.DocTypeCandidate{{Label: "DOC_INVOICE", Confidence: 0.6}}
	case strings.HasSuffix(lower, ".pdf"):
		return []artifacts.DocTypeCandidate{{Label: "DOC_PDF_DOCUMENT", Confidence: 0.4}}
	default:
		return nil
	}
}

// Stage scans each attachment, stores the raw bytes content-addressed,
// extracts or OCRs text for clean attachments, and writes the attachment
// artifact. Artifact writes are first-wins: an existing artifact is reused
// byte-for-byte so replays hash identically.
type Stage struct {
	RawStore     rawstore.Store
	DerivedStore rawstore.Store
	Scanner      AVScanner
	OCR          OCRProcessor
	DocTyper     DocTyper
	Artifacts    *artifacts.Dir
	Log          *slog.Logger
}

// textPrefixEvidence spans the leading bytes of an attachment's extracted
// text, capped at 200 bytes to match the snippet limit everywhere else.
func textPrefixEvidence(text string) artifacts.EvidenceSpan {
	end := len(text)
	if end > 200 {
		end = 200
	}
	snippet := text[:end]
	return artifacts.EvidenceSpan{
		Source:          artifacts.SourceAttachmentText,
		Start:           0,
		End:             end,
		SnippetRedacted: snippet,
		SnippetSHA256:   canonicalize.HashBytes([]byte(snippet)),
	}
}

func bestEffortMIMEType(filename, declared string) string {
	if declared != "" {
		return declared
	}
	if guessed := mime.TypeByExtension(filepath.Ext(filename)); guessed != "" {
		if base, _, err := mime.ParseMediaType(guessed); err == nil {
			return base
		}
		return guessed
	}
	return "application/octet-stream"
}

func extractPlainText(mimeType string, data []byte) (string, bool) {
	if !strings.HasPrefix(mimeType, "text/") {
		return "", false
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError)), true
}

// ProcessMessage handles all attachments of one message in source order.
func (s *Stage) ProcessMessage(ctx context.Context, messageID string, atts []SourceAttachment, createdAt time.Time) ([]Processed, error) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	createdAtS := canonicalize.FormatTime(createdAt)

	var processed []Processed
	for _, att := range atts {
		sha := canonicalize.HashBytes(att.Data)
		ext := filepath.Ext(att.Filename)

		put, err := s.RawStore.Put(ctx, "attachments", att.Data, ext)
		if err != nil {
			return nil, err
		}

		mimeType := bestEffortMIMEType(att.Filename, att.MIMEType)
		avStatus := s.Scanner.Scan(ctx, att.Data, att.Filename, mimeType)

		var extractedURI, extractedSHA *string
		ocrApplied := false
		var ocrConfidence *float64
		extractedText := ""

		if avStatus == artifacts.AVClean {
			if text, ok := extractPlainText(mimeType, att.Data); ok {
				tput, err := s.DerivedStore.Put(ctx, "attachment_text", []byte(text), ".txt")
				if err != nil {
					return nil, err
				}
				extractedURI, extractedSHA = &tput.URI, &tput.SHA256
				extractedText = text
			} else if s.OCR != nil {
				ocr, err := s.OCR.OCR(ctx, att.Data, att.Filename, mimeType)
				if err != nil {
					log.Warn("ocr failed", "message_id", messageID, "filename", att.Filename, "err", err)
				} else if ocr != nil {
					tput, err := s.DerivedStore.Put(ctx, "attachment_text", []byte(ocr.Text), ".txt")
					if err != nil {
						return nil, err
					}
					extractedURI, extractedSHA = &tput.URI, &tput.SHA256
					ocrApplied = true
					conf := ocr.Confidence
					ocrConfidence = &conf
					extractedText = ocr.Text
				}
			}
		}

		attachmentID := DeriveAttachmentID(messageID, att.SourceID, sha)

		docTypes := []artifacts.DocTypeCandidate{}
		if s.DocTyper != nil {
			if c := s.DocTyper.Candidates(att.Filename, mimeType, extractedText); c != nil {
				docTypes = c
			}
		}
		// Ground candidates in the extracted text so downstream entity
		// extraction can cite a span; typers that already attach their
		// own evidence keep it.
		if extractedText != "" {
			for i := range docTypes {
				if len(docTypes[i].Evidence) == 0 {
					docTypes[i].Evidence = []artifacts.EvidenceSpan{textPrefixEvidence(extractedText)}
				}
			}
		}

		artifact := &artifacts.AttachmentArtifact{
			SchemaID:            schema.AttachmentArtifactID,
			SchemaVersion:       schema.Version(schema.AttachmentArtifactID),
			AttachmentID:        attachmentID,
			MessageID:           messageID,
			Filename:            att.Filename,
			MIMEType:            mimeType,
			SizeBytes:           len(att.Data),
			SHA256:              sha,
			AVStatus:            avStatus,
			ExtractedTextURI:    extractedURI,
			ExtractedTextSHA256: extractedSHA,
			OCRApplied:          ocrApplied,
			OCRConfidence:       ocrConfidence,
			DocTypeCandidates:   docTypes,
			CreatedAt:           createdAtS,
		}

		artifactPath := s.Artifacts.AttachmentPath(attachmentID)
		artifactBytes, err := s.Artifacts.ReadArtifactBytes(artifactPath)
		if err != nil {
			artifactBytes, err = s.Artifacts.WriteArtifact(artifactPath, artifact)
			if err != nil {
				return nil, err
			}
		}

		processed = append(processed, Processed{
			AttachmentID: attachmentID,
			RawRef:       artifacts.Ref{SchemaID: schema.RefRawAttachment, URI: put.URI, SHA256: put.SHA256},
			ArtifactRef: artifacts.Ref{
				SchemaID: schema.AttachmentArtifactID,
				URI:      filepath.Base(artifactPath),
				SHA256:   canonicalize.HashBytes(artifactBytes),
			},
			Artifact: artifact,
		})
	}
	return processed, nil
}

// DeriveAttachmentID keeps source-provided UUIDs and otherwise derives a
// uuid5 from message, source id, and content hash.
func DeriveAttachmentID(messageID, sourceAttachmentID, sha256Prefixed string) string {
	if canonicalize.IsUUID(sourceAttachmentID) {
		return sourceAttachmentID
	}
	return canonicalize.UUID5("att:" + messageID + ":" + sourceAttachmentID + ":" + sha256Prefixed)
}
