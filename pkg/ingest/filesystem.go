package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FilesystemAdapter reads messages and attachments from directories on
// disk. Intended for local development and replaying sample corpora.
type FilesystemAdapter struct {
	rawMIMEDir     string
	messageIDs     []string
	attachmentsFor map[string][]AttachmentRef
	bytesPathFor   map[string]string
}

type fsAttachmentArtifact struct {
	MessageID        string `json:"message_id"`
	AttachmentID     string `json:"attachment_id"`
	Filename         string `json:"filename"`
	MIMEType         string `json:"mime_type"`
	SizeBytes        int64  `json:"size_bytes"`
	ExtractedTextURI string `json:"extracted_text_uri"`
}

// discoverPackRoot walks upward looking for the corpus manifest.
func discoverPackRoot(start string) string {
	dir := start
	for {
		if info, err := os.Stat(filepath.Join(dir, "MANIFEST.sha256")); err == nil && !info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// NewFilesystemAdapter indexes <rawMIMEDir>/*.eml and the attachment
// artifacts under attachmentsDir. packRoot resolves relative attachment
// URIs; empty triggers discovery via MANIFEST.sha256.
func NewFilesystemAdapter(rawMIMEDir, attachmentsDir, packRoot string) (*FilesystemAdapter, error) {
	a := &FilesystemAdapter{
		rawMIMEDir:     rawMIMEDir,
		attachmentsFor: map[string][]AttachmentRef{},
		bytesPathFor:   map[string]string{},
	}

	emls, err := filepath.Glob(filepath.Join(rawMIMEDir, "*.eml"))
	if err != nil {
		return nil, err
	}
	for _, p := range emls {
		a.messageIDs = append(a.messageIDs, strings.TrimSuffix(filepath.Base(p), ".eml"))
	}
	sort.Strings(a.messageIDs)

	if packRoot == "" {
		packRoot = discoverPackRoot(rawMIMEDir)
		if packRoot == "" {
			packRoot = discoverPackRoot(attachmentsDir)
		}
	}

	artifactPaths, err := filepath.Glob(filepath.Join(attachmentsDir, "*.artifact.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(artifactPaths)
	for _, p := range artifactPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var art fsAttachmentArtifact
		if err := json.Unmarshal(data, &art); err != nil {
			return nil, fmt.Errorf("invalid attachment artifact %s: %w", p, err)
		}
		if art.MessageID == "" || art.AttachmentID == "" || art.Filename == "" || art.MIMEType == "" || art.ExtractedTextURI == "" {
			return nil, fmt.Errorf("invalid attachment artifact %s: missing fields", p)
		}

		bytesPath := art.ExtractedTextURI
		if !filepath.IsAbs(bytesPath) {
			if packRoot == "" {
				return nil, fmt.Errorf("pack root is required to resolve relative attachment URIs: %s", p)
			}
			bytesPath = filepath.Join(packRoot, bytesPath)
		}

		ref := AttachmentRef{
			AttachmentID: art.AttachmentID,
			Filename:     art.Filename,
			MIMEType:     art.MIMEType,
			SizeBytes:    art.SizeBytes,
		}
		a.bytesPathFor[art.AttachmentID] = bytesPath
		a.attachmentsFor[art.MessageID] = append(a.attachmentsFor[art.MessageID], ref)
	}
	for mid := range a.attachmentsFor {
		refs := a.attachmentsFor[mid]
		sort.Slice(refs, func(i, j int) bool { return refs[i].AttachmentID < refs[j].AttachmentID })
	}
	return a, nil
}

func (a *FilesystemAdapter) ListMessageRefs(_ context.Context, cursor *string, limit int) ([]MessageRef, *string, error) {
	if limit <= 0 {
		return nil, nil, fmt.Errorf("limit must be positive")
	}

	ids := a.messageIDs
	if cursor != nil {
		after := sort.SearchStrings(ids, *cursor+"\x00")
		ids = ids[after:]
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	refs := make([]MessageRef, len(ids))
	for i, mid := range ids {
		refs[i] = MessageRef{SourceMessageID: mid}
	}
	newCursor := cursor
	if len(ids) > 0 {
		last := ids[len(ids)-1]
		newCursor = &last
	}
	return refs, newCursor, nil
}

func (a *FilesystemAdapter) FetchRawMIME(_ context.Context, ref MessageRef) ([]byte, error) {
	return os.ReadFile(filepath.Join(a.rawMIMEDir, ref.SourceMessageID+".eml"))
}

func (a *FilesystemAdapter) ReceivedAt(ctx context.Context, ref MessageRef) (time.Time, error) {
	raw, err := a.FetchRawMIME(ctx, ref)
	if err != nil {
		return time.Time{}, err
	}
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse message %s: %w", ref.SourceMessageID, err)
	}
	value := strings.TrimSpace(msg.Header.Get("Date"))
	if value == "" {
		return time.Time{}, fmt.Errorf("missing Date header: %s", ref.SourceMessageID)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := mail.ParseDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid Date header %q: %w", value, err)
	}
	return t.UTC(), nil
}

func (a *FilesystemAdapter) ListAttachments(_ context.Context, ref MessageRef) ([]AttachmentRef, error) {
	return a.attachmentsFor[ref.SourceMessageID], nil
}

func (a *FilesystemAdapter) FetchAttachmentBytes(_ context.Context, ref AttachmentRef) ([]byte, error) {
	path, ok := a.bytesPathFor[ref.AttachmentID]
	if !ok {
		return nil, fmt.Errorf("unknown attachment_id: %s", ref.AttachmentID)
	}
	return os.ReadFile(path)
}
