// Package ingest pulls raw messages out of a mail source and tracks how
// far intake has progressed. Adapters hide the source system (filesystem
// corpus, IMAP, gateway drop); the pipeline only sees refs and bytes.
package ingest

import (
	"context"
	"time"
)

// MessageRef identifies one message in the source system.
type MessageRef struct {
	SourceMessageID string
}

// AttachmentRef identifies one attachment in the source system.
type AttachmentRef struct {
	AttachmentID string
	Filename     string
	MIMEType     string
	SizeBytes    int64
}

// Adapter is the boundary for inbound email sources. ListMessageRefs
// pages through new messages: it returns at most limit refs newer than
// the cursor plus the cursor to resume from.
type Adapter interface {
	ListMessageRefs(ctx context.Context, cursor *string, limit int) ([]MessageRef, *string, error)
	FetchRawMIME(ctx context.Context, ref MessageRef) ([]byte, error)
	ReceivedAt(ctx context.Context, ref MessageRef) (time.Time, error)
	ListAttachments(ctx context.Context, ref MessageRef) ([]AttachmentRef, error)
	FetchAttachmentBytes(ctx context.Context, ref AttachmentRef) ([]byte, error)
}
