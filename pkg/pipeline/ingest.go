package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/attach"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ingest"
	"github.com/Mindburn-Labs/ieim/pkg/normalize"
	"github.com/Mindburn-Labs/ieim/pkg/rawstore"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// IngestRunner pulls new messages from the source adapter, stores the raw
// MIME content-addressed, runs the attachment stage, and writes the
// normalized message artifact. Dedupe is by raw MIME hash, so the same
// bytes arriving under a new source id are processed once.
type IngestRunner struct {
	Adapter         ingest.Adapter
	IngestionSource string
	RawStore        rawstore.Store
	StateDir        string
	Artifacts       *artifacts.Dir
	Attachments     *attach.Stage
	Observer        Observer

	// IngestedAt derives the ingestion timestamp from the source's
	// received-at. Nil uses the wall clock. Second precision either way.
	IngestedAt func(receivedAt time.Time) time.Time
}

func (r *IngestRunner) cursorPath() string { return filepath.Join(r.StateDir, "ingest_cursor.json") }
func (r *IngestRunner) dedupePath() string { return filepath.Join(r.StateDir, "dedupe_state.json") }

// deriveMessageID keeps source ids that already are UUIDs and derives a
// uuid5 from source+id otherwise.
func (r *IngestRunner) deriveMessageID(sourceMessageID string) string {
	if canonicalize.IsUUID(sourceMessageID) {
		return sourceMessageID
	}
	return normalize.MessageID(r.IngestionSource, sourceMessageID)
}

func (r *IngestRunner) ingestedAt(receivedAt time.Time) time.Time {
	if r.IngestedAt != nil {
		return r.IngestedAt(receivedAt).Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

// RunOnce processes up to limit new messages and persists the advanced
// cursor and dedupe state.
func (r *IngestRunner) RunOnce(ctx context.Context, limit int) ([]*artifacts.NormalizedMessage, error) {
	cursor, err := ingest.ReadCursor(r.cursorPath())
	if err != nil {
		return nil, err
	}
	dedupe, err := ingest.ReadDedupeState(r.dedupePath())
	if err != nil {
		return nil, err
	}

	refs, newCursor, err := r.Adapter.ListMessageRefs(ctx, cursor.Cursor, limit)
	if err != nil {
		return nil, err
	}

	var produced []*artifacts.NormalizedMessage
	for _, ref := range refs {
		nm, err := r.processRef(ctx, ref, dedupe)
		if err != nil {
			return produced, err
		}
		if nm != nil {
			produced = append(produced, nm)
		}
	}

	if err := dedupe.Write(r.dedupePath()); err != nil {
		return produced, err
	}
	if err := ingest.WriteCursor(r.cursorPath(), ingest.CursorState{Cursor: newCursor}); err != nil {
		return produced, err
	}
	return produced, nil
}

func (r *IngestRunner) processRef(ctx context.Context, ref ingest.MessageRef, dedupe *ingest.DedupeState) (*artifacts.NormalizedMessage, error) {
	tIngest := time.Now()
	rawMIME, err := r.Adapter.FetchRawMIME(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch raw mime %s: %w", ref.SourceMessageID, err)
	}
	rawSHA := canonicalize.HashBytes(rawMIME)
	if dedupe.Seen(rawSHA) {
		return nil, nil
	}

	put, err := r.RawStore.Put(ctx, "mime", rawMIME, ".eml")
	if err != nil {
		return nil, err
	}
	ingestDur := time.Since(tIngest)

	messageID := r.deriveMessageID(ref.SourceMessageID)
	runID := normalize.RunID(messageID, rawSHA)
	receivedAt, err := r.Adapter.ReceivedAt(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("received-at %s: %w", ref.SourceMessageID, err)
	}
	now := r.ingestedAt(receivedAt)

	var processed []attach.Processed
	attachmentIDs := []string{}
	if r.Attachments != nil {
		tAtt := time.Now()
		sourceAtts, err := r.sourceAttachments(ctx, ref)
		if err != nil {
			return nil, err
		}
		processed, err = r.Attachments.ProcessMessage(ctx, messageID, sourceAtts, now)
		if err != nil {
			return nil, err
		}
		for _, p := range processed {
			attachmentIDs = append(attachmentIDs, p.AttachmentID)
		}
		r.Observer.StageComplete(ctx, StageAttachments, messageID, runID, now, time.Since(tAtt), "OK",
			map[string]any{"attachment_count": len(processed)})
	}

	if r.Observer.Metrics != nil {
		r.Observer.Metrics.IncIngested(1)
	}
	r.Observer.StageComplete(ctx, StageIngest, messageID, runID, now, ingestDur, "OK",
		map[string]any{"ingestion_source": r.IngestionSource})

	tNorm := time.Now()
	nm, err := normalize.Build(normalize.Input{
		RawMIME:         rawMIME,
		MessageID:       messageID,
		RunID:           runID,
		IngestedAt:      now,
		ReceivedAt:      receivedAt,
		IngestionSource: r.IngestionSource,
		RawMIMEURI:      put.URI,
		RawMIMESHA256:   put.SHA256,
		AttachmentIDs:   attachmentIDs,
	})
	if err != nil {
		return nil, err
	}
	normDur := time.Since(tNorm)

	nmPath := r.Artifacts.NormalizedPath(messageID)
	if _, err := os.Stat(nmPath); err == nil {
		dedupe.Add(rawSHA)
		return nil, nil
	}
	nmBytes, err := r.Artifacts.WriteArtifact(nmPath, nm)
	if err != nil {
		return nil, err
	}

	r.Observer.StageComplete(ctx, StageNormalize, messageID, runID, now, normDur, "OK",
		map[string]any{"normalized_bytes": len(nmBytes)})

	rawRef := artifacts.Ref{SchemaID: schema.RefRawMIME, URI: put.URI, SHA256: put.SHA256}
	nmRef := refOf(nm.SchemaID, nmPath, nmBytes)

	if err := r.Observer.Audited(audit.Params{
		MessageID: messageID, RunID: runID, Stage: StageIngest,
		ActorType: audit.ActorSystem, CreatedAt: now,
		InputRef: rawRef, OutputRef: rawRef,
	}); err != nil {
		return nil, err
	}
	if err := r.Observer.Audited(audit.Params{
		MessageID: messageID, RunID: runID, Stage: StageNormalize,
		ActorType: audit.ActorSystem, CreatedAt: now,
		InputRef: rawRef, OutputRef: nmRef,
	}); err != nil {
		return nil, err
	}
	for _, p := range processed {
		if err := r.Observer.Audited(audit.Params{
			MessageID: messageID, RunID: runID, Stage: StageAttachments,
			ActorType: audit.ActorSystem, CreatedAt: now,
			InputRef: p.RawRef, OutputRef: p.ArtifactRef,
		}); err != nil {
			return nil, err
		}
	}

	dedupe.Add(rawSHA)
	return nm, nil
}

func (r *IngestRunner) sourceAttachments(ctx context.Context, ref ingest.MessageRef) ([]attach.SourceAttachment, error) {
	attRefs, err := r.Adapter.ListAttachments(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := make([]attach.SourceAttachment, 0, len(attRefs))
	for _, a := range attRefs {
		data, err := r.Adapter.FetchAttachmentBytes(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %s: %w", a.AttachmentID, err)
		}
		out = append(out, attach.SourceAttachment{
			SourceID: a.AttachmentID,
			Filename: a.Filename,
			MIMEType: a.MIMEType,
			Data:     data,
		})
	}
	return out, nil
}
