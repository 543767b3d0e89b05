// Package pipeline contains the per-stage runners that move messages
// through the intake flow: ingest+normalize, attachments, identity,
// classify+extract, routing, case creation, review materialization and
// reprocessing. Each runner reads its inputs from the artifact directory,
// writes its output there, and reports to the audit log, the per-run
// observability log and Prometheus.
package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/observability"
)

// Stage names as they appear in audit and observability events.
const (
	StageIngest      = "INGEST"
	StageAttachments = "ATTACHMENTS"
	StageNormalize   = "NORMALIZE"
	StageIdentity    = "IDENTITY"
	StageClassify    = "CLASSIFY"
	StageExtract     = "EXTRACT"
	StageRoute       = "ROUTE"
	StageCase        = "CASE"
	StageHITL        = "HITL"
	StageReprocess   = "REPROCESS"
)

// Observer fans stage outcomes out to the audit log, the observability
// log and the metrics registry. Every sink is optional; a zero Observer
// is silent.
type Observer struct {
	Audit   *audit.Logger
	Obs     *observability.FileLogger
	Metrics *observability.Metrics
	Log     *slog.Logger
}

func (o Observer) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

// StageComplete records a finished stage for one (message, run).
func (o Observer) StageComplete(ctx context.Context, stage, messageID, runID string, occurredAt time.Time, duration time.Duration, status string, fields map[string]any) {
	durMS := int(duration.Milliseconds())
	if o.Metrics != nil {
		o.Metrics.ObserveStage(stage, durMS, status)
	}
	if o.Obs == nil {
		return
	}
	event := observability.BuildEvent(ctx, observability.EventParams{
		EventType:  "STAGE_COMPLETE",
		Stage:      stage,
		MessageID:  messageID,
		RunID:      runID,
		OccurredAt: occurredAt,
		DurationMS: &durMS,
		Status:     status,
		Fields:     fields,
	})
	if err := o.Obs.Append(event); err != nil {
		o.log().Warn("observability append failed", "stage", stage, "message_id", messageID, "error", err)
	}
}

// Audited appends one event to the audit chain. A nil audit logger is a
// no-op; an append failure is fatal because the chain must stay intact.
func (o Observer) Audited(p audit.Params) error {
	if o.Audit == nil {
		return nil
	}
	_, err := o.Audit.Append(audit.BuildEvent(p))
	return err
}

// refOf builds an artifact reference from a stored file's bytes.
func refOf(schemaID, path string, data []byte) artifacts.Ref {
	return artifacts.Ref{
		SchemaID: schemaID,
		URI:      filepath.Base(path),
		SHA256:   canonicalize.HashBytes(data),
	}
}

// loadAttachmentArtifacts reads the attachment artifacts referenced by a
// normalized message. Missing artifacts are skipped; attachment stages
// that require them verify presence themselves.
func loadAttachmentArtifacts(dir *artifacts.Dir, nm *artifacts.NormalizedMessage) ([]artifacts.AttachmentArtifact, error) {
	out := make([]artifacts.AttachmentArtifact, 0, len(nm.AttachmentIDs))
	for _, attID := range nm.AttachmentIDs {
		path := dir.AttachmentPath(attID)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var artifact artifacts.AttachmentArtifact
		if err := dir.ReadArtifact(path, &artifact); err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}
	return out, nil
}

// loadAttachmentTextsC14N returns the lowercased extracted texts of all
// clean attachments. Text URIs are repo-root relative.
func loadAttachmentTextsC14N(repoRoot string, attachments []artifacts.AttachmentArtifact) ([]string, error) {
	out := []string{}
	for _, a := range attachments {
		if a.AVStatus != artifacts.AVClean || a.ExtractedTextURI == nil || *a.ExtractedTextURI == "" {
			continue
		}
		path := filepath.Join(repoRoot, *a.ExtractedTextURI)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, strings.ToLower(string(data)))
	}
	return out, nil
}

// parseArtifactTime reads an artifact timestamp, tolerating nothing: stage
// artifacts always carry a valid RFC 3339 second-precision timestamp.
func parseArtifactTime(value string) (time.Time, error) {
	t, err := canonicalize.ParseTime(value)
	if err != nil {
		return time.Time{}, ieimerr.Wrap(ieimerr.CodeNormalizationInvalid, err, "invalid artifact timestamp %q", value)
	}
	return t, nil
}

// writeImmutable writes data unless the file already holds exactly those
// bytes; diverging content at the same path is an integrity failure.
func writeImmutable(path string, data []byte) error {
	existing, err := os.ReadFile(path)
	if err == nil {
		if !bytes.Equal(existing, data) {
			return ieimerr.New(ieimerr.CodeImmutabilityViolation, "existing content mismatch: %s", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return artifacts.WriteFileAtomic(path, data)
}
