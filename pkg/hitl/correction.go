package hitl

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// Correction target stages.
const (
	TargetIdentity = "IDENTITY"
	TargetClassify = "CLASSIFY"
	TargetExtract  = "EXTRACT"
	TargetRoute    = "ROUTE"
)

// Correction is one reviewer change: a JSON patch against a named stage
// artifact plus its justification.
type Correction struct {
	TargetStage   string    `json:"target_stage"`
	Patch         []PatchOp `json:"patch"`
	Justification string    `json:"justification,omitempty"`
	Evidence      []any     `json:"evidence,omitempty"`
}

// CorrectionRecord is the immutable record of one correction submission.
type CorrectionRecord struct {
	SchemaID      string          `json:"schema_id"`
	SchemaVersion string          `json:"schema_version"`
	CorrectionID  string          `json:"correction_id"`
	MessageID     string          `json:"message_id"`
	RunID         string          `json:"run_id"`
	ReviewItemID  *string         `json:"review_item_id"`
	ActorType     string          `json:"actor_type"`
	ActorID       *string         `json:"actor_id"`
	CreatedAt     string          `json:"created_at"`
	Note          *string         `json:"note"`
	ArtifactRefs  []artifacts.Ref `json:"artifact_refs"`
	Corrections   []Correction    `json:"corrections"`
}

// RecordParams are the caller-supplied parts of a correction record.
// CorrectionID overrides the derived id when the caller already holds a
// deterministic one.
type RecordParams struct {
	MessageID    string
	RunID        string
	ReviewItemID *string
	ActorType    string
	ActorID      *string
	CreatedAt    time.Time
	Note         *string
	ArtifactRefs []artifacts.Ref
	Corrections  []Correction
	CorrectionID string
}

// BuildCorrectionRecord assembles a record with a deterministic id. The
// id covers the actor, timestamp, and a hash of the corrections, so the
// same submission always lands on the same file.
func BuildCorrectionRecord(p RecordParams) (*CorrectionRecord, error) {
	createdAt := canonicalize.FormatTime(p.CreatedAt)

	correctionID := p.CorrectionID
	if correctionID == "" {
		correctionsHash, err := canonicalize.Hash(p.Corrections)
		if err != nil {
			return nil, fmt.Errorf("hash corrections: %w", err)
		}
		reviewItemID := ""
		if p.ReviewItemID != nil {
			reviewItemID = *p.ReviewItemID
		}
		actorID := ""
		if p.ActorID != nil {
			actorID = *p.ActorID
		}
		correctionID = canonicalize.UUID5(
			"correction:" + p.MessageID + ":" + p.RunID + ":" + reviewItemID + ":" +
				p.ActorType + ":" + actorID + ":" + createdAt + ":" + correctionsHash)
	}

	refs := p.ArtifactRefs
	if refs == nil {
		refs = []artifacts.Ref{}
	}
	return &CorrectionRecord{
		SchemaID:      schema.CorrectionRecordID,
		SchemaVersion: schema.Version(schema.CorrectionRecordID),
		CorrectionID:  correctionID,
		MessageID:     p.MessageID,
		RunID:         p.RunID,
		ReviewItemID:  p.ReviewItemID,
		ActorType:     p.ActorType,
		ActorID:       p.ActorID,
		CreatedAt:     createdAt,
		Note:          p.Note,
		ArtifactRefs:  refs,
		Corrections:   p.Corrections,
	}, nil
}

// FileCorrectionStore persists correction records under
// <base>/corrections/<message_id>/<run_id>/<correction_id>.correction.json.
type FileCorrectionStore struct {
	BaseDir string
}

// PathFor returns the canonical location for a record.
func (s *FileCorrectionStore) PathFor(record *CorrectionRecord) (string, error) {
	if record.MessageID == "" || record.RunID == "" || record.CorrectionID == "" {
		return "", fmt.Errorf("correction record missing message_id/run_id/correction_id")
	}
	return filepath.Join(s.BaseDir, "corrections", record.MessageID, record.RunID,
		record.CorrectionID+".correction.json"), nil
}

// Write persists a record. An existing file at the target path is an
// immutability violation; replay handling is the service's job.
func (s *FileCorrectionStore) Write(record *CorrectionRecord) (string, error) {
	path, err := s.PathFor(record)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", ieimerr.New(ieimerr.CodeImmutabilityViolation, "correction record already exists: %s", path)
	}

	data, err := canonicalize.EncodeArtifact(record)
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}
