package hitl

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// Service handles correction submissions against review items. The audit
// logger is optional; the registry is not, every record is validated
// before it touches disk.
type Service struct {
	HitlDir  string
	Registry *schema.Registry
	Audit    *audit.Logger
}

// SubmitParams describe one correction submission.
type SubmitParams struct {
	ReviewItemPath string
	ActorID        string
	Corrections    []Correction
	Note           *string
	CreatedAt      time.Time
	CorrectionID   string
	// IfMatch is the ETag the caller read the review item under. Empty
	// skips the precondition (internal callers only).
	IfMatch string
}

// SubmitCorrection validates the optimistic-concurrency precondition,
// builds and validates the record, and writes it immutably. Resubmitting
// an identical record returns the existing path; a conflicting rewrite
// fails with IMMUTABILITY_VIOLATION.
func (s *Service) SubmitCorrection(p SubmitParams) (string, *CorrectionRecord, error) {
	reviewBytes, err := os.ReadFile(p.ReviewItemPath)
	if err != nil {
		return "", nil, ieimerr.Wrap(ieimerr.CodeNotFound, err, "review item not readable")
	}

	etag := canonicalize.HashBytes(reviewBytes)
	if p.IfMatch != "" && p.IfMatch != etag {
		return "", nil, ieimerr.New(ieimerr.CodeETagMismatch, "review item changed: have %s, expected %s", etag, p.IfMatch)
	}

	var review ReviewItem
	if err := json.Unmarshal(reviewBytes, &review); err != nil {
		return "", nil, ieimerr.Wrap(ieimerr.CodeNotFound, err, "review item not decodable")
	}
	if review.MessageID == "" || review.RunID == "" || review.ReviewItemID == "" {
		return "", nil, ieimerr.New(ieimerr.CodeNotFound, "review item missing message_id/run_id/review_item_id")
	}

	// An externally supplied id makes replays deterministic even when the
	// caller cannot reproduce the original created_at: the stored record
	// wins as long as the corrections payload is the same.
	if p.CorrectionID != "" {
		existingPath := filepath.Join(s.HitlDir, "corrections", review.MessageID, review.RunID,
			p.CorrectionID+".correction.json")
		if data, err := os.ReadFile(existingPath); err == nil {
			var existing CorrectionRecord
			if err := json.Unmarshal(data, &existing); err != nil {
				return "", nil, ieimerr.Wrap(ieimerr.CodeImmutabilityViolation, err, "existing correction record not decodable: %s", existingPath)
			}
			haveHash, err := canonicalize.Hash(existing.Corrections)
			if err != nil {
				return "", nil, err
			}
			wantHash, err := canonicalize.Hash(p.Corrections)
			if err != nil {
				return "", nil, err
			}
			if haveHash != wantHash {
				return "", nil, ieimerr.New(ieimerr.CodeImmutabilityViolation,
					"correction id %s reused with different corrections", p.CorrectionID)
			}
			return existingPath, &existing, nil
		}
	}

	actorID := p.ActorID
	record, err := BuildCorrectionRecord(RecordParams{
		MessageID:    review.MessageID,
		RunID:        review.RunID,
		ReviewItemID: &review.ReviewItemID,
		ActorType:    audit.ActorHuman,
		ActorID:      &actorID,
		CreatedAt:    p.CreatedAt,
		Note:         p.Note,
		ArtifactRefs: review.ArtifactRefs,
		Corrections:  p.Corrections,
		CorrectionID: p.CorrectionID,
	})
	if err != nil {
		return "", nil, err
	}

	recordBytes, err := canonicalize.EncodeArtifact(record)
	if err != nil {
		return "", nil, err
	}
	if err := s.Registry.ValidateBytes(schema.CorrectionRecordID, recordBytes); err != nil {
		return "", nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "correction record invalid")
	}

	store := &FileCorrectionStore{BaseDir: s.HitlDir}
	path, err := store.PathFor(record)
	if err != nil {
		return "", nil, err
	}
	if existing, err := os.ReadFile(path); err == nil {
		if canonicalize.HashBytes(existing) != canonicalize.HashBytes(recordBytes) {
			return "", nil, ieimerr.New(ieimerr.CodeImmutabilityViolation, "correction record exists with different content: %s", path)
		}
		return path, record, nil
	}

	if _, err := store.Write(record); err != nil {
		return "", nil, err
	}

	if s.Audit != nil {
		event := audit.BuildEvent(audit.Params{
			MessageID: review.MessageID,
			RunID:     review.RunID,
			Stage:     "HITL",
			ActorType: audit.ActorHuman,
			ActorID:   &actorID,
			CreatedAt: p.CreatedAt,
			InputRef: artifacts.Ref{
				SchemaID: schema.RefReviewItem,
				URI:      filepath.Base(p.ReviewItemPath),
				SHA256:   etag,
			},
			OutputRef: artifacts.Ref{
				SchemaID: record.SchemaID,
				URI:      filepath.Base(path),
				SHA256:   canonicalize.HashBytes(recordBytes),
			},
		})
		if _, err := s.Audit.Append(event); err != nil {
			return "", nil, err
		}
	}

	return path, record, nil
}
