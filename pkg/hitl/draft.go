package hitl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// Draft kinds and decision outcomes.
const (
	DraftKindRequestInfo = "request_info"
	DraftKindReply       = "reply"

	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

// DraftDecision records one human verdict on a generated draft. Exactly one
// decision exists per (review item, draft kind); a conflicting second
// verdict is an immutability violation.
type DraftDecision struct {
	DecisionID   string  `json:"decision_id"`
	MessageID    string  `json:"message_id"`
	RunID        string  `json:"run_id"`
	ReviewItemID string  `json:"review_item_id"`
	DraftKind    string  `json:"draft_kind"`
	Decision     string  `json:"decision"`
	DraftSHA256  string  `json:"draft_sha256"`
	ActorType    string  `json:"actor_type"`
	ActorID      string  `json:"actor_id"`
	CreatedAt    string  `json:"created_at"`
	Note         *string `json:"note"`
}

// DecideDraftParams describe one approve/reject call.
type DecideDraftParams struct {
	ReviewItemPath string
	ActorID        string
	DraftKind      string
	Approve        bool
	Note           *string
	CreatedAt      time.Time
	// IfMatch is the ETag the caller read the review item under. Empty
	// skips the precondition (internal callers only).
	IfMatch string
}

func draftSchemaID(kind string) (string, error) {
	switch kind {
	case DraftKindRequestInfo:
		return schema.RefDraftRequestInfo, nil
	case DraftKindReply:
		return schema.RefDraftReply, nil
	default:
		return "", ieimerr.New(ieimerr.CodeNotFound, "unknown draft kind: %s", kind)
	}
}

func (s *Service) draftDecisionPath(d *DraftDecision) string {
	name := fmt.Sprintf("%s.%s.decision.json", d.ReviewItemID, d.DraftKind)
	return filepath.Join(s.HitlDir, "draft_decisions", d.MessageID, d.RunID, name)
}

// DecideDraft validates the optimistic-concurrency precondition and writes
// the decision immutably. The decided draft must actually be referenced by
// the review item. Replaying an identical verdict returns the existing
// path; a conflicting verdict fails with IMMUTABILITY_VIOLATION.
func (s *Service) DecideDraft(p DecideDraftParams) (string, *DraftDecision, error) {
	schemaID, err := draftSchemaID(p.DraftKind)
	if err != nil {
		return "", nil, err
	}

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

	var draftRef *artifacts.Ref
	for i := range review.DraftRefs {
		if review.DraftRefs[i].SchemaID == schemaID {
			draftRef = &review.DraftRefs[i]
			break
		}
	}
	if draftRef == nil {
		return "", nil, ieimerr.New(ieimerr.CodeNotFound, "review item %s has no %s draft", review.ReviewItemID, p.DraftKind)
	}

	verdict := DecisionRejected
	if p.Approve {
		verdict = DecisionApproved
	}
	decision := &DraftDecision{
		DecisionID:   canonicalize.UUID5("draft_decision:" + review.MessageID + ":" + review.RunID + ":" + review.ReviewItemID + ":" + p.DraftKind),
		MessageID:    review.MessageID,
		RunID:        review.RunID,
		ReviewItemID: review.ReviewItemID,
		DraftKind:    p.DraftKind,
		Decision:     verdict,
		DraftSHA256:  draftRef.SHA256,
		ActorType:    audit.ActorHuman,
		ActorID:      p.ActorID,
		CreatedAt:    canonicalize.FormatTime(p.CreatedAt),
		Note:         p.Note,
	}

	decisionBytes, err := canonicalize.EncodeArtifact(decision)
	if err != nil {
		return "", nil, err
	}

	path := s.draftDecisionPath(decision)
	if existing, err := os.ReadFile(path); err == nil {
		var stored DraftDecision
		if err := json.Unmarshal(existing, &stored); err != nil {
			return "", nil, ieimerr.Wrap(ieimerr.CodeImmutabilityViolation, err, "existing draft decision not decodable: %s", path)
		}
		if stored.Decision != verdict || stored.DraftSHA256 != decision.DraftSHA256 {
			return "", nil, ieimerr.New(ieimerr.CodeImmutabilityViolation, "draft decision exists with different verdict: %s", path)
		}
		// Replay: the stored verdict stands, whatever timestamp the
		// retry carries.
		return path, &stored, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, decisionBytes, 0o644); err != nil {
		return "", nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", nil, err
	}

	if s.Audit != nil {
		actorID := p.ActorID
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
				SchemaID: schemaID,
				URI:      filepath.Base(path),
				SHA256:   canonicalize.HashBytes(decisionBytes),
			},
		})
		if _, err := s.Audit.Append(event); err != nil {
			return "", nil, err
		}
	}

	return path, decision, nil
}
