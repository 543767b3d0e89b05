package caseadapter

import (
	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// Case artifact kinds.
const (
	KindRawMIME    = "RAW_MIME"
	KindAttachment = "ATTACHMENT"
)

// StageResult reports what the case stage did for one message.
type StageResult struct {
	CaseID  *string
	Blocked bool
}

// Stage translates a routing decision's actions into idempotent adapter
// calls.
type Stage struct {
	Adapter Adapter
}

// Apply executes the routing actions for one message. BLOCK_CASE_CREATE
// short-circuits everything else; draft actions require the corresponding
// draft text to be present.
func (s *Stage) Apply(nm *artifacts.NormalizedMessage, decision *artifacts.RoutingDecision, attachments []artifacts.AttachmentArtifact, requestInfoDraft, replyDraft *string) (StageResult, error) {
	actions := map[string]bool{}
	for _, a := range decision.Actions {
		actions[a] = true
	}

	if actions[artifacts.ActionBlockCaseCreate] {
		return StageResult{CaseID: nil, Blocked: true}, nil
	}

	createCase := actions[artifacts.ActionCreateCase]
	if createCase && actions[artifacts.ActionAddRequestInfoDraft] && requestInfoDraft == nil {
		return StageResult{}, ieimerr.New(ieimerr.CodeNotFound, "request_info draft required by routing action %s", artifacts.ActionAddRequestInfoDraft)
	}
	if createCase && actions[artifacts.ActionAddReplyDraft] && replyDraft == nil {
		return StageResult{}, ieimerr.New(ieimerr.CodeNotFound, "reply draft required by routing action %s", artifacts.ActionAddReplyDraft)
	}

	key := func(operation string) string {
		return BuildIdempotencyKey(nm.MessageFingerprint, decision.RuleID, decision.RuleVersion, operation)
	}

	if !createCase {
		return StageResult{CaseID: nil, Blocked: false}, nil
	}

	caseID, err := s.Adapter.CreateCase(key(artifacts.ActionCreateCase), decision.QueueID, nm.Subject)
	if err != nil {
		return StageResult{}, err
	}

	if actions[artifacts.ActionAttachOriginalEmail] {
		artifact := Artifact{
			URI:    nm.RawMIMEURI,
			SHA256: nm.RawMIMESHA256,
			Kind:   KindRawMIME,
		}
		if err := s.Adapter.AttachArtifact(key(artifacts.ActionAttachOriginalEmail), caseID, artifact); err != nil {
			return StageResult{}, err
		}
	}

	if actions[artifacts.ActionAttachAllFiles] {
		for _, att := range attachments {
			uri := ""
			if att.ExtractedTextURI != nil {
				uri = *att.ExtractedTextURI
			}
			artifact := Artifact{
				URI:          uri,
				SHA256:       att.SHA256,
				Kind:         KindAttachment,
				AttachmentID: att.AttachmentID,
			}
			if err := s.Adapter.AttachArtifact(key("ATTACH:"+att.AttachmentID), caseID, artifact); err != nil {
				return StageResult{}, err
			}
		}
	}

	if actions[artifacts.ActionAddRequestInfoDraft] {
		if err := s.Adapter.AddDraftMessage(key(artifacts.ActionAddRequestInfoDraft), caseID, *requestInfoDraft); err != nil {
			return StageResult{}, err
		}
	}

	if actions[artifacts.ActionAddReplyDraft] {
		if err := s.Adapter.AddDraftMessage(key(artifacts.ActionAddReplyDraft), caseID, *replyDraft); err != nil {
			return StageResult{}, err
		}
	}

	return StageResult{CaseID: &caseID, Blocked: false}, nil
}
