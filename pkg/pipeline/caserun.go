package pipeline

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/caseadapter"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// Case stage statuses.
const (
	CaseSkipped = "SKIPPED"
	CaseBlocked = "BLOCKED"
	CaseCreated = "CREATED"
	CaseFailed  = "FAILED"
)

// FailureQueueID is where failed case creations are routed for review.
const FailureQueueID = "QUEUE_CASE_CREATE_FAILURE_REVIEW"

// CaseRefSchemaID marks case-result artifact refs in the audit log.
const CaseRefSchemaID = "CASE_RESULT"

// CaseRouting snapshots the routing decision a case action ran under.
type CaseRouting struct {
	QueueID          string   `json:"queue_id"`
	SLAID            string   `json:"sla_id"`
	Actions          []string `json:"actions"`
	RuleID           string   `json:"rule_id"`
	RuleVersion      string   `json:"rule_version"`
	FailClosed       bool     `json:"fail_closed"`
	FailClosedReason *string  `json:"fail_closed_reason"`
}

// CaseResult is the per-message outcome of the case stage. A FAILED
// result carries the failure review queue so the message is never lost.
type CaseResult struct {
	MessageID      string      `json:"message_id"`
	RunID          string      `json:"run_id"`
	Status         string      `json:"status"`
	CaseID         *string     `json:"case_id"`
	Blocked        bool        `json:"blocked"`
	FailureQueueID *string     `json:"failure_queue_id"`
	ErrorType      *string     `json:"error_type"`
	ErrorMessage   *string     `json:"error_message"`
	Routing        CaseRouting `json:"routing"`
}

// CaseRunner applies each routing decision's actions through the case
// adapter. Adapter failures produce a FAILED result instead of aborting
// the batch.
type CaseRunner struct {
	Adapter   caseadapter.Adapter
	Artifacts *artifacts.Dir
	Observer  Observer
}

// Run executes the case stage for all routed messages.
func (r *CaseRunner) Run(ctx context.Context) ([]*CaseResult, error) {
	paths, err := r.Artifacts.ListNormalized()
	if err != nil {
		return nil, err
	}
	stage := &caseadapter.Stage{Adapter: r.Adapter}

	var produced []*CaseResult
	for _, nmPath := range paths {
		result, err := r.runOne(ctx, stage, nmPath)
		if err != nil {
			return produced, err
		}
		produced = append(produced, result)
	}
	return produced, nil
}

func (r *CaseRunner) runOne(ctx context.Context, stage *caseadapter.Stage, nmPath string) (*CaseResult, error) {
	var nm artifacts.NormalizedMessage
	if err := r.Artifacts.ReadArtifact(nmPath, &nm); err != nil {
		return nil, err
	}

	routingPath := r.Artifacts.RoutingPath(nm.MessageID)
	routingBytes, err := r.Artifacts.ReadArtifactBytes(routingPath)
	if err != nil {
		return nil, err
	}
	var routing artifacts.RoutingDecision
	if err := r.Artifacts.ReadArtifact(routingPath, &routing); err != nil {
		return nil, err
	}

	attachments, err := loadAttachmentArtifacts(r.Artifacts, &nm)
	if err != nil {
		return nil, err
	}
	sort.Slice(attachments, func(i, j int) bool {
		a, b := attachments[i], attachments[j]
		if a.SHA256 != b.SHA256 {
			return a.SHA256 < b.SHA256
		}
		if a.Filename != b.Filename {
			return a.Filename < b.Filename
		}
		return a.AttachmentID < b.AttachmentID
	})

	requestInfoDraft := optionalText(r.Artifacts.DraftPath(nm.MessageID, "request_info"))
	replyDraft := optionalText(r.Artifacts.DraftPath(nm.MessageID, "reply"))

	out := &CaseResult{
		MessageID: nm.MessageID,
		RunID:     nm.RunID,
		Status:    CaseSkipped,
		Routing: CaseRouting{
			QueueID:          routing.QueueID,
			SLAID:            routing.SLAID,
			Actions:          routing.Actions,
			RuleID:           routing.RuleID,
			RuleVersion:      routing.RuleVersion,
			FailClosed:       routing.FailClosed,
			FailClosedReason: routing.FailClosedReason,
		},
	}

	t0 := time.Now()
	stageResult, err := stage.Apply(&nm, &routing, attachments, requestInfoDraft, replyDraft)
	if err != nil {
		out.Status = CaseFailed
		failureQueue := FailureQueueID
		out.FailureQueueID = &failureQueue
		errorType := string(ieimerr.CodeOf(err))
		errorMessage := err.Error()
		out.ErrorType = &errorType
		out.ErrorMessage = &errorMessage
	} else {
		out.CaseID = stageResult.CaseID
		out.Blocked = stageResult.Blocked
		switch {
		case stageResult.Blocked:
			out.Status = CaseBlocked
		case stageResult.CaseID != nil:
			out.Status = CaseCreated
		}
	}
	duration := time.Since(t0)

	outPath := r.Artifacts.CasePath(nm.MessageID)
	outBytes, err := r.Artifacts.WriteArtifact(outPath, out)
	if err != nil {
		return nil, err
	}

	createdAt, err := parseArtifactTime(nm.IngestedAt)
	if err != nil {
		return nil, err
	}
	caseID := ""
	if out.CaseID != nil {
		caseID = *out.CaseID
	}
	r.Observer.StageComplete(ctx, StageCase, nm.MessageID, nm.RunID, createdAt, duration, out.Status,
		map[string]any{"case_id": caseID, "blocked": out.Blocked})

	if err := r.Observer.Audited(audit.Params{
		MessageID: nm.MessageID, RunID: nm.RunID, Stage: StageCase,
		ActorType: audit.ActorSystem, CreatedAt: createdAt,
		InputRef:  refOf(routing.SchemaID, routingPath, routingBytes),
		OutputRef: refOf(CaseRefSchemaID, outPath, outBytes),
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func optionalText(path string) *string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	text := string(data)
	return &text
}
