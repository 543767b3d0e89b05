package caseadapter_test

import (
	"testing"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/caseadapter"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func testMessage() *artifacts.NormalizedMessage {
	return &artifacts.NormalizedMessage{
		MessageID:          "msg-001",
		RunID:              "run-001",
		Subject:            "Schadenmeldung CLM-2026-0042",
		MessageFingerprint: "sha256:abcd12ef34ab56cd78ef90ab12cd34ef56ab78cd90ef12ab34cd56ef78ab90cd",
		RawMIMEURI:         "raw/msg-001.eml",
		RawMIMESHA256:      "sha256:1111111111111111111111111111111111111111111111111111111111111111",
	}
}

func testDecision(actions ...string) *artifacts.RoutingDecision {
	return &artifacts.RoutingDecision{
		QueueID:     "QUEUE_CLAIMS_INTAKE",
		SLAID:       "SLA_1BD",
		Priority:    2,
		Actions:     actions,
		RuleID:      "ROUTE_CLAIM_NEW",
		RuleVersion: "1.4.1",
	}
}

func TestBuildIdempotencyKeyIsStable(t *testing.T) {
	k1 := caseadapter.BuildIdempotencyKey("fp", "ROUTE_CLAIM_NEW", "1.4.1", "CREATE_CASE")
	k2 := caseadapter.BuildIdempotencyKey("fp", "ROUTE_CLAIM_NEW", "1.4.1", "CREATE_CASE")
	assert.Equal(t, k1, k2)
	assert.Regexp(t, `^idem:[0-9a-f]{64}$`, k1)

	k3 := caseadapter.BuildIdempotencyKey("fp", "ROUTE_CLAIM_NEW", "1.4.1", "ATTACH_ORIGINAL_EMAIL")
	assert.NotEqual(t, k1, k3)
}

func TestCreateCaseIsIdempotent(t *testing.T) {
	adapter := caseadapter.NewInMemoryAdapter()

	id1, err := adapter.CreateCase("idem:abc", "QUEUE_CLAIMS_INTAKE", "first subject")
	require.NoError(t, err)
	id2, err := adapter.CreateCase("idem:abc", "QUEUE_CLAIMS_INTAKE", "second subject")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	rec := adapter.Case(id1)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"TITLE: first subject"}, rec.Notes)
}

func TestApplyCreatesCaseWithArtifactsAndDrafts(t *testing.T) {
	adapter := caseadapter.NewInMemoryAdapter()
	stage := &caseadapter.Stage{Adapter: adapter}

	nm := testMessage()
	decision := testDecision(
		artifacts.ActionCreateCase,
		artifacts.ActionAttachOriginalEmail,
		artifacts.ActionAttachAllFiles,
		artifacts.ActionAddRequestInfoDraft,
	)
	atts := []artifacts.AttachmentArtifact{
		{
			AttachmentID:     "att-1",
			SHA256:           "sha256:2222222222222222222222222222222222222222222222222222222222222222",
			ExtractedTextURI: strPtr("attachments/att-1.txt"),
		},
	}

	result, err := stage.Apply(nm, decision, atts, strPtr("Bitte senden Sie Ihre Polizzennummer."), nil)
	require.NoError(t, err)
	require.NotNil(t, result.CaseID)
	assert.False(t, result.Blocked)

	rec := adapter.Case(*result.CaseID)
	require.NotNil(t, rec)
	assert.Equal(t, "QUEUE_CLAIMS_INTAKE", rec.QueueID)
	assert.Equal(t, []string{"TITLE: Schadenmeldung CLM-2026-0042"}, rec.Notes)
	require.Len(t, rec.Artifacts, 2)
	assert.Equal(t, caseadapter.Artifact{
		URI:    "raw/msg-001.eml",
		SHA256: nm.RawMIMESHA256,
		Kind:   caseadapter.KindRawMIME,
	}, rec.Artifacts[0])
	assert.Equal(t, caseadapter.Artifact{
		URI:          "attachments/att-1.txt",
		SHA256:       atts[0].SHA256,
		Kind:         caseadapter.KindAttachment,
		AttachmentID: "att-1",
	}, rec.Artifacts[1])
	assert.Equal(t, []string{"Bitte senden Sie Ihre Polizzennummer."}, rec.Drafts)
}

func TestApplyBlockCaseCreateShortCircuits(t *testing.T) {
	adapter := caseadapter.NewInMemoryAdapter()
	stage := &caseadapter.Stage{Adapter: adapter}

	decision := testDecision(artifacts.ActionBlockCaseCreate, artifacts.ActionCreateCase, artifacts.ActionAttachOriginalEmail)
	result, err := stage.Apply(testMessage(), decision, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Nil(t, result.CaseID)
}

func TestApplyRequiresDraftsForDraftActions(t *testing.T) {
	stage := &caseadapter.Stage{Adapter: caseadapter.NewInMemoryAdapter()}

	decision := testDecision(artifacts.ActionCreateCase, artifacts.ActionAddRequestInfoDraft)
	_, err := stage.Apply(testMessage(), decision, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeNotFound, ieimerr.CodeOf(err))

	decision = testDecision(artifacts.ActionCreateCase, artifacts.ActionAddReplyDraft)
	_, err = stage.Apply(testMessage(), decision, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeNotFound, ieimerr.CodeOf(err))
}

func TestApplyWithoutCreateCaseDoesNothing(t *testing.T) {
	adapter := caseadapter.NewInMemoryAdapter()
	stage := &caseadapter.Stage{Adapter: adapter}

	decision := testDecision(artifacts.ActionAttachOriginalEmail)
	result, err := stage.Apply(testMessage(), decision, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, result.CaseID)
	assert.False(t, result.Blocked)
}

func TestApplyTwiceDoesNotDuplicate(t *testing.T) {
	adapter := caseadapter.NewInMemoryAdapter()
	stage := &caseadapter.Stage{Adapter: adapter}

	nm := testMessage()
	decision := testDecision(artifacts.ActionCreateCase, artifacts.ActionAttachOriginalEmail)

	first, err := stage.Apply(nm, decision, nil, nil, nil)
	require.NoError(t, err)
	second, err := stage.Apply(nm, decision, nil, nil, nil)
	require.NoError(t, err)

	require.NotNil(t, first.CaseID)
	require.NotNil(t, second.CaseID)
	assert.Equal(t, *first.CaseID, *second.CaseID)

	rec := adapter.Case(*first.CaseID)
	assert.Len(t, rec.Artifacts, 1)
	assert.Len(t, rec.Notes, 1)
}
