package hitl_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/hitl"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatchObjectOps(t *testing.T) {
	doc := map[string]any{
		"primary_intent": map[string]any{"label": "INTENT_GENERAL_INQUIRY"},
		"risk_flags":     []any{"RISK_SECURITY_MALWARE"},
	}

	out, err := hitl.ApplyPatch(doc, []hitl.PatchOp{
		hitl.NewPatchOp("replace", "/primary_intent/label", "INTENT_CLAIM_NEW"),
		hitl.NewPatchOp("add", "/risk_flags/-", "RISK_LEGAL_THREAT"),
	})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "INTENT_CLAIM_NEW", m["primary_intent"].(map[string]any)["label"])
	assert.Equal(t, []any{"RISK_SECURITY_MALWARE", "RISK_LEGAL_THREAT"}, m["risk_flags"])
}

func TestApplyPatchListRemoveAndInsert(t *testing.T) {
	doc := map[string]any{"items": []any{"a", "b", "c"}}

	out, err := hitl.ApplyPatch(doc, []hitl.PatchOp{
		hitl.NewRemoveOp("/items/1"),
		hitl.NewPatchOp("add", "/items/0", "x"),
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "a", "c"}, out.(map[string]any)["items"])
}

func TestApplyPatchPointerEscapes(t *testing.T) {
	doc := map[string]any{"a/b": map[string]any{"~k": 1}}

	out, err := hitl.ApplyPatch(doc, []hitl.PatchOp{
		hitl.NewPatchOp("replace", "/a~1b/~0k", 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.(map[string]any)["a/b"].(map[string]any)["~k"])
}

func TestApplyPatchRejectsInvalidOps(t *testing.T) {
	doc := map[string]any{"k": "v"}

	_, err := hitl.ApplyPatch(doc, []hitl.PatchOp{hitl.NewPatchOp("replace", "/missing", 1)})
	assert.Error(t, err)

	_, err = hitl.ApplyPatch(doc, []hitl.PatchOp{hitl.NewPatchOp("replace", "no-slash", 1)})
	assert.Error(t, err)

	_, err = hitl.ApplyPatch(doc, []hitl.PatchOp{hitl.NewPatchOp("move", "/k", 1)})
	assert.Error(t, err)

	_, err = hitl.ApplyPatch(doc, []hitl.PatchOp{{Op: "add", Path: "/k"}})
	assert.Error(t, err)
}

func TestNeedsReview(t *testing.T) {
	reason := "NO_RULE_MATCH"
	cases := []struct {
		name     string
		decision artifacts.RoutingDecision
		want     bool
	}{
		{"review queue", artifacts.RoutingDecision{QueueID: "QUEUE_IDENTITY_REVIEW"}, true},
		{"fail closed", artifacts.RoutingDecision{QueueID: "QUEUE_CLAIMS_INTAKE", FailClosed: true, FailClosedReason: &reason}, true},
		{"blocked", artifacts.RoutingDecision{QueueID: "QUEUE_CLAIMS_INTAKE", Actions: []string{artifacts.ActionBlockCaseCreate}}, true},
		{"draft pending", artifacts.RoutingDecision{QueueID: "QUEUE_CLAIMS_INTAKE", Actions: []string{artifacts.ActionCreateCase, artifacts.ActionAddRequestInfoDraft}}, true},
		{"straight through", artifacts.RoutingDecision{QueueID: "QUEUE_CLAIMS_INTAKE", Actions: []string{artifacts.ActionCreateCase}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, hitl.NeedsReview(&tc.decision))
		})
	}
}

func writeJSON(t *testing.T, path string, v any) []byte {
	t.Helper()
	data, err := canonicalize.EncodeArtifact(v)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return data
}

func reviewFixture(t *testing.T) (hitl.BuildParams, string) {
	t.Helper()
	dir := t.TempDir()

	nmPath := filepath.Join(dir, "msg-1.json")
	writeJSON(t, nmPath, map[string]any{
		"schema_id":       schema.NormalizedMessageID,
		"message_id":      "msg-1",
		"run_id":          "run-1",
		"ingested_at":     "2026-08-26T10:00:00Z",
		"raw_mime_uri":    "raw/msg-1.eml",
		"raw_mime_sha256": "sha256:1111111111111111111111111111111111111111111111111111111111111111",
		"attachment_ids":  []string{},
	})
	identityPath := filepath.Join(dir, "msg-1.identity.json")
	writeJSON(t, identityPath, map[string]any{
		"schema_id": schema.IdentityResolutionResultID,
		"status":    "IDENTITY_UNRESOLVED",
	})
	clsPath := filepath.Join(dir, "msg-1.classification.json")
	writeJSON(t, clsPath, map[string]any{
		"schema_id":      schema.ClassificationResultID,
		"primary_intent": map[string]any{"label": "INTENT_CLAIM_NEW"},
	})
	routingPath := filepath.Join(dir, "msg-1.routing.json")
	writeJSON(t, routingPath, map[string]any{
		"schema_id":    schema.RoutingDecisionID,
		"queue_id":     "QUEUE_IDENTITY_REVIEW",
		"rule_id":      "ROUTE_IDENTITY_UNCERTAIN_REVIEW",
		"rule_version": "1.4.1",
		"fail_closed":  false,
		"actions":      []string{"ADD_REQUEST_INFO_DRAFT"},
	})

	return hitl.BuildParams{
		NormalizedMessagePath: nmPath,
		IdentityPath:          identityPath,
		ClassificationPath:    clsPath,
		RoutingPath:           routingPath,
	}, dir
}

func TestBuildReviewItemIsDeterministic(t *testing.T) {
	params, _ := reviewFixture(t)

	first, err := hitl.BuildReviewItem(params)
	require.NoError(t, err)
	second, err := hitl.BuildReviewItem(params)
	require.NoError(t, err)

	assert.Equal(t, first.ReviewItemID, second.ReviewItemID)
	assert.True(t, canonicalize.IsUUID(first.ReviewItemID))
	assert.Equal(t, "QUEUE_IDENTITY_REVIEW", first.QueueID)
	assert.Equal(t, "IDENTITY_UNRESOLVED", first.IdentityStatus)
	assert.Equal(t, "INTENT_CLAIM_NEW", first.PrimaryIntent)
	assert.Equal(t, hitl.StatusOpen, first.Status)
	// nm, identity, classification, routing, raw MIME
	assert.Len(t, first.ArtifactRefs, 5)
}

func TestReviewStoreWriteIsIdempotent(t *testing.T) {
	params, _ := reviewFixture(t)
	item, err := hitl.BuildReviewItem(params)
	require.NoError(t, err)

	store := &hitl.FileReviewStore{BaseDir: t.TempDir()}
	path1, err := store.Write(item)
	require.NoError(t, err)
	before, err := os.ReadFile(path1)
	require.NoError(t, err)

	item.Status = "CLOSED" // second write must not take effect
	path2, err := store.Write(item)
	require.NoError(t, err)
	after, err := os.ReadFile(path2)
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.Equal(t, before, after)

	queues, err := store.ListQueues()
	require.NoError(t, err)
	assert.Equal(t, []string{"QUEUE_IDENTITY_REVIEW"}, queues)

	items, err := store.ListQueue("QUEUE_IDENTITY_REVIEW")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, hitl.StatusOpen, items[0].Status)

	found, raw, err := store.Find(item.ReviewItemID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, before, raw)
}

func submitFixture(t *testing.T) (*hitl.Service, string, string) {
	t.Helper()
	params, _ := reviewFixture(t)
	item, err := hitl.BuildReviewItem(params)
	require.NoError(t, err)

	hitlDir := t.TempDir()
	store := &hitl.FileReviewStore{BaseDir: hitlDir}
	reviewPath, err := store.Write(item)
	require.NoError(t, err)
	raw, err := os.ReadFile(reviewPath)
	require.NoError(t, err)

	registry, err := schema.NewRegistry()
	require.NoError(t, err)
	svc := &hitl.Service{
		HitlDir:  hitlDir,
		Registry: registry,
		Audit:    audit.NewLogger(t.TempDir()),
	}
	return svc, reviewPath, canonicalize.HashBytes(raw)
}

func testCorrections() []hitl.Correction {
	return []hitl.Correction{{
		TargetStage:   hitl.TargetClassify,
		Patch:         []hitl.PatchOp{hitl.NewPatchOp("replace", "/primary_intent/label", "INTENT_CLAIM_UPDATE")},
		Justification: "claim number already exists",
	}}
}

func TestSubmitCorrectionWritesImmutableRecord(t *testing.T) {
	svc, reviewPath, etag := submitFixture(t)
	createdAt := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	path, record, err := svc.SubmitCorrection(hitl.SubmitParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		Corrections:    testCorrections(),
		CreatedAt:      createdAt,
		IfMatch:        etag,
	})
	require.NoError(t, err)
	require.FileExists(t, path)
	assert.True(t, canonicalize.IsUUID(record.CorrectionID))

	// identical replay returns the same file
	path2, record2, err := svc.SubmitCorrection(hitl.SubmitParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		Corrections:    testCorrections(),
		CreatedAt:      createdAt,
		IfMatch:        etag,
	})
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, record.CorrectionID, record2.CorrectionID)

	events, err := svc.Audit.ReadRun("msg-1", "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "HITL", events[0].Stage)
	assert.Equal(t, audit.ActorHuman, events[0].ActorType)

	var stored hitl.CorrectionRecord
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, schema.CorrectionRecordID, stored.SchemaID)
	require.Len(t, stored.Corrections, 1)
	assert.Equal(t, hitl.TargetClassify, stored.Corrections[0].TargetStage)
}

func TestSubmitCorrectionStaleETag(t *testing.T) {
	svc, reviewPath, _ := submitFixture(t)

	_, _, err := svc.SubmitCorrection(hitl.SubmitParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		Corrections:    testCorrections(),
		CreatedAt:      time.Now().UTC(),
		IfMatch:        "sha256:deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	})
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeETagMismatch, ieimerr.CodeOf(err))
}

func draftDecisionFixture(t *testing.T) (*hitl.Service, string, string) {
	t.Helper()
	params, artifactDir := reviewFixture(t)
	draftsDir := filepath.Join(artifactDir, "drafts")
	require.NoError(t, os.MkdirAll(draftsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(draftsDir, "msg-1.request_info.md"), []byte("Bitte senden Sie uns Ihre Schadennummer.\n"), 0o644))
	params.DraftsDir = draftsDir

	item, err := hitl.BuildReviewItem(params)
	require.NoError(t, err)
	require.Len(t, item.DraftRefs, 1)

	hitlDir := t.TempDir()
	store := &hitl.FileReviewStore{BaseDir: hitlDir}
	reviewPath, err := store.Write(item)
	require.NoError(t, err)
	raw, err := os.ReadFile(reviewPath)
	require.NoError(t, err)

	registry, err := schema.NewRegistry()
	require.NoError(t, err)
	svc := &hitl.Service{
		HitlDir:  hitlDir,
		Registry: registry,
		Audit:    audit.NewLogger(t.TempDir()),
	}
	return svc, reviewPath, canonicalize.HashBytes(raw)
}

func TestDecideDraftApproveAndReplay(t *testing.T) {
	svc, reviewPath, etag := draftDecisionFixture(t)
	createdAt := time.Date(2026, 8, 26, 13, 0, 0, 0, time.UTC)

	path, decision, err := svc.DecideDraft(hitl.DecideDraftParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		DraftKind:      hitl.DraftKindRequestInfo,
		Approve:        true,
		CreatedAt:      createdAt,
		IfMatch:        etag,
	})
	require.NoError(t, err)
	require.FileExists(t, path)
	assert.Equal(t, hitl.DecisionApproved, decision.Decision)
	assert.True(t, canonicalize.IsUUID(decision.DecisionID))
	assert.NotEmpty(t, decision.DraftSHA256)

	// identical replay returns the same file
	path2, decision2, err := svc.DecideDraft(hitl.DecideDraftParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		DraftKind:      hitl.DraftKindRequestInfo,
		Approve:        true,
		CreatedAt:      createdAt,
		IfMatch:        etag,
	})
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, decision.DecisionID, decision2.DecisionID)

	// flipping the verdict afterwards is a conflicting rewrite
	_, _, err = svc.DecideDraft(hitl.DecideDraftParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		DraftKind:      hitl.DraftKindRequestInfo,
		Approve:        false,
		CreatedAt:      createdAt,
		IfMatch:        etag,
	})
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeImmutabilityViolation, ieimerr.CodeOf(err))

	events, err := svc.Audit.ReadRun("msg-1", "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "HITL", events[0].Stage)
}

func TestDecideDraftRejections(t *testing.T) {
	svc, reviewPath, etag := draftDecisionFixture(t)

	// review item carries no reply draft
	_, _, err := svc.DecideDraft(hitl.DecideDraftParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		DraftKind:      hitl.DraftKindReply,
		Approve:        true,
		CreatedAt:      time.Now().UTC(),
		IfMatch:        etag,
	})
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeNotFound, ieimerr.CodeOf(err))

	_, _, err = svc.DecideDraft(hitl.DecideDraftParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		DraftKind:      "greeting",
		Approve:        true,
		CreatedAt:      time.Now().UTC(),
	})
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeNotFound, ieimerr.CodeOf(err))

	_, _, err = svc.DecideDraft(hitl.DecideDraftParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		DraftKind:      hitl.DraftKindRequestInfo,
		Approve:        true,
		CreatedAt:      time.Now().UTC(),
		IfMatch:        "sha256:deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	})
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeETagMismatch, ieimerr.CodeOf(err))
}

func TestSubmitCorrectionConflictingRewrite(t *testing.T) {
	svc, reviewPath, etag := submitFixture(t)
	createdAt := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	_, record, err := svc.SubmitCorrection(hitl.SubmitParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		Corrections:    testCorrections(),
		CreatedAt:      createdAt,
		IfMatch:        etag,
	})
	require.NoError(t, err)

	// same correction id, different content
	note := "changed my mind"
	_, _, err = svc.SubmitCorrection(hitl.SubmitParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		Corrections:    testCorrections(),
		Note:           &note,
		CreatedAt:      createdAt,
		CorrectionID:   record.CorrectionID,
		IfMatch:        etag,
	})
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeImmutabilityViolation, ieimerr.CodeOf(err))
}

func TestSubmitCorrectionReplayWithSuppliedID(t *testing.T) {
	svc, reviewPath, etag := submitFixture(t)
	correctionID := canonicalize.UUID5("correction:item-1:key-1")

	path, record, err := svc.SubmitCorrection(hitl.SubmitParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		Corrections:    testCorrections(),
		CreatedAt:      time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		CorrectionID:   correctionID,
		IfMatch:        etag,
	})
	require.NoError(t, err)
	assert.Equal(t, correctionID, record.CorrectionID)

	// A later retry carries a fresh timestamp; the stored record wins.
	path2, record2, err := svc.SubmitCorrection(hitl.SubmitParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		Corrections:    testCorrections(),
		CreatedAt:      time.Date(2026, 8, 27, 9, 30, 0, 0, time.UTC),
		CorrectionID:   correctionID,
		IfMatch:        etag,
	})
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, record.CorrectionID, record2.CorrectionID)
	assert.Equal(t, record.CreatedAt, record2.CreatedAt)

	// Reusing the id for a different payload is a conflicting rewrite.
	other := testCorrections()
	other[0].Justification = "different payload"
	_, _, err = svc.SubmitCorrection(hitl.SubmitParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		Corrections:    other,
		CreatedAt:      time.Date(2026, 8, 27, 9, 31, 0, 0, time.UTC),
		CorrectionID:   correctionID,
		IfMatch:        etag,
	})
	require.Error(t, err)
	assert.Equal(t, ieimerr.CodeImmutabilityViolation, ieimerr.CodeOf(err))
}

func TestDecideDraftReplayAcrossTimestamps(t *testing.T) {
	svc, reviewPath, etag := draftDecisionFixture(t)

	path, decision, err := svc.DecideDraft(hitl.DecideDraftParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		DraftKind:      hitl.DraftKindRequestInfo,
		Approve:        true,
		CreatedAt:      time.Date(2026, 8, 26, 13, 0, 0, 0, time.UTC),
		IfMatch:        etag,
	})
	require.NoError(t, err)

	// Same verdict, later clock: the stored decision is returned as-is.
	path2, decision2, err := svc.DecideDraft(hitl.DecideDraftParams{
		ReviewItemPath: reviewPath,
		ActorID:        "reviewer-7",
		DraftKind:      hitl.DraftKindRequestInfo,
		Approve:        true,
		CreatedAt:      time.Date(2026, 8, 27, 8, 0, 0, 0, time.UTC),
		IfMatch:        etag,
	})
	require.NoError(t, err)
	assert.Equal(t, path, path2)
	assert.Equal(t, decision.DecisionID, decision2.DecisionID)
	assert.Equal(t, decision.CreatedAt, decision2.CreatedAt)
}
