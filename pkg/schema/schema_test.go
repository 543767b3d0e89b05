package schema_test

import (
	"strings"
	"testing"

	"github.com/Mindburn-Labs/ieim/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_CompilesAllSchemas(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestVersion_ReturnsTrailingSemver(t *testing.T) {
	assert.Equal(t, "1.0.0", schema.Version(schema.AuditEventID))
	assert.Equal(t, "1.0.0", schema.Version(schema.NormalizedMessageID))
	assert.Equal(t, "", schema.Version("no-colons-here"))
}

func TestCheckSpecVersion_MatchAndMismatch(t *testing.T) {
	require.NoError(t, schema.CheckSpecVersion(schema.RoutingDecisionID, "1.0.0"))

	err := schema.CheckSpecVersion(schema.RoutingDecisionID, "2.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestCheckSpecVersion_InvalidSemver(t *testing.T) {
	err := schema.CheckSpecVersion("urn:ieim:schema:foo:not-a-version", "1.0.0")
	require.Error(t, err)
}

func validAuditEvent() map[string]any {
	return map[string]any{
		"schema_id":      schema.AuditEventID,
		"schema_version": "1.0.0",
		"audit_event_id": "7f9c24e5-2b7a-5df1-9c33-0a1b2c3d4e5f",
		"message_id":     "0b7aa2f1-55cc-5d7e-92f3-41f3a6a8be21",
		"run_id":         "a3b8c1d0-1122-5eff-8899-aabbccddeeff",
		"stage":          "CLASSIFY",
		"actor_type":     "SYSTEM",
		"actor_id":       nil,
		"created_at":     "2026-01-02T10:00:00Z",
		"input_ref": map[string]any{
			"schema_id": schema.NormalizedMessageID,
			"uri":       "msg.normalized.json",
			"sha256":    "sha256:" + strings.Repeat("a", 64),
		},
		"output_ref": map[string]any{
			"schema_id": schema.ClassificationResultID,
			"uri":       "msg.classification.json",
			"sha256":    "sha256:" + strings.Repeat("b", 64),
		},
		"config_ref":      nil,
		"rules_ref":       nil,
		"model_info":      nil,
		"evidence":        []any{},
		"decision_hash":   "sha256:" + strings.Repeat("c", 64),
		"prev_event_hash": nil,
		"event_hash":      "sha256:" + strings.Repeat("d", 64),
	}
}

func TestValidate_AuditEvent_Valid(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)

	require.NoError(t, r.Validate(schema.AuditEventID, validAuditEvent()))
}

func TestValidate_AuditEvent_RejectsBadStage(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)

	ev := validAuditEvent()
	ev["stage"] = "NOT_A_STAGE"
	require.Error(t, r.Validate(schema.AuditEventID, ev))
}

func TestValidate_AuditEvent_RejectsMissingEventHash(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)

	ev := validAuditEvent()
	delete(ev, "event_hash")
	require.Error(t, r.Validate(schema.AuditEventID, ev))
}

func TestValidate_AuditEvent_RejectsUnprefixedSha(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)

	ev := validAuditEvent()
	ev["event_hash"] = strings.Repeat("d", 64)
	require.Error(t, r.Validate(schema.AuditEventID, ev))
}

func TestValidate_UnknownSchemaID(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)

	err = r.Validate("urn:ieim:schema:unknown:1.0.0", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown schema id")
}

func TestValidateBytes_RoutingDecision(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)

	doc := `{
		"schema_id": "urn:ieim:schema:routing_decision:1.0.0",
		"schema_version": "1.0.0",
		"message_id": "m1",
		"run_id": "r1",
		"queue_id": "QUEUE_POLICY_SERVICE",
		"sla_id": "SLA_STANDARD_24H",
		"priority": 50,
		"actions": ["CREATE_CASE"],
		"rule_id": "ROUTE_CLAIM_NEW",
		"rule_version": "1.0.0",
		"fail_closed": false,
		"fail_closed_reason": null,
		"created_at": "2026-01-02T10:00:00Z",
		"decision_hash": "sha256:` + strings.Repeat("e", 64) + `"
	}`
	require.NoError(t, r.ValidateBytes(schema.RoutingDecisionID, []byte(doc)))

	require.Error(t, r.ValidateBytes(schema.RoutingDecisionID, []byte(`{"queue_id": 42`)))
}

func TestValidateBytes_CorrectionRecord(t *testing.T) {
	r, err := schema.NewRegistry()
	require.NoError(t, err)

	doc := `{
		"schema_id": "urn:ieim:schema:correction_record:1.0.0",
		"schema_version": "1.0.0",
		"correction_id": "7f9c24e5-2b7a-5df1-9c33-0a1b2c3d4e5f",
		"message_id": "m1",
		"run_id": "r1",
		"review_item_id": "ri1",
		"actor_type": "HUMAN",
		"actor_id": "reviewer-7",
		"created_at": "2026-01-02T10:00:00Z",
		"note": null,
		"artifact_refs": [],
		"corrections": [
			{
				"target_stage": "ROUTE",
				"patch": [{"op": "replace", "path": "/queue_id", "value": "QUEUE_INTAKE_REVIEW_GENERAL"}],
				"justification": "manual routing override",
				"evidence": []
			}
		]
	}`
	require.NoError(t, r.ValidateBytes(schema.CorrectionRecordID, []byte(doc)))

	// Empty corrections list violates minItems.
	empty := strings.Replace(doc, `"corrections": [
			{
				"target_stage": "ROUTE",
				"patch": [{"op": "replace", "path": "/queue_id", "value": "QUEUE_INTAKE_REVIEW_GENERAL"}],
				"justification": "manual routing override",
				"evidence": []
			}
		]`, `"corrections": []`, 1)
	require.Error(t, r.ValidateBytes(schema.CorrectionRecordID, []byte(empty)))
}
