package audit_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMessageID = "11111111-1111-5111-8111-111111111111"
	testRunID     = "22222222-2222-5222-8222-222222222222"
)

func ref(schemaID, uri string) artifacts.Ref {
	return artifacts.Ref{
		SchemaID: schemaID,
		URI:      uri,
		SHA256:   "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
}

func params(stage string) audit.Params {
	return audit.Params{
		MessageID: testMessageID,
		RunID:     testRunID,
		Stage:     stage,
		ActorType: audit.ActorSystem,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		InputRef:  ref(schema.RefRawMIME, "raw_store/emails/aa.eml"),
		OutputRef: ref(schema.NormalizedMessageID, "normalized/msg.json"),
		ConfigRef: map[string]any{
			"config_path":   "configs/dev.yaml",
			"config_sha256": "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		},
	}
}

func TestAppendChainsEvents(t *testing.T) {
	logger := audit.NewLogger(t.TempDir())

	first, err := logger.Append(audit.BuildEvent(params("INGEST")))
	require.NoError(t, err)
	assert.Nil(t, first.PrevEventHash)
	assert.True(t, strings.HasPrefix(first.EventHash, "sha256:"))

	p := params("NORMALIZE")
	p.OutputRef.SHA256 = "sha256:cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	second, err := logger.Append(audit.BuildEvent(p))
	require.NoError(t, err)
	require.NotNil(t, second.PrevEventHash)
	assert.Equal(t, first.EventHash, *second.PrevEventHash)
	assert.NotEqual(t, first.AuditEventID, second.AuditEventID)

	events, err := logger.ReadRun(testMessageID, testRunID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "INGEST", events[0].Stage)
	assert.Equal(t, "NORMALIZE", events[1].Stage)
}

func TestAppendChainsAcrossLoggerInstances(t *testing.T) {
	dir := t.TempDir()

	// Two independent logger instances share nothing but the directory,
	// like two processes appending to the same run.
	a := audit.NewLogger(dir)
	b := audit.NewLogger(dir)

	stages := []string{"INGEST", "NORMALIZE", "ROUTE", "HITL"}
	var prev *audit.Event
	for i, stage := range stages {
		logger := a
		if i%2 == 1 {
			logger = b
		}
		p := params(stage)
		p.OutputRef.URI = "out/" + stage + ".json"
		event, err := logger.Append(audit.BuildEvent(p))
		require.NoError(t, err)
		if prev == nil {
			assert.Nil(t, event.PrevEventHash)
		} else {
			require.NotNil(t, event.PrevEventHash)
			assert.Equal(t, prev.EventHash, *event.PrevEventHash)
		}
		prev = event
	}

	registry, err := schema.NewRegistry()
	require.NoError(t, err)
	result, err := audit.Verify(dir+"/audit", registry)
	require.NoError(t, err)
	assert.True(t, result.OK(), "errors: %v", result.Errors)
	assert.Equal(t, len(stages), result.EventsChecked)
}

func TestEventIDDeterministic(t *testing.T) {
	a := audit.BuildEvent(params("INGEST"))
	b := audit.BuildEvent(params("INGEST"))
	assert.Equal(t, a.AuditEventID, b.AuditEventID)

	p := params("INGEST")
	p.OutputRef.SHA256 = "sha256:dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
	c := audit.BuildEvent(p)
	assert.NotEqual(t, a.AuditEventID, c.AuditEventID)
}

func TestVerifyAcceptsIntactChain(t *testing.T) {
	dir := t.TempDir()
	logger := audit.NewLogger(dir)
	_, err := logger.Append(audit.BuildEvent(params("INGEST")))
	require.NoError(t, err)
	p := params("NORMALIZE")
	p.OutputRef.SHA256 = "sha256:cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	_, err = logger.Append(audit.BuildEvent(p))
	require.NoError(t, err)

	registry, err := schema.NewRegistry()
	require.NoError(t, err)

	result, err := audit.Verify(dir+"/audit", registry)
	require.NoError(t, err)
	assert.True(t, result.OK(), "errors: %v", result.Errors)
	assert.Equal(t, 1, result.FilesChecked)
	assert.Equal(t, 2, result.EventsChecked)
	assert.NoError(t, result.Err())
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	logger := audit.NewLogger(dir)
	_, err := logger.Append(audit.BuildEvent(params("INGEST")))
	require.NoError(t, err)

	path := logger.PathFor(testMessageID, testRunID)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"INGEST"`, `"ROUTE"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	registry, err := schema.NewRegistry()
	require.NoError(t, err)

	result, err := audit.Verify(dir+"/audit", registry)
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.Equal(t, ieimerr.CodeAuditChainBroken, ieimerr.CodeOf(result.Err()))
}

func TestVerifyFlagsPathMismatch(t *testing.T) {
	dir := t.TempDir()
	logger := audit.NewLogger(dir)
	event, err := logger.Append(audit.BuildEvent(params("INGEST")))
	require.NoError(t, err)

	// Move the log under a different run id; the path-derived id no longer
	// matches the events inside.
	moved := strings.Replace(logger.PathFor(event.MessageID, event.RunID), testRunID, "33333333-3333-5333-8333-333333333333", 1)
	require.NoError(t, os.Rename(logger.PathFor(event.MessageID, event.RunID), moved))

	registry, err := schema.NewRegistry()
	require.NoError(t, err)

	result, err := audit.Verify(dir+"/audit", registry)
	require.NoError(t, err)
	require.False(t, result.OK())
	assert.Contains(t, result.Errors[0], "run_id mismatch")
}
