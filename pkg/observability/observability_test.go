package observability_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsStageObservation(t *testing.T) {
	m := observability.NewMetrics()
	m.IncIngested(2)
	m.ObserveStage("CLASSIFY", 120, "OK")
	m.ObserveStage("CLASSIFY", -5, "OK") // negative durations are dropped
	m.IncProcessed(4)
	m.IncHITL(1)

	families, err := m.Gather().Gather()
	require.NoError(t, err)
	byName := map[string]bool{}
	for _, f := range families {
		byName[f.GetName()] = true
	}
	assert.True(t, byName["emails_ingested_total"])
	assert.True(t, byName["stage_events_total"])
	assert.True(t, byName["stage_latency_ms"])
	assert.True(t, byName["hitl_rate_percent"])

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "emails_processed_total 4")
	assert.Contains(t, text, "hitl_rate_percent 25")
}

func TestMetricsInstancesAreIsolated(t *testing.T) {
	a := observability.NewMetrics()
	b := observability.NewMetrics()
	a.IncIngested(1)

	families, err := b.Gather().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "emails_ingested_total" {
			assert.Equal(t, 0.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
}

func TestContextForRunIDIsDeterministic(t *testing.T) {
	ctx1 := observability.ContextForRunID(context.Background(), "run-1")
	ctx2 := observability.ContextForRunID(context.Background(), "run-1")
	other := observability.ContextForRunID(context.Background(), "run-2")

	t1, s1, ok := observability.TraceIDs(ctx1)
	require.True(t, ok)
	t2, s2, ok := observability.TraceIDs(ctx2)
	require.True(t, ok)
	t3, _, ok := observability.TraceIDs(other)
	require.True(t, ok)

	assert.Equal(t, t1, t2)
	assert.Equal(t, s1, s2)
	assert.NotEqual(t, t1, t3)
	assert.Len(t, t1, 32)
	assert.Len(t, s1, 16)
}

func TestFileLoggerAppendsPerRun(t *testing.T) {
	logger := observability.NewFileLogger(t.TempDir())
	occurred := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	dur := 42

	ev := observability.BuildEvent(context.Background(), observability.EventParams{
		EventType:  observability.EventStageComplete,
		Stage:      "ROUTE",
		MessageID:  "msg-1",
		RunID:      "run-1",
		OccurredAt: occurred,
		DurationMS: &dur,
		Status:     "OK",
		Fields:     map[string]any{"queue_id": "QUEUE_CLAIMS_INTAKE"},
	})
	// no span in context: fall back to run id / stage label
	assert.Equal(t, "run-1", ev.TraceID)
	assert.Equal(t, "ROUTE:STAGE_COMPLETE", ev.SpanID)

	require.NoError(t, logger.Append(ev))
	require.NoError(t, logger.Append(observability.BuildEvent(context.Background(), observability.EventParams{
		EventType:  observability.EventStageComplete,
		Stage:      "CASE",
		MessageID:  "msg-1",
		RunID:      "run-1",
		OccurredAt: occurred,
		Status:     "OK",
	})))

	events, err := logger.ReadRun("msg-1", "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ROUTE", events[0].Stage)
	assert.Equal(t, "2026-08-26T10:00:00Z", events[0].OccurredAt)
	require.NotNil(t, events[0].DurationMS)
	assert.Equal(t, 42, *events[0].DurationMS)
	assert.Nil(t, events[1].DurationMS)

	// span context wins over fallback
	ctx := observability.ContextForRunID(context.Background(), "run-1")
	withSpan := observability.BuildEvent(ctx, observability.EventParams{
		EventType: observability.EventStageComplete,
		Stage:     "HITL",
		MessageID: "msg-1",
		RunID:     "run-1",
	})
	assert.False(t, strings.Contains(withSpan.TraceID, "run-"))
	assert.Len(t, withSpan.TraceID, 32)
}
