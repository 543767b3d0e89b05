package identity_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *identity.Config {
	return &identity.Config{
		SystemID:            "IEIM",
		CanonicalSpecSemver: "1.0.0",
		ConfigPath:          "configs/dev.yaml",
		ConfigSHA256:        "sha256:0000000000000000000000000000000000000000000000000000000000000000",
		TopK:                3,
		Thresholds: artifacts.IdentityThresholds{
			ConfirmedMinScore:  0.90,
			ConfirmedMinMargin: 0.10,
			ProbableMinScore:   0.70,
			ProbableMinMargin:  0.05,
		},
		SignalSpecs: map[string]identity.SignalSpec{
			"SIG_CLAIM_NUMBER_LOOKUP_MATCH":  {Weight: 1.0, Strength: 1.0},
			"SIG_POLICY_NUMBER_LOOKUP_MATCH": {Weight: 1.0, Strength: 0.95},
			"SIG_SENDER_EMAIL_MATCH":         {Weight: 0.3, Strength: 0.6},
		},
		ScoreTransform: identity.ScoreTransform{Intercept: 0.0, Slope: 0.9},
	}
}

func newResolver(t *testing.T, crm map[string][]string) *identity.Resolver {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "request_info_en.md"), []byte("please provide your policy number\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "request_info_de.md"), []byte("bitte geben sie ihre polizzennummer an\n"), 0o644))
	return &identity.Resolver{
		Config:      testConfig(),
		Policy:      identity.InMemoryPolicyAdapter{},
		Claims:      identity.InMemoryClaimsAdapter{},
		CRM:         identity.InMemoryCRMAdapter{EmailToPolicyNumbers: crm},
		TemplateDir: dir,
	}
}

func normalizedMessage(subjectC14N, bodyC14N string) *artifacts.NormalizedMessage {
	return &artifacts.NormalizedMessage{
		MessageID:          "11111111-1111-5111-8111-111111111111",
		RunID:              "22222222-2222-5222-8222-222222222222",
		IngestedAt:         "2026-03-01T10:00:00Z",
		SubjectC14N:        subjectC14N,
		BodyTextC14N:       bodyC14N,
		FromEmail:          "erika@example.com",
		Language:           "de",
		MessageFingerprint: "sha256:1111111111111111111111111111111111111111111111111111111111111111",
		RawMIMESHA256:      "sha256:2222222222222222222222222222222222222222222222222222222222222222",
	}
}

func TestResolveClaimNumberConfirmed(t *testing.T) {
	r := newResolver(t, nil)
	nm := normalizedMessage("schaden clm-2026-0042", "details folgen")

	result, draft, err := r.Resolve(context.Background(), nm, nil)
	require.NoError(t, err)

	assert.Equal(t, artifacts.IdentityConfirmed, result.Status)
	require.NotNil(t, result.SelectedCandidate)
	assert.Equal(t, "CLAIM", result.SelectedCandidate.EntityType)
	assert.Equal(t, "CLM-2026-0042", result.SelectedCandidate.EntityID)
	assert.Equal(t, 0.90, result.SelectedCandidate.Score, "0.9*1.0*1.0 quantized")
	assert.Equal(t, 1, result.SelectedCandidate.Rank)
	assert.Empty(t, draft)
	assert.NotEmpty(t, result.DecisionHash)
}

func TestResolvePolicyWithSenderMatchProbable(t *testing.T) {
	r := newResolver(t, map[string][]string{"erika@example.com": {"12-3456789"}})
	nm := normalizedMessage("polizze 12-3456789", "zur polizze 12-3456789 eine frage")

	result, _, err := r.Resolve(context.Background(), nm, nil)
	require.NoError(t, err)

	// 0.9*(1.0*0.95 + 0.3*0.6) = 1.017 -> clipped 1.0; hard signal wins.
	assert.Equal(t, artifacts.IdentityConfirmed, result.Status)
	require.NotNil(t, result.SelectedCandidate)
	assert.Equal(t, "POL-12-3456789", result.SelectedCandidate.EntityID)
	assert.Equal(t, 1.0, result.SelectedCandidate.Score)
	require.Len(t, result.SelectedCandidate.Signals, 2)
	assert.Equal(t, "SIG_SENDER_EMAIL_MATCH", result.SelectedCandidate.Signals[1].Name)
}

func TestResolveNoCandidate(t *testing.T) {
	r := newResolver(t, nil)
	nm := normalizedMessage("allgemeine frage", "guten tag, eine frage zu ihren produkten")

	result, draft, err := r.Resolve(context.Background(), nm, nil)
	require.NoError(t, err)
	assert.Equal(t, artifacts.IdentityNoCandidate, result.Status)
	assert.Nil(t, result.SelectedCandidate)
	assert.Contains(t, draft, "polizzennummer", "German draft for de message")
}

func TestResolveHighRiskMarkersForceReview(t *testing.T) {
	r := newResolver(t, nil)
	nm := normalizedMessage("beschwerde", "ich habe den ombudsmann informiert")

	result, draft, err := r.Resolve(context.Background(), nm, nil)
	require.NoError(t, err)
	assert.Equal(t, artifacts.IdentityNeedsReview, result.Status)
	assert.NotEmpty(t, draft)
}

func TestResolveFallsBackToAttachmentText(t *testing.T) {
	r := newResolver(t, nil)
	nm := normalizedMessage("unfall", "siehe beilage")

	result, _, err := r.Resolve(context.Background(), nm, []string{"schadennummer clm-2026-0099 laut akt"})
	require.NoError(t, err)
	assert.Equal(t, artifacts.IdentityConfirmed, result.Status)
	require.NotNil(t, result.SelectedCandidate)
	assert.Equal(t, "CLM-2026-0099", result.SelectedCandidate.EntityID)
	assert.Equal(t, artifacts.SourceBodyC14N, result.SelectedCandidate.Evidence[0].Source)
}

func TestDecisionHashStableAcrossRuns(t *testing.T) {
	r := newResolver(t, nil)
	nm := normalizedMessage("schaden clm-2026-0042", "details")

	a, _, err := r.Resolve(context.Background(), nm, nil)
	require.NoError(t, err)
	b, _, err := r.Resolve(context.Background(), nm, nil)
	require.NoError(t, err)
	assert.Equal(t, a.DecisionHash, b.DecisionHash)
}

func TestQuantize2HalfUp(t *testing.T) {
	assert.Equal(t, 0.13, identity.Quantize2(0.125))
	assert.Equal(t, 0.12, identity.Quantize2(0.1249))
	assert.Equal(t, 1.0, identity.Quantize2(0.999))
}

func TestFindPolicyNumberPrefersBodyGrounding(t *testing.T) {
	hit := identity.FindPolicyNumber("polizze 12-3456789", "ihre polizze 12-3456789 ist aktiv")
	require.NotNil(t, hit)
	assert.Equal(t, "BODY_C14N", hit.Source)
	assert.Equal(t, "12-3456789", hit.Value)
}
