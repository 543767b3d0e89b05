package identity

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// highRiskMarkers force NEEDS_REVIEW over NO_CANDIDATE when identity cannot
// be resolved: legal and regulatory mail must not be auto-dismissed.
var highRiskMarkers = []string{"ombudsmann", "anwalt", "frist"}

// Quantize2 rounds half-up to two decimal places. All identity scores are
// quantized so threshold comparisons are exact.
func Quantize2(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

func isHighRiskUnresolved(nm *artifacts.NormalizedMessage) bool {
	text := nm.SubjectC14N + "\n" + nm.BodyTextC14N
	for _, token := range highRiskMarkers {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}

func evidenceSpan(hit *IdentifierHit) artifacts.EvidenceSpan {
	return artifacts.EvidenceSpan{
		Source:          hit.Source,
		Start:           hit.Start,
		End:             hit.End,
		SnippetRedacted: hit.Snippet,
		SnippetSHA256:   canonicalize.HashBytes([]byte(hit.Snippet)),
	}
}

// Resolver scores candidate entities for a message against the configured
// signal weights and thresholds.
type Resolver struct {
	Config       *Config
	Policy       PolicyAdapter
	Claims       ClaimsAdapter
	CRM          CRMAdapter
	TemplateDir  string
}

type scoredCandidate struct {
	candidate artifacts.IdentityCandidate
	hasHard   bool
	hasMedium bool
}

func (r *Resolver) scoreFromSignals(specs []SignalSpec) float64 {
	raw := 0.0
	for _, s := range specs {
		raw += s.Weight * s.Strength
	}
	score := r.Config.ScoreTransform.Intercept + r.Config.ScoreTransform.Slope*raw
	score = max(0, min(1, score))
	return Quantize2(score)
}

func (r *Resolver) signal(name, value string, specs *[]SignalSpec, out *[]artifacts.IdentitySignal) error {
	spec, ok := r.Config.SignalSpecs[name]
	if !ok {
		return ieimerr.New(ieimerr.CodeConfigInvalid, "missing signal spec for %s", name)
	}
	*specs = append(*specs, spec)
	*out = append(*out, artifacts.IdentitySignal{Name: name, Strength: spec.Strength, Weight: spec.Weight, Value: value})
	return nil
}

// Resolve produces the identity resolution artifact and, for unresolved
// statuses, a request-info draft body in the message language.
func (r *Resolver) Resolve(ctx context.Context, nm *artifacts.NormalizedMessage, attachmentTextsC14N []string) (*artifacts.IdentityResolutionResult, string, error) {
	claimHit := FindClaimNumber(nm.SubjectC14N, nm.BodyTextC14N)
	policyHit := FindPolicyNumber(nm.SubjectC14N, nm.BodyTextC14N)

	if claimHit == nil && policyHit == nil {
		for _, text := range attachmentTextsC14N {
			claimHit = FindClaimNumber("", text)
			policyHit = FindPolicyNumber("", text)
			if claimHit != nil || policyHit != nil {
				break
			}
		}
	}

	var candidates []scoredCandidate

	if claimHit != nil {
		record, err := r.Claims.LookupByClaimNumber(ctx, claimHit.Value)
		if err != nil {
			return nil, "", ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "claims lookup")
		}
		if record != nil {
			var specs []SignalSpec
			var signals []artifacts.IdentitySignal
			if err := r.signal("SIG_CLAIM_NUMBER_LOOKUP_MATCH", record.ClaimID, &specs, &signals); err != nil {
				return nil, "", err
			}
			candidates = append(candidates, scoredCandidate{
				candidate: artifacts.IdentityCandidate{
					EntityType: "CLAIM",
					EntityID:   record.ClaimID,
					Score:      r.scoreFromSignals(specs),
					Signals:    signals,
					Evidence:   []artifacts.EvidenceSpan{evidenceSpan(claimHit)},
				},
				hasHard: true,
			})
		}
	}

	if policyHit != nil {
		record, err := r.Policy.LookupByPolicyNumber(ctx, policyHit.Value)
		if err != nil {
			return nil, "", ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "policy lookup")
		}
		if record != nil {
			var specs []SignalSpec
			var signals []artifacts.IdentitySignal
			if err := r.signal("SIG_POLICY_NUMBER_LOOKUP_MATCH", policyHit.Value, &specs, &signals); err != nil {
				return nil, "", err
			}

			senderEmailSignal := false
			if nm.FromEmail != "" {
				linked, err := r.CRM.PolicyNumbersForSenderEmail(ctx, nm.FromEmail)
				if err != nil {
					return nil, "", ieimerr.Wrap(ieimerr.CodeAdapterUnavailable, err, "crm lookup")
				}
				for _, n := range linked {
					if n == policyHit.Value {
						if err := r.signal("SIG_SENDER_EMAIL_MATCH", nm.FromEmail, &specs, &signals); err != nil {
							return nil, "", err
						}
						senderEmailSignal = true
						break
					}
				}
			}

			candidates = append(candidates, scoredCandidate{
				candidate: artifacts.IdentityCandidate{
					EntityType: "POLICY",
					EntityID:   record.PolicyID,
					Score:      r.scoreFromSignals(specs),
					Signals:    signals,
					Evidence:   []artifacts.EvidenceSpan{evidenceSpan(policyHit)},
				},
				hasHard:   true,
				hasMedium: senderEmailSignal,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].candidate, candidates[j].candidate
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.EntityID < b.EntityID
	})

	var status string
	var selected *artifacts.IdentityCandidate
	topK := []artifacts.IdentityCandidate{}

	if len(candidates) == 0 {
		if isHighRiskUnresolved(nm) {
			status = artifacts.IdentityNeedsReview
		} else {
			status = artifacts.IdentityNoCandidate
		}
	} else {
		topScore := candidates[0].candidate.Score
		secondScore := 0.0
		if len(candidates) > 1 {
			secondScore = candidates[1].candidate.Score
		}
		margin := topScore - secondScore
		top := candidates[0]
		th := r.Config.Thresholds

		switch {
		case top.hasHard && topScore >= th.ConfirmedMinScore && margin >= th.ConfirmedMinMargin:
			status = artifacts.IdentityConfirmed
		case top.hasMedium && topScore >= th.ProbableMinScore && margin >= th.ProbableMinMargin:
			status = artifacts.IdentityProbable
		default:
			status = artifacts.IdentityNeedsReview
		}

		for idx, c := range candidates {
			if idx >= r.Config.TopK {
				break
			}
			cand := c.candidate
			cand.Rank = idx + 1
			topK = append(topK, cand)
		}
		if status == artifacts.IdentityConfirmed || status == artifacts.IdentityProbable {
			sel := topK[0]
			selected = &sel
		}
	}

	decisionInput := map[string]any{
		"system_id":             r.Config.SystemID,
		"canonical_spec_semver": r.Config.CanonicalSpecSemver,
		"stage":                 "IDENTITY",
		"message_fingerprint":   nm.MessageFingerprint,
		"raw_mime_sha256":       nm.RawMIMESHA256,
		"config_ref": map[string]any{
			"config_path":   r.Config.ConfigPath,
			"config_sha256": r.Config.ConfigSHA256,
		},
		"determinism_mode": r.Config.DeterminismMode,
		"decision":         decisionSummary(status, selected, topK, r.Config.Thresholds),
	}
	hash, err := canonicalize.DecisionHash(decisionInput)
	if err != nil {
		return nil, "", err
	}

	result := &artifacts.IdentityResolutionResult{
		SchemaID:          schema.IdentityResolutionResultID,
		SchemaVersion:     schema.Version(schema.IdentityResolutionResultID),
		MessageID:         nm.MessageID,
		RunID:             nm.RunID,
		Status:            status,
		SelectedCandidate: selected,
		TopK:              topK,
		Thresholds:        r.Config.Thresholds,
		CreatedAt:         nm.IngestedAt,
		DecisionHash:      hash,
	}

	requestInfo := ""
	if status == artifacts.IdentityNoCandidate || status == artifacts.IdentityNeedsReview {
		requestInfo, err = r.loadRequestInfoTemplate(nm.Language)
		if err != nil {
			return nil, "", err
		}
	}
	return result, requestInfo, nil
}

func decisionSummary(status string, selected *artifacts.IdentityCandidate, topK []artifacts.IdentityCandidate, th artifacts.IdentityThresholds) map[string]any {
	var selectedOut any
	if selected != nil {
		selectedOut = map[string]any{
			"entity_type": selected.EntityType,
			"entity_id":   selected.EntityID,
			"score":       selected.Score,
		}
	}
	topOut := make([]map[string]any, 0, len(topK))
	for _, c := range topK {
		evidence := make([]map[string]any, 0, len(c.Evidence))
		for _, e := range c.Evidence {
			evidence = append(evidence, map[string]any{
				"source":         e.Source,
				"start":          e.Start,
				"end":            e.End,
				"snippet_sha256": e.SnippetSHA256,
			})
		}
		topOut = append(topOut, map[string]any{
			"rank":        c.Rank,
			"entity_type": c.EntityType,
			"entity_id":   c.EntityID,
			"score":       c.Score,
			"signals":     c.Signals,
			"evidence":    evidence,
		})
	}
	return map[string]any{
		"status":     status,
		"selected":   selectedOut,
		"top_k":      topOut,
		"thresholds": th,
	}
}

// loadRequestInfoTemplate reads the language-appropriate request-info draft
// from the template directory, falling back to English.
func (r *Resolver) loadRequestInfoTemplate(language string) (string, error) {
	name := "request_info_en.md"
	if language == "de" {
		name = "request_info_de.md"
	}
	data, err := os.ReadFile(filepath.Join(r.TemplateDir, name))
	if err != nil {
		return "", ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "request-info template %s", name)
	}
	return string(data), nil
}
