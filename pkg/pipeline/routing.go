package pipeline

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/route"
)

// RoutingRunner evaluates the routing ruleset over every message that has
// identity and classification artifacts.
type RoutingRunner struct {
	Evaluator *route.Evaluator
	Artifacts *artifacts.Dir
	Observer  Observer
}

// Run routes all normalized messages in artifact-directory order.
func (r *RoutingRunner) Run(ctx context.Context) ([]*artifacts.RoutingDecision, error) {
	paths, err := r.Artifacts.ListNormalized()
	if err != nil {
		return nil, err
	}

	var produced []*artifacts.RoutingDecision
	for _, nmPath := range paths {
		var nm artifacts.NormalizedMessage
		if err := r.Artifacts.ReadArtifact(nmPath, &nm); err != nil {
			return produced, err
		}

		identityPath := r.Artifacts.IdentityPath(nm.MessageID)
		var identityResult artifacts.IdentityResolutionResult
		if err := r.Artifacts.ReadArtifact(identityPath, &identityResult); err != nil {
			return produced, err
		}
		clsPath := r.Artifacts.ClassificationPath(nm.MessageID)
		clsBytes, err := r.Artifacts.ReadArtifactBytes(clsPath)
		if err != nil {
			return produced, err
		}
		var classification artifacts.ClassificationResult
		if err := r.Artifacts.ReadArtifact(clsPath, &classification); err != nil {
			return produced, err
		}

		t0 := time.Now()
		result, err := r.Evaluator.Evaluate(&nm, &identityResult, &classification)
		if err != nil {
			return produced, err
		}
		duration := time.Since(t0)

		outPath := r.Artifacts.RoutingPath(nm.MessageID)
		outBytes, err := r.Artifacts.WriteArtifact(outPath, result.Decision)
		if err != nil {
			return produced, err
		}

		createdAt, err := parseArtifactTime(nm.IngestedAt)
		if err != nil {
			return produced, err
		}
		r.Observer.StageComplete(ctx, StageRoute, nm.MessageID, nm.RunID, createdAt, duration, "OK",
			map[string]any{"queue_id": result.Decision.QueueID})

		rulesRef := result.RulesRef
		if err := r.Observer.Audited(audit.Params{
			MessageID: nm.MessageID, RunID: nm.RunID, Stage: StageRoute,
			ActorType: audit.ActorSystem, CreatedAt: createdAt,
			InputRef:  refOf(classification.SchemaID, clsPath, clsBytes),
			OutputRef: refOf(result.Decision.SchemaID, outPath, outBytes),
			ConfigRef: map[string]any{
				"config_path":   r.Evaluator.Config.ConfigPath,
				"config_sha256": r.Evaluator.Config.ConfigSHA256,
			},
			RulesRef:     &rulesRef,
			DecisionHash: &result.Decision.DecisionHash,
		}); err != nil {
			return produced, err
		}

		produced = append(produced, result.Decision)
	}
	return produced, nil
}
