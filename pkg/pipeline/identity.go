package pipeline

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/identity"
)

// IdentityRunner resolves the sender identity for every normalized
// message and materializes request-info drafts for unresolved ones.
type IdentityRunner struct {
	RepoRoot  string
	Resolver  *identity.Resolver
	Artifacts *artifacts.Dir
	Observer  Observer
}

// Run resolves all normalized messages in artifact-directory order.
func (r *IdentityRunner) Run(ctx context.Context) ([]*artifacts.IdentityResolutionResult, error) {
	paths, err := r.Artifacts.ListNormalized()
	if err != nil {
		return nil, err
	}

	var produced []*artifacts.IdentityResolutionResult
	for _, nmPath := range paths {
		nmBytes, err := r.Artifacts.ReadArtifactBytes(nmPath)
		if err != nil {
			return produced, err
		}
		var nm artifacts.NormalizedMessage
		if err := r.Artifacts.ReadArtifact(nmPath, &nm); err != nil {
			return produced, err
		}

		attachments, err := loadAttachmentArtifacts(r.Artifacts, &nm)
		if err != nil {
			return produced, err
		}
		texts, err := loadAttachmentTextsC14N(r.RepoRoot, attachments)
		if err != nil {
			return produced, err
		}

		t0 := time.Now()
		result, requestInfo, err := r.Resolver.Resolve(ctx, &nm, texts)
		if err != nil {
			return produced, err
		}
		duration := time.Since(t0)

		outPath := r.Artifacts.IdentityPath(nm.MessageID)
		outBytes, err := r.Artifacts.WriteArtifact(outPath, result)
		if err != nil {
			return produced, err
		}

		if requestInfo != "" {
			draftPath := r.Artifacts.DraftPath(nm.MessageID, "request_info")
			if err := artifacts.WriteFileAtomic(draftPath, []byte(requestInfo)); err != nil {
				return produced, err
			}
		}

		createdAt, err := parseArtifactTime(nm.IngestedAt)
		if err != nil {
			return produced, err
		}
		r.Observer.StageComplete(ctx, StageIdentity, nm.MessageID, nm.RunID, createdAt, duration, "OK",
			map[string]any{"identity_status": result.Status})

		if err := r.Observer.Audited(audit.Params{
			MessageID: nm.MessageID, RunID: nm.RunID, Stage: StageIdentity,
			ActorType: audit.ActorSystem, CreatedAt: createdAt,
			InputRef:  refOf(nm.SchemaID, nmPath, nmBytes),
			OutputRef: refOf(result.SchemaID, outPath, outBytes),
			ConfigRef: map[string]any{
				"config_path":   r.Resolver.Config.ConfigPath,
				"config_sha256": r.Resolver.Config.ConfigSHA256,
			},
			Evidence:     candidateEvidence(result),
			DecisionHash: &result.DecisionHash,
		}); err != nil {
			return produced, err
		}

		produced = append(produced, result)
	}
	return produced, nil
}

// candidateEvidence gathers the grounding spans of all ranked candidates.
func candidateEvidence(result *artifacts.IdentityResolutionResult) []artifacts.EvidenceSpan {
	var out []artifacts.EvidenceSpan
	for _, c := range result.TopK {
		out = append(out, c.Evidence...)
	}
	return out
}
