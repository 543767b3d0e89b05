package pipeline

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/classify"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/extract"
	"github.com/Mindburn-Labs/ieim/pkg/llm"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// ClassifyExtractOutput pairs the two stage-4 artifacts for one message.
type ClassifyExtractOutput struct {
	Classification *artifacts.ClassificationResult
	Extraction     *artifacts.ExtractionResult
}

// ClassifyExtractRunner runs the deterministic cascades and, where the
// gate allows, the model fallback. Any model-path failure falls back to a
// zero-confidence review classification that retains the deterministic
// risk flags.
type ClassifyExtractRunner struct {
	RepoRoot    string
	Config      *config.Config
	Artifacts   *artifacts.Dir
	LLMCacheDir string
	Observer    Observer
}

// Run classifies and extracts every normalized message.
func (r *ClassifyExtractRunner) Run(ctx context.Context) ([]ClassifyExtractOutput, error) {
	paths, err := r.Artifacts.ListNormalized()
	if err != nil {
		return nil, err
	}

	var produced []ClassifyExtractOutput
	for _, nmPath := range paths {
		out, err := r.runOne(ctx, nmPath)
		if err != nil {
			return produced, err
		}
		produced = append(produced, *out)
	}
	return produced, nil
}

func (r *ClassifyExtractRunner) runOne(ctx context.Context, nmPath string) (*ClassifyExtractOutput, error) {
	nmBytes, err := r.Artifacts.ReadArtifactBytes(nmPath)
	if err != nil {
		return nil, err
	}
	var nm artifacts.NormalizedMessage
	if err := r.Artifacts.ReadArtifact(nmPath, &nm); err != nil {
		return nil, err
	}
	attachments, err := loadAttachmentArtifacts(r.Artifacts, &nm)
	if err != nil {
		return nil, err
	}

	classifier := &classify.Classifier{Config: r.Config}
	tCls := time.Now()
	deterministic, err := classifier.Classify(&nm, attachments)
	if err != nil {
		return nil, err
	}
	clsDur := time.Since(tCls)

	classification := deterministic.Classification
	var classifyModelInfo *artifacts.ModelInfo
	classifyLLMUsed := false

	if gate := llm.ShouldCallClassify(r.Config, classification); gate.Allowed {
		mapped, modelInfo, err := r.classifyWithModel(ctx, &nm, classification.RiskFlags)
		if err != nil {
			r.Observer.log().Warn("classify fallback failed, failing closed",
				"message_id", nm.MessageID, "error", err)
			classification, err = failClosedClassification(classifier, &nm, classification.RiskFlags)
			if err != nil {
				return nil, err
			}
		} else {
			classification = mapped
			classifyModelInfo = modelInfo
			classifyLLMUsed = true
		}
	}

	extractor := &extract.Extractor{Config: r.Config}
	tEx := time.Now()
	extraction := extractor.Extract(&nm, attachments)
	exDur := time.Since(tEx)

	var extractModelInfo *artifacts.ModelInfo
	if gate := llm.ShouldCallExtract(classifyLLMUsed, extraction); gate.Allowed {
		merged, modelInfo, err := r.extractWithModel(ctx, &nm, extraction)
		if err != nil {
			r.Observer.log().Warn("extract fallback failed, keeping deterministic result",
				"message_id", nm.MessageID, "error", err)
		} else {
			extraction = merged
			extractModelInfo = modelInfo
		}
	}

	clsPath := r.Artifacts.ClassificationPath(nm.MessageID)
	clsBytes, err := r.Artifacts.WriteArtifact(clsPath, classification)
	if err != nil {
		return nil, err
	}
	exPath := r.Artifacts.ExtractionPath(nm.MessageID)
	exBytes, err := r.Artifacts.WriteArtifact(exPath, extraction)
	if err != nil {
		return nil, err
	}

	createdAt, err := parseArtifactTime(nm.IngestedAt)
	if err != nil {
		return nil, err
	}
	r.Observer.StageComplete(ctx, StageClassify, nm.MessageID, nm.RunID, createdAt, clsDur, "OK",
		map[string]any{"primary_intent": classification.PrimaryIntent.Label})
	r.Observer.StageComplete(ctx, StageExtract, nm.MessageID, nm.RunID, createdAt, exDur, "OK",
		map[string]any{"entity_count": len(extraction.Entities)})

	nmRef := refOf(nm.SchemaID, nmPath, nmBytes)
	clsRef := refOf(classification.SchemaID, clsPath, clsBytes)
	exRef := refOf(extraction.SchemaID, exPath, exBytes)
	configRef := map[string]any{
		"config_path":   r.Config.ConfigPath,
		"config_sha256": r.Config.ConfigSHA256,
	}

	if err := r.Observer.Audited(audit.Params{
		MessageID: nm.MessageID, RunID: nm.RunID, Stage: StageClassify,
		ActorType: audit.ActorSystem, CreatedAt: createdAt,
		InputRef: nmRef, OutputRef: clsRef,
		ConfigRef:    configRef,
		RulesRef:     deterministic.RulesRef,
		ModelInfo:    classifyModelInfo,
		Evidence:     classificationEvidence(classification),
		DecisionHash: &classification.DecisionHash,
	}); err != nil {
		return nil, err
	}
	if err := r.Observer.Audited(audit.Params{
		MessageID: nm.MessageID, RunID: nm.RunID, Stage: StageExtract,
		ActorType: audit.ActorSystem, CreatedAt: createdAt,
		InputRef: clsRef, OutputRef: exRef,
		ConfigRef: configRef,
		ModelInfo: extractModelInfo,
	}); err != nil {
		return nil, err
	}

	return &ClassifyExtractOutput{Classification: classification, Extraction: extraction}, nil
}

func (r *ClassifyExtractRunner) classifyWithModel(ctx context.Context, nm *artifacts.NormalizedMessage, deterministicRiskFlags []artifacts.Labeled) (*artifacts.ClassificationResult, *artifacts.ModelInfo, error) {
	adapter, err := llm.NewAdapter(r.RepoRoot, r.Config, r.LLMCacheDir)
	if err != nil {
		return nil, nil, err
	}
	resp, err := adapter.Classify(ctx, nm)
	if err != nil {
		return nil, nil, err
	}
	mapped, err := llm.BuildClassificationFromLLM(r.Config, nm, resp.Output, resp.ModelInfo, deterministicRiskFlags)
	if err != nil {
		return nil, nil, err
	}
	info := resp.ModelInfo
	return mapped, &info, nil
}

func (r *ClassifyExtractRunner) extractWithModel(ctx context.Context, nm *artifacts.NormalizedMessage, extraction *artifacts.ExtractionResult) (*artifacts.ExtractionResult, *artifacts.ModelInfo, error) {
	adapter, err := llm.NewAdapter(r.RepoRoot, r.Config, r.LLMCacheDir)
	if err != nil {
		return nil, nil, err
	}
	resp, err := adapter.Extract(ctx, nm, map[string]any{
		"iban_policy": map[string]any{
			"enabled":    r.Config.Extraction.IBANPolicy.Enabled,
			"store_mode": r.Config.Extraction.IBANPolicy.StoreMode,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	merged, err := llm.MergeExtractionFromLLM(r.Config, extraction, resp.Output, nm)
	if err != nil {
		return nil, nil, err
	}
	info := resp.ModelInfo
	return merged, &info, nil
}

// failClosedClassification is the result used when the gate allowed a
// model call but the call or its mapping failed: general inquiry at zero
// confidence with a minimal grounded span, deterministic risk flags kept.
func failClosedClassification(classifier *classify.Classifier, nm *artifacts.NormalizedMessage, deterministicRiskFlags []artifacts.Labeled) (*artifacts.ClassificationResult, error) {
	subject := llm.RedactPreserveLength(nm.SubjectC14N)
	body := llm.RedactPreserveLength(nm.BodyTextC14N)
	source := artifacts.SourceBodyC14N
	text := body
	if text == "" {
		source = artifacts.SourceSubjectC14N
		text = subject
	}
	end := len(text)
	if end > 20 {
		end = 20
	}
	span := artifacts.EvidenceSpan{
		Source:          source,
		Start:           0,
		End:             end,
		SnippetRedacted: text[:end],
		SnippetSHA256:   canonicalize.HashBytes([]byte(text[:end])),
	}

	intents := []artifacts.Labeled{{Label: "INTENT_GENERAL_INQUIRY", Confidence: 0.0, Evidence: []artifacts.EvidenceSpan{span}}}
	primary := intents[0]
	productLine := artifacts.Labeled{Label: "PROD_UNKNOWN", Confidence: 0.0, Evidence: []artifacts.EvidenceSpan{span}}
	urgency := artifacts.Labeled{Label: "URG_NORMAL", Confidence: 0.0, Evidence: []artifacts.EvidenceSpan{span}}
	riskFlags := deterministicRiskFlags
	if riskFlags == nil {
		riskFlags = []artifacts.Labeled{}
	}

	hash, err := classifier.DecisionHash(nm, intents, primary, productLine, urgency, riskFlags)
	if err != nil {
		return nil, err
	}
	return &artifacts.ClassificationResult{
		SchemaID:      schema.ClassificationResultID,
		SchemaVersion: schema.Version(schema.ClassificationResultID),
		MessageID:     nm.MessageID,
		RunID:         nm.RunID,
		Intents:       intents,
		PrimaryIntent: primary,
		ProductLine:   productLine,
		Urgency:       urgency,
		RiskFlags:     riskFlags,
		ModelInfo:     nil,
		CreatedAt:     nm.IngestedAt,
		DecisionHash:  hash,
	}, nil
}

// classificationEvidence flattens every grounding span of a classification
// for the audit event, in label-field order.
func classificationEvidence(c *artifacts.ClassificationResult) []artifacts.EvidenceSpan {
	var out []artifacts.EvidenceSpan
	for _, it := range c.Intents {
		out = append(out, it.Evidence...)
	}
	for _, rf := range c.RiskFlags {
		out = append(out, rf.Evidence...)
	}
	out = append(out, c.ProductLine.Evidence...)
	out = append(out, c.Urgency.Evidence...)
	out = append(out, c.PrimaryIntent.Evidence...)
	return out
}
