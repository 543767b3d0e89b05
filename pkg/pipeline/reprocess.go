package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/classify"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/extract"
	"github.com/Mindburn-Labs/ieim/pkg/identity"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/observability"
	"github.com/Mindburn-Labs/ieim/pkg/route"
)

// Reprocess report statuses.
const (
	ReprocessOK             = "OK"
	ReprocessMismatch       = "MISMATCH"
	ReprocessReviewRequired = "REVIEW_REQUIRED"
)

// ReprocessRefSchemaID marks reprocess-report refs in the audit log.
const ReprocessRefSchemaID = "REPROCESS_REPORT"

// ArtifactVerification holds the raw-input integrity checks that run
// before any stage is replayed.
type ArtifactVerification struct {
	RawMIMEError         *string  `json:"raw_mime_error"`
	AttachmentTextErrors []string `json:"attachment_text_errors"`
}

// HashComparison compares one stage's historical and replayed decision
// hashes.
type HashComparison struct {
	Historical string `json:"historical"`
	Reprocess  string `json:"reprocess"`
	Match      bool   `json:"match"`
}

// ReprocessReport is the outcome of replaying one message's deterministic
// stages against its immutable inputs.
type ReprocessReport struct {
	MessageID              string                    `json:"message_id"`
	HistoricalRunID        string                    `json:"historical_run_id"`
	ReprocessRunID         string                    `json:"reprocess_run_id"`
	ArtifactVerification   ArtifactVerification      `json:"artifact_verification"`
	DecisionHashComparison map[string]HashComparison `json:"decision_hash_comparison"`
	Status                 string                    `json:"status"`
}

// ReprocessRunner replays the deterministic stages for one message under
// a derived run id and compares the resulting decision hashes with the
// historical ones. The model fallback never runs during a replay.
type ReprocessRunner struct {
	RepoRoot  string
	Config    *config.Config
	Resolver  *identity.Resolver
	Artifacts *artifacts.Dir
	OutDir    string
	// History, when set, supplies the historical identity, classification
	// and routing artifacts whose decision hashes the replay is checked
	// against. Nil skips the comparison.
	History *artifacts.Dir
	Metrics *observability.Metrics
}

// Run replays messageID. The replay writes all outputs under
// OutDir/reprocess/<message_id>/<reprocess_run_id> with its own audit and
// observability logs, never touching the historical artifacts.
func (r *ReprocessRunner) Run(ctx context.Context, messageID string) (*ReprocessReport, error) {
	tTotal := time.Now()

	nmPath := r.Artifacts.NormalizedPath(messageID)
	var nm artifacts.NormalizedMessage
	if err := r.Artifacts.ReadArtifact(nmPath, &nm); err != nil {
		return nil, err
	}
	if nm.MessageID != messageID {
		return nil, ieimerr.New(ieimerr.CodeNormalizationInvalid, "message_id mismatch in %s", nmPath)
	}
	attachments, err := r.loadAttachments(&nm)
	if err != nil {
		return nil, err
	}

	rawMIMEError := r.verifyRawMIME(&nm)
	attachmentTextErrors := r.verifyAttachmentTexts(attachments)

	reprocessRunID := canonicalize.UUID5("reprocess:" + messageID + ":" + nm.RunID)
	runDir := filepath.Join(r.OutDir, "reprocess", messageID, reprocessRunID)
	observer := Observer{
		Audit:   audit.NewLogger(runDir),
		Obs:     observability.NewFileLogger(runDir),
		Metrics: r.Metrics,
	}

	nmReprocess := nm
	nmReprocess.RunID = reprocessRunID
	nmBytes, err := canonicalize.EncodeArtifact(&nmReprocess)
	if err != nil {
		return nil, err
	}
	nmOutPath := filepath.Join(runDir, "normalized", messageID+".json")
	if err := writeImmutable(nmOutPath, nmBytes); err != nil {
		return nil, err
	}

	createdAt, err := parseArtifactTime(nm.IngestedAt)
	if err != nil {
		return nil, err
	}
	nmRef := refOf(nm.SchemaID, nmOutPath, nmBytes)

	report := &ReprocessReport{
		MessageID:       messageID,
		HistoricalRunID: nm.RunID,
		ReprocessRunID:  reprocessRunID,
		ArtifactVerification: ArtifactVerification{
			RawMIMEError:         rawMIMEError,
			AttachmentTextErrors: attachmentTextErrors,
		},
	}

	if rawMIMEError != nil || len(attachmentTextErrors) > 0 {
		report.Status = ReprocessReviewRequired
		if err := r.finish(ctx, observer, runDir, report, createdAt, time.Since(tTotal), nmRef, messageID, reprocessRunID); err != nil {
			return nil, err
		}
		return report, nil
	}

	// Identity replay.
	texts, err := loadAttachmentTextsC14N(r.RepoRoot, attachments)
	if err != nil {
		return nil, err
	}
	tID := time.Now()
	identityResult, requestInfo, err := r.Resolver.Resolve(ctx, &nmReprocess, texts)
	if err != nil {
		return nil, err
	}
	idDur := time.Since(tID)

	identityBytes, err := canonicalize.EncodeArtifact(identityResult)
	if err != nil {
		return nil, err
	}
	identityPath := filepath.Join(runDir, "identity", messageID+".identity.json")
	if err := writeImmutable(identityPath, identityBytes); err != nil {
		return nil, err
	}
	if requestInfo != "" {
		draftPath := filepath.Join(runDir, "drafts", messageID+".request_info.md")
		if err := writeImmutable(draftPath, []byte(requestInfo)); err != nil {
			return nil, err
		}
	}

	identityRef := refOf(identityResult.SchemaID, identityPath, identityBytes)
	if err := observer.Audited(audit.Params{
		MessageID: messageID, RunID: reprocessRunID, Stage: StageIdentity,
		ActorType: audit.ActorJob, CreatedAt: createdAt,
		InputRef: nmRef, OutputRef: identityRef,
		ConfigRef: map[string]any{
			"config_path":   r.Resolver.Config.ConfigPath,
			"config_sha256": r.Resolver.Config.ConfigSHA256,
		},
		Evidence:     candidateEvidence(identityResult),
		DecisionHash: &identityResult.DecisionHash,
	}); err != nil {
		return nil, err
	}
	observer.StageComplete(ctx, StageIdentity, messageID, reprocessRunID, createdAt, idDur, "OK",
		map[string]any{"identity_status": identityResult.Status})

	// Classify + extract replay, deterministic only.
	classifier := &classify.Classifier{Config: r.Config}
	tCls := time.Now()
	clsOut, err := classifier.Classify(&nmReprocess, attachments)
	if err != nil {
		return nil, err
	}
	clsDur := time.Since(tCls)
	classification := clsOut.Classification

	extractor := &extract.Extractor{Config: r.Config}
	tEx := time.Now()
	extraction := extractor.Extract(&nmReprocess, attachments)
	exDur := time.Since(tEx)

	clsBytes, err := canonicalize.EncodeArtifact(classification)
	if err != nil {
		return nil, err
	}
	clsPath := filepath.Join(runDir, "classification", messageID+".classification.json")
	if err := writeImmutable(clsPath, clsBytes); err != nil {
		return nil, err
	}
	exBytes, err := canonicalize.EncodeArtifact(extraction)
	if err != nil {
		return nil, err
	}
	exPath := filepath.Join(runDir, "extraction", messageID+".extraction.json")
	if err := writeImmutable(exPath, exBytes); err != nil {
		return nil, err
	}

	configRef := map[string]any{
		"config_path":   r.Config.ConfigPath,
		"config_sha256": r.Config.ConfigSHA256,
	}
	clsRef := refOf(classification.SchemaID, clsPath, clsBytes)
	if err := observer.Audited(audit.Params{
		MessageID: messageID, RunID: reprocessRunID, Stage: StageClassify,
		ActorType: audit.ActorJob, CreatedAt: createdAt,
		InputRef: nmRef, OutputRef: clsRef,
		ConfigRef:    configRef,
		RulesRef:     clsOut.RulesRef,
		DecisionHash: &classification.DecisionHash,
	}); err != nil {
		return nil, err
	}
	observer.StageComplete(ctx, StageClassify, messageID, reprocessRunID, createdAt, clsDur, "OK",
		map[string]any{"primary_intent": classification.PrimaryIntent.Label})

	exRef := refOf(extraction.SchemaID, exPath, exBytes)
	if err := observer.Audited(audit.Params{
		MessageID: messageID, RunID: reprocessRunID, Stage: StageExtract,
		ActorType: audit.ActorJob, CreatedAt: createdAt,
		InputRef: clsRef, OutputRef: exRef,
		ConfigRef: configRef,
	}); err != nil {
		return nil, err
	}
	observer.StageComplete(ctx, StageExtract, messageID, reprocessRunID, createdAt, exDur, "OK",
		map[string]any{"entity_count": len(extraction.Entities)})

	// Routing replay.
	ruleset, err := route.LoadRuleset(r.RepoRoot, r.Config.Routing.RulesetPath)
	if err != nil {
		return nil, err
	}
	evaluator := &route.Evaluator{Config: r.Config, Ruleset: ruleset}
	tRoute := time.Now()
	routeResult, err := evaluator.Evaluate(&nmReprocess, identityResult, classification)
	if err != nil {
		return nil, err
	}
	routeDur := time.Since(tRoute)
	routing := routeResult.Decision

	routingBytes, err := canonicalize.EncodeArtifact(routing)
	if err != nil {
		return nil, err
	}
	routingPath := filepath.Join(runDir, "routing", messageID+".routing.json")
	if err := writeImmutable(routingPath, routingBytes); err != nil {
		return nil, err
	}

	routingRef := refOf(routing.SchemaID, routingPath, routingBytes)
	rulesRef := routeResult.RulesRef
	if err := observer.Audited(audit.Params{
		MessageID: messageID, RunID: reprocessRunID, Stage: StageRoute,
		ActorType: audit.ActorJob, CreatedAt: createdAt,
		InputRef: clsRef, OutputRef: routingRef,
		ConfigRef:    configRef,
		RulesRef:     &rulesRef,
		DecisionHash: &routing.DecisionHash,
	}); err != nil {
		return nil, err
	}
	observer.StageComplete(ctx, StageRoute, messageID, reprocessRunID, createdAt, routeDur, "OK",
		map[string]any{"queue_id": routing.QueueID})

	report.Status = ReprocessOK
	if r.History != nil {
		comparison, err := r.compareDecisionHashes(messageID, identityResult.DecisionHash, classification.DecisionHash, routing.DecisionHash)
		if err != nil {
			return nil, err
		}
		report.DecisionHashComparison = comparison
		for _, c := range comparison {
			if !c.Match {
				report.Status = ReprocessMismatch
				break
			}
		}
	}

	if err := r.finish(ctx, observer, runDir, report, createdAt, time.Since(tTotal), routingRef, messageID, reprocessRunID); err != nil {
		return nil, err
	}
	return report, nil
}

// finish writes the report and records the closing REPROCESS events.
func (r *ReprocessRunner) finish(ctx context.Context, observer Observer, runDir string, report *ReprocessReport, createdAt time.Time, duration time.Duration, inputRef artifacts.Ref, messageID, reprocessRunID string) error {
	reportBytes, err := canonicalize.EncodeArtifact(report)
	if err != nil {
		return err
	}
	reportPath := filepath.Join(runDir, "reprocess_report.json")
	if err := writeImmutable(reportPath, reportBytes); err != nil {
		return err
	}

	observer.StageComplete(ctx, StageReprocess, messageID, reprocessRunID, createdAt, duration, report.Status, map[string]any{})
	return observer.Audited(audit.Params{
		MessageID: messageID, RunID: reprocessRunID, Stage: StageReprocess,
		ActorType: audit.ActorJob, CreatedAt: createdAt,
		InputRef:  inputRef,
		OutputRef: refOf(ReprocessRefSchemaID, reportPath, reportBytes),
	})
}

// loadAttachments requires every referenced attachment artifact; a replay
// cannot proceed from partial inputs.
func (r *ReprocessRunner) loadAttachments(nm *artifacts.NormalizedMessage) ([]artifacts.AttachmentArtifact, error) {
	out := make([]artifacts.AttachmentArtifact, 0, len(nm.AttachmentIDs))
	for _, attID := range nm.AttachmentIDs {
		path := r.Artifacts.AttachmentPath(attID)
		var artifact artifacts.AttachmentArtifact
		if err := r.Artifacts.ReadArtifact(path, &artifact); err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}
	return out, nil
}

func (r *ReprocessRunner) verifyRawMIME(nm *artifacts.NormalizedMessage) *string {
	fail := func(msg string) *string { return &msg }
	if nm.RawMIMEURI == "" {
		return fail("missing raw_mime_uri")
	}
	if nm.RawMIMESHA256 == "" {
		return fail("missing raw_mime_sha256")
	}
	path := filepath.Join(r.RepoRoot, nm.RawMIMEURI)
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Sprintf("missing raw mime file: %s", path))
	}
	if actual := canonicalize.HashBytes(data); actual != nm.RawMIMESHA256 {
		return fail(fmt.Sprintf("raw mime sha256 mismatch: %s != %s", actual, nm.RawMIMESHA256))
	}
	return nil
}

func (r *ReprocessRunner) verifyAttachmentTexts(attachments []artifacts.AttachmentArtifact) []string {
	errors := []string{}
	for _, a := range attachments {
		if a.ExtractedTextURI == nil {
			continue
		}
		uri := *a.ExtractedTextURI
		if uri == "" {
			errors = append(errors, "invalid extracted_text_uri")
			continue
		}
		if a.ExtractedTextSHA256 == nil {
			continue
		}
		expected := *a.ExtractedTextSHA256
		if expected == "" {
			errors = append(errors, fmt.Sprintf("%s: invalid extracted_text_sha256", uri))
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.RepoRoot, uri))
		if err != nil {
			errors = append(errors, fmt.Sprintf("%s: missing extracted text file", uri))
			continue
		}
		if actual := canonicalize.HashBytes(data); actual != expected {
			errors = append(errors, fmt.Sprintf("%s: sha256 mismatch: %s != %s", uri, actual, expected))
		}
	}
	return errors
}

// compareDecisionHashes reads the historical artifacts and pairs each
// stage's recorded hash with the replayed one.
func (r *ReprocessRunner) compareDecisionHashes(messageID, identityHash, classifyHash, routeHash string) (map[string]HashComparison, error) {
	historical := func(path string) (string, error) {
		var probe struct {
			DecisionHash string `json:"decision_hash"`
		}
		if err := r.History.ReadArtifact(path, &probe); err != nil {
			return "", err
		}
		if probe.DecisionHash == "" {
			return "", ieimerr.New(ieimerr.CodeNormalizationInvalid, "missing decision_hash in %s", path)
		}
		return probe.DecisionHash, nil
	}

	histIdentity, err := historical(r.History.IdentityPath(messageID))
	if err != nil {
		return nil, err
	}
	histClassify, err := historical(r.History.ClassificationPath(messageID))
	if err != nil {
		return nil, err
	}
	histRoute, err := historical(r.History.RoutingPath(messageID))
	if err != nil {
		return nil, err
	}

	return map[string]HashComparison{
		StageIdentity: {Historical: histIdentity, Reprocess: identityHash, Match: histIdentity == identityHash},
		StageClassify: {Historical: histClassify, Reprocess: classifyHash, Match: histClassify == classifyHash},
		StageRoute:    {Historical: histRoute, Reprocess: routeHash, Match: histRoute == routeHash},
	}, nil
}
