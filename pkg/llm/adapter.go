package llm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// StageResponse is a validated model answer for one stage.
type StageResponse struct {
	Output    json.RawMessage
	ModelInfo artifacts.ModelInfo
	CacheHit  bool
}

// Adapter runs the prompt/cache/contract cycle around a provider.
type Adapter struct {
	RepoRoot string
	Config   *config.Config
	Provider Provider
	Cache    *FileCache
	Counter  *DailyCounter
}

// NewAdapter wires the configured provider with the file cache and the
// daily call counter. An empty cacheDir selects the default location.
func NewAdapter(repoRoot string, cfg *config.Config, cacheDir string) (*Adapter, error) {
	provider, err := ProviderFor(cfg.Classification.LLM.Provider)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		RepoRoot: repoRoot,
		Config:   cfg,
		Provider: provider,
		Cache:    NewFileCache(cacheDir),
		Counter:  NewDailyCounter(cacheDir),
	}, nil
}

const bodyRetryMaxChars = 1500

func minimizedMessage(nm *artifacts.NormalizedMessage, shorten bool) map[string]any {
	body := nm.BodyTextC14N
	if shorten && len(body) > bodyRetryMaxChars {
		body = body[:bodyRetryMaxChars]
	}
	return map[string]any{
		"message_id":    nm.MessageID,
		"language":      nm.Language,
		"subject_c14n":  RedactPreserveLength(nm.SubjectC14N),
		"body_text_c14n": RedactPreserveLength(body),
	}
}

func stripCodeFences(text string) string {
	cleaned := strings.TrimSpace(text)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	if len(lines) == 0 {
		return cleaned
	}
	cleaned = strings.Join(lines[1:], "\n")
	if idx := strings.LastIndex(cleaned, "```"); idx != -1 {
		cleaned = cleaned[:idx]
	}
	return strings.TrimSpace(cleaned)
}

// parseJSONResponse tolerates fenced or prefixed output as long as a JSON
// object can be recovered.
func parseJSONResponse(content string) (json.RawMessage, error) {
	if json.Valid([]byte(content)) {
		return json.RawMessage(content), nil
	}
	cleaned := stripCodeFences(content)
	if json.Valid([]byte(cleaned)) {
		return json.RawMessage(cleaned), nil
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end <= start {
		return nil, ieimerr.New(ieimerr.CodeLLMContractViolation, "LLM response is not JSON")
	}
	candidate := cleaned[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, ieimerr.New(ieimerr.CodeLLMContractViolation, "LLM response is not JSON")
	}
	return json.RawMessage(candidate), nil
}

type callSpec struct {
	stage          string
	taskPromptPath string
	contractName   string
	promptVersion  string
	tokenBudget    int
	userInput      map[string]any
}

func (a *Adapter) call(ctx context.Context, spec callSpec) (*StageResponse, error) {
	systemPromptBytes, err := os.ReadFile(filepath.Join(a.RepoRoot, "prompts", "system_prompt.md"))
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeLLMProviderError, err, "read system prompt")
	}
	taskPromptBytes, err := os.ReadFile(filepath.Join(a.RepoRoot, spec.taskPromptPath))
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeLLMProviderError, err, "read task prompt %s", spec.taskPromptPath)
	}
	promptSHA := canonicalize.HashBytes(append(append([]byte{}, systemPromptBytes...), append([]byte("\n"), taskPromptBytes...)...))

	llmCfg := a.Config.Classification.LLM
	fingerprint, _ := spec.userInput["message_fingerprint"].(string)
	key := CacheKey{
		Stage:              spec.stage,
		Provider:           llmCfg.Provider,
		ModelName:          llmCfg.ModelName,
		ModelVersion:       llmCfg.ModelVersion,
		PromptVersion:      spec.promptVersion,
		PromptSHA256:       promptSHA,
		MessageFingerprint: fingerprint,
	}
	modelInfo := artifacts.ModelInfo{
		Provider:      llmCfg.Provider,
		ModelName:     llmCfg.ModelName,
		ModelVersion:  llmCfg.ModelVersion,
		PromptVersion: spec.promptVersion,
		PromptSHA256:  promptSHA,
	}

	if cached, err := a.Cache.Get(key); err != nil {
		return nil, err
	} else if cached != nil {
		if err := ValidateContract(spec.contractName, cached); err != nil {
			return nil, err
		}
		return &StageResponse{Output: cached, ModelInfo: modelInfo, CacheHit: true}, nil
	}

	if !a.Counter.CanConsume(llmCfg.MaxCallsPerDay) {
		return nil, ieimerr.New(ieimerr.CodeLLMCapExceeded, "LLM daily call cap reached")
	}
	if err := a.Counter.Consume(); err != nil {
		return nil, err
	}

	var promptTemplate map[string]any
	if err := json.Unmarshal(taskPromptBytes, &promptTemplate); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeLLMProviderError, err, "parse task prompt %s", spec.taskPromptPath)
	}
	promptTemplate["input"] = spec.userInput
	userPrompt, err := json.Marshal(promptTemplate)
	if err != nil {
		return nil, err
	}

	resp, err := a.Provider.ChatJSON(ctx, llmCfg.ModelName, string(systemPromptBytes), string(userPrompt), 0.0, spec.tokenBudget)
	if err != nil {
		return nil, err
	}

	parsed, err := parseJSONResponse(resp.Content)
	if err != nil {
		return nil, err
	}
	if err := ValidateContract(spec.contractName, parsed); err != nil {
		return nil, err
	}
	if err := a.Cache.Put(key, parsed); err != nil {
		return nil, err
	}
	return &StageResponse{Output: parsed, ModelInfo: modelInfo, CacheHit: false}, nil
}

func (a *Adapter) stageParams(stage string) (string, int, error) {
	llmCfg := a.Config.Classification.LLM
	version := llmCfg.PromptVersions[stage]
	if version == "" {
		return "", 0, ieimerr.New(ieimerr.CodeConfigInvalid, "missing prompt version for %s", stage)
	}
	budget := llmCfg.TokenBudgets[stage]
	if budget <= 0 {
		return "", 0, ieimerr.New(ieimerr.CodeConfigInvalid, "invalid token budget for %s", stage)
	}
	return version, budget, nil
}

// Classify asks the model for a classification of the redacted message.
// On failure the call is retried once with a truncated body.
func (a *Adapter) Classify(ctx context.Context, nm *artifacts.NormalizedMessage) (*StageResponse, error) {
	version, budget, err := a.stageParams("classify")
	if err != nil {
		return nil, err
	}

	input := map[string]any{
		"message_fingerprint": nm.MessageFingerprint,
		"normalized_message":  minimizedMessage(nm, false),
		"attachment_texts":    []string{},
		"canonical_labels":    CanonicalLabelsPayload(),
	}
	spec := callSpec{
		stage:          "classify",
		taskPromptPath: "prompts/classify_prompt.md",
		contractName:   ContractClassify,
		promptVersion:  version,
		tokenBudget:    budget,
		userInput:      input,
	}
	resp, err := a.call(ctx, spec)
	if err == nil {
		return resp, nil
	}
	spec.userInput = map[string]any{
		"message_fingerprint": nm.MessageFingerprint,
		"normalized_message":  minimizedMessage(nm, true),
		"attachment_texts":    []string{},
		"canonical_labels":    CanonicalLabelsPayload(),
	}
	return a.call(ctx, spec)
}

// Extract asks the model for entities after the classify fallback was
// used and deterministic extraction found nothing.
func (a *Adapter) Extract(ctx context.Context, nm *artifacts.NormalizedMessage, policies map[string]any) (*StageResponse, error) {
	version, budget, err := a.stageParams("extract")
	if err != nil {
		return nil, err
	}

	input := map[string]any{
		"message_fingerprint": nm.MessageFingerprint,
		"normalized_message":  minimizedMessage(nm, false),
		"attachment_texts":    []string{},
		"canonical_labels":    CanonicalLabelsPayload(),
		"policies":            policies,
	}
	spec := callSpec{
		stage:          "extract",
		taskPromptPath: "prompts/extract_prompt.md",
		contractName:   ContractExtract,
		promptVersion:  version,
		tokenBudget:    budget,
		userInput:      input,
	}
	resp, err := a.call(ctx, spec)
	if err == nil {
		return resp, nil
	}
	spec.userInput = map[string]any{
		"message_fingerprint": nm.MessageFingerprint,
		"normalized_message":  minimizedMessage(nm, true),
		"attachment_texts":    []string{},
		"canonical_labels":    CanonicalLabelsPayload(),
		"policies":            policies,
	}
	return a.call(ctx, spec)
}
