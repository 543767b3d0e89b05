package llm

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/classify"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

func mappingErr(format string, args ...any) error {
	return ieimerr.New(ieimerr.CodeLLMContractViolation, format, args...)
}

type labeledOutput struct {
	Label            string   `json:"label"`
	Confidence       float64  `json:"confidence"`
	EvidenceSnippets []string `json:"evidence_snippets"`
}

type classifyOutput struct {
	Intents       []labeledOutput `json:"intents"`
	PrimaryIntent string          `json:"primary_intent"`
	ProductLine   labeledOutput   `json:"product_line"`
	Urgency       labeledOutput   `json:"urgency"`
	RiskFlags     []labeledOutput `json:"risk_flags"`
}

// findSpanFromSnippet grounds a model-claimed snippet into the redacted
// canonical text. A snippet that cannot be found is a violation: evidence
// must point at real message bytes.
func findSpanFromSnippet(snippet, subject, body string) (*artifacts.EvidenceSpan, error) {
	needle := strings.ToLower(strings.TrimSpace(snippet))
	if needle == "" {
		return nil, mappingErr("empty evidence snippet")
	}
	if idx := strings.Index(subject, needle); idx != -1 {
		return evidenceSpan(artifacts.SourceSubjectC14N, idx, idx+len(needle), subject), nil
	}
	if idx := strings.Index(body, needle); idx != -1 {
		return evidenceSpan(artifacts.SourceBodyC14N, idx, idx+len(needle), body), nil
	}
	return nil, mappingErr("evidence snippet not found in redacted canonical text")
}

func evidenceSpan(source string, start, end int, text string) *artifacts.EvidenceSpan {
	snippet := text[start:end]
	return &artifacts.EvidenceSpan{
		Source:          source,
		Start:           start,
		End:             end,
		SnippetRedacted: snippet,
		SnippetSHA256:   canonicalize.HashBytes([]byte(snippet)),
	}
}

func mapLabeled(item labeledOutput, subject, body string, allowed map[string]bool, path string) (artifacts.Labeled, error) {
	if strings.TrimSpace(item.Label) == "" {
		return artifacts.Labeled{}, mappingErr("%s.label must be a non-empty string", path)
	}
	if !allowed[item.Label] {
		return artifacts.Labeled{}, mappingErr("%s.label not canonical: %s", path, item.Label)
	}
	if len(item.EvidenceSnippets) == 0 {
		return artifacts.Labeled{}, mappingErr("%s.evidence_snippets must not be empty", path)
	}
	evidence := make([]artifacts.EvidenceSpan, 0, len(item.EvidenceSnippets))
	for _, s := range item.EvidenceSnippets {
		span, err := findSpanFromSnippet(s, subject, body)
		if err != nil {
			return artifacts.Labeled{}, err
		}
		evidence = append(evidence, *span)
	}
	return artifacts.Labeled{Label: item.Label, Confidence: item.Confidence, Evidence: evidence}, nil
}

// BuildClassificationFromLLM converts validated model output into a
// classification artifact. Deterministic risk flags are retained verbatim;
// the model cannot add or remove risk flags.
func BuildClassificationFromLLM(cfg *config.Config, nm *artifacts.NormalizedMessage, output json.RawMessage, modelInfo artifacts.ModelInfo, deterministicRiskFlags []artifacts.Labeled) (*artifacts.ClassificationResult, error) {
	var parsed classifyOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, mappingErr("decode LLM classify output: %v", err)
	}
	if len(parsed.Intents) == 0 {
		return nil, mappingErr("llm.intents must not be empty")
	}

	subjectRedacted := RedactPreserveLength(nm.SubjectC14N)
	bodyRedacted := RedactPreserveLength(nm.BodyTextC14N)

	intents := make([]artifacts.Labeled, 0, len(parsed.Intents))
	for i, it := range parsed.Intents {
		mapped, err := mapLabeled(it, subjectRedacted, bodyRedacted, canonicalIntents, "llm.intents["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		intents = append(intents, mapped)
	}
	productLine, err := mapLabeled(parsed.ProductLine, subjectRedacted, bodyRedacted, canonicalProductLines, "llm.product_line")
	if err != nil {
		return nil, err
	}
	urgency, err := mapLabeled(parsed.Urgency, subjectRedacted, bodyRedacted, canonicalUrgencies, "llm.urgency")
	if err != nil {
		return nil, err
	}

	primary := classify.SelectPrimaryIntent(intents)

	riskFlags := deterministicRiskFlags
	if riskFlags == nil {
		riskFlags = []artifacts.Labeled{}
	}

	classifier := &classify.Classifier{Config: cfg}
	hash, err := classifier.DecisionHash(nm, intents, primary, productLine, urgency, riskFlags)
	if err != nil {
		return nil, err
	}

	info := modelInfo
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
		ModelInfo:     &info,
		CreatedAt:     nm.IngestedAt,
		DecisionHash:  hash,
	}, nil
}

type extractOutput struct {
	Entities []struct {
		EntityType       string   `json:"entity_type"`
		ValueRedacted    string   `json:"value_redacted"`
		Confidence       float64  `json:"confidence"`
		EvidenceSnippets []string `json:"evidence_snippets"`
	} `json:"entities"`
}

var (
	mapPolicyNumberRE = regexp.MustCompile(`\b(\d{2}-\d{7})\b`)
	mapClaimNumberRE  = regexp.MustCompile(`(?i)\b(clm-\d{4}-\d{4})\b`)
	mapDateRE         = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	mapIBANRE         = regexp.MustCompile(`(?i)\b([A-Z]{2}\d{2}[A-Z0-9]{10,30})\b`)
)

func firstValueMatch(entityType, text string) string {
	switch entityType {
	case "ENT_POLICY_NUMBER":
		if m := mapPolicyNumberRE.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	case "ENT_CLAIM_NUMBER":
		if m := mapClaimNumberRE.FindStringSubmatch(text); m != nil {
			return strings.ToUpper(m[1])
		}
	case "ENT_DATE":
		if m := mapDateRE.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	case "ENT_IBAN":
		if m := mapIBANRE.FindStringSubmatch(text); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

func provenanceForValue(value, subject, body string) *artifacts.EvidenceSpan {
	needle := strings.ToLower(value)
	if idx := strings.Index(subject, needle); idx != -1 {
		return evidenceSpan(artifacts.SourceSubjectC14N, idx, idx+len(needle), subject)
	}
	if idx := strings.Index(body, needle); idx != -1 {
		return evidenceSpan(artifacts.SourceBodyC14N, idx, idx+len(needle), body)
	}
	return nil
}

func ibanRedact(value string) string {
	v := strings.TrimSpace(value)
	if len(v) <= 8 {
		return v
	}
	return strings.ToLower(v[:4]) + "…" + strings.ToLower(v[len(v)-4:])
}

// MergeExtractionFromLLM folds model-found entities into the deterministic
// extraction result. Values are only accepted when re-derivable from the
// model's own snippets and groundable in the redacted canonical text.
func MergeExtractionFromLLM(cfg *config.Config, result *artifacts.ExtractionResult, output json.RawMessage, nm *artifacts.NormalizedMessage) (*artifacts.ExtractionResult, error) {
	var parsed extractOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return nil, mappingErr("decode LLM extract output: %v", err)
	}

	subjectRedacted := RedactPreserveLength(nm.SubjectC14N)
	bodyRedacted := RedactPreserveLength(nm.BodyTextC14N)

	merged := *result
	merged.Entities = append([]artifacts.ExtractedEntity{}, result.Entities...)

	type entityKey struct{ entityType, valueSHA string }
	existing := map[entityKey]bool{}
	for _, e := range merged.Entities {
		existing[entityKey{e.EntityType, e.ValueSHA256}] = true
	}

	for i, it := range parsed.Entities {
		if strings.TrimSpace(it.EntityType) == "" {
			return nil, mappingErr("llm.entities[%d].entity_type must be a non-empty string", i)
		}
		if !canonicalEntityTypes[it.EntityType] {
			return nil, mappingErr("llm.entities[%d].entity_type not canonical: %s", i, it.EntityType)
		}
		if len(it.EvidenceSnippets) == 0 {
			continue
		}

		var value string
		for _, s := range it.EvidenceSnippets {
			if strings.TrimSpace(s) == "" {
				return nil, mappingErr("llm.entities[%d].evidence_snippets entries must be non-empty", i)
			}
			if value = firstValueMatch(it.EntityType, s); value != "" {
				break
			}
		}
		if value == "" {
			continue
		}

		provenance := provenanceForValue(value, subjectRedacted, bodyRedacted)
		if provenance == nil {
			continue
		}

		storeMode := "FULL"
		storedValue := &value
		valueRedacted := value
		if it.EntityType == "ENT_IBAN" {
			storeMode = cfg.Extraction.IBANPolicy.StoreMode
			valueRedacted = ibanRedact(value)
			if storeMode == "HASH_ONLY" {
				storedValue = nil
			}
		}

		valueSHA := canonicalize.HashBytes([]byte(value))
		key := entityKey{it.EntityType, valueSHA}
		if existing[key] {
			continue
		}
		existing[key] = true

		merged.Entities = append(merged.Entities, artifacts.ExtractedEntity{
			EntityType:    it.EntityType,
			Value:         storedValue,
			ValueRedacted: valueRedacted,
			ValueSHA256:   valueSHA,
			StoreMode:     storeMode,
			Confidence:    it.Confidence,
			Provenance:    *provenance,
		})
	}

	return &merged, nil
}
