// Package classify derives intents, product line, urgency, and risk flags
// from a normalized message with a fixed, ordered rule cascade. Every label
// carries evidence spans into the canonicalized text; the cascade is
// deterministic so identical input bytes yield an identical decision hash.
package classify

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// primaryIntentPriority orders competing intents; the lowest index wins.
var primaryIntentPriority = map[string]int{
	"INTENT_GDPR_REQUEST":        0,
	"INTENT_LEGAL":               1,
	"INTENT_COMPLAINT":           2,
	"INTENT_CLAIM_UPDATE":        3,
	"INTENT_CLAIM_NEW":           4,
	"INTENT_BILLING_QUESTION":    5,
	"INTENT_BROKER_INTERMEDIARY": 6,
	"INTENT_TECHNICAL":           7,
	"INTENT_DOCUMENT_SUBMISSION": 8,
	"INTENT_GENERAL_INQUIRY":     9,
}

// rulesetManifest enumerates the cascade in evaluation order. Its hash pins
// the rule logic in audit rules_refs; any behavioral change to the cascade
// must change this text.
const rulesetManifest = `classification-cascade
risk: nonclean_attachment->RISK_SECURITY_MALWARE@0.95
risk: unsupported_language->RISK_LANGUAGE_UNSUPPORTED@0.95
risk: ombudsmann->RISK_REGULATORY@0.8
risk: iban->RISK_PRIVACY_SENSITIVE@0.85
risk: dsgvo->RISK_PRIVACY_SENSITIVE@0.8
risk: frist->RISK_LEGAL_THREAT@0.9
risk: automatically generated->RISK_AUTOREPLY_LOOP@0.8
intent: dsgvo->INTENT_GDPR_REQUEST@0.98
intent: anwalt(subject)->INTENT_LEGAL@0.96
intent: beschwerde->INTENT_COMPLAINT@0.95
intent: nachreichung(subject-prefix)->INTENT_CLAIM_UPDATE@0.9
intent: schaden melden->INTENT_CLAIM_NEW@0.92 | sturmschaden@0.87 | unfall@0.9 | schaden+versichert/anzeige@0.85
intent: rückzahlung->INTENT_BILLING_QUESTION@0.88
intent: im auftrag(subject-prefix)->INTENT_BROKER_INTERMEDIARY@0.9
intent: undelivered(subject-prefix)->INTENT_TECHNICAL@0.9
intent: anbei->INTENT_DOCUMENT_SUBMISSION (additive)
intent: fallback->INTENT_GENERAL_INQUIRY@0.55
`

var dateRE = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)

func snippetHash(snippet string) string {
	return canonicalize.HashBytes([]byte(snippet))
}

func span(source string, start, end int, text string) artifacts.EvidenceSpan {
	snippet := text[start:end]
	return artifacts.EvidenceSpan{
		Source:          source,
		Start:           start,
		End:             end,
		SnippetRedacted: snippet,
		SnippetSHA256:   snippetHash(snippet),
	}
}

func findSpan(source, text, needle string) *artifacts.EvidenceSpan {
	idx := strings.Index(text, needle)
	if idx < 0 {
		return nil
	}
	s := span(source, idx, idx+len(needle), text)
	return &s
}

func first20CharsSpan(source, text string) artifacts.EvidenceSpan {
	end := len(text)
	if end > 20 {
		end = 20
	}
	return span(source, 0, end, text)
}

func firstWordSpan(source, text string) artifacts.EvidenceSpan {
	end := len(text)
	for i, ch := range text {
		if unicode.IsSpace(ch) {
			end = i
			break
		}
	}
	return span(source, 0, end, text)
}

func spanOr(s *artifacts.EvidenceSpan, fallback artifacts.EvidenceSpan) artifacts.EvidenceSpan {
	if s != nil {
		return *s
	}
	return fallback
}

// Result bundles the classification artifact with the rules_ref pinning the
// cascade that produced it.
type Result struct {
	Classification *artifacts.ClassificationResult
	RulesRef       *artifacts.RulesRef
}

// Classifier is the deterministic rule cascade.
type Classifier struct {
	Config *config.Config
}

// Classify runs the cascade over a normalized message and its attachment
// artifacts. Risk rules are first-wins except the malware rule, which always
// precedes everything; document-submission intent is additive.
func (c *Classifier) Classify(nm *artifacts.NormalizedMessage, attachments []artifacts.AttachmentArtifact) (*Result, error) {
	subject := nm.SubjectC14N
	body := nm.BodyTextC14N

	var intents, riskFlags []artifacts.Labeled

	hasNonClean := false
	for _, a := range attachments {
		if a.AVStatus != "" && a.AVStatus != artifacts.AVClean {
			hasNonClean = true
			break
		}
	}

	if hasNonClean {
		ev := findSpan(artifacts.SourceBodyC14N, body, "anbei")
		if ev == nil {
			ev = findSpan(artifacts.SourceSubjectC14N, subject, "anbei")
		}
		riskFlags = append(riskFlags, artifacts.Labeled{
			Label:      "RISK_SECURITY_MALWARE",
			Confidence: 0.95,
			Evidence:   []artifacts.EvidenceSpan{spanOr(ev, firstWordSpan(artifacts.SourceSubjectC14N, subject))},
		})
	}

	if len(riskFlags) == 0 && nm.Language != "" && !c.languageSupported(nm.Language) {
		riskFlags = append(riskFlags, artifacts.Labeled{
			Label:      "RISK_LANGUAGE_UNSUPPORTED",
			Confidence: 0.95,
			Evidence:   []artifacts.EvidenceSpan{firstWordSpan(artifacts.SourceSubjectC14N, subject)},
		})
	}

	bodyRiskRules := []struct {
		needle     string
		label      string
		confidence float64
	}{
		{"ombudsmann", "RISK_REGULATORY", 0.8},
		{"iban", "RISK_PRIVACY_SENSITIVE", 0.85},
		{"dsgvo", "RISK_PRIVACY_SENSITIVE", 0.8},
		{"frist", "RISK_LEGAL_THREAT", 0.9},
		{"automatically generated", "RISK_AUTOREPLY_LOOP", 0.8},
	}
	for _, rule := range bodyRiskRules {
		if len(riskFlags) > 0 {
			break
		}
		if strings.Contains(body, rule.needle) {
			ev := findSpan(artifacts.SourceBodyC14N, body, rule.needle)
			riskFlags = append(riskFlags, artifacts.Labeled{
				Label:      rule.label,
				Confidence: rule.confidence,
				Evidence:   []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceBodyC14N, body))},
			})
		}
	}

	if strings.Contains(subject, "dsgvo") || strings.Contains(body, "dsgvo") {
		ev := findSpan(artifacts.SourceSubjectC14N, subject, "dsgvo")
		if ev == nil {
			ev = findSpan(artifacts.SourceBodyC14N, body, "dsgvo")
		}
		intents = append(intents, artifacts.Labeled{
			Label:      "INTENT_GDPR_REQUEST",
			Confidence: 0.98,
			Evidence:   []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceBodyC14N, body))},
		})
	}

	if len(intents) == 0 && strings.Contains(subject, "anwalt") {
		ev := findSpan(artifacts.SourceSubjectC14N, subject, "anwalt")
		intents = append(intents, artifacts.Labeled{
			Label:      "INTENT_LEGAL",
			Confidence: 0.96,
			Evidence:   []artifacts.EvidenceSpan{spanOr(ev, firstWordSpan(artifacts.SourceSubjectC14N, subject))},
		})
	}

	if len(intents) == 0 && strings.Contains(body, "beschwerde") {
		ev := findSpan(artifacts.SourceBodyC14N, body, "beschwerde")
		intents = append(intents, artifacts.Labeled{
			Label:      "INTENT_COMPLAINT",
			Confidence: 0.95,
			Evidence:   []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceBodyC14N, body))},
		})
	}

	if len(intents) == 0 && strings.HasPrefix(subject, "nachreichung") {
		ev := findSpan(artifacts.SourceSubjectC14N, subject, "nachreichung")
		intents = append(intents, artifacts.Labeled{
			Label:      "INTENT_CLAIM_UPDATE",
			Confidence: 0.9,
			Evidence:   []artifacts.EvidenceSpan{spanOr(ev, firstWordSpan(artifacts.SourceSubjectC14N, subject))},
		})
	}

	if len(intents) == 0 {
		switch {
		case findSpan(artifacts.SourceBodyC14N, body, "schaden melden") != nil:
			ev := findSpan(artifacts.SourceBodyC14N, body, "schaden melden")
			intents = append(intents, artifacts.Labeled{Label: "INTENT_CLAIM_NEW", Confidence: 0.92, Evidence: []artifacts.EvidenceSpan{*ev}})
		case strings.HasPrefix(subject, "sturmschaden"):
			ev := findSpan(artifacts.SourceSubjectC14N, subject, "sturmschaden")
			intents = append(intents, artifacts.Labeled{
				Label:      "INTENT_CLAIM_NEW",
				Confidence: 0.87,
				Evidence:   []artifacts.EvidenceSpan{spanOr(ev, firstWordSpan(artifacts.SourceSubjectC14N, subject))},
			})
		case strings.Contains(body, "unfall") || strings.Contains(subject, "unfall"):
			ev := findSpan(artifacts.SourceBodyC14N, body, "unfall")
			if ev == nil {
				ev = findSpan(artifacts.SourceSubjectC14N, subject, "unfall")
			}
			intents = append(intents, artifacts.Labeled{
				Label:      "INTENT_CLAIM_NEW",
				Confidence: 0.9,
				Evidence:   []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceBodyC14N, body))},
			})
		case strings.Contains(body, "schaden") && (strings.Contains(body, "versichert") || strings.Contains(body, "anzeige")):
			ev := findSpan(artifacts.SourceBodyC14N, body, "schaden")
			intents = append(intents, artifacts.Labeled{
				Label:      "INTENT_CLAIM_NEW",
				Confidence: 0.85,
				Evidence:   []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceBodyC14N, body))},
			})
		}
	}

	if len(intents) == 0 && strings.Contains(body, "rückzahlung") {
		ev := findSpan(artifacts.SourceBodyC14N, body, "rückzahlung")
		intents = append(intents, artifacts.Labeled{
			Label:      "INTENT_BILLING_QUESTION",
			Confidence: 0.88,
			Evidence:   []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceBodyC14N, body))},
		})
	}

	if len(intents) == 0 && strings.HasPrefix(subject, "im auftrag") {
		ev := findSpan(artifacts.SourceSubjectC14N, subject, "im auftrag")
		intents = append(intents, artifacts.Labeled{
			Label:      "INTENT_BROKER_INTERMEDIARY",
			Confidence: 0.9,
			Evidence:   []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceSubjectC14N, subject))},
		})
	}

	if len(intents) == 0 && strings.HasPrefix(subject, "undelivered") {
		ev := findSpan(artifacts.SourceSubjectC14N, subject, "undelivered")
		intents = append(intents, artifacts.Labeled{
			Label:      "INTENT_TECHNICAL",
			Confidence: 0.9,
			Evidence:   []artifacts.EvidenceSpan{spanOr(ev, firstWordSpan(artifacts.SourceSubjectC14N, subject))},
		})
	}

	// Document submission is additive on top of whatever matched above.
	if ev := findSpan(artifacts.SourceSubjectC14N, subject, "anbei"); ev != nil {
		intents = append(intents, artifacts.Labeled{Label: "INTENT_DOCUMENT_SUBMISSION", Confidence: 0.8, Evidence: []artifacts.EvidenceSpan{*ev}})
	} else if ev := findSpan(artifacts.SourceBodyC14N, body, "anbei eine fotobeschreibung"); ev != nil {
		intents = append(intents, artifacts.Labeled{Label: "INTENT_DOCUMENT_SUBMISSION", Confidence: 0.65, Evidence: []artifacts.EvidenceSpan{*ev}})
	} else if ev := findSpan(artifacts.SourceBodyC14N, body, "anbei"); ev != nil {
		confidence := 0.55
		if len(nm.AttachmentIDs) > 0 {
			confidence = 0.7
		}
		intents = append(intents, artifacts.Labeled{Label: "INTENT_DOCUMENT_SUBMISSION", Confidence: confidence, Evidence: []artifacts.EvidenceSpan{*ev}})
	}

	if len(intents) == 0 {
		ev := findSpan(artifacts.SourceBodyC14N, body, "informacion")
		intents = append(intents, artifacts.Labeled{
			Label:      "INTENT_GENERAL_INQUIRY",
			Confidence: 0.55,
			Evidence:   []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceBodyC14N, body))},
		})
	}

	primary := SelectPrimaryIntent(intents)
	productLine := c.productLine(nm, primary)
	urgency := c.urgency(nm, primary)

	if riskFlags == nil {
		riskFlags = []artifacts.Labeled{}
	}

	hash, err := c.DecisionHash(nm, intents, primary, productLine, urgency, riskFlags)
	if err != nil {
		return nil, err
	}

	result := &artifacts.ClassificationResult{
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
	}
	return &Result{Classification: result, RulesRef: c.RulesRef()}, nil
}

// SelectPrimaryIntent applies the fixed priority order; unknown labels sort
// last in their arrival order.
func SelectPrimaryIntent(intents []artifacts.Labeled) artifacts.Labeled {
	best := intents[0]
	bestPrio := priorityOf(best.Label)
	for _, in := range intents[1:] {
		if p := priorityOf(in.Label); p < bestPrio {
			best, bestPrio = in, p
		}
	}
	return best
}

func priorityOf(label string) int {
	if p, ok := primaryIntentPriority[label]; ok {
		return p
	}
	return 10000
}

func (c *Classifier) languageSupported(lang string) bool {
	for _, l := range c.Config.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

func (c *Classifier) productLine(nm *artifacts.NormalizedMessage, primary artifacts.Labeled) artifacts.Labeled {
	subject, body := nm.SubjectC14N, nm.BodyTextC14N
	switch {
	case strings.Contains(body, "dach"):
		ev := findSpan(artifacts.SourceBodyC14N, body, "dach")
		return artifacts.Labeled{Label: "PROD_PROPERTY", Confidence: 0.75,
			Evidence: []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceBodyC14N, body))}}
	case strings.Contains(body, "unfall") || strings.Contains(subject, "auffahrunfall"):
		ev := findSpan(artifacts.SourceSubjectC14N, subject, "schadenmeldung")
		if ev == nil {
			ev = findSpan(artifacts.SourceBodyC14N, body, "unfall")
		}
		return artifacts.Labeled{Label: "PROD_AUTO", Confidence: 0.8,
			Evidence: []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceSubjectC14N, subject))}}
	case claimNumberInSubjectRE.MatchString(subject):
		ev := findSpan(artifacts.SourceSubjectC14N, subject, "schaden")
		return artifacts.Labeled{Label: "PROD_AUTO", Confidence: 0.6,
			Evidence: []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceSubjectC14N, subject))}}
	case primary.Label == "INTENT_GDPR_REQUEST":
		ev := findSpan(artifacts.SourceSubjectC14N, subject, "dsgvo")
		return artifacts.Labeled{Label: "PROD_UNKNOWN", Confidence: 0.5,
			Evidence: []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceSubjectC14N, subject))}}
	case primary.Label == "INTENT_BILLING_QUESTION":
		ev := findSpan(artifacts.SourceBodyC14N, body, "rückzahlung")
		return artifacts.Labeled{Label: "PROD_UNKNOWN", Confidence: 0.45,
			Evidence: []artifacts.EvidenceSpan{spanOr(ev, first20CharsSpan(artifacts.SourceBodyC14N, body))}}
	default:
		return artifacts.Labeled{Label: "PROD_UNKNOWN", Confidence: 0.4,
			Evidence: []artifacts.EvidenceSpan{first20CharsSpan(artifacts.SourceBodyC14N, body)}}
	}
}

var claimNumberInSubjectRE = regexp.MustCompile(`\bclm-\d{4}-\d{4}\b`)

func (c *Classifier) urgency(nm *artifacts.NormalizedMessage, primary artifacts.Labeled) artifacts.Labeled {
	subject, body := nm.SubjectC14N, nm.BodyTextC14N
	bodyEv := func(needle string) artifacts.EvidenceSpan {
		return spanOr(findSpan(artifacts.SourceBodyC14N, body, needle), first20CharsSpan(artifacts.SourceBodyC14N, body))
	}
	subjectEv := func(needle string) artifacts.EvidenceSpan {
		return spanOr(findSpan(artifacts.SourceSubjectC14N, subject, needle), first20CharsSpan(artifacts.SourceSubjectC14N, subject))
	}

	switch {
	case strings.Contains(body, "sofort"):
		return artifacts.Labeled{Label: "URG_HIGH", Confidence: 0.75, Evidence: []artifacts.EvidenceSpan{bodyEv("sofort")}}
	case strings.Contains(body, "frist"):
		return artifacts.Labeled{Label: "URG_CRITICAL", Confidence: 0.85, Evidence: []artifacts.EvidenceSpan{bodyEv("frist")}}
	case primary.Label == "INTENT_GDPR_REQUEST" && strings.Contains(body, "auskunft"):
		return artifacts.Labeled{Label: "URG_CRITICAL", Confidence: 0.8, Evidence: []artifacts.EvidenceSpan{bodyEv("auskunft")}}
	case strings.Contains(body, "prüfen") && strings.Contains(body, "bitte"):
		return artifacts.Labeled{Label: "URG_HIGH", Confidence: 0.6, Evidence: []artifacts.EvidenceSpan{bodyEv("bitte")}}
	}

	if loc := dateRE.FindStringSubmatchIndex(body); loc != nil && strings.Contains(body, "dach") {
		return artifacts.Labeled{Label: "URG_NORMAL", Confidence: 0.7,
			Evidence: []artifacts.EvidenceSpan{span(artifacts.SourceBodyC14N, loc[2], loc[3], body)}}
	}
	switch {
	case strings.Contains(body, "bitte bestätigen"):
		return artifacts.Labeled{Label: "URG_NORMAL", Confidence: 0.6, Evidence: []artifacts.EvidenceSpan{bodyEv("bitte bestätigen")}}
	case strings.Contains(subject, "schadenmeldung"):
		return artifacts.Labeled{Label: "URG_NORMAL", Confidence: 0.7, Evidence: []artifacts.EvidenceSpan{subjectEv("schadenmeldung")}}
	case strings.Contains(subject, "undelivered"):
		return artifacts.Labeled{Label: "URG_NORMAL", Confidence: 0.55, Evidence: []artifacts.EvidenceSpan{subjectEv("undelivered")}}
	}

	if nm.Language != "" && !c.languageSupported(nm.Language) {
		return artifacts.Labeled{Label: "URG_NORMAL", Confidence: 0.6,
			Evidence: []artifacts.EvidenceSpan{first20CharsSpan(artifacts.SourceSubjectC14N, subject)}}
	}
	if strings.Contains(body, "bitte") {
		conf := 0.6
		if primary.Label == "INTENT_BROKER_INTERMEDIARY" {
			conf = 0.55
		}
		return artifacts.Labeled{Label: "URG_NORMAL", Confidence: conf, Evidence: []artifacts.EvidenceSpan{bodyEv("bitte")}}
	}
	return artifacts.Labeled{Label: "URG_NORMAL", Confidence: 0.6,
		Evidence: []artifacts.EvidenceSpan{first20CharsSpan(artifacts.SourceSubjectC14N, subject)}}
}

func evidenceHashes(spans []artifacts.EvidenceSpan) []map[string]any {
	out := make([]map[string]any, 0, len(spans))
	for _, e := range spans {
		out = append(out, map[string]any{
			"source":         e.Source,
			"start":          e.Start,
			"end":            e.End,
			"snippet_sha256": e.SnippetSHA256,
		})
	}
	return out
}

func (c *Classifier) DecisionHash(nm *artifacts.NormalizedMessage, intents []artifacts.Labeled, primary, productLine, urgency artifacts.Labeled, riskFlags []artifacts.Labeled) (string, error) {
	labeledOut := func(items []artifacts.Labeled) []map[string]any {
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]any{
				"label":      it.Label,
				"confidence": it.Confidence,
				"evidence":   evidenceHashes(it.Evidence),
			})
		}
		return out
	}
	llm := c.Config.Classification.LLM
	return canonicalize.DecisionHash(map[string]any{
		"system_id":             c.Config.SystemID,
		"canonical_spec_semver": c.Config.CanonicalSpecSemver,
		"stage":                 "CLASSIFY",
		"message_fingerprint":   nm.MessageFingerprint,
		"raw_mime_sha256":       nm.RawMIMESHA256,
		"config_ref": map[string]any{
			"config_path":   c.Config.ConfigPath,
			"config_sha256": c.Config.ConfigSHA256,
		},
		"determinism_mode": c.Config.DeterminismMode,
		"llm": map[string]any{
			"enabled":         llm.Enabled,
			"provider":        llm.Provider,
			"model_name":      llm.ModelName,
			"model_version":   llm.ModelVersion,
			"prompt_versions": llm.PromptVersions,
		},
		"decision": map[string]any{
			"intents": labeledOut(intents),
			"primary_intent": map[string]any{
				"label":      primary.Label,
				"confidence": primary.Confidence,
			},
			"product_line":            productLine.Label,
			"urgency":                 urgency.Label,
			"risk_flags":              labeledOut(riskFlags),
			"rules_version":           c.Config.Classification.RulesVersion,
			"min_confidence_for_auto": c.Config.Classification.MinConfidenceForAuto,
		},
	})
}

// RulesRef pins the cascade manifest and configured rules version.
func (c *Classifier) RulesRef() *artifacts.RulesRef {
	return &artifacts.RulesRef{
		RulesetPath:    "classify/cascade",
		RulesetSHA256:  canonicalize.HashBytes([]byte(rulesetManifest)),
		RulesetVersion: c.Config.Classification.RulesVersion,
	}
}
