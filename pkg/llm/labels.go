package llm

import "sort"

// Canonical label sets. Model output naming anything outside these sets is
// a contract violation and never reaches a decision.
var (
	canonicalIntents = map[string]bool{
		"INTENT_BILLING_QUESTION":    true,
		"INTENT_BROKER_INTERMEDIARY": true,
		"INTENT_CLAIM_NEW":           true,
		"INTENT_CLAIM_UPDATE":        true,
		"INTENT_COMPLAINT":           true,
		"INTENT_DOCUMENT_SUBMISSION": true,
		"INTENT_GDPR_REQUEST":        true,
		"INTENT_GENERAL_INQUIRY":     true,
		"INTENT_LEGAL":               true,
		"INTENT_TECHNICAL":           true,
	}
	canonicalProductLines = map[string]bool{
		"PROD_AUTO":     true,
		"PROD_PROPERTY": true,
		"PROD_UNKNOWN":  true,
	}
	canonicalUrgencies = map[string]bool{
		"URG_CRITICAL": true,
		"URG_HIGH":     true,
		"URG_NORMAL":   true,
	}
	canonicalRiskFlags = map[string]bool{
		"RISK_AUTOREPLY_LOOP":       true,
		"RISK_LANGUAGE_UNSUPPORTED": true,
		"RISK_LEGAL_THREAT":         true,
		"RISK_PRIVACY_SENSITIVE":    true,
		"RISK_REGULATORY":           true,
		"RISK_SECURITY_MALWARE":     true,
	}
	canonicalEntityTypes = map[string]bool{
		"ENT_CLAIM_NUMBER":  true,
		"ENT_DATE":          true,
		"ENT_DOCUMENT_TYPE": true,
		"ENT_IBAN":          true,
		"ENT_LOCATION":      true,
		"ENT_POLICY_NUMBER": true,
	}
)

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CanonicalLabelsPayload is handed to the model so it can only answer in
// the canonical vocabulary.
func CanonicalLabelsPayload() map[string]any {
	return map[string]any{
		"intents":       sortedKeys(canonicalIntents),
		"product_lines": sortedKeys(canonicalProductLines),
		"urgencies":     sortedKeys(canonicalUrgencies),
		"risk_flags":    sortedKeys(canonicalRiskFlags),
		"entity_types":  sortedKeys(canonicalEntityTypes),
	}
}
