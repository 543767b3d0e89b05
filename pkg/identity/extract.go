package identity

import (
	"regexp"
	"strings"
)

var (
	policyNumberRE     = regexp.MustCompile(`\b(\d{2}-\d{7})\b`)
	policyWithPrefixRE = regexp.MustCompile(`\bpolizzennr\s+(\d{2}-\d{7})\b`)
	claimNumberRE      = regexp.MustCompile(`\b(clm-\d{4}-\d{4})\b`)
)

// IdentifierHit is a matched identifier with its evidence location in the
// canonicalized text.
type IdentifierHit struct {
	Kind    string
	Value   string
	Source  string
	Start   int
	End     int
	Snippet string
}

// FindClaimNumber searches subject first, then body, for a claim number.
// The value is uppercased; the snippet keeps the matched text as-is.
func FindClaimNumber(subjectC14N, bodyC14N string) *IdentifierHit {
	if loc := claimNumberRE.FindStringSubmatchIndex(subjectC14N); loc != nil {
		raw := subjectC14N[loc[2]:loc[3]]
		return &IdentifierHit{Kind: "CLAIM_NUMBER", Value: strings.ToUpper(raw), Source: "SUBJECT_C14N", Start: loc[2], End: loc[3], Snippet: raw}
	}
	if loc := claimNumberRE.FindStringSubmatchIndex(bodyC14N); loc != nil {
		raw := bodyC14N[loc[2]:loc[3]]
		return &IdentifierHit{Kind: "CLAIM_NUMBER", Value: strings.ToUpper(raw), Source: "BODY_C14N", Start: loc[2], End: loc[3], Snippet: raw}
	}
	return nil
}

// FindPolicyNumber prefers a subject match re-grounded into the body (body
// evidence is more reviewable), then a prefixed body match, then any body
// match.
func FindPolicyNumber(subjectC14N, bodyC14N string) *IdentifierHit {
	if loc := policyNumberRE.FindStringSubmatchIndex(subjectC14N); loc != nil {
		number := subjectC14N[loc[2]:loc[3]]
		if idx := strings.Index(bodyC14N, number); idx >= 0 {
			return &IdentifierHit{Kind: "POLICY_NUMBER", Value: number, Source: "BODY_C14N", Start: idx, End: idx + len(number), Snippet: number}
		}
		return &IdentifierHit{Kind: "POLICY_NUMBER", Value: number, Source: "SUBJECT_C14N", Start: loc[2], End: loc[3], Snippet: number}
	}
	if loc := policyWithPrefixRE.FindStringSubmatchIndex(bodyC14N); loc != nil {
		number := bodyC14N[loc[2]:loc[3]]
		snippet := bodyC14N[loc[0]:loc[1]]
		return &IdentifierHit{Kind: "POLICY_NUMBER", Value: number, Source: "BODY_C14N", Start: loc[0], End: loc[1], Snippet: snippet}
	}
	if loc := policyNumberRE.FindStringSubmatchIndex(bodyC14N); loc != nil {
		number := bodyC14N[loc[2]:loc[3]]
		return &IdentifierHit{Kind: "POLICY_NUMBER", Value: number, Source: "BODY_C14N", Start: loc[2], End: loc[3], Snippet: number}
	}
	return nil
}

