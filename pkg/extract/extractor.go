// Package extract pulls typed entities out of the canonicalized message
// text with fixed regular expressions. IBAN handling honors the configured
// storage policy: HASH_ONLY drops the cleartext value and keeps only the
// redacted form and hash.
package extract

import (
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

var (
	policyNumberRE = regexp.MustCompile(`\b(\d{2}-\d{7})\b`)
	claimNumberRE  = regexp.MustCompile(`\b(clm-\d{4}-\d{4})\b`)
	dateRE         = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	locOrtRE       = regexp.MustCompile(`\bort:\s+([a-zäöüß-]{2,})\b`)
	locInRE        = regexp.MustCompile(`\bin\s+([a-zäöüß-]{2,})\b`)
	ibanRE         = regexp.MustCompile(`(?i)\b([A-Z]{2}\d{2}[A-Z0-9]{10,30})\b`)
)

func valueHash(value string) string {
	return canonicalize.HashBytes([]byte(value))
}

func provenance(source string, start, end int, snippet string) artifacts.EvidenceSpan {
	return artifacts.EvidenceSpan{
		Source:          source,
		Start:           start,
		End:             end,
		SnippetRedacted: snippet,
		SnippetSHA256:   valueHash(snippet),
	}
}

// RedactIBAN keeps the first and last four characters, lowercased, around an
// ellipsis. Short values pass through untouched.
func RedactIBAN(value string) string {
	v := strings.TrimSpace(value)
	if len(v) <= 8 {
		return v
	}
	return strings.ToLower(v[:4]) + "…" + strings.ToLower(v[len(v)-4:])
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
	return string(runes)
}

// Extractor is the deterministic entity extractor.
type Extractor struct {
	Config *config.Config
}

func fullEntity(entityType, value string, confidence float64, prov artifacts.EvidenceSpan) artifacts.ExtractedEntity {
	v := value
	return artifacts.ExtractedEntity{
		EntityType:    entityType,
		Value:         &v,
		ValueRedacted: value,
		ValueSHA256:   valueHash(value),
		StoreMode:     "FULL",
		Confidence:    confidence,
		Provenance:    prov,
	}
}

// Extract scans subject and body for entities in the fixed order policy,
// claim, date, location, IBAN, then document type from clean attachments.
func (e *Extractor) Extract(nm *artifacts.NormalizedMessage, attachments []artifacts.AttachmentArtifact) *artifacts.ExtractionResult {
	subject := nm.SubjectC14N
	body := nm.BodyTextC14N

	entities := []artifacts.ExtractedEntity{}

	if loc := policyNumberRE.FindStringSubmatchIndex(body); loc != nil {
		number := body[loc[2]:loc[3]]
		entities = append(entities, fullEntity("ENT_POLICY_NUMBER", number, 0.95,
			provenance(artifacts.SourceBodyC14N, loc[2], loc[3], number)))
	} else if loc := policyNumberRE.FindStringSubmatchIndex(subject); loc != nil {
		number := subject[loc[2]:loc[3]]
		entities = append(entities, fullEntity("ENT_POLICY_NUMBER", number, 0.95,
			provenance(artifacts.SourceSubjectC14N, loc[2], loc[3], number)))
	}

	if loc := claimNumberRE.FindStringSubmatchIndex(subject); loc != nil {
		raw := subject[loc[2]:loc[3]]
		entities = append(entities, fullEntity("ENT_CLAIM_NUMBER", strings.ToUpper(raw), 0.95,
			provenance(artifacts.SourceSubjectC14N, loc[2], loc[3], raw)))
	} else if loc := claimNumberRE.FindStringSubmatchIndex(body); loc != nil {
		raw := body[loc[2]:loc[3]]
		entities = append(entities, fullEntity("ENT_CLAIM_NUMBER", strings.ToUpper(raw), 0.95,
			provenance(artifacts.SourceBodyC14N, loc[2], loc[3], raw)))
	}

	if loc := dateRE.FindStringSubmatchIndex(body); loc != nil {
		dt := body[loc[2]:loc[3]]
		entities = append(entities, fullEntity("ENT_DATE", dt, 0.9,
			provenance(artifacts.SourceBodyC14N, loc[2], loc[3], dt)))
	}

	if loc := locOrtRE.FindStringSubmatchIndex(body); loc != nil {
		raw := body[loc[2]:loc[3]]
		value := capitalize(raw)
		entities = append(entities, fullEntity("ENT_LOCATION", value, 0.8,
			provenance(artifacts.SourceBodyC14N, loc[0], loc[1], "ort: "+raw)))
	} else if loc := locInRE.FindStringSubmatchIndex(body); loc != nil {
		raw := body[loc[2]:loc[3]]
		value := capitalize(raw)
		entities = append(entities, fullEntity("ENT_LOCATION", value, 0.8,
			provenance(artifacts.SourceBodyC14N, loc[2], loc[3], raw)))
	}

	ibanPolicy := e.Config.Extraction.IBANPolicy
	if ibanPolicy.Enabled {
		if loc := ibanRE.FindStringSubmatchIndex(body); loc != nil {
			raw := body[loc[2]:loc[3]]
			normalized := strings.ToUpper(raw)
			var value *string
			if ibanPolicy.StoreMode != "HASH_ONLY" {
				value = &normalized
			}
			entities = append(entities, artifacts.ExtractedEntity{
				EntityType:    "ENT_IBAN",
				Value:         value,
				ValueRedacted: RedactIBAN(normalized),
				ValueSHA256:   valueHash(normalized),
				StoreMode:     ibanPolicy.StoreMode,
				Confidence:    0.85,
				Provenance:    provenance(artifacts.SourceBodyC14N, loc[2], loc[3], strings.ToLower(raw)),
			})
		}
	}

	entities = append(entities, documentTypeEntities(attachments)...)

	return &artifacts.ExtractionResult{
		SchemaID:      schema.ExtractionResultID,
		SchemaVersion: schema.Version(schema.ExtractionResultID),
		MessageID:     nm.MessageID,
		RunID:         nm.RunID,
		Entities:      entities,
		CreatedAt:     nm.IngestedAt,
	}
}

// documentTypeEntities surfaces the first evidenced photo-evidence
// candidate of each attachment, but only when every attachment scanned
// clean: entities must never be derived from quarantined content.
func documentTypeEntities(attachments []artifacts.AttachmentArtifact) []artifacts.ExtractedEntity {
	for _, a := range attachments {
		if a.AVStatus != artifacts.AVClean {
			return nil
		}
	}
	var entities []artifacts.ExtractedEntity
	for _, att := range attachments {
		for _, cand := range att.DocTypeCandidates {
			if cand.Label != "DOC_PHOTO_EVIDENCE" || len(cand.Evidence) == 0 {
				continue
			}
			ev := cand.Evidence[0]
			entities = append(entities, fullEntity("ENT_DOCUMENT_TYPE", cand.Label, cand.Confidence,
				provenance(artifacts.SourceAttachmentText, ev.Start, ev.End, ev.SnippetRedacted)))
			break
		}
	}
	return entities
}
