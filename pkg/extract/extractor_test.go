package extract_test

import (
	"testing"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/config"
	"github.com/Mindburn-Labs/ieim/pkg/extract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(ibanEnabled bool, storeMode string) *config.Config {
	return &config.Config{
		Extraction: config.ExtractionConfig{
			IBANPolicy: config.IBANPolicy{Enabled: ibanEnabled, StoreMode: storeMode},
		},
	}
}

func message(subjectC14N, bodyC14N string) *artifacts.NormalizedMessage {
	return &artifacts.NormalizedMessage{
		MessageID:    "11111111-1111-5111-8111-111111111111",
		RunID:        "22222222-2222-5222-8222-222222222222",
		IngestedAt:   "2026-03-01T10:00:00Z",
		SubjectC14N:  subjectC14N,
		BodyTextC14N: bodyC14N,
	}
}

func byType(entities []artifacts.ExtractedEntity, entityType string) *artifacts.ExtractedEntity {
	for i := range entities {
		if entities[i].EntityType == entityType {
			return &entities[i]
		}
	}
	return nil
}

func TestExtractPolicyClaimDate(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(false, "FULL")}
	body := "zur polizze 12-3456789, schaden clm-2026-0042 vom 2026-02-27"
	result := e.Extract(message("schadenmeldung", body), nil)

	pol := byType(result.Entities, "ENT_POLICY_NUMBER")
	require.NotNil(t, pol)
	require.NotNil(t, pol.Value)
	assert.Equal(t, "12-3456789", *pol.Value)
	assert.Equal(t, "FULL", pol.StoreMode)
	assert.Equal(t, artifacts.SourceBodyC14N, pol.Provenance.Source)
	assert.Equal(t, "12-3456789", body[pol.Provenance.Start:pol.Provenance.End])

	clm := byType(result.Entities, "ENT_CLAIM_NUMBER")
	require.NotNil(t, clm)
	assert.Equal(t, "CLM-2026-0042", *clm.Value, "claim numbers are uppercased")
	assert.Equal(t, "clm-2026-0042", body[clm.Provenance.Start:clm.Provenance.End])

	dt := byType(result.Entities, "ENT_DATE")
	require.NotNil(t, dt)
	assert.Equal(t, "2026-02-27", *dt.Value)
	assert.Equal(t, 0.9, dt.Confidence)
}

func TestExtractClaimPrefersSubject(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(false, "FULL")}
	result := e.Extract(message("zu clm-2026-0001", "siehe auch clm-2026-0002"), nil)

	clm := byType(result.Entities, "ENT_CLAIM_NUMBER")
	require.NotNil(t, clm)
	assert.Equal(t, "CLM-2026-0001", *clm.Value)
	assert.Equal(t, artifacts.SourceSubjectC14N, clm.Provenance.Source)
}

func TestExtractLocationOrtMarker(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(false, "FULL")}
	body := "schaden gemeldet, ort: graz, weitere details folgen"
	result := e.Extract(message("meldung", body), nil)

	loc := byType(result.Entities, "ENT_LOCATION")
	require.NotNil(t, loc)
	assert.Equal(t, "Graz", *loc.Value)
	assert.Equal(t, "ort: graz", loc.Provenance.SnippetRedacted)
	assert.Equal(t, "ort: graz", body[loc.Provenance.Start:loc.Provenance.End])
}

func TestExtractLocationInFallback(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(false, "FULL")}
	body := "der sturm in wien hat das dach beschädigt"
	result := e.Extract(message("sturm", body), nil)

	loc := byType(result.Entities, "ENT_LOCATION")
	require.NotNil(t, loc)
	assert.Equal(t, "Wien", *loc.Value)
	assert.Equal(t, "wien", body[loc.Provenance.Start:loc.Provenance.End])
}

func TestExtractIBANHashOnly(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(true, "HASH_ONLY")}
	body := "bitte auf at61 1904 3002 3457 3201 überweisen, iban at611904300234573201 danke"
	result := e.Extract(message("zahlung", body), nil)

	iban := byType(result.Entities, "ENT_IBAN")
	require.NotNil(t, iban)
	assert.Nil(t, iban.Value, "HASH_ONLY never stores the cleartext")
	assert.Equal(t, "HASH_ONLY", iban.StoreMode)
	assert.Equal(t, "at61…3201", iban.ValueRedacted)
	assert.NotEmpty(t, iban.ValueSHA256)
	assert.Equal(t, "at611904300234573201", iban.Provenance.SnippetRedacted)
}

func TestExtractIBANDisabled(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(false, "FULL")}
	result := e.Extract(message("zahlung", "iban at611904300234573201"), nil)
	assert.Nil(t, byType(result.Entities, "ENT_IBAN"))
}

func TestExtractIBANFullStoresUppercase(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(true, "FULL")}
	result := e.Extract(message("zahlung", "iban at611904300234573201"), nil)

	iban := byType(result.Entities, "ENT_IBAN")
	require.NotNil(t, iban)
	require.NotNil(t, iban.Value)
	assert.Equal(t, "AT611904300234573201", *iban.Value)
}

func TestExtractDocumentTypeRequiresAllClean(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(false, "FULL")}
	photo := artifacts.AttachmentArtifact{
		AVStatus: artifacts.AVClean,
		DocTypeCandidates: []artifacts.DocTypeCandidate{{
			Label:      "DOC_PHOTO_EVIDENCE",
			Confidence: 0.6,
			Evidence: []artifacts.EvidenceSpan{{
				Source:          artifacts.SourceAttachmentText,
				Start:           0,
				End:             10,
				SnippetRedacted: "dachschaden",
				SnippetSHA256:   "sha256:aaaa",
			}},
		}},
	}

	result := e.Extract(message("fotos", "anbei fotos"), []artifacts.AttachmentArtifact{photo})
	doc := byType(result.Entities, "ENT_DOCUMENT_TYPE")
	require.NotNil(t, doc)
	assert.Equal(t, "DOC_PHOTO_EVIDENCE", *doc.Value)
	assert.Equal(t, artifacts.SourceAttachmentText, doc.Provenance.Source)
	assert.Equal(t, 0.6, doc.Confidence)

	infected := artifacts.AttachmentArtifact{AVStatus: artifacts.AVInfected}
	result = e.Extract(message("fotos", "anbei fotos"), []artifacts.AttachmentArtifact{photo, infected})
	assert.Nil(t, byType(result.Entities, "ENT_DOCUMENT_TYPE"), "quarantined attachment blocks the rule")
}

func evidencedPhotoCandidate(snippet string) artifacts.AttachmentArtifact {
	return artifacts.AttachmentArtifact{
		AVStatus: artifacts.AVClean,
		DocTypeCandidates: []artifacts.DocTypeCandidate{{
			Label:      "DOC_PHOTO_EVIDENCE",
			Confidence: 0.6,
			Evidence: []artifacts.EvidenceSpan{{
				Source:          artifacts.SourceAttachmentText,
				Start:           0,
				End:             len(snippet),
				SnippetRedacted: snippet,
				SnippetSHA256:   "sha256:" + snippet,
			}},
		}},
	}
}

func TestExtractDocumentTypePerAttachment(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(false, "FULL")}
	atts := []artifacts.AttachmentArtifact{
		evidencedPhotoCandidate("dachschaden vorne"),
		evidencedPhotoCandidate("dachschaden hinten"),
	}

	result := e.Extract(message("fotos", "anbei fotos"), atts)

	var docs []artifacts.ExtractedEntity
	for _, ent := range result.Entities {
		if ent.EntityType == "ENT_DOCUMENT_TYPE" {
			docs = append(docs, ent)
		}
	}
	require.Len(t, docs, 2, "one entity per evidenced attachment")
	assert.Equal(t, "dachschaden vorne", docs[0].Provenance.SnippetRedacted)
	assert.Equal(t, "dachschaden hinten", docs[1].Provenance.SnippetRedacted)
}

func TestExtractDocumentTypeSkipsUnevidencedCandidates(t *testing.T) {
	e := &extract.Extractor{Config: testConfig(false, "FULL")}
	bare := artifacts.AttachmentArtifact{
		AVStatus:          artifacts.AVClean,
		DocTypeCandidates: []artifacts.DocTypeCandidate{{Label: "DOC_PHOTO_EVIDENCE", Confidence: 0.6}},
	}

	result := e.Extract(message("fotos", "anbei fotos"), []artifacts.AttachmentArtifact{bare})
	assert.Nil(t, byType(result.Entities, "ENT_DOCUMENT_TYPE"), "candidates without a span carry no provenance")
}
