// Package schema holds the versioned artifact schemas (URN-identified JSON
// Schemas) and a compiled registry used to validate artifacts before they are
// written or verified.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Artifact schema URNs. The trailing segment is the schema semver.
const (
	NormalizedMessageID        = "urn:ieim:schema:normalized_message:1.0.0"
	AttachmentArtifactID       = "urn:ieim:schema:attachment_artifact:1.0.0"
	IdentityResolutionResultID = "urn:ieim:schema:identity_resolution_result:1.0.0"
	ClassificationResultID     = "urn:ieim:schema:classification_result:1.0.0"
	ExtractionResultID         = "urn:ieim:schema:extraction_result:1.0.0"
	RoutingDecisionID          = "urn:ieim:schema:routing_decision:1.0.0"
	AuditEventID               = "urn:ieim:schema:audit_event:1.0.0"
	CorrectionRecordID         = "urn:ieim:schema:correction_record:1.0.0"
)

// Marker ids used in artifact refs for blobs and documents that are not
// themselves URN-schema artifacts.
const (
	RefRawMIME          = "RAW_MIME"
	RefRawAttachment    = "RAW_ATTACHMENT"
	RefReviewItem       = "REVIEW_ITEM"
	RefDraftRequestInfo = "DRAFT_REQUEST_INFO"
	RefDraftReply       = "DRAFT_REPLY"
)

// Version returns the semver segment of a schema URN.
func Version(schemaID string) string {
	idx := strings.LastIndex(schemaID, ":")
	if idx < 0 {
		return ""
	}
	return schemaID[idx+1:]
}

// CheckSpecVersion verifies that a schema URN's version equals the configured
// canonical spec semver. Mixed versions in one pack are a config error.
func CheckSpecVersion(schemaID, canonicalSpecSemver string) error {
	sv, err := semver.NewVersion(Version(schemaID))
	if err != nil {
		return fmt.Errorf("schema %s: invalid version: %w", schemaID, err)
	}
	cv, err := semver.NewVersion(canonicalSpecSemver)
	if err != nil {
		return fmt.Errorf("canonical_spec_semver %q: %w", canonicalSpecSemver, err)
	}
	if !sv.Equal(cv) {
		return fmt.Errorf("schema %s version %s does not match canonical_spec_semver %s", schemaID, sv, cv)
	}
	return nil
}

// Registry holds the compiled artifact schemas keyed by URN.
type Registry struct {
	compiled map[string]*jsonschema.Schema
}

// NewRegistry compiles every artifact schema. Compilation failure is a
// programming error surfaced at startup, never at decision time.
func NewRegistry() (*Registry, error) {
	sources := map[string]string{
		NormalizedMessageID:        normalizedMessageSchema,
		AttachmentArtifactID:       attachmentArtifactSchema,
		IdentityResolutionResultID: identityResolutionResultSchema,
		ClassificationResultID:     classificationResultSchema,
		ExtractionResultID:         extractionResultSchema,
		RoutingDecisionID:          routingDecisionSchema,
		AuditEventID:               auditEventSchema,
		CorrectionRecordID:         correctionRecordSchema,
	}

	r := &Registry{compiled: make(map[string]*jsonschema.Schema, len(sources))}
	for id, src := range sources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(id, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s: load failed: %w", id, err)
		}
		compiled, err := c.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("schema %s: compile failed: %w", id, err)
		}
		r.compiled[id] = compiled
	}
	return r, nil
}

// Validate checks a decoded JSON value against the schema URN.
func (r *Registry) Validate(schemaID string, doc any) error {
	s, ok := r.compiled[schemaID]
	if !ok {
		return fmt.Errorf("unknown schema id: %s", schemaID)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema %s: %w", schemaID, err)
	}
	return nil
}

// ValidateBytes decodes raw JSON and validates it against the schema URN.
func (r *Registry) ValidateBytes(schemaID string, raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("schema %s: invalid JSON: %w", schemaID, err)
	}
	return r.Validate(schemaID, doc)
}
