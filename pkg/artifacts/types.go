// Package artifacts defines the JSON artifact types shared by the pipeline
// stages and the state-directory store they are written to. Every artifact
// is schema-validated before it reaches disk and encoded with sorted keys
// so its bytes are reproducible.
package artifacts

import "github.com/Mindburn-Labs/ieim/pkg/schema"

// EvidenceSpan grounds a label or entity in the canonicalized text it was
// derived from. Offsets are byte offsets into the named source.
type EvidenceSpan struct {
	Source          string `json:"source"` // SUBJECT_C14N | BODY_C14N | ATTACHMENT_TEXT
	Start           int    `json:"start"`
	End             int    `json:"end"`
	SnippetRedacted string `json:"snippet_redacted"`
	SnippetSHA256   string `json:"snippet_sha256"`
}

const (
	SourceSubjectC14N    = "SUBJECT_C14N"
	SourceBodyC14N       = "BODY_C14N"
	SourceAttachmentText = "ATTACHMENT_TEXT"
)

// Labeled is a label with a confidence and its grounding evidence.
type Labeled struct {
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	Evidence   []EvidenceSpan `json:"evidence"`
}

// ModelInfo pins the model that produced an LLM-assisted result. Nil means
// the result is fully deterministic.
type ModelInfo struct {
	Provider      string `json:"provider"`
	ModelName     string `json:"model_name"`
	ModelVersion  string `json:"model_version"`
	PromptVersion string `json:"prompt_version"`
	PromptSHA256  string `json:"prompt_sha256"`
}

// Ref points at a stored artifact by schema, location, and content hash.
type Ref struct {
	SchemaID string `json:"schema_id"`
	URI      string `json:"uri"`
	SHA256   string `json:"sha256"`
}

// ConfigRef pins the configuration file a decision was made under.
type ConfigRef struct {
	ConfigPath   string `json:"config_path"`
	ConfigSHA256 string `json:"config_sha256"`
}

// RulesRef pins the routing ruleset a decision was made under.
type RulesRef struct {
	RulesetPath    string `json:"ruleset_path"`
	RulesetSHA256  string `json:"ruleset_sha256"`
	RulesetVersion string `json:"ruleset_version"`
}

// ThreadKeys carries the RFC 5322 threading headers of a message.
type ThreadKeys struct {
	InternetMessageID *string `json:"internet_message_id"`
	InReplyTo         *string `json:"in_reply_to"`
	ConversationID    *string `json:"conversation_id"`
}

// NormalizedMessage is the stage-1 artifact derived from raw MIME.
type NormalizedMessage struct {
	SchemaID           string     `json:"schema_id"`
	SchemaVersion      string     `json:"schema_version"`
	MessageID          string     `json:"message_id"`
	RunID              string     `json:"run_id"`
	IngestedAt         string     `json:"ingested_at"`
	ReceivedAt         string     `json:"received_at"`
	IngestionSource    string     `json:"ingestion_source"`
	RawMIMEURI         string     `json:"raw_mime_uri"`
	RawMIMESHA256      string     `json:"raw_mime_sha256"`
	FromEmail          string     `json:"from_email"`
	FromDisplayName    *string    `json:"from_display_name"`
	ReplyToEmail       *string    `json:"reply_to_email"`
	ToEmails           []string   `json:"to_emails"`
	CCEmails           []string   `json:"cc_emails"`
	Subject            string     `json:"subject"`
	SubjectC14N        string     `json:"subject_c14n"`
	BodyText           string     `json:"body_text"`
	BodyTextC14N       string     `json:"body_text_c14n"`
	Language           string     `json:"language"`
	ThreadKeys         ThreadKeys `json:"thread_keys"`
	AttachmentIDs      []string   `json:"attachment_ids"`
	MessageFingerprint string     `json:"message_fingerprint"`
}

// DocTypeCandidate is a weak document-type hypothesis for an attachment.
// Evidence, when present, points into the attachment's extracted text.
type DocTypeCandidate struct {
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	Evidence   []EvidenceSpan `json:"evidence,omitempty"`
}

// AV statuses for attachment scanning.
const (
	AVClean      = "CLEAN"
	AVInfected   = "INFECTED"
	AVSuspicious = "SUSPICIOUS"
	AVFailed     = "FAILED"
)

// AttachmentArtifact is the per-attachment stage-2 artifact.
type AttachmentArtifact struct {
	SchemaID            string             `json:"schema_id"`
	SchemaVersion       string             `json:"schema_version"`
	AttachmentID        string             `json:"attachment_id"`
	MessageID           string             `json:"message_id"`
	Filename            string             `json:"filename"`
	MIMEType            string             `json:"mime_type"`
	SizeBytes           int                `json:"size_bytes"`
	SHA256              string             `json:"sha256"`
	AVStatus            string             `json:"av_status"`
	ExtractedTextURI    *string            `json:"extracted_text_uri"`
	ExtractedTextSHA256 *string            `json:"extracted_text_sha256"`
	OCRApplied          bool               `json:"ocr_applied"`
	OCRConfidence       *float64           `json:"ocr_confidence"`
	DocTypeCandidates   []DocTypeCandidate `json:"doc_type_candidates"`
	CreatedAt           string             `json:"created_at"`
}

// IdentitySignal is one weighted scoring input for a candidate entity.
type IdentitySignal struct {
	Name     string  `json:"name"`
	Strength float64 `json:"strength"`
	Weight   float64 `json:"weight"`
	Value    string  `json:"value,omitempty"`
}

// IdentityCandidate is a scored, ranked entity hypothesis.
type IdentityCandidate struct {
	EntityType string           `json:"entity_type"` // POLICY | CLAIM | CUSTOMER
	EntityID   string           `json:"entity_id"`
	Score      float64          `json:"score"`
	Signals    []IdentitySignal `json:"signals"`
	Evidence   []EvidenceSpan   `json:"evidence"`
	Rank       int              `json:"rank"`
}

// IdentityThresholds are the score/margin cutoffs used for status selection.
type IdentityThresholds struct {
	ConfirmedMinScore  float64 `json:"confirmed_min_score"`
	ConfirmedMinMargin float64 `json:"confirmed_min_margin"`
	ProbableMinScore   float64 `json:"probable_min_score"`
	ProbableMinMargin  float64 `json:"probable_min_margin"`
}

// Identity resolution statuses.
const (
	IdentityConfirmed   = "IDENTITY_CONFIRMED"
	IdentityProbable    = "IDENTITY_PROBABLE"
	IdentityNeedsReview = "IDENTITY_NEEDS_REVIEW"
	IdentityNoCandidate = "IDENTITY_NO_CANDIDATE"
)

// IdentityResolutionResult is the stage-3 artifact.
type IdentityResolutionResult struct {
	SchemaID          string              `json:"schema_id"`
	SchemaVersion     string              `json:"schema_version"`
	MessageID         string              `json:"message_id"`
	RunID             string              `json:"run_id"`
	Status            string              `json:"status"`
	SelectedCandidate *IdentityCandidate  `json:"selected_candidate"`
	TopK              []IdentityCandidate `json:"top_k"`
	Thresholds        IdentityThresholds  `json:"thresholds"`
	CreatedAt         string              `json:"created_at"`
	DecisionHash      string              `json:"decision_hash"`
}

// ClassificationResult is the stage-4 classification artifact.
type ClassificationResult struct {
	SchemaID      string     `json:"schema_id"`
	SchemaVersion string     `json:"schema_version"`
	MessageID     string     `json:"message_id"`
	RunID         string     `json:"run_id"`
	Intents       []Labeled  `json:"intents"`
	PrimaryIntent Labeled    `json:"primary_intent"`
	ProductLine   Labeled    `json:"product_line"`
	Urgency       Labeled    `json:"urgency"`
	RiskFlags     []Labeled  `json:"risk_flags"`
	ModelInfo     *ModelInfo `json:"model_info"`
	CreatedAt     string     `json:"created_at"`
	DecisionHash  string     `json:"decision_hash"`
}

// ExtractedEntity is a typed entity with redaction-aware storage.
type ExtractedEntity struct {
	EntityType    string       `json:"entity_type"`
	Value         *string      `json:"value"`
	ValueRedacted string       `json:"value_redacted"`
	ValueSHA256   string       `json:"value_sha256"`
	StoreMode     string       `json:"store_mode"` // FULL | HASH_ONLY
	Confidence    float64      `json:"confidence"`
	Provenance    EvidenceSpan `json:"provenance"`
}

// ExtractionResult is the stage-4 extraction artifact.
type ExtractionResult struct {
	SchemaID      string            `json:"schema_id"`
	SchemaVersion string            `json:"schema_version"`
	MessageID     string            `json:"message_id"`
	RunID         string            `json:"run_id"`
	Entities      []ExtractedEntity `json:"entities"`
	CreatedAt     string            `json:"created_at"`
}

// RoutingDecision is the stage-5 artifact.
type RoutingDecision struct {
	SchemaID         string   `json:"schema_id"`
	SchemaVersion    string   `json:"schema_version"`
	MessageID        string   `json:"message_id"`
	RunID            string   `json:"run_id"`
	QueueID          string   `json:"queue_id"`
	SLAID            string   `json:"sla_id"`
	Priority         int      `json:"priority"`
	Actions          []string `json:"actions"`
	RuleID           string   `json:"rule_id"`
	RuleVersion      string   `json:"rule_version"`
	FailClosed       bool     `json:"fail_closed"`
	FailClosedReason *string  `json:"fail_closed_reason"`
	CreatedAt        string   `json:"created_at"`
	DecisionHash     string   `json:"decision_hash"`
}

// Routing actions understood by the case adapter.
const (
	ActionCreateCase          = "CREATE_CASE"
	ActionAttachOriginalEmail = "ATTACH_ORIGINAL_EMAIL"
	ActionAttachAllFiles      = "ATTACH_ALL_FILES"
	ActionAddRequestInfoDraft = "ADD_REQUEST_INFO_DRAFT"
	ActionAddReplyDraft       = "ADD_REPLY_DRAFT"
	ActionBlockCaseCreate     = "BLOCK_CASE_CREATE"
)

// SchemaIDFor maps artifact values to their schema URNs.
func SchemaIDFor(v any) string {
	switch v.(type) {
	case *NormalizedMessage, NormalizedMessage:
		return schema.NormalizedMessageID
	case *AttachmentArtifact, AttachmentArtifact:
		return schema.AttachmentArtifactID
	case *IdentityResolutionResult, IdentityResolutionResult:
		return schema.IdentityResolutionResultID
	case *ClassificationResult, ClassificationResult:
		return schema.ClassificationResultID
	case *ExtractionResult, ExtractionResult:
		return schema.ExtractionResultID
	case *RoutingDecision, RoutingDecision:
		return schema.RoutingDecisionID
	default:
		return ""
	}
}
