// Package audit writes and verifies the append-only, hash-chained audit
// log. One JSONL file exists per (message_id, run_id); each event carries
// the hash of its predecessor so any rewrite breaks the chain.
package audit

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// Actor types recorded on audit events.
const (
	ActorSystem = "SYSTEM"
	ActorHuman  = "HUMAN"
	ActorJob    = "JOB"
)

// Event is one audit record. PrevEventHash and EventHash are filled in by
// the logger on append.
type Event struct {
	SchemaID      string                   `json:"schema_id"`
	SchemaVersion string                   `json:"schema_version"`
	AuditEventID  string                   `json:"audit_event_id"`
	MessageID     string                   `json:"message_id"`
	RunID         string                   `json:"run_id"`
	Stage         string                   `json:"stage"`
	ActorType     string                   `json:"actor_type"`
	ActorID       *string                  `json:"actor_id"`
	CreatedAt     string                   `json:"created_at"`
	InputRef      artifacts.Ref            `json:"input_ref"`
	OutputRef     artifacts.Ref            `json:"output_ref"`
	ConfigRef     map[string]any           `json:"config_ref"`
	RulesRef      *artifacts.RulesRef      `json:"rules_ref"`
	ModelInfo     *artifacts.ModelInfo     `json:"model_info"`
	Evidence      []artifacts.EvidenceSpan `json:"evidence"`
	DecisionHash  *string                  `json:"decision_hash"`
	PrevEventHash *string                  `json:"prev_event_hash"`
	EventHash     string                   `json:"event_hash"`
}

// Params are the caller-supplied parts of an audit event.
type Params struct {
	MessageID    string
	RunID        string
	Stage        string
	ActorType    string
	ActorID      *string
	CreatedAt    time.Time
	InputRef     artifacts.Ref
	OutputRef    artifacts.Ref
	ConfigRef    map[string]any
	RulesRef     *artifacts.RulesRef
	ModelInfo    *artifacts.ModelInfo
	Evidence     []artifacts.EvidenceSpan
	DecisionHash *string
}

// BuildEvent assembles an event with a deterministic id. The id is derived
// from the output ref hash so replaying a stage yields the same event id.
func BuildEvent(p Params) *Event {
	evidence := p.Evidence
	if evidence == nil {
		evidence = []artifacts.EvidenceSpan{}
	}
	return &Event{
		SchemaID:      schema.AuditEventID,
		SchemaVersion: schema.Version(schema.AuditEventID),
		AuditEventID:  canonicalize.UUID5("audit:" + p.MessageID + ":" + p.RunID + ":" + p.Stage + ":" + p.OutputRef.SHA256),
		MessageID:     p.MessageID,
		RunID:         p.RunID,
		Stage:         p.Stage,
		ActorType:     p.ActorType,
		ActorID:       p.ActorID,
		CreatedAt:     canonicalize.FormatTime(p.CreatedAt),
		InputRef:      p.InputRef,
		OutputRef:     p.OutputRef,
		ConfigRef:     p.ConfigRef,
		RulesRef:      p.RulesRef,
		ModelInfo:     p.ModelInfo,
		Evidence:      evidence,
		DecisionHash:  p.DecisionHash,
		EventHash:     "sha256:0000000000000000000000000000000000000000000000000000000000000000",
	}
}

// EventHashOf computes the chained hash: sha256 over the canonical JSON of
// the event with the event_hash field removed.
func EventHashOf(event *Event) (string, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return eventHashOfLine(raw)
}

func eventHashOfLine(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return "", err
	}
	delete(m, "event_hash")
	canonical, err := canonicalize.JCS(m)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(canonical), nil
}
