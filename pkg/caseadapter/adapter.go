// Package caseadapter applies routing decisions to a downstream case
// management system. Every mutating call carries an idempotency key derived
// from the message fingerprint and the matched rule, so reprocessing a
// message never duplicates cases, artifacts, or notes.
package caseadapter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
)

// Artifact is a reference attached to a case. AttachmentID is set only for
// kind ATTACHMENT.
type Artifact struct {
	URI          string `json:"uri"`
	SHA256       string `json:"sha256"`
	Kind         string `json:"kind"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// CaseRecord is the in-memory view of a case.
type CaseRecord struct {
	CaseID    string
	QueueID   string
	Artifacts []Artifact
	Notes     []string
	Drafts    []string
}

// Adapter is the boundary to the case system. Implementations must treat a
// repeated idempotency key as a no-op and, for CreateCase, return the case id
// minted on the first call.
type Adapter interface {
	CreateCase(idempotencyKey, queueID, title string) (string, error)
	UpdateCase(idempotencyKey, caseID string, title *string) error
	AttachArtifact(idempotencyKey, caseID string, artifact Artifact) error
	AddNote(idempotencyKey, caseID, note string) error
	AddDraftMessage(idempotencyKey, caseID, draft string) error
}

// BuildIdempotencyKey derives a stable, timestamp-free key from the routing
// context and the operation name.
func BuildIdempotencyKey(messageFingerprint, ruleID, ruleVersion, operation string) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", messageFingerprint, ruleID, ruleVersion, operation)
	sum := sha256.Sum256([]byte(raw))
	return "idem:" + hex.EncodeToString(sum[:])
}

// InMemoryAdapter is an idempotent adapter for tests and local demos.
type InMemoryAdapter struct {
	mu               sync.Mutex
	idempotencyIndex map[string]string
	cases            map[string]*CaseRecord
	appliedKeys      map[string]bool
}

func NewInMemoryAdapter() *InMemoryAdapter {
	return &InMemoryAdapter{
		idempotencyIndex: map[string]string{},
		cases:            map[string]*CaseRecord{},
		appliedKeys:      map[string]bool{},
	}
}

// Case returns the record for a case id, or nil when unknown.
func (a *InMemoryAdapter) Case(caseID string) *CaseRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cases[caseID]
}

func (a *InMemoryAdapter) CreateCase(idempotencyKey, queueID, title string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.idempotencyIndex[idempotencyKey]; ok {
		return existing, nil
	}
	caseID := canonicalize.UUID5("case:" + idempotencyKey)
	a.cases[caseID] = &CaseRecord{
		CaseID:  caseID,
		QueueID: queueID,
		Notes:   []string{"TITLE: " + title},
	}
	a.idempotencyIndex[idempotencyKey] = caseID
	return caseID, nil
}

func (a *InMemoryAdapter) UpdateCase(idempotencyKey, caseID string, title *string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.appliedKeys[idempotencyKey] {
		return nil
	}
	a.appliedKeys[idempotencyKey] = true

	rec, err := a.caseLocked(caseID)
	if err != nil {
		return err
	}
	if title != nil {
		rec.Notes = append(rec.Notes, "TITLE_UPDATE: "+*title)
	}
	return nil
}

func (a *InMemoryAdapter) AttachArtifact(idempotencyKey, caseID string, artifact Artifact) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.appliedKeys[idempotencyKey] {
		return nil
	}
	a.appliedKeys[idempotencyKey] = true

	rec, err := a.caseLocked(caseID)
	if err != nil {
		return err
	}
	rec.Artifacts = append(rec.Artifacts, artifact)
	return nil
}

func (a *InMemoryAdapter) AddNote(idempotencyKey, caseID, note string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.appliedKeys[idempotencyKey] {
		return nil
	}
	a.appliedKeys[idempotencyKey] = true

	rec, err := a.caseLocked(caseID)
	if err != nil {
		return err
	}
	rec.Notes = append(rec.Notes, note)
	return nil
}

func (a *InMemoryAdapter) AddDraftMessage(idempotencyKey, caseID, draft string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.appliedKeys[idempotencyKey] {
		return nil
	}
	a.appliedKeys[idempotencyKey] = true

	rec, err := a.caseLocked(caseID)
	if err != nil {
		return err
	}
	rec.Drafts = append(rec.Drafts, draft)
	return nil
}

func (a *InMemoryAdapter) caseLocked(caseID string) (*CaseRecord, error) {
	rec, ok := a.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("unknown case id: %s", caseID)
	}
	return rec, nil
}
