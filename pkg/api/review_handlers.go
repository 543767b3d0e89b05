package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/ieim/pkg/auth"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/hitl"
)

func (s *Server) handleListQueues(w http.ResponseWriter, _ *http.Request) {
	queues, err := s.Reviews.ListQueues()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (s *Server) handleListQueueItems(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queueID")
	items, err := s.Reviews.ListQueue(queueID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_id": queueID, "items": items})
}

// handleGetReviewItem serves the stored bytes verbatim and exposes their
// hash as the ETag; If-Match on mutations is checked against it.
func (s *Server) handleGetReviewItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	item, raw, err := s.Reviews.Find(itemID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if item == nil {
		WriteNotFound(w, "review item not found: "+itemID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", canonicalize.HashBytes(raw))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleGetReviewItemAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if !s.permissions(actor).CanViewAudit {
		WriteForbidden(w, "can_view_audit required")
		return
	}

	itemID := chi.URLParam(r, "itemID")
	item, _, err := s.Reviews.Find(itemID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if item == nil {
		WriteNotFound(w, "review item not found: "+itemID)
		return
	}
	events, err := s.Audit.ReadRun(item.MessageID, item.RunID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": item.MessageID,
		"run_id":     item.RunID,
		"events":     events,
	})
}

type correctionRequest struct {
	Corrections []hitl.Correction `json:"corrections"`
	Note        *string           `json:"note"`
}

// mutationPreconditions enforces the Idempotency-Key and If-Match headers
// required on every review mutation.
func mutationPreconditions(w http.ResponseWriter, r *http.Request) (idemKey, ifMatch string, ok bool) {
	idemKey = r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		WriteBadRequest(w, "Idempotency-Key header is required")
		return "", "", false
	}
	ifMatch = r.Header.Get("If-Match")
	if ifMatch == "" {
		WritePreconditionRequired(w, "If-Match header is required")
		return "", "", false
	}
	return idemKey, ifMatch, true
}

func (s *Server) handleSubmitCorrection(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	idemKey, ifMatch, ok := mutationPreconditions(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req.Corrections) == 0 {
		WriteBadRequest(w, "corrections must not be empty")
		return
	}

	itemID := chi.URLParam(r, "itemID")
	reviewPath, err := s.Reviews.FindPath(itemID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if reviewPath == "" {
		WriteNotFound(w, "review item not found: "+itemID)
		return
	}

	// The correction id is derived from the Idempotency-Key so a replay
	// that misses the response cache still lands on the stored record.
	_, record, err := s.HITL.SubmitCorrection(hitl.SubmitParams{
		ReviewItemPath: reviewPath,
		ActorID:        actor.ID,
		Corrections:    req.Corrections,
		Note:           req.Note,
		CreatedAt:      time.Now().UTC(),
		CorrectionID:   canonicalize.UUID5("correction:" + itemID + ":" + idemKey),
		IfMatch:        ifMatch,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleDraftDecision(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	draftKind := chi.URLParam(r, "draftKind")
	if draftKind != hitl.DraftKindRequestInfo && draftKind != hitl.DraftKindReply {
		WriteNotFound(w, "unknown draft kind: "+draftKind)
		return
	}
	verdict := chi.URLParam(r, "verdict")
	if verdict != "approve" && verdict != "reject" {
		WriteNotFound(w, "unknown verdict: "+verdict)
		return
	}

	_, ifMatch, ok := mutationPreconditions(w, r)
	if !ok {
		return
	}

	itemID := chi.URLParam(r, "itemID")
	item, _, err := s.Reviews.Find(itemID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if item == nil {
		WriteNotFound(w, "review item not found: "+itemID)
		return
	}

	perms := s.permissions(actor)
	if s.Guard != nil {
		allowed, err := s.Guard.Allow(item.QueueID, actor.Roles, perms)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		if !allowed {
			WriteForbidden(w, "draft approval denied for queue "+item.QueueID)
			return
		}
	} else if !perms.CanApproveDrafts {
		WriteForbidden(w, "can_approve_drafts required")
		return
	}

	reviewPath, err := s.Reviews.FindPath(itemID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if reviewPath == "" {
		WriteNotFound(w, "review item not found: "+itemID)
		return
	}

	_, decision, err := s.HITL.DecideDraft(hitl.DecideDraftParams{
		ReviewItemPath: reviewPath,
		ActorID:        actor.ID,
		DraftKind:      draftKind,
		Approve:        verdict == "approve",
		CreatedAt:      time.Now().UTC(),
		IfMatch:        ifMatch,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, decision)
}
