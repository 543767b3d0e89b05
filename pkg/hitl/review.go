// Package hitl materializes review items for queues that demand a human
// look and records the corrections humans submit against them. Review
// items are idempotent snapshots; correction records are immutable.
package hitl

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/canonicalize"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// Review item statuses.
const (
	StatusOpen = "OPEN"
)

// ReviewRouting is the routing summary embedded in a review item.
type ReviewRouting struct {
	RuleID           string  `json:"rule_id"`
	RuleVersion      string  `json:"rule_version"`
	FailClosed       bool    `json:"fail_closed"`
	FailClosedReason *string `json:"fail_closed_reason"`
}

// ReviewItem is the queue-scoped snapshot a reviewer works from. It
// references every upstream artifact by (uri, sha256) rather than
// embedding content.
type ReviewItem struct {
	ReviewItemID   string          `json:"review_item_id"`
	MessageID      string          `json:"message_id"`
	RunID          string          `json:"run_id"`
	QueueID        string          `json:"queue_id"`
	CreatedAt      string          `json:"created_at"`
	Status         string          `json:"status"`
	Routing        ReviewRouting   `json:"routing"`
	IdentityStatus string          `json:"identity_status"`
	PrimaryIntent  string          `json:"primary_intent"`
	ArtifactRefs   []artifacts.Ref `json:"artifact_refs"`
	DraftRefs      []artifacts.Ref `json:"draft_refs"`
}

// NeedsReview decides whether a routing decision must produce a review
// item: review queues, fail-closed outcomes, blocked case creation, and
// any decision that carries a draft for approval.
func NeedsReview(decision *artifacts.RoutingDecision) bool {
	if strings.Contains(decision.QueueID, "REVIEW") {
		return true
	}
	if decision.FailClosed {
		return true
	}
	for _, a := range decision.Actions {
		switch a {
		case artifacts.ActionBlockCaseCreate, artifacts.ActionAddRequestInfoDraft, artifacts.ActionAddReplyDraft:
			return true
		}
	}
	return false
}

// BuildParams names the artifact files a review item is assembled from.
// ExtractionPath, DraftsDir, and AttachmentsDir are optional.
type BuildParams struct {
	NormalizedMessagePath string
	IdentityPath          string
	ClassificationPath    string
	RoutingPath           string
	ExtractionPath        string
	DraftsDir             string
	AttachmentsDir        string
	CreatedAt             string
}

func refFromArtifactBytes(uri string, data []byte) (artifacts.Ref, error) {
	var probe struct {
		SchemaID string `json:"schema_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return artifacts.Ref{}, fmt.Errorf("artifact %s: %w", uri, err)
	}
	if probe.SchemaID == "" {
		return artifacts.Ref{}, fmt.Errorf("artifact missing schema_id: %s", uri)
	}
	return artifacts.Ref{SchemaID: probe.SchemaID, URI: uri, SHA256: canonicalize.HashBytes(data)}, nil
}

// BuildReviewItem reads the stage artifacts for one message and assembles
// the review item. The item id is derived from the routing bytes, so
// re-materializing an unchanged decision yields the same id.
func BuildReviewItem(p BuildParams) (*ReviewItem, error) {
	nmBytes, err := os.ReadFile(p.NormalizedMessagePath)
	if err != nil {
		return nil, err
	}
	var nm artifacts.NormalizedMessage
	if err := json.Unmarshal(nmBytes, &nm); err != nil {
		return nil, fmt.Errorf("decode normalized message: %w", err)
	}

	identityBytes, err := os.ReadFile(p.IdentityPath)
	if err != nil {
		return nil, err
	}
	clsBytes, err := os.ReadFile(p.ClassificationPath)
	if err != nil {
		return nil, err
	}
	routingBytes, err := os.ReadFile(p.RoutingPath)
	if err != nil {
		return nil, err
	}

	var identity artifacts.IdentityResolutionResult
	if err := json.Unmarshal(identityBytes, &identity); err != nil {
		return nil, fmt.Errorf("decode identity result: %w", err)
	}
	var cls artifacts.ClassificationResult
	if err := json.Unmarshal(clsBytes, &cls); err != nil {
		return nil, fmt.Errorf("decode classification result: %w", err)
	}
	var routing artifacts.RoutingDecision
	if err := json.Unmarshal(routingBytes, &routing); err != nil {
		return nil, fmt.Errorf("decode routing decision: %w", err)
	}

	routingSHA := canonicalize.HashBytes(routingBytes)
	itemID := canonicalize.UUID5("review:" + nm.MessageID + ":" + nm.RunID + ":" + routing.QueueID + ":" + routingSHA)

	createdAt := p.CreatedAt
	if createdAt == "" {
		createdAt = nm.IngestedAt
	}

	refs := make([]artifacts.Ref, 0, 8)
	for _, src := range []struct {
		path string
		data []byte
	}{
		{p.NormalizedMessagePath, nmBytes},
		{p.IdentityPath, identityBytes},
		{p.ClassificationPath, clsBytes},
		{p.RoutingPath, routingBytes},
	} {
		ref, err := refFromArtifactBytes(filepath.Base(src.path), src.data)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	if p.ExtractionPath != "" {
		if extBytes, err := os.ReadFile(p.ExtractionPath); err == nil {
			ref, err := refFromArtifactBytes(filepath.Base(p.ExtractionPath), extBytes)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}

	if nm.RawMIMEURI != "" && nm.RawMIMESHA256 != "" {
		refs = append(refs, artifacts.Ref{SchemaID: schema.RefRawMIME, URI: nm.RawMIMEURI, SHA256: nm.RawMIMESHA256})
	}

	if p.AttachmentsDir != "" {
		for _, attID := range nm.AttachmentIDs {
			attPath := filepath.Join(p.AttachmentsDir, attID+".artifact.json")
			attBytes, err := os.ReadFile(attPath)
			if err != nil {
				continue
			}
			ref, err := refFromArtifactBytes(filepath.Base(attPath), attBytes)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}

	draftRefs := []artifacts.Ref{}
	if p.DraftsDir != "" {
		for _, d := range []struct {
			suffix   string
			schemaID string
		}{
			{"request_info.md", schema.RefDraftRequestInfo},
			{"reply.md", schema.RefDraftReply},
		} {
			path := filepath.Join(p.DraftsDir, nm.MessageID+"."+d.suffix)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			draftRefs = append(draftRefs, artifacts.Ref{SchemaID: d.schemaID, URI: filepath.Base(path), SHA256: canonicalize.HashBytes(data)})
		}
	}

	reason := routing.FailClosedReason
	return &ReviewItem{
		ReviewItemID: itemID,
		MessageID:    nm.MessageID,
		RunID:        nm.RunID,
		QueueID:      routing.QueueID,
		CreatedAt:    createdAt,
		Status:       StatusOpen,
		Routing: ReviewRouting{
			RuleID:           routing.RuleID,
			RuleVersion:      routing.RuleVersion,
			FailClosed:       routing.FailClosed,
			FailClosedReason: reason,
		},
		IdentityStatus: identity.Status,
		PrimaryIntent:  cls.PrimaryIntent.Label,
		ArtifactRefs:   refs,
		DraftRefs:      draftRefs,
	}, nil
}

// FileReviewStore persists review items under
// <base>/review_items/<queue_id>/<review_item_id>.review.json.
type FileReviewStore struct {
	BaseDir string
}

func (s *FileReviewStore) pathFor(queueID, reviewItemID string) string {
	return filepath.Join(s.BaseDir, "review_items", queueID, reviewItemID+".review.json")
}

// Write persists a review item. An existing file is left untouched and
// its path returned: re-materializing a queue is a no-op.
func (s *FileReviewStore) Write(item *ReviewItem) (string, error) {
	if item.QueueID == "" || item.ReviewItemID == "" {
		return "", fmt.Errorf("review item missing queue_id/review_item_id")
	}
	path := s.pathFor(item.QueueID, item.ReviewItemID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	data, err := canonicalize.EncodeArtifact(item)
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

// ListQueues returns the queue ids that hold at least one review item.
func (s *FileReviewStore) ListQueues() ([]string, error) {
	root := filepath.Join(s.BaseDir, "review_items")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	queues := []string{}
	for _, e := range entries {
		if e.IsDir() {
			queues = append(queues, e.Name())
		}
	}
	sort.Strings(queues)
	return queues, nil
}

// ListQueue returns the review items in one queue, ordered by item id.
func (s *FileReviewStore) ListQueue(queueID string) ([]*ReviewItem, error) {
	qdir := filepath.Join(s.BaseDir, "review_items", queueID)
	matches, err := filepath.Glob(filepath.Join(qdir, "*.review.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	items := make([]*ReviewItem, 0, len(matches))
	for _, p := range matches {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var item ReviewItem
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("decode review item %s: %w", p, err)
		}
		items = append(items, &item)
	}
	return items, nil
}

// FindPath locates a review item file by id across all queues. Empty
// string means not found.
func (s *FileReviewStore) FindPath(reviewItemID string) (string, error) {
	root := filepath.Join(s.BaseDir, "review_items")
	want := reviewItemID + ".review.json"
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() && filepath.Base(path) == want {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return found, nil
}

// Find loads a review item by id together with the raw bytes backing it.
// The bytes are what ETags are computed over.
func (s *FileReviewStore) Find(reviewItemID string) (*ReviewItem, []byte, error) {
	path, err := s.FindPath(reviewItemID)
	if err != nil {
		return nil, nil, err
	}
	if path == "" {
		return nil, nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var item ReviewItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, nil, fmt.Errorf("decode review item %s: %w", path, err)
	}
	return &item, data, nil
}
