package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/ieim/pkg/artifacts"
	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/hitl"
	"github.com/Mindburn-Labs/ieim/pkg/schema"
)

// ReviewRunner materializes review items for every routed message whose
// decision requires human attention.
type ReviewRunner struct {
	Artifacts *artifacts.Dir
	Store     *hitl.FileReviewStore
	Observer  Observer
}

// Run materializes review items for all messages that need one and
// returns the items produced in this pass.
func (r *ReviewRunner) Run(ctx context.Context) ([]*hitl.ReviewItem, error) {
	paths, err := r.Artifacts.ListNormalized()
	if err != nil {
		return nil, err
	}

	var produced []*hitl.ReviewItem
	for _, nmPath := range paths {
		var nm artifacts.NormalizedMessage
		if err := r.Artifacts.ReadArtifact(nmPath, &nm); err != nil {
			return produced, err
		}

		routingPath := r.Artifacts.RoutingPath(nm.MessageID)
		routingBytes, err := r.Artifacts.ReadArtifactBytes(routingPath)
		if err != nil {
			return produced, err
		}
		var routing artifacts.RoutingDecision
		if err := r.Artifacts.ReadArtifact(routingPath, &routing); err != nil {
			return produced, err
		}
		if !hitl.NeedsReview(&routing) {
			continue
		}

		t0 := time.Now()
		item, err := hitl.BuildReviewItem(hitl.BuildParams{
			NormalizedMessagePath: nmPath,
			IdentityPath:          r.Artifacts.IdentityPath(nm.MessageID),
			ClassificationPath:    r.Artifacts.ClassificationPath(nm.MessageID),
			RoutingPath:           routingPath,
			ExtractionPath:        r.Artifacts.ExtractionPath(nm.MessageID),
			DraftsDir:             filepath.Join(r.Artifacts.Base(), "drafts"),
			AttachmentsDir:        filepath.Join(r.Artifacts.Base(), "attachments"),
			CreatedAt:             nm.IngestedAt,
		})
		if err != nil {
			return produced, err
		}
		itemPath, err := r.Store.Write(item)
		if err != nil {
			return produced, err
		}
		itemBytes, err := os.ReadFile(itemPath)
		if err != nil {
			return produced, err
		}
		duration := time.Since(t0)

		if r.Observer.Metrics != nil {
			r.Observer.Metrics.IncHITL(1)
		}
		createdAt, err := parseArtifactTime(nm.IngestedAt)
		if err != nil {
			return produced, err
		}
		r.Observer.StageComplete(ctx, StageHITL, nm.MessageID, nm.RunID, createdAt, duration, "OK",
			map[string]any{"queue_id": item.QueueID, "review_item_id": item.ReviewItemID})

		if err := r.Observer.Audited(audit.Params{
			MessageID: nm.MessageID, RunID: nm.RunID, Stage: StageHITL,
			ActorType: audit.ActorSystem, CreatedAt: createdAt,
			InputRef:  refOf(routing.SchemaID, routingPath, routingBytes),
			OutputRef: refOf(schema.RefReviewItem, itemPath, itemBytes),
		}); err != nil {
			return produced, err
		}

		produced = append(produced, item)
	}
	return produced, nil
}
