package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shinrai-ai/shinrai/internal/model"
)

// DigestStore is the narrow store surface the digest agent needs: read
// recent run statistics, and queue its summary for human review. Approval
// items are created here, by agent business logic, never by the envelope.
type DigestStore interface {
	CountRunsByStatus(ctx context.Context, since time.Time) (map[model.RunStatus]int, error)
	InsertApprovalItem(ctx context.Context, item model.ApprovalQueueItem) error
}

// reviewConfidenceFloor is the confidence below which a digest is routed
// through the human approval queue instead of publishing autonomously.
const reviewConfidenceFloor = 0.7

// Digest summarizes recent run activity into a transparency update draft.
// When the failure rate pushes its confidence below the review floor, it
// flags the draft for human approval rather than publishing it.
type Digest struct {
	store  DigestStore
	logger *slog.Logger
	window time.Duration
}

// NewDigest creates the transparency digest agent. window bounds how far
// back run statistics are gathered; zero defaults to 24h.
func NewDigest(store DigestStore, logger *slog.Logger, window time.Duration) *Digest {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Digest{store: store, logger: logger, window: window}
}

// Execute implements Agent.
func (d *Digest) Execute(ctx context.Context, input model.AgentInput) (model.AgentOutput, error) {
	since := time.Now().UTC().Add(-d.window)
	counts, err := d.store.CountRunsByStatus(ctx, since)
	if err != nil {
		return model.AgentOutput{}, fmt.Errorf("digest: count runs: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	failed := counts[model.RunStatusError]

	confidence := 1.0
	if total > 0 {
		confidence = 1.0 - float64(failed)/float64(total)
	}
	reasoning := fmt.Sprintf("summarized %d runs over %s: %d succeeded, %d partial, %d failed",
		total, d.window, counts[model.RunStatusSuccess], counts[model.RunStatusPartial], failed)

	out := model.AgentOutput{
		Success:    true,
		Confidence: &confidence,
		Reasoning:  &reasoning,
		Data: map[string]any{
			"items_processed": total,
			"window_hours":    d.window.Hours(),
			"failed_runs":     failed,
		},
	}

	if confidence < reviewConfidenceFloor {
		out.RequiresReview = true
		priority := model.PriorityMedium
		if confidence < 0.5 {
			priority = model.PriorityHigh
		}
		item := model.ApprovalQueueItem{
			ID:       uuid.New(),
			ItemType: "transparency_digest",
			ItemID:   fmt.Sprint(input.Context[model.RunIDKey]),
			Recommendation: map[string]any{
				"summary":    reasoning,
				"confidence": confidence,
			},
			Priority:  priority,
			Status:    model.ApprovalPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := d.store.InsertApprovalItem(ctx, item); err != nil {
			return model.AgentOutput{}, fmt.Errorf("digest: queue for review: %w", err)
		}
		d.logger.Info("digest queued for human review",
			"item_id", item.ID, "confidence", confidence, "priority", string(priority))
	}

	return out, nil
}
