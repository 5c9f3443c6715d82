package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"opsline/internal/domain"
)

// reactionShape maps a reaction type to the proposal it produces.
type reactionShape struct {
	stepKind string
	priority string
	tags     []string
}

var reactionShapes = map[string]reactionShape{
	"review_content":           {stepKind: "review", priority: "high", tags: []string{"review", "content"}},
	"review_tweet":             {stepKind: "review", priority: "medium", tags: []string{"review", "tweet"}},
	"review_code":              {stepKind: "review", priority: "high", tags: []string{"review", "code"}},
	"queue_for_human_approval": {stepKind: "queue_approval", priority: "high", tags: []string{"approval", "human"}},
	"diagnose":                 {stepKind: "analyze", priority: "high", tags: []string{"diagnose", "failure"}},
	"urgent_review":            {stepKind: "analyze", priority: "critical", tags: []string{"hmrc", "critical", "urgent"}},
	"analyze_engagement":       {stepKind: "analyze", priority: "low", tags: []string{"analysis", "engagement"}},
}

// EnqueueReaction queues a side-effect request for the next processor tick.
func (e Engine) EnqueueReaction(ctx context.Context, reactionType, targetAgentID, payloadJSON string) (domain.Reaction, error) {
	if reactionType == "" {
		return domain.Reaction{}, fmt.Errorf("reaction_type is required")
	}
	if targetAgentID == "" {
		return domain.Reaction{}, fmt.Errorf("target_agent_id is required")
	}
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	rc := domain.Reaction{
		ID:            uuid.New().String(),
		ReactionType:  reactionType,
		TargetAgentID: targetAgentID,
		PayloadJSON:   payloadJSON,
		Status:        "queued",
		CreatedAt:     e.nowRFC3339(),
	}
	if err := e.Repo.InsertReaction(ctx, rc); err != nil {
		return domain.Reaction{}, err
	}
	return rc, nil
}

func (e Engine) processReaction(ctx context.Context, rc domain.Reaction) error {
	shape, known := reactionShapes[rc.ReactionType]
	if !known {
		// Unknown types produce no proposal and still count as done.
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(rc.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("reaction payload: %w", err)
	}
	_, err := e.Submit(ctx, SubmitOptions{
		AgentID:  rc.TargetAgentID,
		Title:    fmt.Sprintf("[Reaction] %s", rc.ReactionType),
		Priority: shape.priority,
		Source:   "reaction",
		Tags:     shape.tags,
		Steps: []StepSpec{{
			Kind:      shape.stepKind,
			Title:     rc.ReactionType,
			InputJSON: rc.PayloadJSON,
		}},
	})
	return err
}

// ProcessReactions drains up to one batch of queued reactions, oldest
// first, and returns the count that reached done or failed. Failures are
// trapped per reaction; a bad payload or failed submit marks that one
// reaction failed and processing continues.
func (e Engine) ProcessReactions(ctx context.Context) (int, error) {
	batch := e.Config.Orchestration.ReactionBatchSize
	if batch <= 0 {
		batch = 10
	}
	queued, err := e.Repo.ListQueuedReactions(ctx, batch)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, rc := range queued {
		if err := e.Repo.MarkReactionProcessing(ctx, rc.ID); err != nil {
			return processed, err
		}
		status := "done"
		if err := e.processReaction(ctx, rc); err != nil {
			log.Printf("reaction %s (%s): %v", rc.ID, rc.ReactionType, err)
			status = "failed"
		}
		if err := e.Repo.FinishReaction(ctx, rc.ID, status, e.nowRFC3339()); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}
