package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"opsline/internal/domain"
	"opsline/internal/events"
)

// ErrAlreadyDecided is returned when a decision targets an approval that
// already left the pending state.
var ErrAlreadyDecided = errors.New("approval already decided")

type ApprovalCreateOptions struct {
	Title            string
	Summary          string
	DeliverableType  string
	DeliverableTable string
	DeliverableID    string
	Priority         string
}

// CreateApproval queues a deliverable for human review.
func (e Engine) CreateApproval(ctx context.Context, opts ApprovalCreateOptions) (domain.Approval, error) {
	if opts.Title == "" {
		return domain.Approval{}, errors.New("title is required")
	}
	if opts.DeliverableTable == "" || opts.DeliverableID == "" {
		return domain.Approval{}, errors.New("deliverable reference is required")
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	a := domain.Approval{
		ID:               uuid.New().String(),
		Title:            opts.Title,
		Summary:          opts.Summary,
		DeliverableType:  opts.DeliverableType,
		DeliverableTable: opts.DeliverableTable,
		DeliverableID:    opts.DeliverableID,
		Status:           "pending",
		Priority:         opts.Priority,
		CreatedAt:        e.nowRFC3339(),
	}
	if err := e.Repo.InsertApproval(ctx, a); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// Decide records a human decision on a pending approval and propagates
// the status onto the underlying deliverable.
func (e Engine) Decide(ctx context.Context, approvalID, action string, notes *string) (domain.Approval, error) {
	var status, eventType string
	switch action {
	case "approve":
		status, eventType = "approved", "human_approved"
	case "reject":
		status, eventType = "rejected", "human_rejected"
	default:
		return domain.Approval{}, fmt.Errorf("invalid action %q", action)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetApprovalTx(ctx, tx, approvalID)
	if err != nil {
		return domain.Approval{}, err
	}
	now := e.nowRFC3339()
	decided, err := e.Repo.DecideApprovalTx(ctx, tx, approvalID, status, notes, now)
	if err != nil {
		return domain.Approval{}, err
	}
	if !decided {
		return domain.Approval{}, ErrAlreadyDecided
	}
	if err := e.Repo.UpdateDeliverableStatusTx(ctx, tx, a.DeliverableTable, a.DeliverableID, status); err != nil {
		return domain.Approval{}, err
	}
	if err := e.Events.Append(ctx, tx, "operator", eventType, fmt.Sprintf("%s: %s", capitalize(status), a.Title), "",
		events.Metadata{"approval_id": a.ID, "deliverable_table": a.DeliverableTable, "deliverable_id": a.DeliverableID},
		[]string{"approval", "human"}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	a.Status = status
	a.Notes = notes
	a.DecidedAt = &now
	return a, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
