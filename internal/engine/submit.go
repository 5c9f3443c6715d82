package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"opsline/internal/domain"
	"opsline/internal/events"
)

// Submit outcome statuses. Business outcomes are return values, never errors.
const (
	SubmitRejected     = "rejected"
	SubmitPending      = "pending"
	SubmitAutoApproved = "auto_approved"
)

// StepSpec describes one ordered action of a proposed mission.
type StepSpec struct {
	Kind        string
	Title       string
	Description string
	InputJSON   string
}

type SubmitOptions struct {
	AgentID     string
	Title       string
	Description string
	Priority    string
	Source      string
	Tags        []string
	Steps       []StepSpec
}

type SubmitResult struct {
	Status   string
	Reason   string
	Proposal domain.Proposal
	Mission  *domain.Mission
	Steps    []domain.Step
}

// quotaMeter binds a capacity-limited step kind to its policy key, default
// limit, deliverable counter and rejection label. Kinds not listed here
// are unmetered.
type quotaMeter struct {
	policyKey    string
	defaultLimit int
	label        string
}

var quotaMeters = map[string]quotaMeter{
	"draft_tweet":   {policyKey: "x_daily_quota", defaultLimit: 5, label: "Tweet"},
	"post_tweet":    {policyKey: "x_daily_quota", defaultLimit: 5, label: "Tweet"},
	"draft_content": {policyKey: "content_daily_quota", defaultLimit: 3, label: "Content"},
}

func (e Engine) countDeliverablesToday(ctx context.Context, meter quotaMeter) (int, error) {
	cutoff := e.dayStartUTC()
	switch meter.label {
	case "Tweet":
		return e.Repo.CountTweetDraftsSince(ctx, cutoff)
	case "Content":
		return e.Repo.CountContentDraftsSince(ctx, cutoff)
	default:
		return 0, fmt.Errorf("unmetered deliverable %q", meter.label)
	}
}

// checkQuotas returns a rejection reason for the first exhausted quota,
// in step encounter order. An empty reason means all checks passed.
func (e Engine) checkQuotas(ctx context.Context, steps []StepSpec) (string, error) {
	checked := map[string]bool{}
	for _, s := range steps {
		meter, metered := quotaMeters[s.Kind]
		if !metered || checked[meter.policyKey] {
			continue
		}
		checked[meter.policyKey] = true
		limit, err := e.Policies.DailyQuota(ctx, meter.policyKey, meter.defaultLimit)
		if err != nil {
			return "", err
		}
		n, err := e.countDeliverablesToday(ctx, meter)
		if err != nil {
			return "", err
		}
		if n >= limit {
			return fmt.Sprintf("%s daily quota reached (%d)", meter.label, limit), nil
		}
	}
	return "", nil
}

// Submit is the single admission path from proposal to mission. It
// returns one of rejected, pending or auto_approved.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	if opts.AgentID == "" {
		return SubmitResult{}, errors.New("agent_id is required")
	}
	if opts.Title == "" {
		return SubmitResult{}, errors.New("title is required")
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	if opts.Source == "" {
		opts.Source = "api"
	}

	var reason string
	if len(opts.Steps) > 0 {
		var err error
		reason, err = e.checkQuotas(ctx, opts.Steps)
		if err != nil {
			return SubmitResult{}, err
		}
	}

	now := e.nowRFC3339()
	p := domain.Proposal{
		ID:          uuid.New().String(),
		AgentID:     opts.AgentID,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Source:      opts.Source,
		Tags:        opts.Tags,
		Status:      "pending",
		CreatedAt:   now,
	}

	if reason != "" {
		p.Status = "rejected"
		p.RejectionReason = &reason
		p.DecidedAt = &now
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return SubmitResult{}, err
		}
		defer tx.Rollback()
		if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
			return SubmitResult{}, err
		}
		if err := e.Events.Append(ctx, tx, p.AgentID, "quota_rejected", "Proposal rejected: "+p.Title, reason,
			events.Metadata{"proposal_id": p.ID}, []string{"quota", "rejected"}); err != nil {
			return SubmitResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Status: SubmitRejected, Reason: reason, Proposal: p}, nil
	}

	approve := false
	if len(opts.Steps) > 0 {
		policy, err := e.Policies.AutoApprove(ctx)
		if err != nil {
			return SubmitResult{}, err
		}
		if policy.Enabled {
			approve = true
			for _, s := range opts.Steps {
				if !policy.allows(s.Kind) {
					approve = false
					break
				}
			}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()

	if !approve {
		if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
			return SubmitResult{}, err
		}
		if err := e.Events.Append(ctx, tx, p.AgentID, "proposal_pending", "Proposal awaiting approval: "+p.Title, p.Description,
			events.Metadata{"proposal_id": p.ID}, []string{"proposal", "pending"}); err != nil {
			return SubmitResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Status: SubmitPending, Proposal: p}, nil
	}

	p.Status = "accepted"
	p.DecidedAt = &now
	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return SubmitResult{}, err
	}
	m, steps, err := e.insertMissionTx(ctx, tx, &p.ID, p.AgentID, p.Title, p.Description, p.Priority, p.Tags, opts.Steps, now)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.Events.Append(ctx, tx, p.AgentID, "mission_auto_approved", "Mission auto-approved: "+p.Title, p.Description,
		events.Metadata{"proposal_id": p.ID, "mission_id": m.ID, "steps": len(steps)}, []string{"mission", "auto_approved"}); err != nil {
		return SubmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Status: SubmitAutoApproved, Proposal: p, Mission: &m, Steps: steps}, nil
}
