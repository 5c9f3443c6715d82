package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/repo"
)

var (
	// ErrStepNotClaimable is returned when a claim races another worker
	// or targets a step that already left the queued state.
	ErrStepNotClaimable = errors.New("step is not queued")
	// ErrStepNotRunning is returned when a report targets a step that is
	// not currently running.
	ErrStepNotRunning = errors.New("step is not running")
)

func (e Engine) insertMissionTx(ctx context.Context, tx *sql.Tx, proposalID *string, agentID, title, description, priority string, tags []string, specs []StepSpec, now string) (domain.Mission, []domain.Step, error) {
	m := domain.Mission{
		ID:          uuid.New().String(),
		ProposalID:  proposalID,
		AgentID:     agentID,
		Title:       title,
		Description: description,
		Status:      "queued",
		Priority:    priority,
		Tags:        tags,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return m, nil, err
	}
	steps := make([]domain.Step, 0, len(specs))
	for i, spec := range specs {
		s := domain.Step{
			ID:          uuid.New().String(),
			MissionID:   m.ID,
			AgentID:     agentID,
			StepOrder:   i + 1,
			Kind:        spec.Kind,
			Title:       spec.Title,
			Description: spec.Description,
			InputJSON:   optionalString(spec.InputJSON),
			Status:      "queued",
			CreatedAt:   now,
		}
		if err := e.Repo.InsertStepTx(ctx, tx, s); err != nil {
			return m, nil, err
		}
		steps = append(steps, s)
	}
	return m, steps, nil
}

type MissionCreateOptions struct {
	AgentID     string
	Title       string
	Description string
	Priority    string
	Tags        []string
	Steps       []StepSpec
}

// CreateMission is the direct-assignment path. It bypasses quota and
// auto-approve checks and must only be reachable from surfaces that are
// already human-authorized.
func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, []domain.Step, error) {
	if opts.AgentID == "" {
		return domain.Mission{}, nil, errors.New("agent_id is required")
	}
	if opts.Title == "" {
		return domain.Mission{}, nil, errors.New("title is required")
	}
	if len(opts.Steps) == 0 {
		return domain.Mission{}, nil, errors.New("at least one step is required")
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	now := e.nowRFC3339()
	p := domain.Proposal{
		ID:          uuid.New().String(),
		AgentID:     opts.AgentID,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Source:      "api",
		Tags:        opts.Tags,
		Status:      "accepted",
		CreatedAt:   now,
		DecidedAt:   &now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return domain.Mission{}, nil, err
	}
	m, steps, err := e.insertMissionTx(ctx, tx, &p.ID, p.AgentID, p.Title, p.Description, p.Priority, p.Tags, opts.Steps, now)
	if err != nil {
		return domain.Mission{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, p.AgentID, "mission_assigned", "Mission assigned: "+p.Title, p.Description,
		events.Metadata{"mission_id": m.ID, "steps": len(steps)}, []string{"mission", "assigned"}); err != nil {
		return domain.Mission{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, nil, err
	}
	return m, steps, nil
}

// ClaimStep reserves a queued step for a worker. The conditional update
// in the store makes concurrent claims safe.
func (e Engine) ClaimStep(ctx context.Context, stepID string) (domain.Step, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	claimed, err := e.Repo.ClaimStepTx(ctx, tx, stepID, now)
	if err != nil {
		return domain.Step{}, err
	}
	if !claimed {
		if _, err := e.Repo.GetStepTx(ctx, tx, stepID); errors.Is(err, repo.ErrNotFound) {
			return domain.Step{}, repo.ErrNotFound
		}
		return domain.Step{}, ErrStepNotClaimable
	}
	s, err := e.Repo.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return domain.Step{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, s.MissionID)
	if err != nil {
		return domain.Step{}, err
	}
	if m.Status == "queued" {
		if err := e.Repo.UpdateMissionStatusTx(ctx, tx, m.ID, "running", nil); err != nil {
			return domain.Step{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, err
	}
	return s, nil
}

// ReportStep records a worker-reported terminal status and finalizes the
// mission when no open steps remain.
func (e Engine) ReportStep(ctx context.Context, stepID, status string, errDetail *string) (domain.Step, error) {
	if status != "succeeded" && status != "failed" {
		return domain.Step{}, fmt.Errorf("invalid step status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	done, err := e.Repo.FinishStepTx(ctx, tx, stepID, status, errDetail, now)
	if err != nil {
		return domain.Step{}, err
	}
	if !done {
		if _, err := e.Repo.GetStepTx(ctx, tx, stepID); errors.Is(err, repo.ErrNotFound) {
			return domain.Step{}, repo.ErrNotFound
		}
		return domain.Step{}, ErrStepNotRunning
	}
	s, err := e.Repo.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return domain.Step{}, err
	}
	if err := e.finalizeMissionTx(ctx, tx, s.MissionID, now); err != nil {
		return domain.Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, err
	}
	return s, nil
}

// finalizeMissionTx moves a mission to its terminal state once every step
// is terminal: failed if any step failed, succeeded otherwise.
func (e Engine) finalizeMissionTx(ctx context.Context, tx *sql.Tx, missionID, now string) error {
	open, err := e.Repo.CountOpenSteps(ctx, tx, missionID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return err
	}
	if m.CompletedAt != nil {
		return nil
	}
	failed, err := e.Repo.CountFailedSteps(ctx, tx, missionID)
	if err != nil {
		return err
	}
	status := "succeeded"
	if failed > 0 {
		status = "failed"
	}
	if err := e.Repo.UpdateMissionStatusTx(ctx, tx, missionID, status, &now); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, m.AgentID, "mission_completed", "Mission completed: "+m.Title, "",
		events.Metadata{"mission_id": m.ID, "status": status}, []string{"mission", status})
}
