package engine

import (
	"context"
	"fmt"
	"time"

	"opsline/internal/events"
)

// RecoverStaleSteps force-fails steps stuck in running past the timeout
// and finalizes their missions when no open steps remain. Re-running is
// a no-op because only running steps are selected.
func (e Engine) RecoverStaleSteps(ctx context.Context) (int, error) {
	timeout := e.Config.Orchestration.StepTimeoutMinutes
	if timeout <= 0 {
		timeout = 30
	}
	now := e.now().UTC()
	cutoff := now.Add(-time.Duration(timeout) * time.Minute).Format(time.RFC3339)
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stale, err := e.Repo.ListStaleRunningSteps(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}
	reason := fmt.Sprintf("Step timed out after %d minutes", timeout)
	recovered := 0
	for _, s := range stale {
		if _, err := e.Repo.FinishStepTx(ctx, tx, s.ID, "failed", &reason, nowStr); err != nil {
			return 0, err
		}
		if err := e.finalizeMissionTx(ctx, tx, s.MissionID, nowStr); err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, s.AgentID, "stale_recovery", "Recovered stale step: "+s.Title, reason,
			events.Metadata{"step_id": s.ID, "mission_id": s.MissionID}, []string{"recovery", "timeout"}); err != nil {
			return 0, err
		}
		recovered++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return recovered, nil
}
