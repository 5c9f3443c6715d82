package engine

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"opsline/internal/events"
)

type HeartbeatResult struct {
	Timestamp          string `json:"timestamp"`
	TriggersFired      int    `json:"triggers_fired"`
	ReactionsProcessed int    `json:"reactions_processed"`
	StaleRecovered     int    `json:"stale_recovered"`
}

// Heartbeat runs trigger evaluation, reaction processing and stale-step
// recovery concurrently and records one summary event. If any sub-tick
// fails the whole heartbeat fails and no event is written.
func (e Engine) Heartbeat(ctx context.Context) (HeartbeatResult, error) {
	var triggers, reactions, stale int

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		n, err := e.EvaluateTriggers(ctx)
		triggers = n
		return err
	})
	p.Go(func(ctx context.Context) error {
		n, err := e.ProcessReactions(ctx)
		reactions = n
		return err
	})
	p.Go(func(ctx context.Context) error {
		n, err := e.RecoverStaleSteps(ctx)
		stale = n
		return err
	})
	if err := p.Wait(); err != nil {
		return HeartbeatResult{}, err
	}

	res := HeartbeatResult{
		Timestamp:          e.nowRFC3339(),
		TriggersFired:      triggers,
		ReactionsProcessed: reactions,
		StaleRecovered:     stale,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return HeartbeatResult{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "system", "heartbeat", "Heartbeat", "",
		events.Metadata{
			"triggers_fired":      res.TriggersFired,
			"reactions_processed": res.ReactionsProcessed,
			"stale_recovered":     res.StaleRecovered,
		}, []string{"heartbeat"}); err != nil {
		return HeartbeatResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return HeartbeatResult{}, err
	}
	return res, nil
}
