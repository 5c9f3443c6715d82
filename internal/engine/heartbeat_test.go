package engine_test

import (
	"testing"
	"time"

	"opsline/internal/engine"
)

func TestHeartbeatRunsAllSubTicks(t *testing.T) {
	env := newTestEnv(t)

	// One queued reaction and one stale running step; no trigger rules.
	if _, err := env.Engine.EnqueueReaction(env.Ctx, "review_tweet", "reviewer", "{}"); err != nil {
		t.Fatal(err)
	}
	_, steps, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		AgentID: "growth",
		Title:   "Stuck",
		Steps:   []engine.StepSpec{{Kind: "crawl", Title: "crawl"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimStep(env.Ctx, steps[0].ID); err != nil {
		t.Fatal(err)
	}

	env.SetNow(baseNow.Add(time.Hour))
	res, err := env.Engine.Heartbeat(env.Ctx)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if res.TriggersFired != 0 {
		t.Fatalf("expected 0 triggers, got %d", res.TriggersFired)
	}
	if res.ReactionsProcessed != 1 {
		t.Fatalf("expected 1 reaction, got %d", res.ReactionsProcessed)
	}
	if res.StaleRecovered != 1 {
		t.Fatalf("expected 1 stale step, got %d", res.StaleRecovered)
	}
	if res.Timestamp != baseNow.Add(time.Hour).Format(time.RFC3339) {
		t.Fatalf("unexpected timestamp %s", res.Timestamp)
	}
	if n := env.countEvents(t, "heartbeat"); n != 1 {
		t.Fatalf("expected 1 heartbeat event, got %d", n)
	}
}

func TestHeartbeatEmptyTick(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Heartbeat(env.Ctx)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if res.TriggersFired != 0 || res.ReactionsProcessed != 0 || res.StaleRecovered != 0 {
		t.Fatalf("expected empty tick, got %+v", res)
	}
	if n := env.countEvents(t, "heartbeat"); n != 1 {
		t.Fatalf("empty ticks still record a heartbeat event, got %d", n)
	}
}
