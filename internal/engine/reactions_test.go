package engine_test

import (
	"testing"

	"opsline/internal/repo"
)

func TestProcessReviewTweetReaction(t *testing.T) {
	env := newTestEnv(t)
	rc, err := env.Engine.EnqueueReaction(env.Ctx, "review_tweet", "reviewer", `{"tweet_id":"tw-1"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if rc.Status != "queued" {
		t.Fatalf("expected queued reaction, got %s", rc.Status)
	}

	processed, err := env.Engine.ProcessReactions(env.Ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}

	done, err := env.Engine.Repo.ListReactions(env.Ctx, "done", 0)
	if err != nil || len(done) != 1 {
		t.Fatalf("expected one done reaction: %v %d", err, len(done))
	}
	if done[0].ProcessedAt == nil {
		t.Fatalf("processed_at not set")
	}

	props, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{AgentID: "reviewer"})
	if err != nil || len(props) != 1 {
		t.Fatalf("expected one proposal: %v %d", err, len(props))
	}
	p := props[0]
	if p.Source != "reaction" || p.Title != "[Reaction] review_tweet" || p.Priority != "medium" {
		t.Fatalf("unexpected proposal: %+v", p)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "review" || p.Tags[1] != "tweet" {
		t.Fatalf("unexpected tags: %v", p.Tags)
	}
}

func TestProcessUnknownReactionType(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnqueueReaction(env.Ctx, "teleport", "growth", "{}"); err != nil {
		t.Fatal(err)
	}
	processed, err := env.Engine.ProcessReactions(env.Ctx)
	if err != nil || processed != 1 {
		t.Fatalf("process: %v %d", err, processed)
	}
	done, _ := env.Engine.Repo.ListReactions(env.Ctx, "done", 0)
	if len(done) != 1 {
		t.Fatalf("unknown type should still finish done")
	}
	props, _ := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{})
	if len(props) != 0 {
		t.Fatalf("unknown type must not create proposals")
	}
}

func TestProcessBadPayloadFails(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnqueueReaction(env.Ctx, "diagnose", "operator", `{"broken`); err != nil {
		t.Fatal(err)
	}
	processed, err := env.Engine.ProcessReactions(env.Ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed != 1 {
		t.Fatalf("failed reaction still counts as processed, got %d", processed)
	}
	failed, _ := env.Engine.Repo.ListReactions(env.Ctx, "failed", 0)
	if len(failed) != 1 {
		t.Fatalf("expected the reaction marked failed")
	}
}

func TestProcessReactionsBatchLimit(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Orchestration.ReactionBatchSize = 2
	for _, id := range []string{"a", "b", "c"} {
		if _, err := env.Engine.EnqueueReaction(env.Ctx, "analyze_engagement", "growth", `{"id":"`+id+`"}`); err != nil {
			t.Fatal(err)
		}
	}
	processed, err := env.Engine.ProcessReactions(env.Ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected batch of 2, got %d", processed)
	}
	queued, _ := env.Engine.Repo.ListReactions(env.Ctx, "queued", 0)
	if len(queued) != 1 {
		t.Fatalf("expected 1 reaction left queued, got %d", len(queued))
	}
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnqueueReaction(env.Ctx, "", "growth", "{}"); err == nil {
		t.Fatalf("expected reaction_type error")
	}
	if _, err := env.Engine.EnqueueReaction(env.Ctx, "diagnose", "", "{}"); err == nil {
		t.Fatalf("expected target_agent_id error")
	}
}
