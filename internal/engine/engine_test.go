package engine_test

import (
	"context"
	"testing"
	"time"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
)

// baseNow is a Monday at noon UTC so scheduled_weekly rules are testable.
var baseNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func (env *testEnv) SetNow(t time.Time) {
	env.Engine.Now = func() time.Time { return t }
	env.Engine.Events.Now = env.Engine.Now
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	env := &testEnv{Engine: eng, Ctx: context.Background()}
	env.SetNow(baseNow)
	return env
}

func (env *testEnv) setPolicy(t *testing.T, key, valueJSON string) {
	t.Helper()
	now := baseNow.Format(time.RFC3339)
	if err := env.Engine.Repo.UpsertPolicy(env.Ctx, key, valueJSON, now); err != nil {
		t.Fatalf("upsert policy %s: %v", key, err)
	}
}

func (env *testEnv) countEvents(t *testing.T, eventType string) int {
	t.Helper()
	var n int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE event_type=?`, eventType)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestSubmitPendingByDefault(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		AgentID: "growth",
		Title:   "Crawl competitor sites",
		Steps: []engine.StepSpec{
			{Kind: "crawl", Title: "crawl"},
			{Kind: "analyze", Title: "analyze"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != engine.SubmitPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
	if res.Proposal.Status != "pending" || res.Proposal.Priority != "medium" || res.Proposal.Source != "api" {
		t.Fatalf("unexpected proposal defaults: %+v", res.Proposal)
	}
	if res.Mission != nil {
		t.Fatalf("pending proposal must not create a mission")
	}
	if n := env.countEvents(t, "proposal_pending"); n != 1 {
		t.Fatalf("expected 1 proposal_pending event, got %d", n)
	}
}

func TestSubmitQuotaRejection(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "content_daily_quota", `{"limit":1}`)
	if err := env.Engine.Repo.InsertContentDraft(env.Ctx, domain.ContentDraft{
		ID:        "cd-1",
		AgentID:   "content",
		Title:     "Existing draft",
		Status:    "draft",
		CreatedAt: baseNow.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert content draft: %v", err)
	}

	res, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		AgentID: "content",
		Title:   "Write another post",
		Steps:   []engine.StepSpec{{Kind: "draft_content", Title: "draft"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != engine.SubmitRejected {
		t.Fatalf("expected rejected, got %s", res.Status)
	}
	if res.Reason != "Content daily quota reached (1)" {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
	if res.Proposal.Status != "rejected" || res.Proposal.RejectionReason == nil || *res.Proposal.RejectionReason != res.Reason {
		t.Fatalf("proposal not persisted as rejected: %+v", res.Proposal)
	}
	if res.Proposal.DecidedAt == nil {
		t.Fatalf("rejected proposal must carry decided_at")
	}
	if n := env.countEvents(t, "quota_rejected"); n != 1 {
		t.Fatalf("expected 1 quota_rejected event, got %d", n)
	}
}

func TestQuotaCountsOnlyToday(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "content_daily_quota", `{"limit":1}`)
	// A draft from yesterday must not count against today's quota.
	if err := env.Engine.Repo.InsertContentDraft(env.Ctx, domain.ContentDraft{
		ID:        "cd-old",
		AgentID:   "content",
		Title:     "Yesterday",
		Status:    "draft",
		CreatedAt: baseNow.Add(-24 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		AgentID: "content",
		Title:   "Fresh day",
		Steps:   []engine.StepSpec{{Kind: "draft_content", Title: "draft"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status == engine.SubmitRejected {
		t.Fatalf("yesterday's draft consumed today's quota: %q", res.Reason)
	}
}

func TestSubmitAutoApprove(t *testing.T) {
	env := newTestEnv(t)
	env.setPolicy(t, "auto_approve", `{"enabled":true,"auto_approve_kinds":["crawl","analyze"]}`)

	res, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		AgentID: "intel",
		Title:   "Scan competitors",
		Steps: []engine.StepSpec{
			{Kind: "crawl", Title: "crawl sites"},
			{Kind: "analyze", Title: "analyze results"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != engine.SubmitAutoApproved {
		t.Fatalf("expected auto_approved, got %s", res.Status)
	}
	if res.Proposal.Status != "accepted" || res.Proposal.DecidedAt == nil {
		t.Fatalf("proposal not accepted: %+v", res.Proposal)
	}
	if res.Mission == nil || res.Mission.Status != "queued" {
		t.Fatalf("expected queued mission, got %+v", res.Mission)
	}
	if len(res.Steps) != 2 || res.Steps[0].StepOrder != 1 || res.Steps[1].StepOrder != 2 {
		t.Fatalf("steps not ordered contiguously: %+v", res.Steps)
	}
	if n := env.countEvents(t, "mission_auto_approved"); n != 1 {
		t.Fatalf("expected 1 mission_auto_approved event, got %d", n)
	}

	// One step kind outside the allow list forces the whole proposal back
	// to pending.
	res, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		AgentID: "intel",
		Title:   "Scan and patch",
		Steps: []engine.StepSpec{
			{Kind: "crawl", Title: "crawl"},
			{Kind: "analyze", Title: "analyze"},
			{Kind: "write_code", Title: "patch"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != engine.SubmitPending {
		t.Fatalf("expected pending for mixed kinds, got %s", res.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Title: "no agent"}); err == nil {
		t.Fatalf("expected agent_id error")
	}
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{AgentID: "growth"}); err == nil {
		t.Fatalf("expected title error")
	}
}

func TestStepClaimAndReport(t *testing.T) {
	env := newTestEnv(t)
	m, steps, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		AgentID: "growth",
		Title:   "Two step mission",
		Steps: []engine.StepSpec{
			{Kind: "crawl", Title: "first"},
			{Kind: "analyze", Title: "second"},
		},
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}

	s1, err := env.Engine.ClaimStep(env.Ctx, steps[0].ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if s1.Status != "running" || s1.ReservedAt == nil {
		t.Fatalf("claimed step not running: %+v", s1)
	}
	got, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil || got.Status != "running" {
		t.Fatalf("mission should move to running on first claim: %v %+v", err, got)
	}
	// A second claim on the same step must conflict.
	if _, err := env.Engine.ClaimStep(env.Ctx, steps[0].ID); err != engine.ErrStepNotClaimable {
		t.Fatalf("expected ErrStepNotClaimable, got %v", err)
	}

	if _, err := env.Engine.ReportStep(env.Ctx, s1.ID, "succeeded", nil); err != nil {
		t.Fatalf("report first: %v", err)
	}
	got, _ = env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if got.CompletedAt != nil {
		t.Fatalf("mission finalized with an open step remaining")
	}

	if _, err := env.Engine.ClaimStep(env.Ctx, steps[1].ID); err != nil {
		t.Fatalf("claim second: %v", err)
	}
	detail := "worker crashed"
	if _, err := env.Engine.ReportStep(env.Ctx, steps[1].ID, "failed", &detail); err != nil {
		t.Fatalf("report second: %v", err)
	}
	got, _ = env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if got.Status != "failed" || got.CompletedAt == nil {
		t.Fatalf("mission with a failed step must finalize failed: %+v", got)
	}
	if n := env.countEvents(t, "mission_completed"); n != 1 {
		t.Fatalf("expected 1 mission_completed event, got %d", n)
	}

	// Reporting a terminal step again must conflict.
	if _, err := env.Engine.ReportStep(env.Ctx, steps[1].ID, "succeeded", nil); err != engine.ErrStepNotRunning {
		t.Fatalf("expected ErrStepNotRunning, got %v", err)
	}
	if _, err := env.Engine.ReportStep(env.Ctx, s1.ID, "cancelled", nil); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestDecidePropagation(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.InsertTweetDraft(env.Ctx, domain.TweetDraft{
		ID:        "tw-1",
		AgentID:   "growth",
		Content:   "Launch day!",
		Status:    "draft",
		CreatedAt: baseNow.Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.CreateApproval(env.Ctx, engine.ApprovalCreateOptions{
		Title:            "Review launch tweet",
		DeliverableType:  "tweet",
		DeliverableTable: "tweet_drafts",
		DeliverableID:    "tw-1",
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	decided, err := env.Engine.Decide(env.Ctx, a.ID, "approve", nil)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != "approved" || decided.DecidedAt == nil {
		t.Fatalf("unexpected approval after decide: %+v", decided)
	}

	var status string
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT status FROM tweet_drafts WHERE id='tw-1'`)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("scan tweet: %v", err)
	}
	if status != "approved" {
		t.Fatalf("deliverable status not propagated, got %s", status)
	}
	if n := env.countEvents(t, "human_approved"); n != 1 {
		t.Fatalf("expected 1 human_approved event, got %d", n)
	}

	if _, err := env.Engine.Decide(env.Ctx, a.ID, "reject", nil); err != engine.ErrAlreadyDecided {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}
