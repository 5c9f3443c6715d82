package engine_test

import (
	"strconv"
	"testing"
	"time"

	"opsline/internal/domain"
	"opsline/internal/repo"
)

func insertRule(t *testing.T, env *testEnv, rule domain.TriggerRule) domain.TriggerRule {
	t.Helper()
	if rule.CreatedAt == "" {
		rule.CreatedAt = baseNow.Format(time.RFC3339)
	}
	if err := env.Engine.Repo.InsertTriggerRule(env.Ctx, rule); err != nil {
		t.Fatalf("insert rule: %v", err)
	}
	return rule
}

func TestComplianceTriggerFires(t *testing.T) {
	env := newTestEnv(t)
	lastFired := baseNow.Add(-7 * time.Hour).Format(time.RFC3339)
	insertRule(t, env, domain.TriggerRule{
		ID:                  "rule-hmrc",
		Name:                "HMRC Critical Alert",
		Enabled:             true,
		ConditionType:       "hmrc_update_critical",
		ConditionConfigJSON: "{}",
		ActionAgentID:       "compliance",
		ActionType:          "analyze",
		CooldownMinutes:     360,
		LastFiredAt:         &lastFired,
	})
	if err := env.Engine.Repo.InsertComplianceUpdate(env.Ctx, domain.ComplianceUpdate{
		ID:        "cu-1",
		Title:     "MTD threshold change",
		Urgency:   "critical",
		CreatedAt: baseNow.Add(-1 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}

	fired, err := env.Engine.EvaluateTriggers(env.Ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 fired rule, got %d", fired)
	}

	props, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{AgentID: "compliance"})
	if err != nil || len(props) != 1 {
		t.Fatalf("expected one proposal: %v %d", err, len(props))
	}
	p := props[0]
	if p.Source != "trigger" || p.Title != "[Trigger] HMRC Critical Alert" {
		t.Fatalf("unexpected proposal: %+v", p)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "trigger" || p.Tags[1] != "hmrc_update_critical" {
		t.Fatalf("unexpected tags: %v", p.Tags)
	}

	rule, err := env.Engine.Repo.GetTriggerRule(env.Ctx, "rule-hmrc")
	if err != nil {
		t.Fatal(err)
	}
	if rule.LastFiredAt == nil || *rule.LastFiredAt != baseNow.Format(time.RFC3339) {
		t.Fatalf("last_fired_at not advanced: %v", rule.LastFiredAt)
	}
}

func TestTriggerCooldownBlocks(t *testing.T) {
	env := newTestEnv(t)
	lastFired := baseNow.Add(-1 * time.Hour).Format(time.RFC3339)
	insertRule(t, env, domain.TriggerRule{
		ID:              "rule-hmrc",
		Name:            "HMRC Critical Alert",
		Enabled:         true,
		ConditionType:   "hmrc_update_critical",
		ActionAgentID:   "compliance",
		ActionType:      "analyze",
		CooldownMinutes: 360,
		LastFiredAt:     &lastFired,
	})
	if err := env.Engine.Repo.InsertComplianceUpdate(env.Ctx, domain.ComplianceUpdate{
		ID:        "cu-1",
		Title:     "VAT notice",
		Urgency:   "critical",
		CreatedAt: baseNow.Add(-1 * time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}

	fired, err := env.Engine.EvaluateTriggers(env.Ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != 0 {
		t.Fatalf("rule fired inside its cooldown window")
	}
}

func TestDisabledTriggerSkipped(t *testing.T) {
	env := newTestEnv(t)
	insertRule(t, env, domain.TriggerRule{
		ID:            "rule-off",
		Name:          "Disabled",
		Enabled:       false,
		ConditionType: "hmrc_update_critical",
		ActionAgentID: "compliance",
		ActionType:    "analyze",
	})
	if err := env.Engine.Repo.InsertComplianceUpdate(env.Ctx, domain.ComplianceUpdate{
		ID: "cu-1", Title: "x", Urgency: "critical", CreatedAt: baseNow.Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}
	fired, err := env.Engine.EvaluateTriggers(env.Ctx)
	if err != nil || fired != 0 {
		t.Fatalf("disabled rule evaluated: %v %d", err, fired)
	}
}

func TestEngagementThreshold(t *testing.T) {
	env := newTestEnv(t)
	insertRule(t, env, domain.TriggerRule{
		ID:                  "rule-eng",
		Name:                "Engagement Spike",
		Enabled:             true,
		ConditionType:       "tweet_engagement_threshold",
		ConditionConfigJSON: `{"threshold":5}`,
		ActionAgentID:       "growth",
		ActionType:          "analyze",
		CooldownMinutes:     120,
	})

	postTweet := func(id string, rate float64, postedAgo time.Duration) {
		t.Helper()
		eng := `{"engagement_rate":` + strconv.FormatFloat(rate, 'f', -1, 64) + `}`
		posted := baseNow.Add(-postedAgo).Format(time.RFC3339)
		if err := env.Engine.Repo.InsertTweetDraft(env.Ctx, domain.TweetDraft{
			ID:             id,
			AgentID:        "growth",
			Content:        "tweet " + id,
			Status:         "posted",
			EngagementJSON: &eng,
			PostedAt:       &posted,
			CreatedAt:      posted,
		}); err != nil {
			t.Fatal(err)
		}
	}

	postTweet("tw-1", 2.0, 3*time.Hour)
	postTweet("tw-2", 4.9, 2*time.Hour)
	fired, err := env.Engine.EvaluateTriggers(env.Ctx)
	if err != nil || fired != 0 {
		t.Fatalf("fired below threshold: %v %d", err, fired)
	}

	postTweet("tw-3", 7.5, time.Hour)
	fired, err = env.Engine.EvaluateTriggers(env.Ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected engagement spike to fire, got %d", fired)
	}
}

func TestScheduledWeekly(t *testing.T) {
	env := newTestEnv(t)
	// baseNow is Monday 12:00 UTC; Go weekday Monday is 1.
	insertRule(t, env, domain.TriggerRule{
		ID:                  "rule-weekly",
		Name:                "Weekly Content Planning",
		Enabled:             true,
		ConditionType:       "scheduled_weekly",
		ConditionConfigJSON: `{"day":1,"hour":12}`,
		ActionAgentID:       "content",
		ActionType:          "draft_content",
		CooldownMinutes:     10080,
	})
	fired, err := env.Engine.EvaluateTriggers(env.Ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected weekly rule to fire at its slot, got %d", fired)
	}

	insertRule(t, env, domain.TriggerRule{
		ID:                  "rule-weekly-9",
		Name:                "Wrong hour",
		Enabled:             true,
		ConditionType:       "scheduled_weekly",
		ConditionConfigJSON: `{"day":1,"hour":9}`,
		ActionAgentID:       "content",
		ActionType:          "draft_content",
		CooldownMinutes:     10080,
	})
	fired, err = env.Engine.EvaluateTriggers(env.Ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != 0 {
		t.Fatalf("rule fired outside its slot (or cooldown ignored), got %d", fired)
	}
}

func TestUnknownConditionNeverFires(t *testing.T) {
	env := newTestEnv(t)
	insertRule(t, env, domain.TriggerRule{
		ID:            "rule-unknown",
		Name:          "Mystery",
		Enabled:       true,
		ConditionType: "lunar_phase",
		ActionAgentID: "growth",
		ActionType:    "analyze",
	})
	fired, err := env.Engine.EvaluateTriggers(env.Ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fired != 0 {
		t.Fatalf("unknown condition fired")
	}
}
