package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
	"opsline/internal/repo"
)

// Open opens the workspace database, applies migrations and seeds
// default policies and trigger rules.
func Open(ctx context.Context, workspace string) (*sql.DB, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	if err := EnsureDefaults(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("seed defaults: %w", err)
	}
	return conn, cfg, nil
}

// NewEngine wires an engine from an opened database.
func NewEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	return engine.New(conn, cfg)
}

// EnsureDefaults seeds the policy rows the admission gate consults and,
// on a fresh database, a starter set of trigger rules bound to the
// configured fleet. Existing rows are never overwritten.
func EnsureDefaults(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}
	now := time.Now().UTC().Format(time.RFC3339)

	seedPolicies := []struct {
		key   string
		value any
	}{
		{"x_daily_quota", map[string]int{"limit": cfg.Quotas.TweetDaily}},
		{"content_daily_quota", map[string]int{"limit": cfg.Quotas.ContentDaily}},
		{"auto_approve", engine.AutoApprovePolicy{Enabled: false, AutoApproveKinds: []string{}}},
	}
	for _, p := range seedPolicies {
		data, err := json.Marshal(p.value)
		if err != nil {
			return err
		}
		if err := r.SeedPolicy(ctx, p.key, string(data), now); err != nil {
			return err
		}
	}

	rules, err := r.ListTriggerRules(ctx, false)
	if err != nil {
		return err
	}
	if len(rules) > 0 {
		return nil
	}
	for _, t := range defaultTriggerRules(cfg) {
		t.ID = uuid.New().String()
		t.CreatedAt = now
		if err := r.InsertTriggerRule(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func defaultTriggerRules(cfg *config.Config) []domain.TriggerRule {
	agent := func(id, fallback string) string {
		if _, ok := cfg.AgentByID(id); ok {
			return id
		}
		return fallback
	}
	return []domain.TriggerRule{
		{
			Name:                "Engagement Spike",
			Enabled:             true,
			ConditionType:       "tweet_engagement_threshold",
			ConditionConfigJSON: `{"threshold":5}`,
			ActionAgentID:       agent("growth", "growth"),
			ActionType:          "analyze",
			CooldownMinutes:     120,
		},
		{
			Name:                "Mission Failure Diagnosis",
			Enabled:             true,
			ConditionType:       "mission_failed",
			ConditionConfigJSON: `{}`,
			ActionAgentID:       agent("operator", "operator"),
			ActionType:          "analyze",
			CooldownMinutes:     60,
		},
		{
			Name:                "HMRC Critical Alert",
			Enabled:             true,
			ConditionType:       "hmrc_update_critical",
			ConditionConfigJSON: `{}`,
			ActionAgentID:       agent("compliance", "compliance"),
			ActionType:          "analyze",
			CooldownMinutes:     360,
		},
		{
			Name:                "Competitor Intel Review",
			Enabled:             true,
			ConditionType:       "competitor_intel_high",
			ConditionConfigJSON: `{}`,
			ActionAgentID:       agent("intel", "intel"),
			ActionType:          "analyze",
			CooldownMinutes:     240,
		},
		{
			Name:                "Weekly Content Planning",
			Enabled:             true,
			ConditionType:       "scheduled_weekly",
			ConditionConfigJSON: `{"day":1,"hour":9}`,
			ActionAgentID:       agent("content", "content"),
			ActionType:          "draft_content",
			CooldownMinutes:     10080,
		},
	}
}
