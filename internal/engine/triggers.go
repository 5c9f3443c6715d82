package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"opsline/internal/domain"
)

type conditionConfig struct {
	Threshold *float64 `json:"threshold"`
	Day       *int     `json:"day"`
	Hour      *int     `json:"hour"`
}

func parseConditionConfig(raw string) conditionConfig {
	var cfg conditionConfig
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &cfg)
	}
	return cfg
}

func (e Engine) onCooldown(rule domain.TriggerRule) bool {
	if rule.LastFiredAt == nil {
		return false
	}
	fired, err := time.Parse(time.RFC3339, *rule.LastFiredAt)
	if err != nil {
		return false
	}
	cooldown := rule.CooldownMinutes
	if cooldown <= 0 {
		cooldown = e.Config.Orchestration.DefaultCooldownMinutes
	}
	return e.now().UTC().Sub(fired) < time.Duration(cooldown)*time.Minute
}

func (e Engine) evaluateCondition(ctx context.Context, rule domain.TriggerRule) (bool, error) {
	cfg := parseConditionConfig(rule.ConditionConfigJSON)
	now := e.now().UTC()
	switch rule.ConditionType {
	case "tweet_engagement_threshold":
		threshold := 5.0
		if cfg.Threshold != nil {
			threshold = *cfg.Threshold
		}
		tweets, err := e.Repo.ListRecentPostedTweets(ctx, 5)
		if err != nil {
			return false, err
		}
		for _, t := range tweets {
			if t.EngagementJSON == nil {
				continue
			}
			var eng struct {
				EngagementRate float64 `json:"engagement_rate"`
			}
			if err := json.Unmarshal([]byte(*t.EngagementJSON), &eng); err != nil {
				continue
			}
			if eng.EngagementRate > threshold {
				return true, nil
			}
		}
		return false, nil
	case "mission_failed":
		cutoff := now.Add(-1 * time.Hour).Format(time.RFC3339)
		n, err := e.Repo.CountFailedMissionsSince(ctx, cutoff)
		return n > 0, err
	case "hmrc_update_critical":
		cutoff := now.Add(-6 * time.Hour).Format(time.RFC3339)
		n, err := e.Repo.CountCriticalComplianceSince(ctx, cutoff)
		return n > 0, err
	case "competitor_intel_high":
		cutoff := now.Add(-4 * time.Hour).Format(time.RFC3339)
		n, err := e.Repo.CountHighIntelSince(ctx, cutoff)
		return n > 0, err
	case "scheduled_weekly":
		if cfg.Day == nil || cfg.Hour == nil {
			return false, nil
		}
		return int(now.Weekday()) == *cfg.Day && now.Hour() == *cfg.Hour, nil
	default:
		return false, nil
	}
}

// EvaluateTriggers runs every enabled trigger rule once and returns the
// number of rules that fired. A failing rule is logged and skipped so it
// cannot block the rest; its cooldown is still consumed once the
// condition fired, whatever the submit outcome.
func (e Engine) EvaluateTriggers(ctx context.Context) (int, error) {
	rules, err := e.Repo.ListTriggerRules(ctx, true)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, rule := range rules {
		if e.onCooldown(rule) {
			continue
		}
		ok, err := e.evaluateCondition(ctx, rule)
		if err != nil {
			log.Printf("trigger %s: condition: %v", rule.Name, err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := e.Submit(ctx, SubmitOptions{
			AgentID:  rule.ActionAgentID,
			Title:    fmt.Sprintf("[Trigger] %s", rule.Name),
			Priority: "medium",
			Source:   "trigger",
			Tags:     []string{"trigger", rule.ConditionType},
			Steps: []StepSpec{{
				Kind:      rule.ActionType,
				Title:     rule.Name,
				InputJSON: rule.ConditionConfigJSON,
			}},
		}); err != nil {
			log.Printf("trigger %s: submit: %v", rule.Name, err)
		}
		if err := e.Repo.MarkTriggerFired(ctx, rule.ID, e.nowRFC3339()); err != nil {
			log.Printf("trigger %s: mark fired: %v", rule.Name, err)
		}
		fired++
	}
	return fired, nil
}
