package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/repo"
)

func newID() string {
	return uuid.New().String()
}

type stepSpecBody struct {
	Kind        string         `json:"kind" minLength:"1"`
	Title       string         `json:"title" minLength:"1"`
	Description string         `json:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

func toStepSpecs(in []stepSpecBody) []engine.StepSpec {
	specs := make([]engine.StepSpec, 0, len(in))
	for _, s := range in {
		spec := engine.StepSpec{Kind: s.Kind, Title: s.Title, Description: s.Description}
		if s.Input != nil {
			data, _ := json.Marshal(s.Input)
			spec.InputJSON = string(data)
		}
		specs = append(specs, spec)
	}
	return specs
}

func registerHeartbeat(api huma.API, e engine.Engine) {
	type heartbeatBody struct {
		OK                 bool   `json:"ok"`
		Timestamp          string `json:"timestamp" format:"date-time"`
		TriggersFired      int    `json:"triggers_fired"`
		ReactionsProcessed int    `json:"reactions_processed"`
		StaleRecovered     int    `json:"stale_recovered"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "heartbeat",
		Method:      http.MethodPost,
		Path:        "/heartbeat",
		Summary:     "Run one orchestration tick",
		Tags:        []string{"heartbeat"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body heartbeatBody `json:"body"`
	}, error) {
		res, err := e.Heartbeat(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body heartbeatBody `json:"body"`
		}{Body: heartbeatBody{
			OK:                 true,
			Timestamp:          res.Timestamp,
			TriggersFired:      res.TriggersFired,
			ReactionsProcessed: res.ReactionsProcessed,
			StaleRecovered:     res.StaleRecovered,
		}}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	type submitBody struct {
		AgentID     string         `json:"agent_id" minLength:"1"`
		Title       string         `json:"title" minLength:"1"`
		Description string         `json:"description,omitempty"`
		Priority    string         `json:"priority,omitempty" enum:"low,medium,high,critical"`
		Source      string         `json:"source,omitempty" enum:"api,trigger,reaction,cron"`
		Tags        []string       `json:"tags,omitempty"`
		Steps       []stepSpecBody `json:"steps,omitempty"`
	}
	type submitResultBody struct {
		Status   string          `json:"status" enum:"rejected,pending,auto_approved"`
		Reason   string          `json:"reason,omitempty"`
		Proposal domain.Proposal `json:"proposal"`
		Mission  *domain.Mission `json:"mission,omitempty"`
		Steps    []domain.Step   `json:"steps,omitempty"`
	}
	type submitOutput struct {
		Status int
		Body   submitResultBody `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Submit a proposal through the admission gate",
		Tags:          []string{"proposals"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body submitBody `json:"body"`
	}) (*submitOutput, error) {
		res, err := e.Submit(ctx, engine.SubmitOptions{
			AgentID:     input.Body.AgentID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Source:      input.Body.Source,
			Tags:        input.Body.Tags,
			Steps:       toStepSpecs(input.Body.Steps),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &submitOutput{
			Status: http.StatusCreated,
			Body: submitResultBody{
				Status:   res.Status,
				Reason:   res.Reason,
				Proposal: res.Proposal,
				Mission:  res.Mission,
				Steps:    res.Steps,
			},
		}
		if res.Status == engine.SubmitRejected {
			out.Status = http.StatusUnprocessableEntity
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Tags:        []string{"proposals"},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Status  string `query:"status" enum:",pending,accepted,rejected"`
		Limit   int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		res, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{AgentID: input.AgentID, Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: res}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Tags:        []string{"missions"},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Status  string `query:"status" enum:",queued,running,succeeded,failed,cancelled"`
		Limit   int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		res, err := e.Repo.ListMissions(ctx, repo.MissionFilters{AgentID: input.AgentID, Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: res}, nil
	})

	type missionDetail struct {
		Mission domain.Mission `json:"mission"`
		Steps   []domain.Step  `json:"steps"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get a mission with its steps",
		Tags:        []string{"missions"},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body missionDetail `json:"body"`
	}, error) {
		m, err := e.Repo.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListMissionSteps(ctx, m.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body missionDetail `json:"body"`
		}{Body: missionDetail{Mission: m, Steps: steps}}, nil
	})

	type createMissionBody struct {
		AgentID     string         `json:"agent_id" minLength:"1"`
		Title       string         `json:"title" minLength:"1"`
		Description string         `json:"description,omitempty"`
		Priority    string         `json:"priority,omitempty" enum:"low,medium,high,critical"`
		Tags        []string       `json:"tags,omitempty"`
		Steps       []stepSpecBody `json:"steps" minItems:"1"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Assign a mission directly, bypassing the admission gate",
		Tags:          []string{"missions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createMissionBody `json:"body"`
	}) (*struct {
		Body missionDetail `json:"body"`
	}, error) {
		m, steps, err := e.CreateMission(ctx, engine.MissionCreateOptions{
			AgentID:     input.Body.AgentID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Tags:        input.Body.Tags,
			Steps:       toStepSpecs(input.Body.Steps),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body missionDetail `json:"body"`
		}{Body: missionDetail{Mission: m, Steps: steps}}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-step",
		Method:      http.MethodPost,
		Path:        "/steps/{id}/claim",
		Summary:     "Claim a queued step for execution",
		Tags:        []string{"steps"},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Step `json:"body"`
	}, error) {
		s, err := e.ClaimStep(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Step `json:"body"`
		}{Body: s}, nil
	})

	type reportBody struct {
		Status string  `json:"status" enum:"succeeded,failed"`
		Error  *string `json:"error,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "report-step",
		Method:      http.MethodPost,
		Path:        "/steps/{id}/report",
		Summary:     "Report a terminal step status",
		Tags:        []string{"steps"},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body reportBody `json:"body"`
	}) (*struct {
		Body domain.Step `json:"body"`
	}, error) {
		s, err := e.ReportStep(ctx, input.ID, input.Body.Status, input.Body.Error)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Step `json:"body"`
		}{Body: s}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
		Tags:        []string{"approvals"},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",pending,approved,rejected"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		res, err := e.Repo.ListApprovals(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: res}, nil
	})

	type createApprovalBody struct {
		Title            string `json:"title" minLength:"1"`
		Summary          string `json:"summary,omitempty"`
		DeliverableType  string `json:"deliverable_type" minLength:"1"`
		DeliverableTable string `json:"deliverable_table" enum:"tweet_drafts,content_drafts"`
		DeliverableID    string `json:"deliverable_id" minLength:"1"`
		Priority         string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Queue a deliverable for human review",
		Tags:          []string{"approvals"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createApprovalBody `json:"body"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		a, err := e.CreateApproval(ctx, engine.ApprovalCreateOptions{
			Title:            input.Body.Title,
			Summary:          input.Body.Summary,
			DeliverableType:  input.Body.DeliverableType,
			DeliverableTable: input.Body.DeliverableTable,
			DeliverableID:    input.Body.DeliverableID,
			Priority:         input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: a}, nil
	})

	type decideBody struct {
		Action string  `json:"action" enum:"approve,reject"`
		Notes  *string `json:"notes,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPatch,
		Path:        "/approvals/{id}",
		Summary:     "Record a human decision on an approval",
		Tags:        []string{"approvals"},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body decideBody `json:"body"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		a, err := e.Decide(ctx, input.ID, input.Body.Action, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: a}, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies",
		Tags:        []string{"policies"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Policy `json:"body"`
	}, error) {
		res, err := e.Repo.ListPolicies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Policy `json:"body"`
		}{Body: res}, nil
	})

	type policyBody struct {
		Value map[string]any `json:"value"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "upsert-policy",
		Method:      http.MethodPatch,
		Path:        "/policies/{key}",
		Summary:     "Upsert a policy by key",
		Tags:        []string{"policies"},
	}, func(ctx context.Context, input *struct {
		Key  string     `path:"key"`
		Body policyBody `json:"body"`
	}) (*struct {
		Body domain.Policy `json:"body"`
	}, error) {
		data, err := json.Marshal(input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpsertPolicy(ctx, input.Key, string(data), now); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPolicy(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Policy `json:"body"`
		}{Body: p}, nil
	})
}

func registerTriggers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/triggers",
		Summary:     "List trigger rules",
		Tags:        []string{"triggers"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TriggerRule `json:"body"`
	}, error) {
		res, err := e.Repo.ListTriggerRules(ctx, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TriggerRule `json:"body"`
		}{Body: res}, nil
	})

	type createTriggerBody struct {
		Name            string         `json:"name" minLength:"1"`
		ConditionType   string         `json:"condition_type" minLength:"1"`
		ConditionConfig map[string]any `json:"condition_config,omitempty"`
		ActionAgentID   string         `json:"action_agent_id" minLength:"1"`
		ActionType      string         `json:"action_type" minLength:"1"`
		CooldownMinutes int            `json:"cooldown_minutes,omitempty" minimum:"0"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-trigger",
		Method:        http.MethodPost,
		Path:          "/triggers",
		Summary:       "Create a trigger rule",
		Tags:          []string{"triggers"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createTriggerBody `json:"body"`
	}) (*struct {
		Body domain.TriggerRule `json:"body"`
	}, error) {
		cfgJSON := "{}"
		if input.Body.ConditionConfig != nil {
			data, _ := json.Marshal(input.Body.ConditionConfig)
			cfgJSON = string(data)
		}
		cooldown := input.Body.CooldownMinutes
		if cooldown == 0 {
			cooldown = e.Config.Orchestration.DefaultCooldownMinutes
		}
		t := domain.TriggerRule{
			ID:                  newID(),
			Name:                input.Body.Name,
			Enabled:             true,
			ConditionType:       input.Body.ConditionType,
			ConditionConfigJSON: cfgJSON,
			ActionAgentID:       input.Body.ActionAgentID,
			ActionType:          input.Body.ActionType,
			CooldownMinutes:     cooldown,
			CreatedAt:           e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertTriggerRule(ctx, t); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TriggerRule `json:"body"`
		}{Body: t}, nil
	})

	type patchTriggerBody struct {
		Enabled bool `json:"enabled"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "patch-trigger",
		Method:      http.MethodPatch,
		Path:        "/triggers/{id}",
		Summary:     "Enable or disable a trigger rule",
		Tags:        []string{"triggers"},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body patchTriggerBody `json:"body"`
	}) (*struct {
		Body domain.TriggerRule `json:"body"`
	}, error) {
		if err := e.Repo.SetTriggerRuleEnabled(ctx, input.ID, input.Body.Enabled); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTriggerRule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TriggerRule `json:"body"`
		}{Body: t}, nil
	})
}

func registerReactions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reactions",
		Method:      http.MethodGet,
		Path:        "/reactions",
		Summary:     "List reactions",
		Tags:        []string{"reactions"},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",queued,processing,done,failed"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Reaction `json:"body"`
	}, error) {
		res, err := e.Repo.ListReactions(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Reaction `json:"body"`
		}{Body: res}, nil
	})

	type enqueueBody struct {
		ReactionType  string         `json:"reaction_type" minLength:"1"`
		TargetAgentID string         `json:"target_agent_id" minLength:"1"`
		Payload       map[string]any `json:"payload,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-reaction",
		Method:        http.MethodPost,
		Path:          "/reactions",
		Summary:       "Queue a reaction for the next tick",
		Tags:          []string{"reactions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body enqueueBody `json:"body"`
	}) (*struct {
		Body domain.Reaction `json:"body"`
	}, error) {
		payloadJSON := "{}"
		if input.Body.Payload != nil {
			data, _ := json.Marshal(input.Body.Payload)
			payloadJSON = string(data)
		}
		rc, err := e.EnqueueReaction(ctx, input.Body.ReactionType, input.Body.TargetAgentID, payloadJSON)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Reaction `json:"body"`
		}{Body: rc}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List latest audit events",
		Tags:        []string{"events"},
	}, func(ctx context.Context, input *struct {
		AgentID   string `query:"agent_id"`
		EventType string `query:"event_type"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor    int64  `query:"cursor" minimum:"0"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		res, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			AgentID:   input.AgentID,
			EventType: input.EventType,
			Limit:     input.Limit,
			Cursor:    input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: res}, nil
	})
}
