package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"opsline/internal/domain"
	"opsline/internal/engine"
)

// Deliverable stores are simple persistence for agent workers and the
// operator UI; the admission gate counts their rows for quotas.
func registerDeliverables(api huma.API, e engine.Engine) {
	registerTweets(api, e)
	registerContent(api, e)
	registerCompliance(api, e)
	registerIntel(api, e)
}

func registerTweets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tweets",
		Method:      http.MethodGet,
		Path:        "/tweets",
		Summary:     "List tweet drafts",
		Tags:        []string{"deliverables"},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.TweetDraft `json:"body"`
	}, error) {
		res, err := e.Repo.ListTweetDrafts(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TweetDraft `json:"body"`
		}{Body: res}, nil
	})

	type createTweetBody struct {
		AgentID    string         `json:"agent_id" minLength:"1"`
		Content    string         `json:"content" minLength:"1"`
		Status     string         `json:"status,omitempty" enum:",draft,posted"`
		Engagement map[string]any `json:"engagement,omitempty"`
		PostedAt   *string        `json:"posted_at,omitempty" format:"date-time"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-tweet",
		Method:        http.MethodPost,
		Path:          "/tweets",
		Summary:       "Store a tweet draft",
		Tags:          []string{"deliverables"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createTweetBody `json:"body"`
	}) (*struct {
		Body domain.TweetDraft `json:"body"`
	}, error) {
		t := domain.TweetDraft{
			ID:        newID(),
			AgentID:   input.Body.AgentID,
			Content:   input.Body.Content,
			Status:    input.Body.Status,
			PostedAt:  input.Body.PostedAt,
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if t.Status == "" {
			t.Status = "draft"
		}
		if input.Body.Engagement != nil {
			data, _ := json.Marshal(input.Body.Engagement)
			s := string(data)
			t.EngagementJSON = &s
		}
		if err := e.Repo.InsertTweetDraft(ctx, t); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TweetDraft `json:"body"`
		}{Body: t}, nil
	})
}

func registerContent(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-content",
		Method:      http.MethodGet,
		Path:        "/content",
		Summary:     "List content drafts",
		Tags:        []string{"deliverables"},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.ContentDraft `json:"body"`
	}, error) {
		res, err := e.Repo.ListContentDrafts(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ContentDraft `json:"body"`
		}{Body: res}, nil
	})

	type createContentBody struct {
		AgentID string `json:"agent_id" minLength:"1"`
		Title   string `json:"title" minLength:"1"`
		Body    string `json:"body,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-content",
		Method:        http.MethodPost,
		Path:          "/content",
		Summary:       "Store a content draft",
		Tags:          []string{"deliverables"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createContentBody `json:"body"`
	}) (*struct {
		Body domain.ContentDraft `json:"body"`
	}, error) {
		c := domain.ContentDraft{
			ID:        newID(),
			AgentID:   input.Body.AgentID,
			Title:     input.Body.Title,
			Body:      input.Body.Body,
			Status:    "draft",
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertContentDraft(ctx, c); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentDraft `json:"body"`
		}{Body: c}, nil
	})
}

func registerCompliance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-compliance",
		Method:      http.MethodGet,
		Path:        "/compliance",
		Summary:     "List compliance updates",
		Tags:        []string{"deliverables"},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.ComplianceUpdate `json:"body"`
	}, error) {
		res, err := e.Repo.ListComplianceUpdates(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ComplianceUpdate `json:"body"`
		}{Body: res}, nil
	})

	type createComplianceBody struct {
		Title     string `json:"title" minLength:"1"`
		Summary   string `json:"summary,omitempty"`
		Urgency   string `json:"urgency" enum:"low,medium,high,critical"`
		SourceURL string `json:"source_url,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-compliance",
		Method:        http.MethodPost,
		Path:          "/compliance",
		Summary:       "Store a compliance update",
		Tags:          []string{"deliverables"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createComplianceBody `json:"body"`
	}) (*struct {
		Body domain.ComplianceUpdate `json:"body"`
	}, error) {
		c := domain.ComplianceUpdate{
			ID:        newID(),
			Title:     input.Body.Title,
			Summary:   input.Body.Summary,
			Urgency:   input.Body.Urgency,
			SourceURL: input.Body.SourceURL,
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertComplianceUpdate(ctx, c); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ComplianceUpdate `json:"body"`
		}{Body: c}, nil
	})
}

func registerIntel(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-intel",
		Method:      http.MethodGet,
		Path:        "/intel",
		Summary:     "List competitor intel items",
		Tags:        []string{"deliverables"},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.IntelItem `json:"body"`
	}, error) {
		res, err := e.Repo.ListIntelItems(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.IntelItem `json:"body"`
		}{Body: res}, nil
	})

	type createIntelBody struct {
		Competitor   string `json:"competitor" minLength:"1"`
		Summary      string `json:"summary,omitempty"`
		Significance string `json:"significance" enum:"low,medium,high"`
		SourceURL    string `json:"source_url,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-intel",
		Method:        http.MethodPost,
		Path:          "/intel",
		Summary:       "Store a competitor intel item",
		Tags:          []string{"deliverables"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body createIntelBody `json:"body"`
	}) (*struct {
		Body domain.IntelItem `json:"body"`
	}, error) {
		it := domain.IntelItem{
			ID:           newID(),
			Competitor:   input.Body.Competitor,
			Summary:      input.Body.Summary,
			Significance: input.Body.Significance,
			SourceURL:    input.Body.SourceURL,
			CreatedAt:    e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertIntelItem(ctx, it); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IntelItem `json:"body"`
		}{Body: it}, nil
	})
}
