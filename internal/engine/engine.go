package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"opsline/internal/config"
	"opsline/internal/events"
	"opsline/internal/repo"
)

// PolicyReader supplies operator policy values to the admission gate.
// It is an explicit dependency so tests can substitute fixed values.
type PolicyReader interface {
	DailyQuota(ctx context.Context, key string, fallback int) (int, error)
	AutoApprove(ctx context.Context) (AutoApprovePolicy, error)
}

type AutoApprovePolicy struct {
	Enabled          bool     `json:"enabled"`
	AutoApproveKinds []string `json:"auto_approve_kinds"`
}

func (p AutoApprovePolicy) allows(kind string) bool {
	for _, k := range p.AutoApproveKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// StorePolicies reads policies from the policies table. Missing rows are
// not errors; the documented default applies.
type StorePolicies struct {
	Repo repo.Repo
}

func (s StorePolicies) DailyQuota(ctx context.Context, key string, fallback int) (int, error) {
	p, err := s.Repo.GetPolicy(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	var v struct {
		Limit *int `json:"limit"`
	}
	if err := json.Unmarshal([]byte(p.ValueJSON), &v); err != nil || v.Limit == nil {
		return fallback, nil
	}
	return *v.Limit, nil
}

func (s StorePolicies) AutoApprove(ctx context.Context) (AutoApprovePolicy, error) {
	p, err := s.Repo.GetPolicy(ctx, "auto_approve")
	if errors.Is(err, repo.ErrNotFound) {
		return AutoApprovePolicy{}, nil
	}
	if err != nil {
		return AutoApprovePolicy{}, err
	}
	var v AutoApprovePolicy
	if err := json.Unmarshal([]byte(p.ValueJSON), &v); err != nil {
		return AutoApprovePolicy{}, nil
	}
	return v, nil
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Policies PolicyReader
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Policies: StorePolicies{Repo: r},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// dayStartUTC returns the UTC midnight boundary of the current day as a
// prefix that compares lexically below every RFC3339 timestamp of that day.
func (e Engine) dayStartUTC() string {
	return e.now().UTC().Format("2006-01-02")
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
