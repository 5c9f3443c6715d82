package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsline/internal/domain"
)

func (r Repo) UpsertPolicy(ctx context.Context, key, valueJSON, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policies(key,value_json,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`, key, valueJSON, updatedAt)
	return err
}

// SeedPolicy inserts a policy only when the key is absent.
func (r Repo) SeedPolicy(ctx context.Context, key, valueJSON, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO policies(key,value_json,updated_at) VALUES (?,?,?)`, key, valueJSON, updatedAt)
	return err
}

func (r Repo) GetPolicy(ctx context.Context, key string) (domain.Policy, error) {
	var p domain.Policy
	err := r.DB.QueryRowContext(ctx, `SELECT key,value_json,updated_at FROM policies WHERE key=?`, key).
		Scan(&p.Key, &p.ValueJSON, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value_json,updated_at FROM policies ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p.Key, &p.ValueJSON, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const triggerCols = `id,name,enabled,condition_type,condition_config_json,action_agent_id,action_type,cooldown_minutes,last_fired_at,created_at`

func (r Repo) InsertTriggerRule(ctx context.Context, t domain.TriggerRule) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO trigger_rules(`+triggerCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Enabled, t.ConditionType, t.ConditionConfigJSON, t.ActionAgentID, t.ActionType, t.CooldownMinutes, nullableStringPtr(t.LastFiredAt), t.CreatedAt)
	return err
}

func scanTriggerRule(scan func(dest ...any) error) (domain.TriggerRule, error) {
	var t domain.TriggerRule
	var lastFired sql.NullString
	err := scan(&t.ID, &t.Name, &t.Enabled, &t.ConditionType, &t.ConditionConfigJSON, &t.ActionAgentID, &t.ActionType, &t.CooldownMinutes, &lastFired, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.LastFiredAt = stringPtr(lastFired)
	return t, nil
}

func (r Repo) GetTriggerRule(ctx context.Context, id string) (domain.TriggerRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM trigger_rules WHERE id=?`, id)
	return scanTriggerRule(row.Scan)
}

func (r Repo) ListTriggerRules(ctx context.Context, enabledOnly bool) ([]domain.TriggerRule, error) {
	query := `SELECT ` + triggerCols + ` FROM trigger_rules`
	if enabledOnly {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TriggerRule
	for rows.Next() {
		t, err := scanTriggerRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTriggerRuleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE trigger_rules SET enabled=? WHERE id=?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkTriggerFired(ctx context.Context, id, firedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE trigger_rules SET last_fired_at=? WHERE id=?`, firedAt, id)
	return err
}

func (r Repo) InsertReaction(ctx context.Context, rc domain.Reaction) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO reactions(id,reaction_type,target_agent_id,payload_json,status,created_at,processed_at) VALUES (?,?,?,?,?,?,?)`,
		rc.ID, rc.ReactionType, rc.TargetAgentID, rc.PayloadJSON, rc.Status, rc.CreatedAt, nullableStringPtr(rc.ProcessedAt))
	return err
}

func (r Repo) ListQueuedReactions(ctx context.Context, limit int) ([]domain.Reaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,reaction_type,target_agent_id,payload_json,status,created_at,processed_at FROM reactions WHERE status='queued' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reaction
	for rows.Next() {
		var rc domain.Reaction
		var processed sql.NullString
		if err := rows.Scan(&rc.ID, &rc.ReactionType, &rc.TargetAgentID, &rc.PayloadJSON, &rc.Status, &rc.CreatedAt, &processed); err != nil {
			return nil, err
		}
		rc.ProcessedAt = stringPtr(processed)
		res = append(res, rc)
	}
	return res, rows.Err()
}

func (r Repo) ListReactions(ctx context.Context, status string, limit int) ([]domain.Reaction, error) {
	var clauses []string
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,reaction_type,target_agent_id,payload_json,status,created_at,processed_at FROM reactions ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reaction
	for rows.Next() {
		var rc domain.Reaction
		var processed sql.NullString
		if err := rows.Scan(&rc.ID, &rc.ReactionType, &rc.TargetAgentID, &rc.PayloadJSON, &rc.Status, &rc.CreatedAt, &processed); err != nil {
			return nil, err
		}
		rc.ProcessedAt = stringPtr(processed)
		res = append(res, rc)
	}
	return res, rows.Err()
}

func (r Repo) MarkReactionProcessing(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE reactions SET status='processing' WHERE id=?`, id)
	return err
}

func (r Repo) FinishReactionTx(ctx context.Context, tx *sql.Tx, id, status, processedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE reactions SET status=?, processed_at=? WHERE id=?`, status, processedAt, id)
	return err
}

func (r Repo) FinishReaction(ctx context.Context, id, status, processedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE reactions SET status=?, processed_at=? WHERE id=?`, status, processedAt, id)
	return err
}

type EventFilters struct {
	AgentID   string
	EventType string
	Limit     int
	Cursor    int64
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,agent_id,event_type,title,description,metadata_json,tags,created_at FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var tags string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.EventType, &e.Title, &e.Description, &e.MetadataJSON, &tags, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Tags = unmarshalTags(tags)
		res = append(res, e)
	}
	return res, rows.Err()
}
