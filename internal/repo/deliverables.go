package repo

import (
	"context"
	"database/sql"
	"fmt"

	"opsline/internal/domain"
)

func (r Repo) InsertApproval(ctx context.Context, a domain.Approval) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approvals(id,title,summary,deliverable_type,deliverable_table,deliverable_id,status,priority,notes,created_at,decided_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Title, a.Summary, a.DeliverableType, a.DeliverableTable, a.DeliverableID, a.Status, a.Priority, nullableStringPtr(a.Notes), a.CreatedAt, nullableStringPtr(a.DecidedAt))
	return err
}

const approvalCols = `id,title,summary,deliverable_type,deliverable_table,deliverable_id,status,priority,notes,created_at,decided_at`

func scanApproval(scan func(dest ...any) error) (domain.Approval, error) {
	var a domain.Approval
	var notes, decidedAt sql.NullString
	err := scan(&a.ID, &a.Title, &a.Summary, &a.DeliverableType, &a.DeliverableTable, &a.DeliverableID, &a.Status, &a.Priority, &notes, &a.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Notes = stringPtr(notes)
	a.DecidedAt = stringPtr(decidedAt)
	return a, nil
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM approvals WHERE id=?`, id)
	return scanApproval(row.Scan)
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM approvals WHERE id=?`, id)
	return scanApproval(row.Scan)
}

func (r Repo) ListApprovals(ctx context.Context, status string, limit int) ([]domain.Approval, error) {
	query := `SELECT ` + approvalCols + ` FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DecideApprovalTx records the decision only if the approval is still pending.
func (r Repo) DecideApprovalTx(ctx context.Context, tx *sql.Tx, id, status string, notes *string, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, notes=?, decided_at=? WHERE id=? AND status='pending'`,
		status, nullableStringPtr(notes), decidedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// deliverableTables whitelists targets for status propagation. The table
// name reaches SQL as text, so it never comes from the request unchecked.
var deliverableTables = map[string]bool{
	"tweet_drafts":   true,
	"content_drafts": true,
}

func (r Repo) UpdateDeliverableStatusTx(ctx context.Context, tx *sql.Tx, table, id, status string) error {
	if !deliverableTables[table] {
		return fmt.Errorf("unknown deliverable table %q", table)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status=? WHERE id=?`, table), status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTweetDraft(ctx context.Context, t domain.TweetDraft) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tweet_drafts(id,agent_id,content,status,engagement_json,posted_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.AgentID, t.Content, t.Status, nullableStringPtr(t.EngagementJSON), nullableStringPtr(t.PostedAt), t.CreatedAt)
	return err
}

func (r Repo) ListTweetDrafts(ctx context.Context, limit int) ([]domain.TweetDraft, error) {
	query := `SELECT id,agent_id,content,status,engagement_json,posted_at,created_at FROM tweet_drafts ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TweetDraft
	for rows.Next() {
		var t domain.TweetDraft
		var engagement, postedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Content, &t.Status, &engagement, &postedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.EngagementJSON = stringPtr(engagement)
		t.PostedAt = stringPtr(postedAt)
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTweetDraftsSince counts tweet drafts created at or after the cutoff.
// RFC3339 UTC strings compare lexically, so "2026-08-29" matches everything
// from that UTC day onward.
func (r Repo) CountTweetDraftsSince(ctx context.Context, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tweet_drafts WHERE created_at>=?`, cutoff).Scan(&n)
	return n, err
}

// ListRecentPostedTweets returns the most recently posted tweets, newest first.
func (r Repo) ListRecentPostedTweets(ctx context.Context, limit int) ([]domain.TweetDraft, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agent_id,content,status,engagement_json,posted_at,created_at FROM tweet_drafts WHERE status='posted' AND posted_at IS NOT NULL ORDER BY posted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TweetDraft
	for rows.Next() {
		var t domain.TweetDraft
		var engagement, postedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Content, &t.Status, &engagement, &postedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.EngagementJSON = stringPtr(engagement)
		t.PostedAt = stringPtr(postedAt)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertContentDraft(ctx context.Context, c domain.ContentDraft) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO content_drafts(id,agent_id,title,body,status,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.AgentID, c.Title, c.Body, c.Status, c.CreatedAt)
	return err
}

func (r Repo) ListContentDrafts(ctx context.Context, limit int) ([]domain.ContentDraft, error) {
	query := `SELECT id,agent_id,title,body,status,created_at FROM content_drafts ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentDraft
	for rows.Next() {
		var c domain.ContentDraft
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Title, &c.Body, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountContentDraftsSince(ctx context.Context, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM content_drafts WHERE created_at>=?`, cutoff).Scan(&n)
	return n, err
}

func (r Repo) InsertComplianceUpdate(ctx context.Context, c domain.ComplianceUpdate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO compliance_updates(id,title,summary,urgency,source_url,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Title, c.Summary, c.Urgency, c.SourceURL, c.CreatedAt)
	return err
}

func (r Repo) ListComplianceUpdates(ctx context.Context, limit int) ([]domain.ComplianceUpdate, error) {
	query := `SELECT id,title,summary,urgency,source_url,created_at FROM compliance_updates ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComplianceUpdate
	for rows.Next() {
		var c domain.ComplianceUpdate
		if err := rows.Scan(&c.ID, &c.Title, &c.Summary, &c.Urgency, &c.SourceURL, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountCriticalComplianceSince(ctx context.Context, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM compliance_updates WHERE urgency='critical' AND created_at>=?`, cutoff).Scan(&n)
	return n, err
}

func (r Repo) InsertIntelItem(ctx context.Context, it domain.IntelItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO intel_items(id,competitor,summary,significance,source_url,created_at) VALUES (?,?,?,?,?,?)`,
		it.ID, it.Competitor, it.Summary, it.Significance, it.SourceURL, it.CreatedAt)
	return err
}

func (r Repo) ListIntelItems(ctx context.Context, limit int) ([]domain.IntelItem, error) {
	query := `SELECT id,competitor,summary,significance,source_url,created_at FROM intel_items ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntelItem
	for rows.Next() {
		var it domain.IntelItem
		if err := rows.Scan(&it.ID, &it.Competitor, &it.Summary, &it.Significance, &it.SourceURL, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) CountHighIntelSince(ctx context.Context, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM intel_items WHERE significance='high' AND created_at>=?`, cutoff).Scan(&n)
	return n, err
}

// CountFailedMissionsSince counts missions that failed at or after the cutoff.
func (r Repo) CountFailedMissionsSince(ctx context.Context, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM missions WHERE status='failed' AND completed_at IS NOT NULL AND completed_at>=?`, cutoff).Scan(&n)
	return n, err
}
