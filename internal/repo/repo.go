package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"opsline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func marshalTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func unmarshalTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,agent_id,title,description,priority,source,tags,status,rejection_reason,created_at,decided_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.AgentID, p.Title, p.Description, p.Priority, p.Source, marshalTags(p.Tags), p.Status, nullableStringPtr(p.RejectionReason), p.CreatedAt, nullableStringPtr(p.DecidedAt))
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	var p domain.Proposal
	var tags string
	var reason, decidedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,agent_id,title,description,priority,source,tags,status,rejection_reason,created_at,decided_at FROM proposals WHERE id=?`, id).
		Scan(&p.ID, &p.AgentID, &p.Title, &p.Description, &p.Priority, &p.Source, &tags, &p.Status, &reason, &p.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Tags = unmarshalTags(tags)
	p.RejectionReason = stringPtr(reason)
	p.DecidedAt = stringPtr(decidedAt)
	return p, nil
}

type ProposalFilters struct {
	AgentID string
	Status  string
	Limit   int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,agent_id,title,description,priority,source,tags,status,rejection_reason,created_at,decided_at FROM proposals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		var tags string
		var reason, decidedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Title, &p.Description, &p.Priority, &p.Source, &tags, &p.Status, &reason, &p.CreatedAt, &decidedAt); err != nil {
			return nil, err
		}
		p.Tags = unmarshalTags(tags)
		p.RejectionReason = stringPtr(reason)
		p.DecidedAt = stringPtr(decidedAt)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,proposal_id,agent_id,title,description,status,priority,tags,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullableStringPtr(m.ProposalID), m.AgentID, m.Title, m.Description, m.Status, m.Priority, marshalTags(m.Tags), m.CreatedAt, nullableStringPtr(m.CompletedAt))
	return err
}

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var tags string
	var proposalID, completedAt sql.NullString
	err := scan(&m.ID, &proposalID, &m.AgentID, &m.Title, &m.Description, &m.Status, &m.Priority, &tags, &m.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Tags = unmarshalTags(tags)
	m.ProposalID = stringPtr(proposalID)
	m.CompletedAt = stringPtr(completedAt)
	return m, nil
}

const missionCols = `id,proposal_id,agent_id,title,description,status,priority,tags,created_at,completed_at`

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

type MissionFilters struct {
	AgentID string
	Status  string
	Limit   int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionCols + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMissionStatusTx(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, completed_at=? WHERE id=?`, status, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO steps(id,mission_id,agent_id,step_order,kind,title,description,input_json,status,reserved_at,last_error,completed_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.MissionID, s.AgentID, s.StepOrder, s.Kind, s.Title, s.Description, nullableStringPtr(s.InputJSON),
		s.Status, nullableStringPtr(s.ReservedAt), nullableStringPtr(s.LastError), nullableStringPtr(s.CompletedAt), s.CreatedAt)
	return err
}

const stepCols = `id,mission_id,agent_id,step_order,kind,title,description,input_json,status,reserved_at,last_error,completed_at,created_at`

func scanStep(scan func(dest ...any) error) (domain.Step, error) {
	var s domain.Step
	var input, reservedAt, lastError, completedAt sql.NullString
	err := scan(&s.ID, &s.MissionID, &s.AgentID, &s.StepOrder, &s.Kind, &s.Title, &s.Description, &input, &s.Status, &reservedAt, &lastError, &completedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.InputJSON = stringPtr(input)
	s.ReservedAt = stringPtr(reservedAt)
	s.LastError = stringPtr(lastError)
	s.CompletedAt = stringPtr(completedAt)
	return s, nil
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepCols+` FROM steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

func (r Repo) GetStepTx(ctx context.Context, tx *sql.Tx, id string) (domain.Step, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stepCols+` FROM steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

func (r Repo) ListMissionSteps(ctx context.Context, missionID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepCols+` FROM steps WHERE mission_id=? ORDER BY step_order ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ClaimStepTx flips a queued step to running. The WHERE clause makes the
// claim atomic: a second concurrent claim matches zero rows.
func (r Repo) ClaimStepTx(ctx context.Context, tx *sql.Tx, id, reservedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE steps SET status='running', reserved_at=? WHERE id=? AND status='queued'`, reservedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) FinishStepTx(ctx context.Context, tx *sql.Tx, id, status string, lastError *string, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE steps SET status=?, last_error=?, completed_at=? WHERE id=? AND status='running'`,
		status, nullableStringPtr(lastError), completedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListStaleRunningSteps returns running steps reserved at or before the cutoff.
// Lexical comparison works because reserved_at is RFC3339 UTC.
func (r Repo) ListStaleRunningSteps(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.Step, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+stepCols+` FROM steps WHERE status='running' AND reserved_at IS NOT NULL AND reserved_at<=? ORDER BY reserved_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountOpenSteps counts steps of a mission still queued or running.
func (r Repo) CountOpenSteps(ctx context.Context, tx *sql.Tx, missionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM steps WHERE mission_id=? AND status IN ('queued','running')`, missionID).Scan(&n)
	return n, err
}

// CountFailedSteps counts failed steps of a mission.
func (r Repo) CountFailedSteps(ctx context.Context, tx *sql.Tx, missionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM steps WHERE mission_id=? AND status='failed'`, missionID).Scan(&n)
	return n, err
}
