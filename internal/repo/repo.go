package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrPendingExists signals a createPending call while the trial already has
// an open entry. The partial unique index enforces the same invariant at
// the schema level.
var ErrPendingExists = errors.New("pending entry already exists for trial")

// querier lets helpers run against either the pool or an open transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const trialCols = `id,card_no,pattern_code,COALESCE(part_name,'') AS part_name,trial_type,COALESCE(subtype,'') AS subtype,current_department_id,status,created_by,created_at,updated_at,closed_at`

func scanTrial(row *sql.Row) (domain.Trial, error) {
	var t domain.Trial
	var closedAt sql.NullString
	err := row.Scan(&t.ID, &t.CardNo, &t.PatternCode, &t.PartName, &t.TrialType, &t.Subtype,
		&t.CurrentDepartmentID, &t.Status, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.String
	}
	return t, err
}

func (r Repo) InsertTrial(ctx context.Context, tx *sql.Tx, t domain.Trial) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trials(id,card_no,pattern_code,part_name,trial_type,subtype,current_department_id,status,created_by,created_at,updated_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CardNo, t.PatternCode, nullable(t.PartName), t.TrialType, nullable(t.Subtype),
		t.CurrentDepartmentID, t.Status, t.CreatedBy, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.ClosedAt))
	return err
}

func (r Repo) GetTrial(ctx context.Context, id string) (domain.Trial, error) {
	return scanTrial(r.DB.QueryRowContext(ctx, `SELECT `+trialCols+` FROM trials WHERE id=?`, id))
}

func (r Repo) GetTrialTx(ctx context.Context, tx *sql.Tx, id string) (domain.Trial, error) {
	return scanTrial(tx.QueryRowContext(ctx, `SELECT `+trialCols+` FROM trials WHERE id=?`, id))
}

func (r Repo) GetTrialByCardNo(ctx context.Context, cardNo string) (domain.Trial, error) {
	return scanTrial(r.DB.QueryRowContext(ctx, `SELECT `+trialCols+` FROM trials WHERE card_no=?`, cardNo))
}

type TrialFilters struct {
	Status          string
	DepartmentID    string
	PatternCode     string
	TrialType       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTrials(ctx context.Context, f TrialFilters) ([]domain.Trial, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DepartmentID != "" {
		clauses = append(clauses, "current_department_id=?")
		args = append(args, f.DepartmentID)
	}
	if f.PatternCode != "" {
		clauses = append(clauses, "pattern_code=?")
		args = append(args, f.PatternCode)
	}
	if f.TrialType != "" {
		clauses = append(clauses, "trial_type=?")
		args = append(args, f.TrialType)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + trialCols + ` FROM trials ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trial
	for rows.Next() {
		var t domain.Trial
		var closedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.CardNo, &t.PatternCode, &t.PartName, &t.TrialType, &t.Subtype,
			&t.CurrentDepartmentID, &t.Status, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &closedAt); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			t.ClosedAt = &closedAt.String
		}
		res = append(res, t)
	}
	return res, nil
}

// UpdateTrialRouting refreshes the read projection after a transition.
func (r Repo) UpdateTrialRouting(ctx context.Context, tx *sql.Tx, id, departmentID, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trials SET current_department_id=?, status=?, updated_at=? WHERE id=?`,
		departmentID, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CloseTrial(ctx context.Context, tx *sql.Tx, id, closedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trials SET status=?, updated_at=?, closed_at=? WHERE id=?`,
		domain.TrialClosed, closedAt, closedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListClosedTrialsByPatternTx feeds the consolidated pattern-family report.
func (r Repo) ListClosedTrialsByPatternTx(ctx context.Context, tx *sql.Tx, patternCode string) ([]domain.Trial, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+trialCols+` FROM trials WHERE pattern_code=? AND status=? ORDER BY created_at ASC, id ASC`,
		patternCode, domain.TrialClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trial
	for rows.Next() {
		var t domain.Trial
		var closedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.CardNo, &t.PatternCode, &t.PartName, &t.TrialType, &t.Subtype,
			&t.CurrentDepartmentID, &t.Status, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &closedAt); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			t.ClosedAt = &closedAt.String
		}
		res = append(res, t)
	}
	return res, nil
}

const entryCols = `id,trial_id,department_id,assignee_username,status,COALESCE(remarks,'') AS remarks,created_at,completed_at`

func scanEntry(row *sql.Row) (domain.ProgressEntry, error) {
	var e domain.ProgressEntry
	var completedAt sql.NullString
	err := row.Scan(&e.ID, &e.TrialID, &e.DepartmentID, &e.AssigneeUsername, &e.Status, &e.Remarks, &e.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	return e, err
}

// InsertEntry creates a pending entry. Entries are created lazily as the
// trial reaches each stage, never pre-created for the whole flow.
func (r Repo) InsertEntry(ctx context.Context, tx *sql.Tx, e domain.ProgressEntry) error {
	if e.Status == domain.EntryPending {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM progress_entries WHERE trial_id=? AND status=? LIMIT 1`,
			e.TrialID, domain.EntryPending).Scan(&one)
		if err == nil {
			return ErrPendingExists
		}
		if err != sql.ErrNoRows {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO progress_entries(id,trial_id,department_id,assignee_username,status,remarks,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TrialID, e.DepartmentID, e.AssigneeUsername, e.Status, nullable(e.Remarks), e.CreatedAt, nullableStringPtr(e.CompletedAt))
	return err
}

func (r Repo) PendingEntry(ctx context.Context, trialID string) (domain.ProgressEntry, error) {
	return scanEntry(r.DB.QueryRowContext(ctx, `SELECT `+entryCols+` FROM progress_entries WHERE trial_id=? AND status=?`,
		trialID, domain.EntryPending))
}

func (r Repo) PendingEntryTx(ctx context.Context, tx *sql.Tx, trialID string) (domain.ProgressEntry, error) {
	return scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryCols+` FROM progress_entries WHERE trial_id=? AND status=?`,
		trialID, domain.EntryPending))
}

// ApproveEntryTx flips a pending entry to approved. The update is
// conditioned on status='pending' so a racing caller observes zero rows and
// must treat the transition as already processed.
func (r Repo) ApproveEntryTx(ctx context.Context, tx *sql.Tx, entryID, remarks, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE progress_entries SET status=?, remarks=?, completed_at=? WHERE id=? AND status=?`,
		domain.EntryApproved, remarks, completedAt, entryID, domain.EntryPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReassignPendingTx re-targets a still-pending entry to a new owner, same
// compare-and-swap semantics as ApproveEntryTx.
func (r Repo) ReassignPendingTx(ctx context.Context, tx *sql.Tx, entryID, assignee, remarks string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE progress_entries SET assignee_username=?, remarks=? WHERE id=? AND status=?`,
		assignee, remarks, entryID, domain.EntryPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ApproveAllPendingTx is the completion safety net; there should be nothing
// left to sweep.
func (r Repo) ApproveAllPendingTx(ctx context.Context, tx *sql.Tx, trialID, remarks, completedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE progress_entries SET status=?, remarks=?, completed_at=? WHERE trial_id=? AND status=?`,
		domain.EntryApproved, remarks, completedAt, trialID, domain.EntryPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ListEntries(ctx context.Context, trialID string) ([]domain.ProgressEntry, error) {
	return listEntries(ctx, r.DB, trialID)
}

func (r Repo) ListEntriesTx(ctx context.Context, tx *sql.Tx, trialID string) ([]domain.ProgressEntry, error) {
	return listEntries(ctx, tx, trialID)
}

func listEntries(ctx context.Context, q querier, trialID string) ([]domain.ProgressEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entryCols+` FROM progress_entries WHERE trial_id=? ORDER BY created_at ASC, id ASC`, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressEntry
	for rows.Next() {
		var e domain.ProgressEntry
		var completedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.TrialID, &e.DepartmentID, &e.AssigneeUsername, &e.Status, &e.Remarks, &e.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.String
		}
		res = append(res, e)
	}
	return res, nil
}

type AuditFilters struct {
	TrialID string
	Action  string
	Limit   int
	Cursor  int64
}

// LatestAudit serves the observability surfaces only; routing logic never
// reads audit records.
func (r Repo) LatestAudit(ctx context.Context, f AuditFilters) ([]domain.AuditRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TrialID != "" {
		clauses = append(clauses, "trial_id=?")
		args = append(args, f.TrialID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
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
	query := fmt.Sprintf(`SELECT id,ts,action,COALESCE(trial_id,''),COALESCE(department_id,''),actor,COALESCE(remarks,''),payload_json FROM audit_records %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.TS, &a.Action, &a.TrialID, &a.DepartmentID, &a.Actor, &a.Remarks, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
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
