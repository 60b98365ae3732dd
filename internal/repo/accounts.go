package repo

import (
	"context"
	"database/sql"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
)

const accountCols = `username,COALESCE(display_name,'') AS display_name,COALESCE(email,'') AS email,department_id,role,COALESCE(subtype,'') AS subtype,active,created_at`

func (r Repo) InsertAccount(ctx context.Context, a domain.Account) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO accounts(username,display_name,email,department_id,role,subtype,active,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.Username, nullable(a.DisplayName), nullable(a.Email), a.DepartmentID, a.Role, nullable(a.Subtype), boolInt(a.Active), a.CreatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, username string) (domain.Account, error) {
	return scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE username=?`, username))
}

func (r Repo) GetAccountTx(ctx context.Context, tx *sql.Tx, username string) (domain.Account, error) {
	return scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE username=?`, username))
}

type AccountFilters struct {
	DepartmentID string
	Role         string
	ActiveOnly   bool
}

func (r Repo) ListAccounts(ctx context.Context, f AccountFilters) ([]domain.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts WHERE 1=1`
	var args []any
	if f.DepartmentID != "" {
		query += ` AND department_id=?`
		args = append(args, f.DepartmentID)
	}
	if f.Role != "" {
		query += ` AND role=?`
		args = append(args, f.Role)
	}
	if f.ActiveOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY department_id, role, username`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var a domain.Account
		var active int
		if err := rows.Scan(&a.Username, &a.DisplayName, &a.Email, &a.DepartmentID, &a.Role, &a.Subtype, &active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Active = active == 1
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) SetAccountActive(ctx context.Context, username string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE accounts SET active=? WHERE username=?`, boolInt(active), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindActiveAccount is the account-directory contract used by the resolver:
// one active account for (department, role), optionally narrowed to a
// subtype cohort. Lowest username wins so resolution is deterministic.
func (r Repo) FindActiveAccount(ctx context.Context, departmentID, role, subtype string) (domain.Account, error) {
	return findActiveAccount(ctx, r.DB, departmentID, role, subtype)
}

// TxAccounts is the directory view bound to an open transaction, for
// lookups inside the routing unit of work.
type TxAccounts struct {
	Tx *sql.Tx
}

func (a TxAccounts) FindActiveAccount(ctx context.Context, departmentID, role, subtype string) (domain.Account, error) {
	return findActiveAccount(ctx, a.Tx, departmentID, role, subtype)
}

func findActiveAccount(ctx context.Context, q querier, departmentID, role, subtype string) (domain.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts WHERE department_id=? AND role=? AND active=1`
	args := []any{departmentID, role}
	if subtype != "" {
		query += ` AND subtype=?`
		args = append(args, subtype)
	}
	query += ` ORDER BY username LIMIT 1`
	return scanAccount(q.QueryRowContext(ctx, query, args...))
}

func scanAccount(row *sql.Row) (domain.Account, error) {
	var a domain.Account
	var active int
	err := row.Scan(&a.Username, &a.DisplayName, &a.Email, &a.DepartmentID, &a.Role, &a.Subtype, &active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Active = active == 1
	return a, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
