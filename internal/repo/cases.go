package repo

import (
	"context"
	"database/sql"
	"strings"

	"formline/internal/domain"
)

const caseColumns = `id,business_name,jurisdiction,COALESCE(current_stage,''),status,priority,plan_json,created_at,updated_at`

func scanCase(row *sql.Row) (domain.FormationCase, error) {
	var c domain.FormationCase
	err := row.Scan(&c.ID, &c.BusinessName, &c.Jurisdiction, &c.CurrentStage, &c.Status, &c.Priority, &c.PlanJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.FormationCase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(id,business_name,jurisdiction,current_stage,status,priority,plan_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.BusinessName, c.Jurisdiction, nullable(c.CurrentStage), c.Status, c.Priority, c.PlanJSON, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.FormationCase, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.FormationCase, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

// UpdateCase rewrites the mutable case fields inside the caller's tx.
func (r Repo) UpdateCase(ctx context.Context, tx *sql.Tx, c domain.FormationCase) error {
	_, err := tx.ExecContext(ctx, `UPDATE cases SET current_stage=?, status=?, priority=?, updated_at=? WHERE id=?`,
		nullable(c.CurrentStage), c.Status, c.Priority, c.UpdatedAt, c.ID)
	return err
}

type CaseFilters struct {
	Status       string
	Jurisdiction string
	Limit        int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.FormationCase, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Jurisdiction != "" {
		clauses = append(clauses, "jurisdiction=?")
		args = append(args, f.Jurisdiction)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FormationCase
	for rows.Next() {
		var c domain.FormationCase
		if err := rows.Scan(&c.ID, &c.BusinessName, &c.Jurisdiction, &c.CurrentStage, &c.Status, &c.Priority, &c.PlanJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

// ActiveCaseIDs returns ids of cases the scheduler should visit, ordered by
// priority then age for deterministic tick ordering.
func (r Repo) ActiveCaseIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM cases WHERE status=? ORDER BY priority ASC, created_at ASC, id ASC`, domain.CaseInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r Repo) InsertComplianceItem(ctx context.Context, tx *sql.Tx, item domain.ComplianceItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO compliance_items(id,case_id,type,description,due_date,fee,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		item.ID, item.CaseID, item.Type, nullable(item.Description), item.DueDate, item.Fee, item.Status, item.CreatedAt)
	return err
}

func (r Repo) ListComplianceItems(ctx context.Context, caseID string) ([]domain.ComplianceItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,type,COALESCE(description,''),due_date,COALESCE(fee,0),status,created_at FROM compliance_items WHERE case_id=? ORDER BY due_date ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComplianceItem
	for rows.Next() {
		var item domain.ComplianceItem
		if err := rows.Scan(&item.ID, &item.CaseID, &item.Type, &item.Description, &item.DueDate, &item.Fee, &item.Status, &item.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, nil
}
