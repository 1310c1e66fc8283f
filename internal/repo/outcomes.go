package repo

import (
	"context"
	"database/sql"

	"formline/internal/domain"
)

const outcomeColumns = `id,task_id,worker_id,case_id,attempt,result,COALESCE(detail,''),ts`

// InsertOutcome appends one outcome record. The outcome log is append-only
// and unique on (task_id, worker_id, result, ts); a duplicate submission is
// detected here and reported via inserted=false so the caller can treat it
// as an idempotent no-op.
func (r Repo) InsertOutcome(ctx context.Context, tx *sql.Tx, o domain.Outcome) (inserted bool, err error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO outcomes(task_id,worker_id,case_id,attempt,result,detail,ts) VALUES (?,?,?,?,?,?,?)`,
		o.TaskID, o.WorkerID, o.CaseID, o.Attempt, o.Result, nullable(o.Detail), o.TS)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OutcomeExists reports whether an identical outcome was already recorded.
func (r Repo) OutcomeExists(ctx context.Context, tx *sql.Tx, taskID, workerID, result, ts string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT 1 FROM outcomes WHERE task_id=? AND worker_id=? AND result=? AND ts=? LIMIT 1`, taskID, workerID, result, ts)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

type OutcomeFilters struct {
	CaseID   string
	TaskID   string
	WorkerID string
	Limit    int
}

// ListOutcomes returns outcomes in append order, the order required for
// metrics replay.
func (r Repo) ListOutcomes(ctx context.Context, f OutcomeFilters) ([]domain.Outcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM outcomes WHERE 1=1`
	var args []any
	if f.CaseID != "" {
		query += ` AND case_id=?`
		args = append(args, f.CaseID)
	}
	if f.TaskID != "" {
		query += ` AND task_id=?`
		args = append(args, f.TaskID)
	}
	if f.WorkerID != "" {
		query += ` AND worker_id=?`
		args = append(args, f.WorkerID)
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Outcome
	for rows.Next() {
		var o domain.Outcome
		if err := rows.Scan(&o.ID, &o.TaskID, &o.WorkerID, &o.CaseID, &o.Attempt, &o.Result, &o.Detail, &o.TS); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, nil
}
