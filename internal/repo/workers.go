package repo

import (
	"context"
	"database/sql"

	"formline/internal/domain"
)

const workerColumns = `id,name,role,department,capacity,active,created_at`

func scanWorker(scan func(dest ...any) error) (domain.Worker, error) {
	var w domain.Worker
	var active int
	err := scan(&w.ID, &w.Name, &w.Role, &w.Department, &w.Capacity, &active, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Active = active != 0
	return w, nil
}

func (r Repo) InsertWorker(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	active := 0
	if w.Active {
		active = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workers(id,name,role,department,capacity,active,created_at) VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.Name, w.Role, w.Department, w.Capacity, active, w.CreatedAt)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	return scanWorker(r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id).Scan)
}

func (r Repo) GetWorkerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Worker, error) {
	return scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id).Scan)
}

func (r Repo) SetWorkerActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE workers SET active=? WHERE id=?`, v, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type WorkerFilters struct {
	Role       string
	Department string
	ActiveOnly bool
}

func (r Repo) ListWorkers(ctx context.Context, f WorkerFilters) ([]domain.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE 1=1`
	var args []any
	if f.Role != "" {
		query += ` AND role=?`
		args = append(args, f.Role)
	}
	if f.Department != "" {
		query += ` AND department=?`
		args = append(args, f.Department)
	}
	if f.ActiveOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

// AssignedCounts returns the number of currently assigned tasks per worker,
// across all cases. Workers with no assignments are absent from the map.
func (r Repo) AssignedCounts(ctx context.Context, tx *sql.Tx) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT worker_id, count(*) FROM tasks WHERE status=? AND worker_id IS NOT NULL GROUP BY worker_id`, domain.TaskAssigned)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		res[id] = n
	}
	return res, nil
}

// AssignedCount returns how many tasks the worker currently holds.
func (r Repo) AssignedCount(ctx context.Context, workerID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE status=? AND worker_id=?`, domain.TaskAssigned, workerID).Scan(&n)
	return n, err
}
