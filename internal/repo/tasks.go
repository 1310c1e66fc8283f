package repo

import (
	"context"
	"database/sql"
	"strings"

	"formline/internal/domain"
)

const taskColumns = `id,case_id,stage_key,stage_order,task_key,title,role,status,worker_id,attempts,last_error,next_eligible_at,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var workerID, lastError, nextEligible sql.NullString
	err := scan(&t.ID, &t.CaseID, &t.StageKey, &t.StageOrder, &t.TaskKey, &t.Title, &t.Role, &t.Status,
		&workerID, &t.Attempts, &lastError, &nextEligible, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if workerID.Valid {
		t.WorkerID = &workerID.String
	}
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	if nextEligible.Valid {
		t.NextEligibleAt = &nextEligible.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,case_id,stage_key,stage_order,task_key,title,role,status,worker_id,attempts,last_error,next_eligible_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CaseID, t.StageKey, t.StageOrder, t.TaskKey, t.Title, t.Role, t.Status,
		nullableStringPtr(t.WorkerID), t.Attempts, nullableStringPtr(t.LastError), nullableStringPtr(t.NextEligibleAt),
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, worker_id=?, attempts=?, last_error=?, next_eligible_at=?, updated_at=? WHERE id=?`,
		t.Status, nullableStringPtr(t.WorkerID), t.Attempts, nullableStringPtr(t.LastError), nullableStringPtr(t.NextEligibleAt), t.UpdatedAt, t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.listTaskDependencies(ctx, q, t.ID)
	return t, err
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) listTaskDependencies(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

type TaskFilters struct {
	CaseID   string
	Status   string
	StageKey string
	WorkerID string
	Limit    int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.StageKey != "" {
		clauses = append(clauses, "stage_key=?")
		args = append(args, f.StageKey)
	}
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY stage_order ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// ReadyTasks returns the case's assignable tasks: status ready with any
// backoff window elapsed, ordered by stage order then creation time. The set
// is recomputed from the store on every call.
func (r Repo) ReadyTasks(ctx context.Context, tx *sql.Tx, caseID, now string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE case_id=? AND status=? AND (next_eligible_at IS NULL OR next_eligible_at<=?)
ORDER BY stage_order ASC, created_at ASC, id ASC`, caseID, domain.TaskReady, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// AssignTask marks a ready task assigned to the worker and bumps its attempt
// count. The update is guarded by the worker's capacity inside the statement
// itself, so the capacity invariant holds atomically with the assignment;
// a false return means the task was no longer ready or the worker was full.
func (r Repo) AssignTask(ctx context.Context, tx *sql.Tx, taskID, workerID string, capacity int, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, worker_id=?, attempts=attempts+1, next_eligible_at=NULL, updated_at=?
WHERE id=? AND status=? AND (SELECT count(*) FROM tasks WHERE status=? AND worker_id=?) < ?`,
		domain.TaskAssigned, workerID, now, taskID, domain.TaskReady, domain.TaskAssigned, workerID, capacity)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PromoteReady moves pending tasks whose dependencies have all succeeded to
// ready. Returns the number of promoted tasks.
func (r Repo) PromoteReady(ctx context.Context, tx *sql.Tx, caseID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=?
WHERE case_id=? AND status=? AND NOT EXISTS (
	SELECT 1 FROM task_deps d
	JOIN tasks dep ON dep.id=d.depends_on_task_id
	WHERE d.task_id=tasks.id AND dep.status != ?
)`, domain.TaskReady, now, caseID, domain.TaskPending, domain.TaskSucceeded)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReviveFailed returns failed tasks whose backoff window has elapsed to
// ready so the next assignment pass can pick them up again.
func (r Repo) ReviveFailed(ctx context.Context, tx *sql.Tx, caseID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, next_eligible_at=NULL, updated_at=?
WHERE case_id=? AND status=? AND (next_eligible_at IS NULL OR next_eligible_at<=?)`,
		domain.TaskReady, now, caseID, domain.TaskFailed, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountStageUnfinished counts the stage's tasks not yet succeeded.
func (r Repo) CountStageUnfinished(ctx context.Context, tx *sql.Tx, caseID, stageKey string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE case_id=? AND stage_key=? AND status != ?`,
		caseID, stageKey, domain.TaskSucceeded).Scan(&n)
	return n, err
}

// CountCaseUnfinished counts all of the case's tasks not yet succeeded.
func (r Repo) CountCaseUnfinished(ctx context.Context, tx *sql.Tx, caseID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE case_id=? AND status != ?`,
		caseID, domain.TaskSucceeded).Scan(&n)
	return n, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, caseID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE case_id=? GROUP BY status`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}
