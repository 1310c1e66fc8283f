package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"formline/internal/domain"
	"formline/internal/events"
)

// SubmitOutcomeOptions are parameters for reporting a task execution result.
type SubmitOutcomeOptions struct {
	TaskID   string
	WorkerID string
	Result   string
	Detail   string
	TS       string
	ActorID  string
}

// SubmitOutcome records one execution result and drives every transition
// that follows from it: task success or retry/cancel, dependent task
// promotion, stage advancement, and case completion or blocking. The
// outcome row is persisted before any transition it triggers. Duplicate
// submission of an identical outcome is detected and ignored.
func (e Engine) SubmitOutcome(ctx context.Context, opts SubmitOutcomeOptions) (domain.Task, error) {
	if opts.Result != domain.ResultSuccess && opts.Result != domain.ResultFailure {
		return domain.Task{}, fmt.Errorf("result must be %s or %s", domain.ResultSuccess, domain.ResultFailure)
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return t, err
	}
	unlock := e.locks.lock(t.CaseID)
	defer unlock()

	ts := opts.TS
	if ts == "" {
		ts = e.nowRFC3339()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	t, err = e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	dup, err := e.Repo.OutcomeExists(ctx, tx, t.ID, opts.WorkerID, opts.Result, ts)
	if err != nil {
		return t, err
	}
	if dup {
		return t, nil
	}
	if domain.TaskTerminal(t.Status) {
		return t, ErrAlreadyTerminal
	}
	if t.Status != domain.TaskAssigned || t.WorkerID == nil || *t.WorkerID != opts.WorkerID {
		return t, ErrNotAssigned
	}
	w, err := e.Repo.GetWorkerTx(ctx, tx, opts.WorkerID)
	if err != nil {
		return t, err
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, t.CaseID)
	if err != nil {
		return t, err
	}

	o := domain.Outcome{
		TaskID:   t.ID,
		WorkerID: w.ID,
		CaseID:   c.ID,
		Attempt:  t.Attempts,
		Result:   opts.Result,
		Detail:   opts.Detail,
		TS:       ts,
	}
	inserted, err := e.Repo.InsertOutcome(ctx, tx, o)
	if err != nil {
		return t, fmt.Errorf("insert outcome: %w", err)
	}
	if !inserted {
		return t, nil
	}
	if err := e.Events.Append(ctx, tx, "task.outcome", c.ID, "task", t.ID, opts.ActorID, events.EventPayload{
		"task_key": t.TaskKey,
		"worker":   w.ID,
		"result":   o.Result,
		"attempt":  o.Attempt,
	}); err != nil {
		return t, err
	}

	now := e.nowRFC3339()
	if o.Result == domain.ResultSuccess {
		t.Status = domain.TaskSucceeded
		t.LastError = nil
		t.NextEligibleAt = nil
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return t, err
		}
		if _, err := e.Repo.PromoteReady(ctx, tx, c.ID, now); err != nil {
			return t, err
		}
		if err := e.advanceCase(ctx, tx, &c, opts.ActorID); err != nil {
			return t, err
		}
	} else {
		if err := e.handleFailure(ctx, tx, &t, &c, ts, opts.Detail, opts.ActorID); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.Metrics.Record(o, w.Department)
	return t, nil
}

// handleFailure applies the retry policy: under the attempt limit the task
// moves to failed with an exponential backoff window measured from the
// failure timestamp, and re-enters ready once the window elapses; at the
// limit it is cancelled and the case blocks.
func (e Engine) handleFailure(ctx context.Context, tx *sql.Tx, t *domain.Task, c *domain.FormationCase, failedAt, detail, actorID string) error {
	now := e.nowRFC3339()
	if detail != "" {
		t.LastError = &detail
	}
	if t.Attempts < e.Config.Scheduler.MaxAttempts {
		failTS, err := time.Parse(time.RFC3339, failedAt)
		if err != nil {
			failTS = e.now().UTC()
		}
		until := e.backoffUntil(failTS, t.Attempts).UTC().Format(time.RFC3339)
		t.Status = domain.TaskFailed
		t.WorkerID = nil
		t.NextEligibleAt = &until
		t.UpdatedAt = now
		return e.Repo.UpdateTask(ctx, tx, *t)
	}
	t.Status = domain.TaskCancelled
	t.WorkerID = nil
	t.NextEligibleAt = nil
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.retry_exhausted", c.ID, "task", t.ID, actorID, events.EventPayload{
		"task_key": t.TaskKey,
		"attempts": t.Attempts,
	}); err != nil {
		return err
	}
	if c.Status == domain.CaseInProgress {
		return e.setCaseStatus(ctx, tx, c, domain.CaseBlocked, actorID)
	}
	return nil
}

// advanceCase moves the workflow forward after a success: when every task of
// the current stage has succeeded the next stage activates; when no stage
// remains and every task succeeded the case completes and compliance
// obligations are seeded.
func (e Engine) advanceCase(ctx context.Context, tx *sql.Tx, c *domain.FormationCase, actorID string) error {
	unfinished, err := e.Repo.CountStageUnfinished(ctx, tx, c.ID, c.CurrentStage)
	if err != nil {
		return err
	}
	if unfinished > 0 {
		return nil
	}
	plan, err := parsePlan(c.PlanJSON)
	if err != nil {
		return err
	}
	idx := stageIndex(plan, c.CurrentStage)
	if idx < 0 {
		return fmt.Errorf("current stage %s not in case plan", c.CurrentStage)
	}
	if idx+1 < len(plan) {
		return e.activateStage(ctx, tx, c, plan[idx+1], actorID)
	}
	remaining, err := e.Repo.CountCaseUnfinished(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return errors.New("last stage finished with unfinished tasks elsewhere")
	}
	if err := e.setCaseStatus(ctx, tx, c, domain.CaseCompleted, actorID); err != nil {
		return err
	}
	return e.seedCompliance(ctx, tx, *c, actorID)
}
