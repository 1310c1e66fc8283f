package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/migrate"
	"formline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.Scheduler{
			MaxAttempts:    3,
			BackoffBaseSec: 1,
			BackoffFactor:  2,
			BackoffCapSec:  60,
		},
		Jurisdictions: map[string]config.Jurisdiction{
			"TS": {
				Name: "Test State",
				Stages: []config.Stage{
					{Key: "research", Title: "Research", Tasks: []config.StageTask{
						{Key: "search", Title: "Name search", Role: "researcher"},
					}},
					{Key: "filing", Title: "Filing", Tasks: []config.StageTask{
						{Key: "draft", Title: "Draft articles", Role: "drafter"},
						{Key: "file", Title: "File articles", Role: "filer", DependsOn: []string{"draft"}},
					}},
				},
				Compliance: []config.ComplianceRule{
					{Type: "annual_report", Description: "File annual report", DueMonths: 12, Fee: 50},
				},
			},
			"PAR": {
				Name: "Parallel State",
				Stages: []config.Stage{
					{Key: "batch", Title: "Batch work", Tasks: []config.StageTask{
						{Key: "a", Title: "Task A", Role: "filer"},
						{Key: "b", Title: "Task B", Role: "filer"},
						{Key: "c", Title: "Task C", Role: "filer"},
					}},
				},
			},
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, testConfig())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), now: &now}
	eng.Now = func() time.Time { return *env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func (env *testEnv) createCase(t *testing.T, jurisdiction string) domain.FormationCase {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		BusinessName: "Acme LLC",
		Jurisdiction: jurisdiction,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func (env *testEnv) hire(t *testing.T, role string, capacity int) domain.Worker {
	t.Helper()
	w, err := env.Engine.HireWorker(env.Ctx, engine.WorkerHireOptions{
		Role:     role,
		Capacity: capacity,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("hire %s: %v", role, err)
	}
	return w
}

func (env *testEnv) tick(t *testing.T, caseID string) []engine.Assignment {
	t.Helper()
	assigned, err := env.Engine.Tick(env.Ctx, caseID, "tester")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return assigned
}

func (env *testEnv) submit(t *testing.T, taskID, workerID, result string) domain.Task {
	t.Helper()
	task, err := env.Engine.SubmitOutcome(env.Ctx, engine.SubmitOutcomeOptions{
		TaskID:   taskID,
		WorkerID: workerID,
		Result:   result,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("submit %s for %s: %v", result, taskID, err)
	}
	return task
}

func TestTwoStageFlowToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t, "researcher", 1)
	env.hire(t, "drafter", 1)
	env.hire(t, "filer", 1)

	c := env.createCase(t, "TS")
	if c.Status != domain.CaseInProgress {
		t.Fatalf("expected in_progress, got %s", c.Status)
	}
	if c.CurrentStage != "research" {
		t.Fatalf("expected first stage active, got %s", c.CurrentStage)
	}

	assigned := env.tick(t, c.ID)
	if len(assigned) != 1 || assigned[0].TaskKey != "search" {
		t.Fatalf("expected search assigned, got %+v", assigned)
	}
	env.submit(t, assigned[0].TaskID, assigned[0].WorkerID, domain.ResultSuccess)

	s, err := env.Engine.GetCaseStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Stage != "filing" {
		t.Fatalf("expected stage filing after research done, got %s", s.Stage)
	}
	byKey := map[string]domain.Task{}
	for _, task := range s.Tasks {
		byKey[task.TaskKey] = task
	}
	if byKey["draft"].Status != domain.TaskReady {
		t.Fatalf("draft should be ready, got %s", byKey["draft"].Status)
	}
	if byKey["file"].Status != domain.TaskPending {
		t.Fatalf("file should wait on draft, got %s", byKey["file"].Status)
	}

	// Only draft can be handed out; file still gated by its dependency.
	assigned = env.tick(t, c.ID)
	if len(assigned) != 1 || assigned[0].TaskKey != "draft" {
		t.Fatalf("expected draft only, got %+v", assigned)
	}
	env.submit(t, assigned[0].TaskID, assigned[0].WorkerID, domain.ResultSuccess)

	assigned = env.tick(t, c.ID)
	if len(assigned) != 1 || assigned[0].TaskKey != "file" {
		t.Fatalf("expected file after draft succeeded, got %+v", assigned)
	}
	env.submit(t, assigned[0].TaskID, assigned[0].WorkerID, domain.ResultSuccess)

	s, err = env.Engine.GetCaseStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Case.Status != domain.CaseCompleted {
		t.Fatalf("expected completed, got %s", s.Case.Status)
	}
	if s.ProgressPct != 100 {
		t.Fatalf("expected 100%% progress, got %d", s.ProgressPct)
	}

	items, err := env.Engine.Repo.ListComplianceItems(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("compliance: %v", err)
	}
	if len(items) != 1 || items[0].Type != "annual_report" {
		t.Fatalf("expected seeded annual_report, got %+v", items)
	}
	due, err := time.Parse(time.RFC3339, items[0].DueDate)
	if err != nil || due.Year() != 2027 {
		t.Fatalf("expected due date one year out, got %s", items[0].DueDate)
	}
}

func TestCreateCaseIDsUniquePerCall(t *testing.T) {
	env := newTestEnv(t)
	// Same business, same jurisdiction, same clock reading: the two cases
	// must still be distinct.
	c1 := env.createCase(t, "TS")
	c2 := env.createCase(t, "TS")
	if c1.ID == c2.ID {
		t.Fatalf("expected distinct case ids, both %s", c1.ID)
	}
	cases, err := env.Engine.Repo.ListCases(env.Ctx, repo.CaseFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 2 {
		t.Fatalf("expected two cases, got %d", len(cases))
	}
}

func TestFreshCaseStartsAtFirstStage(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCase(t, "TS")
	if c.Status != domain.CaseInProgress || c.CurrentStage != "research" {
		t.Fatalf("expected in_progress at research, got %s/%s", c.Status, c.CurrentStage)
	}
	// No outcomes have been recorded, so the case cannot be complete.
	s, err := env.Engine.GetCaseStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Case.Status == domain.CaseCompleted || s.ProgressPct != 0 {
		t.Fatalf("fresh case reports %s at %d%%", s.Case.Status, s.ProgressPct)
	}
}

func TestRetryBackoffThenCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t, "researcher", 1)
	c := env.createCase(t, "TS")

	assigned := env.tick(t, c.ID)
	if len(assigned) != 1 {
		t.Fatalf("expected one assignment, got %+v", assigned)
	}
	taskID, workerID := assigned[0].TaskID, assigned[0].WorkerID

	// First failure moves the task to failed behind a backoff window.
	task := env.submit(t, taskID, workerID, domain.ResultFailure)
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed after first failure, got %s", task.Status)
	}
	if task.NextEligibleAt == nil {
		t.Fatalf("expected backoff stamp")
	}
	if got := env.tick(t, c.ID); len(got) != 0 {
		t.Fatalf("task should be held back during backoff, got %+v", got)
	}
	// Status stays failed until the window elapses; the held-back tick
	// must not revive it early.
	task, err := env.Engine.Repo.GetTask(env.Ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskFailed {
		t.Fatalf("expected failed during backoff window, got %s", task.Status)
	}

	env.advance(2 * time.Second)
	assigned = env.tick(t, c.ID)
	if len(assigned) != 1 || assigned[0].Attempt != 2 {
		t.Fatalf("expected second attempt after backoff, got %+v", assigned)
	}
	env.submit(t, taskID, workerID, domain.ResultFailure)

	env.advance(5 * time.Second)
	assigned = env.tick(t, c.ID)
	if len(assigned) != 1 || assigned[0].Attempt != 3 {
		t.Fatalf("expected third attempt, got %+v", assigned)
	}
	task = env.submit(t, taskID, workerID, domain.ResultFailure)
	if task.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled after exhausting attempts, got %s", task.Status)
	}

	gotCase, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotCase.Status != domain.CaseBlocked {
		t.Fatalf("expected blocked case, got %s", gotCase.Status)
	}
	env.advance(time.Minute)
	if got := env.tick(t, c.ID); len(got) != 0 {
		t.Fatalf("blocked case should not schedule, got %+v", got)
	}

	var exhausted int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM events WHERE type='task.retry_exhausted' AND entity_id=?`, taskID).Scan(&exhausted); err != nil {
		t.Fatal(err)
	}
	if exhausted != 1 {
		t.Fatalf("expected one retry_exhausted event, got %d", exhausted)
	}
}

func TestDuplicateOutcomeIgnored(t *testing.T) {
	env := newTestEnv(t)
	w := env.hire(t, "researcher", 1)
	c := env.createCase(t, "TS")
	assigned := env.tick(t, c.ID)
	taskID := assigned[0].TaskID

	ts := env.now.Format(time.RFC3339)
	opts := engine.SubmitOutcomeOptions{
		TaskID:   taskID,
		WorkerID: w.ID,
		Result:   domain.ResultSuccess,
		TS:       ts,
		ActorID:  "tester",
	}
	if _, err := env.Engine.SubmitOutcome(env.Ctx, opts); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// Identical resubmission is a no-op, not an error.
	if _, err := env.Engine.SubmitOutcome(env.Ctx, opts); err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}

	var count int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM outcomes WHERE task_id=?`, taskID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected one outcome row, got %d", count)
	}
	s, ok := env.Engine.Metrics.Worker(w.ID)
	if !ok || s.Attempts != 1 || s.Successes != 1 {
		t.Fatalf("duplicate must not inflate metrics: %+v", s)
	}
}

func TestWorkerCapacityRespected(t *testing.T) {
	env := newTestEnv(t)
	w := env.hire(t, "filer", 2)
	c := env.createCase(t, "PAR")

	assigned := env.tick(t, c.ID)
	if len(assigned) != 2 {
		t.Fatalf("capacity 2 worker must hold at most 2, got %d", len(assigned))
	}
	// Still full; nothing more hands out.
	if got := env.tick(t, c.ID); len(got) != 0 {
		t.Fatalf("expected no assignment while full, got %+v", got)
	}
	var held int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM tasks WHERE worker_id=? AND status='assigned'`, w.ID).Scan(&held); err != nil {
		t.Fatal(err)
	}
	if held != 2 {
		t.Fatalf("expected 2 held tasks, got %d", held)
	}

	// Freeing one slot lets the third task through.
	env.submit(t, assigned[0].TaskID, w.ID, domain.ResultSuccess)
	assigned = env.tick(t, c.ID)
	if len(assigned) != 1 {
		t.Fatalf("expected third task after slot freed, got %+v", assigned)
	}
}

func TestSubmitOutcomeGuards(t *testing.T) {
	env := newTestEnv(t)
	w := env.hire(t, "researcher", 1)
	intruder := env.hire(t, "researcher", 1)
	c := env.createCase(t, "TS")

	s, err := env.Engine.GetCaseStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	taskID := s.Tasks[0].ID

	// Not assigned yet.
	_, err = env.Engine.SubmitOutcome(env.Ctx, engine.SubmitOutcomeOptions{
		TaskID: taskID, WorkerID: w.ID, Result: domain.ResultSuccess, ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}

	assigned := env.tick(t, c.ID)
	holder := assigned[0].WorkerID
	other := w.ID
	if holder == w.ID {
		other = intruder.ID
	}
	// Wrong worker.
	_, err = env.Engine.SubmitOutcome(env.Ctx, engine.SubmitOutcomeOptions{
		TaskID: taskID, WorkerID: other, Result: domain.ResultSuccess, ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned for wrong worker, got %v", err)
	}

	env.submit(t, taskID, holder, domain.ResultSuccess)
	// A different (non-duplicate) submission after terminal is rejected.
	env.advance(time.Second)
	_, err = env.Engine.SubmitOutcome(env.Ctx, engine.SubmitOutcomeOptions{
		TaskID: taskID, WorkerID: holder, Result: domain.ResultFailure, ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}

	// Bad result string.
	_, err = env.Engine.SubmitOutcome(env.Ctx, engine.SubmitOutcomeOptions{
		TaskID: taskID, WorkerID: holder, Result: "maybe", ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected result validation error")
	}
}

func TestCancelAndRemediate(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t, "researcher", 1)
	c := env.createCase(t, "TS")
	assigned := env.tick(t, c.ID)
	taskID := assigned[0].TaskID

	task, err := env.Engine.CancelTask(env.Ctx, taskID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.Status != domain.TaskCancelled || task.WorkerID != nil {
		t.Fatalf("expected cancelled and released, got %+v", task)
	}
	gotCase, _ := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if gotCase.Status != domain.CaseBlocked {
		t.Fatalf("expected blocked after cancel, got %s", gotCase.Status)
	}

	task, err = env.Engine.RemediateTask(env.Ctx, taskID, "tester")
	if err != nil {
		t.Fatalf("remediate: %v", err)
	}
	if task.Status != domain.TaskReady || task.Attempts != 0 {
		t.Fatalf("expected fresh ready task, got %+v", task)
	}
	gotCase, _ = env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if gotCase.Status != domain.CaseInProgress {
		t.Fatalf("expected unblocked case, got %s", gotCase.Status)
	}
	if got := env.tick(t, c.ID); len(got) != 1 {
		t.Fatalf("remediated task should schedule again, got %+v", got)
	}
}

func TestAbandonCase(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t, "researcher", 1)
	c := env.createCase(t, "TS")

	abandoned, err := env.Engine.AbandonCase(env.Ctx, c.ID, "tester")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if abandoned.Status != domain.CaseAbandoned {
		t.Fatalf("expected abandoned, got %s", abandoned.Status)
	}
	if _, err := env.Engine.AbandonCase(env.Ctx, c.ID, "tester"); !errors.Is(err, engine.ErrCaseTerminal) {
		t.Fatalf("expected ErrCaseTerminal, got %v", err)
	}
	if got := env.tick(t, c.ID); len(got) != 0 {
		t.Fatalf("abandoned case must not schedule, got %+v", got)
	}
}

func TestTerminateWorker(t *testing.T) {
	env := newTestEnv(t)
	w := env.hire(t, "researcher", 1)
	c := env.createCase(t, "TS")
	assigned := env.tick(t, c.ID)

	if err := env.Engine.TerminateWorker(env.Ctx, w.ID, "tester"); !errors.Is(err, engine.ErrWorkerBusy) {
		t.Fatalf("expected ErrWorkerBusy, got %v", err)
	}
	env.submit(t, assigned[0].TaskID, w.ID, domain.ResultSuccess)
	if err := env.Engine.TerminateWorker(env.Ctx, w.ID, "tester"); err != nil {
		t.Fatalf("terminate idle worker: %v", err)
	}
	// Remaining work has no eligible worker now.
	if got := env.tick(t, c.ID); len(got) != 0 {
		t.Fatalf("terminated worker must not receive work, got %+v", got)
	}
}

func TestUnknownJurisdictionRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		BusinessName: "Acme LLC",
		Jurisdiction: "XX",
		ActorID:      "tester",
	})
	var ce config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestPlanSnapshotSurvivesCatalogEdits(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t, "researcher", 1)
	env.hire(t, "drafter", 1)
	env.hire(t, "filer", 1)
	c := env.createCase(t, "TS")

	// Mutating the catalog after creation must not affect the case plan.
	delete(env.Engine.Config.Jurisdictions, "TS")

	assigned := env.tick(t, c.ID)
	if len(assigned) != 1 || assigned[0].TaskKey != "search" {
		t.Fatalf("expected plan snapshot to keep scheduling, got %+v", assigned)
	}
	env.submit(t, assigned[0].TaskID, assigned[0].WorkerID, domain.ResultSuccess)
	s, err := env.Engine.GetCaseStatus(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Stage != "filing" {
		t.Fatalf("expected advance from snapshot plan, got %s", s.Stage)
	}
}

func TestTickAllAcrossCases(t *testing.T) {
	env := newTestEnv(t)
	env.hire(t, "researcher", 2)
	c1 := env.createCase(t, "TS")
	c2, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		BusinessName: "Beta LLC",
		Jurisdiction: "TS",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatal(err)
	}

	assigned, err := env.Engine.TickAll(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("tick all: %v", err)
	}
	cases := map[string]bool{}
	for _, a := range assigned {
		cases[a.CaseID] = true
	}
	if len(assigned) != 2 || !cases[c1.ID] || !cases[c2.ID] {
		t.Fatalf("expected one assignment per case, got %+v", assigned)
	}
}

func TestMetricsReplayReproducesCounters(t *testing.T) {
	env := newTestEnv(t)
	w := env.hire(t, "researcher", 1)
	c := env.createCase(t, "TS")

	assigned := env.tick(t, c.ID)
	env.submit(t, assigned[0].TaskID, w.ID, domain.ResultFailure)
	env.advance(2 * time.Second)
	assigned = env.tick(t, c.ID)
	env.submit(t, assigned[0].TaskID, w.ID, domain.ResultSuccess)

	live, ok := env.Engine.Metrics.Worker(w.ID)
	if !ok {
		t.Fatalf("expected live metrics")
	}
	if live.Attempts != 2 || live.Successes != 1 || live.Failures != 1 {
		t.Fatalf("unexpected live counters: %+v", live)
	}
	if live.AvgAttemptsToSuccess != 2 {
		t.Fatalf("expected 2 attempts to success, got %v", live.AvgAttemptsToSuccess)
	}

	// A fresh engine over the same store rebuilds the identical aggregate.
	reopened := engine.New(env.Engine.DB, env.Engine.Config)
	if err := reopened.ReplayMetrics(env.Ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed, ok := reopened.Metrics.Worker(w.ID)
	if !ok || replayed != live {
		t.Fatalf("replayed %+v != live %+v", replayed, live)
	}
	dept, ok := reopened.Metrics.Department(w.Department)
	if !ok || dept.Attempts != 2 {
		t.Fatalf("expected department aggregate, got %+v", dept)
	}
}
