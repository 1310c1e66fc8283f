package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"formline/internal/config"
	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/metrics"
	"formline/internal/repo"
)

var (
	// ErrNotAssigned is returned when an outcome is submitted for a task
	// the worker does not currently hold.
	ErrNotAssigned = errors.New("task not assigned to worker")
	// ErrAlreadyTerminal is returned when a task already reached a
	// terminal status.
	ErrAlreadyTerminal = errors.New("task already terminal")
	// ErrWorkerBusy rejects deactivation of a worker holding tasks.
	ErrWorkerBusy = errors.New("worker holds assigned tasks")
	// ErrCaseTerminal rejects mutations of completed or abandoned cases.
	ErrCaseTerminal = errors.New("case already terminal")
)

// Planner turns a free-text business description and a jurisdiction code
// into an ordered stage list. The mapping itself is an external concern;
// the engine only validates the result before any stage is activated.
type Planner interface {
	BuildPlan(ctx context.Context, description, jurisdiction string) ([]config.Stage, error)
}

// CatalogPlanner serves plans straight from the jurisdiction catalog,
// ignoring the description.
type CatalogPlanner struct {
	Config *config.Config
}

func (p CatalogPlanner) BuildPlan(ctx context.Context, description, jurisdiction string) ([]config.Stage, error) {
	j, err := p.Config.Jurisdiction(jurisdiction)
	if err != nil {
		return nil, err
	}
	return j.Stages, nil
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Planner Planner
	Metrics *metrics.Aggregator
	Now     func() time.Time

	locks *caseLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Planner: CatalogPlanner{Config: cfg},
		Metrics: metrics.New(),
		Now:     time.Now,
		locks:   newCaseLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// caseLocks hands out one mutex per case id. Tick and SubmitOutcome for the
// same case must never interleave; different cases proceed in parallel.
type caseLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newCaseLocks() *caseLocks {
	return &caseLocks{m: map[string]*sync.Mutex{}}
}

func (l *caseLocks) lock(caseID string) func() {
	l.mu.Lock()
	cl, ok := l.m[caseID]
	if !ok {
		cl = &sync.Mutex{}
		l.m[caseID] = cl
	}
	l.mu.Unlock()
	cl.Lock()
	return cl.Unlock
}

// CaseCreateOptions are parameters for opening a formation case.
type CaseCreateOptions struct {
	ID           string
	BusinessName string
	Description  string
	Jurisdiction string
	Priority     int
	ActorID      string
}

// CreateCase opens a formation case: the planner expands the jurisdiction
// into an ordered stage list, the plan is captured on the case, and the
// first stage is activated in the same transaction, moving the case from
// draft to in_progress.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.FormationCase, error) {
	if opts.BusinessName == "" {
		return domain.FormationCase{}, errors.New("business name is required")
	}
	if opts.Jurisdiction == "" {
		return domain.FormationCase{}, errors.New("jurisdiction is required")
	}
	plan, err := e.Planner.BuildPlan(ctx, opts.Description, opts.Jurisdiction)
	if err != nil {
		return domain.FormationCase{}, err
	}
	if err := config.ValidateStages(plan); err != nil {
		return domain.FormationCase{}, err
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return domain.FormationCase{}, err
	}
	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.FormationCase{
		ID:           id,
		BusinessName: opts.BusinessName,
		Jurisdiction: opts.Jurisdiction,
		Status:       domain.CaseDraft,
		Priority:     opts.Priority,
		PlanJSON:     string(planJSON),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return c, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "case.created", c.ID, "case", c.ID, opts.ActorID, events.EventPayload{
		"business_name": c.BusinessName,
		"jurisdiction":  c.Jurisdiction,
	}); err != nil {
		return c, err
	}
	if err := e.activateStage(ctx, tx, &c, plan[0], opts.ActorID); err != nil {
		return c, err
	}
	if err := e.setCaseStatus(ctx, tx, &c, domain.CaseInProgress, opts.ActorID); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// activateStage materializes one stage's tasks with their declared
// dependencies. Tasks without dependencies start ready, the rest pending.
// Runs inside the caller's transaction so activation is atomic.
func (e Engine) activateStage(ctx context.Context, tx *sql.Tx, c *domain.FormationCase, stage config.Stage, actorID string) error {
	plan, err := parsePlan(c.PlanJSON)
	if err != nil {
		return err
	}
	order := stageIndex(plan, stage.Key)
	if order < 0 {
		return fmt.Errorf("stage %s not in case plan", stage.Key)
	}
	now := e.nowRFC3339()
	ids := map[string]string{}
	for _, st := range stage.Tasks {
		ids[st.Key] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.ID+"|"+stage.Key+"|"+st.Key)).String()
	}
	for _, st := range stage.Tasks {
		status := domain.TaskReady
		if len(st.DependsOn) > 0 {
			status = domain.TaskPending
		}
		t := domain.Task{
			ID:         ids[st.Key],
			CaseID:     c.ID,
			StageKey:   stage.Key,
			StageOrder: order,
			TaskKey:    st.Key,
			Title:      st.Title,
			Role:       st.Role,
			Status:     status,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return fmt.Errorf("insert task %s: %w", st.Key, err)
		}
		if len(st.DependsOn) > 0 {
			deps := make([]string, 0, len(st.DependsOn))
			for _, dep := range st.DependsOn {
				deps = append(deps, ids[dep])
			}
			if err := e.Repo.AddDependencies(ctx, tx, t.ID, deps); err != nil {
				return err
			}
		}
	}
	c.CurrentStage = stage.Key
	c.UpdatedAt = now
	if err := e.Repo.UpdateCase(ctx, tx, *c); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "case.stage.activated", c.ID, "stage", stage.Key, actorID, events.EventPayload{
		"stage": stage.Key,
		"tasks": len(stage.Tasks),
	})
}

// setCaseStatus performs a case transition and records it. No state is
// ever skipped; callers drive one transition at a time.
func (e Engine) setCaseStatus(ctx context.Context, tx *sql.Tx, c *domain.FormationCase, status, actorID string) error {
	if err := ensureCaseTransition(c.Status, status); err != nil {
		return err
	}
	from := c.Status
	c.Status = status
	c.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateCase(ctx, tx, *c); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "case.status", c.ID, "case", c.ID, actorID, events.EventPayload{
		"from": from,
		"to":   status,
	})
}

func ensureCaseTransition(oldStatus, newStatus string) error {
	if newStatus == domain.CaseAbandoned && !domain.CaseTerminal(oldStatus) {
		return nil
	}
	switch oldStatus {
	case domain.CaseDraft:
		if newStatus == domain.CaseInProgress {
			return nil
		}
	case domain.CaseInProgress:
		if newStatus == domain.CaseBlocked || newStatus == domain.CaseCompleted {
			return nil
		}
	case domain.CaseBlocked:
		if newStatus == domain.CaseInProgress {
			return nil
		}
	}
	return fmt.Errorf("invalid case status transition %s -> %s", oldStatus, newStatus)
}

func parsePlan(planJSON string) ([]config.Stage, error) {
	var plan []config.Stage
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return nil, fmt.Errorf("case plan: %w", err)
	}
	return plan, nil
}

func stageIndex(plan []config.Stage, key string) int {
	for i, s := range plan {
		if s.Key == key {
			return i
		}
	}
	return -1
}

// AbandonCase is the manual terminal transition, allowed from any
// non-terminal state.
func (e Engine) AbandonCase(ctx context.Context, caseID, actorID string) (domain.FormationCase, error) {
	unlock := e.locks.lock(caseID)
	defer unlock()

	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return c, err
	}
	if domain.CaseTerminal(c.Status) {
		return c, ErrCaseTerminal
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.setCaseStatus(ctx, tx, &c, domain.CaseAbandoned, actorID); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// WorkerHireOptions are parameters for hiring a worker.
type WorkerHireOptions struct {
	Name       string
	Role       string
	Department string
	Capacity   int
	ActorID    string
}

func (e Engine) HireWorker(ctx context.Context, opts WorkerHireOptions) (domain.Worker, error) {
	if opts.Role == "" {
		return domain.Worker{}, errors.New("role is required")
	}
	if opts.Capacity <= 0 {
		return domain.Worker{}, errors.New("capacity must be positive")
	}
	if opts.Department == "" {
		opts.Department = opts.Role
	}
	id := uuid.New().String()
	if opts.Name == "" {
		opts.Name = "agent-" + id[:8]
	}
	w := domain.Worker{
		ID:         id,
		Name:       opts.Name,
		Role:       opts.Role,
		Department: opts.Department,
		Capacity:   opts.Capacity,
		Active:     true,
		CreatedAt:  e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorker(ctx, tx, w); err != nil {
		return w, fmt.Errorf("insert worker: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "worker.hired", "", "worker", w.ID, opts.ActorID, events.EventPayload{
		"role":       w.Role,
		"department": w.Department,
		"capacity":   w.Capacity,
	}); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// TerminateWorker deactivates a worker. Rejected while the worker still
// holds assigned tasks.
func (e Engine) TerminateWorker(ctx context.Context, workerID, actorID string) error {
	if _, err := e.Repo.GetWorker(ctx, workerID); err != nil {
		return err
	}
	held, err := e.Repo.AssignedCount(ctx, workerID)
	if err != nil {
		return err
	}
	if held > 0 {
		return fmt.Errorf("%w: %d held", ErrWorkerBusy, held)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetWorkerActive(ctx, tx, workerID, false); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "worker.terminated", "", "worker", workerID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelTask cancels a non-terminal task by operator action and blocks the
// case. The worker's capacity slot is freed immediately.
func (e Engine) CancelTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	unlock := e.locks.lock(t.CaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if domain.TaskTerminal(t.Status) {
		return t, ErrAlreadyTerminal
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, t.CaseID)
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskCancelled
	t.WorkerID = nil
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", c.ID, "task", t.ID, actorID, events.EventPayload{"task_key": t.TaskKey}); err != nil {
		return t, err
	}
	if c.Status == domain.CaseInProgress {
		if err := e.setCaseStatus(ctx, tx, &c, domain.CaseBlocked, actorID); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// RemediateTask resets a cancelled task to pending with a cleared attempt
// count and unblocks the case. This is the only path out of blocked.
func (e Engine) RemediateTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	unlock := e.locks.lock(t.CaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskCancelled {
		return t, fmt.Errorf("task %s is %s, not cancelled", t.ID, t.Status)
	}
	now := e.nowRFC3339()
	t.Status = domain.TaskPending
	t.Attempts = 0
	t.WorkerID = nil
	t.LastError = nil
	t.NextEligibleAt = nil
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if _, err := e.Repo.PromoteReady(ctx, tx, t.CaseID, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.remediated", t.CaseID, "task", t.ID, actorID, events.EventPayload{"task_key": t.TaskKey}); err != nil {
		return t, err
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, t.CaseID)
	if err != nil {
		return t, err
	}
	if c.Status == domain.CaseBlocked {
		if err := e.setCaseStatus(ctx, tx, &c, domain.CaseInProgress, actorID); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// CaseStatus is the read-side snapshot of one case.
type CaseStatus struct {
	Case        domain.FormationCase `json:"case"`
	Stage       string               `json:"stage"`
	TaskCounts  map[string]int       `json:"task_counts"`
	Tasks       []domain.Task        `json:"tasks"`
	ProgressPct int                  `json:"progress_pct"`
}

// GetCaseStatus is a lock-free snapshot read; it may trail in-flight
// mutations but never exposes a partially applied transition.
func (e Engine) GetCaseStatus(ctx context.Context, caseID string) (CaseStatus, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return CaseStatus{}, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, caseID)
	if err != nil {
		return CaseStatus{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{CaseID: caseID})
	if err != nil {
		return CaseStatus{}, err
	}
	plan, err := parsePlan(c.PlanJSON)
	if err != nil {
		return CaseStatus{}, err
	}
	planned := 0
	for _, s := range plan {
		planned += len(s.Tasks)
	}
	progress := 0
	if planned > 0 {
		progress = counts[domain.TaskSucceeded] * 100 / planned
	}
	return CaseStatus{
		Case:        c,
		Stage:       c.CurrentStage,
		TaskCounts:  counts,
		Tasks:       tasks,
		ProgressPct: progress,
	}, nil
}

// WorkerMetrics returns the worker record plus its aggregate summary.
func (e Engine) WorkerMetrics(ctx context.Context, workerID string) (domain.Worker, metrics.Summary, error) {
	w, err := e.Repo.GetWorker(ctx, workerID)
	if err != nil {
		return w, metrics.Summary{}, err
	}
	s, _ := e.Metrics.Worker(workerID)
	return w, s, nil
}

// ReplayMetrics rebuilds the in-memory aggregate from the outcome log.
// Called once after opening a store; the result is identical to having
// observed every outcome live.
func (e Engine) ReplayMetrics(ctx context.Context) error {
	outcomes, err := e.Repo.ListOutcomes(ctx, repo.OutcomeFilters{})
	if err != nil {
		return err
	}
	workers, err := e.Repo.ListWorkers(ctx, repo.WorkerFilters{})
	if err != nil {
		return err
	}
	depts := make(map[string]string, len(workers))
	for _, w := range workers {
		depts[w.ID] = w.Department
	}
	metrics.Replay(e.Metrics, outcomes, func(workerID string) string { return depts[workerID] })
	return nil
}

// seedCompliance creates the jurisdiction's recurring obligations once a
// case completes.
func (e Engine) seedCompliance(ctx context.Context, tx *sql.Tx, c domain.FormationCase, actorID string) error {
	j, err := e.Config.Jurisdiction(c.Jurisdiction)
	if err != nil {
		// Jurisdiction removed from the catalog after case creation;
		// nothing to seed.
		return nil
	}
	now := e.now().UTC()
	for _, rule := range j.Compliance {
		item := domain.ComplianceItem{
			ID:          uuid.New().String(),
			CaseID:      c.ID,
			Type:        rule.Type,
			Description: rule.Description,
			DueDate:     now.AddDate(0, rule.DueMonths, 0).Format(time.RFC3339),
			Fee:         rule.Fee,
			Status:      "pending",
			CreatedAt:   now.Format(time.RFC3339),
		}
		if err := e.Repo.InsertComplianceItem(ctx, tx, item); err != nil {
			return fmt.Errorf("seed compliance %s: %w", rule.Type, err)
		}
		if err := e.Events.Append(ctx, tx, "compliance.seeded", c.ID, "compliance", item.ID, actorID, events.EventPayload{
			"type": item.Type,
			"due":  item.DueDate,
		}); err != nil {
			return err
		}
	}
	return nil
}
