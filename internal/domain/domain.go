package domain

// Case statuses.
const (
	CaseDraft      = "draft"
	CaseInProgress = "in_progress"
	CaseBlocked    = "blocked"
	CaseCompleted  = "completed"
	CaseAbandoned  = "abandoned"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskReady     = "ready"
	TaskAssigned  = "assigned"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Outcome results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type FormationCase struct {
	ID           string `json:"id"`
	BusinessName string `json:"business_name"`
	Jurisdiction string `json:"jurisdiction"`
	CurrentStage string `json:"current_stage,omitempty"`
	Status       string `json:"status" enum:"draft,in_progress,blocked,completed,abandoned"`
	Priority     int    `json:"priority"`
	// PlanJSON is the ordered stage list captured from the planner at
	// creation time. Later catalog edits never affect an in-flight case.
	PlanJSON  string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// CaseTerminal reports whether a case status admits no further transitions.
func CaseTerminal(status string) bool {
	return status == CaseCompleted || status == CaseAbandoned
}

type Task struct {
	ID             string   `json:"id"`
	CaseID         string   `json:"case_id"`
	StageKey       string   `json:"stage_key"`
	StageOrder     int      `json:"stage_order"`
	TaskKey        string   `json:"task_key"`
	Title          string   `json:"title"`
	Role           string   `json:"role"`
	Status         string   `json:"status" enum:"pending,ready,assigned,succeeded,failed,cancelled"`
	WorkerID       *string  `json:"worker_id,omitempty"`
	Attempts       int      `json:"attempts"`
	LastError      *string  `json:"last_error,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	NextEligibleAt *string  `json:"next_eligible_at,omitempty" format:"date-time"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// TaskTerminal reports whether a task status admits no further transitions.
// A cancelled task can still be remediated by an operator, which is modeled
// as an explicit reset rather than a status transition.
func TaskTerminal(status string) bool {
	return status == TaskSucceeded || status == TaskCancelled
}

type Worker struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department"`
	Capacity   int    `json:"capacity"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// CanHandle reports whether the worker may be assigned a task requiring role.
func (w Worker) CanHandle(role string) bool {
	return w.Active && w.Role == role
}

type Outcome struct {
	ID       int64  `json:"id"`
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	CaseID   string `json:"case_id"`
	Attempt  int    `json:"attempt"`
	Result   string `json:"result" enum:"success,failure"`
	Detail   string `json:"detail,omitempty"`
	TS       string `json:"ts" format:"date-time"`
}

type ComplianceItem struct {
	ID          string  `json:"id"`
	CaseID      string  `json:"case_id"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	DueDate     string  `json:"due_date" format:"date-time"`
	Fee         float64 `json:"fee,omitempty"`
	Status      string  `json:"status" enum:"pending,filed,overdue"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
