package server

import (
	"encoding/json"

	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/metrics"
)

// Request payloads

type CreateCaseRequest struct {
	ID           *string `json:"id,omitempty"`
	BusinessName string  `json:"business_name"`
	Description  *string `json:"description,omitempty"`
	Jurisdiction string  `json:"jurisdiction"`
	Priority     *int    `json:"priority,omitempty"`
}

type HireWorkerRequest struct {
	Name       *string `json:"name,omitempty"`
	Role       string  `json:"role"`
	Department *string `json:"department,omitempty"`
	Capacity   int     `json:"capacity"`
}

type SubmitOutcomeRequest struct {
	WorkerID string  `json:"worker_id"`
	Result   string  `json:"result" enum:"success,failure"`
	Detail   *string `json:"detail,omitempty"`
	TS       *string `json:"ts,omitempty" format:"date-time"`
}

// Response payloads

type CaseResponse struct {
	ID           string `json:"id"`
	BusinessName string `json:"business_name"`
	Jurisdiction string `json:"jurisdiction"`
	CurrentStage string `json:"current_stage,omitempty"`
	Status       string `json:"status" enum:"draft,in_progress,blocked,completed,abandoned"`
	Priority     int    `json:"priority"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type TaskSummaryResponse struct {
	ID        string  `json:"id"`
	StageKey  string  `json:"stage_key"`
	TaskKey   string  `json:"task_key"`
	Title     string  `json:"title"`
	Role      string  `json:"role"`
	Status    string  `json:"status" enum:"pending,ready,assigned,succeeded,failed,cancelled"`
	WorkerID  *string `json:"worker_id,omitempty"`
	Attempts  int     `json:"attempts"`
	LastError *string `json:"last_error,omitempty"`
}

type CaseStatusResponse struct {
	Case        CaseResponse          `json:"case"`
	Stage       string                `json:"stage,omitempty"`
	TaskCounts  map[string]int        `json:"task_counts"`
	Tasks       []TaskSummaryResponse `json:"tasks"`
	ProgressPct int                   `json:"progress_pct"`
}

type WorkerResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department"`
	Capacity   int    `json:"capacity"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type WorkerMetricsResponse struct {
	Worker  WorkerResponse  `json:"worker"`
	Summary metrics.Summary `json:"summary"`
}

type TickResponse struct {
	Assigned []engine.Assignment `json:"assigned"`
}

type ComplianceItemResponse struct {
	ID          string  `json:"id"`
	CaseID      string  `json:"case_id"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	DueDate     string  `json:"due_date" format:"date-time"`
	Fee         float64 `json:"fee,omitempty"`
	Status      string  `json:"status" enum:"pending,filed,overdue"`
}

type DepartmentMetricsResponse struct {
	Department string          `json:"department"`
	Summary    metrics.Summary `json:"summary"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	CaseID     string          `json:"case_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func caseResponse(c domain.FormationCase) CaseResponse {
	return CaseResponse{
		ID:           c.ID,
		BusinessName: c.BusinessName,
		Jurisdiction: c.Jurisdiction,
		CurrentStage: c.CurrentStage,
		Status:       c.Status,
		Priority:     c.Priority,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func mapCases(items []domain.FormationCase) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

func taskSummary(t domain.Task) TaskSummaryResponse {
	return TaskSummaryResponse{
		ID:        t.ID,
		StageKey:  t.StageKey,
		TaskKey:   t.TaskKey,
		Title:     t.Title,
		Role:      t.Role,
		Status:    t.Status,
		WorkerID:  t.WorkerID,
		Attempts:  t.Attempts,
		LastError: t.LastError,
	}
}

func caseStatusResponse(s engine.CaseStatus) CaseStatusResponse {
	tasks := make([]TaskSummaryResponse, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		tasks = append(tasks, taskSummary(t))
	}
	return CaseStatusResponse{
		Case:        caseResponse(s.Case),
		Stage:       s.Stage,
		TaskCounts:  s.TaskCounts,
		Tasks:       tasks,
		ProgressPct: s.ProgressPct,
	}
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:         w.ID,
		Name:       w.Name,
		Role:       w.Role,
		Department: w.Department,
		Capacity:   w.Capacity,
		Active:     w.Active,
		CreatedAt:  w.CreatedAt,
	}
}

func complianceResponse(it domain.ComplianceItem) ComplianceItemResponse {
	return ComplianceItemResponse{
		ID:          it.ID,
		CaseID:      it.CaseID,
		Type:        it.Type,
		Description: it.Description,
		DueDate:     it.DueDate,
		Fee:         it.Fee,
		Status:      it.Status,
	}
}

func eventResponse(ev domain.Event) EventResponse {
	payload := json.RawMessage(ev.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		CaseID:     ev.CaseID,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    payload,
	}
}

func mapWorkers(items []domain.Worker) []WorkerResponse {
	res := make([]WorkerResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workerResponse(w))
	}
	return res
}
