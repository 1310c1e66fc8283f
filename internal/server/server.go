package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"formline/internal/config"
	"formline/internal/engine"
	"formline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_assigned"`
	Message string         `json:"message" example:"task not assigned to worker"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Formline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors report as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Formline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerWorkers(group, cfg.Engine)
	registerScheduler(group, cfg.Engine)
	registerOutcomes(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerCompliance(group, cfg.Engine)
	registerMetrics(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce config.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "configuration_error", err.Error(), nil)
	}
	switch {
	case errors.Is(err, engine.ErrNotAssigned):
		return newAPIError(http.StatusConflict, "not_assigned", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyTerminal):
		return newAPIError(http.StatusConflict, "already_terminal", err.Error(), nil)
	case errors.Is(err, engine.ErrWorkerBusy):
		return newAPIError(http.StatusConflict, "worker_busy", err.Error(), nil)
	case errors.Is(err, engine.ErrCaseTerminal):
		return newAPIError(http.StatusConflict, "case_terminal", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// actorHeader carries the optional operator identity on mutating calls.
type actorHeader struct {
	ActorID string `header:"X-Actor-ID" required:"false"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a formation case",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		actorHeader
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		if input.Body.BusinessName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "business_name is required", nil)
		}
		if input.Body.Jurisdiction == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "jurisdiction is required", nil)
		}
		opts := engine.CaseCreateOptions{
			BusinessName: input.Body.BusinessName,
			Jurisdiction: input.Body.Jurisdiction,
			ActorID:      input.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		c, err := e.CreateCase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List formation cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" required:"false"`
		Jurisdiction string `query:"jurisdiction" required:"false"`
		Limit        int    `query:"limit" required:"false"`
	}) (*struct {
		Body []CaseResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCases(ctx, repo.CaseFilters{
			Status:       input.Status,
			Jurisdiction: input.Jurisdiction,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CaseResponse `json:"body"`
		}{Body: mapCases(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-status",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/status",
		Summary:     "Case status report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseStatusResponse `json:"body"`
	}, error) {
		s, err := e.GetCaseStatus(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseStatusResponse `json:"body"`
		}{Body: caseStatusResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/abandon",
		Summary:     "Abandon a case",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		actorHeader
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		c, err := e.AbandonCase(ctx, input.CaseID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: caseResponse(c)}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "hire-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Hire a worker",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		actorHeader
		Body HireWorkerRequest `json:"body"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		if input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role is required", nil)
		}
		opts := engine.WorkerHireOptions{
			Role:     input.Body.Role,
			Capacity: input.Body.Capacity,
			ActorID:  input.ActorID,
		}
		if input.Body.Name != nil {
			opts.Name = *input.Body.Name
		}
		if input.Body.Department != nil {
			opts.Department = *input.Body.Department
		}
		w, err := e.HireWorker(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: workerResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Role       string `query:"role" required:"false"`
		Department string `query:"department" required:"false"`
		ActiveOnly bool   `query:"active" required:"false"`
	}) (*struct {
		Body []WorkerResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkers(ctx, repo.WorkerFilters{
			Role:       input.Role,
			Department: input.Department,
			ActiveOnly: input.ActiveOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkerResponse `json:"body"`
		}{Body: mapWorkers(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-worker",
		Method:      http.MethodDelete,
		Path:        "/workers/{worker_id}",
		Summary:     "Terminate a worker",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		actorHeader
		WorkerID string `path:"worker_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.TerminateWorker(ctx, input.WorkerID, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "terminated"}}, nil
	})
}

func registerScheduler(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tick",
		Method:      http.MethodPost,
		Path:        "/scheduler/tick",
		Summary:     "Run one scheduling pass",
		Description: "Assigns ready tasks to eligible workers. With case_id, ticks one case; otherwise every active case.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		actorHeader
		CaseID string `query:"case_id" required:"false"`
	}) (*struct {
		Body TickResponse `json:"body"`
	}, error) {
		var (
			assigned []engine.Assignment
			err      error
		)
		if input.CaseID != "" {
			assigned, err = e.Tick(ctx, input.CaseID, input.ActorID)
		} else {
			assigned, err = e.TickAll(ctx, input.ActorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if assigned == nil {
			assigned = []engine.Assignment{}
		}
		return &struct {
			Body TickResponse `json:"body"`
		}{Body: TickResponse{Assigned: assigned}}, nil
	})
}

func registerOutcomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-outcome",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/outcome",
		Summary:     "Submit a task outcome",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		actorHeader
		TaskID string               `path:"task_id"`
		Body   SubmitOutcomeRequest `json:"body"`
	}) (*struct {
		Body TaskSummaryResponse `json:"body"`
	}, error) {
		if input.Body.WorkerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker_id is required", nil)
		}
		opts := engine.SubmitOutcomeOptions{
			TaskID:   input.TaskID,
			WorkerID: input.Body.WorkerID,
			Result:   input.Body.Result,
			ActorID:  input.ActorID,
		}
		if input.Body.Detail != nil {
			opts.Detail = *input.Body.Detail
		}
		if input.Body.TS != nil {
			opts.TS = *input.Body.TS
		}
		t, err := e.SubmitOutcome(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskSummaryResponse `json:"body"`
		}{Body: taskSummary(t)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	type taskPath struct {
		actorHeader
		TaskID string `path:"task_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/tasks",
		Summary:     "List tasks of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Status string `query:"status" required:"false"`
	}) (*struct {
		Body []TaskSummaryResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{CaseID: input.CaseID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TaskSummaryResponse, 0, len(items))
		for _, t := range items {
			res = append(res, taskSummary(t))
		}
		return &struct {
			Body []TaskSummaryResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskSummaryResponse `json:"body"`
	}, error) {
		t, err := e.CancelTask(ctx, input.TaskID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskSummaryResponse `json:"body"`
		}{Body: taskSummary(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remediate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/remediate",
		Summary:     "Remediate a cancelled task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskSummaryResponse `json:"body"`
	}, error) {
		t, err := e.RemediateTask(ctx, input.TaskID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskSummaryResponse `json:"body"`
		}{Body: taskSummary(t)}, nil
	})
}

func registerCompliance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-compliance",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/compliance",
		Summary:     "List compliance items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body []ComplianceItemResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListComplianceItems(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ComplianceItemResponse, 0, len(items))
		for _, it := range items {
			res = append(res, complianceResponse(it))
		}
		return &struct {
			Body []ComplianceItemResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerMetrics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "worker-metrics",
		Method:      http.MethodGet,
		Path:        "/workers/{worker_id}/metrics",
		Summary:     "Worker performance summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkerID string `path:"worker_id"`
	}) (*struct {
		Body WorkerMetricsResponse `json:"body"`
	}, error) {
		w, s, err := e.WorkerMetrics(ctx, input.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerMetricsResponse `json:"body"`
		}{Body: WorkerMetricsResponse{Worker: workerResponse(w), Summary: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "department-metrics",
		Method:      http.MethodGet,
		Path:        "/departments/metrics",
		Summary:     "Per-department performance summaries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DepartmentMetricsResponse `json:"body"`
	}, error) {
		items := e.Metrics.Departments()
		res := make([]DepartmentMetricsResponse, 0, len(items))
		for _, s := range items {
			res = append(res, DepartmentMetricsResponse{Department: s.Scope, Summary: s})
		}
		return &struct {
			Body []DepartmentMetricsResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" required:"false"`
		CaseID     string `query:"case_id" required:"false"`
		Type       string `query:"type" required:"false"`
		EntityKind string `query:"entity_kind" required:"false"`
		EntityID   string `query:"entity_id" required:"false"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.CaseID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, ev := range items {
			res = append(res, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Formline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: %q,
        dom_id: '#swagger-ui',
      });
    </script>
  </body>
</html>`, specURL)
}
