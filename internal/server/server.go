// Package server exposes the gate engine over HTTP with an OpenAPI surface.
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

	"gateflow/internal/compact"
	"gateflow/internal/domain"
	"gateflow/internal/engine"
	"gateflow/internal/repo"
	"gateflow/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    *engine.Engine
	Compactor compact.Compactor
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"out_of_order"`
	Message string         `json:"message" example:"gate qa.contract does not follow code.review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gateflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gateflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerQuestions(group, cfg.Engine)
	registerRisks(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerArchives(group, cfg.Engine, cfg.Compactor)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// handleError maps typed engine failures onto the HTTP error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		var details map[string]any
		if len(ee.Missing) > 0 {
			details = map[string]any{"missing_kinds": ee.Missing}
		}
		switch ee.Code {
		case validate.CodeOutOfOrder, validate.CodeQuestionsUnresolved:
			return newAPIError(http.StatusConflict, ee.Code, ee.Message, details)
		case validate.CodeUnauthorized:
			return newAPIError(http.StatusForbidden, ee.Code, ee.Message, details)
		case validate.CodeMissingEvidence, validate.CodeRiskRefRequired, engine.CodeUncitedFact:
			return newAPIError(http.StatusUnprocessableEntity, ee.Code, ee.Message, details)
		case engine.CodeBusy:
			return newAPIError(http.StatusConflict, ee.Code, ee.Message, map[string]any{"retry": true})
		case engine.CodeNotFound:
			return newAPIError(http.StatusNotFound, ee.Code, ee.Message, details)
		default:
			return newAPIError(http.StatusBadRequest, ee.Code, ee.Message, details)
		}
	}
	var mk *compact.MustKeepError
	if errors.As(err, &mk) {
		return newAPIError(http.StatusConflict, compact.CodeMustKeep, mk.Error(), map[string]any{"missing": mk.Missing})
	}
	if errors.Is(err, compact.ErrNotNeeded) {
		return newAPIError(http.StatusConflict, "not_needed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerCatalog(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "catalog-show",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Gate catalog",
	}, func(ctx context.Context, _ *struct{}) (*CatalogResponse, error) {
		resp := &CatalogResponse{}
		resp.Body.Entry = e.Catalog.Entry()
		resp.Body.Terminal = e.Catalog.Terminal()
		resp.Body.Gates = e.Catalog.Gates()
		return resp, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Tasks per gate",
	}, func(ctx context.Context, _ *struct{}) (*StatusResponse, error) {
		counts, err := e.Repo.CountTasksByGate(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &StatusResponse{}
		resp.Body.TasksByGate = counts
		return resp, nil
	})
}

// TaskPath binds the {task_id} path parameter. Exported because huma sets
// promoted fields by reflection, which an unexported embedded type blocks.
type TaskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, e *engine.Engine) {
	type listInput struct {
		Status     string `query:"status" enum:"draft,active,blocked,synced,abandoned,"`
		Gate       string `query:"gate"`
		ForkedFrom string `query:"forked_from"`
		Limit      int    `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "task-list",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *listInput) (*TaskListResponse, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status:     input.Status,
			Gate:       input.Gate,
			ForkedFrom: input.ForkedFrom,
			Limit:      limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := &TaskListResponse{}
		resp.Body.Tasks = tasks
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-show",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task record with summary, open questions and live log",
	}, func(ctx context.Context, input *TaskPath) (*RecordResponse, error) {
		rec, err := e.Record(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &RecordResponse{Body: rec}, nil
	})

	type logInput struct {
		TaskPath
		From int64 `query:"from"`
		To   int64 `query:"to"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "task-log",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/log",
		Summary:     "Activity log range (stitched across forks)",
	}, func(ctx context.Context, input *logInput) (*LogResponse, error) {
		entries, err := e.Log(ctx, input.TaskID, input.From, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &LogResponse{}
		resp.Body.TaskID = input.TaskID
		resp.Body.Entries = entries
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-summary",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/summary",
		Summary:     "Rolling summary",
	}, func(ctx context.Context, input *TaskPath) (*SummaryResponse, error) {
		rec, err := e.Record(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &SummaryResponse{}
		if rec.Summary != nil {
			resp.Body = *rec.Summary
		} else {
			resp.Body = domain.RollingSummary{TaskID: input.TaskID}
		}
		return resp, nil
	})

	type transitionInput struct {
		TaskPath
		Body TransitionRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "task-transition",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/transition",
		Summary:     "Apply a gate transition",
	}, func(ctx context.Context, input *transitionInput) (*TransitionResponse, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Transition(ctx, engine.TransitionRequest{
			TaskID:     input.TaskID,
			TargetGate: input.Body.TargetGate,
			Mode:       input.Body.Mode,
			Rollback:   input.Body.Rollback,
			Refine:     input.Body.Refine,
			ActorID:    p.ActorID,
			ActorRole:  p.Role,
			Evidence:   toEvidenceInput(input.Body.Evidence),
			RiskRef:    input.Body.RiskRef,
			Summary:    input.Body.Summary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &TransitionResponse{Body: res}, nil
	})

	type branchInput struct {
		TaskPath
		Body BranchRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "task-branch",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/branch",
		Summary:     "Fork a child task from the current gate",
	}, func(ctx context.Context, input *branchInput) (*TransitionResponse, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Transition(ctx, engine.TransitionRequest{
			TaskID:     input.TaskID,
			TargetGate: input.Body.TargetGate,
			Mode:       domain.ModeBranch,
			ActorID:    p.ActorID,
			ActorRole:  p.Role,
			Evidence:   toEvidenceInput(input.Body.Evidence),
			Summary:    input.Body.Summary,
			ChildID:    input.Body.ChildID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &TransitionResponse{Body: res}, nil
	})

	type abandonInput struct {
		TaskPath
		Body AbandonRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "task-abandon",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/abandon",
		Summary:     "Terminally abandon a task",
	}, func(ctx context.Context, input *abandonInput) (*TransitionResponse, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Abandon(ctx, input.TaskID, p.ActorID, p.Role, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &TransitionResponse{Body: res}, nil
	})

	type annotateInput struct {
		TaskPath
		Body AnnotationRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "task-annotate",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/annotations",
		Summary:     "Append an annotation",
	}, func(ctx context.Context, input *annotateInput) (*TransitionResponse, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Annotate(ctx, engine.AnnotateRequest{
			TaskID:  input.TaskID,
			ActorID: p.ActorID,
			Text:    input.Body.Text,
			Summary: input.Body.Summary,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &TransitionResponse{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-summary-rebuild",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/summary/rebuild",
		Summary:     "Rebuild the rolling summary by ledger replay",
	}, func(ctx context.Context, input *TaskPath) (*SummaryResponse, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		sum, err := e.RebuildSummary(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &SummaryResponse{Body: sum}, nil
	})
}

func registerQuestions(api huma.API, e *engine.Engine) {
	type listInput struct {
		TaskPath
		Status string `query:"status" enum:"open,resolved,"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "question-list",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/questions",
		Summary:     "List open questions",
	}, func(ctx context.Context, input *listInput) (*QuestionListResponse, error) {
		questions, err := e.Repo.ListQuestions(ctx, input.TaskID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &QuestionListResponse{}
		resp.Body.Questions = questions
		return resp, nil
	})

	type raiseInput struct {
		TaskPath
		Body QuestionRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "question-raise",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/questions",
		Summary:     "Raise an open question",
	}, func(ctx context.Context, input *raiseInput) (*QuestionResponse, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.RaiseQuestion(ctx, engine.QuestionRequest{
			TaskID:  input.TaskID,
			ActorID: p.ActorID,
			Text:    input.Body.Text,
			Owner:   input.Body.Owner,
			DueAt:   input.Body.DueAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &QuestionResponse{Body: q}, nil
	})

	type resolveInput struct {
		TaskPath
		QuestionID string `path:"question_id"`
		Body       ResolveQuestionRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "question-resolve",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/questions/{question_id}/resolve",
		Summary:     "Resolve an open question",
	}, func(ctx context.Context, input *resolveInput) (*QuestionResponse, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.ResolveQuestion(ctx, input.TaskID, input.QuestionID, p.ActorID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &QuestionResponse{Body: q}, nil
	})
}

func registerRisks(api huma.API, e *engine.Engine) {
	type listInput struct {
		TaskPath
		Status string `query:"status" enum:"open,resolved,"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "risk-list",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/risks",
		Summary:     "List risks",
	}, func(ctx context.Context, input *listInput) (*RiskListResponse, error) {
		risks, err := e.Repo.ListRisks(ctx, input.TaskID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &RiskListResponse{}
		resp.Body.Risks = risks
		return resp, nil
	})

	type upsertInput struct {
		TaskPath
		RiskID string `path:"risk_id"`
		Body   RiskRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "risk-upsert",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/risks/{risk_id}",
		Summary:     "Create or update a risk",
	}, func(ctx context.Context, input *upsertInput) (*RiskResponse, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rk, err := e.UpsertRisk(ctx, input.TaskID, p.ActorID, domain.Risk{
			ID:          input.RiskID,
			Description: input.Body.Description,
			RAG:         input.Body.RAG,
			Probability: input.Body.Probability,
			Impact:      input.Body.Impact,
			Owner:       input.Body.Owner,
			DueAt:       input.Body.DueAt,
			Mitigation:  input.Body.Mitigation,
			Status:      input.Body.Status,
			MustKeep:    input.Body.MustKeep,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &RiskResponse{Body: rk}, nil
	})
}

func registerEvidence(api huma.API, e *engine.Engine) {
	type listInput struct {
		TaskPath
		Gate string `query:"gate"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "evidence-list",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/evidence",
		Summary:     "Evidence history",
	}, func(ctx context.Context, input *listInput) (*EvidenceListResponse, error) {
		evidence, err := e.Repo.ListEvidence(ctx, input.TaskID, input.Gate)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &EvidenceListResponse{}
		resp.Body.Evidence = evidence
		return resp, nil
	})
}

func registerArchives(api huma.API, e *engine.Engine, c compact.Compactor) {
	huma.Register(api, huma.Operation{
		OperationID: "archive-list",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/archives",
		Summary:     "List archives",
	}, func(ctx context.Context, input *TaskPath) (*ArchiveListResponse, error) {
		archives, err := e.Repo.ListArchives(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &ArchiveListResponse{}
		resp.Body.Archives = archives
		return resp, nil
	})

	type archivePath struct {
		ArchiveID string `path:"archive_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "archive-show",
		Method:      http.MethodGet,
		Path:        "/archives/{archive_id}",
		Summary:     "Archive contents",
	}, func(ctx context.Context, input *archivePath) (*ArchiveResponse, error) {
		arch, err := e.Repo.GetArchive(ctx, input.ArchiveID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ArchiveResponse{Body: arch}, nil
	})

	type compactInput struct {
		TaskPath
		Body CompactRequest
	}
	huma.Register(api, huma.Operation{
		OperationID: "task-compact",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/compact",
		Summary:     "Compact the activity log",
	}, func(ctx context.Context, input *compactInput) (*ArchiveResponse, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		arch, err := c.Run(ctx, input.TaskID, p.ActorID, input.Body.Rationale, input.Body.Force, input.Body.MustKeep)
		if err != nil {
			return nil, handleError(err)
		}
		return &ArchiveResponse{Body: arch}, nil
	})
}

func toEvidenceInput(req *EvidenceRequest) *engine.EvidenceInput {
	if req == nil {
		return nil
	}
	return &engine.EvidenceInput{Kinds: req.Kinds, Fields: req.Fields}
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Gateflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
