package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobflow/internal/domain"
	"jobflow/internal/engine"
	"jobflow/internal/logger"
	"jobflow/internal/repo"
)

const (
	roleAdmin       = "ADMIN"
	roleCoordinator = "COORDINATOR"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *logger.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"note_required"`
	Message string         `json:"message" example:"transition APPOINTMENT->CANCELLED requires a note"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

type internalErrKey struct{}

// internalErr carries a handler's internal error out to requestLogger.
type internalErr struct{ err error }

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the jobflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("component", "http")

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema failures are client input errors, not guard violations
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine, log))
	router.Use(originMiddleware)

	hcfg := huma.DefaultConfig("jobflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerRules(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerEvaluations(group, cfg.Engine)
	registerLeaderboard(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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

// handleError maps engine errors onto the error envelope. Internal errors
// keep their cause out of the body; requestLogger logs it instead.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	var gv *engine.GuardViolation
	if errors.As(err, &gv) {
		return newAPIError(http.StatusUnprocessableEntity, gv.Reason, err.Error(), map[string]any{"from": gv.From, "to": gv.To, "role": gv.Role})
	}
	if engine.IsConcurrencyConflict(err) {
		return newAPIError(http.StatusConflict, "concurrency_conflict", "job was changed by another request; reload and retry", nil)
	}
	var nf *engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if slot, ok := ctx.Value(internalErrKey{}).(*internalErr); ok {
		slot.err = err
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "concurrency_conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>jobflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[WhoAmIResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(WhoAmIResponse{ActorID: p.ActorID, Roles: nonNilSlice(p.Roles), Source: p.Source}), nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-statuses",
		Method:      http.MethodGet,
		Path:        "/statuses",
		Summary:     "List workflow statuses",
	}, func(ctx context.Context, _ *struct{}) (*body[[]domain.Status], error) {
		return reply(nonNilSlice(e.Statuses())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-criteria",
		Method:      http.MethodGet,
		Path:        "/criteria",
		Summary:     "List evaluation criteria",
	}, func(ctx context.Context, _ *struct{}) (*body[[]domain.Criterion], error) {
		return reply(nonNilSlice(e.Criteria())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reload-rules",
		Method:      http.MethodPost,
		Path:        "/rules/reload",
		Summary:     "Reload workflow rules from the database",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*body[RulesReloadResponse], error) {
		if err := requireRole(ctx, roleAdmin); err != nil {
			return nil, err
		}
		if err := e.ReloadRules(ctx); err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(RulesReloadResponse{Statuses: len(e.Statuses()), Criteria: len(e.Criteria())}), nil
	})
}

type jobPath struct {
	JobID string `path:"job_id"`
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*body[domain.Job], error) {
		if err := requireRole(ctx, roleAdmin, roleCoordinator); err != nil {
			return nil, err
		}
		p, _ := principalFromRequest(ctx)
		job, err := e.CreateJob(ctx, engine.JobCreateOptions{
			ID:            input.Body.ID,
			Code:          input.Body.Code,
			Status:        input.Body.Status,
			LocationKey:   input.Body.LocationKey,
			JobTypeKey:    input.Body.JobTypeKey,
			ResponsibleID: input.Body.ResponsibleID,
			ScheduledDate: input.Body.ScheduledDate,
			CustomFields:  input.Body.CustomFields,
			ActorID:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*body[[]domain.Job], error) {
		jobs, err := e.ListJobs(ctx, repo.JobFilters{Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(jobs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*body[domain.Job], error) {
		job, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-history",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/history",
		Summary:     "Status history of a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*body[[]domain.StatusHistoryEntry], error) {
		h, err := e.JobHistory(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(h)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-job-part",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/parts",
		Summary:       "Record a part used on a job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string         `path:"job_id"`
		Body  AddPartRequest `json:"body"`
	}) (*body[domain.JobPart], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		part, err := e.AddJobPart(ctx, engine.PartOptions{JobID: input.JobID, Name: input.Body.Name, Quantity: input.Body.Quantity, ActorID: p.ActorID})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(part), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-parts",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/parts",
		Summary:     "List parts used on a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*body[[]domain.JobPart], error) {
		parts, err := e.ListParts(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(parts)), nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "legal-transitions",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/transitions",
		Summary:     "Transitions the caller may take from the job's status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Role  string `query:"role"`
	}) (*body[LegalTransitionsResponse], error) {
		_, role, authErr := actingRole(ctx, input.Role)
		if authErr != nil {
			return nil, authErr
		}
		job, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		views, err := e.LegalTransitions(ctx, job.ID, role)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(LegalTransitionsResponse{
			JobID:       job.ID,
			StatusKey:   job.StatusKey,
			Version:     job.Version,
			Role:        role,
			Transitions: nonNilSlice(views),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commit-transition",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/transitions",
		Summary:     "Move a job to another status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		JobID string                  `path:"job_id"`
		Body  CommitTransitionRequest `json:"body"`
	}) (*body[engine.CommitResult], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, role, authErr := actingRole(ctx, input.Body.Role)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CommitTransition(ctx, engine.CommitRequest{
			JobID:           input.JobID,
			ToStatus:        input.Body.ToStatus,
			ActorID:         p.ActorID,
			Role:            role,
			Note:            input.Body.Note,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(res), nil
	})
}

func registerEvaluations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-evaluations",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/evaluations",
		Summary:     "Submit per-person evaluations for a job",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		JobID string                   `path:"job_id"`
		Body  SubmitEvaluationsRequest `json:"body"`
	}) (*body[engine.SubmitResult], error) {
		if err := requireRole(ctx, roleAdmin, roleCoordinator); err != nil {
			return nil, err
		}
		p, _ := principalFromRequest(ctx)
		res, err := e.SubmitEvaluations(ctx, engine.SubmitRequest{
			JobID:   input.JobID,
			Month:   input.Body.Month,
			Year:    input.Body.Year,
			Entries: evaluationEntries(input.Body.Entries, p.ActorID),
			ActorID: p.ActorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evaluations",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/evaluations",
		Summary:     "Evaluations recorded for a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*body[[]domain.Evaluation], error) {
		evs, err := e.Evaluations(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(nonNilSlice(evs)), nil
	})
}

func registerLeaderboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "leaderboard",
		Method:      http.MethodGet,
		Path:        "/leaderboard",
		Summary:     "Ranked StarScores for a month",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Month int `query:"month" required:"true" minimum:"1" maximum:"12"`
		Year  int `query:"year" required:"true" minimum:"1"`
	}) (*body[domain.Leaderboard], error) {
		board, err := e.Leaderboard(ctx, input.Month, input.Year)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		board.Entries = nonNilSlice(board.Entries)
		return reply(board), nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit trail, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Entity   string `query:"entity"`
		EntityID string `query:"entity_id"`
		Action   string `query:"action" enum:"CREATE,UPDATE,DELETE,STATUS_CHANGE,IMPORT"`
		ActorID  string `query:"actor_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*body[paginatedAudit], error) {
		if err := requireRole(ctx, roleAdmin); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := e.ListAudit(ctx, repo.AuditFilters{
			Entity:   input.Entity,
			EntityID: input.EntityID,
			Action:   input.Action,
			ActorID:  input.ActorID,
			AfterID:  after,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedAudit{Items: []domain.AuditEntry{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*body[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" || len(input.Body.Roles) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and roles are required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
