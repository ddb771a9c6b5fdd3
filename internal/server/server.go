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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"workbridge/internal/domain"
	"workbridge/internal/engine"
	"workbridge/internal/events"
	"workbridge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"version conflict on 0f3c...: expected a, actual b"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the coordination API.
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
			// Schema/request validation errors are reported as 400.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Workbridge API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerWork(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerErrors(group, cfg.Engine)
	registerReads(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
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

// handleError maps the engine taxonomy onto HTTP statuses. The error code in
// the envelope is always engine.ErrorCode(err).
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, engine.CodeNotFound, err.Error(), nil)
	}
	code := engine.ErrorCode(err)
	msg := err.Error()
	var (
		validation engine.ValidationError
		conflict   engine.ConflictError
		transition engine.InvalidTransitionError
		cycle      engine.CycleError
		notAssign  engine.NotAssignedError
	)
	switch code {
	case engine.CodeValidation:
		errors.As(err, &validation)
		return newAPIError(http.StatusBadRequest, code, msg, map[string]any{"field": validation.Field, "reason": validation.Reason})
	case engine.CodeNotFound, engine.CodeNoWork:
		return newAPIError(http.StatusNotFound, code, msg, nil)
	case engine.CodeConflict:
		errors.As(err, &conflict)
		return newAPIError(http.StatusConflict, code, msg, map[string]any{
			"entity_id":        conflict.EntityID,
			"expected_version": conflict.Expected,
			"actual_version":   conflict.Actual,
		})
	case engine.CodeInvalidTransition:
		errors.As(err, &transition)
		return newAPIError(http.StatusUnprocessableEntity, code, msg, map[string]any{
			"from":    transition.From,
			"to":      transition.To,
			"allowed": transition.Allowed,
		})
	case engine.CodeCycle:
		errors.As(err, &cycle)
		return newAPIError(http.StatusUnprocessableEntity, code, msg, map[string]any{"path": cycle.Path})
	case engine.CodeNotAssigned:
		errors.As(err, &notAssign)
		return newAPIError(http.StatusConflict, code, msg, map[string]any{"assignee_id": notAssign.AssigneeID})
	case engine.CodeAlreadyTerminal, engine.CodeMaxAttempts:
		return newAPIError(http.StatusConflict, code, msg, nil)
	default:
		var sys engine.SystemError
		if errors.As(err, &sys) && sys.Busy {
			return newAPIError(http.StatusServiceUnavailable, engine.CodeSystem, "database busy, retry with the same idempotency key", map[string]any{"retryable": true})
		}
		return newAPIError(http.StatusInternalServerError, engine.CodeSystem, "internal error", map[string]any{"error": msg})
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(header, body string) string {
	if k := strings.TrimSpace(header); k != "" {
		return k
	}
	return strings.TrimSpace(body)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// eachOperation calls fn for every operation in the document with its route.
func eachOperation(oas *huma.OpenAPI, fn func(route string, op *huma.Operation)) {
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
			if op != nil {
				fn(route, op)
			}
		}
	}
}

// ensureDefaultErrorResponses documents the error envelope on every operation.
func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	eachOperation(oas, func(_ string, op *huma.Operation) {
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		op.Responses["default"] = &huma.Response{
			Description: "Error envelope",
			Content: map[string]*huma.MediaType{
				"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
			},
		}
	})
}

// applyAuthSecurity declares bearer and X-Agent-Id auth; health and dev login stay open.
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
	oas.Components.SecuritySchemes["agentHeader"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Agent-Id"}
	agentAuth := []map[string][]string{{"bearerAuth": {}}, {"agentHeader": {}}}
	oas.Security = agentAuth
	unauthenticated := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	eachOperation(oas, func(route string, op *huma.Operation) {
		if unauthenticated[route] {
			op.Security = []map[string][]string{}
			return
		}
		op.Security = agentAuth
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Workbridge API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Agent-Id.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Work counts by status and projection lag",
	}, func(ctx context.Context, _ *struct{}) (*output[StatusResponse], error) {
		counts, err := e.Repo.CountByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		lag, err := e.Lag(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{StatusCount: map[string]int{}, Lag: lag}
		if e.Config != nil {
			resp.ProjectID = e.Config.Project.ID
		}
		for status, n := range counts {
			resp.StatusCount[string(status)] = n
		}
		return reply(resp), nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
	http.StatusServiceUnavailable,
}

type WorkPath struct {
	WorkID         string `path:"work_id"`
	IdempotencyKey string `header:"Idempotency-Key"`
}

func registerWork(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work",
		Method:        http.MethodPost,
		Path:          "/work",
		Summary:       "Create a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string `header:"Idempotency-Key"`
		Body           CreateWorkRequest
	}) (*output[domain.Result], error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CreateWork(ctx, engine.CreateWorkOptions{
			Title:          input.Body.Title,
			Type:           input.Body.Type,
			Severity:       input.Body.Severity,
			Description:    input.Body.Description,
			BusinessValue:  input.Body.BusinessValue,
			Points:         input.Body.Points,
			ActorID:        agent.AgentID,
			IdempotencyKey: idempotencyKey(input.IdempotencyKey, input.Body.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work",
		Method:      http.MethodGet,
		Path:        "/work",
		Summary:     "List projected work items",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		Assignee   string `query:"assignee"`
		Unassigned bool   `query:"unassigned"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[[]domain.WorkItem], error) {
		if input.Status != "" && !domain.Status(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, engine.CodeValidation, "unknown status "+input.Status, nil)
		}
		items, err := e.ListWork(ctx, repo.WorkFilters{
			Status:     domain.Status(input.Status),
			AssigneeID: input.Assignee,
			Unassigned: input.Unassigned,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkItem{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work",
		Method:      http.MethodGet,
		Path:        "/work/{work_id}",
		Summary:     "Get a projected work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkID string `path:"work_id"`
	}) (*output[domain.WorkItem], error) {
		item, err := e.GetWork(ctx, input.WorkID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/assign",
		Summary:     "Assign a work item",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkPath
		Body AssignRequest
	}) (*output[domain.Result], error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Assign(ctx, engine.AssignOptions{
			WorkID:          input.WorkID,
			AssigneeID:      input.Body.AssigneeID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         agent.AgentID,
			IdempotencyKey:  idempotencyKey(input.IdempotencyKey, input.Body.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/transition",
		Summary:     "Move a work item along its lifecycle",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkPath
		Body TransitionRequest
	}) (*output[domain.Result], error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.TransitionStatus(ctx, engine.TransitionOptions{
			WorkID:          input.WorkID,
			To:              input.Body.Status,
			ExpectedVersion: input.Body.ExpectedVersion,
			Reason:          input.Body.Reason,
			ActorID:         agent.AgentID,
			IdempotencyKey:  idempotencyKey(input.IdempotencyKey, input.Body.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "estimate-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/estimate",
		Summary:     "Record story points",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkPath
		Body EstimateRequest
	}) (*output[domain.Result], error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Estimate(ctx, engine.EstimateOptions{
			WorkID:          input.WorkID,
			Points:          input.Body.Points,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         agent.AgentID,
			IdempotencyKey:  idempotencyKey(input.IdempotencyKey, input.Body.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-dependency",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/dependencies",
		Summary:     "Add a dependency edge",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkPath
		Body DependencyRequest
	}) (*output[domain.Result], error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AddDependency(ctx, engine.DependencyOptions{
			WorkID:          input.WorkID,
			DependsOnID:     input.Body.DependsOnID,
			Type:            input.Body.DependencyType,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         agent.AgentID,
			IdempotencyKey:  idempotencyKey(input.IdempotencyKey, input.Body.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/complete",
		Summary:     "Complete a work item held by the caller",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkPath
		Body CompleteRequest
	}) (*output[domain.Result], error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteWork(ctx, engine.CompleteOptions{
			WorkID:          input.WorkID,
			AgentID:         agent.AgentID,
			ExpectedVersion: input.Body.ExpectedVersion,
			IdempotencyKey:  idempotencyKey(input.IdempotencyKey, input.Body.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-work",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/release",
		Summary:     "Give a claimed work item back to the pool",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkPath
		Body ReleaseRequest
	}) (*output[domain.Result], error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ReleaseWork(ctx, engine.ReleaseOptions{
			WorkID:          input.WorkID,
			AgentID:         agent.AgentID,
			ExpectedVersion: input.Body.ExpectedVersion,
			Reason:          input.Body.Reason,
			IdempotencyKey:  idempotencyKey(input.IdempotencyKey, input.Body.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-next",
		Method:      http.MethodPost,
		Path:        "/claims",
		Summary:     "Claim the best eligible work item for the calling agent",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string `header:"Idempotency-Key"`
		Body           ClaimNextRequest
	}) (*output[domain.Claim], error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agentType := input.Body.AgentType
		if agentType == "" {
			agentType = agent.AgentType
		}
		caps := input.Body.Capabilities
		if len(caps) == 0 {
			caps = agent.Capabilities
		}
		claim, err := e.ClaimNext(ctx, engine.ClaimOptions{
			AgentID:        agent.AgentID,
			AgentType:      agentType,
			Capabilities:   caps,
			MaxAttempts:    input.Body.MaxAttempts,
			IdempotencyKey: idempotencyKey(input.IdempotencyKey, input.Body.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(claim), nil
	})
}

func registerErrors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "report-error",
		Method:      http.MethodPost,
		Path:        "/work/{work_id}/errors",
		Summary:     "Report an agent failure and get a retry decision",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		WorkPath
		Body ErrorReportRequest
	}) (*output[domain.ErrorOutcome], error) {
		agent, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.HandleError(ctx, engine.ErrorOptions{
			WorkID:         input.WorkID,
			AgentID:        agent.AgentID,
			ErrorType:      input.Body.ErrorType,
			Message:        input.Body.Message,
			WillRetry:      input.Body.WillRetry,
			RetryAfter:     input.Body.RetryAfter,
			IdempotencyKey: idempotencyKey(input.IdempotencyKey, input.Body.IdempotencyKey),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(out), nil
	})
}

func registerReads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-entity-consistent",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_id}/consistent",
		Summary:     "Read an entity merged with events not yet projected",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*output[ConsistentResponse], error) {
		view, err := e.GetEntityConsistent(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(consistentResponse(view)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "projection-lag",
		Method:      http.MethodGet,
		Path:        "/projector/lag",
		Summary:     "Events appended but not yet folded",
	}, func(ctx context.Context, _ *struct{}) (*output[domain.LagStats], error) {
		stats, err := e.Lag(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(stats), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Action   string `query:"action"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.TailEvents(ctx, events.TailFilter{
			EntityID: input.EntityID,
			Action:   domain.Action(input.Action),
			Before:   before,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, mapEvents(items)...)
		return reply(resp), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint an agent JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		agent := strings.TrimSpace(input.Body.AgentID)
		if agent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		token, err := SignAgentToken(authCfg.JWTSecret, agent, input.Body.AgentType, input.Body.Capabilities, ttl)
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
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
