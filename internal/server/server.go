// Package server exposes the workflow over HTTP with an OpenAPI
// description. Policy refusals keep their tagged reason in the error
// envelope so clients can branch without parsing messages.
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
	"github.com/google/uuid"

	"reviewline/internal/assign"
	"reviewline/internal/claim"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/repo"
	"reviewline/internal/state"
	"reviewline/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_active_responder"`
	Message string         `json:"message" example:"it is bob's turn to respond"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Reviewline API.
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
	hcfg := huma.DefaultConfig("Reviewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRequests(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var d *validate.Denial
	if errors.As(err, &d) {
		code := strings.ToLower(d.Reason)
		status := http.StatusForbidden
		if d.Reason == validate.ReasonInvalidTransition {
			status = http.StatusConflict
		}
		return newAPIError(status, code, d.Message, map[string]any{"reason": d.Reason})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, claim.ErrClaimConflict):
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), nil)
	case errors.Is(err, claim.ErrStaleClaim):
		return newAPIError(http.StatusConflict, "stale_claim", err.Error(), nil)
	case errors.Is(err, repo.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), nil)
	case errors.Is(err, assign.ErrNoReviewerAvailable):
		return newAPIError(http.StatusUnprocessableEntity, "no_reviewer_available", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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

func registerRequests(api huma.API, e engine.Engine) {
	type requestPath struct {
		RequestID string `path:"request_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create request",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateRequestOptions{
			Title:       input.Body.Title,
			RequesterID: userID,
			Staff:       input.Body.Staff,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.LocationID != nil {
			opts.LocationID = *input.Body.LocationID
		}
		if input.Body.OrgID != nil {
			opts.OrgID = *input.Body.OrgID
		}
		if input.Body.MunicipalityID != nil {
			opts.MunicipalityID = *input.Body.MunicipalityID
		}
		if input.Body.EventDate != nil {
			opts.EventDate = *input.Body.EventDate
		}
		if input.Body.StartTime != nil {
			opts.StartTime = *input.Body.StartTime
		}
		if input.Body.StakeholderID != nil {
			opts.StakeholderID = *input.Body.StakeholderID
		}
		req, err := e.CreateRequest(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: RequestResponse{Request: req}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		actions, err := e.AvailableActions(ctx, input.RequestID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: RequestResponse{Request: req, AvailableActions: actions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status"`
		RequesterID string `query:"requester_id"`
		ReviewerID  string `query:"reviewer_id"`
		LocationID  string `query:"location_id"`
		Limit       int    `query:"limit"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body RequestListResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		f := repo.RequestFilters{
			Status:      input.Status,
			RequesterID: input.RequesterID,
			ReviewerID:  input.ReviewerID,
			LocationID:  input.LocationID,
			Limit:       input.Limit,
		}
		if input.Cursor != "" {
			createdAt, id, ok := decodeCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.CursorCreatedAt, f.CursorID = createdAt, id
		}
		reqs, err := e.ListRequests(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RequestListResponse{Requests: reqs}
		if f.Limit > 0 && len(reqs) == f.Limit {
			last := reqs[len(reqs)-1]
			resp.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body RequestListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-history",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/history",
		Summary:     "Request status history",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		history, err := e.History(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{History: history}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-request",
		Method:      http.MethodDelete,
		Path:        "/requests/{request_id}",
		Summary:     "Delete request",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *requestPath) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteRequest(ctx, input.RequestID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "available-actions",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/actions",
		Summary:     "List actions available to the caller",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body ActionsResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actions, err := e.AvailableActions(ctx, input.RequestID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionsResponse `json:"body"`
		}{Body: ActionsResponse{Actions: actions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-action",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/actions/{action}",
		Summary:     "Execute a workflow action",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string      `path:"request_id"`
		Action    string      `path:"action" enum:"accept,reject,decline,reschedule,confirm,cancel,edit,manage-staff"`
		Body      *ActionBody `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Action == state.ActionView || input.Action == state.ActionDelete {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("%s is not an executable action", input.Action), nil)
		}
		req, err := e.ExecuteAction(ctx, toActionOptions(input.RequestID, userID, input.Action, input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: RequestResponse{Request: req}}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	type requestPath struct {
		RequestID string `path:"request_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "claim-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/claim",
		Summary:     "Take the exclusive decision hold",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.ClaimRequest(ctx, input.RequestID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: RequestResponse{Request: req}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-claim",
		Method:      http.MethodDelete,
		Path:        "/requests/{request_id}/claim",
		Summary:     "Release the decision hold",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.ReleaseClaim(ctx, input.RequestID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: RequestResponse{Request: req}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create or update a user",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserBody `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		callerID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := e.Dir.HasPermission(ctx, callerID, "request.manage", "")
		if err != nil {
			return nil, handleError(err)
		}
		if !ok && !bootstrapAllowed(ctx, e) {
			return nil, newAPIError(http.StatusForbidden, "insufficient_permission", "request.manage required", nil)
		}
		if input.Body.ID == "" || input.Body.RoleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id and role_id are required", nil)
		}
		u := domain.User{
			ID:             input.Body.ID,
			FirstName:      input.Body.FirstName,
			LastName:       input.Body.LastName,
			RoleID:         input.Body.RoleID,
			Active:         true,
			Organizations:  input.Body.Organizations,
			Municipalities: input.Body.Municipalities,
		}
		if input.Body.Email != nil {
			u.Email = *input.Body.Email
		}
		if input.Body.Active != nil {
			u.Active = *input.Body.Active
		}
		for _, org := range u.Organizations {
			if err := e.Repo.EnsureOrg(ctx, org, ""); err != nil {
				return nil, handleError(err)
			}
		}
		for _, muni := range u.Municipalities {
			if err := e.Repo.EnsureMunicipality(ctx, muni, ""); err != nil {
				return nil, handleError(err)
			}
		}
		if err := e.Repo.InsertUser(ctx, u); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})
}

// bootstrapAllowed permits the first user to be created on an empty
// directory so a fresh deployment can be seeded over the API.
func bootstrapAllowed(ctx context.Context, e engine.Engine) bool {
	users, err := e.Repo.ListUsers(ctx)
	return err == nil && len(users) == 0
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyBody `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		callerID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		targetID := input.Body.UserID
		if targetID == "" {
			targetID = callerID
		}
		if targetID != callerID {
			ok, err := e.Dir.HasPermission(ctx, callerID, "request.manage", "")
			if err != nil {
				return nil, handleError(err)
			}
			if !ok {
				return nil, newAPIError(http.StatusForbidden, "insufficient_permission", "request.manage required", nil)
			}
		}
		rawKey := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			UserID:  targetID,
			KeyHash: repo.HashAPIKey(rawKey),
		}
		if input.Body.Name != nil {
			key.Name = *input.Body.Name
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{ID: key.ID, UserID: targetID, Key: rawKey}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Page through the event log",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		evts, err := e.Repo.EventsAfter(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		last := input.After
		if len(evts) > 0 {
			last = evts[len(evts)-1].ID
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Events: evts, Last: last}}, nil
	})
}

func encodeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func decodeCursor(cursor string) (string, string, bool) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
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
    <title>Reviewline API Docs</title>
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
