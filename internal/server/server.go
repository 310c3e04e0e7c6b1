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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"inkline/internal/domain"
	"inkline/internal/engine"
	"inkline/internal/engine/assign"
	"inkline/internal/engine/fault"
	"inkline/internal/repo"
	"inkline/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Store    *storage.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"out_of_sequence"`
	Message string         `json:"message" example:"party seller (ordinal 1) must sign before buyer"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Inkline API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Inkline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerContracts(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	if cfg.Store != nil {
		registerDocuments(group, cfg.Store)
	}
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

// statusForKind maps workflow failure kinds onto HTTP statuses. Precondition
// failures that depend on current state are conflicts; structural problems
// with the request are unprocessable.
func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.NotAuthorizedSigner:
		return http.StatusForbidden
	case fault.InvalidTransition, fault.OutOfSequence, fault.AlreadySigned, fault.ContractExpired, fault.Contention:
		return http.StatusConflict
	case fault.ArtifactKindMismatch, fault.IncompleteAssignment, fault.UnknownFieldOwner, fault.DuplicateOrdinal:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		details := map[string]any{}
		if fe.ContractStatus != "" {
			details["contract_status"] = fe.ContractStatus
		}
		if fe.PartyStatus != "" {
			details["party_status"] = fe.PartyStatus
		}
		if len(details) == 0 {
			details = nil
		}
		return newAPIError(statusForKind(fe.Kind), string(fe.Kind), fe.Message, details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must") {
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
    <title>Inkline API Docs</title>
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

func participantsFromRequest(reqs []ParticipantRequest) []assign.Participant {
	var out []assign.Participant
	for _, pr := range reqs {
		out = append(out, assign.Participant{
			Role:        pr.Role,
			DisplayName: pr.DisplayName,
			Contact:     pr.Contact,
			IdentityRef: pr.IdentityRef,
		})
	}
	return out
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Create contract draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.DocumentRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document_ref is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DraftOptions{
			Title:        input.Body.Title,
			DocumentRef:  input.Body.DocumentRef,
			Mode:         domain.SignMode(input.Body.Mode),
			Roles:        rolesFromRequest(input.Body.Roles),
			Participants: participantsFromRequest(input.Body.Participants),
			ActorID:      actorID,
		}
		if input.Body.ExpiresAt != nil {
			exp, err := parseTimestamp(*input.Body.ExpiresAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid expires_at", map[string]any{"error": err.Error()})
			}
			opts.ExpiresAt = &exp
		}
		c, err := e.CreateDraft(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "instantiate-contract",
		Method:        http.MethodPost,
		Path:          "/contracts/instantiate",
		Summary:       "Instantiate contract from template",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body InstantiateContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TemplateID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "template_id is required", nil)
		}
		if input.Body.DocumentRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document_ref is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.InstantiateOptions{
			TemplateID:   input.Body.TemplateID,
			Title:        input.Body.Title,
			DocumentRef:  input.Body.DocumentRef,
			Participants: participantsFromRequest(input.Body.Participants),
			ActorID:      actorID,
		}
		if input.Body.ExpiresAt != nil {
			exp, err := parseTimestamp(*input.Body.ExpiresAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid expires_at", map[string]any{"error": err.Error()})
			}
			opts.ExpiresAt = &exp
		}
		c, err := e.InstantiateFromTemplate(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status"`
		InitiatorID string `query:"initiator_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedContracts `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListContracts(ctx, repo.ContractFilters{
			Status:          input.Status,
			InitiatorID:     input.InitiatorID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedContracts{Items: []ContractResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapContracts(items)
		return &struct {
			Body paginatedContracts `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Contract status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContractViewResponse `json:"body"`
	}, error) {
		view, err := e.GetStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractViewResponse `json:"body"`
		}{Body: contractViewResponse(view.Contract, view.Parties, view.Fields)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/finalize",
		Summary:     "Finalize fields and open for signing",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.FinalizeFields(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-field",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/fields/{field_id}/sign",
		Summary:     "Sign one field",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID      string      `path:"id"`
		FieldID string      `path:"field_id"`
		Body    SignRequest `json:"body"`
	}) (*struct {
		Body SignResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.PartyID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "party_id is required", nil)
		}
		if input.Body.ArtifactRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "artifact_ref is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.Sign(ctx, input.ID, input.FieldID, input.Body.PartyID, input.Body.ArtifactRef, domain.FieldKind(input.Body.ArtifactKind))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignResponse `json:"body"`
		}{Body: SignResponse{
			ContractStatus: string(res.ContractStatus),
			PartyStatus:    string(res.PartyStatus),
			Field:          fieldResponse(res.Field),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/reject",
		Summary:     "Reject on behalf of a party",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*struct {
		Body RejectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.PartyID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "party_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.Reject(ctx, input.ID, input.Body.PartyID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RejectResponse `json:"body"`
		}{Body: RejectResponse{
			ContractStatus: string(res.ContractStatus),
			PartyStatus:    string(res.PartyStatus),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/cancel",
		Summary:     "Cancel contract",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Cancel(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-overdue",
		Method:      http.MethodPost,
		Path:        "/contracts/expire-overdue",
		Summary:     "Expire overdue pending contracts",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Expired []string `json:"expired"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ids, err := e.ExpireOverdue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Expired []string `json:"expired"`
			} `json:"body"`
		}{}
		out.Body.Expired = ids
		if out.Body.Expired == nil {
			out.Body.Expired = []string{}
		}
		return out, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := []TemplateResponse{}
		for _, t := range items {
			out = append(out, templateResponse(t))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-template",
		Method:      http.MethodPut,
		Path:        "/templates/{id}",
		Summary:     "Create or replace template",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Title string        `json:"title"`
			Mode  string        `json:"mode" enum:"sequential,parallel"`
			Roles []RoleRequest `json:"roles"`
		} `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if !domain.SignMode(input.Body.Mode).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "mode must be sequential or parallel", nil)
		}
		if len(input.Body.Roles) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at least one role is required", nil)
		}
		tpl := domain.Template{
			ID:        input.ID,
			Title:     input.Body.Title,
			Mode:      domain.SignMode(input.Body.Mode),
			Roles:     rolesFromRequest(input.Body.Roles),
			CreatedAt: nowRFC3339(e),
		}
		if err := e.Repo.UpsertTemplate(ctx, nil, tpl); err != nil {
			return nil, handleError(err)
		}
		saved, err := e.Repo.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(saved)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContractID string `query:"contract_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.ContractID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := []EventResponse{}
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   actorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: nowRFC3339(e),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID: key.ID, ActorID: key.ActorID, Name: key.Name, CreatedAt: key.CreatedAt, Key: raw,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := []APIKeyResponse{}
		for _, k := range items {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDocuments(api huma.API, store *storage.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Upload source document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ContentType string `header:"Content-Type"`
		RawBody     []byte
	}) (*struct {
		Body struct {
			Ref string `json:"ref"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document bytes required", nil)
		}
		ref, err := store.StoreDocument(ctx, bytes.NewReader(input.RawBody), int64(len(input.RawBody)), input.ContentType)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Ref string `json:"ref"`
			} `json:"body"`
		}{}
		out.Body.Ref = ref
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-artifact",
		Method:        http.MethodPost,
		Path:          "/artifacts/{kind}",
		Summary:       "Upload signature or seal artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Kind        string `path:"kind" enum:"signature,seal"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte
	}) (*struct {
		Body struct {
			Ref string `json:"ref"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if !domain.FieldKind(input.Kind).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind must be signature or seal", nil)
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "artifact bytes required", nil)
		}
		ref, err := store.StoreArtifact(ctx, bytes.NewReader(input.RawBody), int64(len(input.RawBody)), domain.FieldKind(input.Kind), input.ContentType)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Ref string `json:"ref"`
			} `json:"body"`
		}{}
		out.Body.Ref = ref
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "document-url",
		Method:      http.MethodGet,
		Path:        "/documents/url",
		Summary:     "Presigned download URL",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Ref string `query:"ref"`
	}) (*struct {
		Body struct {
			URL string `json:"url"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Ref == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ref is required", nil)
		}
		url, err := store.PresignedURL(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				URL string `json:"url"`
			} `json:"body"`
		}{}
		out.Body.URL = url
		return out, nil
	})
}
