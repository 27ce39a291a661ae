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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"qmsline/internal/domain"
	"qmsline/internal/repo"
	"qmsline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   workflow.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"edge close not valid from state open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Qmsline API.
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
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Qmsline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerActors(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerStats(group, cfg.Engine)
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

// handleError maps the workflow taxonomy onto HTTP statuses; everything
// the engine classifies keeps its code in the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var already huma.StatusError
	if errors.As(err, &already) {
		return already
	}
	var werr *workflow.Error
	if errors.As(err, &werr) {
		return newAPIError(statusForCode(werr.Code), string(werr.Code), werr.Message, werr.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", "already exists", nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func statusForCode(code workflow.Code) int {
	switch code {
	case workflow.CodeNotFound:
		return http.StatusNotFound
	case workflow.CodeUnknownEdge:
		return http.StatusBadRequest
	case workflow.CodeInvalidState, workflow.CodePreconditionFailed:
		return http.StatusUnprocessableEntity
	case workflow.CodeForbidden:
		return http.StatusForbidden
	case workflow.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireAdmin resolves the caller against the actor directory and
// checks the Admin role. The client-asserted identity only names the
// actor; the role always comes from the directory.
func requireAdmin(ctx context.Context, e workflow.Engine) error {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	actor, err := e.Repo.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return newAPIError(http.StatusForbidden, "forbidden", "actor "+actorID+" not in directory", nil)
		}
		return err
	}
	if actor.Role != domain.RoleAdmin {
		return newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil)
	}
	return nil
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Qmsline API Docs</title>
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

func registerActors(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Create actor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateActorRequest `json:"body"`
	}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		if input.Body.FullName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "full_name is required", nil)
		}
		if !domain.ValidRole(input.Body.Role) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+string(input.Body.Role), nil)
		}
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		a := domain.Actor{
			ID:        input.Body.ID,
			FullName:  input.Body.FullName,
			Email:     input.Body.Email,
			Role:      input.Body.Role,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if err := e.Repo.InsertActor(ctx, a); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Actor `json:"body"`
	}, error) {
		items, err := e.Repo.ListActors(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Actor{}
		}
		return &struct {
			Body []domain.Actor `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-actor",
		Method:      http.MethodGet,
		Path:        "/actors/{id}",
		Summary:     "Get actor",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		a, err := e.Repo.GetActor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: a}, nil
	})
}

func registerAPIKeys(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/actors/{id}/api-keys",
		Summary:       "Issue API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body APIKeyIssuedResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetActor(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.ID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyIssuedResponse `json:"body"`
		}{Body: APIKeyIssuedResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// kindRoute glues one workflow kind to its URL segment.
type kindRoute struct {
	kind     domain.Kind
	segment  string
	singular string
}

var kindRoutes = []kindRoute{
	{kind: domain.KindDocument, segment: "documents", singular: "document"},
	{kind: domain.KindCAPA, segment: "capas", singular: "capa"},
	{kind: domain.KindChangeControl, segment: "change-controls", singular: "change-control"},
}

func registerInstances(api huma.API, e workflow.Engine) {
	registerCreateDocument(api, e)
	registerCreateCAPA(api, e)
	registerCreateChangeControl(api, e)
	for _, route := range kindRoutes {
		registerKindReads(api, e, route)
		registerTransition(api, e, route)
	}
}

func registerCreateDocument(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Upload document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Instance `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CreateDocument(ctx, workflow.DocumentCreateOptions{
			ID:          input.Body.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Instance `json:"body"`
		}{Body: in}, nil
	})
}

func registerCreateCAPA(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-capa",
		Method:        http.MethodPost,
		Path:          "/capas",
		Summary:       "Open CAPA",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCAPARequest `json:"body"`
	}) (*struct {
		Body domain.Instance `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CreateCAPA(ctx, workflow.CAPACreateOptions{
			ID:          input.Body.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			DueDate:     input.Body.DueDate,
			AssigneeID:  input.Body.AssigneeID,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Instance `json:"body"`
		}{Body: in}, nil
	})
}

func registerCreateChangeControl(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-change-control",
		Method:        http.MethodPost,
		Path:          "/change-controls",
		Summary:       "Submit change control",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateChangeControlRequest `json:"body"`
	}) (*struct {
		Body domain.Instance `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CreateChangeControl(ctx, workflow.ChangeControlCreateOptions{
			ID:          input.Body.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ReviewerID:  input.Body.ReviewerID,
			ApproverID:  input.Body.ApproverID,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Instance `json:"body"`
		}{Body: in}, nil
	})
}

func registerKindReads(api huma.API, e workflow.Engine, route kindRoute) {
	huma.Register(api, huma.Operation{
		OperationID: "list-" + route.segment,
		Method:      http.MethodGet,
		Path:        "/" + route.segment,
		Summary:     "List " + route.segment,
	}, func(ctx context.Context, input *struct {
		State      string `query:"state"`
		AssignedTo string `query:"assigned_to"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Instance `json:"body"`
	}, error) {
		items, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
			Kind:       route.kind,
			State:      domain.State(input.State),
			AssignedTo: input.AssignedTo,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Instance{}
		}
		return &struct {
			Body []domain.Instance `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-" + route.singular,
		Method:      http.MethodGet,
		Path:        "/" + route.segment + "/{id}",
		Summary:     "Get " + route.singular,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Instance `json:"body"`
	}, error) {
		in, err := e.Repo.GetInstance(ctx, route.kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Instance `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-" + route.singular + "-history",
		Method:      http.MethodGet,
		Path:        "/" + route.segment + "/{id}/history",
		Summary:     "Transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Order string `query:"order" enum:"asc,desc" default:"asc"`
	}) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		entries, err := e.GetHistory(ctx, route.kind, input.ID, input.Order == "desc")
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.HistoryEntry{}
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerTransition(api huma.API, e workflow.Engine, route kindRoute) {
	huma.Register(api, huma.Operation{
		OperationID: route.singular + "-transition",
		Method:      http.MethodPost,
		Path:        "/" + route.segment + "/{id}/transitions/{edge}",
		Summary:     "Apply transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Edge string           `path:"edge"`
		Body workflow.Payload `json:"body"`
	}) (*struct {
		Body domain.Instance `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.AttemptTransition(ctx, route.kind, input.ID, input.Edge, actorID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Instance `json:"body"`
		}{Body: in}, nil
	})
}

func registerNotifications(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Sweep due dates and pending verifications",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Alert `json:"body"`
	}, error) {
		alerts, err := e.SweepNotifications(ctx, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		if alerts == nil {
			alerts = []domain.Alert{}
		}
		return &struct {
			Body []domain.Alert `json:"body"`
		}{Body: alerts}, nil
	})
}

func registerStats(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Counts by kind and state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[domain.Kind]map[domain.State]int `json:"body"`
	}, error) {
		stats := map[domain.Kind]map[domain.State]int{}
		for _, kind := range domain.Kinds() {
			counts, err := e.Repo.CountInstancesByState(ctx, kind)
			if err != nil {
				return nil, handleError(err)
			}
			stats[kind] = counts
		}
		return &struct {
			Body map[domain.Kind]map[domain.State]int `json:"body"`
		}{Body: stats}, nil
	})
}
