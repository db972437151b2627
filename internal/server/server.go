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

	"trackerz/internal/domain"
	"trackerz/internal/engine"
	"trackerz/internal/policy"
	"trackerz/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_not_allowed"`
	Message string         `json:"message" example:"no allowed transition from Open to Closed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the trackerZ API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are the caller's fault.
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
	hcfg := huma.DefaultConfig("trackerZ API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPhases(group, cfg.Engine)
	registerPriorities(group, cfg.Engine)
	registerWorkItems(group, cfg.Engine, domain.KindProject, "/projects", "/tasks", domain.KindTask)
	registerWorkItems(group, cfg.Engine, domain.KindTask, "/tasks", "/subtasks", domain.KindSubtask)
	registerWorkItems(group, cfg.Engine, domain.KindSubtask, "/subtasks", "", "")
	if cfg.Auth.EnableDevTokens {
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var te *policy.TransitionError
	if errors.As(err, &te) {
		code := "transition_not_allowed"
		switch {
		case errors.Is(err, policy.ErrNoChange):
			code = "phase_unchanged"
		case errors.Is(err, policy.ErrTerminal):
			code = "terminal_phase"
		}
		return newAPIError(http.StatusUnprocessableEntity, code, err.Error(), map[string]any{
			"from": te.From.Name,
			"to":   te.To.Name,
		})
	}
	if errors.Is(err, engine.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "blank") ||
		strings.Contains(lowered, "required"):
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type IDPath struct {
	ID int64 `path:"id"`
}

type workItemBody struct {
	Body WorkItemResponse `json:"body"`
}

type workItemListBody struct {
	Body []WorkItemResponse `json:"body"`
}

// registerWorkItems wires the CRUD, mutation, and history endpoints for
// one kind. Child creation and listing live under the parent's path, so
// the child segment is registered from the parent's call.
func registerWorkItems(api huma.API, e engine.Engine, kind domain.Kind, base, childBase string, childKind domain.Kind) {
	if kind == domain.KindProject {
		huma.Register(api, huma.Operation{
			OperationID:   "create-project",
			Method:        http.MethodPost,
			Path:          base,
			Summary:       "Create project",
			DefaultStatus: http.StatusCreated,
			Errors:        mutationErrors,
		}, func(ctx context.Context, input *struct {
			Body CreateWorkItemRequest `json:"body"`
		}) (*workItemBody, error) {
			return createWorkItem(ctx, e, kind, 0, input.Body)
		})

		huma.Register(api, huma.Operation{
			OperationID: "list-projects",
			Method:      http.MethodGet,
			Path:        base,
			Summary:     "List projects, most recently updated first",
			Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
		}, func(ctx context.Context, _ *struct{}) (*workItemListBody, error) {
			items, err := e.ListChildren(ctx, kind, 0)
			if err != nil {
				return nil, handleError(err)
			}
			return &workItemListBody{Body: ToWorkItemResponses(items)}, nil
		})
	}

	if childKind != "" {
		segment := strings.TrimPrefix(childBase, "/")
		huma.Register(api, huma.Operation{
			OperationID:   fmt.Sprintf("create-%s", childKind),
			Method:        http.MethodPost,
			Path:          base + "/{id}" + childBase,
			Summary:       fmt.Sprintf("Create %s under %s", childKind, kind),
			DefaultStatus: http.StatusCreated,
			Errors:        mutationErrors,
		}, func(ctx context.Context, input *struct {
			IDPath
			Body CreateWorkItemRequest `json:"body"`
		}) (*workItemBody, error) {
			return createWorkItem(ctx, e, childKind, input.ID, input.Body)
		})

		huma.Register(api, huma.Operation{
			OperationID: fmt.Sprintf("list-%s-%s", kind, segment),
			Method:      http.MethodGet,
			Path:        base + "/{id}" + childBase,
			Summary:     fmt.Sprintf("List %s of a %s, most recently updated first", segment, kind),
			Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
		}, func(ctx context.Context, input *IDPath) (*workItemListBody, error) {
			if _, err := e.Get(ctx, kind, input.ID); err != nil {
				return nil, handleError(err)
			}
			items, err := e.ListChildren(ctx, childKind, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &workItemListBody{Body: ToWorkItemResponses(items)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: fmt.Sprintf("get-%s", kind),
		Method:      http.MethodGet,
		Path:        base + "/{id}",
		Summary:     fmt.Sprintf("Get %s", kind),
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *IDPath) (*workItemBody, error) {
		w, err := e.Get(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workItemBody{Body: ToWorkItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: fmt.Sprintf("update-%s", kind),
		Method:      http.MethodPatch,
		Path:        base + "/{id}",
		Summary:     fmt.Sprintf("Update %s", kind),
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body UpdateWorkItemRequest `json:"body"`
	}) (*workItemBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.MutationOptions{
			Kind:        kind,
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Actor:       actor,
		}
		if input.Body.Note != nil {
			opts.Note = *input.Body.Note
		}
		if input.Body.Phase != nil {
			p, ok := e.Policy.PhaseByName(*input.Body.Phase)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request",
					fmt.Sprintf("unknown phase %q", *input.Body.Phase), nil)
			}
			opts.NewPhase = &p.ID
		}
		if input.Body.Priority != nil {
			p, err := e.Repo.PriorityByName(ctx, *input.Body.Priority)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request",
					fmt.Sprintf("unknown priority %q", *input.Body.Priority), nil)
			}
			opts.NewPriority = &p.ID
		}
		w, err := e.ApplyMutation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &workItemBody{Body: ToWorkItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   fmt.Sprintf("delete-%s", kind),
		Method:        http.MethodDelete,
		Path:          base + "/{id}",
		Summary:       fmt.Sprintf("Delete %s and everything it owns", kind),
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *IDPath) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, kind, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: fmt.Sprintf("%s-history", kind),
		Method:      http.MethodGet,
		Path:        base + "/{id}/history",
		Summary:     fmt.Sprintf("Change history of a %s, newest first", kind),
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		IDPath
		Limit int `query:"limit" minimum:"0" doc:"Maximum number of records, 0 for all"`
	}) (*struct {
		Body []ChangeResponse `json:"body"`
	}, error) {
		records, err := e.History(ctx, kind, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChangeResponse `json:"body"`
		}{Body: ToChangeResponses(records)}, nil
	})
}

func createWorkItem(ctx context.Context, e engine.Engine, kind domain.Kind, parentID int64, req CreateWorkItemRequest) (*workItemBody, error) {
	actor, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	opts := engine.CreateOptions{
		Kind:     kind,
		ParentID: parentID,
		Title:    req.Title,
		Actor:    actor,
	}
	if req.Description != nil {
		opts.Description = *req.Description
	}
	if req.Note != nil {
		opts.Note = *req.Note
	}
	if req.Priority != nil {
		p, err := e.Repo.PriorityByName(ctx, *req.Priority)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("unknown priority %q", *req.Priority), nil)
		}
		opts.PriorityID = p.ID
	}
	w, err := e.Create(ctx, opts)
	if err != nil {
		return nil, handleError(err)
	}
	return &workItemBody{Body: ToWorkItemResponse(w)}, nil
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

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/phases",
		Summary:     "List lifecycle phases and their allowed transitions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		phases := e.Policy.Phases()
		out := make([]PhaseResponse, 0, len(phases))
		for _, p := range phases {
			targets := e.Policy.AllowedTargets(p.ID)
			names := make([]string, 0, len(targets))
			for _, t := range targets {
				names = append(names, t.Name)
			}
			out = append(out, PhaseResponse{
				ID:             p.ID,
				Name:           p.Name,
				IsTerminal:     p.IsTerminal,
				AllowedTargets: names,
			})
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerPriorities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-priorities",
		Method:      http.MethodGet,
		Path:        "/priorities",
		Summary:     "List priorities from lowest to highest",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PriorityResponse `json:"body"`
	}, error) {
		priorities, err := e.Repo.ListPriorities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PriorityResponse, 0, len(priorities))
		for _, p := range priorities {
			out = append(out, PriorityResponse{ID: p.ID, Name: p.Name})
		}
		return &struct {
			Body []PriorityResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev-token",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest `json:"body"`
	}) (*struct {
		Body DevTokenResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := issueDevToken(actor, authCfg.JWTSecret, time.Now().UTC())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevTokenResponse `json:"body"`
		}{Body: DevTokenResponse{Token: token}}, nil
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):            true,
		path.Join("/", basePath, "auth", "dev-token"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>trackerZ API Docs</title>
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
