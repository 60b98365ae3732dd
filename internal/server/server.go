// Package server exposes the trial-card routing API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/engine"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/flow"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/repo"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/resolver"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"no_pending_entry"`
	Message string         `json:"message" example:"no pending entry for trial"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the trial-card API.
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
	hcfg := huma.DefaultConfig("Trialcard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTrials(group, cfg.Engine)
	registerAccounts(group, cfg.Engine)
	registerFlow(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
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
	var rge *engine.ReportGenerationError
	switch {
	case errors.Is(err, engine.ErrNoPendingEntry):
		return newAPIError(http.StatusConflict, "no_pending_entry", err.Error(), nil)
	case errors.Is(err, repo.ErrPendingExists):
		return newAPIError(http.StatusConflict, "pending_exists", err.Error(), nil)
	case errors.Is(err, resolver.ErrNoAssigneeFound):
		return newAPIError(http.StatusUnprocessableEntity, "no_assignee_found", err.Error(), nil)
	case errors.As(err, &rge):
		return newAPIError(http.StatusBadGateway, "report_generation_failed", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
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
	case http.StatusBadGateway:
		return "report_generation_failed"
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
    <title>Trialcard API Docs</title>
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

func registerTrials(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-trial",
		Method:        http.MethodPost,
		Path:          "/trials",
		Summary:       "Create trial card",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Actor string             `header:"X-Actor"`
		Body  CreateTrialRequest `json:"body"`
	}) (*struct {
		Body domain.Trial `json:"body"`
	}, error) {
		t, err := e.CreateTrial(ctx, engine.CreateTrialParams{
			CardNo:      input.Body.CardNo,
			PatternCode: input.Body.PatternCode,
			PartName:    input.Body.PartName,
			TrialType:   input.Body.TrialType,
			Subtype:     input.Body.Subtype,
			Actor:       actorOrDefault(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trial `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-trials",
		Method:      http.MethodGet,
		Path:        "/trials",
		Summary:     "List trial cards",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status"`
		DepartmentID string `query:"department_id"`
		PatternCode  string `query:"pattern_code"`
		TrialType    string `query:"trial_type"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedTrials `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		trials, err := e.Repo.ListTrials(ctx, repo.TrialFilters{
			Status:          input.Status,
			DepartmentID:    input.DepartmentID,
			PatternCode:     input.PatternCode,
			TrialType:       input.TrialType,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTrials{Items: []domain.Trial{}}
		if len(trials) > limit {
			// Cursor is the last returned item; the repo filter is strict,
			// so pointing at the first item of the next page would skip it.
			resp.NextCursor = composeCursor(trials[limit-1].CreatedAt, trials[limit-1].ID)
			trials = trials[:limit]
		}
		resp.Items = trials
		return &struct {
			Body paginatedTrials `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trial",
		Method:      http.MethodGet,
		Path:        "/trials/{id}",
		Summary:     "Get trial card",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Trial `json:"body"`
	}, error) {
		t, err := e.Repo.GetTrial(ctx, input.ID)
		if errors.Is(err, repo.ErrNotFound) {
			// Card numbers double as lookup keys on the shop floor.
			t, err = e.Repo.GetTrialByCardNo(ctx, input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trial `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trial-progress",
		Method:      http.MethodGet,
		Path:        "/trials/{id}/progress",
		Summary:     "Trial progress ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		view, err := e.Progress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: ProgressResponse{Trial: view.Trial, Entries: view.Entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-trial",
		Method:      http.MethodPost,
		Path:        "/trials/{id}/advance",
		Summary:     "Approve current stage and route onward",
		Errors: []int{
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Actor"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		res, err := e.Advance(ctx, input.ID, actorOrDefault(input.Actor))
		if errors.Is(err, engine.ErrAlreadyProcessed) {
			return alreadyProcessed(ctx, e, input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-trial",
		Method:      http.MethodPost,
		Path:        "/trials/{id}/escalate",
		Summary:     "Escalate current stage to the department HOD",
		Errors: []int{
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Actor"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		res, err := e.Escalate(ctx, input.ID, actorOrDefault(input.Actor))
		if errors.Is(err, engine.ErrAlreadyProcessed) {
			return alreadyProcessed(ctx, e, input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})
}

// alreadyProcessed answers a transition that lost the race: the work was
// done by somebody else, so the caller gets the current state, not an error.
func alreadyProcessed(ctx context.Context, e *engine.Engine, trialID string) (*struct {
	Body TransitionResponse `json:"body"`
}, error) {
	t, err := e.Repo.GetTrial(ctx, trialID)
	if err != nil {
		return nil, handleError(err)
	}
	return &struct {
		Body TransitionResponse `json:"body"`
	}{Body: TransitionResponse{Outcome: "already_processed", Trial: t}}, nil
}

func registerAccounts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Create department account",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAccountRequest `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		a, err := e.AddAccount(ctx, engine.AddAccountParams{
			Username:     input.Body.Username,
			DisplayName:  input.Body.DisplayName,
			Email:        input.Body.Email,
			DepartmentID: input.Body.DepartmentID,
			Role:         input.Body.Role,
			Subtype:      input.Body.Subtype,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List department accounts",
	}, func(ctx context.Context, input *struct {
		DepartmentID string `query:"department_id"`
		Role         string `query:"role"`
		ActiveOnly   bool   `query:"active_only"`
	}) (*struct {
		Body []domain.Account `json:"body"`
	}, error) {
		items, err := e.Repo.ListAccounts(ctx, repo.AccountFilters{
			DepartmentID: input.DepartmentID,
			Role:         input.Role,
			ActiveOnly:   input.ActiveOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Account{}
		}
		return &struct {
			Body []domain.Account `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-account-active",
		Method:      http.MethodPatch,
		Path:        "/accounts/{username}",
		Summary:     "Activate or deactivate an account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
		Body     struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		if err := e.Repo.SetAccountActive(ctx, input.Username, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAccount(ctx, input.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})
}

func registerFlow(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flow",
		Summary:     "Department flow definition",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []flow.Stage `json:"body"`
	}, error) {
		return &struct {
			Body []flow.Stage `json:"body"`
		}{Body: e.Flow}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit trail, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TrialID string `query:"trial_id"`
		Action  string `query:"action"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		var cursor int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || v <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = v
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestAudit(ctx, repo.AuditFilters{
			TrialID: input.TrialID,
			Action:  input.Action,
			Limit:   limit + 1,
			Cursor:  cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []domain.AuditRecord{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = items
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})
}
