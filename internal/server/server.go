// Package server exposes the HTTP API over the command store and read
// model.
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

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/engine"
	"ledgerbridge/internal/relay"
	"ledgerbridge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig

	// Breaker and Head feed the readiness probe; both are optional.
	Breaker *relay.CircuitBreaker
	Head    func() domain.Position
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"command not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Ledgerbridge API.
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
	hcfg := huma.DefaultConfig("Ledgerbridge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg)
	registerCommands(group, cfg.Engine)
	registerDeadLetters(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerAccounts(group, cfg.Engine)
	registerVotes(group, cfg.Engine)
	registerAuditEvents(group, cfg.Engine)
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
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
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
	case http.StatusServiceUnavailable:
		return "not_ready"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Readiness check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		e := cfg.Engine
		if err := e.DB.PingContext(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "not_ready", "database unreachable", map[string]any{"error": err.Error()})
		}
		breakerState := relay.BreakerClosed
		if cfg.Breaker != nil {
			breakerState = cfg.Breaker.State()
		}
		if breakerState == relay.BreakerOpen {
			return nil, newAPIError(http.StatusServiceUnavailable, "not_ready", "ledger circuit breaker open", nil)
		}
		lag, err := projectionLag(ctx, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		if lag > e.Config.Server.LagThreshold {
			return nil, newAPIError(http.StatusServiceUnavailable, "not_ready", "projection lagging behind ledger head", map[string]any{
				"lag_blocks": lag,
				"threshold":  e.Config.Server.LagThreshold,
			})
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"status":     "ready",
			"breaker":    breakerState,
			"lag_blocks": lag,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Relay and projection status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		e := cfg.Engine
		counts, err := e.Repo.CountCommandsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		checkpoints, err := e.Repo.ListCheckpoints(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		cps := make([]CheckpointResponse, 0, len(checkpoints))
		for _, cp := range checkpoints {
			cps = append(cps, checkpointResponse(cp))
		}
		breakerState := relay.BreakerClosed
		if cfg.Breaker != nil {
			breakerState = cfg.Breaker.State()
		}
		lag, err := projectionLag(ctx, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"commands":    counts,
			"checkpoints": cps,
			"breaker":     breakerState,
			"lag_blocks":  lag,
		}}, nil
	})
}

// projectionLag measures how many blocks the consumer checkpoint trails
// the ledger head. Without a head source the lag is reported as zero.
func projectionLag(ctx context.Context, cfg Config) (uint64, error) {
	if cfg.Head == nil {
		return 0, nil
	}
	head := cfg.Head()
	cp, err := cfg.Engine.Repo.GetCheckpoint(ctx, cfg.Engine.Config.Listener.Consumer, cfg.Engine.Config.Listener.Channel)
	if errors.Is(err, repo.ErrNotFound) {
		if head.Block == 0 {
			return 0, nil
		}
		return head.Block, nil
	}
	if err != nil {
		return 0, err
	}
	if head.Block <= cp.Position.Block {
		return 0, nil
	}
	return head.Block - cp.Position.Block, nil
}

func registerCommands(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-command",
		Method:        http.MethodPost,
		Path:          "/commands",
		Summary:       "Enqueue command",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EnqueueCommandRequest `json:"body"`
	}) (*struct {
		Body EnqueueCommandResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload := "{}"
		if len(input.Body.Payload) > 0 {
			payload = string(input.Body.Payload)
		}
		cmd, created, err := e.Enqueue(ctx, engine.EnqueueParams{
			TenantID:       input.Body.TenantID,
			IdempotencyKey: input.Body.IdempotencyKey,
			Type:           input.Body.Type,
			PayloadJSON:    payload,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnqueueCommandResponse `json:"body"`
		}{Body: EnqueueCommandResponse{Command: commandResponse(cmd), Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-command",
		Method:      http.MethodGet,
		Path:        "/commands/{command_id}",
		Summary:     "Get command",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommandID string `path:"command_id"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		cmd, err := e.Repo.GetCommand(ctx, input.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: commandResponse(cmd)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-commands",
		Method:      http.MethodGet,
		Path:        "/commands",
		Summary:     "List commands",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
		Status   string `query:"status"`
		Type     string `query:"type"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []CommandResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.ListCommands(ctx, repo.CommandFilters{
			TenantID: input.TenantID,
			Status:   input.Status,
			Type:     input.Type,
			Limit:    limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CommandResponse `json:"body"`
		}{Body: mapCommands(items)}, nil
	})
}

func registerDeadLetters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/dead-letters",
		Summary:     "List dead letters",
	}, func(ctx context.Context, input *struct {
		Origin string `query:"origin" enum:"command,event"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []DeadLetterResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.ListDeadLetters(ctx, repo.DeadLetterFilters{
			Origin: input.Origin,
			Limit:  limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DeadLetterResponse `json:"body"`
		}{Body: mapDeadLetters(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dead-letter",
		Method:      http.MethodGet,
		Path:        "/dead-letters/{dead_letter_id}",
		Summary:     "Get dead letter",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeadLetterID string `path:"dead_letter_id"`
	}) (*struct {
		Body DeadLetterResponse `json:"body"`
	}, error) {
		dl, err := e.Repo.GetDeadLetter(ctx, input.DeadLetterID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeadLetterResponse `json:"body"`
		}{Body: deadLetterResponse(dl)}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/checkpoints",
		Summary:     "List consumer checkpoints",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CheckpointResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCheckpoints(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CheckpointResponse, 0, len(items))
		for _, cp := range items {
			out = append(out, checkpointResponse(cp))
		}
		return &struct {
			Body []CheckpointResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List accounts",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []AccountResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.ListAccounts(ctx, repo.AccountFilters{
			TenantID: input.TenantID,
			Limit:    limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AccountResponse `json:"body"`
		}{Body: mapAccounts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}",
		Summary:     "Get account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAccount(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})
}

func registerVotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposal-votes",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}/votes",
		Summary:     "List recorded votes for a proposal",
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body []VoteResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListGovernanceVotes(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []VoteResponse `json:"body"`
		}{Body: mapVotes(items)}, nil
	})
}

func registerAuditEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []AuditEventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestAuditEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEventResponse `json:"body"`
		}{Body: mapAuditEvents(items)}, nil
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
		path.Join(basePath, "health"): true,
		path.Join(basePath, "ready"):  true,
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
    <title>Ledgerbridge API Docs</title>
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
