// Package server exposes the consensus service over HTTP: submission,
// status, cancellation, queue stats, history, a server-sent event stream of
// notifications and a health probe, documented through OpenAPI.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/engine"
	"github.com/hupe1980/quorum/logging"
)

// DefaultBasePath prefixes every API route.
const DefaultBasePath = "/api/consensus"

// Service is the consensus façade the API is served from.
type Service interface {
	Submit(ctx context.Context, in core.SubmitInput) (core.SubmitReceipt, error)
	Get(ctx context.Context, id string) (*core.ConsensusRequest, error)
	Cancel(ctx context.Context, id, requester string) error
	QueueStats(ctx context.Context) core.QueueStats
	History(ctx context.Context, filter core.HistoryFilter) ([]core.StatusView, error)
	Subscribe(recipient string, buffer int) (<-chan core.NotificationEvent, func())
	Models() []string
}

// Config for the HTTP API handler.
type Config struct {
	Service  Service
	BasePath string
	Auth     AuthConfig
	Logger   logging.Logger
	// Now is used for health timestamps; defaults to time.Now.
	Now func() time.Time
}

var errForbidden = errors.New("access denied")

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"consensus request not found"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope of every failed call.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the consensus API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: service is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOpLogger{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
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
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Logger))

	hcfg := huma.DefaultConfig("Quorum Consensus API", "1.0.0")
	applyAuthSecurity(hcfg.OpenAPI)
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Service, cfg.Now)
	registerSubmit(group, cfg.Service)
	registerStatus(group, cfg.Service)
	registerCancel(group, cfg.Service)
	registerQueue(group, cfg.Service)
	registerHistory(group, cfg.Service)
	registerEvents(group, cfg.Service, cfg.Logger)

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
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"field": ve.Field}
		if ve.Value != nil {
			details["value"] = ve.Value
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	switch {
	case errors.Is(err, core.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), nil)
	case errors.Is(err, core.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, errForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, core.ErrInvalidState), errors.Is(err, core.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, engine.ErrShuttingDown):
		return newAPIError(http.StatusServiceUnavailable, "shutting_down", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	oas.Security = []map[string][]string{{"bearerAuth": {}}}
}

// authorize checks that the caller may see req: its requester, an admin,
// or a member of the same tenant. Anonymous callers see everything.
func authorize(ctx context.Context, req *core.ConsensusRequest) error {
	p, ok := principalFromContext(ctx)
	if !ok || p.Anonymous || p.Admin || p.ActorID == req.RequesterID {
		return nil
	}
	if p.TenantID != "" && p.TenantID == req.TenantID {
		return nil
	}
	return errForbidden
}

func registerHealth(api huma.API, svc Service, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		models := svc.Models()
		status := "healthy"
		if len(models) == 0 {
			status = "degraded"
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			Status:          status,
			AvailableModels: models,
			ModelCount:      len(models),
			Timestamp:       now().UTC(),
		}}, nil
	})
}

func registerSubmit(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-consensus",
		Method:        http.MethodPost,
		Path:          "/submit",
		Summary:       "Submit a consensus request",
		Description:   "Persists the request and returns immediately; models are queried in the background.",
		Tags:          []string{"consensus"},
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest
	}) (*struct {
		Body core.SubmitReceipt `json:"body"`
	}, error) {
		in := input.Body.toInput()
		if p, ok := principalFromContext(ctx); ok && !p.Anonymous {
			in.RequesterID = p.ActorID
			in.TenantID = p.TenantID
		}
		receipt, err := svc.Submit(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body core.SubmitReceipt `json:"body"`
		}{Body: receipt}, nil
	})
}

func registerStatus(api huma.API, svc Service) {
	type requestPath struct {
		RequestID string `path:"request_id" doc:"Consensus request id"`
	}
	handler := func(ctx context.Context, input *requestPath) (*struct {
		Body core.StatusView `json:"body"`
	}, error) {
		req, err := svc.Get(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := authorize(ctx, req); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body core.StatusView `json:"body"`
		}{Body: core.NewStatusView(req)}, nil
	}
	errs := []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}

	huma.Register(api, huma.Operation{
		OperationID: "consensus-status",
		Method:      http.MethodGet,
		Path:        "/status/{request_id}",
		Summary:     "Current status of a consensus request",
		Tags:        []string{"consensus"},
		Errors:      errs,
	}, handler)
	huma.Register(api, huma.Operation{
		OperationID: "consensus-result",
		Method:      http.MethodGet,
		Path:        "/result/{request_id}",
		Summary:     "Final result of a consensus request",
		Tags:        []string{"consensus"},
		Errors:      errs,
	}, handler)
}

func registerCancel(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "cancel-consensus",
		Method:      http.MethodDelete,
		Path:        "/cancel/{request_id}",
		Summary:     "Cancel a pending or running consensus request",
		Tags:        []string{"consensus"},
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		req, err := svc.Get(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		requester := req.RequesterID
		if p, ok := principalFromContext(ctx); ok && !p.Anonymous {
			if !p.Admin && p.ActorID != req.RequesterID {
				return nil, handleError(errForbidden)
			}
			requester = p.ActorID
		}
		if err := svc.Cancel(ctx, input.RequestID, requester); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: fmt.Sprintf("Consensus request %s cancelled successfully", input.RequestID)}}, nil
	})
}

func registerQueue(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue/status",
		Summary:     "Processing queue statistics",
		Tags:        []string{"consensus"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body core.QueueStats `json:"body"`
	}, error) {
		return &struct {
			Body core.QueueStats `json:"body"`
		}{Body: svc.QueueStats(ctx)}, nil
	})
}

func registerHistory(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "consensus-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "The caller's consensus requests, newest first",
		Tags:        []string{"consensus"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit       int    `query:"limit" default:"20" minimum:"1" maximum:"500"`
		Offset      int    `query:"offset" minimum:"0"`
		Status      string `query:"status" doc:"Filter by status"`
		RequesterID string `query:"requester_id" doc:"Only honored for anonymous callers"`
	}) (*struct {
		Body []core.StatusView `json:"body"`
	}, error) {
		requester, serr := requesterFromContext(ctx, input.RequesterID)
		if serr != nil {
			return nil, serr
		}
		views, err := svc.History(ctx, core.HistoryFilter{
			RequesterID: requester,
			Status:      core.Status(input.Status),
			Limit:       input.Limit,
			Offset:      input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []core.StatusView `json:"body"`
		}{Body: views}, nil
	})
}
