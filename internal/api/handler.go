package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiwiql/kiwi/internal/auth"
	"github.com/kiwiql/kiwi/internal/catalog"
	"github.com/kiwiql/kiwi/internal/config"
	"github.com/kiwiql/kiwi/internal/nl2sql"
	"github.com/kiwiql/kiwi/internal/observability"
	"github.com/kiwiql/kiwi/internal/query"
)

type ReadinessCheck func(ctx context.Context) error

// QueryExecutor is the slice of the query service the handlers use.
type QueryExecutor interface {
	Execute(ctx context.Context, identity auth.Identity, request query.Request) (query.Result, error)
	CloseSession(ctx context.Context, sessionID string) int
}

// ConnectionProbe verifies a data source is reachable with its saved
// connection settings.
type ConnectionProbe func(ctx context.Context, source catalog.DataSource) error

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Repo              catalog.Repository
	Query             QueryExecutor
	Translator        nl2sql.Translator
	Probe             ConnectionProbe
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/datasources", func(w http.ResponseWriter, r *http.Request) {
		handleCreateDataSource(deps, w, r)
	})
	protected.HandleFunc("GET /v1/datasources", func(w http.ResponseWriter, r *http.Request) {
		handleListDataSources(deps, w, r)
	})
	protected.HandleFunc("GET /v1/datasources/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetDataSource(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/datasources/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteDataSource(deps, w, r)
	})
	protected.HandleFunc("POST /v1/datasources/{id}/test", func(w http.ResponseWriter, r *http.Request) {
		handleTestDataSource(deps, w, r)
	})
	protected.HandleFunc("POST /v1/datasources/{id}/grants", func(w http.ResponseWriter, r *http.Request) {
		handleGrantSource(deps, w, r)
	})

	protected.HandleFunc("POST /v1/datasets", func(w http.ResponseWriter, r *http.Request) {
		handleCreateDataset(deps, w, r)
	})
	protected.HandleFunc("GET /v1/datasets", func(w http.ResponseWriter, r *http.Request) {
		handleListDatasets(deps, w, r)
	})
	protected.HandleFunc("GET /v1/datasets/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetDataset(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/datasets/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteDataset(deps, w, r)
	})
	protected.HandleFunc("POST /v1/datasets/{id}/grants", func(w http.ResponseWriter, r *http.Request) {
		handleGrantDataset(deps, w, r)
	})

	protected.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		handleQuery(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleCloseSession(deps, w, r)
	})
	protected.HandleFunc("POST /v1/query/translate", func(w http.ResponseWriter, r *http.Request) {
		handleTranslateQuery(deps, w, r)
	})
	protected.HandleFunc("GET /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		handleListConversationMessages(deps, w, r)
	})
	protected.HandleFunc("POST /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		handleConversationMessage(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/datasources", protectedHandler)
	mux.Handle("GET /v1/datasources", protectedHandler)
	mux.Handle("GET /v1/datasources/{id}", protectedHandler)
	mux.Handle("DELETE /v1/datasources/{id}", protectedHandler)
	mux.Handle("POST /v1/datasources/{id}/test", protectedHandler)
	mux.Handle("POST /v1/datasources/{id}/grants", protectedHandler)
	mux.Handle("POST /v1/datasets", protectedHandler)
	mux.Handle("GET /v1/datasets", protectedHandler)
	mux.Handle("GET /v1/datasets/{id}", protectedHandler)
	mux.Handle("DELETE /v1/datasets/{id}", protectedHandler)
	mux.Handle("POST /v1/datasets/{id}/grants", protectedHandler)
	mux.Handle("POST /v1/query", protectedHandler)
	mux.Handle("DELETE /v1/sessions/{id}", protectedHandler)
	mux.Handle("POST /v1/query/translate", protectedHandler)
	mux.Handle("GET /v1/conversations/{id}/messages", protectedHandler)
	mux.Handle("POST /v1/conversations/{id}/messages", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckCatalogDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Catalog.DSN == "" {
			return errors.New("catalog dsn is not configured")
		}
		return nil
	}
}

func CheckCatalogHealth(repo catalog.Repository) ReadinessCheck {
	return func(ctx context.Context) error {
		if repo == nil {
			return errors.New("catalog repository is not configured")
		}
		return repo.HealthCheck(ctx)
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func identityFromRequest(r *http.Request) (auth.Identity, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.UserID) != "" {
			return identity, nil
		}
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		return auth.Identity{}, fmt.Errorf("user context is required")
	}
	return auth.Identity{UserID: userID}, nil
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func requireAnyRole(r *http.Request, roles ...string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	for _, role := range roles {
		if identity.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("missing required role, expected one of %q", strings.Join(roles, ","))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
