package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kiwiql/kiwi/internal/auth"
	"github.com/kiwiql/kiwi/internal/catalog"
)

type createDataSourceRequest struct {
	Name   string                   `json:"name"`
	Type   string                   `json:"type"`
	Config catalog.ConnectionConfig `json:"config"`
}

type dataSourceResponse struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name"`
	Type      string                   `json:"type"`
	Config    catalog.ConnectionConfig `json:"config"`
	CreatedBy string                   `json:"created_by"`
	CreatedAt time.Time                `json:"created_at"`
}

func toDataSourceResponse(source catalog.DataSource) dataSourceResponse {
	// Secrets never leave the catalog through the API.
	redacted := source.Config
	if redacted.Password != "" {
		redacted.Password = "***"
	}
	if redacted.SecretKey != "" {
		redacted.SecretKey = "***"
	}
	return dataSourceResponse{
		ID:        source.ID,
		Name:      source.Name,
		Type:      string(source.Type),
		Config:    redacted,
		CreatedBy: source.CreatedBy,
		CreatedAt: source.CreatedAt,
	}
}

func handleCreateDataSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleDataEngineer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED", err.Error(), false, nil)
		return
	}
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTITY_REQUIRED", err.Error(), false, nil)
		return
	}

	var req createDataSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}

	sourceType, err := catalog.ParseSourceType(req.Type)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	source := catalog.DataSource{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      sourceType,
		Config:    req.Config,
		CreatedBy: identity.UserID,
	}
	if err := source.Validate(); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}

	created, err := deps.Repo.CreateDataSource(r.Context(), source)
	if err != nil {
		deps.Logger.ErrorContext(r.Context(), "create data source failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to persist data source", true, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toDataSourceResponse(created))
}

func handleListDataSources(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sources, err := deps.Repo.ListDataSources(r.Context())
	if err != nil {
		deps.Logger.ErrorContext(r.Context(), "list data sources failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to list data sources", true, nil)
		return
	}
	responses := make([]dataSourceResponse, 0, len(sources))
	for _, source := range sources {
		responses = append(responses, toDataSourceResponse(source))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data_sources": responses})
}

func handleGetDataSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	source, err := deps.Repo.GetDataSource(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "data source not found", false, nil)
			return
		}
		deps.Logger.ErrorContext(r.Context(), "get data source failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to load data source", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, toDataSourceResponse(source))
}

func handleDeleteDataSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleDataEngineer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED", err.Error(), false, nil)
		return
	}
	deleted, err := deps.Repo.DeleteDataSource(r.Context(), r.PathValue("id"))
	if err != nil {
		deps.Logger.ErrorContext(r.Context(), "delete data source failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to delete data source", true, nil)
		return
	}
	if !deleted {
		writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "data source not found", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func handleTestDataSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleDataEngineer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED", err.Error(), false, nil)
		return
	}
	source, err := deps.Repo.GetDataSource(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "data source not found", false, nil)
			return
		}
		deps.Logger.ErrorContext(r.Context(), "get data source failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to load data source", true, nil)
		return
	}
	if deps.Probe == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "PROBE_UNAVAILABLE", "connection testing is not configured", true, nil)
		return
	}

	start := time.Now()
	if err := deps.Probe(r.Context(), source); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":         false,
			"error":      err.Error(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
}

func handleGrantSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleDataEngineer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED", err.Error(), false, nil)
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	if req.UserID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required", false, nil)
		return
	}

	sourceID := r.PathValue("id")
	if _, err := deps.Repo.GetDataSource(r.Context(), sourceID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "data source not found", false, nil)
			return
		}
		deps.Logger.ErrorContext(r.Context(), "get data source failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to load data source", true, nil)
		return
	}
	if err := deps.Repo.GrantSource(r.Context(), req.UserID, sourceID); err != nil {
		deps.Logger.ErrorContext(r.Context(), "grant source failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to save grant", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": true, "user_id": req.UserID, "data_source_id": sourceID})
}
