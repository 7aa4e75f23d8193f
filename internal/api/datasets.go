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

type bindingRequest struct {
	DataSourceID string `json:"data_source_id"`
	Alias        string `json:"alias"`
	Mode         string `json:"mode"`
}

type tableMappingRequest struct {
	TargetView    string   `json:"target_view"`
	SourceAlias   string   `json:"source_alias"`
	SourceTable   string   `json:"source_table"`
	Columns       []string `json:"columns"`
	MaskedColumns []string `json:"masked_columns"`
}

type createDatasetRequest struct {
	ProjectID string                `json:"project_id"`
	Name      string                `json:"name"`
	Bindings  []bindingRequest      `json:"bindings"`
	Tables    []tableMappingRequest `json:"tables"`
}

type datasetResponse struct {
	ID        string                `json:"id"`
	ProjectID string                `json:"project_id"`
	Name      string                `json:"name"`
	Bindings  []bindingRequest      `json:"bindings"`
	Tables    []tableMappingRequest `json:"tables"`
	CreatedAt time.Time             `json:"created_at"`
}

func toDatasetResponse(dataset catalog.Dataset) datasetResponse {
	bindings := make([]bindingRequest, 0, len(dataset.Bindings))
	for _, binding := range dataset.Bindings {
		bindings = append(bindings, bindingRequest{
			DataSourceID: binding.DataSourceID,
			Alias:        binding.Alias,
			Mode:         string(binding.Mode),
		})
	}
	tables := make([]tableMappingRequest, 0, len(dataset.Tables))
	for _, mapping := range dataset.Tables {
		tables = append(tables, tableMappingRequest{
			TargetView:    mapping.TargetView,
			SourceAlias:   mapping.SourceAlias,
			SourceTable:   mapping.SourceTable,
			Columns:       mapping.Columns,
			MaskedColumns: mapping.MaskedColumns,
		})
	}
	return datasetResponse{
		ID:        dataset.ID,
		ProjectID: dataset.ProjectID,
		Name:      dataset.Name,
		Bindings:  bindings,
		Tables:    tables,
		CreatedAt: dataset.CreatedAt,
	}
}

func handleCreateDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleDataEngineer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED", err.Error(), false, nil)
		return
	}

	var req createDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}

	dataset := catalog.Dataset{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		Name:      req.Name,
	}
	for _, binding := range req.Bindings {
		mode, err := catalog.ParseAttachMode(binding.Mode)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
			return
		}
		dataset.Bindings = append(dataset.Bindings, catalog.SourceBinding{
			DataSourceID: binding.DataSourceID,
			Alias:        binding.Alias,
			Mode:         mode,
		})
	}
	for _, mapping := range req.Tables {
		dataset.Tables = append(dataset.Tables, catalog.TableMapping{
			TargetView:    mapping.TargetView,
			SourceAlias:   mapping.SourceAlias,
			SourceTable:   mapping.SourceTable,
			Columns:       mapping.Columns,
			MaskedColumns: mapping.MaskedColumns,
		})
	}
	if err := dataset.Validate(); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	for _, binding := range dataset.Bindings {
		if _, err := deps.Repo.GetDataSource(r.Context(), binding.DataSourceID); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "binding "+binding.Alias+" references unknown data source "+binding.DataSourceID, false, nil)
				return
			}
			deps.Logger.ErrorContext(r.Context(), "get data source failed", slog.String("error", err.Error()))
			writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to load data source", true, nil)
			return
		}
	}

	created, err := deps.Repo.CreateDataset(r.Context(), dataset)
	if err != nil {
		deps.Logger.ErrorContext(r.Context(), "create dataset failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to persist dataset", true, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toDatasetResponse(created))
}

func handleListDatasets(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	datasets, err := deps.Repo.ListDatasets(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		deps.Logger.ErrorContext(r.Context(), "list datasets failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to list datasets", true, nil)
		return
	}
	responses := make([]datasetResponse, 0, len(datasets))
	for _, dataset := range datasets {
		responses = append(responses, toDatasetResponse(dataset))
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": responses})
}

func handleGetDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	dataset, err := deps.Repo.GetDataset(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "dataset not found", false, nil)
			return
		}
		deps.Logger.ErrorContext(r.Context(), "get dataset failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to load dataset", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, toDatasetResponse(dataset))
}

func handleDeleteDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r, auth.RoleDataEngineer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED", err.Error(), false, nil)
		return
	}
	deleted, err := deps.Repo.DeleteDataset(r.Context(), r.PathValue("id"))
	if err != nil {
		deps.Logger.ErrorContext(r.Context(), "delete dataset failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to delete dataset", true, nil)
		return
	}
	if !deleted {
		writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "dataset not found", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func handleGrantDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
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

	datasetID := r.PathValue("id")
	if _, err := deps.Repo.GetDataset(r.Context(), datasetID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "dataset not found", false, nil)
			return
		}
		deps.Logger.ErrorContext(r.Context(), "get dataset failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to load dataset", true, nil)
		return
	}
	if err := deps.Repo.GrantDataset(r.Context(), req.UserID, datasetID); err != nil {
		deps.Logger.ErrorContext(r.Context(), "grant dataset failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to save grant", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": true, "user_id": req.UserID, "dataset_id": datasetID})
}
