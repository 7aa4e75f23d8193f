package api

import (
	"log/slog"
	"net/http"

	"github.com/kiwiql/kiwi/internal/auth"
	"github.com/kiwiql/kiwi/internal/query"
)

type queryRequest struct {
	SessionID string `json:"session_id"`
	DatasetID string `json:"dataset_id"`
	SQL       string `json:"sql"`
	RowLimit  int    `json:"row_limit"`
	Preview   bool   `json:"preview"`
}

type queryResponse struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	MaskedTables []string `json:"masked_tables"`
	Sources      []string `json:"sources"`
	State        string   `json:"state"`
	DurationMs   int64    `json:"duration_ms"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireAnyRole(r, auth.RoleQueryReader, auth.RoleDataEngineer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED", err.Error(), false, nil)
		return
	}
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTITY_REQUIRED", err.Error(), false, nil)
		return
	}

	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	if req.SessionID == "" || req.DatasetID == "" || req.SQL == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "session_id, dataset_id and sql are required", false, nil)
		return
	}

	result, err := deps.Query.Execute(r.Context(), identity, query.Request{
		SessionID: req.SessionID,
		DatasetID: req.DatasetID,
		SQL:       req.SQL,
		RowLimit:  req.RowLimit,
		Preview:   req.Preview,
	})
	if err != nil {
		code := query.ErrorCode(err)
		status, retryable := statusForCode(code)
		writeError(r.Context(), w, status, code, err.Error(), retryable, map[string]any{
			"state":      result.State,
			"dataset_id": req.DatasetID,
		})
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Columns:      result.Columns,
		Rows:         result.Rows,
		MaskedTables: result.MaskedTables,
		Sources:      result.Sources,
		State:        result.State,
		DurationMs:   result.Duration.Milliseconds(),
	})
}

func handleCloseSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required", false, nil)
		return
	}
	closed := deps.Query.CloseSession(r.Context(), sessionID)
	deps.Logger.InfoContext(r.Context(), "session closed",
		slog.String("session_id", sessionID),
		slog.Int("instances", closed))
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "closed_instances": closed})
}

// statusForCode maps the stable error taxonomy onto HTTP statuses.
// Source outages and timeouts are retryable, rejections are not.
func statusForCode(code string) (int, bool) {
	switch code {
	case query.CodePermissionDenied:
		return http.StatusForbidden, false
	case query.CodeUnsafeStatement:
		return http.StatusBadRequest, false
	case query.CodeNotFound:
		return http.StatusNotFound, false
	case query.CodeSourceUnavailable:
		return http.StatusServiceUnavailable, true
	case query.CodeQueryTimeout:
		return http.StatusGatewayTimeout, true
	default:
		return http.StatusInternalServerError, false
	}
}
