package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiwiql/kiwi/internal/auth"
	"github.com/kiwiql/kiwi/internal/catalog"
	"github.com/kiwiql/kiwi/internal/nl2sql"
	"github.com/kiwiql/kiwi/internal/observability"
	"github.com/kiwiql/kiwi/internal/query"
)

type conversationMessageRequest struct {
	DatasetID string `json:"dataset_id"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type conversationMessageResponse struct {
	MessageID    int64    `json:"message_id"`
	SQL          string   `json:"sql"`
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	MaskedTables []string `json:"masked_tables"`
	State        string   `json:"state"`
	DurationMs   int64    `json:"duration_ms"`
}

// handleConversationMessage is the assistant round trip: translate the
// message, run the produced SQL through the gateway and persist both
// turns. The conversation id doubles as the engine session when the
// caller does not name one, so follow-up questions reuse the instance.
func handleConversationMessage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if err := requireAnyRole(r, auth.RoleQueryReader, auth.RoleDataEngineer); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED", err.Error(), false, nil)
		return
	}
	identity, err := identityFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "IDENTITY_REQUIRED", err.Error(), false, nil)
		return
	}
	if deps.Translator == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "TRANSLATION_DISABLED", "natural language translation is not configured", false, nil)
		return
	}

	conversationID := r.PathValue("id")
	var req conversationMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	if req.DatasetID == "" || req.Content == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "dataset_id and content are required", false, nil)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "conv:" + conversationID
	}

	dataset, err := deps.Repo.GetDataset(r.Context(), req.DatasetID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "dataset not found", false, nil)
			return
		}
		deps.Logger.ErrorContext(r.Context(), "get dataset failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to load dataset", true, nil)
		return
	}
	granted, err := deps.Repo.HasDatasetGrant(r.Context(), identity.UserID, dataset.ID)
	if err != nil {
		deps.Logger.ErrorContext(r.Context(), "grant lookup failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to check grants", true, nil)
		return
	}
	if !granted {
		writeError(r.Context(), w, http.StatusForbidden, "PERMISSION_DENIED", "no grant on dataset "+dataset.ID, false, nil)
		return
	}

	if _, err := deps.Repo.InsertConversationMessage(r.Context(), catalog.CreateConversationMessageInput{
		ConversationID: conversationID,
		UserID:         identity.UserID,
		DatasetID:      dataset.ID,
		Content:        req.Content,
		State:          "user",
	}); err != nil {
		deps.Logger.WarnContext(r.Context(), "conversation message insert failed", slog.String("error", err.Error()))
	}

	translation, err := deps.Translator.Translate(r.Context(), nl2sql.Request{
		DatasetID:       dataset.ID,
		NaturalLanguage: req.Content,
		Tables:          tableContexts(dataset),
	})
	if err != nil {
		observability.IncrementTranslate("error")
		deps.Logger.ErrorContext(r.Context(), "translation failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusBadGateway, "TRANSLATION_FAILED", "failed to translate request", true, nil)
		return
	}
	observability.IncrementTranslate("success")

	result, execErr := deps.Query.Execute(r.Context(), identity, query.Request{
		SessionID: sessionID,
		DatasetID: dataset.ID,
		SQL:       translation.SQL,
		Preview:   true,
	})

	state := result.State
	if state == "" {
		state = query.StateExecutionFailed
	}
	assistant, err := deps.Repo.InsertConversationMessage(r.Context(), catalog.CreateConversationMessageInput{
		ConversationID: conversationID,
		UserID:         identity.UserID,
		DatasetID:      dataset.ID,
		SQL:            translation.SQL,
		State:          state,
	})
	if err != nil {
		deps.Logger.WarnContext(r.Context(), "conversation message insert failed", slog.String("error", err.Error()))
	}

	if execErr != nil {
		code := query.ErrorCode(execErr)
		status, retryable := statusForCode(code)
		writeError(r.Context(), w, status, code, execErr.Error(), retryable, map[string]any{
			"state": state,
			"sql":   translation.SQL,
		})
		return
	}

	writeJSON(w, http.StatusOK, conversationMessageResponse{
		MessageID:    assistant.MessageID,
		SQL:          translation.SQL,
		Columns:      result.Columns,
		Rows:         result.Rows,
		MaskedTables: result.MaskedTables,
		State:        result.State,
		DurationMs:   result.Duration.Milliseconds(),
	})
}
