package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kiwiql/kiwi/internal/auth"
	"github.com/kiwiql/kiwi/internal/catalog"
	"github.com/kiwiql/kiwi/internal/nl2sql"
	"github.com/kiwiql/kiwi/internal/observability"
)

type translateRequest struct {
	DatasetID       string `json:"dataset_id"`
	NaturalLanguage string `json:"natural_language"`
	ConversationID  string `json:"conversation_id"`
}

type translateResponse struct {
	SQL            string `json:"sql"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func handleTranslateQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
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

	var req translateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
		return
	}
	if req.DatasetID == "" || req.NaturalLanguage == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "dataset_id and natural_language are required", false, nil)
		return
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

	// The schema shown to the model is gated the same way queries are.
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

	result, err := deps.Translator.Translate(r.Context(), nl2sql.Request{
		DatasetID:       dataset.ID,
		NaturalLanguage: req.NaturalLanguage,
		Tables:          tableContexts(dataset),
	})
	if err != nil {
		observability.IncrementTranslate("error")
		deps.Logger.ErrorContext(r.Context(), "translation failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusBadGateway, "TRANSLATION_FAILED", "failed to translate request", true, nil)
		return
	}
	observability.IncrementTranslate("success")

	if req.ConversationID != "" {
		recordConversationTurn(deps, r, identity, dataset.ID, req, result)
	}

	writeJSON(w, http.StatusOK, translateResponse{
		SQL:            result.SQL,
		Provider:       result.Provider,
		Model:          result.Model,
		ConversationID: req.ConversationID,
	})
}

// tableContexts renders the dataset's table mappings for the model,
// including which columns the gateway may blank out, so the produced
// SQL does not lean on columns the caller cannot read.
func tableContexts(dataset catalog.Dataset) []nl2sql.TableContext {
	tables := make([]nl2sql.TableContext, 0, len(dataset.Tables))
	for _, mapping := range dataset.Tables {
		tables = append(tables, nl2sql.TableContext{
			TableName:     mapping.TargetView,
			Columns:       mapping.Columns,
			MaskedColumns: mapping.MaskedColumns,
		})
	}
	return tables
}

// recordConversationTurn stores the user request and the produced SQL
// as two messages. Failures only log; translation already succeeded.
func recordConversationTurn(deps Dependencies, r *http.Request, identity auth.Identity, datasetID string, req translateRequest, result nl2sql.Result) {
	_, err := deps.Repo.InsertConversationMessage(r.Context(), catalog.CreateConversationMessageInput{
		ConversationID: req.ConversationID,
		UserID:         identity.UserID,
		DatasetID:      datasetID,
		Content:        req.NaturalLanguage,
		State:          "user",
	})
	if err == nil {
		_, err = deps.Repo.InsertConversationMessage(r.Context(), catalog.CreateConversationMessageInput{
			ConversationID: req.ConversationID,
			UserID:         identity.UserID,
			DatasetID:      datasetID,
			SQL:            result.SQL,
			State:          "assistant",
		})
	}
	if err != nil {
		deps.Logger.WarnContext(r.Context(), "conversation message insert failed",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()))
	}
}

func handleListConversationMessages(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "conversation id is required", false, nil)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", false, nil)
			return
		}
		limit = parsed
	}

	messages, err := deps.Repo.ListConversationMessages(r.Context(), conversationID, limit)
	if err != nil {
		deps.Logger.ErrorContext(r.Context(), "list conversation messages failed", slog.String("error", err.Error()))
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to list messages", true, nil)
		return
	}

	type messageResponse struct {
		MessageID      int64  `json:"message_id"`
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
		DatasetID      string `json:"dataset_id"`
		Content        string `json:"content,omitempty"`
		SQL            string `json:"sql,omitempty"`
		State          string `json:"state"`
		CreatedAt      string `json:"created_at"`
	}
	responses := make([]messageResponse, 0, len(messages))
	for _, message := range messages {
		responses = append(responses, messageResponse{
			MessageID:      message.MessageID,
			ConversationID: message.ConversationID,
			UserID:         message.UserID,
			DatasetID:      message.DatasetID,
			Content:        message.Content,
			SQL:            message.SQL,
			State:          message.State,
			CreatedAt:      message.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": conversationID, "messages": responses})
}
