package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiwiql/kiwi/internal/catalog"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) CreateDataSource(ctx context.Context, source catalog.DataSource) (catalog.DataSource, error) {
	configJSON, err := json.Marshal(source.Config)
	if err != nil {
		return catalog.DataSource{}, fmt.Errorf("marshal connection config: %w", err)
	}

	query := `
INSERT INTO data_source (source_id, name, source_type, connection_config, created_by)
VALUES ($1, $2, $3, $4::jsonb, $5)
RETURNING created_at`
	if err := r.db.QueryRowContext(ctx, query, source.ID, source.Name, string(source.Type), string(configJSON), source.CreatedBy).Scan(&source.CreatedAt); err != nil {
		return catalog.DataSource{}, fmt.Errorf("create data source: %w", err)
	}
	return source, nil
}

func (r *Repository) GetDataSource(ctx context.Context, id string) (catalog.DataSource, error) {
	query := `
SELECT source_id, name, source_type, connection_config, created_by, created_at
FROM data_source
WHERE source_id = $1`

	var (
		source     catalog.DataSource
		sourceType string
		configJSON []byte
	)
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&source.ID,
		&source.Name,
		&sourceType,
		&configJSON,
		&source.CreatedBy,
		&source.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.DataSource{}, catalog.ErrNotFound
		}
		return catalog.DataSource{}, fmt.Errorf("get data source: %w", err)
	}
	source.Type = catalog.SourceType(sourceType)
	if err := json.Unmarshal(configJSON, &source.Config); err != nil {
		return catalog.DataSource{}, fmt.Errorf("decode connection config: %w", err)
	}
	return source, nil
}

func (r *Repository) ListDataSources(ctx context.Context) ([]catalog.DataSource, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT source_id, name, source_type, connection_config, created_by, created_at
FROM data_source
ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sources := make([]catalog.DataSource, 0)
	for rows.Next() {
		var (
			source     catalog.DataSource
			sourceType string
			configJSON []byte
		)
		if err := rows.Scan(&source.ID, &source.Name, &sourceType, &configJSON, &source.CreatedBy, &source.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan data source row: %w", err)
		}
		source.Type = catalog.SourceType(sourceType)
		if err := json.Unmarshal(configJSON, &source.Config); err != nil {
			return nil, fmt.Errorf("decode connection config: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data source rows: %w", err)
	}
	return sources, nil
}

func (r *Repository) DeleteDataSource(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM data_source WHERE source_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete data source: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete data source rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *Repository) CreateDataset(ctx context.Context, dataset catalog.Dataset) (catalog.Dataset, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return catalog.Dataset{}, fmt.Errorf("begin dataset tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
INSERT INTO dataset (dataset_id, project_id, name)
VALUES ($1, $2, $3)
RETURNING created_at`
	if err := tx.QueryRowContext(ctx, query, dataset.ID, dataset.ProjectID, dataset.Name).Scan(&dataset.CreatedAt); err != nil {
		return catalog.Dataset{}, fmt.Errorf("create dataset: %w", err)
	}

	for position, binding := range dataset.Bindings {
		_, err := tx.ExecContext(ctx, `
INSERT INTO dataset_binding (dataset_id, data_source_id, alias, attach_mode, position)
VALUES ($1, $2, $3, $4, $5)`,
			dataset.ID, binding.DataSourceID, binding.Alias, string(binding.Mode), position)
		if err != nil {
			return catalog.Dataset{}, fmt.Errorf("create dataset binding %q: %w", binding.Alias, err)
		}
	}

	for _, mapping := range dataset.Tables {
		columnsJSON, err := json.Marshal(mapping.Columns)
		if err != nil {
			return catalog.Dataset{}, fmt.Errorf("marshal mapping columns: %w", err)
		}
		maskedJSON, err := json.Marshal(mapping.MaskedColumns)
		if err != nil {
			return catalog.Dataset{}, fmt.Errorf("marshal masked columns: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO table_mapping (dataset_id, target_view, source_alias, source_table, columns, masked_columns)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb)`,
			dataset.ID, mapping.TargetView, mapping.SourceAlias, mapping.SourceTable, string(columnsJSON), string(maskedJSON))
		if err != nil {
			return catalog.Dataset{}, fmt.Errorf("create table mapping %q: %w", mapping.TargetView, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return catalog.Dataset{}, fmt.Errorf("commit dataset tx: %w", err)
	}
	return dataset, nil
}

func (r *Repository) GetDataset(ctx context.Context, id string) (catalog.Dataset, error) {
	query := `
SELECT dataset_id, project_id, name, created_at
FROM dataset
WHERE dataset_id = $1`

	var dataset catalog.Dataset
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&dataset.ID,
		&dataset.ProjectID,
		&dataset.Name,
		&dataset.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Dataset{}, catalog.ErrNotFound
		}
		return catalog.Dataset{}, fmt.Errorf("get dataset: %w", err)
	}

	bindings, err := r.listBindings(ctx, id)
	if err != nil {
		return catalog.Dataset{}, err
	}
	dataset.Bindings = bindings

	mappings, err := r.listMappings(ctx, id)
	if err != nil {
		return catalog.Dataset{}, err
	}
	dataset.Tables = mappings
	return dataset, nil
}

func (r *Repository) listBindings(ctx context.Context, datasetID string) ([]catalog.SourceBinding, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT data_source_id, alias, attach_mode
FROM dataset_binding
WHERE dataset_id = $1
ORDER BY position ASC`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list dataset bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	bindings := make([]catalog.SourceBinding, 0)
	for rows.Next() {
		var (
			binding catalog.SourceBinding
			mode    string
		)
		if err := rows.Scan(&binding.DataSourceID, &binding.Alias, &mode); err != nil {
			return nil, fmt.Errorf("scan binding row: %w", err)
		}
		binding.Mode = catalog.AttachMode(mode)
		bindings = append(bindings, binding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate binding rows: %w", err)
	}
	return bindings, nil
}

func (r *Repository) listMappings(ctx context.Context, datasetID string) ([]catalog.TableMapping, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT target_view, source_alias, source_table, columns, masked_columns
FROM table_mapping
WHERE dataset_id = $1
ORDER BY target_view ASC`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list table mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	mappings := make([]catalog.TableMapping, 0)
	for rows.Next() {
		var (
			mapping     catalog.TableMapping
			columnsJSON []byte
			maskedJSON  []byte
		)
		if err := rows.Scan(&mapping.TargetView, &mapping.SourceAlias, &mapping.SourceTable, &columnsJSON, &maskedJSON); err != nil {
			return nil, fmt.Errorf("scan mapping row: %w", err)
		}
		if len(columnsJSON) > 0 {
			if err := json.Unmarshal(columnsJSON, &mapping.Columns); err != nil {
				return nil, fmt.Errorf("decode mapping columns: %w", err)
			}
		}
		if len(maskedJSON) > 0 {
			if err := json.Unmarshal(maskedJSON, &mapping.MaskedColumns); err != nil {
				return nil, fmt.Errorf("decode masked columns: %w", err)
			}
		}
		mappings = append(mappings, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mapping rows: %w", err)
	}
	return mappings, nil
}

func (r *Repository) ListDatasets(ctx context.Context, projectID string) ([]catalog.Dataset, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT dataset_id, project_id, name, created_at
FROM dataset
WHERE project_id = $1
ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	datasets := make([]catalog.Dataset, 0)
	for rows.Next() {
		var dataset catalog.Dataset
		if err := rows.Scan(&dataset.ID, &dataset.ProjectID, &dataset.Name, &dataset.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dataset row: %w", err)
		}
		datasets = append(datasets, dataset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dataset rows: %w", err)
	}
	return datasets, nil
}

func (r *Repository) DeleteDataset(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM dataset WHERE dataset_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete dataset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete dataset rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *Repository) GrantDataset(ctx context.Context, userID, datasetID string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO dataset_grant (user_id, dataset_id)
VALUES ($1, $2)
ON CONFLICT (user_id, dataset_id) DO NOTHING`, userID, datasetID)
	if err != nil {
		return fmt.Errorf("grant dataset: %w", err)
	}
	return nil
}

func (r *Repository) GrantSource(ctx context.Context, userID, dataSourceID string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO source_grant (user_id, data_source_id)
VALUES ($1, $2)
ON CONFLICT (user_id, data_source_id) DO NOTHING`, userID, dataSourceID)
	if err != nil {
		return fmt.Errorf("grant source: %w", err)
	}
	return nil
}

func (r *Repository) HasDatasetGrant(ctx context.Context, userID, datasetID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (
  SELECT 1 FROM dataset_grant WHERE user_id = $1 AND dataset_id = $2
)`, userID, datasetID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dataset grant: %w", err)
	}
	return exists, nil
}

func (r *Repository) ListSourceGrants(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT data_source_id
FROM source_grant
WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list source grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	grants := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan source grant row: %w", err)
		}
		grants[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source grant rows: %w", err)
	}
	return grants, nil
}

func (r *Repository) InsertQueryAudit(ctx context.Context, entry catalog.QueryAuditEntry) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO query_audit (user_id, dataset_id, session_id, sql_text, state, error_code, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.UserID, entry.DatasetID, entry.SessionID, entry.SQL, entry.State, entry.ErrorCode, entry.DurationMs)
	if err != nil {
		return fmt.Errorf("insert query audit: %w", err)
	}
	return nil
}

func (r *Repository) InsertConversationMessage(ctx context.Context, in catalog.CreateConversationMessageInput) (catalog.ConversationMessage, error) {
	query := `
INSERT INTO conversation_message (conversation_id, user_id, dataset_id, content, sql_text, state)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING message_id, created_at`

	message := catalog.ConversationMessage{
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		DatasetID:      in.DatasetID,
		Content:        in.Content,
		SQL:            in.SQL,
		State:          in.State,
	}
	if err := r.db.QueryRowContext(ctx, query,
		in.ConversationID, in.UserID, in.DatasetID, in.Content, in.SQL, in.State,
	).Scan(&message.MessageID, &message.CreatedAt); err != nil {
		return catalog.ConversationMessage{}, fmt.Errorf("insert conversation message: %w", err)
	}
	return message, nil
}

func (r *Repository) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]catalog.ConversationMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT message_id, conversation_id, user_id, dataset_id, content, sql_text, state, created_at
FROM conversation_message
WHERE conversation_id = $1
ORDER BY message_id DESC
LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]catalog.ConversationMessage, 0)
	for rows.Next() {
		var message catalog.ConversationMessage
		if err := rows.Scan(
			&message.MessageID,
			&message.ConversationID,
			&message.UserID,
			&message.DatasetID,
			&message.Content,
			&message.SQL,
			&message.State,
			&message.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation message rows: %w", err)
	}
	return messages, nil
}
