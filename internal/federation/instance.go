package federation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/kiwiql/kiwi/internal/catalog"
)

// Instance is one in-memory engine bound to a (session, dataset) pair.
// All of the dataset's sources are attached and every table mapping is
// exposed as a view, so queries see only the mapped names.
type Instance struct {
	db        *sql.DB
	SessionID string
	DatasetID string
	CreatedAt time.Time
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// NewInstance opens a fresh engine and wires the dataset into it. A
// failure on any binding closes the engine and reports which alias broke,
// so a partially attached instance is never handed out.
func NewInstance(ctx context.Context, sessionID string, dataset catalog.Dataset, sources map[string]catalog.DataSource) (*Instance, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, &EngineError{Err: fmt.Errorf("open engine: %w", err)}
	}

	instance := &Instance{
		db:        db,
		SessionID: sessionID,
		DatasetID: dataset.ID,
		CreatedAt: time.Now(),
	}
	if err := instance.attach(ctx, dataset, sources); err != nil {
		_ = db.Close()
		return nil, err
	}
	return instance, nil
}

func (i *Instance) attach(ctx context.Context, dataset catalog.Dataset, sources map[string]catalog.DataSource) error {
	for _, binding := range dataset.Bindings {
		source, ok := sources[binding.DataSourceID]
		if !ok {
			return &AttachError{Alias: binding.Alias, Err: fmt.Errorf("data source %q not resolved", binding.DataSourceID)}
		}

		// Snapshot bindings attach under a staging name; the binding
		// alias becomes a local schema so alias-qualified references
		// resolve the same way as for live bindings.
		attachAlias := binding.Alias
		if binding.Mode == catalog.AttachSnapshot {
			attachAlias = SnapshotAttachAlias(binding.Alias)
		}

		statements, err := AttachStatements(attachAlias, source)
		if err != nil {
			return &AttachError{Alias: binding.Alias, Err: err}
		}
		for _, statement := range statements {
			if _, err := i.db.ExecContext(ctx, statement); err != nil {
				return &AttachError{Alias: binding.Alias, Err: err}
			}
		}

		if binding.Mode == catalog.AttachSnapshot {
			if _, err := i.db.ExecContext(ctx, SnapshotSchemaStatement(binding.Alias)); err != nil {
				return &AttachError{Alias: binding.Alias, Err: fmt.Errorf("create snapshot schema: %w", err)}
			}
		}

		for _, mapping := range dataset.MappingsForAlias(binding.Alias) {
			statements := []string{ViewStatement(mapping, source)}
			if binding.Mode == catalog.AttachSnapshot {
				statements = []string{SnapshotStatement(mapping, source), SnapshotViewStatement(mapping)}
			}
			for _, statement := range statements {
				if _, err := i.db.ExecContext(ctx, statement); err != nil {
					return &AttachError{Alias: binding.Alias, Err: fmt.Errorf("map table %q: %w", mapping.TargetView, err)}
				}
			}
		}

		// Snapshot tables are fully copied, so the staging link can go.
		if binding.Mode == catalog.AttachSnapshot {
			if statement := DetachStatement(attachAlias, source.Type); statement != "" {
				if _, err := i.db.ExecContext(ctx, statement); err != nil {
					return &AttachError{Alias: binding.Alias, Err: fmt.Errorf("detach after snapshot: %w", err)}
				}
			}
		}
	}
	return nil
}

// Query runs one statement against the instance. The caller controls the
// deadline through ctx; a deadline hit surfaces as ErrQueryTimeout. A
// positive rowLimit caps the result by wrapping the statement.
func (i *Instance) Query(ctx context.Context, sqlText string, rowLimit int) (Result, error) {
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return Result{}, &EngineError{Err: fmt.Errorf("sql is required")}
	}
	if rowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, rowLimit)
	}

	start := time.Now()
	rows, err := i.db.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, queryError(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, queryError(ctx, err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for idx := range values {
			scanTargets[idx] = &values[idx]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, queryError(ctx, err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, queryError(ctx, err)
	}

	return Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

func (i *Instance) Close() error {
	return i.db.Close()
}

func queryError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrQueryTimeout
	}
	return &EngineError{Err: err}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
