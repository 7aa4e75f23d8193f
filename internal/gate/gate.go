// Package gate enforces dataset- and source-level access before any SQL
// reaches an engine instance. Partial access does not reject the query:
// tables served by an ungranted source are rewritten so their columns
// deparse as NULL, while permitted tables pass through untouched.
package gate

import (
	"context"
	"fmt"
	"log/slog"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/kiwiql/kiwi/internal/auth"
	"github.com/kiwiql/kiwi/internal/catalog"
	"github.com/kiwiql/kiwi/internal/federation"
)

// GrantStore is the slice of the catalog the gate needs.
type GrantStore interface {
	HasDatasetGrant(ctx context.Context, userID, datasetID string) (bool, error)
	ListSourceGrants(ctx context.Context, userID string) (map[string]struct{}, error)
}

type Gate struct {
	repo   GrantStore
	logger *slog.Logger
}

func New(repo GrantStore, logger *slog.Logger) *Gate {
	return &Gate{repo: repo, logger: logger}
}

// Decision carries the SQL to execute, rewritten when masking applied.
type Decision struct {
	SQL          string
	MaskedTables []string
}

// Authorize checks the caller against the dataset and its bindings and
// returns the statement to hand to the gateway. Missing dataset access
// is a hard denial; missing access to an individual source masks only
// the tables that source serves.
func (g *Gate) Authorize(ctx context.Context, identity auth.Identity, dataset catalog.Dataset, sqlText string) (Decision, error) {
	granted, err := g.repo.HasDatasetGrant(ctx, identity.UserID, dataset.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("check dataset grant: %w", err)
	}
	if !granted {
		return Decision{}, fmt.Errorf("%w: user %q has no access to dataset %q", federation.ErrPermissionDenied, identity.UserID, dataset.ID)
	}

	result, sel, err := parseSelect(sqlText)
	if err != nil {
		return Decision{}, err
	}

	refs := collectTableRefs(sel)
	if len(refs) == 0 {
		return Decision{SQL: sqlText}, nil
	}

	sourceGrants, err := g.repo.ListSourceGrants(ctx, identity.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("list source grants: %w", err)
	}

	var masked []string
	seen := make(map[string]struct{})
	for _, ref := range refs {
		if ref.shadowedByCTE {
			continue
		}
		mapping, binding, ok := resolveRef(dataset, ref)
		if !ok {
			if ref.Qualifier != "" {
				return Decision{}, fmt.Errorf("%w: unknown source alias %q", federation.ErrPermissionDenied, ref.Qualifier)
			}
			// Bare names that are not mapped views (CTEs, engine
			// locals) are left for the engine to resolve.
			continue
		}
		if _, ok := sourceGrants[binding.DataSourceID]; ok {
			continue
		}
		if len(mapping.Columns) == 0 {
			return Decision{}, fmt.Errorf("%w: table %q of source %q has no declared columns to mask",
				federation.ErrPermissionDenied, ref.Name, binding.Alias)
		}

		maskTableRef(ref, mapping.Columns, mapping.MaskedColumns)
		name := ref.Name
		if ref.Qualifier != "" {
			name = ref.Qualifier + "." + ref.Name
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			masked = append(masked, name)
		}
	}

	if len(masked) == 0 {
		return Decision{SQL: sqlText}, nil
	}

	rewritten, err := pg_query.Deparse(result)
	if err != nil {
		return Decision{}, fmt.Errorf("deparse masked query: %w", err)
	}
	g.logger.InfoContext(ctx, "masked restricted tables",
		slog.String("user_id", identity.UserID),
		slog.String("dataset_id", dataset.ID),
		slog.Any("tables", masked))
	return Decision{SQL: rewritten, MaskedTables: masked}, nil
}

// resolveRef maps one table reference onto the dataset configuration.
// Alias-qualified refs resolve through the binding's raw tables; bare
// refs resolve through the target view names.
func resolveRef(dataset catalog.Dataset, ref *tableRef) (catalog.TableMapping, catalog.SourceBinding, bool) {
	if ref.Qualifier != "" {
		binding, ok := dataset.BindingForAlias(ref.Qualifier)
		if !ok {
			return catalog.TableMapping{}, catalog.SourceBinding{}, false
		}
		for _, mapping := range dataset.MappingsForAlias(ref.Qualifier) {
			if mapping.SourceTable == ref.Name {
				return mapping, binding, true
			}
		}
		// A qualified ref to an unmapped table still belongs to the
		// binding; report it with no columns so masking denies it.
		return catalog.TableMapping{}, binding, true
	}

	for _, mapping := range dataset.Tables {
		if mapping.TargetView == ref.Name {
			binding, ok := dataset.BindingForAlias(mapping.SourceAlias)
			if !ok {
				return catalog.TableMapping{}, catalog.SourceBinding{}, false
			}
			return mapping, binding, true
		}
	}
	return catalog.TableMapping{}, catalog.SourceBinding{}, false
}
