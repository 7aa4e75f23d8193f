package federation

import (
	"fmt"
	"path"
	"strings"

	"github.com/kiwiql/kiwi/internal/catalog"
)

// AttachStatements returns the engine statements that make one bound data
// source reachable under its alias. Database sources become a READ_ONLY
// ATTACH; object store sources become a scoped secret and are consumed
// through read functions in the view layer instead.
func AttachStatements(alias string, source catalog.DataSource) ([]string, error) {
	switch source.Type {
	case catalog.SourceMySQL:
		port := source.Config.Port
		if port == 0 {
			port = 3306
		}
		conn := fmt.Sprintf("host=%s port=%d database=%s user=%s password=%s",
			source.Config.Host, port, source.Config.Database, source.Config.Username, source.Config.Password)
		return []string{fmt.Sprintf("ATTACH %s AS %s (TYPE mysql, READ_ONLY)", quoteString(conn), quoteIdent(alias))}, nil

	case catalog.SourcePostgres:
		port := source.Config.Port
		if port == 0 {
			port = 5432
		}
		conn := fmt.Sprintf("host=%s port=%d database=%s user=%s password=%s",
			source.Config.Host, port, source.Config.Database, source.Config.Username, source.Config.Password)
		stmt := fmt.Sprintf("ATTACH %s AS %s (TYPE postgres, READ_ONLY, SCHEMA %s)",
			quoteString(conn), quoteIdent(alias), quoteString(source.Config.Schema))
		return []string{stmt}, nil

	case catalog.SourceSQLite:
		return []string{fmt.Sprintf("ATTACH %s AS %s (TYPE sqlite, READ_ONLY)", quoteString(source.Config.Path), quoteIdent(alias))}, nil

	case catalog.SourceDuckDB:
		return []string{fmt.Sprintf("ATTACH %s AS %s (READ_ONLY)", quoteString(source.Config.Path), quoteIdent(alias))}, nil

	case catalog.SourceS3:
		secretName := "secret_" + sanitizeIdentComponent(alias)
		options := []string{
			"TYPE s3",
			"PROVIDER config",
			"KEY_ID " + quoteString(source.Config.AccessKey),
			"SECRET " + quoteString(source.Config.SecretKey),
		}
		if source.Config.Endpoint != "" {
			options = append(options, "ENDPOINT "+quoteString(source.Config.Endpoint))
		}
		if source.Config.Region != "" {
			options = append(options, "REGION "+quoteString(source.Config.Region))
		}
		if source.Config.URLStyle != "" {
			options = append(options, "URL_STYLE "+quoteString(source.Config.URLStyle))
		}
		if source.Config.Endpoint != "" && !source.Config.UseSSL {
			options = append(options, "USE_SSL false")
		}
		return []string{
			fmt.Sprintf("DROP SECRET IF EXISTS %s", secretName),
			fmt.Sprintf("CREATE OR REPLACE SECRET %s (%s)", secretName, strings.Join(options, ", ")),
		}, nil

	case catalog.SourceLocalFile:
		// Nothing to attach; the view layer reads the files directly.
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported data source type: %q", source.Type)
}

// DetachStatement undoes the attach for database sources. S3 and local
// file sources have nothing to detach.
func DetachStatement(alias string, sourceType catalog.SourceType) string {
	switch sourceType {
	case catalog.SourceMySQL, catalog.SourcePostgres, catalog.SourceSQLite, catalog.SourceDuckDB:
		return "DETACH " + quoteIdent(alias)
	}
	return ""
}

// ViewStatement exposes one mapped table as a stable view name inside the
// engine instance, projecting the declared column subset when present.
func ViewStatement(mapping catalog.TableMapping, source catalog.DataSource) string {
	projection := "*"
	if len(mapping.Columns) > 0 {
		quoted := make([]string, 0, len(mapping.Columns))
		for _, column := range mapping.Columns {
			quoted = append(quoted, quoteIdent(column))
		}
		projection = strings.Join(quoted, ", ")
	}
	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT %s FROM %s",
		quoteIdent(mapping.TargetView), projection, tableExpression(mapping, source))
}

// SnapshotAttachAlias is the staging name a snapshot binding attaches
// under. The binding's own alias becomes a local schema holding the
// materialized tables, so alias-qualified references resolve the same
// way they do for live bindings.
func SnapshotAttachAlias(alias string) string {
	return alias + "__src"
}

// SnapshotSchemaStatement creates the local schema that shadows the
// binding alias once the staging attachment is gone.
func SnapshotSchemaStatement(alias string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + quoteIdent(alias)
}

// SnapshotStatement materializes one mapped table into the alias schema,
// so later queries never touch the remote again.
func SnapshotStatement(mapping catalog.TableMapping, source catalog.DataSource) string {
	projection := "*"
	if len(mapping.Columns) > 0 {
		quoted := make([]string, 0, len(mapping.Columns))
		for _, column := range mapping.Columns {
			quoted = append(quoted, quoteIdent(column))
		}
		projection = strings.Join(quoted, ", ")
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s.%s AS SELECT %s FROM %s",
		quoteIdent(mapping.SourceAlias), quoteIdent(mapping.TargetView), projection, snapshotSourceExpression(mapping, source))
}

// SnapshotViewStatement exposes a materialized table under its stable
// bare view name, mirroring ViewStatement for live bindings.
func SnapshotViewStatement(mapping catalog.TableMapping) string {
	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s.%s",
		quoteIdent(mapping.TargetView), quoteIdent(mapping.SourceAlias), quoteIdent(mapping.TargetView))
}

func snapshotSourceExpression(mapping catalog.TableMapping, source catalog.DataSource) string {
	switch source.Type {
	case catalog.SourceS3, catalog.SourceLocalFile:
		return tableExpression(mapping, source)
	default:
		return quoteIdent(SnapshotAttachAlias(mapping.SourceAlias)) + "." + quoteIdent(mapping.SourceTable)
	}
}

func tableExpression(mapping catalog.TableMapping, source catalog.DataSource) string {
	switch source.Type {
	case catalog.SourceS3:
		location := fmt.Sprintf("s3://%s/%s", source.Config.Bucket, strings.TrimPrefix(mapping.SourceTable, "/"))
		return readFunction(location)
	case catalog.SourceLocalFile:
		location := mapping.SourceTable
		if !strings.HasPrefix(location, "/") {
			location = path.Join(source.Config.Path, location)
		}
		return readFunction(location)
	default:
		return quoteIdent(mapping.SourceAlias) + "." + quoteIdent(mapping.SourceTable)
	}
}

func readFunction(location string) string {
	switch strings.ToLower(path.Ext(location)) {
	case ".csv", ".tsv":
		return fmt.Sprintf("read_csv_auto(%s)", quoteString(location))
	case ".json", ".jsonl", ".ndjson":
		return fmt.Sprintf("read_json_auto(%s)", quoteString(location))
	default:
		return fmt.Sprintf("read_parquet(%s)", quoteString(location))
	}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func sanitizeIdentComponent(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "source"
	}
	return b.String()
}
