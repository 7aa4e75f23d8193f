package federation

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kiwiql/kiwi/internal/catalog"
)

const probeAlias = "connection_probe"

// TestConnection verifies that a data source is reachable with its saved
// credentials. Database sources are attached into a scratch engine and
// detached again; object store sources are probed with a bucket check;
// file sources are checked on disk. Any failure comes back wrapped as an
// AttachError so callers report it as source unavailability.
func TestConnection(ctx context.Context, source catalog.DataSource) error {
	if err := source.Validate(); err != nil {
		return err
	}

	switch source.Type {
	case catalog.SourceS3:
		return probeS3(ctx, source)
	case catalog.SourceSQLite, catalog.SourceDuckDB, catalog.SourceLocalFile:
		if _, err := os.Stat(source.Config.Path); err != nil {
			return &AttachError{Alias: probeAlias, Err: fmt.Errorf("stat %q: %w", source.Config.Path, err)}
		}
		if source.Type == catalog.SourceLocalFile {
			return nil
		}
		return probeAttach(ctx, source)
	default:
		return probeAttach(ctx, source)
	}
}

func probeAttach(ctx context.Context, source catalog.DataSource) error {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return &EngineError{Err: fmt.Errorf("open probe engine: %w", err)}
	}
	defer func() { _ = db.Close() }()

	statements, err := AttachStatements(probeAlias, source)
	if err != nil {
		return &AttachError{Alias: probeAlias, Err: err}
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return &AttachError{Alias: probeAlias, Err: err}
		}
	}

	var count int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duckdb_databases() WHERE database_name = ?`, probeAlias).Scan(&count)
	if err != nil {
		return &AttachError{Alias: probeAlias, Err: err}
	}
	if count == 0 {
		return &AttachError{Alias: probeAlias, Err: fmt.Errorf("attached database not visible")}
	}

	if statement := DetachStatement(probeAlias, source.Type); statement != "" {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return &EngineError{Err: fmt.Errorf("detach probe: %w", err)}
		}
	}
	return nil
}

func probeS3(ctx context.Context, source catalog.DataSource) error {
	endpoint := source.Config.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(source.Config.AccessKey, source.Config.SecretKey, ""),
		Secure: source.Config.UseSSL || source.Config.Endpoint == "",
		Region: source.Config.Region,
	})
	if err != nil {
		return &AttachError{Alias: probeAlias, Err: fmt.Errorf("build s3 client: %w", err)}
	}

	exists, err := client.BucketExists(ctx, source.Config.Bucket)
	if err != nil {
		return &AttachError{Alias: probeAlias, Err: fmt.Errorf("check bucket %q: %w", source.Config.Bucket, err)}
	}
	if !exists {
		return &AttachError{Alias: probeAlias, Err: fmt.Errorf("bucket %q not found", source.Config.Bucket)}
	}
	return nil
}
