package query

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/kiwiql/kiwi/internal/auth"
	"github.com/kiwiql/kiwi/internal/catalog"
	"github.com/kiwiql/kiwi/internal/federation"
	"github.com/kiwiql/kiwi/internal/gate"
)

type fakeRepo struct {
	datasets      map[string]catalog.Dataset
	sources       map[string]catalog.DataSource
	datasetGrants map[string]map[string]struct{}
	sourceGrants  map[string]map[string]struct{}
	audits        []catalog.QueryAuditEntry
	sourceLoads   atomic.Int32
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		datasets:      map[string]catalog.Dataset{},
		sources:       map[string]catalog.DataSource{},
		datasetGrants: map[string]map[string]struct{}{},
		sourceGrants:  map[string]map[string]struct{}{},
	}
}

func (f *fakeRepo) HealthCheck(context.Context) error { return nil }

func (f *fakeRepo) CreateDataSource(_ context.Context, source catalog.DataSource) (catalog.DataSource, error) {
	f.sources[source.ID] = source
	return source, nil
}

func (f *fakeRepo) GetDataSource(_ context.Context, id string) (catalog.DataSource, error) {
	f.sourceLoads.Add(1)
	source, ok := f.sources[id]
	if !ok {
		return catalog.DataSource{}, catalog.ErrNotFound
	}
	return source, nil
}

func (f *fakeRepo) ListDataSources(context.Context) ([]catalog.DataSource, error) { return nil, nil }

func (f *fakeRepo) DeleteDataSource(context.Context, string) (bool, error) { return false, nil }

func (f *fakeRepo) CreateDataset(_ context.Context, dataset catalog.Dataset) (catalog.Dataset, error) {
	f.datasets[dataset.ID] = dataset
	return dataset, nil
}

func (f *fakeRepo) GetDataset(_ context.Context, id string) (catalog.Dataset, error) {
	dataset, ok := f.datasets[id]
	if !ok {
		return catalog.Dataset{}, catalog.ErrNotFound
	}
	return dataset, nil
}

func (f *fakeRepo) ListDatasets(context.Context, string) ([]catalog.Dataset, error) { return nil, nil }

func (f *fakeRepo) DeleteDataset(context.Context, string) (bool, error) { return false, nil }

func (f *fakeRepo) GrantDataset(_ context.Context, userID, datasetID string) error {
	if f.datasetGrants[userID] == nil {
		f.datasetGrants[userID] = map[string]struct{}{}
	}
	f.datasetGrants[userID][datasetID] = struct{}{}
	return nil
}

func (f *fakeRepo) GrantSource(_ context.Context, userID, dataSourceID string) error {
	if f.sourceGrants[userID] == nil {
		f.sourceGrants[userID] = map[string]struct{}{}
	}
	f.sourceGrants[userID][dataSourceID] = struct{}{}
	return nil
}

func (f *fakeRepo) HasDatasetGrant(_ context.Context, userID, datasetID string) (bool, error) {
	_, ok := f.datasetGrants[userID][datasetID]
	return ok, nil
}

func (f *fakeRepo) ListSourceGrants(_ context.Context, userID string) (map[string]struct{}, error) {
	grants := f.sourceGrants[userID]
	if grants == nil {
		grants = map[string]struct{}{}
	}
	return grants, nil
}

func (f *fakeRepo) InsertQueryAudit(_ context.Context, entry catalog.QueryAuditEntry) error {
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeRepo) InsertConversationMessage(context.Context, catalog.CreateConversationMessageInput) (catalog.ConversationMessage, error) {
	return catalog.ConversationMessage{}, nil
}

func (f *fakeRepo) ListConversationMessages(context.Context, string, int) ([]catalog.ConversationMessage, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeOrdersFixture(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "orders.duckdb")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE orders (id BIGINT, customer_id BIGINT, total DOUBLE)`); err != nil {
		t.Fatalf("create orders: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO orders VALUES (1, 10, 19.5), (2, 11, 30.0), (3, 10, 7.25)`); err != nil {
		t.Fatalf("insert orders: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close orders fixture: %v", err)
	}
	return path
}

func writeCustomersFixture(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "customers.duckdb")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE customers (id BIGINT, name TEXT)`); err != nil {
		t.Fatalf("create customers: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO customers VALUES (10, 'ada'), (11, 'grace')`); err != nil {
		t.Fatalf("insert customers: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close customers fixture: %v", err)
	}
	return path
}

type fixture struct {
	repo     *fakeRepo
	service  *Service
	registry *federation.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo := newFakeRepo()
	repo.sources["src-a"] = catalog.DataSource{
		ID:     "src-a",
		Name:   "orders db",
		Type:   catalog.SourceDuckDB,
		Config: catalog.ConnectionConfig{Path: writeOrdersFixture(t, dir)},
	}
	repo.sources["src-b"] = catalog.DataSource{
		ID:     "src-b",
		Name:   "customers db",
		Type:   catalog.SourceDuckDB,
		Config: catalog.ConnectionConfig{Path: writeCustomersFixture(t, dir)},
	}
	repo.datasets["ds-1"] = catalog.Dataset{
		ID:   "ds-1",
		Name: "sales",
		Bindings: []catalog.SourceBinding{
			{DataSourceID: "src-a", Alias: "a", Mode: catalog.AttachLive},
			{DataSourceID: "src-b", Alias: "b", Mode: catalog.AttachLive},
		},
		Tables: []catalog.TableMapping{
			{TargetView: "orders", SourceAlias: "a", SourceTable: "orders", Columns: []string{"id", "customer_id", "total"}},
			{TargetView: "customers", SourceAlias: "b", SourceTable: "customers", Columns: []string{"id", "name"}, MaskedColumns: []string{"name"}},
		},
	}

	logger := testLogger()
	registry := federation.NewRegistry()
	t.Cleanup(registry.Close)
	service := NewService(repo, gate.New(repo, logger), registry, logger, opts)
	return &fixture{repo: repo, service: service, registry: registry}
}

func grantAll(t *testing.T, repo *fakeRepo, userID string) {
	t.Helper()
	ctx := context.Background()
	if err := repo.GrantDataset(ctx, userID, "ds-1"); err != nil {
		t.Fatalf("GrantDataset() error = %v", err)
	}
	for _, sourceID := range []string{"src-a", "src-b"} {
		if err := repo.GrantSource(ctx, userID, sourceID); err != nil {
			t.Fatalf("GrantSource() error = %v", err)
		}
	}
}

func lastAudit(t *testing.T, repo *fakeRepo) catalog.QueryAuditEntry {
	t.Helper()
	if len(repo.audits) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return repo.audits[len(repo.audits)-1]
}

func TestExecuteAuthorizedQuerySucceeds(t *testing.T) {
	fx := newFixture(t, Options{})
	grantAll(t, fx.repo, "alice")

	result, err := fx.service.Execute(context.Background(), auth.Identity{UserID: "alice"}, Request{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SQL:       "SELECT id, total FROM a.orders ORDER BY id",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.State != StateSucceeded {
		t.Fatalf("State = %q", result.State)
	}
	if len(result.Rows) != 3 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
	if len(result.MaskedTables) != 0 {
		t.Fatalf("MaskedTables = %v", result.MaskedTables)
	}

	entry := lastAudit(t, fx.repo)
	if entry.State != StateSucceeded || entry.ErrorCode != "" {
		t.Fatalf("audit = %+v", entry)
	}
}

func TestExecuteReusesEngineInstancePerSessionAndDataset(t *testing.T) {
	fx := newFixture(t, Options{})
	grantAll(t, fx.repo, "alice")

	for i := 0; i < 2; i++ {
		if _, err := fx.service.Execute(context.Background(), auth.Identity{UserID: "alice"}, Request{
			SessionID: "sess-1",
			DatasetID: "ds-1",
			SQL:       "SELECT COUNT(*) FROM orders",
		}); err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
	}

	// Both bindings are loaded exactly once; the second query hits the
	// cached instance without touching the registry of sources again.
	if loads := fx.repo.sourceLoads.Load(); loads != 2 {
		t.Fatalf("source loads = %d, want 2", loads)
	}
}

func TestExecuteDeniedWithoutDatasetGrantAndNoEngineCreated(t *testing.T) {
	fx := newFixture(t, Options{})

	_, err := fx.service.Execute(context.Background(), auth.Identity{UserID: "mallory"}, Request{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SQL:       "SELECT * FROM a.orders",
	})
	if !errors.Is(err, federation.ErrPermissionDenied) {
		t.Fatalf("error = %v, want %v", err, federation.ErrPermissionDenied)
	}
	if entry := lastAudit(t, fx.repo); entry.State != StateRejected || entry.ErrorCode != CodePermissionDenied {
		t.Fatalf("audit = %+v", entry)
	}
	if fx.repo.sourceLoads.Load() != 0 {
		t.Fatal("sources were loaded for a denied request")
	}
	if closed := fx.service.CloseSession(context.Background(), "sess-1"); closed != 0 {
		t.Fatalf("engine instances created for denied request: %d", closed)
	}
}

func TestExecuteRejectsUnsafeStatementBeforeEngine(t *testing.T) {
	fx := newFixture(t, Options{})
	grantAll(t, fx.repo, "alice")

	_, err := fx.service.Execute(context.Background(), auth.Identity{UserID: "alice"}, Request{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SQL:       "DROP TABLE a.orders",
	})
	if !errors.Is(err, federation.ErrUnsafeStatement) {
		t.Fatalf("error = %v, want %v", err, federation.ErrUnsafeStatement)
	}
	if entry := lastAudit(t, fx.repo); entry.State != StateRejected || entry.ErrorCode != CodeUnsafeStatement {
		t.Fatalf("audit = %+v", entry)
	}
	if fx.repo.sourceLoads.Load() != 0 {
		t.Fatal("sources were loaded for an unsafe statement")
	}
}

func TestExecuteMasksRestrictedSourceInJoin(t *testing.T) {
	fx := newFixture(t, Options{})
	ctx := context.Background()
	if err := fx.repo.GrantDataset(ctx, "alice", "ds-1"); err != nil {
		t.Fatalf("GrantDataset() error = %v", err)
	}
	if err := fx.repo.GrantSource(ctx, "alice", "src-a"); err != nil {
		t.Fatalf("GrantSource() error = %v", err)
	}

	result, err := fx.service.Execute(ctx, auth.Identity{UserID: "alice"}, Request{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SQL:       "SELECT o.id, c.name FROM a.orders o JOIN b.customers c ON o.customer_id = c.id ORDER BY o.id",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.MaskedTables) != 1 || result.MaskedTables[0] != "b.customers" {
		t.Fatalf("MaskedTables = %v", result.MaskedTables)
	}
	if len(result.Rows) == 0 {
		t.Fatal("expected joined rows")
	}
	for _, row := range result.Rows {
		if row[0] == nil {
			t.Fatalf("permitted column masked: %#v", row)
		}
		if row[1] != nil {
			t.Fatalf("restricted column not masked: %#v", row)
		}
	}
}

func snapshotBindings(t *testing.T, repo *fakeRepo) {
	t.Helper()
	dataset := repo.datasets["ds-1"]
	for i := range dataset.Bindings {
		dataset.Bindings[i].Mode = catalog.AttachSnapshot
	}
	repo.datasets["ds-1"] = dataset
}

func TestExecuteSnapshotDatasetServesAliasQualifiedQuery(t *testing.T) {
	fx := newFixture(t, Options{})
	snapshotBindings(t, fx.repo)
	grantAll(t, fx.repo, "alice")

	// Alias-qualified SQL behaves the same whether the binding is live
	// or materialized; only staleness differs.
	result, err := fx.service.Execute(context.Background(), auth.Identity{UserID: "alice"}, Request{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SQL:       "SELECT id, total FROM a.orders ORDER BY id",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.State != StateSucceeded {
		t.Fatalf("State = %q", result.State)
	}
	if len(result.Rows) != 3 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
}

func TestExecuteSnapshotDatasetMasksRestrictedJoin(t *testing.T) {
	fx := newFixture(t, Options{})
	snapshotBindings(t, fx.repo)
	ctx := context.Background()
	if err := fx.repo.GrantDataset(ctx, "alice", "ds-1"); err != nil {
		t.Fatalf("GrantDataset() error = %v", err)
	}
	if err := fx.repo.GrantSource(ctx, "alice", "src-a"); err != nil {
		t.Fatalf("GrantSource() error = %v", err)
	}

	result, err := fx.service.Execute(ctx, auth.Identity{UserID: "alice"}, Request{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SQL:       "SELECT o.id, c.name FROM a.orders o JOIN b.customers c ON o.customer_id = c.id ORDER BY o.id",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.MaskedTables) != 1 || result.MaskedTables[0] != "b.customers" {
		t.Fatalf("MaskedTables = %v", result.MaskedTables)
	}
	for _, row := range result.Rows {
		if row[1] != nil {
			t.Fatalf("restricted column not masked: %#v", row)
		}
	}
}

func TestExecuteAttachFailureIsSourceUnavailable(t *testing.T) {
	fx := newFixture(t, Options{})
	grantAll(t, fx.repo, "alice")

	broken := fx.repo.sources["src-b"]
	broken.Config.Path = filepath.Join(t.TempDir(), "missing.duckdb")
	fx.repo.sources["src-b"] = broken

	_, err := fx.service.Execute(context.Background(), auth.Identity{UserID: "alice"}, Request{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SQL:       "SELECT * FROM a.orders",
	})
	var attachErr *federation.AttachError
	if !errors.As(err, &attachErr) {
		t.Fatalf("error = %v, want AttachError", err)
	}
	if ErrorCode(err) != CodeSourceUnavailable {
		t.Fatalf("ErrorCode = %q", ErrorCode(err))
	}
	if entry := lastAudit(t, fx.repo); entry.State != StateAttachFailed {
		t.Fatalf("audit = %+v", entry)
	}
}

func TestExecutePreviewCapsRows(t *testing.T) {
	fx := newFixture(t, Options{PreviewRowLimit: 2})
	grantAll(t, fx.repo, "alice")

	result, err := fx.service.Execute(context.Background(), auth.Identity{UserID: "alice"}, Request{
		SessionID: "sess-1",
		DatasetID: "ds-1",
		SQL:       "SELECT id FROM a.orders ORDER BY id",
		Preview:   true,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d, want preview cap of 2", len(result.Rows))
	}
}

func TestExecuteUnknownDatasetIsNotFound(t *testing.T) {
	fx := newFixture(t, Options{})

	_, err := fx.service.Execute(context.Background(), auth.Identity{UserID: "alice"}, Request{
		SessionID: "sess-1",
		DatasetID: "ds-missing",
		SQL:       "SELECT 1",
	})
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, catalog.ErrNotFound)
	}
	if ErrorCode(err) != CodeNotFound {
		t.Fatalf("ErrorCode = %q", ErrorCode(err))
	}
}

var _ = time.Second
