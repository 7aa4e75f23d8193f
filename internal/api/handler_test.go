package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kiwiql/kiwi/internal/auth"
	"github.com/kiwiql/kiwi/internal/catalog"
	"github.com/kiwiql/kiwi/internal/config"
	"github.com/kiwiql/kiwi/internal/nl2sql"
	"github.com/kiwiql/kiwi/internal/query"
)

type fakeRepo struct {
	mu            sync.Mutex
	sources       map[string]catalog.DataSource
	datasets      map[string]catalog.Dataset
	datasetGrants map[string]bool
	sourceGrants  map[string]bool
	messages      []catalog.ConversationMessage
	nextMessageID int64
	healthErr     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sources:       map[string]catalog.DataSource{},
		datasets:      map[string]catalog.Dataset{},
		datasetGrants: map[string]bool{},
		sourceGrants:  map[string]bool{},
	}
}

func grantKey(userID, objectID string) string { return userID + "/" + objectID }

func (f *fakeRepo) HealthCheck(context.Context) error { return f.healthErr }

func (f *fakeRepo) CreateDataSource(_ context.Context, source catalog.DataSource) (catalog.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[source.ID] = source
	return source, nil
}

func (f *fakeRepo) GetDataSource(_ context.Context, id string) (catalog.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	source, ok := f.sources[id]
	if !ok {
		return catalog.DataSource{}, catalog.ErrNotFound
	}
	return source, nil
}

func (f *fakeRepo) ListDataSources(context.Context) ([]catalog.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sources := make([]catalog.DataSource, 0, len(f.sources))
	for _, source := range f.sources {
		sources = append(sources, source)
	}
	return sources, nil
}

func (f *fakeRepo) DeleteDataSource(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sources[id]; !ok {
		return false, nil
	}
	delete(f.sources, id)
	return true, nil
}

func (f *fakeRepo) CreateDataset(_ context.Context, dataset catalog.Dataset) (catalog.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[dataset.ID] = dataset
	return dataset, nil
}

func (f *fakeRepo) GetDataset(_ context.Context, id string) (catalog.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dataset, ok := f.datasets[id]
	if !ok {
		return catalog.Dataset{}, catalog.ErrNotFound
	}
	return dataset, nil
}

func (f *fakeRepo) ListDatasets(_ context.Context, projectID string) ([]catalog.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	datasets := make([]catalog.Dataset, 0, len(f.datasets))
	for _, dataset := range f.datasets {
		if projectID != "" && dataset.ProjectID != projectID {
			continue
		}
		datasets = append(datasets, dataset)
	}
	return datasets, nil
}

func (f *fakeRepo) DeleteDataset(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.datasets[id]; !ok {
		return false, nil
	}
	delete(f.datasets, id)
	return true, nil
}

func (f *fakeRepo) GrantDataset(_ context.Context, userID, datasetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasetGrants[grantKey(userID, datasetID)] = true
	return nil
}

func (f *fakeRepo) GrantSource(_ context.Context, userID, dataSourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sourceGrants[grantKey(userID, dataSourceID)] = true
	return nil
}

func (f *fakeRepo) HasDatasetGrant(_ context.Context, userID, datasetID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.datasetGrants[grantKey(userID, datasetID)], nil
}

func (f *fakeRepo) ListSourceGrants(_ context.Context, userID string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grants := map[string]struct{}{}
	for key := range f.sourceGrants {
		if strings.HasPrefix(key, userID+"/") {
			grants[strings.TrimPrefix(key, userID+"/")] = struct{}{}
		}
	}
	return grants, nil
}

func (f *fakeRepo) InsertQueryAudit(context.Context, catalog.QueryAuditEntry) error { return nil }

func (f *fakeRepo) InsertConversationMessage(_ context.Context, in catalog.CreateConversationMessageInput) (catalog.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMessageID++
	message := catalog.ConversationMessage{
		MessageID:      f.nextMessageID,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		DatasetID:      in.DatasetID,
		Content:        in.Content,
		SQL:            in.SQL,
		State:          in.State,
	}
	f.messages = append(f.messages, message)
	return message, nil
}

func (f *fakeRepo) ListConversationMessages(_ context.Context, conversationID string, limit int) ([]catalog.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var messages []catalog.ConversationMessage
	for _, message := range f.messages {
		if message.ConversationID == conversationID {
			messages = append(messages, message)
		}
		if len(messages) == limit {
			break
		}
	}
	return messages, nil
}

type fakeExecutor struct {
	execute func(ctx context.Context, identity auth.Identity, request query.Request) (query.Result, error)
	closed  []string
}

func (f *fakeExecutor) Execute(ctx context.Context, identity auth.Identity, request query.Request) (query.Result, error) {
	if f.execute == nil {
		return query.Result{State: query.StateSucceeded}, nil
	}
	return f.execute(ctx, identity, request)
}

func (f *fakeExecutor) CloseSession(_ context.Context, sessionID string) int {
	f.closed = append(f.closed, sessionID)
	return 1
}

type fakeTranslator struct {
	result nl2sql.Result
	err    error
	last   nl2sql.Request
}

func (f *fakeTranslator) Translate(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	f.last = req
	return f.result, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg, err := config.Load("kiwi-api", func(string) (string, bool) { return "", false })
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestHandler(repo *fakeRepo, executor QueryExecutor, translator nl2sql.Translator) http.Handler {
	return NewHandler(testConfig(), Dependencies{
		Logger:     testLogger(),
		Repo:       repo,
		Query:      executor,
		Translator: translator,
	})
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, identity *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), *identity))
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func engineerIdentity() *auth.Identity {
	return &auth.Identity{UserID: "eng-1", Roles: []string{auth.RoleDataEngineer}}
}

func readerIdentity() *auth.Identity {
	return &auth.Identity{UserID: "reader-1", Roles: []string{auth.RoleQueryReader}}
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(newFakeRepo(), &fakeExecutor{}, nil)
	recorder := doJSON(t, handler, http.MethodGet, "/v1/health", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["service"] != "kiwi-api" {
		t.Fatalf("service = %v", payload["service"])
	}
}

func TestReadyEndpointReportsFailures(t *testing.T) {
	handler := NewHandler(testConfig(), Dependencies{
		Logger: testLogger(),
		Readiness: func(context.Context) error {
			return errors.New("catalog down")
		},
	})
	recorder := doJSON(t, handler, http.MethodGet, "/v1/ready", nil, nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["error_code"] != "NOT_READY" {
		t.Fatalf("error_code = %v", payload["error_code"])
	}
}

func TestAuthRequiredBlocksProtectedRoutes(t *testing.T) {
	validator, err := auth.NewStaticAPIKeyValidator("secret:eng-1:data_engineer")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	cfg := testConfig()
	cfg.Auth.Required = true
	handler := NewHandler(cfg, Dependencies{
		Logger:         testLogger(),
		AuthMiddleware: auth.Middleware(testLogger(), validator),
		Repo:           newFakeRepo(),
	})

	recorder := doJSON(t, handler, http.MethodGet, "/v1/datasources", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d", recorder.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/datasources", nil)
	req.Header.Set("X-API-Key", "secret")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status with key = %d body = %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodGet, "/v1/health", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health must stay public, status = %d", recorder.Code)
	}
}

func TestCreateDataSourceValidatesInput(t *testing.T) {
	handler := newTestHandler(newFakeRepo(), &fakeExecutor{}, nil)
	recorder := doJSON(t, handler, http.MethodPost, "/v1/datasources", createDataSourceRequest{
		Name: "orders-db",
		Type: "oracle",
	}, engineerIdentity())
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodPost, "/v1/datasources", createDataSourceRequest{
		Name: "orders-db",
		Type: "mysql",
		Config: catalog.ConnectionConfig{
			Host: "db.internal",
		},
	}, engineerIdentity())
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status for missing fields = %d", recorder.Code)
	}
}

func TestCreateDataSourceRedactsSecrets(t *testing.T) {
	repo := newFakeRepo()
	handler := newTestHandler(repo, &fakeExecutor{}, nil)
	recorder := doJSON(t, handler, http.MethodPost, "/v1/datasources", createDataSourceRequest{
		Name: "orders-db",
		Type: "mysql",
		Config: catalog.ConnectionConfig{
			Host:     "db.internal",
			Database: "orders",
			Username: "app",
			Password: "hunter2",
		},
	}, engineerIdentity())
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	if strings.Contains(recorder.Body.String(), "hunter2") {
		t.Fatal("response leaked the password")
	}
	payload := decodeBody(t, recorder)
	if payload["created_by"] != "eng-1" {
		t.Fatalf("created_by = %v", payload["created_by"])
	}

	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatal("expected generated data source id")
	}
	stored, err := repo.GetDataSource(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDataSource() error = %v", err)
	}
	if stored.Config.Password != "hunter2" {
		t.Fatalf("stored password = %q", stored.Config.Password)
	}
}

func TestCreateDataSourceRequiresEngineerRole(t *testing.T) {
	handler := newTestHandler(newFakeRepo(), &fakeExecutor{}, nil)
	recorder := doJSON(t, handler, http.MethodPost, "/v1/datasources", createDataSourceRequest{
		Name: "orders-db",
		Type: "sqlite",
		Config: catalog.ConnectionConfig{
			Path: "/data/orders.db",
		},
	}, readerIdentity())
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestGetDataSourceNotFound(t *testing.T) {
	handler := newTestHandler(newFakeRepo(), &fakeExecutor{}, nil)
	recorder := doJSON(t, handler, http.MethodGet, "/v1/datasources/missing", nil, engineerIdentity())
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["error_code"] != "NOT_FOUND" {
		t.Fatalf("error_code = %v", payload["error_code"])
	}
}

func TestCreateDatasetRejectsUnknownSource(t *testing.T) {
	handler := newTestHandler(newFakeRepo(), &fakeExecutor{}, nil)
	recorder := doJSON(t, handler, http.MethodPost, "/v1/datasets", createDatasetRequest{
		ProjectID: "proj-1",
		Name:      "sales",
		Bindings:  []bindingRequest{{DataSourceID: "missing", Alias: "a", Mode: "live"}},
		Tables: []tableMappingRequest{
			{TargetView: "orders", SourceAlias: "a", SourceTable: "orders"},
		},
	}, engineerIdentity())
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
}

func TestCreateDatasetRejectsDuplicateAlias(t *testing.T) {
	repo := newFakeRepo()
	repo.sources["src-1"] = catalog.DataSource{ID: "src-1", Name: "orders", Type: catalog.SourceSQLite}
	handler := newTestHandler(repo, &fakeExecutor{}, nil)
	recorder := doJSON(t, handler, http.MethodPost, "/v1/datasets", createDatasetRequest{
		ProjectID: "proj-1",
		Name:      "sales",
		Bindings: []bindingRequest{
			{DataSourceID: "src-1", Alias: "a", Mode: "live"},
			{DataSourceID: "src-1", Alias: "a", Mode: "live"},
		},
	}, engineerIdentity())
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "duplicate alias") {
		t.Fatalf("body = %s", recorder.Body.String())
	}
}

func TestCreateAndFetchDataset(t *testing.T) {
	repo := newFakeRepo()
	repo.sources["src-1"] = catalog.DataSource{ID: "src-1", Name: "orders", Type: catalog.SourceSQLite}
	handler := newTestHandler(repo, &fakeExecutor{}, nil)

	recorder := doJSON(t, handler, http.MethodPost, "/v1/datasets", createDatasetRequest{
		ProjectID: "proj-1",
		Name:      "sales",
		Bindings:  []bindingRequest{{DataSourceID: "src-1", Alias: "a", Mode: "snapshot"}},
		Tables: []tableMappingRequest{
			{TargetView: "orders", SourceAlias: "a", SourceTable: "orders", Columns: []string{"id", "total"}, MaskedColumns: []string{"total"}},
		},
	}, engineerIdentity())
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatal("expected generated dataset id")
	}

	recorder = doJSON(t, handler, http.MethodGet, "/v1/datasets/"+id, nil, engineerIdentity())
	if recorder.Code != http.StatusOK {
		t.Fatalf("get status = %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"masked_columns":["total"]`) {
		t.Fatalf("body = %s", recorder.Body.String())
	}
}

func TestGrantEndpoints(t *testing.T) {
	repo := newFakeRepo()
	repo.sources["src-1"] = catalog.DataSource{ID: "src-1", Name: "orders", Type: catalog.SourceSQLite}
	repo.datasets["ds-1"] = catalog.Dataset{ID: "ds-1", Name: "sales"}
	handler := newTestHandler(repo, &fakeExecutor{}, nil)

	recorder := doJSON(t, handler, http.MethodPost, "/v1/datasets/ds-1/grants", grantRequest{UserID: "reader-1"}, engineerIdentity())
	if recorder.Code != http.StatusOK {
		t.Fatalf("dataset grant status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	granted, err := repo.HasDatasetGrant(context.Background(), "reader-1", "ds-1")
	if err != nil || !granted {
		t.Fatalf("HasDatasetGrant() = %v, %v", granted, err)
	}

	recorder = doJSON(t, handler, http.MethodPost, "/v1/datasources/src-1/grants", grantRequest{UserID: "reader-1"}, engineerIdentity())
	if recorder.Code != http.StatusOK {
		t.Fatalf("source grant status = %d", recorder.Code)
	}
	grants, err := repo.ListSourceGrants(context.Background(), "reader-1")
	if err != nil {
		t.Fatalf("ListSourceGrants() error = %v", err)
	}
	if _, ok := grants["src-1"]; !ok {
		t.Fatalf("grants = %v", grants)
	}

	recorder = doJSON(t, handler, http.MethodPost, "/v1/datasets/missing/grants", grantRequest{UserID: "reader-1"}, engineerIdentity())
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unknown dataset grant status = %d", recorder.Code)
	}
}

func TestDeleteDataSource(t *testing.T) {
	repo := newFakeRepo()
	repo.sources["src-1"] = catalog.DataSource{ID: "src-1", Name: "orders", Type: catalog.SourceSQLite}
	handler := newTestHandler(repo, &fakeExecutor{}, nil)

	recorder := doJSON(t, handler, http.MethodDelete, "/v1/datasources/src-1", nil, engineerIdentity())
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	recorder = doJSON(t, handler, http.MethodDelete, "/v1/datasources/src-1", nil, engineerIdentity())
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", recorder.Code)
	}
}

func TestTestDataSourceReportsProbeResult(t *testing.T) {
	repo := newFakeRepo()
	repo.sources["src-1"] = catalog.DataSource{ID: "src-1", Name: "orders", Type: catalog.SourceSQLite}
	probeErr := errors.New("dial tcp: connection refused")
	handler := NewHandler(testConfig(), Dependencies{
		Logger: testLogger(),
		Repo:   repo,
		Probe: func(_ context.Context, source catalog.DataSource) error {
			if source.ID != "src-1" {
				return fmt.Errorf("unexpected source %q", source.ID)
			}
			return probeErr
		},
	})

	recorder := doJSON(t, handler, http.MethodPost, "/v1/datasources/src-1/test", nil, engineerIdentity())
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["ok"] != false {
		t.Fatalf("ok = %v", payload["ok"])
	}
	if !strings.Contains(recorder.Body.String(), "connection refused") {
		t.Fatalf("body = %s", recorder.Body.String())
	}
}
