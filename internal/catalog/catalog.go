package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("catalog: not found")

// SourceType names the kind of external system a data source points at.
type SourceType string

const (
	SourceSQLite    SourceType = "sqlite"
	SourceMySQL     SourceType = "mysql"
	SourcePostgres  SourceType = "postgres"
	SourceDuckDB    SourceType = "duckdb"
	SourceS3        SourceType = "s3"
	SourceLocalFile SourceType = "local_file"
)

func ParseSourceType(raw string) (SourceType, error) {
	switch SourceType(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceSQLite:
		return SourceSQLite, nil
	case SourceMySQL:
		return SourceMySQL, nil
	case SourcePostgres:
		return SourcePostgres, nil
	case SourceDuckDB:
		return SourceDuckDB, nil
	case SourceS3:
		return SourceS3, nil
	case SourceLocalFile:
		return SourceLocalFile, nil
	default:
		return "", fmt.Errorf("unsupported data source type: %q", raw)
	}
}

// ConnectionConfig is the flattened union of per-type connection settings.
// Which fields are required depends on the source type; Validate enforces
// that at save time so attach never fails on a missing field.
type ConnectionConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Schema   string `json:"schema,omitempty"`

	// sqlite, duckdb and local_file sources.
	Path string `json:"path,omitempty"`

	// s3 sources.
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Region    string `json:"region,omitempty"`
	URLStyle  string `json:"url_style,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

type DataSource struct {
	ID        string
	Name      string
	Type      SourceType
	Config    ConnectionConfig
	CreatedBy string
	CreatedAt time.Time
}

func (s DataSource) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("data source name is required")
	}
	if _, err := ParseSourceType(string(s.Type)); err != nil {
		return err
	}
	switch s.Type {
	case SourceMySQL:
		return requireFields(map[string]string{
			"host":     s.Config.Host,
			"database": s.Config.Database,
			"username": s.Config.Username,
			"password": s.Config.Password,
		})
	case SourcePostgres:
		if err := requireFields(map[string]string{
			"host":     s.Config.Host,
			"database": s.Config.Database,
			"username": s.Config.Username,
			"password": s.Config.Password,
		}); err != nil {
			return err
		}
		if strings.TrimSpace(s.Config.Schema) == "" {
			return fmt.Errorf("postgres data source requires %q", "schema")
		}
		return nil
	case SourceSQLite, SourceDuckDB, SourceLocalFile:
		return requireFields(map[string]string{"path": s.Config.Path})
	case SourceS3:
		return requireFields(map[string]string{
			"access_key": s.Config.AccessKey,
			"secret_key": s.Config.SecretKey,
			"bucket":     s.Config.Bucket,
		})
	}
	return nil
}

func requireFields(fields map[string]string) error {
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("missing required connection field %q", name)
		}
	}
	return nil
}

// AttachMode selects between a live attach (remote queried on every
// reference) and a materializing snapshot copied at attach time.
type AttachMode string

const (
	AttachLive     AttachMode = "live"
	AttachSnapshot AttachMode = "snapshot"
)

func ParseAttachMode(raw string) (AttachMode, error) {
	switch AttachMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AttachLive:
		return AttachLive, nil
	case AttachSnapshot:
		return AttachSnapshot, nil
	default:
		return "", fmt.Errorf("invalid attach mode: %q", raw)
	}
}

// SourceBinding attaches one data source into a dataset under an alias.
// Alias uniqueness is scoped to the dataset.
type SourceBinding struct {
	DataSourceID string
	Alias        string
	Mode         AttachMode
}

// TableMapping exposes alias.source_table as target_view inside the
// dataset's engine instance, optionally projecting a column subset.
// MaskedColumns names the columns redacted for callers without a grant
// on the backing source; when empty, every column is redacted.
type TableMapping struct {
	TargetView    string
	SourceAlias   string
	SourceTable   string
	Columns       []string
	MaskedColumns []string
}

type Dataset struct {
	ID        string
	ProjectID string
	Name      string
	Bindings  []SourceBinding
	Tables    []TableMapping
	CreatedAt time.Time
}

// Validate enforces configuration-save-time invariants: non-empty
// identifiers, dataset-scoped alias uniqueness and mappings that
// reference bound aliases only.
func (d Dataset) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("dataset name is required")
	}
	if len(d.Bindings) == 0 {
		return fmt.Errorf("dataset requires at least one data source binding")
	}

	aliases := make(map[string]struct{}, len(d.Bindings))
	for _, binding := range d.Bindings {
		alias := strings.TrimSpace(binding.Alias)
		if alias == "" {
			return fmt.Errorf("binding for data source %q has an empty alias", binding.DataSourceID)
		}
		if strings.TrimSpace(binding.DataSourceID) == "" {
			return fmt.Errorf("binding %q has an empty data source id", alias)
		}
		if _, exists := aliases[alias]; exists {
			return fmt.Errorf("duplicate alias %q in dataset", alias)
		}
		if _, err := ParseAttachMode(string(binding.Mode)); err != nil {
			return fmt.Errorf("binding %q: %w", alias, err)
		}
		aliases[alias] = struct{}{}
	}

	views := make(map[string]struct{}, len(d.Tables))
	for _, mapping := range d.Tables {
		if strings.TrimSpace(mapping.TargetView) == "" {
			return fmt.Errorf("table mapping for %s.%s has an empty target view", mapping.SourceAlias, mapping.SourceTable)
		}
		if strings.TrimSpace(mapping.SourceTable) == "" {
			return fmt.Errorf("table mapping %q has an empty source table", mapping.TargetView)
		}
		if _, ok := aliases[mapping.SourceAlias]; !ok {
			return fmt.Errorf("table mapping %q references unbound alias %q", mapping.TargetView, mapping.SourceAlias)
		}
		if _, exists := views[mapping.TargetView]; exists {
			return fmt.Errorf("duplicate target view %q in dataset", mapping.TargetView)
		}
		views[mapping.TargetView] = struct{}{}

		if len(mapping.MaskedColumns) > 0 {
			declared := make(map[string]struct{}, len(mapping.Columns))
			for _, column := range mapping.Columns {
				declared[column] = struct{}{}
			}
			for _, column := range mapping.MaskedColumns {
				if _, ok := declared[column]; !ok {
					return fmt.Errorf("table mapping %q masks undeclared column %q", mapping.TargetView, column)
				}
			}
		}
	}
	return nil
}

// BindingForAlias resolves a dataset-scoped alias to its binding.
func (d Dataset) BindingForAlias(alias string) (SourceBinding, bool) {
	for _, binding := range d.Bindings {
		if binding.Alias == alias {
			return binding, true
		}
	}
	return SourceBinding{}, false
}

// MappingsForAlias returns the table mappings served by one alias.
func (d Dataset) MappingsForAlias(alias string) []TableMapping {
	var mappings []TableMapping
	for _, mapping := range d.Tables {
		if mapping.SourceAlias == alias {
			mappings = append(mappings, mapping)
		}
	}
	return mappings
}

type QueryAuditEntry struct {
	UserID     string
	DatasetID  string
	SessionID  string
	SQL        string
	State      string
	ErrorCode  string
	DurationMs int64
}

type ConversationMessage struct {
	MessageID      int64
	ConversationID string
	UserID         string
	DatasetID      string
	Content        string
	SQL            string
	State          string
	CreatedAt      time.Time
}

type CreateConversationMessageInput struct {
	ConversationID string
	UserID         string
	DatasetID      string
	Content        string
	SQL            string
	State          string
}

type Repository interface {
	HealthCheck(ctx context.Context) error

	CreateDataSource(ctx context.Context, source DataSource) (DataSource, error)
	GetDataSource(ctx context.Context, id string) (DataSource, error)
	ListDataSources(ctx context.Context) ([]DataSource, error)
	DeleteDataSource(ctx context.Context, id string) (bool, error)

	CreateDataset(ctx context.Context, dataset Dataset) (Dataset, error)
	GetDataset(ctx context.Context, id string) (Dataset, error)
	ListDatasets(ctx context.Context, projectID string) ([]Dataset, error)
	DeleteDataset(ctx context.Context, id string) (bool, error)

	GrantDataset(ctx context.Context, userID, datasetID string) error
	GrantSource(ctx context.Context, userID, dataSourceID string) error
	HasDatasetGrant(ctx context.Context, userID, datasetID string) (bool, error)
	ListSourceGrants(ctx context.Context, userID string) (map[string]struct{}, error)

	InsertQueryAudit(ctx context.Context, entry QueryAuditEntry) error
	InsertConversationMessage(ctx context.Context, in CreateConversationMessageInput) (ConversationMessage, error)
	ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error)
}
