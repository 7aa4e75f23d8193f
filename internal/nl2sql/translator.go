package nl2sql

import "context"

// TableContext describes one queryable table shown to the model: its
// view name inside the dataset, the columns it exposes, the columns the
// caller may only see as NULL, and a few sample rows when the caller
// provides them.
type TableContext struct {
	TableName     string   `json:"table_name"`
	Columns       []string `json:"columns"`
	MaskedColumns []string `json:"masked_columns,omitempty"`
	SampleRows    [][]any  `json:"sample_rows,omitempty"`
}

type Request struct {
	DatasetID       string         `json:"dataset_id"`
	NaturalLanguage string         `json:"natural_language"`
	Tables          []TableContext `json:"tables"`
}

type Result struct {
	SQL      string `json:"sql"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}
