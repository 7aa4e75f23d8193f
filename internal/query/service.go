package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiwiql/kiwi/internal/auth"
	"github.com/kiwiql/kiwi/internal/catalog"
	"github.com/kiwiql/kiwi/internal/federation"
	"github.com/kiwiql/kiwi/internal/gate"
	"github.com/kiwiql/kiwi/internal/observability"
)

type Options struct {
	QueryTimeout    time.Duration
	AttachTimeout   time.Duration
	PreviewRowLimit int
	MaxResultRows   int
}

// Service drives a query request through its lifecycle: authorize,
// resolve the engine instance, execute, audit. Engine instances are
// cached per (session, dataset) in the registry and only created after
// authorization passed.
type Service struct {
	repo     catalog.Repository
	gate     *gate.Gate
	registry *federation.Registry
	logger   *slog.Logger
	opts     Options
}

func NewService(repo catalog.Repository, g *gate.Gate, registry *federation.Registry, logger *slog.Logger, opts Options) *Service {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 60 * time.Second
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = 10 * time.Second
	}
	if opts.PreviewRowLimit <= 0 {
		opts.PreviewRowLimit = 100
	}
	if opts.MaxResultRows <= 0 {
		opts.MaxResultRows = 10000
	}
	return &Service{repo: repo, gate: g, registry: registry, logger: logger, opts: opts}
}

func (s *Service) Execute(ctx context.Context, identity auth.Identity, request Request) (Result, error) {
	if strings.TrimSpace(request.SessionID) == "" {
		return Result{}, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(request.DatasetID) == "" {
		return Result{}, fmt.Errorf("dataset id is required")
	}
	if strings.TrimSpace(request.SQL) == "" {
		return Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	s.transition(ctx, request, StateReceived)

	dataset, err := s.repo.GetDataset(ctx, request.DatasetID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return s.fail(ctx, identity, request, StateRejected, start, err)
		}
		return Result{}, fmt.Errorf("load dataset: %w", err)
	}

	s.transition(ctx, request, StateAuthorizing)
	decision, err := s.gate.Authorize(ctx, identity, dataset, request.SQL)
	if err != nil {
		return s.fail(ctx, identity, request, StateRejected, start, err)
	}
	s.transition(ctx, request, StateAuthorized)

	s.transition(ctx, request, StateAttachingSources)
	var sources map[string]catalog.DataSource
	instance, err := s.registry.GetOrCreate(ctx, request.SessionID, dataset.ID, func(buildCtx context.Context) (*federation.Instance, error) {
		loaded, err := s.loadSources(buildCtx, dataset)
		if err != nil {
			return nil, err
		}
		sources = loaded

		attachCtx, cancel := context.WithTimeout(buildCtx, s.opts.AttachTimeout)
		defer cancel()

		attachStart := time.Now()
		instance, err := federation.NewInstance(attachCtx, request.SessionID, dataset, loaded)
		if err != nil {
			return nil, err
		}
		observability.ObserveAttach(time.Since(attachStart))
		return instance, nil
	})
	if err != nil {
		s.recordAttachFailure(dataset, sources, err)
		return s.fail(ctx, identity, request, StateAttachFailed, start, err)
	}

	s.transition(ctx, request, StateExecuting)
	execCtx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	engineResult, err := instance.Query(execCtx, decision.SQL, s.rowLimit(request))
	if err != nil {
		return s.fail(ctx, identity, request, StateExecutionFailed, start, err)
	}

	elapsed := time.Since(start)
	observability.ObserveQuery(StateSucceeded, elapsed)
	observability.AddMaskedTables(len(decision.MaskedTables))
	s.audit(ctx, identity, request, StateSucceeded, "", elapsed)
	s.logger.InfoContext(ctx, "query succeeded",
		slog.String("dataset_id", request.DatasetID),
		slog.String("session_id", request.SessionID),
		slog.Int("rows", len(engineResult.Rows)),
		slog.Int("masked_tables", len(decision.MaskedTables)),
		slog.Duration("elapsed", elapsed))

	aliases := make([]string, 0, len(dataset.Bindings))
	for _, binding := range dataset.Bindings {
		aliases = append(aliases, binding.Alias)
	}

	return Result{
		Columns:      engineResult.Columns,
		Rows:         engineResult.Rows,
		MaskedTables: decision.MaskedTables,
		Sources:      aliases,
		State:        StateSucceeded,
		Duration:     elapsed,
	}, nil
}

// CloseSession tears down every engine instance the session owns.
func (s *Service) CloseSession(ctx context.Context, sessionID string) int {
	closed := s.registry.CloseSession(sessionID)
	if closed > 0 {
		s.logger.InfoContext(ctx, "session engines closed",
			slog.String("session_id", sessionID),
			slog.Int("instances", closed))
	}
	return closed
}

func (s *Service) loadSources(ctx context.Context, dataset catalog.Dataset) (map[string]catalog.DataSource, error) {
	sources := make(map[string]catalog.DataSource, len(dataset.Bindings))
	for _, binding := range dataset.Bindings {
		if _, ok := sources[binding.DataSourceID]; ok {
			continue
		}
		source, err := s.repo.GetDataSource(ctx, binding.DataSourceID)
		if err != nil {
			return nil, &federation.AttachError{Alias: binding.Alias, Err: fmt.Errorf("load data source: %w", err)}
		}
		sources[binding.DataSourceID] = source
	}
	return sources, nil
}

func (s *Service) rowLimit(request Request) int {
	limit := request.RowLimit
	if request.Preview && (limit <= 0 || limit > s.opts.PreviewRowLimit) {
		limit = s.opts.PreviewRowLimit
	}
	if limit <= 0 || limit > s.opts.MaxResultRows {
		limit = s.opts.MaxResultRows
	}
	return limit
}

func (s *Service) transition(ctx context.Context, request Request, state string) {
	s.logger.DebugContext(ctx, "query state",
		slog.String("dataset_id", request.DatasetID),
		slog.String("session_id", request.SessionID),
		slog.String("state", state))
}

func (s *Service) fail(ctx context.Context, identity auth.Identity, request Request, state string, start time.Time, err error) (Result, error) {
	elapsed := time.Since(start)
	code := ErrorCode(err)
	observability.ObserveQuery(state, elapsed)
	s.audit(ctx, identity, request, state, code, elapsed)
	s.logger.WarnContext(ctx, "query failed",
		slog.String("dataset_id", request.DatasetID),
		slog.String("session_id", request.SessionID),
		slog.String("state", state),
		slog.String("code", code),
		slog.String("error", err.Error()))
	return Result{State: state}, err
}

func (s *Service) recordAttachFailure(dataset catalog.Dataset, sources map[string]catalog.DataSource, err error) {
	sourceType := "unknown"
	var attachErr *federation.AttachError
	if errors.As(err, &attachErr) {
		if binding, ok := dataset.BindingForAlias(attachErr.Alias); ok {
			if source, ok := sources[binding.DataSourceID]; ok {
				sourceType = string(source.Type)
			}
		}
	}
	observability.IncrementAttachFailure(sourceType)
}

func (s *Service) audit(ctx context.Context, identity auth.Identity, request Request, state, code string, elapsed time.Duration) {
	entry := catalog.QueryAuditEntry{
		UserID:     identity.UserID,
		DatasetID:  request.DatasetID,
		SessionID:  request.SessionID,
		SQL:        request.SQL,
		State:      state,
		ErrorCode:  code,
		DurationMs: elapsed.Milliseconds(),
	}
	if err := s.repo.InsertQueryAudit(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "audit insert failed", slog.String("error", err.Error()))
	}
}
