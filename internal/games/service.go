package games

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const defaultQueryTimeout = 10 * time.Second

// ServiceError carries a dotted "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted "<operation>.<reason>" identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "games.service.new"
	opIngest           = "games.ingest"
	opFoldPending      = "games.fold_pending"
	opRebuild          = "games.rebuild"
	opListBatches      = "games.list_batches"
	opListUniqueView   = "games.list_unique_view"
	opListIndividual   = "games.list_individual_games"
	opExportIndividual = "games.export_individual_games"
	opPing             = "games.ping"

	reasonMissingDatabase = "missing_database"
	reasonEmptyBatch      = "empty_batch"
	reasonIDFailed        = "id_generation_failed"
	reasonInsertFailed    = "batch_insert_failed"
	reasonFoldFailed      = "fold_failed"
	reasonQueryFailed     = "query_failed"
	reasonCountFailed     = "count_failed"
	reasonInvalidFilter   = "invalid_filter"
	reasonNoRecords       = "no_records"
	reasonPingFailed      = "ping_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues public raw batch identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// FoldRecorder observes completed fold passes.
type FoldRecorder interface {
	RecordFold(summary FoldSummary, elapsed time.Duration)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
	QueryTimeout time.Duration
	Recorder     FoldRecorder
}

// Service owns the raw batch log and the unique-game index derived from it.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger
	queryTimeout time.Duration
	recorder     FoldRecorder

	// foldMu makes the fold a single writer within the process.
	foldMu sync.Mutex
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	return &Service{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		logger:       logger,
		queryTimeout: queryTimeout,
		recorder:     cfg.Recorder,
	}, nil
}

// IngestResult describes a stored batch and the fold pass that followed it. FoldErr is set
// when the batch was stored but the fold pass failed; the batch stays pending for the next pass.
type IngestResult struct {
	BatchID    string
	CapturedAt time.Time
	Fold       FoldSummary
	FoldErr    error
}

// Ingest appends a raw batch stamped with the server clock and folds every pending batch,
// the new one included, before returning. An error means nothing was stored.
func (s *Service) Ingest(ctx context.Context, entries []record.GameEntry) (IngestResult, error) {
	if s.db == nil {
		s.logError(opIngest, reasonMissingDatabase, errMissingDatabase)
		return IngestResult{}, newServiceError(opIngest, reasonMissingDatabase, errMissingDatabase)
	}
	if len(entries) == 0 {
		return IngestResult{}, newServiceError(opIngest, reasonEmptyBatch, ErrEmptyBatch)
	}

	batchID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opIngest, reasonIDFailed, err)
		return IngestResult{}, newServiceError(opIngest, reasonIDFailed, err)
	}

	batch := RawBatch{
		BatchID:          batchID,
		CapturedAtMillis: s.nowOrDefault().UnixMilli(),
		Entries:          newBatchEntries(entries),
	}
	insertCtx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()
	if err := s.db.WithContext(insertCtx).Create(&batch).Error; err != nil {
		s.logError(opIngest, reasonInsertFailed, err, zap.String("batch_id", batchID))
		return IngestResult{}, newServiceError(opIngest, reasonInsertFailed, err)
	}

	s.loggerOrDefault().Debug("raw batch stored",
		zap.String("batch_id", batchID),
		zap.Int("entries", len(entries)))

	result := IngestResult{
		BatchID:    batchID,
		CapturedAt: batch.CapturedAt(),
	}
	summary, err := s.foldPending(ctx)
	result.Fold = summary
	if err != nil {
		s.logError(opIngest, reasonFoldFailed, err, zap.String("batch_id", batchID))
		result.FoldErr = newServiceError(opIngest, reasonFoldFailed, err)
	}
	return result, nil
}

// ProcessExisting folds every batch not yet merged into the index. Batches already folded
// are skipped, so repeated calls leave the index unchanged. The query timeout bounds each
// batch rather than the whole pass.
func (s *Service) ProcessExisting(ctx context.Context) (FoldSummary, error) {
	if s.db == nil {
		s.logError(opFoldPending, reasonMissingDatabase, errMissingDatabase)
		return FoldSummary{}, newServiceError(opFoldPending, reasonMissingDatabase, errMissingDatabase)
	}

	summary, err := s.foldPending(ctx)
	if err != nil {
		s.logError(opFoldPending, reasonFoldFailed, err)
		return FoldSummary{}, newServiceError(opFoldPending, reasonFoldFailed, err)
	}
	return summary, nil
}

// Rebuild discards the unique-game index and refolds the whole raw log in capture order.
func (s *Service) Rebuild(ctx context.Context) (FoldSummary, error) {
	if s.db == nil {
		s.logError(opRebuild, reasonMissingDatabase, errMissingDatabase)
		return FoldSummary{}, newServiceError(opRebuild, reasonMissingDatabase, errMissingDatabase)
	}

	summary, err := s.rebuild(ctx)
	if err != nil {
		s.logError(opRebuild, reasonFoldFailed, err)
		return FoldSummary{}, newServiceError(opRebuild, reasonFoldFailed, err)
	}
	return summary, nil
}

// Ping checks that the database answers.
func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return newServiceError(opPing, reasonMissingDatabase, errMissingDatabase)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return newServiceError(opPing, reasonPingFailed, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return newServiceError(opPing, reasonPingFailed, err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("games service error", attrs...)
}

func (s *Service) nowOrDefault() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func (s *Service) timeoutOrDefault() time.Duration {
	if s.queryTimeout <= 0 {
		return defaultQueryTimeout
	}
	return s.queryTimeout
}
