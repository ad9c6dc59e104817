package games

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnPastGameID    = "past_game_id"
	queryPendingBatches = "folded_at_ms IS NULL"
	queryClaimBatch     = "id = ? AND folded_at_ms IS NULL"
	orderFold           = "captured_at_ms ASC, id ASC"
	orderPosition       = "position ASC"
	foldPageSize        = 200
	entrySavepoint      = "fold_entry"

	foldRetryInitialInterval = 50 * time.Millisecond
	foldRetryMaxInterval     = time.Second
	foldRetryMaxElapsed      = 5 * time.Second
)

// FoldSummary counts the work done by one fold pass.
type FoldSummary struct {
	BatchesFolded  int
	EntriesFolded  int
	EntriesSkipped int
	EntriesFailed  int
	Batches        []FoldedBatch
}

// FoldedBatch lists the game ids merged from one raw batch.
type FoldedBatch struct {
	BatchID     string
	CapturedAt  time.Time
	PastGameIDs []string
}

type foldCounts struct {
	folded  int
	skipped int
	failed  int
}

func (summary *FoldSummary) add(batch FoldedBatch, counts foldCounts) {
	summary.BatchesFolded++
	summary.EntriesFolded += counts.folded
	summary.EntriesSkipped += counts.skipped
	summary.EntriesFailed += counts.failed
	summary.Batches = append(summary.Batches, batch)
}

func (s *Service) foldPending(ctx context.Context) (FoldSummary, error) {
	s.foldMu.Lock()
	defer s.foldMu.Unlock()

	started := time.Now()
	var summary FoldSummary
	for {
		pending, err := s.loadPendingBatches(ctx)
		if err != nil {
			return summary, err
		}
		if len(pending) == 0 {
			break
		}
		for _, batch := range pending {
			folded, counts, claimed, err := s.foldPendingBatch(ctx, batch)
			if err != nil {
				return summary, err
			}
			if claimed {
				summary.add(folded, counts)
			}
		}
	}

	s.recordFold(summary, time.Since(started))
	return summary, nil
}

// loadPendingBatches reads the next page of unfolded batches under the per-query timeout.
func (s *Service) loadPendingBatches(ctx context.Context) ([]RawBatch, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()

	var pending []RawBatch
	err := s.db.WithContext(queryCtx).
		Where(queryPendingBatches).
		Order(orderFold).
		Limit(foldPageSize).
		Find(&pending).Error
	return pending, err
}

// foldPendingBatch bounds a single batch fold, retries included, by the per-query timeout.
func (s *Service) foldPendingBatch(ctx context.Context, batch RawBatch) (FoldedBatch, foldCounts, bool, error) {
	batchCtx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()
	return s.foldBatchWithRetry(batchCtx, batch)
}

func (s *Service) foldBatchWithRetry(ctx context.Context, batch RawBatch) (FoldedBatch, foldCounts, bool, error) {
	var (
		folded  FoldedBatch
		counts  foldCounts
		claimed bool
	)
	operation := func() error {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var foldErr error
			folded, counts, claimed, foldErr = s.foldBatch(tx, batch)
			return foldErr
		})
		if err == nil {
			return nil
		}
		if isTransientLockError(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = foldRetryInitialInterval
	policy.MaxInterval = foldRetryMaxInterval
	policy.MaxElapsedTime = foldRetryMaxElapsed

	attempt := 0
	notify := func(err error, wait time.Duration) {
		attempt++
		s.loggerOrDefault().Warn("batch fold hit a lock, retrying",
			zap.String("batch_id", batch.BatchID),
			zap.Int("attempt", attempt),
			zap.Duration("next_retry_in", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return FoldedBatch{}, foldCounts{}, false, err
	}
	return folded, counts, claimed, nil
}

// foldBatch claims a pending batch and merges its entries in position order. A batch claimed
// by a concurrent writer is reported as not claimed and left untouched.
func (s *Service) foldBatch(tx *gorm.DB, batch RawBatch) (FoldedBatch, foldCounts, bool, error) {
	foldedAt := s.nowOrDefault().UnixMilli()
	claim := tx.Model(&RawBatch{}).Where(queryClaimBatch, batch.ID).Update("folded_at_ms", foldedAt)
	if claim.Error != nil {
		return FoldedBatch{}, foldCounts{}, false, claim.Error
	}
	if claim.RowsAffected == 0 {
		return FoldedBatch{}, foldCounts{}, false, nil
	}

	var entries []BatchEntry
	if err := tx.Where("raw_batch_id = ?", batch.ID).Order(orderPosition).Find(&entries).Error; err != nil {
		return FoldedBatch{}, foldCounts{}, false, err
	}

	folded := FoldedBatch{BatchID: batch.BatchID, CapturedAt: batch.CapturedAt()}
	var counts foldCounts
	for _, entry := range entries {
		gameID, ok := entry.Record().GameID()
		if !ok {
			counts.skipped++
			continue
		}
		if err := tx.SavePoint(entrySavepoint).Error; err != nil {
			return FoldedBatch{}, foldCounts{}, false, err
		}
		if err := foldEntry(tx, gameID, entry, batch); err != nil {
			if rollbackErr := tx.RollbackTo(entrySavepoint).Error; rollbackErr != nil {
				return FoldedBatch{}, foldCounts{}, false, rollbackErr
			}
			if releaseErr := releaseEntrySavepoint(tx); releaseErr != nil {
				return FoldedBatch{}, foldCounts{}, false, releaseErr
			}
			counts.failed++
			s.loggerOrDefault().Warn("entry fold failed",
				zap.String("batch_id", batch.BatchID),
				zap.String(columnPastGameID, gameID),
				zap.Int("position", entry.Position),
				zap.Error(err))
			continue
		}
		if err := releaseEntrySavepoint(tx); err != nil {
			return FoldedBatch{}, foldCounts{}, false, err
		}
		counts.folded++
		folded.PastGameIDs = append(folded.PastGameIDs, gameID)
	}
	return folded, counts, true, nil
}

// releaseEntrySavepoint drops the per-entry savepoint so a long batch does not stack them.
func releaseEntrySavepoint(tx *gorm.DB) error {
	return tx.Exec("RELEASE SAVEPOINT " + entrySavepoint).Error
}

// foldEntry upserts the unique game with a single conditional statement and appends the
// observation. first_seen/last_seen stay the min/max of all observations even when capture
// clocks go backwards.
func foldEntry(tx *gorm.DB, gameID string, entry BatchEntry, batch RawBatch) error {
	seenAt := batch.CapturedAtMillis
	game := UniqueGame{
		PastGameID:      gameID,
		Content:         entry.Content,
		LastGameIndex:   entry.LastGameIndex,
		FirstSeenMillis: seenAt,
		LastSeenMillis:  seenAt,
		Occurrences:     1,
	}
	upsert := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: columnPastGameID}},
		DoUpdates: clause.Assignments(map[string]any{
			"content":         entry.Content,
			"last_game_index": entry.LastGameIndex,
			"first_seen_ms":   gorm.Expr("CASE WHEN unique_games.first_seen_ms < ? THEN unique_games.first_seen_ms ELSE ? END", seenAt, seenAt),
			"last_seen_ms":    gorm.Expr("CASE WHEN unique_games.last_seen_ms > ? THEN unique_games.last_seen_ms ELSE ? END", seenAt, seenAt),
			"occurrences":     gorm.Expr("unique_games.occurrences + 1"),
		}),
	}).Create(&game)
	if upsert.Error != nil {
		return upsert.Error
	}
	return tx.Create(&Observation{
		PastGameID:   gameID,
		RawBatchID:   batch.ID,
		SeenAtMillis: seenAt,
	}).Error
}

func (s *Service) rebuild(ctx context.Context) (FoldSummary, error) {
	s.foldMu.Lock()
	defer s.foldMu.Unlock()

	started := time.Now()
	var summary FoldSummary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		summary = FoldSummary{}
		if err := tx.Where("1 = 1").Delete(&Observation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&UniqueGame{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&RawBatch{}).Where("folded_at_ms IS NOT NULL").Update("folded_at_ms", nil).Error; err != nil {
			return err
		}

		var batches []RawBatch
		if err := tx.Order(orderFold).Find(&batches).Error; err != nil {
			return err
		}
		for _, batch := range batches {
			folded, counts, claimed, err := s.foldBatch(tx, batch)
			if err != nil {
				return err
			}
			if claimed {
				summary.add(folded, counts)
			}
		}
		return nil
	})
	if err != nil {
		return FoldSummary{}, err
	}

	s.loggerOrDefault().Info("unique game index rebuilt",
		zap.Int("batches", summary.BatchesFolded),
		zap.Int("entries", summary.EntriesFolded))
	s.recordFold(summary, time.Since(started))
	return summary, nil
}

func (s *Service) recordFold(summary FoldSummary, elapsed time.Duration) {
	if summary.BatchesFolded > 0 {
		s.loggerOrDefault().Debug("fold pass completed",
			zap.Int("batches", summary.BatchesFolded),
			zap.Int("entries_folded", summary.EntriesFolded),
			zap.Int("entries_skipped", summary.EntriesSkipped),
			zap.Int("entries_failed", summary.EntriesFailed),
			zap.Duration("elapsed", elapsed))
	}
	if s.recorder != nil {
		s.recorder.RecordFold(summary, elapsed)
	}
}

func isTransientLockError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "sqlite_busy") ||
		strings.Contains(message, "deadlock detected") ||
		strings.Contains(message, "could not serialize access")
}
