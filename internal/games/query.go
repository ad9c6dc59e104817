package games

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	columnCapturedAt      = "captured_at_ms"
	columnLastSeen        = "last_seen_ms"
	orderBatchesNewest    = "captured_at_ms DESC, id DESC"
	orderGamesLastSeen    = "last_seen_ms DESC, past_game_id ASC"
	orderObservations     = "seen_at_ms ASC, id ASC"
	queryPastGameID       = "past_game_id = ?"
	queryPastGameIDIn     = "past_game_id IN ?"
	associationEntries    = "Entries"
	entryGameKey          = "TRIM(past_game_id)"
	queryEntryGameKey     = entryGameKey + " = ?"
	queryEntryHasGameKey  = "past_game_id IS NOT NULL AND " + entryGameKey + " <> ''"
	countEntryGameKeys    = "COUNT(DISTINCT " + entryGameKey + ")"
	uniqueViewGameKey     = "TRIM(e.past_game_id)"
	uniqueViewSelect      = uniqueViewGameKey + " AS game_key, MIN(e.id) AS first_entry_id, MIN(b.captured_at_ms) AS first_captured_ms"
	uniqueViewJoinBatches = "JOIN raw_batches AS b ON b.id = e.raw_batch_id"
)

// ListBatches pages through the raw log, newest first.
func (s *Service) ListBatches(ctx context.Context, filter BatchFilter, page Page) (PageResult[BatchView], error) {
	if s.db == nil {
		s.logError(opListBatches, reasonMissingDatabase, errMissingDatabase)
		return PageResult[BatchView]{}, newServiceError(opListBatches, reasonMissingDatabase, errMissingDatabase)
	}
	if err := page.Validate(); err != nil {
		return PageResult[BatchView]{}, newServiceError(opListBatches, reasonInvalidFilter, err)
	}
	gameID, err := normalizeGameID(filter.PastGameID)
	if err != nil {
		return PageResult[BatchView]{}, newServiceError(opListBatches, reasonInvalidFilter, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()

	db := s.db.WithContext(ctx)
	scope := func(query *gorm.DB) *gorm.DB {
		query = applyRange(query, columnCapturedAt, filter.Captured)
		if gameID != "" {
			query = query.Where("id IN (?)", db.Model(&BatchEntry{}).Select("raw_batch_id").Where(queryEntryGameKey, gameID))
		}
		return query
	}

	var total int64
	if err := db.Model(&RawBatch{}).Scopes(scope).Count(&total).Error; err != nil {
		s.logError(opListBatches, reasonCountFailed, err)
		return PageResult[BatchView]{}, newServiceError(opListBatches, reasonCountFailed, err)
	}

	var batches []RawBatch
	if err := db.Model(&RawBatch{}).
		Scopes(scope).
		Preload(associationEntries, func(query *gorm.DB) *gorm.DB {
			return query.Order(orderPosition)
		}).
		Order(orderBatchesNewest).
		Limit(page.Limit).
		Offset(page.offset()).
		Find(&batches).Error; err != nil {
		s.logError(opListBatches, reasonQueryFailed, err)
		return PageResult[BatchView]{}, newServiceError(opListBatches, reasonQueryFailed, err)
	}

	views := make([]BatchView, 0, len(batches))
	for _, batch := range batches {
		view := BatchView{BatchID: batch.BatchID, CapturedAt: batch.CapturedAt()}
		for _, entry := range batch.Entries {
			view.Entries = append(view.Entries, entry.Record())
		}
		views = append(views, view)
	}
	return newPageResult(views, total, page.Limit), nil
}

type uniqueViewRow struct {
	GameKey         string `gorm:"column:game_key"`
	FirstEntryID    int64  `gorm:"column:first_entry_id"`
	FirstCapturedMs int64  `gorm:"column:first_captured_ms"`
}

// ListUniqueView groups the raw log by past game id, ascending. It reads only the raw log,
// so it is a pure view that the folded index must agree with.
func (s *Service) ListUniqueView(ctx context.Context, page Page) (PageResult[UniqueEntryView], error) {
	if s.db == nil {
		s.logError(opListUniqueView, reasonMissingDatabase, errMissingDatabase)
		return PageResult[UniqueEntryView]{}, newServiceError(opListUniqueView, reasonMissingDatabase, errMissingDatabase)
	}
	if err := page.Validate(); err != nil {
		return PageResult[UniqueEntryView]{}, newServiceError(opListUniqueView, reasonInvalidFilter, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()

	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&BatchEntry{}).
		Select(countEntryGameKeys).
		Where(queryEntryHasGameKey).
		Scan(&total).Error; err != nil {
		s.logError(opListUniqueView, reasonCountFailed, err)
		return PageResult[UniqueEntryView]{}, newServiceError(opListUniqueView, reasonCountFailed, err)
	}

	var rows []uniqueViewRow
	if err := db.Table("game_entries AS e").
		Select(uniqueViewSelect).
		Joins(uniqueViewJoinBatches).
		Where("e.past_game_id IS NOT NULL AND " + uniqueViewGameKey + " <> ''").
		Group(uniqueViewGameKey).
		Order(uniqueViewGameKey + " ASC").
		Limit(page.Limit).
		Offset(page.offset()).
		Scan(&rows).Error; err != nil {
		s.logError(opListUniqueView, reasonQueryFailed, err)
		return PageResult[UniqueEntryView]{}, newServiceError(opListUniqueView, reasonQueryFailed, err)
	}
	if len(rows) == 0 {
		return newPageResult[UniqueEntryView](nil, total, page.Limit), nil
	}

	entryIDs := make([]int64, 0, len(rows))
	for _, row := range rows {
		entryIDs = append(entryIDs, row.FirstEntryID)
	}
	var entries []BatchEntry
	if err := db.Where("id IN ?", entryIDs).Find(&entries).Error; err != nil {
		s.logError(opListUniqueView, reasonQueryFailed, err)
		return PageResult[UniqueEntryView]{}, newServiceError(opListUniqueView, reasonQueryFailed, err)
	}
	entriesByID := make(map[int64]BatchEntry, len(entries))
	for _, entry := range entries {
		entriesByID[entry.ID] = entry
	}

	views := make([]UniqueEntryView, 0, len(rows))
	for _, row := range rows {
		entry, ok := entriesByID[row.FirstEntryID]
		if !ok {
			s.loggerOrDefault().Warn("unique view entry vanished", zap.Int64("entry_id", row.FirstEntryID))
			continue
		}
		views = append(views, UniqueEntryView{
			Entry:          entry.Record(),
			FirstTimestamp: time.UnixMilli(row.FirstCapturedMs).UTC(),
		})
	}
	return newPageResult(views, total, page.Limit), nil
}

// ListIndividualGames pages through the unique-game index by last_seen, newest first.
func (s *Service) ListIndividualGames(ctx context.Context, filter GameFilter, page Page) (PageResult[GameRecord], error) {
	if s.db == nil {
		s.logError(opListIndividual, reasonMissingDatabase, errMissingDatabase)
		return PageResult[GameRecord]{}, newServiceError(opListIndividual, reasonMissingDatabase, errMissingDatabase)
	}
	if err := page.Validate(); err != nil {
		return PageResult[GameRecord]{}, newServiceError(opListIndividual, reasonInvalidFilter, err)
	}
	scope, err := gameFilterScope(filter)
	if err != nil {
		return PageResult[GameRecord]{}, newServiceError(opListIndividual, reasonInvalidFilter, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()

	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&UniqueGame{}).Scopes(scope).Count(&total).Error; err != nil {
		s.logError(opListIndividual, reasonCountFailed, err)
		return PageResult[GameRecord]{}, newServiceError(opListIndividual, reasonCountFailed, err)
	}

	var games []UniqueGame
	if err := db.Scopes(scope).
		Order(orderGamesLastSeen).
		Limit(page.Limit).
		Offset(page.offset()).
		Find(&games).Error; err != nil {
		s.logError(opListIndividual, reasonQueryFailed, err)
		return PageResult[GameRecord]{}, newServiceError(opListIndividual, reasonQueryFailed, err)
	}

	timestamps, err := loadTimestamps(db, games)
	if err != nil {
		s.logError(opListIndividual, reasonQueryFailed, err)
		return PageResult[GameRecord]{}, newServiceError(opListIndividual, reasonQueryFailed, err)
	}

	records := make([]GameRecord, 0, len(games))
	for _, game := range games {
		records = append(records, newGameRecord(game, timestamps[game.PastGameID]))
	}
	return newPageResult(records, total, page.Limit), nil
}

// ExportIndividualGames returns every matching unique game without timestamps. An empty
// result is ErrNoRecords.
func (s *Service) ExportIndividualGames(ctx context.Context, filter GameFilter) ([]GameRecord, error) {
	if s.db == nil {
		s.logError(opExportIndividual, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opExportIndividual, reasonMissingDatabase, errMissingDatabase)
	}
	scope, err := gameFilterScope(filter)
	if err != nil {
		return nil, newServiceError(opExportIndividual, reasonInvalidFilter, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeoutOrDefault())
	defer cancel()

	var games []UniqueGame
	if err := s.db.WithContext(ctx).
		Scopes(scope).
		Order(orderGamesLastSeen).
		Find(&games).Error; err != nil {
		s.logError(opExportIndividual, reasonQueryFailed, err)
		return nil, newServiceError(opExportIndividual, reasonQueryFailed, err)
	}
	if len(games) == 0 {
		return nil, newServiceError(opExportIndividual, reasonNoRecords, ErrNoRecords)
	}

	records := make([]GameRecord, 0, len(games))
	for _, game := range games {
		records = append(records, newGameRecord(game, nil))
	}
	return records, nil
}

func gameFilterScope(filter GameFilter) (func(*gorm.DB) *gorm.DB, error) {
	gameID, err := normalizeGameID(filter.PastGameID)
	if err != nil {
		return nil, err
	}
	return func(query *gorm.DB) *gorm.DB {
		query = applyRange(query, columnLastSeen, filter.LastSeen)
		if gameID != "" {
			query = query.Where(queryPastGameID, gameID)
		}
		return query
	}, nil
}

func applyRange(query *gorm.DB, column string, bounds TimeRange) *gorm.DB {
	if bounds.Start != nil {
		query = query.Where(column+" >= ?", bounds.Start.UTC().UnixMilli())
	}
	if bounds.End != nil {
		query = query.Where(column+" <= ?", bounds.End.UTC().UnixMilli())
	}
	return query
}

func loadTimestamps(db *gorm.DB, games []UniqueGame) (map[string][]time.Time, error) {
	if len(games) == 0 {
		return nil, nil
	}
	gameIDs := make([]string, 0, len(games))
	for _, game := range games {
		gameIDs = append(gameIDs, game.PastGameID)
	}

	var observations []Observation
	if err := db.Where(queryPastGameIDIn, gameIDs).Order(orderObservations).Find(&observations).Error; err != nil {
		return nil, err
	}

	timestamps := make(map[string][]time.Time, len(games))
	for _, observation := range observations {
		timestamps[observation.PastGameID] = append(timestamps[observation.PastGameID], time.UnixMilli(observation.SeenAtMillis).UTC())
	}
	return timestamps, nil
}
