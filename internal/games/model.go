package games

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
)

const maxIdentifierLength = 190

var (
	// ErrEmptyBatch indicates that an ingest call carried no entries.
	ErrEmptyBatch = errors.New("games: empty batch")
	// ErrNoRecords indicates that a filtered export matched nothing.
	ErrNoRecords = errors.New("games: no records match the filters")
	// ErrInvalidFilter indicates a malformed query filter.
	ErrInvalidFilter = errors.New("games: invalid filter")
)

// RawBatch is one ingest call stored verbatim. Entries are never mutated after insert.
type RawBatch struct {
	ID               int64        `gorm:"column:id;primaryKey;autoIncrement"`
	BatchID          string       `gorm:"column:batch_id;size:64;not null;uniqueIndex"`
	CapturedAtMillis int64        `gorm:"column:captured_at_ms;not null;index:idx_raw_batches_fold_order,priority:2"`
	FoldedAtMillis   *int64       `gorm:"column:folded_at_ms;index:idx_raw_batches_fold_order,priority:1"`
	Entries          []BatchEntry `gorm:"foreignKey:RawBatchID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (RawBatch) TableName() string {
	return "raw_batches"
}

// CapturedAt returns the server-assigned capture time.
func (batch RawBatch) CapturedAt() time.Time {
	return time.UnixMilli(batch.CapturedAtMillis).UTC()
}

// Folded reports whether the batch was already merged into the unique-game index.
func (batch RawBatch) Folded() bool {
	return batch.FoldedAtMillis != nil
}

// BatchEntry stores one GameEntry of a RawBatch in its original position.
type BatchEntry struct {
	ID               int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RawBatchID       int64   `gorm:"column:raw_batch_id;not null;index:idx_game_entries_batch_position,priority:1"`
	Position         int     `gorm:"column:position;not null;index:idx_game_entries_batch_position,priority:2"`
	PastGameID       *string `gorm:"column:past_game_id;size:190;index"`
	Content          string  `gorm:"column:content;type:text;not null;default:''"`
	LastGameIndex    *string `gorm:"column:last_game_index;size:190"`
	ButtonBackground string  `gorm:"column:button_background;size:190;not null;default:''"`
	ButtonForeground string  `gorm:"column:button_foreground;size:190;not null;default:''"`
	ButtonHover      string  `gorm:"column:button_hover;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (BatchEntry) TableName() string {
	return "game_entries"
}

// Record converts the stored row back to its wire shape.
func (entry BatchEntry) Record() record.GameEntry {
	return record.GameEntry{
		PastGameID:       entry.PastGameID,
		Content:          entry.Content,
		LastGameIndex:    entry.LastGameIndex,
		ButtonBackground: entry.ButtonBackground,
		ButtonForeground: entry.ButtonForeground,
		ButtonHover:      entry.ButtonHover,
	}
}

func newBatchEntries(entries []record.GameEntry) []BatchEntry {
	rows := make([]BatchEntry, 0, len(entries))
	for position, entry := range entries {
		rows = append(rows, BatchEntry{
			Position:         position,
			PastGameID:       entry.PastGameID,
			Content:          entry.Content,
			LastGameIndex:    entry.LastGameIndex,
			ButtonBackground: entry.ButtonBackground,
			ButtonForeground: entry.ButtonForeground,
			ButtonHover:      entry.ButtonHover,
		})
	}
	return rows
}

// UniqueGame is the canonical record per past game id, mutated only by the fold.
type UniqueGame struct {
	PastGameID      string  `gorm:"column:past_game_id;primaryKey;size:190;not null"`
	Content         string  `gorm:"column:content;type:text;not null;default:''"`
	LastGameIndex   *string `gorm:"column:last_game_index;size:190"`
	FirstSeenMillis int64   `gorm:"column:first_seen_ms;not null;index"`
	LastSeenMillis  int64   `gorm:"column:last_seen_ms;not null;index"`
	Occurrences     int64   `gorm:"column:occurrences;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (UniqueGame) TableName() string {
	return "unique_games"
}

// Observation records one fold of an entry into the index; the ordered observations of a
// game are its timestamps.
type Observation struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	PastGameID   string `gorm:"column:past_game_id;size:190;not null;index:idx_game_observations_game_seen,priority:1"`
	RawBatchID   int64  `gorm:"column:raw_batch_id;not null;index"`
	SeenAtMillis int64  `gorm:"column:seen_at_ms;not null;index:idx_game_observations_game_seen,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Observation) TableName() string {
	return "game_observations"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{&RawBatch{}, &BatchEntry{}, &UniqueGame{}, &Observation{}}
}

// TimeRange bounds a timestamp column; nil ends are open.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

// BatchFilter narrows raw batch queries.
type BatchFilter struct {
	Captured   TimeRange
	PastGameID string
}

// GameFilter narrows unique-game queries on last_seen.
type GameFilter struct {
	LastSeen   TimeRange
	PastGameID string
}

// Page selects a 1-based page of Limit items.
type Page struct {
	Number int
	Limit  int
}

func (p Page) offset() int {
	return (p.Number - 1) * p.Limit
}

// Validate rejects non-positive values and pages whose offset would overflow.
func (p Page) Validate() error {
	if p.Number < 1 || p.Limit < 1 {
		return ErrInvalidFilter
	}
	if p.Number > math.MaxInt/p.Limit {
		return ErrInvalidFilter
	}
	return nil
}

// PageResult carries one page of items together with totals.
type PageResult[T any] struct {
	Items []T
	Total int64
	Pages int64
}

func newPageResult[T any](items []T, total int64, limit int) PageResult[T] {
	pages := int64(0)
	if limit > 0 {
		pages = (total + int64(limit) - 1) / int64(limit)
	}
	if items == nil {
		items = []T{}
	}
	return PageResult[T]{Items: items, Total: total, Pages: pages}
}

// BatchView is a raw batch as served to consumers.
type BatchView struct {
	BatchID    string
	CapturedAt time.Time
	Entries    []record.GameEntry
}

// UniqueEntryView is the first stored entry for a past game id and the earliest capture time
// it appeared in.
type UniqueEntryView struct {
	Entry          record.GameEntry
	FirstTimestamp time.Time
}

// GameRecord is a UniqueGame with its observation timestamps.
type GameRecord struct {
	PastGameID    string
	Content       string
	LastGameIndex *string
	FirstSeen     time.Time
	LastSeen      time.Time
	Occurrences   int64
	Timestamps    []time.Time
}

func newGameRecord(game UniqueGame, timestamps []time.Time) GameRecord {
	return GameRecord{
		PastGameID:    game.PastGameID,
		Content:       game.Content,
		LastGameIndex: game.LastGameIndex,
		FirstSeen:     time.UnixMilli(game.FirstSeenMillis).UTC(),
		LastSeen:      time.UnixMilli(game.LastSeenMillis).UTC(),
		Occurrences:   game.Occurrences,
		Timestamps:    timestamps,
	}
}

func normalizeGameID(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) > maxIdentifierLength {
		return "", ErrInvalidFilter
	}
	return trimmed, nil
}
