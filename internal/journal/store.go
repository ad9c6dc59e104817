// Package journal keeps a local append-only log of every batch the watcher extracted.
package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/database"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errMissingPath = errors.New("journal path is required")

// Entry is one journaled batch.
type Entry struct {
	ID               int64                                 `gorm:"column:id;primaryKey;autoIncrement"`
	RecordedAtMillis int64                                 `gorm:"column:recorded_at_ms;not null;index"`
	Data             datatypes.JSONSlice[record.GameEntry] `gorm:"column:data;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "journal_entries"
}

// LogEntry is the exported form of an Entry.
type LogEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	Data      []record.GameEntry `json:"data"`
}

// Config describes a Store.
type Config struct {
	Path   string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store persists journal entries in a SQLite file.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Open creates or reopens the journal file.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	db, err := database.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, clock: clock, logger: logger}, nil
}

// Append records one extracted batch stamped with the local clock.
func (s *Store) Append(ctx context.Context, entries []record.GameEntry) error {
	entry := Entry{
		RecordedAtMillis: s.clock().UTC().UnixMilli(),
		Data:             datatypes.NewJSONSlice(entries),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logger.Error("journal append failed", zap.Error(err), zap.Int("entries", len(entries)))
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// List returns every journaled batch in the order it was recorded.
func (s *Store) List(ctx context.Context) ([]LogEntry, error) {
	var rows []Entry
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	entries := make([]LogEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, LogEntry{
			Timestamp: time.UnixMilli(row.RecordedAtMillis).UTC(),
			Data:      []record.GameEntry(row.Data),
		})
	}
	return entries, nil
}

// Export writes the whole journal as an indented JSON array.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if _, err := w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
