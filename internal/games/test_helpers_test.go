package games

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("batch-%03d", p.next), nil
}

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = value
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *manualClock) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "games.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{current: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct games service: %v", err)
	}
	return service, db, clock
}

func gameEntry(id, content string) record.GameEntry {
	return record.GameEntry{
		PastGameID:    record.StringPtr(id),
		Content:       content,
		LastGameIndex: record.StringPtr("idx-" + id),
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T: %v", err, err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %s, got %s", code, serviceErr.Code())
	}
}

func loadUniqueGame(t *testing.T, db *gorm.DB, id string) UniqueGame {
	t.Helper()
	var game UniqueGame
	if err := db.Where("past_game_id = ?", id).First(&game).Error; err != nil {
		t.Fatalf("failed to load unique game %s: %v", id, err)
	}
	return game
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var total int64
	if err := db.Model(model).Count(&total).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return total
}
