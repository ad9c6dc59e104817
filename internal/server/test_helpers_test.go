package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/database"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
	"go.uber.org/zap"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = value
}

var testEpoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestGamesService(testContext *testing.T) (*games.Service, *manualClock) {
	testContext.Helper()

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "gametracker.db"))
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to migrate database: %v", err)
	}
	testContext.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clock := newManualClock(testEpoch)
	service, err := games.NewService(games.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: games.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct games service: %v", err)
	}
	return service, clock
}

func newTestRouter(testContext *testing.T, deps Dependencies) http.Handler {
	testContext.Helper()
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}

func performRequest(handler http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeJSON[T any](testContext *testing.T, recorder *httptest.ResponseRecorder) T {
	testContext.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

type pageResponse[T any] struct {
	Data  []T   `json:"data"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}
