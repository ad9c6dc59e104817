package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/export"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ingestResponse struct {
	Message    string    `json:"message"`
	BatchID    string    `json:"batchId"`
	CapturedAt time.Time `json:"capturedAt"`
	Folded     struct {
		Batches int `json:"batches"`
		Entries int `json:"entries"`
		Skipped int `json:"skipped"`
		Failed  int `json:"failed"`
	} `json:"folded"`
}

type individualGameResponse struct {
	PastGameID    string      `json:"pastGameId"`
	Content       string      `json:"content"`
	LastGameIndex *string     `json:"lastGameIndex"`
	FirstSeen     time.Time   `json:"firstSeen"`
	LastSeen      time.Time   `json:"lastSeen"`
	Occurrences   int64       `json:"occurrences"`
	Timestamps    []time.Time `json:"timestamps"`
}

type batchResponse struct {
	BatchID   string    `json:"batchId"`
	Timestamp time.Time `json:"timestamp"`
	Games     []struct {
		PastGameID *string `json:"pastGameId"`
		Content    string  `json:"content"`
	} `json:"games"`
}

type uniqueEntryResponse struct {
	PastGameID     *string   `json:"pastGameId"`
	Content        string    `json:"content"`
	LastGameIndex  *string   `json:"lastGameIndex"`
	FirstTimestamp time.Time `json:"firstTimestamp"`
}

func TestHandlersIncludeServiceErrorCode(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name     string
		method   string
		target   string
		body     string
		invoke   func(*httpHandler, *gin.Context)
		wantCode string
	}{
		{
			name:     "ingest",
			method:   http.MethodPost,
			target:   "/api/games",
			body:     `{"data":[{"pastGameId":"g1","content":"1.50×"}]}`,
			invoke:   (*httpHandler).handleIngest,
			wantCode: "games.ingest.missing_database",
		},
		{
			name:     "process existing",
			method:   http.MethodPost,
			target:   "/api/process-existing-data",
			invoke:   (*httpHandler).handleProcessExisting,
			wantCode: "games.fold_pending.missing_database",
		},
		{
			name:     "rebuild",
			method:   http.MethodPost,
			target:   "/api/process-existing-data?rebuild=true",
			invoke:   (*httpHandler).handleProcessExisting,
			wantCode: "games.rebuild.missing_database",
		},
		{
			name:     "list batches",
			method:   http.MethodGet,
			target:   "/api/games",
			invoke:   (*httpHandler).handleListBatches,
			wantCode: "games.list_batches.missing_database",
		},
		{
			name:     "unique games",
			method:   http.MethodGet,
			target:   "/api/unique-games",
			invoke:   (*httpHandler).handleListUniqueGames,
			wantCode: "games.list_unique_view.missing_database",
		},
		{
			name:     "individual games",
			method:   http.MethodGet,
			target:   "/api/individual-games",
			invoke:   (*httpHandler).handleListIndividualGames,
			wantCode: "games.list_individual_games.missing_database",
		},
		{
			name:     "export",
			method:   http.MethodGet,
			target:   "/api/export-individual-games-csv",
			invoke:   (*httpHandler).handleExportIndividualGames,
			wantCode: "games.export_individual_games.missing_database",
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			context, _ := gin.CreateTestContext(recorder)
			request := httptest.NewRequest(testCase.method, testCase.target, strings.NewReader(testCase.body))
			request.Header.Set("Content-Type", "application/json")
			context.Request = request

			handler := &httpHandler{
				gamesService: &games.Service{},
				logger:       zap.NewNop(),
				config:       normalizeConfig(Config{}),
			}
			testCase.invoke(handler, context)

			if recorder.Code != http.StatusInternalServerError {
				t.Fatalf("expected internal server error status, got %d", recorder.Code)
			}
			var payload map[string]any
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if payload["code"] != testCase.wantCode {
				t.Fatalf("expected code %s, got %v", testCase.wantCode, payload["code"])
			}
			if payload["error"] == "" {
				t.Fatalf("expected error message, got %v", payload)
			}
		})
	}
}

func TestHandleIngestRejectsInvalidBodies(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	service, _ := newTestGamesService(testContext)
	router := newTestRouter(testContext, Dependencies{GamesService: service})

	testCases := []struct {
		name      string
		body      string
		wantError string
	}{
		{name: "malformed json", body: `{"data":`, wantError: errorInvalidRequest},
		{name: "wrong type", body: `{"data":"g1"}`, wantError: errorInvalidRequest},
		{name: "empty data", body: `{"data":[]}`, wantError: "games.ingest.empty_batch"},
		{name: "missing data", body: `{}`, wantError: "games.ingest.empty_batch"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := performRequest(router, http.MethodPost, "/api/games", testCase.body, nil)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected bad request status, got %d: %s", recorder.Code, recorder.Body.String())
			}
			expected := `{"error":"` + testCase.wantError + `"}`
			if recorder.Body.String() != expected {
				t.Fatalf("unexpected response body: %s", recorder.Body.String())
			}
		})
	}

	recorder := performRequest(router, http.MethodGet, "/api/games", "", nil)
	page := decodeJSON[pageResponse[batchResponse]](testContext, recorder)
	if page.Total != 0 {
		testContext.Fatalf("expected no stored batches after rejected ingests, got %d", page.Total)
	}
}

func TestIngestThenQueryEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service, clock := newTestGamesService(t)
	collectors := metrics.New()
	router := newTestRouter(t, Dependencies{GamesService: service, Metrics: collectors})

	recorder := performRequest(router, http.MethodPost, "/api/games",
		`{"data":[{"pastGameId":"g1","content":"2.10×","lastGameIndex":"41"},{"pastGameId":"g2","content":"1.00×"},{"content":"no id"}]}`, nil)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())
	first := decodeJSON[ingestResponse](t, recorder)
	assert.Equal(t, messageDataSaved, first.Message)
	assert.NotEmpty(t, first.BatchID)
	assert.True(t, first.CapturedAt.Equal(testEpoch))
	assert.Equal(t, 1, first.Folded.Batches)
	assert.Equal(t, 2, first.Folded.Entries)
	assert.Equal(t, 1, first.Folded.Skipped)

	clock.Set(testEpoch.Add(2 * 24 * time.Hour))
	recorder = performRequest(router, http.MethodPost, "/api/games", `{"data":[{"pastGameId":"g1","content":"2.20×","lastGameIndex":"42"}]}`, nil)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	recorder = performRequest(router, http.MethodGet, "/api/individual-games", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	individual := decodeJSON[pageResponse[individualGameResponse]](t, recorder)
	require.Equal(t, int64(2), individual.Total)
	require.Equal(t, int64(1), individual.Pages)
	require.Len(t, individual.Data, 2)
	g1 := individual.Data[0]
	assert.Equal(t, "g1", g1.PastGameID)
	assert.Equal(t, "2.20×", g1.Content)
	require.NotNil(t, g1.LastGameIndex)
	assert.Equal(t, "42", *g1.LastGameIndex)
	assert.Equal(t, int64(2), g1.Occurrences)
	assert.True(t, g1.FirstSeen.Equal(testEpoch))
	assert.True(t, g1.LastSeen.Equal(testEpoch.Add(2*24*time.Hour)))
	assert.Len(t, g1.Timestamps, 2)
	assert.Equal(t, "g2", individual.Data[1].PastGameID)

	recorder = performRequest(router, http.MethodGet, "/api/individual-games?startDate=2025-03-02", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	filtered := decodeJSON[pageResponse[individualGameResponse]](t, recorder)
	require.Len(t, filtered.Data, 1)
	assert.Equal(t, "g1", filtered.Data[0].PastGameID)

	recorder = performRequest(router, http.MethodGet, "/api/games?pastGameId=g2", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	batches := decodeJSON[pageResponse[batchResponse]](t, recorder)
	require.Equal(t, int64(1), batches.Total)
	assert.Equal(t, first.BatchID, batches.Data[0].BatchID)
	assert.Len(t, batches.Data[0].Games, 3)
	assert.Nil(t, batches.Data[0].Games[2].PastGameID)

	recorder = performRequest(router, http.MethodGet, "/api/games?endDate=2025-03-01T12:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	batches = decodeJSON[pageResponse[batchResponse]](t, recorder)
	assert.Equal(t, int64(1), batches.Total)

	recorder = performRequest(router, http.MethodGet, "/api/unique-games", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	unique := decodeJSON[pageResponse[uniqueEntryResponse]](t, recorder)
	require.Equal(t, int64(2), unique.Total)
	require.Len(t, unique.Data, 2)
	require.NotNil(t, unique.Data[0].PastGameID)
	assert.Equal(t, "g1", *unique.Data[0].PastGameID)
	assert.Equal(t, "2.10×", unique.Data[0].Content)
	assert.True(t, unique.Data[0].FirstTimestamp.Equal(testEpoch))

	recorder = performRequest(router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "gametracker_batches_ingested_total 2")
	assert.Contains(t, recorder.Body.String(), "gametracker_entries_ingested_total 4")
}

func TestListEndpointsPaginate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service, clock := newTestGamesService(t)
	router := newTestRouter(t, Dependencies{
		GamesService: service,
		Config:       Config{DefaultPageLimit: 2, MaxPageLimit: 3},
	})

	for index, id := range []string{"a", "b", "c", "d", "e"} {
		clock.Set(testEpoch.Add(time.Duration(index) * time.Minute))
		recorder := performRequest(router, http.MethodPost, "/api/games", `{"data":[{"pastGameId":"`+id+`","content":"x"}]}`, nil)
		require.Equal(t, http.StatusCreated, recorder.Code)
	}

	recorder := performRequest(router, http.MethodGet, "/api/individual-games", "", nil)
	page := decodeJSON[pageResponse[individualGameResponse]](t, recorder)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, int64(3), page.Pages)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "e", page.Data[0].PastGameID)

	recorder = performRequest(router, http.MethodGet, "/api/individual-games?page=2&limit=50", "", nil)
	page = decodeJSON[pageResponse[individualGameResponse]](t, recorder)
	assert.Equal(t, int64(2), page.Pages)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "b", page.Data[0].PastGameID)
	assert.Equal(t, "a", page.Data[1].PastGameID)

	recorder = performRequest(router, http.MethodGet, "/api/unique-games?page=3&limit=2", "", nil)
	unique := decodeJSON[pageResponse[uniqueEntryResponse]](t, recorder)
	assert.Equal(t, int64(3), unique.Pages)
	require.Len(t, unique.Data, 1)
	assert.Equal(t, "e", *unique.Data[0].PastGameID)

	recorder = performRequest(router, http.MethodGet, "/api/games?page=9", "", nil)
	batches := decodeJSON[pageResponse[batchResponse]](t, recorder)
	assert.Equal(t, int64(5), batches.Total)
	assert.Empty(t, batches.Data)
}

func TestQueryParameterValidation(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	router := newTestRouter(testContext, Dependencies{GamesService: &games.Service{}})

	testCases := []struct {
		name      string
		target    string
		wantError string
	}{
		{name: "zero page", target: "/api/games?page=0", wantError: errorInvalidPage},
		{name: "text page", target: "/api/unique-games?page=first", wantError: errorInvalidPage},
		{name: "overflowing page", target: "/api/games?page=92233720368547760&limit=100", wantError: errorInvalidPage},
		{name: "negative limit", target: "/api/individual-games?limit=-5", wantError: errorInvalidLimit},
		{name: "text limit", target: "/api/games?limit=ten", wantError: errorInvalidLimit},
		{name: "start date", target: "/api/games?startDate=yesterday", wantError: errorInvalidStartDate},
		{name: "end date", target: "/api/individual-games?endDate=2025-13-45", wantError: errorInvalidEndDate},
		{name: "export start date", target: "/api/export-individual-games-csv?startDate=03/01/2025", wantError: errorInvalidStartDate},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := performRequest(router, http.MethodGet, testCase.target, "", nil)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected bad request status, got %d", recorder.Code)
			}
			expected := `{"error":"` + testCase.wantError + `"}`
			if recorder.Body.String() != expected {
				t.Fatalf("unexpected response body: %s", recorder.Body.String())
			}
		})
	}

	recorder := performRequest(router, http.MethodPost, "/api/process-existing-data?rebuild=maybe", "", nil)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request for rebuild flag, got %d", recorder.Code)
	}
}

func TestOversizedGameIDIsRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service, _ := newTestGamesService(t)
	router := newTestRouter(t, Dependencies{GamesService: service})

	recorder := performRequest(router, http.MethodGet, "/api/individual-games?pastGameId="+strings.Repeat("x", 200), "", nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.JSONEq(t, `{"error":"games.list_individual_games.invalid_filter"}`, recorder.Body.String())
}

func TestParseQueryTimeAcceptsDatesAndTimestamps(t *testing.T) {
	parsed, err := parseQueryTime("2025-03-01")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)))

	parsed, err = parseQueryTime("2025-03-01T14:30:00+02:00")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(time.Date(2025, time.March, 1, 12, 30, 0, 0, time.UTC)))
	assert.Equal(t, time.UTC, parsed.Location())

	_, err = parseQueryTime("1 March 2025")
	assert.Error(t, err)
}

func TestExportIndividualGamesCSV(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service, _ := newTestGamesService(t)
	exportDir := t.TempDir()
	router := newTestRouter(t, Dependencies{
		GamesService: service,
		Config:       Config{ExportTempDir: exportDir},
	})

	recorder := performRequest(router, http.MethodGet, "/api/export-individual-games-csv", "", nil)
	require.Equal(t, http.StatusNotFound, recorder.Code)
	assert.JSONEq(t, `{"message":"No data found for the given filters."}`, recorder.Body.String())

	recorder = performRequest(router, http.MethodPost, "/api/games",
		`{"data":[{"pastGameId":"g1","content":"2.10×","lastGameIndex":"41"},{"pastGameId":"g2","content":"quoted, \"value\""}]}`, nil)
	require.Equal(t, http.StatusCreated, recorder.Code)

	recorder = performRequest(router, http.MethodGet, "/api/export-individual-games-csv?pastGameId=g9", "", nil)
	require.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = performRequest(router, http.MethodGet, "/api/export-individual-games-csv", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Header().Get("Content-Disposition"), export.FileName)

	rows, err := export.ParseCSV(recorder.Body)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	contents := map[string]string{}
	for _, row := range rows {
		contents[row.PastGameID] = row.Content
		assert.Equal(t, int64(1), row.Occurrences)
	}
	assert.Equal(t, "2.10×", contents["g1"])
	assert.Equal(t, `quoted, "value"`, contents["g2"])

	leftovers, err := os.ReadDir(exportDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestProcessExistingAndRebuild(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service, clock := newTestGamesService(t)
	router := newTestRouter(t, Dependencies{GamesService: service})

	for index := range 3 {
		clock.Set(testEpoch.Add(time.Duration(index) * time.Minute))
		recorder := performRequest(router, http.MethodPost, "/api/games", `{"data":[{"pastGameId":"g1","content":"x"}]}`, nil)
		require.Equal(t, http.StatusCreated, recorder.Code)
	}

	recorder := performRequest(router, http.MethodPost, "/api/process-existing-data", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"message":"Historical data processing completed","folded":{"batches":0,"entries":0,"skipped":0,"failed":0}}`, recorder.Body.String())

	recorder = performRequest(router, http.MethodPost, "/api/process-existing-data?rebuild=true", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"message":"Unique game index rebuilt","folded":{"batches":3,"entries":3,"skipped":0,"failed":0}}`, recorder.Body.String())

	recorder = performRequest(router, http.MethodGet, "/api/individual-games?pastGameId=g1", "", nil)
	page := decodeJSON[pageResponse[individualGameResponse]](t, recorder)
	require.Len(t, page.Data, 1)
	assert.Equal(t, int64(3), page.Data[0].Occurrences)
}

func TestHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service, _ := newTestGamesService(t)

	recorder := performRequest(newTestRouter(t, Dependencies{GamesService: service}), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"status":"ok"}`, recorder.Body.String())

	recorder = performRequest(newTestRouter(t, Dependencies{GamesService: &games.Service{}}), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.JSONEq(t, `{"status":"unavailable","code":"games.ping.missing_database"}`, recorder.Body.String())
}

func TestNewHTTPHandlerRequiresGamesService(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	require.ErrorIs(t, err, errMissingGamesService)
}
