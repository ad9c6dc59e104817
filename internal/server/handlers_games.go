package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/export"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	messageDataSaved      = "Data saved successfully"
	messageProcessed      = "Historical data processing completed"
	messageRebuilt        = "Unique game index rebuilt"
	messageNoExportData   = "No data found for the given filters."
	queryDateLayout       = "2006-01-02"
	errorInvalidRequest   = "invalid_request"
	errorInvalidPage      = "invalid_page"
	errorInvalidLimit     = "invalid_limit"
	errorInvalidStartDate = "invalid_start_date"
	errorInvalidEndDate   = "invalid_end_date"
	errorInvalidRebuild   = "invalid_rebuild"
)

type ingestRequestPayload struct {
	Data []record.GameEntry `json:"data"`
}

type foldPayload struct {
	Batches int `json:"batches"`
	Entries int `json:"entries"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func newFoldPayload(summary games.FoldSummary) foldPayload {
	return foldPayload{
		Batches: summary.BatchesFolded,
		Entries: summary.EntriesFolded,
		Skipped: summary.EntriesSkipped,
		Failed:  summary.EntriesFailed,
	}
}

type ingestResponsePayload struct {
	Message    string      `json:"message"`
	BatchID    string      `json:"batchId"`
	CapturedAt time.Time   `json:"capturedAt"`
	Folded     foldPayload `json:"folded"`
	FoldError  string      `json:"foldError,omitempty"`
}

type processResponsePayload struct {
	Message string      `json:"message"`
	Folded  foldPayload `json:"folded"`
}

type pageResponsePayload[T any] struct {
	Data  []T   `json:"data"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

type batchPayload struct {
	BatchID   string             `json:"batchId"`
	Timestamp time.Time          `json:"timestamp"`
	Games     []record.GameEntry `json:"games"`
}

type uniqueEntryPayload struct {
	record.GameEntry
	FirstTimestamp time.Time `json:"firstTimestamp"`
}

type individualGamePayload struct {
	PastGameID    string      `json:"pastGameId"`
	Content       string      `json:"content"`
	LastGameIndex *string     `json:"lastGameIndex"`
	FirstSeen     time.Time   `json:"firstSeen"`
	LastSeen      time.Time   `json:"lastSeen"`
	Occurrences   int64       `json:"occurrences"`
	Timestamps    []time.Time `json:"timestamps"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if err := h.gamesService.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "code": serviceErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleIngest(c *gin.Context) {
	var request ingestRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}

	result, err := h.gamesService.Ingest(c.Request.Context(), request.Data)
	if err != nil {
		h.respondServiceError(c, "failed to save game data", err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordIngest(len(request.Data))
	}
	h.realtime.PublishFold(result.Fold, time.Now())

	response := ingestResponsePayload{
		Message:    messageDataSaved,
		BatchID:    result.BatchID,
		CapturedAt: result.CapturedAt,
		Folded:     newFoldPayload(result.Fold),
	}
	if result.FoldErr != nil {
		response.FoldError = serviceErrorCode(result.FoldErr)
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleProcessExisting(c *gin.Context) {
	rebuild := false
	if raw := strings.TrimSpace(c.Query("rebuild")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRebuild})
			return
		}
		rebuild = parsed
	}

	var (
		summary games.FoldSummary
		err     error
		message = messageProcessed
	)
	if rebuild {
		summary, err = h.gamesService.Rebuild(c.Request.Context())
		message = messageRebuilt
	} else {
		summary, err = h.gamesService.ProcessExisting(c.Request.Context())
	}
	if err != nil {
		h.respondServiceError(c, "failed to process existing data", err)
		return
	}

	h.realtime.PublishFold(summary, time.Now())
	c.JSON(http.StatusOK, processResponsePayload{Message: message, Folded: newFoldPayload(summary)})
}

func (h *httpHandler) handleListBatches(c *gin.Context) {
	page, ok := h.parsePage(c)
	if !ok {
		return
	}
	captured, ok := parseTimeRange(c)
	if !ok {
		return
	}

	result, err := h.gamesService.ListBatches(c.Request.Context(), games.BatchFilter{
		Captured:   captured,
		PastGameID: c.Query("pastGameId"),
	}, page)
	if err != nil {
		h.respondServiceError(c, "failed to list game batches", err)
		return
	}

	data := make([]batchPayload, 0, len(result.Items))
	for _, batch := range result.Items {
		entries := batch.Entries
		if entries == nil {
			entries = []record.GameEntry{}
		}
		data = append(data, batchPayload{BatchID: batch.BatchID, Timestamp: batch.CapturedAt, Games: entries})
	}
	c.JSON(http.StatusOK, pageResponsePayload[batchPayload]{Data: data, Total: result.Total, Pages: result.Pages})
}

func (h *httpHandler) handleListUniqueGames(c *gin.Context) {
	page, ok := h.parsePage(c)
	if !ok {
		return
	}

	result, err := h.gamesService.ListUniqueView(c.Request.Context(), page)
	if err != nil {
		h.respondServiceError(c, "failed to list unique games", err)
		return
	}

	data := make([]uniqueEntryPayload, 0, len(result.Items))
	for _, view := range result.Items {
		data = append(data, uniqueEntryPayload{GameEntry: view.Entry, FirstTimestamp: view.FirstTimestamp})
	}
	c.JSON(http.StatusOK, pageResponsePayload[uniqueEntryPayload]{Data: data, Total: result.Total, Pages: result.Pages})
}

func (h *httpHandler) handleListIndividualGames(c *gin.Context) {
	page, ok := h.parsePage(c)
	if !ok {
		return
	}
	lastSeen, ok := parseTimeRange(c)
	if !ok {
		return
	}

	result, err := h.gamesService.ListIndividualGames(c.Request.Context(), games.GameFilter{
		LastSeen:   lastSeen,
		PastGameID: c.Query("pastGameId"),
	}, page)
	if err != nil {
		h.respondServiceError(c, "failed to list individual games", err)
		return
	}

	data := make([]individualGamePayload, 0, len(result.Items))
	for _, game := range result.Items {
		timestamps := game.Timestamps
		if timestamps == nil {
			timestamps = []time.Time{}
		}
		data = append(data, individualGamePayload{
			PastGameID:    game.PastGameID,
			Content:       game.Content,
			LastGameIndex: game.LastGameIndex,
			FirstSeen:     game.FirstSeen,
			LastSeen:      game.LastSeen,
			Occurrences:   game.Occurrences,
			Timestamps:    timestamps,
		})
	}
	c.JSON(http.StatusOK, pageResponsePayload[individualGamePayload]{Data: data, Total: result.Total, Pages: result.Pages})
}

func (h *httpHandler) handleExportIndividualGames(c *gin.Context) {
	lastSeen, ok := parseTimeRange(c)
	if !ok {
		return
	}

	records, err := h.gamesService.ExportIndividualGames(c.Request.Context(), games.GameFilter{
		LastSeen:   lastSeen,
		PastGameID: c.Query("pastGameId"),
	})
	if err != nil {
		if errors.Is(err, games.ErrNoRecords) {
			c.JSON(http.StatusNotFound, gin.H{"message": messageNoExportData})
			return
		}
		h.respondServiceError(c, "failed to export individual games", err)
		return
	}

	path, cleanup, err := export.WriteTempFile(h.config.ExportTempDir, export.FromGameRecords(records))
	defer cleanup()
	if err != nil {
		h.logger.Error("failed to write csv export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export data to CSV."})
		return
	}
	c.FileAttachment(path, export.FileName)
}

// respondServiceError maps validation failures to 400 and everything else to 500 with the
// service error code.
func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	code := serviceErrorCode(err)
	if errors.Is(err, games.ErrEmptyBatch) || errors.Is(err, games.ErrInvalidFilter) {
		c.JSON(http.StatusBadRequest, gin.H{"error": code})
		return
	}
	h.logger.Error(message, zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": message, "code": code})
}

func serviceErrorCode(err error) string {
	var serviceErr *games.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return "internal_error"
}

func (h *httpHandler) parsePage(c *gin.Context) (games.Page, bool) {
	page := games.Page{Number: 1, Limit: h.config.DefaultPageLimit}

	if raw := strings.TrimSpace(c.Query("page")); raw != "" {
		number, err := strconv.Atoi(raw)
		if err != nil || number < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPage})
			return games.Page{}, false
		}
		page.Number = number
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidLimit})
			return games.Page{}, false
		}
		page.Limit = min(limit, h.config.MaxPageLimit)
	}
	if page.Validate() != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPage})
		return games.Page{}, false
	}
	return page, true
}

func parseTimeRange(c *gin.Context) (games.TimeRange, bool) {
	var bounds games.TimeRange
	if raw := strings.TrimSpace(c.Query("startDate")); raw != "" {
		start, err := parseQueryTime(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidStartDate})
			return games.TimeRange{}, false
		}
		bounds.Start = &start
	}
	if raw := strings.TrimSpace(c.Query("endDate")); raw != "" {
		end, err := parseQueryTime(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidEndDate})
			return games.TimeRange{}, false
		}
		bounds.End = &end
	}
	return bounds, true
}

// parseQueryTime accepts RFC 3339 timestamps or bare dates, which mean midnight UTC.
func parseQueryTime(value string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(queryDateLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
