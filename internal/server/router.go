package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "gametracker_subject"

	routeHealth        = "/healthz"
	routeMetrics       = "/metrics"
	routeGames         = "/api/games"
	routeGamesStream   = "/api/games/stream"
	routeProcess       = "/api/process-existing-data"
	routeUniqueGames   = "/api/unique-games"
	routeIndividual    = "/api/individual-games"
	routeIndividualCSV = "/api/export-individual-games-csv"

	defaultPageLimit       = 10
	defaultMaxPageLimit    = 100
	defaultStreamHeartbeat = 30 * time.Second
)

var (
	errMissingGamesService  = errors.New("games service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks ingest bearer tokens and returns their subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Config tunes query defaults and streaming.
type Config struct {
	DefaultPageLimit int
	MaxPageLimit     int
	ExportTempDir    string
	StreamHeartbeat  time.Duration
}

// Dependencies wires the HTTP handler. Tokens and Metrics are optional; without Tokens the
// write endpoints are open.
type Dependencies struct {
	GamesService *games.Service
	Tokens       TokenValidator
	Metrics      *metrics.Collectors
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
	Config       Config
}

// NewHTTPHandler builds the gin engine serving the game tracker API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GamesService == nil {
		return nil, errMissingGamesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(corsMiddleware())
	router.Use(gzipMiddleware())

	handler := &httpHandler{
		gamesService: deps.GamesService,
		tokens:       deps.Tokens,
		metrics:      deps.Metrics,
		realtime:     realtime,
		logger:       logger,
		config:       normalizeConfig(deps.Config),
	}

	router.GET(routeHealth, handler.handleHealth)
	if deps.Metrics != nil {
		router.GET(routeMetrics, gin.WrapH(deps.Metrics.Handler()))
	}

	router.GET(routeGames, handler.handleListBatches)
	router.GET(routeGamesStream, handler.handleGamesStream)
	router.GET(routeUniqueGames, handler.handleListUniqueGames)
	router.GET(routeIndividual, handler.handleListIndividualGames)
	router.GET(routeIndividualCSV, handler.handleExportIndividualGames)

	writes := router.Group("/")
	if deps.Tokens != nil {
		writes.Use(handler.authorizeRequest)
	}
	writes.POST(routeGames, handler.handleIngest)
	writes.POST(routeProcess, handler.handleProcessExisting)

	return router, nil
}

type httpHandler struct {
	gamesService *games.Service
	tokens       TokenValidator
	metrics      *metrics.Collectors
	realtime     *RealtimeDispatcher
	logger       *zap.Logger
	config       Config
}

func normalizeConfig(cfg Config) Config {
	if cfg.DefaultPageLimit <= 0 {
		cfg.DefaultPageLimit = defaultPageLimit
	}
	if cfg.MaxPageLimit <= 0 {
		cfg.MaxPageLimit = defaultMaxPageLimit
	}
	if cfg.DefaultPageLimit > cfg.MaxPageLimit {
		cfg.DefaultPageLimit = cfg.MaxPageLimit
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = defaultStreamHeartbeat
	}
	return cfg
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	})
}

// The event stream must reach clients unbuffered.
func gzipMiddleware() gin.HandlerFunc {
	return gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{routeGamesStream}))
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(started)),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("http request failed", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
