package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "GAMETRACKER"

	defaultHTTPAddress     = "0.0.0.0:3000"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "gametracker.db"
	defaultQueryTimeout    = 10 * time.Second
	defaultLogLevel        = "info"
	defaultLogMaxSizeMB    = 100
	defaultLogMaxBackups   = 5
	defaultLogMaxAgeDays   = 28
	defaultPageLimit       = 10
	defaultMaxPageLimit    = 100
	defaultTokenTTLMinutes = 30
	defaultStreamHeartbeat = 30 * time.Second

	defaultIngestURL       = "http://localhost:3000/api/games"
	defaultWaitInterval    = time.Second
	defaultObserveInterval = time.Second
	defaultSubmitTimeout   = 10 * time.Second
	defaultJournalPath     = "watcher.db"
	defaultScrapeMaxWait   = 10 * time.Second
	defaultScrapePoll      = time.Second
	defaultScrapeOutput    = "log.json"
)

// LogConfig configures the zap logger and optional rotated log file.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	QueryTimeout     time.Duration
	Log              LogConfig
	DefaultPageLimit int
	MaxPageLimit     int
	ExportTempDir    string
	SigningSecret    string
	TokenTTL         time.Duration
	StreamHeartbeat  time.Duration
}

// SelectorConfig overrides the page selectors; blank values keep the built-in ones.
type SelectorConfig struct {
	Container string
	Tag       string
	Text      string
}

// WatcherConfig captures runtime configuration for the watcher binary.
type WatcherConfig struct {
	PageURL         string
	IngestURL       string
	WaitInterval    time.Duration
	ObserveInterval time.Duration
	SubmitTimeout   time.Duration
	JournalPath     string
	Selectors       SelectorConfig
	SigningSecret   string
	TokenTTL        time.Duration
	ScrapeMaxWait   time.Duration
	ScrapePoll      time.Duration
	ScrapeDebugDir  string
	ScrapeOutput    string
	Log             LogConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.query_timeout", defaultQueryTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("query.default_limit", defaultPageLimit)
	configViper.SetDefault("query.max_limit", defaultMaxPageLimit)
	configViper.SetDefault("export.temp_dir", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("stream.heartbeat", defaultStreamHeartbeat)

	configViper.SetDefault("watcher.page_url", "")
	configViper.SetDefault("watcher.ingest_url", defaultIngestURL)
	configViper.SetDefault("watcher.wait_interval", defaultWaitInterval)
	configViper.SetDefault("watcher.observe_interval", defaultObserveInterval)
	configViper.SetDefault("watcher.submit_timeout", defaultSubmitTimeout)
	configViper.SetDefault("watcher.journal_path", defaultJournalPath)
	configViper.SetDefault("watcher.selectors.container", "")
	configViper.SetDefault("watcher.selectors.tag", "")
	configViper.SetDefault("watcher.selectors.text", "")
	configViper.SetDefault("scrape.max_wait", defaultScrapeMaxWait)
	configViper.SetDefault("scrape.poll_interval", defaultScrapePoll)
	configViper.SetDefault("scrape.debug_dir", "")
	configViper.SetDefault("scrape.output", defaultScrapeOutput)
}

// Load parses the API server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		QueryTimeout:     configViper.GetDuration("database.query_timeout"),
		Log:              loadLog(configViper),
		DefaultPageLimit: configViper.GetInt("query.default_limit"),
		MaxPageLimit:     configViper.GetInt("query.max_limit"),
		ExportTempDir:    configViper.GetString("export.temp_dir"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		StreamHeartbeat:  configViper.GetDuration("stream.heartbeat"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadWatcher parses the watcher configuration from viper. The page URL is checked by the
// commands that need it.
func LoadWatcher(configViper *viper.Viper) (WatcherConfig, error) {
	cfg := WatcherConfig{
		PageURL:         strings.TrimSpace(configViper.GetString("watcher.page_url")),
		IngestURL:       strings.TrimSpace(configViper.GetString("watcher.ingest_url")),
		WaitInterval:    configViper.GetDuration("watcher.wait_interval"),
		ObserveInterval: configViper.GetDuration("watcher.observe_interval"),
		SubmitTimeout:   configViper.GetDuration("watcher.submit_timeout"),
		JournalPath:     configViper.GetString("watcher.journal_path"),
		Selectors: SelectorConfig{
			Container: configViper.GetString("watcher.selectors.container"),
			Tag:       configViper.GetString("watcher.selectors.tag"),
			Text:      configViper.GetString("watcher.selectors.text"),
		},
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		ScrapeMaxWait:  configViper.GetDuration("scrape.max_wait"),
		ScrapePoll:     configViper.GetDuration("scrape.poll_interval"),
		ScrapeDebugDir: configViper.GetString("scrape.debug_dir"),
		ScrapeOutput:   configViper.GetString("scrape.output"),
		Log:            loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return WatcherConfig{}, err
	}

	return cfg, nil
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level:      configViper.GetString("log.level"),
		File:       configViper.GetString("log.file"),
		MaxSizeMB:  configViper.GetInt("log.max_size_mb"),
		MaxBackups: configViper.GetInt("log.max_backups"),
		MaxAgeDays: configViper.GetInt("log.max_age_days"),
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("database.query_timeout must be positive")
	}
	if c.DefaultPageLimit < 1 {
		return fmt.Errorf("query.default_limit must be at least 1")
	}
	if c.MaxPageLimit < c.DefaultPageLimit {
		return fmt.Errorf("query.max_limit must not be below query.default_limit")
	}
	if c.StreamHeartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat must be positive")
	}
	return nil
}

func (c WatcherConfig) validate() error {
	if c.IngestURL == "" {
		return fmt.Errorf("watcher.ingest_url is required")
	}
	if strings.TrimSpace(c.JournalPath) == "" {
		return fmt.Errorf("watcher.journal_path is required")
	}
	if c.WaitInterval <= 0 || c.ObserveInterval <= 0 {
		return fmt.Errorf("watcher intervals must be positive")
	}
	if c.ScrapePoll <= 0 || c.ScrapeMaxWait < c.ScrapePoll {
		return fmt.Errorf("scrape.max_wait must be at least scrape.poll_interval")
	}
	return nil
}
