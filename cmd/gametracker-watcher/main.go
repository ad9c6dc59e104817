package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/config"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/extractor"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/journal"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/page"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/scraper"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/watcher"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	watcherTokenSubject  = "gametracker-watcher"
	journalExportPattern = "game_log_%s.json"
	journalExportLayout  = "2006-01-02T15-04-05Z"
)

var (
	cfgFile string

	errMissingPageURL = errors.New("watcher.page_url is required")
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gametracker-watcher",
		Short: "Watches the past-games list and feeds the game tracker API",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newWatchCommand(), newScrapeCommand(), newJournalCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("page-url", defaults.GetString("watcher.page_url"), "URL of the monitored page")
	cmd.PersistentFlags().String("ingest-url", defaults.GetString("watcher.ingest_url"), "Ingest endpoint of the API")
	cmd.PersistentFlags().String("journal-path", defaults.GetString("watcher.journal_path"), "Local journal SQLite file")
	cmd.PersistentFlags().Duration("observe-interval", defaults.GetDuration("watcher.observe_interval"), "Interval between page snapshots")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Ingest token signing secret (overrides env)")
	cmd.PersistentFlags().String("scrape-output", defaults.GetString("scrape.output"), "Output file of the scrape command")
	cmd.PersistentFlags().String("scrape-debug-dir", defaults.GetString("scrape.debug_dir"), "Directory for page snapshots taken while scraping")

	bindFlag(cmd, "watcher.page_url", "page-url")
	bindFlag(cmd, "watcher.ingest_url", "ingest-url")
	bindFlag(cmd, "watcher.journal_path", "journal-path")
	bindFlag(cmd, "watcher.observe_interval", "observe-interval")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "scrape.output", "scrape-output")
	bindFlag(cmd, "scrape.debug_dir", "scrape-debug-dir")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadRuntime() (config.WatcherConfig, *zap.Logger, error) {
	watcherConfig, err := config.LoadWatcher(viper.GetViper())
	if err != nil {
		return config.WatcherConfig{}, nil, err
	}
	logger, err := logging.NewLogger(logging.Options{
		Level:      watcherConfig.Log.Level,
		File:       watcherConfig.Log.File,
		MaxSizeMB:  watcherConfig.Log.MaxSizeMB,
		MaxBackups: watcherConfig.Log.MaxBackups,
		MaxAgeDays: watcherConfig.Log.MaxAgeDays,
	})
	if err != nil {
		return config.WatcherConfig{}, nil, err
	}
	return watcherConfig, logger, nil
}

func selectorsFrom(cfg config.WatcherConfig) extractor.Selectors {
	return extractor.Selectors{
		Container: cfg.Selectors.Container,
		Tag:       cfg.Selectors.Tag,
		Text:      cfg.Selectors.Text,
	}.WithDefaults()
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Observe the page and submit every change to the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}
}

func runWatch(ctx context.Context) error {
	watcherConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if watcherConfig.PageURL == "" {
		return errMissingPageURL
	}
	source, err := page.NewHTTPSource(page.HTTPSourceConfig{URL: watcherConfig.PageURL})
	if err != nil {
		return err
	}

	store, err := journal.Open(journal.Config{Path: watcherConfig.JournalPath, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	submitterConfig := watcher.HTTPSubmitterConfig{IngestURL: watcherConfig.IngestURL}
	if watcherConfig.SigningSecret != "" {
		issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(watcherConfig.SigningSecret),
			TokenTTL:      watcherConfig.TokenTTL,
		})
		if err != nil {
			return err
		}
		submitterConfig.Tokens = issuer.NewTokenSource(watcherTokenSubject)
	}
	submitter, err := watcher.NewHTTPSubmitter(submitterConfig)
	if err != nil {
		return err
	}

	pageWatcher, err := watcher.New(watcher.Config{
		Source:          source,
		Submitter:       submitter,
		Journal:         store,
		Selectors:       selectorsFrom(watcherConfig),
		WaitInterval:    watcherConfig.WaitInterval,
		ObserveInterval: watcherConfig.ObserveInterval,
		SubmitTimeout:   watcherConfig.SubmitTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("watcher starting",
		zap.String("page_url", watcherConfig.PageURL),
		zap.String("ingest_url", watcherConfig.IngestURL))
	return pageWatcher.Run(signalCtx)
}

func newScrapeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape",
		Short: "Extract the past-games list once and write it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd.Context())
		},
	}
}

func runScrape(ctx context.Context) error {
	watcherConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if watcherConfig.PageURL == "" {
		return errMissingPageURL
	}
	source, err := page.NewHTTPSource(page.HTTPSourceConfig{URL: watcherConfig.PageURL})
	if err != nil {
		return err
	}

	pageScraper, err := scraper.New(scraper.Config{
		Source:       source,
		Selectors:    selectorsFrom(watcherConfig),
		MaxWait:      watcherConfig.ScrapeMaxWait,
		PollInterval: watcherConfig.ScrapePoll,
		DebugDir:     watcherConfig.ScrapeDebugDir,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries, err := pageScraper.Scrape(signalCtx)
	if err != nil {
		if errors.Is(err, scraper.ErrSelectorNotFound) {
			logger.Warn("no game tags rendered before the wait budget ran out",
				zap.Duration("max_wait", watcherConfig.ScrapeMaxWait))
		}
		return err
	}
	if err := scraper.WriteJSON(watcherConfig.ScrapeOutput, entries); err != nil {
		return err
	}
	logger.Info("scrape written",
		zap.String("output", watcherConfig.ScrapeOutput),
		zap.Int("entries", len(entries)))
	return nil
}

func newJournalCommand() *cobra.Command {
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the local watcher journal",
	}

	var output string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the journal as indented JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalExport(cmd.Context(), output)
		},
	}
	exportCmd.Flags().StringVar(&output, "output", "", "Output file (defaults to game_log_<timestamp>.json)")
	journalCmd.AddCommand(exportCmd)
	return journalCmd
}

func runJournalExport(ctx context.Context, output string) error {
	watcherConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := journal.Open(journal.Config{Path: watcherConfig.JournalPath, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if output == "" {
		output = fmt.Sprintf(journalExportPattern, time.Now().UTC().Format(journalExportLayout))
	}
	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create journal export: %w", err)
	}
	if err := store.Export(ctx, file); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close journal export: %w", err)
	}
	logger.Info("journal exported", zap.String("output", output))
	return nil
}
