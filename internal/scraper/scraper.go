// Package scraper performs a one-shot extraction of the past-games list.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/extractor"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/page"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultMaxWait      = 10 * time.Second
	defaultPollInterval = time.Second
	snapshotFileMode    = 0o644
)

var (
	// ErrSelectorNotFound indicates that no game tag rendered within the wait budget.
	ErrSelectorNotFound = errors.New("scraper: selector not found")

	errMissingSource = errors.New("scraper: page source is required")
	errTagsMissing   = errors.New("scraper: tags not rendered yet")
)

// Config describes a Scraper.
type Config struct {
	Source       page.Source
	Selectors    extractor.Selectors
	MaxWait      time.Duration
	PollInterval time.Duration
	DebugDir     string
	Logger       *zap.Logger
}

// Scraper polls the page until game tags render and extracts them once.
type Scraper struct {
	source       page.Source
	selectors    extractor.Selectors
	maxWait      time.Duration
	pollInterval time.Duration
	debugDir     string
	logger       *zap.Logger
}

// New validates the configuration and constructs a Scraper.
func New(cfg Config) (*Scraper, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{
		source:       cfg.Source,
		selectors:    cfg.Selectors.WithDefaults(),
		maxWait:      maxWait,
		pollInterval: pollInterval,
		debugDir:     cfg.DebugDir,
		logger:       logger,
	}, nil
}

// Scrape checks the page every poll interval until at least one tag renders or the wait budget
// is spent. While waiting, each rendering is written to DebugDir when it is set.
func (s *Scraper) Scrape(ctx context.Context) ([]record.GameEntry, error) {
	attempts := max(int(s.maxWait/s.pollInterval), 1)

	var (
		found   *goquery.Document
		elapsed time.Duration
	)
	operation := func() error {
		s.logger.Info("checking for game tags", zap.Duration("elapsed", elapsed))
		doc, err := s.source.Fetch(ctx)
		if err != nil {
			elapsed += s.pollInterval
			return err
		}
		if extractor.TagCount(doc, s.selectors) > 0 {
			found = doc
			return nil
		}
		s.writeSnapshot(doc, elapsed)
		elapsed += s.pollInterval
		return errTagsMissing
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.pollInterval), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, errTagsMissing) {
			return nil, fmt.Errorf("%w within %s", ErrSelectorNotFound, s.maxWait)
		}
		return nil, fmt.Errorf("%w: %v", ErrSelectorNotFound, err)
	}

	entries := slices.Collect(extractor.Extract(found, s.selectors))
	s.logger.Info("game tags extracted", zap.Int("entries", len(entries)))
	return entries, nil
}

func (s *Scraper) writeSnapshot(doc *goquery.Document, elapsed time.Duration) {
	if s.debugDir == "" {
		return
	}
	markup, err := goquery.OuterHtml(doc.Selection)
	if err != nil {
		s.logger.Warn("debug snapshot render failed", zap.Error(err))
		return
	}
	path := filepath.Join(s.debugDir, fmt.Sprintf("debug_%dms.html", elapsed.Milliseconds()))
	if err := os.WriteFile(path, []byte(markup), snapshotFileMode); err != nil {
		s.logger.Warn("debug snapshot write failed", zap.String("path", path), zap.Error(err))
	}
}

// WriteJSON writes entries as an indented JSON array.
func WriteJSON(path string, entries []record.GameEntry) error {
	if entries == nil {
		entries = []record.GameEntry{}
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}
	if err := os.WriteFile(path, payload, snapshotFileMode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
