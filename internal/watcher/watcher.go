// Package watcher observes the past-games list of the monitored page and submits every
// changed, non-empty extraction to the ingest API.
package watcher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/extractor"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/page"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultWaitInterval    = time.Second
	defaultObserveInterval = time.Second
	defaultSubmitTimeout   = 10 * time.Second
)

var (
	errMissingSource    = errors.New("watcher: page source is required")
	errMissingSubmitter = errors.New("watcher: submitter is required")
	errTargetMissing    = errors.New("watcher: target container not rendered")
)

// State is the watcher lifecycle position.
type State int32

const (
	// StateWaitingForTarget polls until the list container is rendered.
	StateWaitingForTarget State = iota
	// StateObserving compares container snapshots and emits on every change.
	StateObserving
)

func (s State) String() string {
	switch s {
	case StateWaitingForTarget:
		return "WAITING_FOR_TARGET"
	case StateObserving:
		return "OBSERVING"
	default:
		return "UNKNOWN"
	}
}

// Submitter delivers an extracted batch to the ingest API.
type Submitter interface {
	Submit(ctx context.Context, entries []record.GameEntry) error
}

// Journal keeps a local copy of every emitted batch.
type Journal interface {
	Append(ctx context.Context, entries []record.GameEntry) error
}

// ErrorHandler receives failures that the watcher logs and otherwise swallows.
type ErrorHandler func(error)

// Config describes a Watcher.
type Config struct {
	Source          page.Source
	Submitter       Submitter
	Journal         Journal
	Selectors       extractor.Selectors
	WaitInterval    time.Duration
	ObserveInterval time.Duration
	SubmitTimeout   time.Duration
	Logger          *zap.Logger
	OnError         ErrorHandler
	OnStateChange   func(State)
}

// Watcher runs the WAITING_FOR_TARGET / OBSERVING loop.
type Watcher struct {
	source          page.Source
	submitter       Submitter
	journal         Journal
	selectors       extractor.Selectors
	waitInterval    time.Duration
	observeInterval time.Duration
	submitTimeout   time.Duration
	logger          *zap.Logger
	onError         ErrorHandler
	onStateChange   func(State)

	state       atomic.Int32
	submissions sync.WaitGroup
}

// New validates the configuration and constructs a Watcher in StateWaitingForTarget.
func New(cfg Config) (*Watcher, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Submitter == nil {
		return nil, errMissingSubmitter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		source:          cfg.Source,
		submitter:       cfg.Submitter,
		journal:         cfg.Journal,
		selectors:       cfg.Selectors.WithDefaults(),
		waitInterval:    durationOrDefault(cfg.WaitInterval, defaultWaitInterval),
		observeInterval: durationOrDefault(cfg.ObserveInterval, defaultObserveInterval),
		submitTimeout:   durationOrDefault(cfg.SubmitTimeout, defaultSubmitTimeout),
		logger:          logger,
		onError:         cfg.OnError,
		onStateChange:   cfg.OnStateChange,
	}, nil
}

// State reports the current lifecycle state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Run drives the state machine until ctx is cancelled, then waits for in-flight submissions.
// Cancellation is a clean stop and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.submissions.Wait()

	for {
		doc, err := w.waitForTarget(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		w.setState(StateObserving)
		if err := w.observe(ctx, doc); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.setState(StateWaitingForTarget)
	}
}

func (w *Watcher) waitForTarget(ctx context.Context) (*goquery.Document, error) {
	var doc *goquery.Document
	operation := func() error {
		fetched, err := w.source.Fetch(ctx)
		if err != nil {
			w.logger.Debug("page fetch failed while waiting for target", zap.Error(err))
			return err
		}
		if _, ok := extractor.ContainerFingerprint(fetched, w.selectors); !ok {
			return errTargetMissing
		}
		doc = fetched
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(w.waitInterval), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	w.logger.Info("target container found", zap.String("selector", w.selectors.Container))
	return doc, nil
}

// observe takes the current rendering as the baseline without emitting, then emits once per
// observed change. It returns nil when the container disappears.
func (w *Watcher) observe(ctx context.Context, doc *goquery.Document) error {
	baseline, _ := extractor.ContainerFingerprint(doc, w.selectors)

	ticker := time.NewTicker(w.observeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := w.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("page fetch failed while observing", zap.Error(err))
			continue
		}

		fingerprint, ok := extractor.ContainerFingerprint(current, w.selectors)
		if !ok {
			w.logger.Info("target container disappeared")
			return nil
		}
		if fingerprint == baseline {
			continue
		}
		baseline = fingerprint
		w.emit(ctx, current)
	}
}

func (w *Watcher) emit(ctx context.Context, doc *goquery.Document) {
	entries := slices.Collect(extractor.Extract(doc, w.selectors))
	if len(entries) == 0 {
		return
	}

	if w.journal != nil {
		if err := w.journal.Append(ctx, entries); err != nil {
			w.reportError("journal append failed", err)
		}
	}

	w.submissions.Add(1)
	go func() {
		defer w.submissions.Done()
		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.submitTimeout)
		defer cancel()
		if err := w.submitter.Submit(submitCtx, entries); err != nil {
			w.reportError("batch submission failed", err)
			return
		}
		w.logger.Debug("batch submitted", zap.Int("entries", len(entries)))
	}()
}

func (w *Watcher) reportError(message string, err error) {
	w.logger.Error(message, zap.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}

func (w *Watcher) setState(state State) {
	previous := State(w.state.Swap(int32(state)))
	if previous == state {
		return
	}
	w.logger.Info("watcher state changed",
		zap.Stringer("from", previous),
		zap.Stringer("to", state))
	if w.onStateChange != nil {
		w.onStateChange(state)
	}
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
