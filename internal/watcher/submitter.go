package watcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/page"
	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/record"
	json "github.com/goccy/go-json"
)

const defaultSubmitClientTimeout = 15 * time.Second

var errMissingIngestURL = errors.New("watcher: ingest url is required")

// TokenSource supplies bearer tokens for the ingest API.
type TokenSource interface {
	Token() (string, error)
}

// HTTPSubmitterConfig configures an HTTPSubmitter.
type HTTPSubmitterConfig struct {
	IngestURL  string
	HTTPClient *http.Client
	Tokens     TokenSource
}

// HTTPSubmitter posts batches to the ingest endpoint as {"data": [...]}.
type HTTPSubmitter struct {
	ingestURL  string
	httpClient *http.Client
	tokens     TokenSource
}

type ingestRequest struct {
	Data []record.GameEntry `json:"data"`
}

// NewHTTPSubmitter validates the configuration and returns an HTTPSubmitter.
func NewHTTPSubmitter(cfg HTTPSubmitterConfig) (*HTTPSubmitter, error) {
	ingestURL := strings.TrimSpace(cfg.IngestURL)
	if ingestURL == "" {
		return nil, errMissingIngestURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultSubmitClientTimeout}
	}
	return &HTTPSubmitter{ingestURL: ingestURL, httpClient: httpClient, tokens: cfg.Tokens}, nil
}

// Submit sends one batch. Any non-2xx response is an error carrying a body snippet.
func (s *HTTPSubmitter) Submit(ctx context.Context, entries []record.GameEntry) error {
	payload, err := json.Marshal(ingestRequest{Data: entries})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ingestURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if s.tokens != nil {
		token, err := s.tokens.Token()
		if err != nil {
			return fmt.Errorf("issue ingest token: %w", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return fmt.Errorf("post batch: unexpected status code %d: %s", response.StatusCode, page.Snippet(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}
