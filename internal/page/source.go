// Package page fetches and parses the monitored page.
package page

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultUserAgent     = "Mozilla/5.0 (compatible; gametracker-watcher/1.0)"
	defaultFetchTimeout  = 15 * time.Second
	maxErrorSnippetBytes = 256
)

var errMissingPageURL = errors.New("page url is required")

// Source returns the current rendering of the monitored page.
type Source interface {
	Fetch(ctx context.Context) (*goquery.Document, error)
}

// HTTPSourceConfig configures an HTTPSource.
type HTTPSourceConfig struct {
	URL        string
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPSource downloads the page over HTTP and parses it with goquery.
type HTTPSource struct {
	url        string
	httpClient *http.Client
	userAgent  string
}

// NewHTTPSource validates the configuration and returns an HTTPSource.
func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	pageURL := strings.TrimSpace(cfg.URL)
	if pageURL == "" {
		return nil, errMissingPageURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &HTTPSource{url: pageURL, httpClient: httpClient, userAgent: userAgent}, nil
}

// URL returns the monitored page address.
func (s *HTTPSource) URL() string {
	return s.url
}

// Fetch downloads and parses the page.
func (s *HTTPSource) Fetch(ctx context.Context) (*goquery.Document, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build page request: %w", err)
	}
	request.Header.Set("User-Agent", s.userAgent)
	request.Header.Set("Accept", "text/html")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch page: unexpected status code %d", response.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(response.Body)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// Snippet truncates a response body for error messages.
func Snippet(body []byte) string {
	if len(body) > maxErrorSnippetBytes {
		body = body[:maxErrorSnippetBytes]
	}
	return strings.TrimSpace(string(body))
}
