// Package websearch provides an optional web summary merged into answers.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Summarizer returns a short summary of web results for a query. The boolean
// is false when no summary is available for any reason.
type Summarizer interface {
	Summarize(ctx context.Context, query string) (string, bool)
}

// SearXNG queries the JSON API of a SearXNG instance.
type SearXNG struct {
	log     *slog.Logger
	results int
	client  *resty.Client
}

var _ Summarizer = (*SearXNG)(nil)

func NewSearXNG(log *slog.Logger, baseURL string, results int, timeout time.Duration) *SearXNG {
	if results <= 0 {
		results = 3
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &SearXNG{
		log:     log,
		results: results,
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (s *SearXNG) Summarize(ctx context.Context, query string) (string, bool) {
	res, err := s.search(ctx, query)
	if err != nil {
		s.log.Warn("web search failed", slog.String("error", err.Error()))
		return "", false
	}

	var sb strings.Builder
	n := 0
	for _, r := range res.Results {
		if n == s.results {
			break
		}
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		n++
		fmt.Fprintf(&sb, "%d. %s (%s): %s\n", n, r.Title, r.URL, strings.TrimSpace(r.Content))
	}

	if n == 0 {
		return "", false
	}

	return sb.String(), true
}

func (s *SearXNG) search(ctx context.Context, query string) (*searxResponse, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"q": query, "format": "json"}).
		Get("/search")
	if err != nil {
		return nil, fmt.Errorf("failed to query search engine: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("search engine returned status %d", resp.StatusCode())
	}

	var r searxResponse
	if err := json.Unmarshal(resp.Body(), &r); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	return &r, nil
}
