package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/ports"
)

// SearchClient runs search-engine queries and returns snippet-level
// candidates. Escalation to a full-page fetch happens in the pipeline, and
// only when the classifier's rejection reason asks for more context.
type SearchClient struct {
	endpoint string
	apiKey   string
	client   *resty.Client
	logger   *slog.Logger
}

var _ ports.SearchSource = (*SearchClient)(nil)

// NewSearchClient builds the connector from configuration.
func NewSearchClient(cfg config.SearchConfig, logger *slog.Logger) *SearchClient {
	return &SearchClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client: resty.New().
			SetTimeout(20 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(2 * time.Second),
		logger: logger,
	}
}

type searchRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num"`
}

type searchResponse struct {
	Organic []searchHit `json:"organic"`
}

type searchHit struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date"`
}

// Search issues one query and normalizes the organic results.
func (s *SearchClient) Search(ctx context.Context, query string, maxResults int) ([]domain.CandidateItem, error) {
	if maxResults <= 0 {
		maxResults = 10
	}

	var parsed searchResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", s.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(searchRequest{Query: query, Num: maxResults}).
		SetResult(&parsed).
		Post(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("search %q: http %d", query, resp.StatusCode())
	}

	items := make([]domain.CandidateItem, 0, len(parsed.Organic))
	for _, hit := range parsed.Organic {
		if hit.Link == "" {
			continue
		}
		item := domain.CandidateItem{
			SourceID:   hit.Link,
			Title:      hit.Title,
			BodyText:   hit.Snippet,
			SourceType: domain.SourceSearchSnippet,
			DetailURL:  hit.Link,
		}
		if t, err := time.Parse("2006-01-02", hit.Date); err == nil {
			t = t.UTC()
			item.PublishedAt = &t
		}
		items = append(items, item)
	}

	if s.logger != nil {
		s.logger.Debug("search results", "query", query, "hits", len(items))
	}
	return items, nil
}
