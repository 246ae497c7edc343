package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/ports"
)

// NewsClient queries a structured news-aggregation API, one request per
// topical category with its keyword set OR'd into a single query.
type NewsClient struct {
	endpoint string
	apiKey   string
	pageSize int
	client   *resty.Client
	logger   *slog.Logger
}

var _ ports.NewsSource = (*NewsClient)(nil)

// NewNewsClient builds the connector from configuration.
func NewNewsClient(cfg config.NewsConfig, logger *slog.Logger) *NewsClient {
	return &NewsClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		client: resty.New().
			SetTimeout(20 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(2 * time.Second),
		logger: logger,
	}
}

type newsResponse struct {
	Status   string        `json:"status"`
	Message  string        `json:"message"`
	Articles []newsArticle `json:"articles"`
}

type newsArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Source      struct {
		Name string `json:"name"`
	} `json:"source"`
}

// FetchCategory runs one keyword query and returns normalized candidates.
func (n *NewsClient) FetchCategory(ctx context.Context, category config.NewsCategory) ([]domain.CandidateItem, error) {
	if len(category.Keywords) == 0 {
		return nil, fmt.Errorf("category %s has no keywords", category.Name)
	}

	quoted := make([]string, 0, len(category.Keywords))
	for _, kw := range category.Keywords {
		quoted = append(quoted, `"`+kw+`"`)
	}

	var parsed newsResponse
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("X-Api-Key", n.apiKey).
		SetQueryParams(map[string]string{
			"q":        strings.Join(quoted, " OR "),
			"language": "en",
			"sortBy":   "publishedAt",
			"pageSize": strconv.Itoa(n.pageSize),
		}).
		SetResult(&parsed).
		Get(n.endpoint)
	if err != nil {
		return nil, fmt.Errorf("news query %s: %w", category.Name, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("news query %s: http %d", category.Name, resp.StatusCode())
	}
	if parsed.Status != "ok" {
		return nil, fmt.Errorf("news query %s: provider status %q: %s", category.Name, parsed.Status, parsed.Message)
	}

	items := make([]domain.CandidateItem, 0, len(parsed.Articles))
	for _, art := range parsed.Articles {
		if art.URL == "" || art.Title == "" {
			continue
		}
		body := art.Content
		if body == "" {
			body = art.Description
		}
		item := domain.CandidateItem{
			SourceID:   art.URL,
			Title:      art.Title,
			BodyText:   body,
			SourceType: domain.SourceStructuredAPI,
		}
		if t, err := time.Parse(time.RFC3339, art.PublishedAt); err == nil {
			t = t.UTC()
			item.PublishedAt = &t
		}
		items = append(items, item)
	}

	if n.logger != nil {
		n.logger.Debug("news category fetched", "category", category.Name, "articles", len(items))
	}
	return items, nil
}
