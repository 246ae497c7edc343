package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"

	"civicsignal/internal/config"
	"civicsignal/internal/ports"
	"civicsignal/internal/ratelimit"
)

// minContainerText is the threshold below which a semantic container
// (<main>/<article>) is considered boilerplate and the whole body is used.
const minContainerText = 300

var whitespaceExpr = regexp.MustCompile(`\s+`)

// Fetcher retrieves a page and reduces it to readable text for
// reclassification. Fetches are bounded by a timeout and a small retry count
// with exponential backoff; a 403 or 429 aborts retries immediately so an
// existing block is not made worse.
type Fetcher struct {
	client        *http.Client
	userAgent     string
	maxRetries    int
	maxTextLength int
	limiter       *ratelimit.IntervalLimiter
	logger        *slog.Logger
}

var _ ports.PageFetcher = (*Fetcher)(nil)

// NewFetcher builds a page fetcher from configuration. The limiter paces
// requests to the fetched hosts; nil disables pacing.
func NewFetcher(cfg config.FetchConfig, userAgent string, limiter *ratelimit.IntervalLimiter, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:        &http.Client{Timeout: cfg.Timeout.Std()},
		userAgent:     userAgent,
		maxRetries:    cfg.MaxRetries,
		maxTextLength: cfg.MaxTextLength,
		limiter:       limiter,
		logger:        logger,
	}
}

// FetchText downloads the page and returns cleaned readable text.
func (f *Fetcher) FetchText(ctx context.Context, pageURL string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}
	defer f.limiter.Mark()

	body, err := f.fetch(ctx, pageURL)
	if err != nil {
		return "", err
	}
	text := f.extractText(body, pageURL)
	if text == "" {
		return "", fmt.Errorf("no readable text in %s", pageURL)
	}
	return text, nil
}

func (f *Fetcher) fetch(ctx context.Context, pageURL string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, status, err := f.doRequest(ctx, pageURL)
		if err == nil {
			return body, nil
		}
		lastErr = err

		// Blocked responses: retrying only worsens the block.
		if status == http.StatusForbidden || status == http.StatusTooManyRequests {
			return "", fmt.Errorf("blocked by %s: %w", pageURL, err)
		}
	}
	return "", fmt.Errorf("fetch %s: %w", pageURL, lastErr)
}

func (f *Fetcher) doRequest(ctx context.Context, pageURL string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("http %d", resp.StatusCode)
	}

	utf8Reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		utf8Reader = resp.Body
	}
	raw, err := io.ReadAll(utf8Reader)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return string(raw), resp.StatusCode, nil
}

// extractText prefers readability's article extraction, falling back to a
// stripped-down goquery pass over the raw document.
func (f *Fetcher) extractText(rawHTML, pageURL string) string {
	parsedURL, _ := url.Parse(pageURL)

	if article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL); err == nil {
		text := collapseWhitespace(htmlToText(article.Content))
		if len(text) >= minContainerText {
			return f.cap(text)
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	doc.Find("script, style, nav, footer, header, aside, noscript, iframe").Remove()

	// Prefer semantic containers when they carry enough text on their own.
	for _, sel := range []string{"main", "article"} {
		container := doc.Find(sel).First()
		if container.Length() > 0 {
			text := collapseWhitespace(container.Text())
			if len(text) >= minContainerText {
				return f.cap(text)
			}
		}
	}

	return f.cap(collapseWhitespace(doc.Find("body").Text()))
}

func htmlToText(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}
	return doc.Text()
}

func collapseWhitespace(text string) string {
	return strings.TrimSpace(whitespaceExpr.ReplaceAllString(text, " "))
}

func (f *Fetcher) cap(text string) string {
	if f.maxTextLength > 0 && len(text) > f.maxTextLength {
		return text[:f.maxTextLength]
	}
	return text
}
