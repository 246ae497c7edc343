package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/ports"
)

var (
	pageMarkerExpr = regexp.MustCompile(`[Pp]age\s+(\d+)\s+of\s+(\d+)`)
	dateRangeExpr  = regexp.MustCompile(`(\d{2}/\d{2}/\d{4})(?:\s*\(\+(\d+)\s*days?\))?`)
)

// DirectoryScraper paginates fixed public directory listing pages and parses
// tabular rows into raw candidate records. Pagination stops at an embedded
// "page X of Y" marker, a 404 (expected end-of-pages signal, not an error),
// or the configured page cap.
type DirectoryScraper struct {
	baseURL   string
	maxPages  int
	pageDelay time.Duration
	userAgent string
	client    *http.Client
	logger    *slog.Logger
}

var _ ports.DirectorySource = (*DirectoryScraper)(nil)

// NewDirectoryScraper wires an HTTP client; maxPages defaults to 20.
func NewDirectoryScraper(cfg config.DirectoryConfig, userAgent string, client *http.Client, logger *slog.Logger) *DirectoryScraper {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 20
	}
	return &DirectoryScraper{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		maxPages:  maxPages,
		pageDelay: cfg.PageDelay.Std(),
		userAgent: userAgent,
		client:    client,
		logger:    logger,
	}
}

// ScrapeCategory walks a category's pages and returns all parsed rows.
func (d *DirectoryScraper) ScrapeCategory(ctx context.Context, category string) ([]domain.CandidateItem, error) {
	var items []domain.CandidateItem

	for page := 1; page <= d.maxPages; page++ {
		if page > 1 && d.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return items, ctx.Err()
			case <-time.After(d.pageDelay):
			}
		}

		pageURL := fmt.Sprintf("%s/%s?page=%d", d.baseURL, url.PathEscape(category), page)
		doc, notFound, err := d.fetchDocument(ctx, pageURL)
		if err != nil {
			return items, fmt.Errorf("category %s page %d: %w", category, page, err)
		}
		if notFound {
			if d.logger != nil {
				d.logger.Debug("directory pagination ended", "category", category, "page", page)
			}
			break
		}

		rows := d.extractRows(doc, category)
		items = append(items, rows...)

		current, total, ok := parsePageMarker(doc)
		if ok && current >= total {
			break
		}
	}

	return items, nil
}

func (d *DirectoryScraper) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("directory returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("parse document: %w", err)
	}
	return doc, false, nil
}

func (d *DirectoryScraper) extractRows(doc *goquery.Document, category string) []domain.CandidateItem {
	var items []domain.CandidateItem

	doc.Find("table tr").Each(func(i int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return
		}
		item, ok := parseRow(row, d.baseURL, category)
		if !ok {
			return
		}
		items = append(items, item)
	})

	return items
}

func parseRow(row *goquery.Selection, baseURL, category string) (domain.CandidateItem, bool) {
	cells := row.Find("td")
	if cells.Length() < 3 {
		return domain.CandidateItem{}, false
	}

	nameCell := cells.Eq(0)
	name := strings.TrimSpace(nameCell.Find("a").First().Text())
	if name == "" {
		name = strings.TrimSpace(nameCell.Text())
	}
	if name == "" {
		return domain.CandidateItem{}, false
	}

	detail, _ := nameCell.Find("a").First().Attr("href")
	if detail != "" && !strings.HasPrefix(detail, "http") {
		detail = baseURL + detail
	}

	description := strings.TrimSpace(nameCell.Find(".description").First().Text())
	if description == "" {
		description = strings.TrimSpace(cells.Eq(1).Text())
	}

	venue := strings.TrimSpace(row.Find(".venue").First().Text())

	city, country := splitLocation(strings.TrimSpace(row.Find(".location").First().Text()))

	start, end := parseDateRange(strings.TrimSpace(row.Find(".date").First().Text()))

	item := domain.CandidateItem{
		SourceID:   detail,
		Title:      name,
		BodyText:   description,
		SourceType: domain.SourceStaticDirectory,
		Venue:      venue,
		City:       city,
		Country:    country,
		DetailURL:  detail,
		StartDate:  start,
		EndDate:    end,
	}
	if item.SourceID == "" {
		item.SourceID = normalizeName(name) + "|" + category
	}
	return item, true
}

func splitLocation(text string) (city, country string) {
	parts := strings.SplitN(text, ",", 2)
	city = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		country = strings.TrimSpace(parts[1])
	}
	return city, country
}

// parseDateRange reads the directory's fixed "MM/DD/YYYY (+N days)" pattern.
// The day offset is optional for single-day listings.
func parseDateRange(text string) (*time.Time, *time.Time) {
	m := dateRangeExpr.FindStringSubmatch(text)
	if m == nil {
		return nil, nil
	}
	start, err := time.Parse("01/02/2006", m[1])
	if err != nil {
		return nil, nil
	}
	start = start.UTC()

	end := start
	if m[2] != "" {
		if days, err := strconv.Atoi(m[2]); err == nil {
			end = start.AddDate(0, 0, days)
		}
	}
	return &start, &end
}

func parsePageMarker(doc *goquery.Document) (current, total int, ok bool) {
	text := doc.Find(".pagination, .pager").First().Text()
	if text == "" {
		text = doc.Text()
	}
	m := pageMarkerExpr.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	current, _ = strconv.Atoi(m[1])
	total, _ = strconv.Atoi(m[2])
	return current, total, true
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return whitespaceExpr.ReplaceAllString(name, " ")
}

// DedupeListings collapses rows harvested from multiple categories by
// normalized name + start date, keeping the richer description on conflict.
func DedupeListings(items []domain.CandidateItem) []domain.CandidateItem {
	type key struct {
		name string
		date string
	}
	index := map[key]int{}
	var out []domain.CandidateItem

	for _, item := range items {
		k := key{name: normalizeName(item.Title)}
		if item.StartDate != nil {
			k.date = item.StartDate.Format("2006-01-02")
		}
		if pos, seen := index[k]; seen {
			if len(item.BodyText) > len(out[pos].BodyText) {
				out[pos].BodyText = item.BodyText
			}
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

// FilterFuture drops listings whose start date is missing or already past.
func FilterFuture(items []domain.CandidateItem, now time.Time) []domain.CandidateItem {
	today := now.UTC().Truncate(24 * time.Hour)
	var out []domain.CandidateItem
	for _, item := range items {
		if item.StartDate == nil {
			continue
		}
		if item.StartDate.Before(today) {
			continue
		}
		out = append(out, item)
	}
	return out
}
