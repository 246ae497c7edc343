package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/infrastructure/llm"
	"civicsignal/internal/ports"
)

// PipelineDeps wires all driven adapters into the challenge-ingestion
// pipeline.
type PipelineDeps struct {
	News       ports.NewsSource
	Search     ports.SearchSource
	Fetcher    ports.PageFetcher
	Classifier ports.Classifier
	Geocoder   ports.Geocoder
	Challenges ports.ChallengeStore
	Sweeper    ports.Sweeper
}

// RunOptions tunes a single pipeline invocation. The zero value runs
// everything with no item cap.
type RunOptions struct {
	OnProgress          ports.ProgressFunc
	MaxItemsPerCategory int
	SkipNews            bool
	SkipSearch          bool
	SkipDirectory       bool
}

// Pipeline implements the challenge-ingestion workflow: harvest candidates
// from the news API and search queries, classify each, geocode, and persist.
// Item failures are isolated; a bad article never aborts the run.
type Pipeline struct {
	news       ports.NewsSource
	search     ports.SearchSource
	fetcher    ports.PageFetcher
	classifier ports.Classifier
	geocoder   ports.Geocoder
	challenges ports.ChallengeStore
	sweeper    ports.Sweeper

	newsCfg   config.NewsConfig
	searchCfg config.SearchConfig
	logger    *slog.Logger
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps, newsCfg config.NewsConfig, searchCfg config.SearchConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		news:       deps.News,
		search:     deps.Search,
		fetcher:    deps.Fetcher,
		classifier: deps.Classifier,
		geocoder:   deps.Geocoder,
		challenges: deps.Challenges,
		sweeper:    deps.Sweeper,
		newsCfg:    newsCfg,
		searchCfg:  searchCfg,
		logger:     logger,
	}
}

// runState carries per-invocation bookkeeping. A fresh one is created for
// every Run call so repeated runs never share a seen set.
type runState struct {
	seen map[string]struct{}
}

func newRunState() *runState {
	return &runState{seen: map[string]struct{}{}}
}

func (s *runState) markSeen(key string) bool {
	if key == "" {
		return false
	}
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	return false
}

// Run executes one full ingestion cycle and always finishes with an expire
// sweep, even when sources failed or the context was cancelled mid-run.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (stats *domain.RunStats, err error) {
	stats = domain.NewRunStats()
	state := newRunState()

	defer func() {
		n, sweepErr := p.sweeper.ExpireSweep(context.WithoutCancel(ctx), todayUTC())
		if sweepErr != nil {
			p.logf("expire sweep failed", "error", sweepErr)
		} else {
			stats.Expired = n
			report(opts.OnProgress, fmt.Sprintf("expire sweep: %d records marked expired", n))
		}
	}()

	if !opts.SkipNews && p.news != nil {
		if err := p.runNews(ctx, state, stats, opts); err != nil {
			return stats, err
		}
	}
	if !opts.SkipSearch && p.search != nil {
		if err := p.runSearch(ctx, state, stats, opts); err != nil {
			return stats, err
		}
	}

	report(opts.OnProgress, fmt.Sprintf("ingestion done: %d processed, %d accepted, %d rejected, %d errors",
		stats.Processed, stats.Accepted, stats.Rejected, stats.Errors))
	return stats, nil
}

func (p *Pipeline) runNews(ctx context.Context, state *runState, stats *domain.RunStats, opts RunOptions) error {
	for i, category := range p.newsCfg.Categories {
		if i > 0 {
			if err := sleepCtx(ctx, p.newsCfg.CategoryDelay.Std()); err != nil {
				return err
			}
		}

		report(opts.OnProgress, "news category: "+category.Name)
		items, err := p.news.FetchCategory(ctx, category)
		if err != nil {
			p.logf("news category failed", "category", category.Name, "error", err)
			stats.CountError(category.Name)
			continue
		}

		p.processItems(ctx, state, stats, category.Name, capItems(items, opts.MaxItemsPerCategory))
	}
	return ctx.Err()
}

func (p *Pipeline) runSearch(ctx context.Context, state *runState, stats *domain.RunStats, opts RunOptions) error {
	for i, query := range p.searchCfg.ChallengeQueries {
		if i > 0 {
			if err := sleepCtx(ctx, p.searchCfg.QueryDelay.Std()); err != nil {
				return err
			}
		}

		label := "search:" + query
		report(opts.OnProgress, "search query: "+query)
		items, err := p.search.Search(ctx, query, p.searchCfg.MaxResults)
		if err != nil {
			p.logf("search query failed", "query", query, "error", err)
			stats.CountError(label)
			continue
		}

		p.processItems(ctx, state, stats, label, capItems(items, opts.MaxItemsPerCategory))
	}
	return ctx.Err()
}

func (p *Pipeline) processItems(ctx context.Context, state *runState, stats *domain.RunStats, category string, items []domain.CandidateItem) {
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		stats.CountProcessed(category)

		if err := p.processItem(ctx, state, category, item); err != nil {
			if isRejection(err) {
				stats.CountRejected(category)
				p.logf("item rejected", "category", category, "uri", itemURI(item), "reason", err)
			} else {
				stats.CountError(category)
				p.logf("item failed", "category", category, "uri", itemURI(item), "error", err)
			}
			continue
		}
		stats.CountAccepted(category)
	}
}

// rejectionError marks a normal negative outcome, as opposed to an
// infrastructure failure.
type rejectionError struct{ reason string }

func (e rejectionError) Error() string { return e.reason }

func reject(format string, args ...any) error {
	return rejectionError{reason: fmt.Sprintf(format, args...)}
}

func isRejection(err error) bool {
	_, ok := err.(rejectionError)
	return ok
}

func (p *Pipeline) processItem(ctx context.Context, state *runState, category string, item domain.CandidateItem) error {
	uri := itemURI(item)
	if uri == "" {
		return reject("item has no source URI")
	}
	if state.markSeen(uri) {
		return reject("already seen this run")
	}

	exists, err := p.challenges.HasChallenge(ctx, uri)
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	if exists {
		return reject("already stored")
	}

	result, err := p.classify(ctx, item)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	if !result.Accepted || result.Challenge == nil {
		return reject("classifier: %s", result.Reason)
	}

	fields := result.Challenge
	coords, err := p.geocoder.Resolve(ctx, geocodeQuery(fields), &domain.PlaceHint{City: fields.City, Country: fields.Country})
	if err != nil {
		return fmt.Errorf("geocode: %w", err)
	}
	if coords == nil {
		return reject("location unresolvable: %q", geocodeQuery(fields))
	}

	record := &domain.Challenge{
		SourceURI:    uri,
		Title:        firstNonEmpty(fields.Title, item.Title),
		Summary:      fields.Summary,
		Category:     firstNonEmpty(fields.Category, category),
		Severity:     fields.Severity,
		LocationName: fields.LocationText,
		City:         fields.City,
		Country:      fields.Country,
		Latitude:     coords.Latitude,
		Longitude:    coords.Longitude,
		Status:       domain.StatusActive,
		PublishedAt:  item.PublishedAt,
	}

	created, err := p.challenges.SaveChallenge(ctx, record)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if !created {
		return reject("already stored")
	}
	return nil
}

// classify runs the challenge classifier, escalating snippet-level candidates
// to a full-page fetch when the model signals it needs more context.
func (p *Pipeline) classify(ctx context.Context, item domain.CandidateItem) (domain.Extraction, error) {
	result, err := p.classifier.ClassifyChallenge(ctx, itemContent(item))
	if err != nil {
		return domain.Extraction{}, err
	}

	if result.Accepted || item.SourceType != domain.SourceSearchSnippet {
		return result, nil
	}
	if !llm.NeedsMoreContext(result.Reason) || item.DetailURL == "" || p.fetcher == nil {
		return result, nil
	}

	text, err := p.fetcher.FetchText(ctx, item.DetailURL)
	if err != nil {
		p.logf("full-page escalation failed", "url", item.DetailURL, "error", err)
		return result, nil
	}

	escalated := item
	escalated.SourceType = domain.SourceSearchFullPage
	escalated.BodyText = text
	return p.classifier.ClassifyChallenge(ctx, itemContent(escalated))
}

func (p *Pipeline) logf(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}

func report(fn ports.ProgressFunc, message string) {
	if fn != nil {
		fn(message)
	}
}

func itemURI(item domain.CandidateItem) string {
	if item.SourceID != "" {
		return item.SourceID
	}
	return item.DetailURL
}

func itemContent(item domain.CandidateItem) string {
	var sb strings.Builder
	sb.WriteString(item.Title)
	if item.BodyText != "" {
		sb.WriteString("\n\n")
		sb.WriteString(item.BodyText)
	}
	if item.PublishedAt != nil {
		sb.WriteString("\n\nPublished: " + item.PublishedAt.Format(time.DateOnly))
	}
	return sb.String()
}

func geocodeQuery(fields *domain.ChallengeFields) string {
	if fields.GeocodeQuery != "" {
		return fields.GeocodeQuery
	}
	if fields.LocationText != "" {
		return fields.LocationText
	}
	return joinPlace(fields.City, fields.Country)
}

func joinPlace(city, country string) string {
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case city != "":
		return city
	default:
		return country
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func capItems(items []domain.CandidateItem, max int) []domain.CandidateItem {
	if max > 0 && len(items) > max {
		return items[:max]
	}
	return items
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func todayUTC() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}
