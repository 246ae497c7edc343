package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/infrastructure/connector"
	"civicsignal/internal/infrastructure/llm"
	"civicsignal/internal/ports"
)

// DiscoveryDeps wires the adapters used by the event-discovery pipeline.
type DiscoveryDeps struct {
	Search     ports.SearchSource
	Directory  ports.DirectorySource
	Fetcher    ports.PageFetcher
	Classifier ports.Classifier
	Geocoder   ports.Geocoder
	Events     ports.EventStore
	Sweeper    ports.Sweeper
	Filter     *BatchFilter
}

// Discovery implements the event-discovery workflow: search queries are
// classified one by one with snippet escalation, directory listings are
// screened in batches, and everything converges on the merge-aware event
// store.
type Discovery struct {
	search     ports.SearchSource
	directory  ports.DirectorySource
	fetcher    ports.PageFetcher
	classifier ports.Classifier
	geocoder   ports.Geocoder
	events     ports.EventStore
	sweeper    ports.Sweeper
	filter     *BatchFilter

	searchCfg config.SearchConfig
	dirCfg    config.DirectoryConfig
	logger    *slog.Logger
}

// NewDiscovery constructs the discovery orchestrator.
func NewDiscovery(deps DiscoveryDeps, searchCfg config.SearchConfig, dirCfg config.DirectoryConfig, logger *slog.Logger) *Discovery {
	return &Discovery{
		search:     deps.Search,
		directory:  deps.Directory,
		fetcher:    deps.Fetcher,
		classifier: deps.Classifier,
		geocoder:   deps.Geocoder,
		events:     deps.Events,
		sweeper:    deps.Sweeper,
		filter:     deps.Filter,
		searchCfg:  searchCfg,
		dirCfg:     dirCfg,
		logger:     logger,
	}
}

// Run executes one discovery cycle. Like ingestion, it always finishes with
// an expire sweep regardless of how the harvest went.
func (d *Discovery) Run(ctx context.Context, opts RunOptions) (stats *domain.RunStats, err error) {
	stats = domain.NewRunStats()
	state := newRunState()

	defer func() {
		n, sweepErr := d.sweeper.ExpireSweep(context.WithoutCancel(ctx), todayUTC())
		if sweepErr != nil {
			d.logf("expire sweep failed", "error", sweepErr)
		} else {
			stats.Expired = n
			report(opts.OnProgress, fmt.Sprintf("expire sweep: %d records marked expired", n))
		}
	}()

	if !opts.SkipSearch && d.search != nil {
		if err := d.runSearch(ctx, state, stats, opts); err != nil {
			return stats, err
		}
	}
	if !opts.SkipDirectory && d.directory != nil {
		if err := d.runDirectory(ctx, stats, opts); err != nil {
			return stats, err
		}
	}

	report(opts.OnProgress, fmt.Sprintf("discovery done: %d processed, %d accepted, %d rejected, %d errors",
		stats.Processed, stats.Accepted, stats.Rejected, stats.Errors))
	return stats, nil
}

func (d *Discovery) runSearch(ctx context.Context, state *runState, stats *domain.RunStats, opts RunOptions) error {
	for i, query := range d.searchCfg.EventQueries {
		if i > 0 {
			if err := sleepCtx(ctx, d.searchCfg.QueryDelay.Std()); err != nil {
				return err
			}
		}

		label := "events:" + query
		report(opts.OnProgress, "event search: "+query)
		items, err := d.search.Search(ctx, query, d.searchCfg.MaxResults)
		if err != nil {
			d.logf("event search failed", "query", query, "error", err)
			stats.CountError(label)
			continue
		}

		for _, item := range capItems(items, opts.MaxItemsPerCategory) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.CountProcessed(label)

			if err := d.processSearchItem(ctx, state, item); err != nil {
				if isRejection(err) {
					stats.CountRejected(label)
					d.logf("event rejected", "uri", itemURI(item), "reason", err)
				} else {
					stats.CountError(label)
					d.logf("event failed", "uri", itemURI(item), "error", err)
				}
				continue
			}
			stats.CountAccepted(label)
		}
	}
	return ctx.Err()
}

func (d *Discovery) processSearchItem(ctx context.Context, state *runState, item domain.CandidateItem) error {
	uri := itemURI(item)
	if uri == "" {
		return reject("item has no source URI")
	}
	if state.markSeen(uri) {
		return reject("already seen this run")
	}

	result, err := d.classifyEvent(ctx, item)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	if !result.Accepted || result.Event == nil {
		return reject("classifier: %s", result.Reason)
	}

	fields := result.Event
	if fields.Name == "" {
		return reject("classifier returned event without a name")
	}

	record := &domain.DiscoveredEvent{
		Name:       fields.Name,
		Summary:    fields.Summary,
		EventType:  fields.EventType,
		Venue:      fields.Venue,
		City:       fields.City,
		Country:    fields.Country,
		StartDate:  fields.StartDate,
		EndDate:    fields.EndDate,
		Relevance:  fields.Relevance,
		Confidence: confidenceFor(fields),
		Status:     domain.StatusActive,
	}
	if url := firstNonEmpty(fields.URL, item.DetailURL); url != "" {
		record.EventURL = &url
	}

	if err := d.attachCoordinates(ctx, record, eventGeocodeQuery(fields)); err != nil {
		return err
	}

	_, _, err = d.events.UpsertEvent(ctx, record, uri)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// classifyEvent mirrors the challenge-side escalation: a snippet the model
// cannot judge gets one full-page fetch before the final verdict.
func (d *Discovery) classifyEvent(ctx context.Context, item domain.CandidateItem) (domain.Extraction, error) {
	result, err := d.classifier.ClassifyEvent(ctx, itemContent(item))
	if err != nil {
		return domain.Extraction{}, err
	}

	if result.Accepted || item.SourceType != domain.SourceSearchSnippet {
		return result, nil
	}
	if !llm.NeedsMoreContext(result.Reason) || item.DetailURL == "" || d.fetcher == nil {
		return result, nil
	}

	text, err := d.fetcher.FetchText(ctx, item.DetailURL)
	if err != nil {
		d.logf("full-page escalation failed", "url", item.DetailURL, "error", err)
		return result, nil
	}

	escalated := item
	escalated.SourceType = domain.SourceSearchFullPage
	escalated.BodyText = text
	return d.classifier.ClassifyEvent(ctx, itemContent(escalated))
}

func (d *Discovery) runDirectory(ctx context.Context, stats *domain.RunStats, opts RunOptions) error {
	const label = "directory"

	var harvest []domain.CandidateItem
	for i, category := range d.dirCfg.Categories {
		if i > 0 {
			if err := sleepCtx(ctx, d.dirCfg.PageDelay.Std()); err != nil {
				return err
			}
		}

		report(opts.OnProgress, "directory category: "+category)
		items, err := d.directory.ScrapeCategory(ctx, category)
		if err != nil {
			d.logf("directory category failed", "category", category, "error", err)
			stats.CountError(label)
			continue
		}
		harvest = append(harvest, items...)
	}

	// The same event often appears under several categories; collapse those
	// before spending classifier calls, then drop anything already past.
	listings := connector.FilterFuture(connector.DedupeListings(harvest), time.Now().UTC())
	listings = capItems(listings, opts.MaxItemsPerCategory)
	if len(listings) == 0 {
		return ctx.Err()
	}

	verdicts, err := d.filter.Run(ctx, listings)
	if err != nil {
		d.logf("batch filter failed", "listings", len(listings), "error", err)
		stats.CountError(label)
		return ctx.Err()
	}

	for i, item := range listings {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.CountProcessed(label)

		verdict := verdicts[i]
		if !verdict.Relevant {
			stats.CountRejected(label)
			continue
		}

		if err := d.storeListing(ctx, item, verdict); err != nil {
			if isRejection(err) {
				stats.CountRejected(label)
				d.logf("listing rejected", "name", item.Title, "reason", err)
			} else {
				stats.CountError(label)
				d.logf("listing failed", "name", item.Title, "error", err)
			}
			continue
		}
		stats.CountAccepted(label)
	}
	return ctx.Err()
}

func (d *Discovery) storeListing(ctx context.Context, item domain.CandidateItem, verdict domain.BatchVerdict) error {
	record := &domain.DiscoveredEvent{
		Name:       item.Title,
		Summary:    item.BodyText,
		EventType:  verdict.Type,
		Venue:      item.Venue,
		City:       item.City,
		Country:    item.Country,
		StartDate:  item.StartDate,
		EndDate:    item.EndDate,
		Relevance:  verdict.Score,
		Confidence: domain.ConfidenceListingOnly,
		Status:     domain.StatusActive,
	}
	if item.DetailURL != "" {
		url := item.DetailURL
		record.EventURL = &url
	}

	query := joinPlace(item.Venue, joinPlace(item.City, item.Country))
	if err := d.attachCoordinates(ctx, record, query); err != nil {
		return err
	}

	_, _, err := d.events.UpsertEvent(ctx, record, item.SourceID)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

func (d *Discovery) attachCoordinates(ctx context.Context, record *domain.DiscoveredEvent, query string) error {
	coords, err := d.geocoder.Resolve(ctx, query, &domain.PlaceHint{City: record.City, Country: record.Country})
	if err != nil {
		return fmt.Errorf("geocode: %w", err)
	}
	if coords == nil {
		return reject("location unresolvable: %q", query)
	}
	record.Latitude = coords.Latitude
	record.Longitude = coords.Longitude
	return nil
}

func eventGeocodeQuery(fields *domain.EventFields) string {
	if fields.GeocodeQuery != "" {
		return fields.GeocodeQuery
	}
	return joinPlace(fields.Venue, joinPlace(fields.City, fields.Country))
}

// confidenceFor grades an extraction by field completeness. Directory rows
// never pass through here; they are always listing_only.
func confidenceFor(fields *domain.EventFields) domain.Confidence {
	switch {
	case fields.Name == "" || fields.StartDate == nil:
		return domain.ConfidenceListingOnly
	case fields.Venue != "" && fields.City != "":
		return domain.ConfidenceComplete
	case fields.City != "":
		return domain.ConfidencePartial
	default:
		return domain.ConfidenceLow
	}
}

func (d *Discovery) logf(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	}
}
