package ports

import (
	"context"
	"time"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
)

// ProgressFunc receives human-readable pipeline milestones. Advisory only;
// implementations must not influence control flow.
type ProgressFunc func(message string)

// NewsSource queries a structured news-aggregation API, one call per
// topical category.
type NewsSource interface {
	FetchCategory(ctx context.Context, category config.NewsCategory) ([]domain.CandidateItem, error)
}

// SearchSource runs search-engine queries and returns snippet-level candidates.
type SearchSource interface {
	Search(ctx context.Context, query string, maxResults int) ([]domain.CandidateItem, error)
}

// DirectorySource paginates public directory listing pages into raw rows.
type DirectorySource interface {
	ScrapeCategory(ctx context.Context, category string) ([]domain.CandidateItem, error)
}

// PageFetcher retrieves readable text from a full page, for snippet
// escalation when the classifier signals insufficient context.
type PageFetcher interface {
	FetchText(ctx context.Context, pageURL string) (string, error)
}

// Classifier turns unstructured text into structured accept/reject verdicts
// via the language-model cascade.
type Classifier interface {
	ClassifyChallenge(ctx context.Context, content string) (domain.Extraction, error)
	ClassifyEvent(ctx context.Context, content string) (domain.Extraction, error)
	CompleteJSON(ctx context.Context, prompt string) (string, error)
}

// Geocoder resolves a free-text location to coordinates. A nil result with a
// nil error means the location could not be resolved; callers must drop the
// candidate rather than store zero coordinates.
type Geocoder interface {
	Resolve(ctx context.Context, query string, fallback *domain.PlaceHint) (*domain.Coordinates, error)
}

// ChallengeStore persists challenge records keyed by source URI.
type ChallengeStore interface {
	HasChallenge(ctx context.Context, sourceURI string) (bool, error)
	SaveChallenge(ctx context.Context, c *domain.Challenge) (created bool, err error)
}

// EventStore is the deduplication and merge surface for discovered events.
type EventStore interface {
	FindEventByURL(ctx context.Context, url string) (*domain.DiscoveredEvent, error)
	FindEventFuzzy(ctx context.Context, name, city string, start time.Time) (*domain.DiscoveredEvent, error)
	UpsertEvent(ctx context.Context, ev *domain.DiscoveredEvent, sourceRef string) (*domain.DiscoveredEvent, bool, error)
}

// GeocodeCache is the persistent cache-aside layer for the resolver.
type GeocodeCache interface {
	GetGeocode(ctx context.Context, query string) (*domain.GeocodeCacheEntry, error)
	PutGeocode(ctx context.Context, entry domain.GeocodeCacheEntry) error
}

// Sweeper marks past-dated records as expired. The argument is the current
// date; how far behind it each record kind may fall is the implementation's
// concern.
type Sweeper interface {
	ExpireSweep(ctx context.Context, today time.Time) (int64, error)
}

// Notifier pushes run summaries to an external channel. Failures are logged
// and swallowed; notifications never affect pipeline outcomes.
type Notifier interface {
	NotifyRunSummary(ctx context.Context, summary string) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
