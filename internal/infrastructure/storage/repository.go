package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/ports"
)

// Store persists challenges, discovered events and the geocode cache, and
// implements the deduplication/merge rules for inserts.
type Store struct {
	db     *gorm.DB
	dedup  config.DedupConfig
	sweep  config.SweepConfig
	logger *slog.Logger
}

var (
	_ ports.ChallengeStore = (*Store)(nil)
	_ ports.EventStore     = (*Store)(nil)
	_ ports.GeocodeCache   = (*Store)(nil)
	_ ports.Sweeper        = (*Store)(nil)
)

// Open connects to the SQLite database and migrates the schema.
func Open(cfg config.DatabaseConfig, dedup config.DedupConfig, sweep config.SweepConfig, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&domain.Challenge{},
		&domain.DiscoveredEvent{},
		&domain.GeocodeCacheEntry{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return NewStore(db, dedup, sweep, log), nil
}

// NewStore wraps an existing gorm handle; used directly by tests.
func NewStore(db *gorm.DB, dedup config.DedupConfig, sweep config.SweepConfig, log *slog.Logger) *Store {
	if dedup.DateWindowDays <= 0 {
		dedup.DateWindowDays = 3
	}
	if dedup.NamePrefixLen <= 0 {
		dedup.NamePrefixLen = 20
	}
	if sweep.ChallengeRetentionDays <= 0 {
		sweep.ChallengeRetentionDays = 30
	}
	return &Store{db: db, dedup: dedup, sweep: sweep, logger: log}
}

// DB exposes the underlying handle for the read-only API layer.
func (s *Store) DB() *gorm.DB { return s.db }

// ── Challenges ──

// HasChallenge reports whether a challenge with this source URI exists.
func (s *Store) HasChallenge(ctx context.Context, sourceURI string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.Challenge{}).
		Where("source_uri = ?", sourceURI).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("challenge lookup: %w", err)
	}
	return count > 0, nil
}

// SaveChallenge inserts a new challenge. A unique-constraint violation means
// a concurrent run got there first; it is reported as "not created", never
// as an error.
func (s *Store) SaveChallenge(ctx context.Context, c *domain.Challenge) (bool, error) {
	if c.Status == "" {
		c.Status = domain.StatusActive
	}
	err := s.db.WithContext(ctx).Create(c).Error
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("save challenge: %w", err)
	}
	return true, nil
}

// ── Events: deduplication & merge ──

// FindEventByURL looks up an event by its primary external identifier.
func (s *Store) FindEventByURL(ctx context.Context, url string) (*domain.DiscoveredEvent, error) {
	if url == "" {
		return nil, nil
	}
	var ev domain.DiscoveredEvent
	err := s.db.WithContext(ctx).Where("event_url = ?", url).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("event lookup: %w", err)
	}
	return &ev, nil
}

// FindEventFuzzy looks for an existing event in the same locality, with a
// start date inside the configured window, whose name shares a prefix with
// the candidate. Tolerates source-to-source title variation without merging
// unrelated events; returns the earliest-created match.
func (s *Store) FindEventFuzzy(ctx context.Context, name, city string, start time.Time) (*domain.DiscoveredEvent, error) {
	if name == "" || city == "" || start.IsZero() {
		return nil, nil
	}

	window := time.Duration(s.dedup.DateWindowDays) * 24 * time.Hour
	from := start.Add(-window)
	to := start.Add(window)

	var candidates []domain.DiscoveredEvent
	err := s.db.WithContext(ctx).
		Where("LOWER(city) = ? AND start_date IS NOT NULL AND start_date BETWEEN ? AND ?",
			strings.ToLower(city), from, to).
		Order("created_at asc").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("fuzzy event lookup: %w", err)
	}

	prefix := namePrefix(name, s.dedup.NamePrefixLen)
	if prefix == "" {
		// A name that normalizes to nothing (a bare year, pure punctuation)
		// has no usable identity and must not match anything.
		return nil, nil
	}
	for i := range candidates {
		otherPrefix := namePrefix(candidates[i].Name, s.dedup.NamePrefixLen)
		if otherPrefix == "" {
			continue
		}
		if strings.Contains(normalizeTitle(candidates[i].Name), prefix) || strings.Contains(normalizeTitle(name), otherPrefix) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// UpsertEvent inserts a new event or merges the extraction into an existing
// record found by exact URL or fuzzy match. The returned bool is true when a
// new record was created. Merges are strictly additive: populated fields are
// never overwritten, the source list is append-only, and confidence/relevance
// move only upward.
func (s *Store) UpsertEvent(ctx context.Context, ev *domain.DiscoveredEvent, sourceRef string) (*domain.DiscoveredEvent, bool, error) {
	if ev.Status == "" {
		ev.Status = domain.StatusActive
	}
	ev.AddSource(sourceRef)

	if ev.EventURL != nil && *ev.EventURL != "" {
		existing, err := s.FindEventByURL(ctx, *ev.EventURL)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return s.merge(ctx, existing, ev, sourceRef)
		}
	}

	if ev.StartDate != nil {
		existing, err := s.FindEventFuzzy(ctx, ev.Name, ev.City, *ev.StartDate)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return s.merge(ctx, existing, ev, sourceRef)
		}
	}

	err := s.db.WithContext(ctx).Create(ev).Error
	if err != nil {
		if isDuplicateKey(err) && ev.EventURL != nil {
			// Race with a concurrent run: the record exists now, merge into it.
			existing, ferr := s.FindEventByURL(ctx, *ev.EventURL)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing != nil {
				return s.merge(ctx, existing, ev, sourceRef)
			}
		}
		return nil, false, fmt.Errorf("save event: %w", err)
	}
	return ev, true, nil
}

func (s *Store) merge(ctx context.Context, existing, incoming *domain.DiscoveredEvent, sourceRef string) (*domain.DiscoveredEvent, bool, error) {
	changed := false

	fill := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			changed = true
		}
	}
	fill(&existing.Summary, incoming.Summary)
	fill(&existing.EventType, incoming.EventType)
	fill(&existing.Venue, incoming.Venue)
	fill(&existing.City, incoming.City)
	fill(&existing.Country, incoming.Country)

	if existing.EventURL == nil && incoming.EventURL != nil && *incoming.EventURL != "" {
		existing.EventURL = incoming.EventURL
		changed = true
	}
	if existing.StartDate == nil && incoming.StartDate != nil {
		existing.StartDate = incoming.StartDate
		changed = true
	}
	if existing.EndDate == nil && incoming.EndDate != nil {
		existing.EndDate = incoming.EndDate
		changed = true
	}
	if existing.Latitude == 0 && existing.Longitude == 0 && (incoming.Latitude != 0 || incoming.Longitude != 0) {
		existing.Latitude = incoming.Latitude
		existing.Longitude = incoming.Longitude
		changed = true
	}
	if incoming.Confidence.BetterThan(existing.Confidence) {
		existing.Confidence = incoming.Confidence
		changed = true
	}
	if incoming.Relevance > existing.Relevance {
		existing.Relevance = incoming.Relevance
		changed = true
	}
	if existing.AddSource(sourceRef) {
		changed = true
	}

	if changed {
		if err := s.db.WithContext(ctx).Save(existing).Error; err != nil {
			return nil, false, fmt.Errorf("merge event: %w", err)
		}
		if s.logger != nil {
			s.logger.Debug("merged duplicate event", "id", existing.ID, "name", existing.Name, "source", sourceRef)
		}
	}
	return existing, false, nil
}

// ── Geocode cache ──

// GetGeocode returns the cached entry for an exact query string, or nil.
func (s *Store) GetGeocode(ctx context.Context, query string) (*domain.GeocodeCacheEntry, error) {
	var entry domain.GeocodeCacheEntry
	err := s.db.WithContext(ctx).Where("query = ?", query).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("geocode cache get: %w", err)
	}
	return &entry, nil
}

// PutGeocode writes a cache entry; the upsert is idempotent per key.
func (s *Store) PutGeocode(ctx context.Context, entry domain.GeocodeCacheEntry) error {
	err := s.db.WithContext(ctx).Save(&entry).Error
	if err != nil {
		return fmt.Errorf("geocode cache put: %w", err)
	}
	return nil
}

// ── Expiration sweep ──

// ExpireSweep marks past-dated active records as expired and returns the
// number of rows affected. Events expire once their end date (start date when
// the end is unknown) is behind today. Challenges always carry a past
// publication date, so they expire only after the retention window; a fresh
// article is never expired by the run that ingested it.
func (s *Store) ExpireSweep(ctx context.Context, today time.Time) (int64, error) {
	events := s.db.WithContext(ctx).
		Model(&domain.DiscoveredEvent{}).
		Where("status = ? AND COALESCE(end_date, start_date) < ?", domain.StatusActive, today).
		Update("status", domain.StatusExpired)
	if events.Error != nil {
		return 0, fmt.Errorf("expire events: %w", events.Error)
	}

	cutoff := today.AddDate(0, 0, -s.sweep.ChallengeRetentionDays)
	challenges := s.db.WithContext(ctx).
		Model(&domain.Challenge{}).
		Where("status = ? AND published_at IS NOT NULL AND published_at < ?", domain.StatusActive, cutoff).
		Update("status", domain.StatusExpired)
	if challenges.Error != nil {
		return events.RowsAffected, fmt.Errorf("expire challenges: %w", challenges.Error)
	}

	return events.RowsAffected + challenges.RowsAffected, nil
}

// ── Read queries (consumed by the browsing UI) ──

// Bounds is a geographic bounding box filter.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// ChallengeFilter narrows challenge read queries.
type ChallengeFilter struct {
	Status   string
	Category string
	Bounds   *Bounds
	Limit    int
}

// EventFilter narrows event read queries.
type EventFilter struct {
	Status    string
	EventType string
	Bounds    *Bounds
	Limit     int
}

// QueryChallenges returns persisted challenges matching the filter.
func (s *Store) QueryChallenges(ctx context.Context, f ChallengeFilter) ([]domain.Challenge, error) {
	q := s.db.WithContext(ctx).Model(&domain.Challenge{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	q = applyBounds(q, f.Bounds)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []domain.Challenge
	if err := q.Order("created_at desc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query challenges: %w", err)
	}
	return out, nil
}

// QueryEvents returns persisted events matching the filter.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]domain.DiscoveredEvent, error) {
	q := s.db.WithContext(ctx).Model(&domain.DiscoveredEvent{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	q = applyBounds(q, f.Bounds)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []domain.DiscoveredEvent
	if err := q.Order("start_date asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// GetChallenge returns one challenge by primary key, or nil when absent.
func (s *Store) GetChallenge(ctx context.Context, id uint) (*domain.Challenge, error) {
	var c domain.Challenge
	err := s.db.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge %d: %w", id, err)
	}
	return &c, nil
}

// GetEvent returns one event by primary key, or nil when absent.
func (s *Store) GetEvent(ctx context.Context, id uint) (*domain.DiscoveredEvent, error) {
	var ev domain.DiscoveredEvent
	err := s.db.WithContext(ctx).First(&ev, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return &ev, nil
}

// Summary aggregates record counts for the stats endpoint.
type Summary struct {
	ActiveChallenges  int64            `json:"active_challenges"`
	ExpiredChallenges int64            `json:"expired_challenges"`
	ActiveEvents      int64            `json:"active_events"`
	ExpiredEvents     int64            `json:"expired_events"`
	ByCategory        map[string]int64 `json:"challenges_by_category"`
	ByEventType       map[string]int64 `json:"events_by_type"`
}

// Summarize counts stored records grouped by status, category, and type.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	out := &Summary{ByCategory: map[string]int64{}, ByEventType: map[string]int64{}}

	counts := []struct {
		model  any
		status domain.RecordStatus
		dest   *int64
	}{
		{&domain.Challenge{}, domain.StatusActive, &out.ActiveChallenges},
		{&domain.Challenge{}, domain.StatusExpired, &out.ExpiredChallenges},
		{&domain.DiscoveredEvent{}, domain.StatusActive, &out.ActiveEvents},
		{&domain.DiscoveredEvent{}, domain.StatusExpired, &out.ExpiredEvents},
	}
	for _, c := range counts {
		if err := s.db.WithContext(ctx).Model(c.model).Where("status = ?", c.status).Count(c.dest).Error; err != nil {
			return nil, fmt.Errorf("summarize: %w", err)
		}
	}

	type bucket struct {
		Key string
		N   int64
	}
	var byCategory []bucket
	err := s.db.WithContext(ctx).Model(&domain.Challenge{}).
		Select("category as key, count(*) as n").
		Where("status = ?", domain.StatusActive).
		Group("category").Scan(&byCategory).Error
	if err != nil {
		return nil, fmt.Errorf("summarize categories: %w", err)
	}
	for _, b := range byCategory {
		out.ByCategory[b.Key] = b.N
	}

	var byType []bucket
	err = s.db.WithContext(ctx).Model(&domain.DiscoveredEvent{}).
		Select("event_type as key, count(*) as n").
		Where("status = ?", domain.StatusActive).
		Group("event_type").Scan(&byType).Error
	if err != nil {
		return nil, fmt.Errorf("summarize event types: %w", err)
	}
	for _, b := range byType {
		out.ByEventType[b.Key] = b.N
	}

	return out, nil
}

func applyBounds(q *gorm.DB, b *Bounds) *gorm.DB {
	if b == nil {
		return q
	}
	return q.Where("latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?",
		b.MinLat, b.MaxLat, b.MinLng, b.MaxLng)
}

// ── helpers ──

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	yearExpr     = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	nonAlnumExpr = regexp.MustCompile(`[^a-z0-9 ]+`)
	spaceExpr    = regexp.MustCompile(`\s+`)
)

// normalizeTitle strips year tokens and punctuation so source-to-source
// title variation ("2026 Summit" vs "Summit 2026: Day One") still matches
// on the name prefix.
func normalizeTitle(name string) string {
	n := strings.ToLower(name)
	n = yearExpr.ReplaceAllString(n, " ")
	n = nonAlnumExpr.ReplaceAllString(n, " ")
	n = spaceExpr.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

func namePrefix(name string, n int) string {
	normalized := normalizeTitle(name)
	if len(normalized) > n {
		return normalized[:n]
	}
	return normalized
}
